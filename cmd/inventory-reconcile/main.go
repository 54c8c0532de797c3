// Command inventory-reconcile replays the movement ledger of one branch and
// compares it with the on-hand records. It exits 1 when any product drifted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"goldpos/backend/internal/config"
	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/service"
	"goldpos/backend/internal/store"
	"goldpos/backend/internal/store/memory"
	pgstore "goldpos/backend/internal/store/postgres"
)

// errDrift reports that at least one product failed reconciliation.
var errDrift = errors.New("inventory drift detected")

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err := run(ctx, cfg, os.Args[1:], os.Stdout, logger)
	cancel()
	if err != nil {
		if !errors.Is(err, errDrift) {
			logger.WithError(err).Error("reconcile failed")
		}
		os.Exit(1)
	}
}

// run opens the configured store, reconciles one branch and returns errDrift
// when any product is out of balance. Every resource it opens is closed
// before it returns.
func run(ctx context.Context, cfg config.Config, args []string, out io.Writer, logger logrus.FieldLogger) error {
	flags := flag.NewFlagSet("inventory-reconcile", flag.ContinueOnError)
	flags.SetOutput(out)
	branch := flags.String("branch", cfg.DefaultBranchID, "branch to reconcile")
	if err := flags.Parse(args); err != nil {
		return err
	}

	var repo store.Store
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		repo = pg
	} else {
		logger.Warn("DATABASE_URL not set, reconciling the seeded in-memory store")
		repo = memory.NewSeeded(logger)
	}

	svc := service.New(repo, service.Options{DefaultBranchID: cfg.DefaultBranchID, Logger: logger})
	drifted, err := report(ctx, svc, *branch, out, logger)
	if err != nil {
		return err
	}
	if drifted > 0 {
		return fmt.Errorf("%w: %d products", errDrift, drifted)
	}
	return nil
}

type reconciler interface {
	ReconcileBranch(ctx context.Context, branchID string) ([]domain.LedgerCheck, error)
}

// report prints one line per product and returns how many were out of balance.
func report(ctx context.Context, r reconciler, branchID string, out io.Writer, logger logrus.FieldLogger) (int, error) {
	checks, err := r.ReconcileBranch(ctx, branchID)
	if err != nil {
		return 0, err
	}

	drifted := 0
	for _, c := range checks {
		state := "ok"
		if !c.Balanced {
			state = "DRIFT"
			drifted++
			logger.WithFields(logrus.Fields{
				"branch_id":       c.BranchID,
				"product_id":      c.ProductID,
				"record_quantity": c.RecordQuantity,
				"ledger_quantity": c.LedgerQuantity,
			}).Warn("inventory record does not match movement ledger")
		}
		fmt.Fprintf(out, "%-6s %-24s record=%d/%s ledger=%d/%s movements=%d\n",
			state, c.ProductID, c.RecordQuantity, c.RecordWeight.StringFixed(3),
			c.LedgerQuantity, c.LedgerWeight.StringFixed(3), c.Movements)
	}
	fmt.Fprintf(out, "branch %s: %d products, %d drifted\n", branchID, len(checks), drifted)
	return drifted, nil
}
