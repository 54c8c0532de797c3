package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goldpos/backend/internal/config"
	"goldpos/backend/internal/domain"
)

type fakeReconciler struct {
	checks []domain.LedgerCheck
	err    error
}

func (f fakeReconciler) ReconcileBranch(context.Context, string) ([]domain.LedgerCheck, error) {
	return f.checks, f.err
}

func TestReportCountsDrift(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	var out bytes.Buffer
	checks := []domain.LedgerCheck{
		{ProductID: "ring", BranchID: "b1", RecordQuantity: 2, LedgerQuantity: 2, RecordWeight: decimal.NewFromInt(10), LedgerWeight: decimal.NewFromInt(10), Movements: 3, Balanced: true},
		{ProductID: "chain", BranchID: "b1", RecordQuantity: 4, LedgerQuantity: 5, RecordWeight: decimal.NewFromInt(40), LedgerWeight: decimal.NewFromInt(50), Movements: 1},
	}

	drifted, err := report(context.Background(), fakeReconciler{checks: checks}, "b1", &out, logger)
	require.NoError(t, err)
	assert.Equal(t, 1, drifted)
	assert.Contains(t, out.String(), "DRIFT  chain")
	assert.Contains(t, out.String(), "branch b1: 2 products, 1 drifted")
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "chain", hook.LastEntry().Data["product_id"])
}

func TestReportPropagatesErrors(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	_, err := report(context.Background(), fakeReconciler{err: errors.New("boom")}, "b1", &bytes.Buffer{}, logger)
	assert.EqualError(t, err, "boom")
}

func TestRunReconcilesSeededStore(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	var out bytes.Buffer
	cfg := config.Config{DefaultBranchID: "main-branch"}

	err := run(context.Background(), cfg, nil, &out, logger)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "branch main-branch:")
	assert.Contains(t, out.String(), " 0 drifted")
	assert.NotContains(t, out.String(), "DRIFT")
}

func TestRunHonoursBranchFlag(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	var out bytes.Buffer

	err := run(context.Background(), config.Config{DefaultBranchID: "main-branch"}, []string{"-branch", "empty-branch"}, &out, logger)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "branch empty-branch: 0 products, 0 drifted")
}

func TestRunRejectsUnknownFlags(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	err := run(context.Background(), config.Config{}, []string{"-nope"}, &bytes.Buffer{}, logger)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errDrift))
}

func TestRunReportsUnreachableDatabase(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cfg := config.Config{DefaultBranchID: "main-branch", DatabaseURL: "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"}

	err := run(ctx, cfg, nil, &bytes.Buffer{}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect postgres")
}
