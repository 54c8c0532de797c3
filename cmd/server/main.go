package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"goldpos/backend/internal/audit"
	"goldpos/backend/internal/config"
	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/httpapi"
	"goldpos/backend/internal/identity"
	"goldpos/backend/internal/lock"
	"goldpos/backend/internal/service"
	"goldpos/backend/internal/store"
	"goldpos/backend/internal/store/memory"
	pgstore "goldpos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	voidPolicy, err := cfg.VoidPolicy()
	if err != nil {
		logger.WithError(err).Fatal("invalid void policy")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var repo store.Store
	var users userStore
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		closers = append(closers, pg.Close)
		if cfg.RunMigrations {
			if err := pg.Migrate(logger.WithField("module", "migrate")); err != nil {
				logger.WithError(err).Fatal("failed to apply migrations")
			}
		}
		repo, users = pg, pg
		logger.Info("repository: postgres")
	} else {
		mem := memory.NewSeeded(logger)
		repo, users = mem, memoryUsers{mem}
		logger.Info("repository: in-memory")
	}

	if err := bootstrapUsers(ctx, users, cfg, logger); err != nil {
		logger.WithError(err).Fatal("failed to bootstrap users")
	}

	sink := audit.Sink(audit.NewStoreSink(repo))
	locker := lock.Locker(lock.NoopLocker{})
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis unavailable, audit stream and rate locks disabled")
			_ = rdb.Close()
		} else {
			sink = audit.MultiSink{audit.NewStoreSink(repo), audit.NewRedisStreamSink(rdb, cfg.AuditStream, 100000)}
			locker = lock.NewRedisLocker(rdb, cfg.RateLockTTL(), logger)
			closers = append(closers, rdb.Close)
			logger.WithField("stream", cfg.AuditStream).Info("redis: audit stream and rate locks enabled")
		}
	}

	tokens := identity.NewTokenManager(cfg.AuthSecret, cfg.AccessTokenTTL())
	auth := identity.NewAuthenticator(repo, tokens, logger)
	svc := service.New(repo, service.Options{
		DefaultBranchID: cfg.DefaultBranchID,
		VoidPolicy:      voidPolicy,
		Retry:           service.RetryPolicy{Attempts: cfg.TxRetryAttempts, BaseDelay: 25 * time.Millisecond, MaxDelay: 500 * time.Millisecond},
		AuditSink:       sink,
		Locker:          locker,
		Approvals:       auth,
		Logger:          logger,
	})
	api := httpapi.New(svc, auth, tokens, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":        cfg.Address(),
			"void_window": voidPolicy.Window,
		}).Info("goldpos backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Error("close error")
		}
	}

	logger.Info("server stopped")
}

type userStore interface {
	GetUser(ctx context.Context, id string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}

// memoryUsers lets the dev store be provisioned like postgres. Bootstrap
// replaces the seeded manager so MANAGER_PIN is the PIN that works.
type memoryUsers struct {
	s *memory.Store
}

func (m memoryUsers) GetUser(ctx context.Context, id string) (*domain.UserAccount, error) {
	if id == "manager" {
		return nil, store.ErrNotFound
	}
	return m.s.GetUser(ctx, id)
}

func (m memoryUsers) CreateUser(_ context.Context, user domain.UserAccount) error {
	m.s.PutUser(user)
	return nil
}

// bootstrapUsers creates the admin and manager logins when they are missing.
// Existing accounts are never touched.
func bootstrapUsers(ctx context.Context, users userStore, cfg config.Config, logger logrus.FieldLogger) error {
	accounts := []struct {
		id       string
		role     string
		password string
		pin      string
	}{
		{"admin", domain.RoleAdmin, cfg.AdminPassword, ""},
		{"manager", domain.RoleManager, cfg.ManagerPassword, cfg.ManagerPIN},
	}

	for _, a := range accounts {
		_, err := users.GetUser(ctx, a.id)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("lookup %s: %w", a.id, err)
		}
		if a.password == "" {
			logger.WithField("user_id", a.id).Warn("no bootstrap password configured, skipping user")
			continue
		}

		passwordHash, err := identity.HashSecret(a.password)
		if err != nil {
			return fmt.Errorf("hash password for %s: %w", a.id, err)
		}
		account := domain.UserAccount{
			ID:           a.id,
			BranchID:     cfg.DefaultBranchID,
			Role:         a.role,
			PasswordHash: passwordHash,
			Active:       true,
			CreatedAt:    time.Now().UTC(),
		}
		if a.pin != "" {
			if account.ApprovalPINHash, err = identity.HashSecret(a.pin); err != nil {
				return fmt.Errorf("hash pin for %s: %w", a.id, err)
			}
		}
		if err := users.CreateUser(ctx, account); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("create %s: %w", a.id, err)
		}
		logger.WithFields(logrus.Fields{"user_id": a.id, "role": a.role}).Info("bootstrapped user")
	}
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	for _, r := range cfg.ManagerPIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("MANAGER_PIN must contain digits only")
		}
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "159753": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
