package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"goldpos/backend/internal/settlement"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	RunMigrations           bool
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	AuditStream             string
	DefaultBranchID         string
	AuthSecret              string
	AccessTokenTTLMinutes   int
	ManagerPIN              string
	ManagerPassword         string
	AdminPassword           string
	LogLevel                string
	VoidWindow              string
	OperationalDayStartHour int
	BranchTimezone          string
	VoidRequiresApproval    bool
	RateLockTTLSeconds      int
	TxRetryAttempts         int
}

// Load reads a .env file when one exists, then the process environment.
// Malformed numbers fall back to their defaults.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RunMigrations:           getBool("RUN_MIGRATIONS", false),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 getInt("REDIS_DB", 0, 0),
		AuditStream:             getEnv("AUDIT_STREAM", "goldpos:audit"),
		DefaultBranchID:         getEnv("DEFAULT_BRANCH_ID", "main-branch"),
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		ManagerPIN:              strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		ManagerPassword:         os.Getenv("MANAGER_PASSWORD"),
		AdminPassword:           os.Getenv("ADMIN_PASSWORD"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		VoidWindow:              getEnv("VOID_WINDOW", "same_day"),
		OperationalDayStartHour: getInt("OPERATIONAL_DAY_START_HOUR", 0, 0),
		BranchTimezone:          getEnv("BRANCH_TIMEZONE", "UTC"),
		VoidRequiresApproval:    getBool("VOID_REQUIRES_APPROVAL", false),
		RateLockTTLSeconds:      getInt("RATE_LOCK_TTL_SECONDS", 10, 1),
		TxRetryAttempts:         getInt("TX_RETRY_ATTEMPTS", 3, 1),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) RateLockTTL() time.Duration {
	return time.Duration(c.RateLockTTLSeconds) * time.Second
}

// VoidPolicy turns the VOID_* and branch clock settings into a policy.
func (c Config) VoidPolicy() (settlement.VoidPolicy, error) {
	window, maxAge, err := settlement.ParseVoidWindow(c.VoidWindow)
	if err != nil {
		return settlement.VoidPolicy{}, err
	}
	if c.OperationalDayStartHour < 0 || c.OperationalDayStartHour > 23 {
		return settlement.VoidPolicy{}, fmt.Errorf("OPERATIONAL_DAY_START_HOUR must be between 0 and 23, got %d", c.OperationalDayStartHour)
	}
	loc, err := time.LoadLocation(c.BranchTimezone)
	if err != nil {
		return settlement.VoidPolicy{}, fmt.Errorf("BRANCH_TIMEZONE: %w", err)
	}
	return settlement.VoidPolicy{
		Window:          window,
		MaxAge:          maxAge,
		DayStartHour:    c.OperationalDayStartHour,
		Location:        loc,
		RequireApproval: c.VoidRequiresApproval,
	}, nil
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int, min int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < min {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return v
}
