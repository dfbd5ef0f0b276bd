// Package config loads process configuration for the event bus demo binary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-level configuration; it is never read by the bus
// package itself (which takes an explicit eventbus.Config instead) — it only
// exists to assemble one for cmd/eventbusd, the way the teacher's services
// each load their own env-driven Config and hand concrete values down.
type Config struct {
	AppEnv string
	Port   int

	DBDSN string

	LogLevel string

	// Event bus tuning (mirrors eventbus.Config field-for-field so Load can
	// build one without the config package importing eventbus).
	TableName         string
	NbThreads         int
	PollInterval      time.Duration
	ClaimBatchSize    int
	ClaimLease        time.Duration
	MaxFailureRetries int
	InstanceName      string

	// Admin API auth
	AdminJWTSecret string
	AdminJWTIssuer string

	RLEnabled bool
	RLLimit   int
	RLWindow  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.Port = getInt("PORT", 8080)

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		return nil, fmt.Errorf("missing database config: set DATABASE_URL")
	}
	cfg.DBDSN = dbURL

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	cfg.TableName = getEnv("BUS_TABLE_NAME", "bus_events")
	cfg.NbThreads = getInt("BUS_NB_THREADS", 4)
	cfg.PollInterval = getDuration("BUS_POLL_INTERVAL", 500*time.Millisecond)
	cfg.ClaimBatchSize = getInt("BUS_CLAIM_BATCH_SIZE", 20)
	cfg.ClaimLease = getDuration("BUS_CLAIM_LEASE", 30*time.Second)
	cfg.MaxFailureRetries = getInt("BUS_MAX_FAILURE_RETRIES", 5)
	cfg.InstanceName = getEnv("BUS_INSTANCE_NAME", hostnameOrDefault())

	cfg.AdminJWTSecret = getEnv("ADMIN_JWT_SECRET", "")
	cfg.AdminJWTIssuer = getEnv("ADMIN_JWT_ISSUER", "eventbus-admin")

	cfg.RLEnabled = getBool("RL_ENABLED", true)
	cfg.RLLimit = getInt("RL_REQUESTS_LIMIT", 100)
	cfg.RLWindow = getDuration("RL_WINDOW", 60*time.Second)

	if cfg.AppEnv != "dev" && cfg.AdminJWTSecret == "" {
		return nil, fmt.Errorf("missing ADMIN_JWT_SECRET (required when APP_ENV != dev)")
	}

	return cfg, nil
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "eventbus"
	}
	return h
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		panic(fmt.Errorf("invalid boolean env %s=%q", k, v))
	}
}

func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
