// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// JWTSecret signs/verifies bearer tokens issued by the identity service.
	JWTSecret string

	// RedisAddr selects the durable analysis queue. Empty means the
	// in-process queue (single-node deployments, tests).
	RedisAddr     string
	RedisPassword string

	Matchmaking MatchmakingConfig
	Session     SessionConfig
	Analysis    AnalysisConfig
	Scoring     ScoringConfig
}

// MatchmakingConfig tunes the waiting pool.
type MatchmakingConfig struct {
	// WaitCeiling is how long an entry may wait before it expires and the
	// caller is told to try again.
	WaitCeiling   time.Duration
	SweepInterval time.Duration
}

// SessionConfig tunes the live session lifecycle.
type SessionConfig struct {
	// HeartbeatGrace is how long both participants may be silent before the
	// session is forced to end.
	HeartbeatGrace time.Duration
	// JoinTimeout bounds how long a CREATED session waits for its second
	// participant before being aborted.
	JoinTimeout     time.Duration
	MonitorInterval time.Duration
}

// AnalysisConfig tunes the post-session pipeline.
type AnalysisConfig struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// TaskDueAfter is the default due-date horizon for generated learning
	// tasks.
	TaskDueAfter time.Duration
}

// ScoringConfig configures the external language-analysis collaborator.
type ScoringConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/speakpair.db"),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		Matchmaking: MatchmakingConfig{
			WaitCeiling:   getEnvDuration("MATCH_WAIT_CEILING", 120*time.Second),
			SweepInterval: getEnvDuration("MATCH_SWEEP_INTERVAL", 5*time.Second),
		},
		Session: SessionConfig{
			HeartbeatGrace:  getEnvDuration("HEARTBEAT_GRACE", 45*time.Second),
			JoinTimeout:     getEnvDuration("JOIN_TIMEOUT", 60*time.Second),
			MonitorInterval: getEnvDuration("SESSION_MONITOR_INTERVAL", 5*time.Second),
		},
		Analysis: AnalysisConfig{
			Workers:      getEnvInt("ANALYSIS_WORKERS", 4),
			MaxAttempts:  getEnvInt("ANALYSIS_MAX_ATTEMPTS", 3),
			BackoffBase:  getEnvDuration("ANALYSIS_BACKOFF_BASE", 30*time.Second),
			BackoffCap:   getEnvDuration("ANALYSIS_BACKOFF_CAP", 10*time.Minute),
			TaskDueAfter: getEnvDuration("TASK_DUE_AFTER", 24*time.Hour),
		},
		Scoring: ScoringConfig{
			APIKey:  getEnv("SCORING_API_KEY", ""),
			BaseURL: getEnv("SCORING_BASE_URL", ""),
			Model:   getEnv("SCORING_MODEL", "gpt-4o-mini"),
			Timeout: getEnvDuration("SCORING_TIMEOUT", 60*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Matchmaking.WaitCeiling <= 0 {
		return fmt.Errorf("MATCH_WAIT_CEILING must be > 0")
	}
	if c.Session.HeartbeatGrace <= 0 {
		return fmt.Errorf("HEARTBEAT_GRACE must be > 0")
	}
	if c.Session.JoinTimeout <= 0 {
		return fmt.Errorf("JOIN_TIMEOUT must be > 0")
	}
	if c.Analysis.Workers <= 0 {
		return fmt.Errorf("ANALYSIS_WORKERS must be > 0")
	}
	if c.Analysis.MaxAttempts <= 0 {
		return fmt.Errorf("ANALYSIS_MAX_ATTEMPTS must be > 0")
	}
	if c.Analysis.BackoffBase <= 0 || c.Analysis.BackoffCap < c.Analysis.BackoffBase {
		return fmt.Errorf("analysis backoff bounds are inconsistent")
	}
	if !c.IsDevelopment() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
