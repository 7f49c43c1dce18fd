// Package config builds the process-wide configuration from the environment.
// The configuration is constructed once at startup and passed explicitly to
// every component; nothing reads the environment after that.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries every tunable of the ingestion pipeline. Zero values are
// never used directly — construct instances with FromEnv, which applies the
// documented defaults.
type Config struct {
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseDSN    string

	ChessAPIBaseURL   string
	ChessAPIUserAgent string
	ChessAPITimeout   time.Duration

	LichessAPIBaseURL   string
	LichessAPIUserAgent string
	LichessAPITimeout   time.Duration

	// Refresh cadences: the minimum interval between two successful refreshes
	// of the same resource for the same player.
	ProfileRefresh        time.Duration
	StatsRefresh          time.Duration
	ArchiveRefresh        time.Duration
	LichessProfileRefresh time.Duration

	// ArchiveMonthLimit caps the archive enumeration to the most recent N
	// months. 0 means unlimited.
	ArchiveMonthLimit int

	PollInterval       time.Duration
	ArchiveJobPriority int
	MaxAttempts        int
	RetryBase          time.Duration
	LockTimeout        time.Duration
	RefreshScan        time.Duration

	// OpsAddr is the listen address for the operational HTTP server
	// (health, metrics, queue depth). Empty disables it.
	OpsAddr string

	LogLevel string
}

// FromEnv reads the full environment surface and returns a Config with
// defaults applied to anything unset.
func FromEnv() Config {
	return Config{
		DatabaseDriver: envOrDefault("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:    envOrDefault("DATABASE_DSN", "./rookery.db"),

		ChessAPIBaseURL:   envOrDefault("CHESS_API_BASE_URL", "https://api.chess.com/pub"),
		ChessAPIUserAgent: envOrDefault("CHESS_API_USER_AGENT", "rookery/0.1 (contact@rookery.io)"),
		ChessAPITimeout:   envSeconds("CHESS_API_TIMEOUT", 15),

		LichessAPIBaseURL:   envOrDefault("LICHESS_API_BASE_URL", "https://lichess.org/api"),
		LichessAPIUserAgent: envOrDefault("LICHESS_API_USER_AGENT", "rookery/0.1 (contact@rookery.io)"),
		LichessAPITimeout:   envSeconds("LICHESS_API_TIMEOUT", 15),

		ProfileRefresh:        envSeconds("PROFILE_REFRESH_SECONDS", 6*3600),
		StatsRefresh:          envSeconds("STATS_REFRESH_SECONDS", 2*3600),
		ArchiveRefresh:        envSeconds("ARCHIVE_REFRESH_SECONDS", 12*3600),
		LichessProfileRefresh: envSeconds("LICHESS_PROFILE_REFRESH_SECONDS", 60),

		ArchiveMonthLimit: envInt("ARCHIVE_MONTH_LIMIT", 12),

		PollInterval:       envSeconds("INGESTION_POLL_SECONDS", 5),
		ArchiveJobPriority: envInt("ARCHIVE_JOB_PRIORITY", 5),
		MaxAttempts:        envInt("INGESTION_MAX_ATTEMPTS", 5),
		RetryBase:          envSeconds("INGESTION_RETRY_BASE_SECONDS", 300),
		LockTimeout:        envSeconds("INGESTION_LOCK_TIMEOUT_SECONDS", 3600),
		RefreshScan:        envSeconds("REFRESH_SCAN_SECONDS", 60),

		OpsAddr: envOrDefault("OPS_HTTP_ADDR", ":8080"),

		LogLevel: envOrDefault("LOG_LEVEL", "info"),
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(envInt(key, defaultSeconds)) * time.Second
}
