// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration.
type Config struct {
	ListenAddr    string
	DatabasePath  string
	LogLevel      string
	RulesFile     string
	WatchInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	addr := os.Getenv("PEEP_LISTEN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8736"
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/peep.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	interval := time.Second
	if raw := os.Getenv("WATCH_INTERVAL_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid WATCH_INTERVAL_MS %q: must be a positive integer", raw)
		}
		interval = time.Duration(ms) * time.Millisecond
	}

	return &Config{
		ListenAddr:    addr,
		DatabasePath:  dbPath,
		LogLevel:      logLevel,
		RulesFile:     os.Getenv("RULES_FILE"),
		WatchInterval: interval,
	}, nil
}
