package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"peep/internal/api"
	"peep/internal/config"
	"peep/internal/reset"
	"peep/internal/session"
	"peep/internal/storage"
	"peep/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." && cfg.DatabasePath != ":memory:" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	resetSched := reset.New(store, log)
	if err := resetSched.EnsureDailyReset(ctx); err != nil {
		log.Error("initial daily reset", "error", err)
		os.Exit(1)
	}
	resetSched.Start()
	defer resetSched.Stop()

	if cfg.RulesFile != "" {
		if err := seedRules(ctx, store, cfg.RulesFile, log); err != nil {
			log.Error("seed rules", "path", cfg.RulesFile, "error", err)
			os.Exit(1)
		}
	}

	sessions := session.New(store, resetSched, log)
	hub := watch.NewHub(ctx, sessions, cfg.WatchInterval, log)
	defer hub.StopAll()

	server := api.NewServer(store, sessions, hub, log)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("starting peepd", "addr", cfg.ListenAddr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server", "error", err)
		os.Exit(1)
	}

	log.Info("peepd stopped")
}

// seedRules creates rules from the declarative file for patterns that do not
// exist yet. Existing rules are never overwritten: the file seeds, the API
// edits.
func seedRules(ctx context.Context, store storage.Store, path string, log *slog.Logger) error {
	inputs, err := config.LoadRulesFile(path)
	if err != nil {
		return err
	}

	rules, err := store.LoadRules(ctx)
	if err != nil {
		return err
	}

	existing := make(map[string]bool, len(rules))
	for _, r := range rules {
		existing[r.Pattern] = true
	}

	added := 0
	for _, in := range inputs {
		if existing[in.Pattern] {
			continue
		}
		rule, err := in.Normalize()
		if err != nil {
			return err
		}
		rules = append(rules, rule)
		existing[rule.Pattern] = true
		added++
	}

	if added > 0 {
		if err := store.SaveRules(ctx, rules); err != nil {
			return err
		}
		log.Info("seeded rules", "path", path, "added", added, "total", len(rules))
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
