// Package main provides the entry point for the examlockd coordinator daemon.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/examlock/examlockd/internal/server"
	"github.com/examlock/examlockd/pkg/clearance"
	"github.com/examlock/examlockd/pkg/database/migrate"
	"github.com/examlock/examlockd/pkg/delivery"
	"github.com/examlock/examlockd/pkg/health"
	"github.com/examlock/examlockd/pkg/kvstore"
	"github.com/examlock/examlockd/pkg/lockdown"
	"github.com/examlock/examlockd/pkg/session"
	"github.com/examlock/examlockd/pkg/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type daemonOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() daemonOptions {
	opts := daemonOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Listen address (overrides config)")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func setupLogging(cfg lockdown.LoggingConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("examlockd version %s\n", server.Version)
		return nil
	}

	cfg := lockdown.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := lockdown.LoadConfig(opts.configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	setupLogging(cfg.Logging)
	ctx := setupSignalHandler()

	// Relational database, shared by the postgres store backend and the
	// record clearance provider.
	var db *sql.DB
	if cfg.Database.DSN != "" {
		var err error
		db, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("pinging database: %w", err)
		}
		if err := migrate.Run(db); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
	}

	kv, err := openStore(cfg, db)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = kv.Close() }()

	sink := webhook.NewSink(delivery.NewClient(), webhook.Config{
		Endpoint:     cfg.Sink.Endpoint,
		MaxRetries:   cfg.Sink.MaxRetries,
		InitialDelay: cfg.Sink.InitialDelay,
		Thresholds: webhook.Thresholds{
			Critical: cfg.Sink.Thresholds.Critical,
			High:     cfg.Sink.Thresholds.High,
			Medium:   cfg.Sink.Thresholds.Medium,
		},
	})

	var relay session.Relay
	if sink.Configured() {
		relay = sink
	}

	provider, records := buildClearanceProvider(cfg, db, sink)

	coord := session.NewCoordinator(kv, relay, provider, session.Config{
		TTL:          cfg.Session.TTL,
		HistoryLimit: cfg.Session.HistoryLimit,
		MaxCountJump: cfg.Session.MaxCountJump,
		StorageKey:   cfg.Session.StorageKey,
	})
	defer func() { _ = coord.Close() }()

	checker := health.NewChecker()
	srv := server.New(coord, checker, records, server.Config{
		Admin: server.AdminConfig{
			Enabled:      cfg.Admin.Enabled,
			SigningKey:   cfg.Admin.SigningKey,
			APIKeyHashes: adminKeyHashes(cfg.Admin.APIKeys),
		},
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("examlockd listening",
			"address", cfg.Server.Address,
			"store", cfg.Store.Backend,
			"clearance_provider", cfg.Clearance.Provider,
			"sink_configured", sink.Configured())
		if cfg.Server.TLS.Enabled {
			errCh <- httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()
	checker.SetReady()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	checker.SetDraining()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// openStore builds the key-value backend, reusing the shared database handle
// for the postgres backend.
func openStore(cfg *lockdown.Config, db *sql.DB) (kvstore.Store, error) {
	if cfg.Store.Backend == "postgres" && db != nil && cfg.Store.DSN == "" {
		return kvstore.NewPostgresStore(db), nil
	}
	return kvstore.Open(cfg.StoreOptions())
}

// buildClearanceProvider wires the configured clearance strategy. The record
// provider is also returned separately so the admin API can grant and revoke.
func buildClearanceProvider(cfg *lockdown.Config, db *sql.DB, sink *webhook.Sink) (clearance.Provider, *clearance.RecordProvider) {
	switch cfg.Clearance.Provider {
	case "record":
		records := clearance.NewRecordProvider(db)
		return records, records
	case "webhook":
		return clearance.NewWebhookProvider(sink), nil
	default:
		return nil, nil
	}
}

func adminKeyHashes(keys []lockdown.AdminAPIKey) []string {
	hashes := make([]string, 0, len(keys))
	for _, k := range keys {
		hashes = append(hashes, k.Hash)
	}
	return hashes
}
