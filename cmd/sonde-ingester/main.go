// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sonde-io/sonde/lib/config"
	"github.com/sonde-io/sonde/lib/process"
	"github.com/sonde-io/sonde/lib/queue"
	"github.com/sonde-io/sonde/lib/service"
	"github.com/sonde-io/sonde/lib/store"
	"github.com/sonde-io/sonde/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	envFile := flag.String("env-file", "", "load environment variables from this file")
	healthAddr := flag.String("health-address", "", "serve /health on this address (empty disables)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sonde-ingester %s\n", version.Info())
		return nil
	}

	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		return err
	}

	if err := loadDotenv(*envFile); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sonde-ingester starting",
		"version", version.Info(),
		"redis", cfg.Redis.Addr(),
		"mongo_db", cfg.Mongo.Database,
		"queue_prefix", cfg.QueuePrefix,
	)

	q := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		Prefix:   cfg.QueuePrefix,
	})
	defer q.Close()

	connectCtx, cancelConnect := context.WithTimeout(ctx, 10*time.Second)
	st, err := store.Connect(connectCtx, store.Config{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
	})
	cancelConnect()
	if err != nil {
		return fmt.Errorf("connecting to mongo: %w", err)
	}
	defer func() {
		// The signal context is already cancelled by the time this
		// runs; give the disconnect its own deadline.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	// Fail fast when a dependency is down at startup; once running,
	// outages are ridden out per flush.
	probeCtx, cancelProbe := context.WithTimeout(ctx, 5*time.Second)
	defer cancelProbe()
	if err := q.Ping(probeCtx); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr(), err)
	}
	if err := st.Ping(probeCtx); err != nil {
		return fmt.Errorf("mongo unreachable: %w", err)
	}

	// The ingester is the sole writer, so it owns the schema.
	indexCtx, cancelIndex := context.WithTimeout(ctx, 30*time.Second)
	err = st.EnsureIndexes(indexCtx)
	cancelIndex()
	if err != nil {
		return fmt.Errorf("ensuring indexes: %w", err)
	}

	ing := newIngester(ingesterConfig{
		Logger: logger,
		Queue:  q,
		Store:  st,
	})

	var serveDone chan error
	if *healthAddr != "" {
		httpServer := service.NewHTTPServer(service.HTTPServerConfig{
			Address: *healthAddr,
			Handler: ing.healthRoutes(),
			Logger:  logger,
		})
		serveDone = make(chan error, 1)
		go func() {
			serveDone <- httpServer.Serve(ctx)
		}()
		select {
		case <-httpServer.Ready():
		case err := <-serveDone:
			return err
		}
		logger.Info("health endpoint listening", "address", httpServer.Addr().String())
	}

	logger.Info("ingester running")
	ing.run(ctx)
	logger.Info("shutting down")

	if serveDone != nil {
		if err := <-serveDone; err != nil {
			return err
		}
	}
	logger.Info("sonde-ingester stopped")
	return nil
}

// newLogger builds the process logger. Level and format come from
// flags so a misbehaving deployment can be put in debug mode without
// an environment change.
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}

// loadDotenv loads environment defaults from a dotenv file. The
// implicit ".env" is optional; an explicitly named file must exist.
func loadDotenv(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
