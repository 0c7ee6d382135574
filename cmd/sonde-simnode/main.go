// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sonde-io/sonde/lib/process"
	"github.com/sonde-io/sonde/lib/sio"
	"github.com/sonde-io/sonde/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	gateway := flag.String("gateway", "http://127.0.0.1:3000", "gateway base URL")
	device := flag.String("device", "", "device id to report (default sim-<random>)")
	interval := flag.Duration("interval", time.Second, "reading cadence")
	threshold := flag.Float64("threshold", 30, "initial alert threshold")
	identify := flag.Bool("identify", false, "send an explicit identify frame instead of relying on /save auto-identification")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sonde-simnode %s\n", version.Info())
		return nil
	}

	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		return err
	}

	deviceID := *device
	if deviceID == "" {
		deviceID = "sim-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancelDial := context.WithTimeout(ctx, 30*time.Second)
	client, err := sio.Dial(dialCtx, *gateway)
	cancelDial()
	if err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	defer client.Close()

	logger.Info("connected",
		"gateway", *gateway,
		"sid", client.SID(),
		"device", deviceID,
		"interval", *interval,
	)

	if *identify {
		err := client.Emit("identify", map[string]any{
			"type":   "device",
			"nodeId": deviceID,
			"metadata": map[string]any{
				"simulated": true,
				"fw":        "simnode/" + version.Version,
			},
		})
		if err != nil {
			return fmt.Errorf("identifying: %w", err)
		}
	}

	sim := newSimulator(simulatorConfig{
		Logger:    logger,
		DeviceID:  deviceID,
		Interval:  *interval,
		Threshold: *threshold,
	})
	if err := sim.run(ctx, client); err != nil {
		return err
	}
	logger.Info("sonde-simnode stopped")
	return nil
}

// newLogger builds the process logger.
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
