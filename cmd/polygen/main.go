// Copyright 2026 The Polygen Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point for polygen, the QoS policy generator:
// it scans usage counters published by a fleet of HAProxy instances,
// compares them against per-user configured limits, and pushes violation
// and fair-share control messages back to the proxies over TCP.
//
// Usage: polygen <config_file>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"polygen/internal/bookkeeper"
	"polygen/internal/config"
	"polygen/internal/controlplane"
	"polygen/internal/demand"
	"polygen/internal/detect"
	"polygen/internal/dispatch"
	"polygen/internal/qos"
	"polygen/internal/rotate"
	"polygen/internal/store"
	"polygen/internal/telemetry"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config_file>\n", os.Args[0])
		os.Exit(1)
	}

	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "polygen: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, closeLogger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer closeLogger()

	logger.Info("starting polygen", "zone", cfg.Zone)

	if cfg.MetricsAddr != "" {
		telemetry.ServeMetrics(cfg.MetricsAddr)
	}

	instances, err := cfg.ProxyInstances()
	if err != nil {
		return fmt.Errorf("building proxy topology: %w", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	limitsPath := qos.CacheLimitsPath(homeDir, cfg.Zone)
	registry := qos.NewRegistry(
		logger,
		limitsPath,
		cfg.DefaultActiveRequestIfQoSNotConfigured,
		time.Duration(cfg.UnknownUsersReportTimeSeconds)*time.Second,
	)

	runner := store.NewGoRedisRunner(cfg.RedisServer)
	defer runner.Close()
	st, err := store.New(logger, runner, cfg.PolygenLuaPath)
	if err != nil {
		return fmt.Errorf("initializing redis store: %w", err)
	}

	dispatchEngine := dispatch.NewEngine(logger, instances, cfg.PolicyMsgQueueSize, cfg.SleepTimeMilliseconds)

	sleepDuration := time.Duration(cfg.SleepTimeMilliseconds) * time.Millisecond

	verbLoop := detect.NewVerbLoop(
		logger, st, registry, bookkeeper.New(), dispatchEngine,
		cfg.RedisKeysBatch, cfg.ViolationCheckThreadNum, sleepDuration,
	)
	connLoop := detect.NewConnLoop(
		logger, st, registry, bookkeeper.New(), dispatchEngine,
		cfg.RedisKeysBatch, sleepDuration,
		cfg.RequestsUnblockBackoffTimeMs, cfg.RequestsUnblockRatio,
	)
	demandLoop := demand.NewLoop(
		logger, st, registry, dispatchEngine,
		cfg.RedisKeysBatch, cfg.SleepTimeMilliseconds, cfg.DemandSleepMultiplier,
	)

	fifoPath := controlplane.FIFOPath(cfg.Zone)
	if err := controlplane.EnsureFIFO(fifoPath); err != nil {
		return fmt.Errorf("creating control fifo: %w", err)
	}
	watcher := controlplane.NewWatcher(logger, fifoPath, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go verbLoop.Run(ctx)
	go connLoop.Run(ctx)
	go demandLoop.Run(ctx)
	go watcher.Run()

	logger.Info("polygen running", "proxies", len(instances))

	waitForShutdownSignal()
	logger.Info("shutdown signal received, stopping")

	cancel()
	watcher.Stop()
	dispatchEngine.Shutdown(sleepDuration + time.Second)

	logger.Info("polygen stopped")
	return nil
}

func waitForShutdownSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// buildLogger constructs the process-wide logger: a rotating file sink when
// log_file_name is configured, stdout otherwise.
func buildLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	level := parseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogFileName == "" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), func() {}, nil
	}

	writer, err := rotate.New(cfg.LogFileName, rotate.DefaultMaxBytes, rotate.DefaultBackupCount)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(writer, opts))
	return logger, func() { writer.Close() }, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
