// Copyright 2026 The Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Pulse-probe is a diagnostic client: it connects to a sync gateway,
// joins one or more channels, and tails connection status changes and
// reconciled state transitions to stdout. Point it at pulse-mock for
// local development or at a staging gateway to inspect live traffic.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/pulselive/realtime/cache"
	"github.com/pulselive/realtime/engine"
	"github.com/pulselive/realtime/transport"
)

// probeConfig is the YAML config file schema. Flags override file
// values.
type probeConfig struct {
	URL        string   `yaml:"url"`
	Credential string   `yaml:"credential"`
	Context    string   `yaml:"context"`
	Channels   []string `yaml:"channels"`
	CachePath  string   `yaml:"cache_path"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pulse-probe:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		url        string
		credential string
		resContext string
		channels   []string
		cachePath  string
		verbose    bool
	)
	pflag.StringVar(&configPath, "config", "", "YAML config file")
	pflag.StringVar(&url, "url", "", "gateway WebSocket URL (e.g., ws://127.0.0.1:8787)")
	pflag.StringVar(&credential, "credential", "", "bearer credential")
	pflag.StringVar(&resContext, "context", "", "resource context sent on connect")
	pflag.StringSliceVar(&channels, "channel", nil, "channel to join (repeatable)")
	pflag.StringVar(&cachePath, "cache", "", "offline cache database path (empty disables)")
	pflag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	pflag.Parse()

	cfg := probeConfig{}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}
	if url != "" {
		cfg.URL = url
	}
	if credential != "" {
		cfg.Credential = credential
	}
	if resContext != "" {
		cfg.Context = resContext
	}
	if len(channels) > 0 {
		cfg.Channels = channels
	}
	if cachePath != "" {
		cfg.CachePath = cachePath
	}
	if cfg.URL == "" {
		return fmt.Errorf("a gateway URL is required (--url or config file)")
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("at least one channel is required (--channel or config file)")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cacheStore *cache.Store
	if cfg.CachePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o755); err != nil {
			return fmt.Errorf("creating cache directory: %w", err)
		}
		var err error
		cacheStore, err = cache.Open(cache.Config{Path: cfg.CachePath, Logger: logger})
		if err != nil {
			return fmt.Errorf("opening cache: %w", err)
		}
		defer cacheStore.Close()
	}

	manager, err := transport.NewManager(transport.Config{
		URL:             cfg.URL,
		Credential:      cfg.Credential,
		ResourceContext: cfg.Context,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Config{
		Transport: manager,
		Cache:     cacheStore,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	changes, cancelWatch := eng.Watch()
	defer cancelWatch()

	if err := eng.Start(ctx); err != nil {
		logger.Warn("starting offline", "error", err)
	}
	for _, channel := range cfg.Channels {
		if err := eng.Join(ctx, channel); err != nil {
			logger.Error("join failed", "channel", channel, "error", err)
		}
	}

	fmt.Printf("connected to %s, tailing %d channel(s)\n", cfg.URL, len(cfg.Channels))
	tail(ctx, eng, changes)

	m := eng.Metrics()
	fmt.Printf("session: reconciled=%d replayed=%d reconnects=%d\n",
		m.Reconciled, m.Replayed, m.Reconnects)
	return nil
}

// tail prints status transitions and store changes until cancelled.
func tail(ctx context.Context, eng *engine.Engine, changes <-chan engine.Change) {
	for {
		select {
		case status := <-eng.Statuses():
			line := fmt.Sprintf("[%s] connection: %s", timestamp(), status.State)
			if status.ManualRetryRequired {
				line += " (manual retry required)"
			}
			if status.Reason != "" {
				line += " reason=" + status.Reason
			}
			fmt.Println(line)
		case change := <-changes:
			verb := "upsert"
			if change.Kind == engine.ChangeRemoved {
				verb = "remove"
			}
			marker := ""
			if change.Optimistic {
				marker = " (optimistic)"
			}
			fmt.Printf("[%s] %s %s/%s v%d%s\n",
				timestamp(), verb, change.ResourceType, change.EntityID, change.Version, marker)
		case <-ctx.Done():
			return
		}
	}
}

func timestamp() string {
	return time.Now().Format("15:04:05.000")
}
