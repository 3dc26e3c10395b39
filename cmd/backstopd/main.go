// SPDX-License-Identifier: Apache-2.0

// backstopd sits between an assistant host and its model providers: it
// subscribes to the host's event feed, detects rate-limit failures, and
// re-prompts affected sessions on fallback models per the configured chain.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/backstoplabs/backstop/pkg/config"
	"github.com/backstoplabs/backstop/pkg/engine"
	"github.com/backstoplabs/backstop/pkg/history"
	"github.com/backstoplabs/backstop/pkg/host"
	"github.com/backstoplabs/backstop/pkg/introspect"
	"github.com/backstoplabs/backstop/pkg/patterns"
	"github.com/backstoplabs/backstop/pkg/telemetry"
)

const version = "0.1.0"

func main() {
	var (
		configPath  = flag.String("config", getenv("BACKSTOP_CONFIG", ""), "Path to the YAML config file")
		hostURL     = flag.String("host", "", "Host base URL (overrides config)")
		watch       = flag.Bool("watch", true, "Reload configuration when the file changes")
		mcpStdio    = flag.Bool("introspect", false, "Serve introspection tools as MCP on stdio")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Logs go to stderr unconditionally: stdout belongs to the MCP
	// introspection transport when -introspect is set.
	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitWithConfig("backstopd", version, cfg.Telemetry.SDK())
		if err != nil {
			log.Fatalf("telemetry: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
	}

	engineCfg, err := cfg.Engine()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if len(engineCfg.Models) == 0 {
		log.Fatalf("config: fallback.models is empty, nothing to fall back to")
	}

	baseURL := strings.TrimSpace(*hostURL)
	if baseURL == "" {
		baseURL = cfg.Host.BaseURL
	}

	var headers map[string]string
	if cfg.Host.Token != "" {
		headers = map[string]string{"Authorization": "Bearer " + cfg.Host.Token}
	}

	// Two clients against the same host: API calls carry a request timeout,
	// while the event stream client must not, since a client-level timeout
	// would sever the long-lived SSE response mid-feed.
	apiClient := host.NewClient(baseURL,
		host.WithHeaders(headers),
		host.WithHTTPClient(&http.Client{Timeout: cfg.Host.Timeout}),
	)
	streamClient := host.NewClient(baseURL, host.WithHeaders(headers))

	opts := []engine.Option{engine.WithLogger(telemetry.Logger("engine"))}

	if len(cfg.Patterns) > 0 {
		custom, err := cfg.ErrorPatterns()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		registry := patterns.NewRegistry()
		registry.RegisterMany(custom)
		opts = append(opts, engine.WithPatterns(registry))
	}

	if cfg.Telemetry.Enabled {
		metrics, err := telemetry.NewFallbackMetrics(ctx)
		if err != nil {
			log.Fatalf("metrics: %v", err)
		}
		opts = append(opts, engine.WithMetrics(metrics))
	}

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			log.Fatalf("history: %v", err)
		}
		defer store.Close()
		opts = append(opts, engine.WithJournal(store))
	}

	eng := engine.New(engineCfg, apiClient, opts...)
	defer eng.Destroy()

	eng.StartJanitor(cfg.Janitor.Interval, cfg.Janitor.TTL)

	if *watch && *configPath != "" {
		watcher, err := config.NewWatcher(*configPath,
			config.WithWatchLogger(telemetry.Logger("config")))
		if err != nil {
			log.Fatalf("config watcher: %v", err)
		}
		watcher.OnChange(func(next *config.Config) {
			ec, err := next.Engine()
			if err != nil {
				logger.Error("config reload rejected", "error", err)
				return
			}
			eng.UpdateConfig(ec)
		})
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	if *mcpStdio || cfg.Introspect.Enabled {
		var journal introspect.History
		if store != nil {
			journal = store
		}
		srv := introspect.NewServer(eng, journal, version)
		go func() {
			if err := srv.ServeStdio(); err != nil {
				logger.Error("introspection server stopped", "error", err)
			}
		}()
	}

	stream := host.NewEventStream(streamClient, eng.HandleEvent)

	logger.Info("backstopd started",
		"host", baseURL,
		"models", len(engineCfg.Models),
		"mode", string(engineCfg.Mode),
		"history", cfg.History.Enabled,
	)

	if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("event stream terminated", "error", err)
	}
	logger.Info("backstopd stopped")
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
