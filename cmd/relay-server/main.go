package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"airelay/internal/config"
	"airelay/internal/microservices/admin"
	"airelay/internal/microservices/relay"
	"airelay/internal/storage"
)

func main() {
	// Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed_to_load_config", "error", err.Error())
		os.Exit(1)
	}

	// Setup structured logging
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid_config", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sinks := openSinks(ctx, cfg, logger)
	opts := []relay.ServerOption{}
	if len(sinks) > 0 {
		opts = append(opts, relay.WithQueue(storage.NewQueue(cfg.SinkQueueSize, sinks...)))
	}
	tracker, err := relay.NewChangeTracker(cfg.KPITrackerSize)
	if err != nil {
		logger.Error("failed_to_create_tracker", "error", err.Error())
		os.Exit(1)
	}
	opts = append(opts, relay.WithTracker(tracker))

	server := relay.NewServer(relay.ServerConfigFrom(cfg), opts...)

	logger.Info("starting_relay_server",
		"xapp_addr", cfg.XAppAddr(),
		"command_addr", cfg.CommandAddr(),
		"uplink_addr", cfg.UplinkAddr(),
		"sinks", len(sinks),
	)

	// a port already in use is fatal
	if err := server.Start(ctx); err != nil {
		logger.Error("server_start_failed", "error", err.Error())
		os.Exit(1)
	}

	var adminServer *admin.Server
	if cfg.AdminEnabled {
		adminServer = admin.NewServer(cfg.AdminAddr(), server, server.Metrics.Registry)
		if err := adminServer.Listen(); err != nil {
			logger.Error("admin_server_start_failed", "error", err.Error())
			server.Stop()
			os.Exit(1)
		}
		go func() {
			if err := adminServer.Serve(); err != nil {
				logger.Error("admin_server_error", "error", err.Error())
			}
		}()
	}

	<-ctx.Done()
	logger.Info("received_shutdown_signal")

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin_shutdown_failed", "error", err.Error())
		}
		cancel()
	}
	if err := server.Stop(); err != nil {
		logger.Warn("sink_close_failed", "error", err.Error())
	}
	logger.Info("server_stopped_gracefully")
}

// openSinks returns every configured sink that could be opened. An
// unreachable store is logged and skipped; relaying never depends on it.
func openSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) []storage.Sink {
	var sinks []storage.Sink

	if cfg.CSVEnabled {
		csvSink, err := storage.NewCSVSink(cfg.CSVCellFile, cfg.CSVUEFile)
		if err != nil {
			logger.Error("csv_sink_unavailable", "error", err.Error())
		} else {
			sinks = append(sinks, csvSink)
			logger.Info("csv_sink_enabled", "cell_file", cfg.CSVCellFile, "ue_file", cfg.CSVUEFile)
		}
	}

	if cfg.RedisURL != "" {
		redisSink, err := storage.NewRedisSink(cfg.RedisURL, cfg.RedisPassword, cfg.KPICacheTTL)
		if err != nil {
			logger.Error("redis_sink_unavailable", "error", err.Error())
		} else {
			sinks = append(sinks, redisSink)
			logger.Info("redis_sink_enabled", "ttl", cfg.KPICacheTTL.String())
		}
	}

	if cfg.DatabaseURL != "" {
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pgSink, err := storage.NewPostgresSink(pgCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			logger.Error("postgres_sink_unavailable", "error", err.Error())
		} else {
			sinks = append(sinks, pgSink)
			logger.Info("postgres_sink_enabled")
		}
	}
	return sinks
}
