package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"airelay/internal/config"
	"airelay/internal/microservices/dummyengine"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	server := dummyengine.NewServer(fmt.Sprintf("0.0.0.0:%d", cfg.AIDummyPort))
	if err := server.Start(); err != nil {
		logger.Error("server_start_failed", "error", err.Error())
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("received_shutdown_signal")
	server.Stop()
}
