package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment and defaults still apply.
	_ = godotenv.Load()

	cfg, err := server.LoadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	port := flag.String("port", cfg.Port, "listen address")
	level := flag.String("level", cfg.LogLevel, "log level")
	flag.Parse()
	cfg.Port = *port
	cfg.LogLevel = *level

	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting chatrelay server", "port", cfg.Port, "origins", cfg.AllowedOrigins)
	if err := server.New(cfg, log).Serve(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	log.Info("Server stopped")
	return nil
}
