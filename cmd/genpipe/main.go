// Command genpipe runs the pipeline supervisor and its HTTP API.
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

	"github.com/joho/godotenv"

	"github.com/tjfontaine/genpipe/internal/telemetry"
	"github.com/tjfontaine/genpipe/pkg/genpipe"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("GENPIPE_CONFIG", "config.yaml"), "path to the YAML configuration")
	flag.Parse()

	var level slog.LevelVar
	if err := level.UnmarshalText([]byte(envOr("GENPIPE_LOG_LEVEL", "info"))); err != nil {
		fmt.Fprintf(os.Stderr, "invalid GENPIPE_LOG_LEVEL: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	if err := run(logger, *configPath); err != nil {
		logger.Error("genpipe exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	if os.Getenv("GENPIPE_TELEMETRY__ENABLED") != "false" {
		shutdownTracer, err := telemetry.InitTracer("genpipe", logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	svc, err := genpipe.New(
		genpipe.WithLogger(logger),
		genpipe.WithFileConfig(configPath),
	)
	if err != nil {
		return err
	}

	// instances are stopped by Shutdown, not by the signal itself
	if err := svc.Start(context.Background()); err != nil {
		return err
	}
	logger.Info("genpipe running", slog.String("config", configPath))

	sig, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sig.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return svc.Shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
