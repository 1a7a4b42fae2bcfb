package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/raterudder/autarco-bridge/pkg/autarco"
	"github.com/raterudder/autarco-bridge/pkg/common"
	"github.com/raterudder/autarco-bridge/pkg/log"
	"github.com/raterudder/autarco-bridge/pkg/server"
	"github.com/raterudder/autarco-bridge/pkg/telemetry"
)

func main() {
	// load .env before flags are registered since they default from the
	// environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(fmt.Errorf("failed to load .env: %w", err))
	}

	// init packages
	client := autarco.Configured()
	tracing := telemetry.Configured()

	// init server
	srv := server.Configured(client)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.Ctx(context.Background()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Ctx(ctx).InfoContext(
		ctx,
		"starting autarco-bridge",
		slog.String("version", common.Version()),
		slog.String("site", client.SiteID()),
		slog.String("level", level.String()),
	)

	if err := tracing.Start(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to shutdown tracing", slog.Any("error", err))
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		// deferred calls don't run on os.Exit
		cancel()
		_ = tracing.Shutdown(context.Background())
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
