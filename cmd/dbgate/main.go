// Command dbgate boots the gateway: it loads configuration from the
// environment, builds the structured logger, wires the orchestrator, and
// blocks until a termination signal drives the shutdown sequence of
// SPEC_FULL.md §4.H.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dbgate/dbgate/config"
	"github.com/dbgate/dbgate/internal/logctx"
	"github.com/dbgate/dbgate/orchestrator"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dbgate: "+err.Error())
		return 1
	}

	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, log)
	if err := orch.Run(ctx); err != nil {
		log.Error("dbgate.fatal", slog.String("err", err.Error()))
		return 1
	}
	return 0
}

// newLogger builds the process-wide slog.Logger, wrapping a text handler
// in logctx.Handler so every record picks up request/session attributes
// attached to its context, per SPEC_FULL.md §4.J.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := logctx.Handler{Handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
