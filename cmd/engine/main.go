package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/talentkit/entitlement/svc/engine"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(ctx)
	if err != nil {
		slog.Error("engine initialization failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer e.Close()

	if err := e.Start(ctx); err != nil {
		e.Log.Error("engine stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
