// Package main starts the stream consumer process lifecycle.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	consumercmd "github.com/louisbranch/orderstream/internal/cmd/consumer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(slog.String("service", "consumer"))
	slog.SetDefault(logger)

	cfg, err := consumercmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		logger.Error("parse flags", slog.Any("error", err))
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumercmd.Run(ctx, cfg, logger); err != nil {
		logger.Error("consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
