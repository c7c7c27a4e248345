package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/S0me0neR0man/quadstash/internal/config"
	"github.com/S0me0neR0man/quadstash/internal/store"
)

const sampleRate = 0.01

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync() //nolint:errcheck
	sugar := logger.Sugar()

	cfg, err := config.NewConfig(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	if _, err := os.Stat(cfg.StoreFile); err != nil {
		log.Fatal(err)
	}
	s, err := store.OpenFile(ctx, cfg.StoreFile, cfg.StoreOptions(), logger)
	if err != nil {
		log.Fatal(err)
	}

	failed := false
	reports, err := s.Verify(ctx, cfg.Workers)
	for _, r := range reports {
		sugar.Infow("index", "index", r.Descriptor, "tuples", r.Count, "ok", r.Err == nil)
	}
	if err != nil {
		sugar.Errorw("verify", "error", err)
		failed = true
	}

	c := NewChecker(s, sampleRate, logger)
	c.Go(ctx, cfg.Workers)
	probed, missing := c.Wait()
	sugar.Infow("probe done", "probed", probed, "missing", missing)
	if missing > 0 {
		failed = true
	}

	if err := s.Close(context.WithoutCancel(ctx)); err != nil {
		sugar.Errorw("close", "error", err)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
}
