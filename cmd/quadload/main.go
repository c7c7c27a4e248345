package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/S0me0neR0man/quadstash/internal/config"
	"github.com/S0me0neR0man/quadstash/internal/errhandler"
	"github.com/S0me0neR0man/quadstash/internal/loader"
	"github.com/S0me0neR0man/quadstash/internal/monitor"
	"github.com/S0me0neR0man/quadstash/internal/store"
	"github.com/S0me0neR0man/quadstash/internal/tuplesrc"
)

func main() {
	logger, err := zap.NewDevelopment() // or NewProduction, or NewDevelopment
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.NewConfig(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Sugar().Errorw("quadload failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	sugar := logger.Sugar()

	s, err := store.OpenFile(ctx, cfg.StoreFile, cfg.StoreOptions(), logger)
	if err != nil {
		return err
	}
	defer func() {
		// a cancelled load still leaves consistent metadata behind
		if cerr := s.Close(context.WithoutCancel(ctx)); err == nil {
			err = cerr
		}
	}()

	src, err := tuplesrc.Open(cfg.Input, s.Arity(), logger)
	if err != nil {
		return err
	}
	defer src.Close()

	h, err := errhandler.ByName(cfg.ErrorPolicy, logger)
	if err != nil {
		return err
	}
	rec := errhandler.NewRecorder(h, 10)

	mon := monitor.New(logger,
		monitor.WithEvery(cfg.ProgressEvery),
		monitor.WithSink(monitor.SinkFunc(func(e monitor.Event) {
			if e.Done {
				return
			}
			sugar.Infow("progress", "index", e.Index, "tuples", e.Count, "elapsed", e.Elapsed)
		})),
	)

	res, err := s.BulkLoad(ctx, src, loader.Config{
		Strategy: cfg.Strategy,
		Workers:  cfg.Workers,
		Handler:  rec,
		Monitor:  mon,
	})
	if res == nil {
		return err
	}

	sugar.Infow("load finished",
		"store", s.String(),
		"state", res.State.String(),
		"read", res.Stats.Read,
		"inserted", res.Stats.Inserted,
		"duplicates", res.Stats.Duplicates,
		"skipped", res.Stats.Skipped,
		"warnings", rec.Count(errhandler.Warning),
		"errors", rec.Count(errhandler.Error),
		"rateP50", mon.RateQuantile(0.5),
		"rateP99", mon.RateQuantile(0.99),
	)
	for _, sum := range mon.Summaries() {
		sugar.Infow("index", "index", sum.Index, "tuples", sum.Count, "elapsed", sum.Elapsed, "rate", sum.Rate())
	}
	for _, f := range res.Failed() {
		if errors.Is(f.Err, loader.ErrSkipped) {
			continue
		}
		sugar.Warnw("index invalid, rebuild with a new run or RebuildIndex", "index", f.Index, "error", f.Err)
	}
	return err
}
