package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/S0me0neR0man/quadstash/internal/index"
	"github.com/S0me0neR0man/quadstash/internal/store"
	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

const (
	displayCounter = 1000
)

// Checker looks up a sample of primary tuples through every other index
type Checker struct {
	toDisplay chan string
	toProbe   chan tuple.Tuple
	done      chan struct{}

	wg sync.WaitGroup

	store   *store.Store
	targets []*index.Index
	sample  float64
	probed  atomic.Int64
	missing atomic.Int64

	sugar *zap.SugaredLogger
}

func NewChecker(s *store.Store, sample float64, logger *zap.Logger) *Checker {
	c := &Checker{
		store:     s,
		sample:    sample,
		toDisplay: make(chan string),
		toProbe:   make(chan tuple.Tuple, 100),
		done:      make(chan struct{}),
		sugar:     logger.Sugar(),
	}
	for _, idx := range s.Indexes()[1:] {
		desc := idx.Mapping().Descriptor()
		if st, err := s.State(desc); err != nil || st != store.Ready {
			c.sugar.Warnw("index not probed", "index", desc, "state", st.String())
			continue
		}
		c.targets = append(c.targets, idx)
	}
	return c
}

// Go starts the scan, the display and workers probing goroutines
func (c *Checker) Go(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	c.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go c.probe(ctx)
	}

	go c.display()
	go func() {
		c.scan(ctx)
		c.wg.Wait()
		close(c.toDisplay)
	}()
}

func (c *Checker) display() {
	for s := range c.toDisplay {
		if _, err := fmt.Fprint(os.Stdout, s); err != nil {
			c.sugar.Errorw("fprint stdout", "err", err)
		}
	}
	fmt.Fprintln(os.Stdout)
	close(c.done)
}

func (c *Checker) scan(ctx context.Context) {
	defer close(c.toProbe)
	c.sugar.Infow("scan start")

	it := c.store.Primary().All(ctx)
	for it.Next() {
		if rand.Float64() >= c.sample {
			continue
		}
		select {
		case <-ctx.Done():
			c.sugar.Infow("scan cancelled")
			return
		case c.toProbe <- it.Tuple().Clone():
		}
	}
	if err := it.Err(); err != nil {
		c.sugar.Errorw("scan", "error", err)
	}
	c.sugar.Infow("scan done")
}

func (c *Checker) probe(ctx context.Context) {
	defer c.wg.Done()

	for t := range c.toProbe {
		if ctx.Err() != nil {
			continue
		}
		for _, idx := range c.targets {
			if !c.found(ctx, idx, t) {
				c.missing.Add(1)
				c.sugar.Errorw("tuple missing", "index", idx.Mapping().Descriptor(), "tuple", t.String())
			}
		}
		if c.probed.Add(1)%displayCounter == 0 {
			c.toDisplay <- "."
		}
	}
}

func (c *Checker) found(ctx context.Context, idx *index.Index, t tuple.Tuple) bool {
	key, err := idx.Mapping().Map(t)
	if err != nil {
		return false
	}
	it := idx.Find(ctx, key)
	ok := it.Next()
	if err := it.Err(); err != nil {
		c.sugar.Errorw("find", "index", idx.Mapping().Descriptor(), "error", err)
	}
	return ok
}

// Wait blocks until every probe is done and reports the number of misses
func (c *Checker) Wait() (probed, missing int64) {
	<-c.done
	return c.probed.Load(), c.missing.Load()
}
