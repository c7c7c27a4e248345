package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/S0me0neR0man/quadstash/internal/errhandler"
	"github.com/S0me0neR0man/quadstash/internal/index"
	"github.com/S0me0neR0man/quadstash/internal/monitor"
)

// State of a bulk load
type State int32

const (
	Idle State = iota
	LoadingPrimary
	LoadingSecondary
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadingPrimary:
		return "loading-primary"
	case LoadingSecondary:
		return "loading-secondary"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", s)
}

// Strategy how secondary indexes are built
type Strategy uint8

const (
	Sequential Strategy = iota
	Parallel
)

var ErrStrategy = errors.New("unknown build strategy")

func (s Strategy) String() string {
	switch s {
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	}
	return fmt.Sprintf("Strategy(%d)", s)
}

// ParseStrategy accepts "sequential" and "parallel"
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sequential", "seq", "":
		return Sequential, nil
	case "parallel", "par":
		return Parallel, nil
	}
	return Sequential, fmt.Errorf("%w: %q", ErrStrategy, s)
}

// Config of a bulk loader
type Config struct {
	Strategy Strategy
	// Workers bounds concurrent secondary builds under Parallel, 0 means one
	// per secondary index
	Workers int
	// Handler policy for malformed input, errhandler.Std when nil
	Handler errhandler.Handler
	// Monitor optional
	Monitor *monitor.Monitor
	// AfterPrimary runs once the primary is loaded and flushed, before any
	// secondary build starts. An error fails the primary phase.
	AfterPrimary func(ctx context.Context) error
}

// PhaseResult outcome of one index build
type PhaseResult struct {
	Index   string
	Primary bool
	Count   int64
	Elapsed time.Duration
	// Err nil on success, otherwise a *PhaseError
	Err error
}

// OK reports whether the phase completed
func (r PhaseResult) OK() bool {
	return r.Err == nil
}

// Result of a bulk load run
type Result struct {
	State       State
	Stats       Stats
	Primary     PhaseResult
	Secondaries []PhaseResult
}

// Failed phases, primary first
func (r *Result) Failed() []PhaseResult {
	var out []PhaseResult
	if r.Primary.Err != nil {
		out = append(out, r.Primary)
	}
	for _, s := range r.Secondaries {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Phase result of the named index
func (r *Result) Phase(desc string) (PhaseResult, bool) {
	if r.Primary.Index == desc {
		return r.Primary, true
	}
	for _, s := range r.Secondaries {
		if s.Index == desc {
			return s, true
		}
	}
	return PhaseResult{}, false
}

// BulkLoader loads the primary index first, then derives every secondary
// index from it. One run per loader.
type BulkLoader struct {
	state       atomic.Int32
	primary     *index.Index
	secondaries []*index.Index
	cfg         Config

	mu     sync.Mutex
	result *Result

	sugar *zap.SugaredLogger
}

// NewBulkLoader checks that all indexes agree on arity and duplicate policy
// and that no ordering is configured twice
func NewBulkLoader(primary *index.Index, secondaries []*index.Index, cfg Config, logger *zap.Logger) (*BulkLoader, error) {
	const msg = "NewBulkLoader:"

	if primary == nil {
		return nil, fmt.Errorf("%s no primary index", msg)
	}
	seen := map[string]struct{}{primary.Mapping().Descriptor(): {}}
	for _, s := range secondaries {
		desc := s.Mapping().Descriptor()
		if _, ok := seen[desc]; ok {
			return nil, fmt.Errorf("%s index %s configured twice", msg, desc)
		}
		seen[desc] = struct{}{}
		if s.Mapping().Arity() != primary.Mapping().Arity() {
			return nil, fmt.Errorf("%s %w: %s has arity %d, primary %d", msg, ErrConsistency,
				desc, s.Mapping().Arity(), primary.Mapping().Arity())
		}
		if s.Duplicates() != primary.Duplicates() {
			return nil, fmt.Errorf("%s %w: %s keeps a %s, primary a %s", msg, ErrConsistency,
				desc, s.Duplicates(), primary.Duplicates())
		}
	}
	if cfg.Handler == nil {
		cfg.Handler = errhandler.Std(logger)
	}

	return &BulkLoader{
		primary:     primary,
		secondaries: secondaries,
		cfg:         cfg,
		sugar:       logger.Sugar().With("run", cfg.Monitor.Run().String()),
	}, nil
}

func (l *BulkLoader) State() State {
	return State(l.state.Load())
}

func (l *BulkLoader) setState(s State) {
	l.state.Store(int32(s))
	l.sugar.Debugw("state", "state", s.String())
}

// Result of the last run, nil before Run
func (l *BulkLoader) Result() *Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result
}

// Run loads src. The returned error combines every failed phase; the result
// is returned either way. Indexes completed before a failure stay usable.
func (l *BulkLoader) Run(ctx context.Context, src Producer) (*Result, error) {
	if !l.state.CompareAndSwap(int32(Idle), int32(LoadingPrimary)) {
		return nil, fmt.Errorf("BulkLoader.Run: %w: %s", ErrState, l.State())
	}

	res := &Result{Secondaries: make([]PhaseResult, len(l.secondaries))}
	for i, s := range l.secondaries {
		res.Secondaries[i] = PhaseResult{Index: s.Mapping().Descriptor(), Err: &PhaseError{
			Index: s.Mapping().Descriptor(), Err: ErrSkipped,
		}}
	}
	l.mu.Lock()
	l.result = res
	l.mu.Unlock()

	l.sugar.Infow("bulk load started",
		"primary", l.primary.Mapping().Descriptor(),
		"secondaries", len(l.secondaries),
		"strategy", l.cfg.Strategy.String(),
	)

	res.Primary = l.loadPrimary(ctx, src, res)
	if res.Primary.Err == nil && l.cfg.AfterPrimary != nil {
		if err := l.cfg.AfterPrimary(ctx); err != nil {
			res.Primary.Err = &PhaseError{Index: res.Primary.Index, Primary: true, Err: err}
		}
	}
	if res.Primary.Err != nil {
		return l.finish(res, Failed)
	}

	l.setState(LoadingSecondary)
	if l.cfg.Strategy == Parallel {
		l.parallel(ctx, res)
	} else {
		l.sequential(ctx, res)
	}

	if len(res.Failed()) > 0 {
		return l.finish(res, Failed)
	}
	return l.finish(res, Complete)
}

func (l *BulkLoader) finish(res *Result, s State) (*Result, error) {
	l.setState(s)
	res.State = s

	var err error
	for _, f := range res.Failed() {
		err = multierr.Append(err, f.Err)
		l.sugar.Errorw("phase failed", "index", f.Index, "primary", f.Primary, "error", f.Err)
	}
	l.sugar.Infow("bulk load finished",
		"state", s.String(),
		"read", res.Stats.Read,
		"inserted", res.Stats.Inserted,
		"duplicates", res.Stats.Duplicates,
		"skipped", res.Stats.Skipped,
	)
	return res, err
}

func (l *BulkLoader) loadPrimary(ctx context.Context, src Producer, res *Result) PhaseResult {
	desc := l.primary.Mapping().Descriptor()
	pr := PhaseResult{Index: desc, Primary: true}
	start := time.Now()

	st, err := LoadPrimary(ctx, src, l.primary, l.cfg.Handler, l.cfg.Monitor)
	res.Stats = st
	if err == nil {
		if ferr := l.primary.Flush(ctx); ferr != nil {
			err = &PhaseError{Index: desc, Primary: true, Err: ferr}
		}
	}
	pr.Elapsed = time.Since(start)
	pr.Count = l.primary.Count()
	pr.Err = err
	return pr
}

func (l *BulkLoader) copyOne(ctx context.Context, s *index.Index) PhaseResult {
	desc := s.Mapping().Descriptor()
	start := time.Now()
	n, err := CopyIndex(ctx, l.primary, s, l.cfg.Monitor)
	return PhaseResult{Index: desc, Count: n, Elapsed: time.Since(start), Err: err}
}

// sequential stops at the first failed secondary, later ones are not run
func (l *BulkLoader) sequential(ctx context.Context, res *Result) {
	for i, s := range l.secondaries {
		if err := ctx.Err(); err != nil {
			res.Secondaries[i].Err = &PhaseError{Index: s.Mapping().Descriptor(), Err: err}
			return
		}
		res.Secondaries[i] = l.copyOne(ctx, s)
		if res.Secondaries[i].Err != nil {
			return
		}
	}
}

// parallel a failed secondary cancels the builds still running
func (l *BulkLoader) parallel(ctx context.Context, res *Result) {
	g, gctx := errgroup.WithContext(ctx)
	workers := l.cfg.Workers
	if workers <= 0 {
		workers = len(l.secondaries)
	}
	g.SetLimit(workers)

	for i, s := range l.secondaries {
		i, s := i, s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				res.Secondaries[i].Err = &PhaseError{Index: s.Mapping().Descriptor(), Err: err}
				return nil
			}
			r := l.copyOne(gctx, s)
			res.Secondaries[i] = r
			return r.Err
		})
	}
	_ = g.Wait()
}

// Rebuild redoes one secondary from the primary after a failed or cancelled
// run. The primary must have been loaded by this loader.
func (l *BulkLoader) Rebuild(ctx context.Context, desc string) (PhaseResult, error) {
	res := l.Result()
	if res == nil || res.Primary.Err != nil || l.State() == LoadingPrimary || l.State() == LoadingSecondary {
		return PhaseResult{}, fmt.Errorf("BulkLoader.Rebuild: %w: %s", ErrState, l.State())
	}

	for i, s := range l.secondaries {
		if s.Mapping().Descriptor() != desc {
			continue
		}
		l.setState(LoadingSecondary)
		r := l.copyOne(ctx, s)

		l.mu.Lock()
		res.Secondaries[i] = r
		l.mu.Unlock()

		if len(res.Failed()) > 0 {
			l.setState(Failed)
			res.State = Failed
		} else {
			l.setState(Complete)
			res.State = Complete
		}
		l.sugar.Infow("rebuilt", "index", desc, "count", r.Count, "ok", r.OK())
		return r, r.Err
	}
	return PhaseResult{}, fmt.Errorf("BulkLoader.Rebuild: no secondary index %s", desc)
}
