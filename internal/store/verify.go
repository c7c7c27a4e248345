package store

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/S0me0neR0man/quadstash/internal/index"
	"github.com/S0me0neR0man/quadstash/internal/loader"
	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

// IndexReport outcome of checking one index
type IndexReport struct {
	Descriptor string
	Count      int64
	Err        error
}

// Verify checks every ready index on its own (sort order, fences, count) and
// every ready secondary against the primary: same tuples, same multiplicity.
// Indexes are checked concurrently, at most workers at a time.
func (s *Store) Verify(ctx context.Context, workers int) ([]IndexReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reports := make([]IndexReport, len(s.indexes))
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}

	primary := s.indexes[0]
	primaryReady := s.meta.Indexes[0].State == Ready
	for i, idx := range s.indexes {
		i, idx := i, idx
		reports[i] = IndexReport{Descriptor: idx.Mapping().Descriptor(), Count: idx.Count()}
		if s.meta.Indexes[i].State != Ready {
			reports[i].Err = ErrNotReady
			continue
		}
		g.Go(func() error {
			err := idx.Check(gctx)
			if err == nil && i > 0 && primaryReady {
				err = sameTuples(gctx, primary, idx)
			}
			reports[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, r := range reports {
		if r.Err != nil {
			failed++
			s.sugar.Errorw("verify", "index", r.Descriptor, "error", r.Err)
		}
	}
	if failed > 0 {
		return reports, fmt.Errorf("Store.Verify: %d of %d indexes failed", failed, len(reports))
	}
	s.sugar.Infow("verify passed", "indexes", len(reports))
	return reports, nil
}

// sameTuples walks sec in order; each run of equal tuples must be found in
// primary exactly as many times. Equal totals then rule out extra tuples in
// primary.
func sameTuples(ctx context.Context, primary, sec *index.Index) error {
	if primary.Count() != sec.Count() {
		return fmt.Errorf("%w: primary holds %d, %s holds %d", loader.ErrConsistency,
			primary.Count(), sec.Mapping().Descriptor(), sec.Count())
	}

	var (
		run    tuple.Tuple
		runLen int64
	)
	flush := func() error {
		if run == nil {
			return nil
		}
		n, err := countIn(ctx, primary, run)
		if err != nil {
			return err
		}
		if n != runLen {
			return fmt.Errorf("%w: %v %d times in primary, %d in %s", loader.ErrConsistency,
				run, n, runLen, sec.Mapping().Descriptor())
		}
		return nil
	}

	it := sec.All(ctx)
	for it.Next() {
		t := it.Tuple()
		if run != nil && run.Equal(t) {
			runLen++
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		run, runLen = t.Clone(), 1
	}
	if err := it.Err(); err != nil {
		return err
	}
	return flush()
}

// countIn occurrences of t in idx
func countIn(ctx context.Context, idx *index.Index, t tuple.Tuple) (int64, error) {
	key, err := idx.Mapping().Map(t)
	if err != nil {
		return 0, err
	}
	var n int64
	it := idx.Find(ctx, key)
	for it.Next() {
		n++
	}
	return n, it.Err()
}
