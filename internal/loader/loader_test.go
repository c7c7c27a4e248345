package loader

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/quadstash/internal/block"
	"github.com/S0me0neR0man/quadstash/internal/errhandler"
	"github.com/S0me0neR0man/quadstash/internal/index"
	"github.com/S0me0neR0man/quadstash/internal/monitor"
	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

var (
	once   sync.Once
	logger *zap.Logger
)

func getTestLogger() *zap.Logger {
	once.Do(func() {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			log.Fatal(err)
		}
	})
	return logger
}

var errInjected = errors.New("injected fault")

// faultyManager fails the failAt-th Allocate and every one after it
type faultyManager struct {
	block.Manager
	mu     sync.Mutex
	allocs int
	failAt int
}

func (f *faultyManager) Allocate(ctx context.Context) (*block.Block, error) {
	f.mu.Lock()
	f.allocs++
	fail := f.failAt > 0 && f.allocs >= f.failAt
	f.mu.Unlock()
	if fail {
		return nil, &block.IOError{Op: "allocate", ID: block.NoID, Err: errInjected}
	}
	return f.Manager.Allocate(ctx)
}

type store struct {
	mgr    *block.MemoryManager
	owners *block.OwnerTable
	dups   index.Duplicates
}

func newStore(dups index.Duplicates) *store {
	mgr := block.NewMemoryManager(block.MinBlockSize, getTestLogger())
	return &store{mgr: mgr, owners: block.NewOwnerTable(mgr), dups: dups}
}

func (s *store) index(t *testing.T, desc string, mgr block.Manager) *index.Index {
	if mgr == nil {
		mgr = s.mgr
	}
	idx, err := index.Create(context.Background(), mgr, s.owners, index.Options{
		Mapping:    tuple.MustMapping(desc, 3),
		Duplicates: s.dups,
	}, getTestLogger())
	require.NoError(t, err)
	return idx
}

func scan(t *testing.T, idx *index.Index) []tuple.Tuple {
	var out []tuple.Tuple
	it := idx.All(context.Background())
	for it.Next() {
		out = append(out, it.Tuple().Clone())
	}
	require.NoError(t, it.Err())
	return out
}

func multiset(ts []tuple.Tuple) map[string]int {
	out := make(map[string]int)
	for _, tp := range ts {
		out[tp.String()]++
	}
	return out
}

func requireSorted(t *testing.T, idx *index.Index) {
	ts := scan(t, idx)
	for i := 1; i < len(ts); i++ {
		a, err := idx.Mapping().Map(ts[i-1])
		require.NoError(t, err)
		b, err := idx.Mapping().Map(ts[i])
		require.NoError(t, err)
		require.NotEqual(t, tuple.MoreThan, a.Compare(b))
	}
}

func randomTuples(n int, seed int64) []tuple.Tuple {
	rnd := rand.New(rand.NewSource(seed))
	out := make([]tuple.Tuple, n)
	for i := range out {
		out[i] = tuple.Of(uint64(rnd.Intn(9)+1), uint64(rnd.Intn(9)+1), uint64(rnd.Intn(9)+1))
	}
	return out
}

func TestBulkLoader_DuplicatePolicies(t *testing.T) {
	input := []tuple.Tuple{tuple.Of(1, 2, 3), tuple.Of(4, 5, 6), tuple.Of(1, 2, 3)}

	tests := []struct {
		dups     index.Duplicates
		count    int64
		dupCount int64
	}{
		{dups: index.Set, count: 2, dupCount: 1},
		{dups: index.Multiset, count: 3, dupCount: 0},
	}
	for _, tt := range tests {
		t.Run(tt.dups.String(), func(t *testing.T) {
			s := newStore(tt.dups)
			primary := s.index(t, "123", nil)
			secondary := s.index(t, "231", nil)

			l, err := NewBulkLoader(primary, []*index.Index{secondary}, Config{}, getTestLogger())
			require.NoError(t, err)
			require.Equal(t, Idle, l.State())

			res, err := l.Run(context.Background(), NewSliceProducer(input...))
			require.NoError(t, err)
			require.Equal(t, Complete, l.State())
			require.Equal(t, Complete, res.State)
			require.EqualValues(t, 3, res.Stats.Read)
			require.Equal(t, tt.dupCount, res.Stats.Duplicates)
			require.Equal(t, tt.count, res.Stats.Inserted)

			require.Equal(t, tt.count, primary.Count())
			require.Equal(t, tt.count, secondary.Count())
			require.Equal(t, multiset(scan(t, primary)), multiset(scan(t, secondary)))

			// sorted differently: 231 puts (4,5,6) with key (5,6,4) after (2,3,1)
			require.Equal(t, tuple.Of(1, 2, 3), scan(t, secondary)[0])
			require.Len(t, res.Secondaries, 1)
			require.True(t, res.Secondaries[0].OK())
			require.Equal(t, tt.count, res.Secondaries[0].Count)

			_, err = l.Run(context.Background(), NewSliceProducer())
			require.ErrorIs(t, err, ErrState)
		})
	}
}

func TestBulkLoader_CrossIndexEquality(t *testing.T) {
	for _, strategy := range []Strategy{Sequential, Parallel} {
		for _, dups := range []index.Duplicates{index.Set, index.Multiset} {
			t.Run(strategy.String()+"/"+dups.String(), func(t *testing.T) {
				s := newStore(dups)
				primary := s.index(t, "SPO", nil)
				var secondaries []*index.Index
				for _, desc := range []string{"POS", "OSP", "SOP", "PSO"} {
					secondaries = append(secondaries, s.index(t, desc, nil))
				}

				var events []monitor.Event
				var evMu sync.Mutex
				mon := monitor.New(getTestLogger(), monitor.WithEvery(50), monitor.WithSink(
					monitor.SinkFunc(func(e monitor.Event) {
						evMu.Lock()
						events = append(events, e)
						evMu.Unlock()
					}),
				))
				l, err := NewBulkLoader(primary, secondaries, Config{
					Strategy: strategy,
					Workers:  2,
					Monitor:  mon,
				}, getTestLogger())
				require.NoError(t, err)

				res, err := l.Run(context.Background(), NewSliceProducer(randomTuples(600, 3)...))
				require.NoError(t, err)
				require.Empty(t, res.Failed())

				want := multiset(scan(t, primary))
				requireSorted(t, primary)
				require.NoError(t, primary.Check(context.Background()))
				for _, sec := range secondaries {
					require.Equal(t, want, multiset(scan(t, sec)), sec.Mapping().Descriptor())
					requireSorted(t, sec)
					require.NoError(t, sec.Check(context.Background()))
				}

				require.Len(t, mon.Summaries(), 5)
				done := 0
				for _, e := range events {
					if e.Done {
						done++
					}
				}
				require.Equal(t, 5, done)
			})
		}
	}
}

func TestBulkLoader_SecondaryFailureIsolation(t *testing.T) {
	ctx := context.Background()
	s := newStore(index.Set)
	primary := s.index(t, "123", nil)
	p1 := s.index(t, "312", nil)
	// Create and the clear before the copy take one head each, the copy
	// itself fails on its first split
	faulty := &faultyManager{Manager: s.mgr, failAt: 3}
	p2 := s.index(t, "231", faulty)
	p3 := s.index(t, "213", nil)

	l, err := NewBulkLoader(primary, []*index.Index{p1, p2, p3}, Config{}, getTestLogger())
	require.NoError(t, err)

	input := randomTuples(200, 11)
	res, err := l.Run(ctx, NewSliceProducer(input...))
	require.Error(t, err)
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, Failed, l.State())

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "231", pe.Index)
	require.False(t, pe.Primary)
	require.Greater(t, pe.Offset, int64(0))
	var ioErr *block.IOError
	require.ErrorAs(t, err, &ioErr)

	failed := res.Failed()
	require.Len(t, failed, 2)
	require.Equal(t, "231", failed[0].Index)
	require.Equal(t, "213", failed[1].Index)
	require.ErrorIs(t, failed[1].Err, ErrSkipped)

	// primary and the finished secondary serve complete reads
	require.True(t, res.Primary.OK())
	p1Result, ok := res.Phase("312")
	require.True(t, ok)
	require.True(t, p1Result.OK())
	want := multiset(input)
	for k := range want {
		want[k] = 1
	}
	require.Equal(t, want, multiset(scan(t, primary)))
	require.Equal(t, want, multiset(scan(t, p1)))

	// retry just the failed phase
	faulty.failAt = 0
	r, err := l.Rebuild(ctx, "231")
	require.NoError(t, err)
	require.True(t, r.OK())
	require.Equal(t, want, multiset(scan(t, p2)))
	require.Equal(t, Failed, l.State(), "213 still not built")

	_, err = l.Rebuild(ctx, "213")
	require.NoError(t, err)
	require.Equal(t, Complete, l.State())
	require.Empty(t, l.Result().Failed())
}

func TestBulkLoader_ParallelFailure(t *testing.T) {
	s := newStore(index.Set)
	primary := s.index(t, "123", nil)
	good := s.index(t, "312", nil)
	// fails when the copy clears the index and asks for a new head
	bad := s.index(t, "231", &faultyManager{Manager: s.mgr, failAt: 2})

	l, err := NewBulkLoader(primary, []*index.Index{good, bad}, Config{Strategy: Parallel}, getTestLogger())
	require.NoError(t, err)

	res, err := l.Run(context.Background(), NewSliceProducer(randomTuples(200, 5)...))
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, Failed, res.State)

	badResult, ok := res.Phase("231")
	require.True(t, ok)
	require.ErrorIs(t, badResult.Err, errInjected)
	require.True(t, res.Primary.OK())

	// the sibling either finished or was cancelled, never silently empty
	goodResult, _ := res.Phase("312")
	if goodResult.OK() {
		require.Equal(t, primary.Count(), good.Count())
	} else {
		require.ErrorIs(t, goodResult.Err, context.Canceled)
	}
	for _, e := range multierr.Errors(err) {
		var pe *PhaseError
		require.ErrorAs(t, e, &pe)
	}
}

func TestBulkLoader_IdempotentRebuild(t *testing.T) {
	ctx := context.Background()
	s := newStore(index.Multiset)
	primary := s.index(t, "123", nil)
	sec := s.index(t, "321", nil)

	l, err := NewBulkLoader(primary, []*index.Index{sec}, Config{}, getTestLogger())
	require.NoError(t, err)
	_, err = l.Run(ctx, NewSliceProducer(randomTuples(300, 8)...))
	require.NoError(t, err)

	first := scan(t, sec)
	_, err = l.Rebuild(ctx, "321")
	require.NoError(t, err)
	require.Equal(t, first, scan(t, sec))
	require.EqualValues(t, 300, sec.Count())

	_, err = l.Rebuild(ctx, "132")
	require.Error(t, err)
}

// script producer replaying canned results
type script struct {
	steps []step
	pos   int
}

type step struct {
	t   tuple.Tuple
	err error
}

func (s *script) Next(context.Context) (tuple.Tuple, error) {
	if s.pos >= len(s.steps) {
		return nil, io.EOF
	}
	st := s.steps[s.pos]
	s.pos++
	return st.t, st.err
}

func malformedScript() *script {
	return &script{steps: []step{
		{t: tuple.Of(1, 1, 1)},
		{err: &errhandler.ParseError{Severity: errhandler.Error, Line: 2, Col: 5, Msg: "bad node"}},
		{t: tuple.Of(2, 2)},
		{t: tuple.Of(3, 3, 3), err: &errhandler.ParseError{Severity: errhandler.Warning, Line: 4, Col: 1, Msg: "no final dot"}},
		{t: tuple.Of(4, 4, 4)},
	}}
}

func TestLoadPrimary_ErrorPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("warn continues", func(t *testing.T) {
		s := newStore(index.Set)
		primary := s.index(t, "123", nil)
		rec := errhandler.NewRecorder(errhandler.Warn(getTestLogger()), 10)

		st, err := LoadPrimary(ctx, malformedScript(), primary, rec, nil)
		require.NoError(t, err)
		require.EqualValues(t, 5, st.Read)
		require.EqualValues(t, 2, st.Skipped)
		require.EqualValues(t, 1, st.Warnings)
		require.EqualValues(t, 3, st.Inserted)
		require.Equal(t, []tuple.Tuple{tuple.Of(1, 1, 1), tuple.Of(3, 3, 3), tuple.Of(4, 4, 4)}, scan(t, primary))
		require.EqualValues(t, 2, rec.Count(errhandler.Error))
		require.EqualValues(t, 1, rec.Count(errhandler.Warning))
	})

	t.Run("std aborts", func(t *testing.T) {
		s := newStore(index.Set)
		primary := s.index(t, "123", nil)

		_, err := LoadPrimary(ctx, malformedScript(), primary, errhandler.Std(getTestLogger()), nil)
		var pe *PhaseError
		require.ErrorAs(t, err, &pe)
		require.True(t, pe.Primary)
		require.EqualValues(t, 2, pe.Offset)
		var parseErr *errhandler.ParseError
		require.ErrorAs(t, err, &parseErr)
		require.EqualValues(t, 2, parseErr.Line)
	})

	t.Run("strict aborts on warning", func(t *testing.T) {
		s := newStore(index.Set)
		primary := s.index(t, "123", nil)
		src := &script{steps: []step{
			{t: tuple.Of(1, 1, 1)},
			{t: tuple.Of(3, 3, 3), err: &errhandler.ParseError{Severity: errhandler.Warning, Line: 2, Col: 1, Msg: "w"}},
		}}

		_, err := LoadPrimary(ctx, src, primary, errhandler.Strict(getTestLogger()), nil)
		require.Error(t, err)
		require.EqualValues(t, 1, primary.Count())
	})

	t.Run("producer failure is fatal", func(t *testing.T) {
		s := newStore(index.Set)
		primary := s.index(t, "123", nil)
		src := &script{steps: []step{{err: io.ErrUnexpectedEOF}}}

		_, err := LoadPrimary(ctx, src, primary, errhandler.Warn(getTestLogger()), nil)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestBulkLoader_PrimaryFailureSkipsSecondaries(t *testing.T) {
	s := newStore(index.Set)
	primary := s.index(t, "123", nil)
	sec := s.index(t, "231", nil)

	l, err := NewBulkLoader(primary, []*index.Index{sec}, Config{Handler: errhandler.Silent()}, getTestLogger())
	require.NoError(t, err)

	res, err := l.Run(context.Background(), malformedScript())
	require.Error(t, err)
	require.Equal(t, Failed, res.State)
	require.False(t, res.Primary.OK())
	require.ErrorIs(t, res.Secondaries[0].Err, ErrSkipped)

	_, err = l.Rebuild(context.Background(), "231")
	require.ErrorIs(t, err, ErrState)
}

func TestBulkLoader_AfterPrimary(t *testing.T) {
	s := newStore(index.Set)
	primary := s.index(t, "123", nil)
	sec := s.index(t, "231", nil)

	calls := 0
	l, err := NewBulkLoader(primary, []*index.Index{sec}, Config{
		AfterPrimary: func(ctx context.Context) error {
			calls++
			require.EqualValues(t, 2, primary.Count())
			require.EqualValues(t, 0, sec.Count())
			return nil
		},
	}, getTestLogger())
	require.NoError(t, err)
	res, err := l.Run(context.Background(), NewSliceProducer(tuple.Of(1, 2, 3), tuple.Of(4, 5, 6)))
	require.NoError(t, err)
	require.Equal(t, Complete, res.State)
	require.Equal(t, 1, calls)
	require.EqualValues(t, 2, sec.Count())

	errHook := errors.New("hook failed")
	other := s.index(t, "312", nil)
	l, err = NewBulkLoader(s.index(t, "132", nil), []*index.Index{other}, Config{
		AfterPrimary: func(ctx context.Context) error { return errHook },
	}, getTestLogger())
	require.NoError(t, err)
	res, err = l.Run(context.Background(), NewSliceProducer(tuple.Of(1, 2, 3)))
	require.ErrorIs(t, err, errHook)
	require.Equal(t, Failed, res.State)
	require.True(t, res.Primary.Primary)
	require.ErrorIs(t, res.Secondaries[0].Err, ErrSkipped)
	require.EqualValues(t, 0, other.Count())
}

func TestBulkLoader_Cancelled(t *testing.T) {
	s := newStore(index.Set)
	primary := s.index(t, "123", nil)
	sec := s.index(t, "231", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l, err := NewBulkLoader(primary, []*index.Index{sec}, Config{}, getTestLogger())
	require.NoError(t, err)
	_, err = l.Run(ctx, NewSliceProducer(tuple.Of(1, 2, 3)))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, Failed, l.State())
}

func TestNewBulkLoader_Validation(t *testing.T) {
	s := newStore(index.Set)
	primary := s.index(t, "123", nil)

	_, err := NewBulkLoader(primary, []*index.Index{s.index(t, "123", nil)}, Config{}, getTestLogger())
	require.Error(t, err)

	multi := newStore(index.Multiset).index(t, "231", nil)
	_, err = NewBulkLoader(primary, []*index.Index{multi}, Config{}, getTestLogger())
	require.ErrorIs(t, err, ErrConsistency)
}

func TestParseStrategy(t *testing.T) {
	st, err := ParseStrategy("Parallel")
	require.NoError(t, err)
	require.Equal(t, Parallel, st)

	_, err = ParseStrategy("random")
	require.ErrorIs(t, err, ErrStrategy)
}

func TestChain_Order(t *testing.T) {
	var trace []string
	mw := func(name string) Middleware {
		return func(next TupleHandler) TupleHandler {
			return TupleHandlerFunc(func(ctx context.Context, tp tuple.Tuple) error {
				trace = append(trace, name)
				return next.Handle(ctx, tp)
			})
		}
	}
	h := NewChain(mw("a")).Attach(mw("b")).Then(TupleHandlerFunc(func(context.Context, tuple.Tuple) error {
		trace = append(trace, "end")
		return nil
	}))
	require.NoError(t, h.Handle(context.Background(), tuple.Of(1, 2, 3)))
	require.Equal(t, []string{"a", "b", "end"}, trace)

	err := NewChain(Validate(3)).Then(TupleHandlerFunc(func(context.Context, tuple.Tuple) error {
		return nil
	})).Handle(context.Background(), tuple.Of(1, 2))
	require.ErrorIs(t, err, ErrMalformed)
	require.ErrorIs(t, err, tuple.ErrArity)
}
