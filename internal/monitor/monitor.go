// Package monitor advisory progress and timing of index builds.
// Nothing here feeds back into what gets stored; a nil *Monitor is valid and
// records nothing.
package monitor

import (
	"sort"
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultEvery = 100_000

// Event one progress report of an index build
type Event struct {
	Run     uuid.UUID
	Index   string
	Elapsed time.Duration
	Count   int64
	Done    bool
}

// Sink receives progress events
type Sink interface {
	Progress(Event)
}

// SinkFunc adapter to allow the use of ordinary functions as sinks
type SinkFunc func(Event)

// Progress calls f(e)
func (f SinkFunc) Progress(e Event) {
	f(e)
}

// Summary outcome of one finished session
type Summary struct {
	Index   string
	Count   int64
	Elapsed time.Duration
}

// Rate tuples per second
func (s Summary) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Count) / s.Elapsed.Seconds()
}

type Option func(*Monitor)

// WithEvery emits a progress event every n ticks
func WithEvery(n int64) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.every = n
		}
	}
}

func WithSink(s Sink) Option {
	return func(m *Monitor) {
		m.sinks = append(m.sinks, s)
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor one per bulk load run
type Monitor struct {
	mu        sync.Mutex
	run       uuid.UUID
	every     int64
	sinks     []Sink
	now       func() time.Time
	summaries []Summary
	rates     *tdigest.TDigest
	samples   int

	sugar *zap.SugaredLogger
}

func New(logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		run:   uuid.New(),
		every: DefaultEvery,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sugar = logger.Sugar().With("run", m.run.String())

	td, err := tdigest.New(tdigest.Compression(100))
	if err != nil {
		m.sugar.Errorw("rate digest disabled", "error", err)
	}
	m.rates = td
	return m
}

// Run id of this bulk load
func (m *Monitor) Run() uuid.UUID {
	if m == nil {
		return uuid.Nil
	}
	return m.run
}

// Start opens a timing session for the build of index
func (m *Monitor) Start(index string) *Session {
	if m == nil {
		return nil
	}
	now := m.now()
	m.sugar.Infow("index build started", "index", index)
	return &Session{m: m, index: index, start: now, last: now}
}

func (m *Monitor) emit(e Event) {
	e.Run = m.run
	for _, s := range m.sinks {
		s.Progress(e)
	}
}

// sample adds one progress interval rate to the digest
func (m *Monitor) sample(count int64, d time.Duration) {
	if m.rates == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.rates.Add(float64(count) / d.Seconds()); err == nil {
		m.samples++
	}
}

// RateQuantile q-quantile of the per-interval rates, tuples per second.
// Zero until a progress interval completed.
func (m *Monitor) RateQuantile(q float64) float64 {
	if m == nil || m.rates == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.samples == 0 {
		return 0
	}
	return m.rates.Quantile(q)
}

// Summaries finished sessions ordered by index name
func (m *Monitor) Summaries() []Summary {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Summary(nil), m.summaries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Session timing of one index build, used from a single goroutine
type Session struct {
	m         *Monitor
	index     string
	start     time.Time
	last      time.Time
	lastCount int64
	count     int64
	done      bool
}

// Tick counts one tuple
func (s *Session) Tick() {
	s.Add(1)
}

// Add counts n tuples
func (s *Session) Add(n int64) {
	if s == nil || s.done {
		return
	}
	before := s.count
	s.count += n
	if s.count/s.m.every == before/s.m.every {
		return
	}

	now := s.m.now()
	s.m.sample(s.count-s.lastCount, now.Sub(s.last))
	s.last, s.lastCount = now, s.count

	elapsed := now.Sub(s.start)
	s.m.sugar.Infow("progress",
		"index", s.index,
		"count", s.count,
		"elapsed", elapsed,
	)
	s.m.emit(Event{Index: s.index, Elapsed: elapsed, Count: s.count})
}

func (s *Session) Count() int64 {
	if s == nil {
		return 0
	}
	return s.count
}

// Finish closes the session, later calls return the same summary
func (s *Session) Finish() Summary {
	if s == nil {
		return Summary{}
	}
	sum := Summary{Index: s.index, Count: s.count}
	if s.done {
		sum.Elapsed = s.last.Sub(s.start)
		return sum
	}
	s.done = true
	s.last = s.m.now()
	sum.Elapsed = s.last.Sub(s.start)

	s.m.mu.Lock()
	s.m.summaries = append(s.m.summaries, sum)
	s.m.mu.Unlock()

	s.m.sugar.Infow("index build finished",
		"index", s.index,
		"count", s.count,
		"elapsed", sum.Elapsed,
		"rate", sum.Rate(),
	)
	s.m.emit(Event{Index: s.index, Elapsed: sum.Elapsed, Count: s.count, Done: true})
	return sum
}
