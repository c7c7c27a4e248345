// Package loader bulk loading: the primary index from a tuple producer, every
// secondary index by replaying the finished primary.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

var (
	ErrConsistency = errors.New("index consistency violation")
	ErrMalformed   = errors.New("malformed tuple")
	ErrSkipped     = errors.New("phase not run")
	ErrState       = errors.New("bulk loader in wrong state")
)

// Producer finite stream of tuples in storage column order. Next returns
// io.EOF at the end. A malformed tuple is reported as *errhandler.ParseError;
// a warning-level ParseError may come with a usable tuple.
type Producer interface {
	Next(ctx context.Context) (tuple.Tuple, error)
}

// SliceProducer produces the given tuples in order
type SliceProducer struct {
	tuples []tuple.Tuple
	pos    int
}

func NewSliceProducer(tuples ...tuple.Tuple) *SliceProducer {
	return &SliceProducer{tuples: tuples}
}

func (p *SliceProducer) Next(ctx context.Context) (tuple.Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.pos >= len(p.tuples) {
		return nil, io.EOF
	}
	t := p.tuples[p.pos]
	p.pos++
	return t, nil
}

type malformedError struct {
	err error
}

func (e *malformedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrMalformed, e.err)
}

func (e *malformedError) Is(target error) bool {
	return target == ErrMalformed
}

func (e *malformedError) Unwrap() error {
	return e.err
}

// PhaseError failure of one bulk load phase
type PhaseError struct {
	Index   string
	Primary bool
	// Offset 1-based ordinal of the input tuple (primary) or of the replayed
	// tuple (secondary) being handled, 0 when the phase failed outside the
	// tuple loop
	Offset int64
	Err    error
}

// Error implements error interface
func (e *PhaseError) Error() string {
	phase := "secondary"
	if e.Primary {
		phase = "primary"
	}
	if e.Offset > 0 {
		return fmt.Sprintf("%s index %s failed at tuple %d: %v", phase, e.Index, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s index %s failed: %v", phase, e.Index, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
