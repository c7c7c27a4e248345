package loader

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/S0me0neR0man/quadstash/internal/errhandler"
	"github.com/S0me0neR0man/quadstash/internal/index"
	"github.com/S0me0neR0man/quadstash/internal/monitor"
	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

// Stats counters of a primary load
type Stats struct {
	// Read tuples and reports taken from the producer
	Read int64
	// Inserted tuples now in the primary
	Inserted int64
	// Duplicates exact duplicates dropped by a set index
	Duplicates int64
	// Skipped malformed tuples the error policy let pass
	Skipped int64
	// Warnings tuples kept with a warning
	Warnings int64
}

// LoadPrimary inserts every well-formed tuple of src into primary in producer
// order. Malformed input goes to h, which decides whether the load goes on.
// Failures are *PhaseError.
func LoadPrimary(ctx context.Context, src Producer, primary *index.Index, h errhandler.Handler, mon *monitor.Monitor) (Stats, error) {
	var st Stats
	desc := primary.Mapping().Descriptor()
	fail := func(err error) (Stats, error) {
		return st, &PhaseError{Index: desc, Primary: true, Offset: st.Read, Err: err}
	}

	session := mon.Start(desc)
	defer session.Finish()

	handler := NewChain(
		Validate(primary.Mapping().Arity()),
		Tick(session),
	).Then(Insert(primary, func(tuple.Tuple) error {
		st.Duplicates++
		return nil
	}))

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		t, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		st.Read++

		if err != nil {
			var pe *errhandler.ParseError
			if !errors.As(err, &pe) {
				return fail(err)
			}
			if rerr := errhandler.Report(h, pe); rerr != nil {
				return fail(rerr)
			}
			if pe.Severity != errhandler.Warning || t == nil {
				st.Skipped++
				continue
			}
			st.Warnings++
		}

		err = handler.Handle(ctx, t)
		switch {
		case err == nil:
		case errors.Is(err, ErrMalformed):
			msg := fmt.Sprintf("tuple %d %v: %v", st.Read, t, errors.Unwrap(err))
			if rerr := h.Error(msg, -1, -1); rerr != nil {
				return fail(rerr)
			}
			st.Skipped++
		default:
			return fail(err)
		}
	}

	st.Inserted = st.Read - st.Skipped - st.Duplicates
	return st, nil
}

// CopyIndex rebuilds dst from a full scan of src, which must not change
// meanwhile. dst is cleared first, so a failed copy is redone from scratch.
// It returns the number of tuples replayed; failures are *PhaseError.
func CopyIndex(ctx context.Context, src, dst *index.Index, mon *monitor.Monitor) (int64, error) {
	var copied int64
	desc := dst.Mapping().Descriptor()
	fail := func(offset int64, err error) (int64, error) {
		return copied, &PhaseError{Index: desc, Offset: offset, Err: err}
	}

	if src.Mapping().Arity() != dst.Mapping().Arity() {
		return fail(0, fmt.Errorf("%w: arity %d replayed into %d", ErrConsistency,
			src.Mapping().Arity(), dst.Mapping().Arity()))
	}
	if err := dst.Clear(ctx); err != nil {
		return fail(0, err)
	}

	session := mon.Start(desc)
	defer session.Finish()

	handler := NewChain(Tick(session)).Then(Insert(dst, func(t tuple.Tuple) error {
		return fmt.Errorf("%w: %v replayed twice", ErrConsistency, t)
	}))

	it := src.All(ctx)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return fail(copied, err)
		}
		copied++
		if err := handler.Handle(ctx, it.Tuple()); err != nil {
			if errors.Is(err, tuple.ErrArity) || errors.Is(err, tuple.ErrAnyInKey) {
				err = fmt.Errorf("%w: %v", ErrConsistency, err)
			}
			return fail(copied, err)
		}
	}
	if err := it.Err(); err != nil {
		return fail(copied, err)
	}

	if want := src.Count(); copied != want || dst.Count() != want {
		return fail(0, fmt.Errorf("%w: primary holds %d, replayed %d, %s holds %d",
			ErrConsistency, want, copied, desc, dst.Count()))
	}
	if err := dst.Flush(ctx); err != nil {
		return fail(0, err)
	}
	return copied, nil
}
