package loader

import (
	"context"

	"github.com/S0me0neR0man/quadstash/internal/index"
	"github.com/S0me0neR0man/quadstash/internal/monitor"
	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

// TupleHandler handles one tuple on its way into an index
type TupleHandler interface {
	Handle(ctx context.Context, t tuple.Tuple) error
}

// The TupleHandlerFunc type is an adapter to allow the use of
// ordinary functions as handlers.
type TupleHandlerFunc func(ctx context.Context, t tuple.Tuple) error

// Handle calls f(ctx, t)
func (f TupleHandlerFunc) Handle(ctx context.Context, t tuple.Tuple) error {
	return f(ctx, t)
}

// Middleware receives a TupleHandler and returns another TupleHandler
type Middleware func(TupleHandler) TupleHandler

// Chain chain of responsibility in front of an index insert
type Chain struct {
	middlewares []Middleware
}

func NewChain(mws ...Middleware) *Chain {
	c := &Chain{}
	return c.Attach(mws...)
}

// Attach appends middlewares, the first attached runs first
func (c *Chain) Attach(mws ...Middleware) *Chain {
	c.middlewares = append(c.middlewares, mws...)
	return c
}

// Then builds the handler ending in h
func (c *Chain) Then(h TupleHandler) TupleHandler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// Validate rejects tuples of the wrong arity or with a reserved node id
func Validate(arity int) Middleware {
	return func(next TupleHandler) TupleHandler {
		return TupleHandlerFunc(func(ctx context.Context, t tuple.Tuple) error {
			if err := t.Validate(arity); err != nil {
				return &malformedError{err: err}
			}
			return next.Handle(ctx, t)
		})
	}
}

// Tick counts handled tuples in a monitor session
func Tick(s *monitor.Session) Middleware {
	return func(next TupleHandler) TupleHandler {
		return TupleHandlerFunc(func(ctx context.Context, t tuple.Tuple) error {
			if err := next.Handle(ctx, t); err != nil {
				return err
			}
			s.Tick()
			return nil
		})
	}
}

// Insert the terminal handler. dup is called for a tuple the index already
// holds as a set.
func Insert(idx *index.Index, dup func(tuple.Tuple) error) TupleHandler {
	return TupleHandlerFunc(func(ctx context.Context, t tuple.Tuple) error {
		ok, err := idx.Insert(ctx, t)
		if err != nil {
			return err
		}
		if !ok && dup != nil {
			return dup(t)
		}
		return nil
	})
}
