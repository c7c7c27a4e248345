package store

import (
	"context"
	"fmt"

	"github.com/S0me0neR0man/quadstash/internal/index"
	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

// Matches tuples of a pattern lookup
type Matches struct {
	it      *index.Iterator
	pattern tuple.Tuple
	used    string
	cur     tuple.Tuple
}

// Match tuples equal to pattern on every column that is not tuple.AnyNode.
// The ready index whose leading columns cover most bound columns serves the
// lookup; bound columns past that prefix are filtered.
func (s *Store) Match(ctx context.Context, pattern tuple.Tuple) (*Matches, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(pattern) != s.meta.Arity {
		return nil, fmt.Errorf("Store.Match: %w: got %d, want %d", tuple.ErrArity, len(pattern), s.meta.Arity)
	}

	best, bestLen := -1, -1
	for i, idx := range s.indexes {
		if s.meta.Indexes[i].State != Ready {
			continue
		}
		n := boundPrefix(idx.Mapping(), pattern)
		if n > bestLen {
			best, bestLen = i, n
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("Store.Match: %w", ErrNotReady)
	}

	idx := s.indexes[best]
	mapped, err := idx.Mapping().Map(pattern)
	if err != nil {
		return nil, err
	}
	return &Matches{
		it:      idx.Find(ctx, mapped[:bestLen]),
		pattern: pattern.Clone(),
		used:    idx.Mapping().Descriptor(),
	}, nil
}

// boundPrefix number of leading index positions bound in pattern
func boundPrefix(m tuple.Mapping, pattern tuple.Tuple) int {
	n := 0
	for n < m.Arity() && pattern[m.Column(n)] != tuple.AnyNode {
		n++
	}
	return n
}

func (m *Matches) Next() bool {
	for m.it.Next() {
		t := m.it.Tuple()
		if m.matches(t) {
			m.cur = t
			return true
		}
	}
	m.cur = nil
	return false
}

func (m *Matches) matches(t tuple.Tuple) bool {
	for i, n := range m.pattern {
		if n != tuple.AnyNode && t[i] != n {
			return false
		}
	}
	return true
}

// Tuple current match in storage column order
func (m *Matches) Tuple() tuple.Tuple {
	return m.cur
}

func (m *Matches) Err() error {
	return m.it.Err()
}

// Index descriptor of the index serving the lookup
func (m *Matches) Index() string {
	return m.used
}
