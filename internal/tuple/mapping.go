package tuple

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBadDescriptor = errors.New("bad mapping descriptor")
)

// Alphabet returns the column letters used for descriptors of the given arity
func Alphabet(arity int) string {
	switch arity {
	case 3:
		return "SPO"
	case 4:
		return "GSPO"
	}
	return ""
}

// Mapping column permutation of an index.
//
//	order[i] = storage column that goes to index position i
//
// "231" (or "POS" for triples) stores (s,p,o) as (p,o,s).
type Mapping struct {
	desc  string
	order []int
}

// ParseMapping parses a descriptor of 1-based column digits or column letters
func ParseMapping(desc string, arity int) (Mapping, error) {
	const msg = "ParseMapping:"
	if arity <= 0 || arity > 9 {
		return Mapping{}, fmt.Errorf("%s %w: unsupported arity %d", msg, ErrBadDescriptor, arity)
	}
	cols := []rune(strings.ToUpper(desc))
	if len(cols) != arity {
		return Mapping{}, fmt.Errorf("%s %w: %q has %d columns, want %d", msg, ErrBadDescriptor, desc, len(cols), arity)
	}

	alphabet := Alphabet(arity)
	order := make([]int, arity)
	seen := make([]bool, arity)
	for i, c := range cols {
		col := -1
		switch {
		case c >= '1' && c <= '9':
			col = int(c - '1')
		case alphabet != "":
			col = strings.IndexRune(alphabet, c)
		}
		if col < 0 || col >= arity {
			return Mapping{}, fmt.Errorf("%s %w: %q bad column %q", msg, ErrBadDescriptor, desc, c)
		}
		if seen[col] {
			return Mapping{}, fmt.Errorf("%s %w: %q repeats column %q", msg, ErrBadDescriptor, desc, c)
		}
		seen[col] = true
		order[i] = col
	}
	for col, ok := range seen {
		if !ok {
			return Mapping{}, fmt.Errorf("%s %w: %q misses column %d", msg, ErrBadDescriptor, desc, col+1)
		}
	}

	return Mapping{desc: desc, order: order}, nil
}

// MustMapping panics on a bad descriptor, for static tables and tests
func MustMapping(desc string, arity int) Mapping {
	m, err := ParseMapping(desc, arity)
	if err != nil {
		panic(err)
	}
	return m
}

// Descriptor returns the descriptor the mapping was parsed from
func (m Mapping) Descriptor() string {
	return m.desc
}

func (m Mapping) Arity() int {
	return len(m.order)
}

// Column storage column stored at index position i
func (m Mapping) Column(i int) int {
	return m.order[i]
}

// Equal same permutation, whatever the descriptor spelling
func (m Mapping) Equal(o Mapping) bool {
	if len(m.order) != len(o.order) {
		return false
	}
	for i := range m.order {
		if m.order[i] != o.order[i] {
			return false
		}
	}
	return true
}

// IsIdentity true if index order equals storage order
func (m Mapping) IsIdentity() bool {
	for i, c := range m.order {
		if i != c {
			return false
		}
	}
	return true
}

// Map storage order -> index order
func (m Mapping) Map(t Tuple) (Tuple, error) {
	if len(t) != len(m.order) {
		return nil, fmt.Errorf("%w: mapping %s got %d columns", ErrArity, m.desc, len(t))
	}
	out := make(Tuple, len(t))
	for i, col := range m.order {
		out[i] = t[col]
	}
	return out, nil
}

// Unmap index order -> storage order
func (m Mapping) Unmap(t Tuple) (Tuple, error) {
	if len(t) != len(m.order) {
		return nil, fmt.Errorf("%w: mapping %s got %d columns", ErrArity, m.desc, len(t))
	}
	out := make(Tuple, len(t))
	for i, col := range m.order {
		out[col] = t[i]
	}
	return out, nil
}

// String is Stringer implementation
func (m Mapping) String() string {
	return m.desc
}
