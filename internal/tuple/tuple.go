// Package tuple fixed-arity node id tuples and their index orderings
package tuple

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// NodeID opaque node identifier. Zero is reserved for "any".
type NodeID uint64

const (
	AnyNode NodeID = 0

	nodeSize = 8
)

type CompareResult int8

const (
	LessThan CompareResult = -1
	Equal    CompareResult = 0
	MoreThan CompareResult = 1
)

var (
	ErrArity    = errors.New("tuple arity mismatch")
	ErrBadKey   = errors.New("bad key length")
	ErrAnyInKey = errors.New("reserved node id 0 in tuple")
)

// Tuple ordered sequence of node ids, immutable by convention
type Tuple []NodeID

// Of builds a tuple from plain integers
func Of(ids ...uint64) Tuple {
	t := make(Tuple, len(ids))
	for i, id := range ids {
		t[i] = NodeID(id)
	}
	return t
}

func (t Tuple) Arity() int {
	return len(t)
}

// Equal componentwise
func (t Tuple) Equal(o Tuple) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

// Compare lexicographic, a shorter tuple that is a prefix of the other is less
func (t Tuple) Compare(o Tuple) CompareResult {
	for i := 0; i < len(t) && i < len(o); i++ {
		switch {
		case t[i] < o[i]:
			return LessThan
		case t[i] > o[i]:
			return MoreThan
		}
	}
	switch {
	case len(t) < len(o):
		return LessThan
	case len(t) > len(o):
		return MoreThan
	}
	return Equal
}

// Clone returns an independent copy
func (t Tuple) Clone() Tuple {
	c := make(Tuple, len(t))
	copy(c, t)
	return c
}

// Validate checks arity and that no component is the reserved id
func (t Tuple) Validate(arity int) error {
	if len(t) != arity {
		return fmt.Errorf("%w: got %d, want %d", ErrArity, len(t), arity)
	}
	for _, n := range t {
		if n == AnyNode {
			return ErrAnyInKey
		}
	}
	return nil
}

// String is Stringer implementation
func (t Tuple) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, n := range t {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", n)
	}
	sb.WriteByte(')')
	return sb.String()
}

// Key the encoded form of a tuple. All digit stored in BigEndian notation,
// so bytes.Compare on keys gives the componentwise order.
type Key []byte

// KeySize returns the encoded size for the given arity
func KeySize(arity int) int {
	return arity * nodeSize
}

// EncodeKey encodes t as is, callers map it to index order first
func EncodeKey(t Tuple) Key {
	k := make(Key, KeySize(len(t)))
	for i, n := range t {
		binary.BigEndian.PutUint64(k[i*nodeSize:], uint64(n))
	}
	return k
}

// DecodeKey is the inverse of EncodeKey
func DecodeKey(k []byte, arity int) (Tuple, error) {
	if len(k) != KeySize(arity) {
		return nil, fmt.Errorf("%w: %d bytes for arity %d", ErrBadKey, len(k), arity)
	}
	t := make(Tuple, arity)
	for i := range t {
		t[i] = NodeID(binary.BigEndian.Uint64(k[i*nodeSize:]))
	}
	return t, nil
}

// Compare keys
func (k Key) Compare(o Key) CompareResult {
	return CompareResult(bytes.Compare(k, o))
}

// HasPrefix reports whether k starts with the encoded prefix p
func (k Key) HasPrefix(p Key) bool {
	return bytes.HasPrefix(k, p)
}

// String is Stringer implementation
func (k Key) String() string {
	if len(k)%nodeSize != 0 {
		return fmt.Sprintf("%x", []byte(k))
	}
	t, _ := DecodeKey(k, len(k)/nodeSize)
	return t.String()
}
