package page

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/quadstash/internal/block"
	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

func key(ids ...uint64) tuple.Key {
	return tuple.EncodeKey(tuple.Of(ids...))
}

func one(ids ...uint64) Entry {
	return Entry{Key: key(ids...), Count: 1}
}

func newLeaf(t *testing.T, id block.ID, size int) *TuplePage {
	p, err := FormatTuplePage(block.New(id, size), 3)
	require.NoError(t, err)
	return p
}

func TestTuplePage_InsertSorted(t *testing.T) {
	p := newLeaf(t, 1, 512)
	require.Equal(t, 0, p.Count())
	require.Equal(t, (512-headerSize)/28, p.Capacity())
	require.Equal(t, block.NoID, p.Next())

	for _, k := range []tuple.Key{key(5, 5, 5), key(1, 2, 3), key(3, 1, 1)} {
		require.NoError(t, p.InsertAt(p.LowerBound(k), k))
	}
	require.Equal(t, 3, p.Count())

	entries := p.Entries(0)
	require.Equal(t, one(1, 2, 3), entries[0])
	require.Equal(t, one(3, 1, 1), entries[1])
	require.Equal(t, one(5, 5, 5), entries[2])

	pos, found := p.Find(key(3, 1, 1))
	require.True(t, found)
	require.Equal(t, 1, pos)
	pos, found = p.Find(key(4, 0, 0))
	require.False(t, found)
	require.Equal(t, 2, pos)

	require.NoError(t, p.AddAt(1, 2))
	e, err := p.Entry(1)
	require.NoError(t, err)
	require.EqualValues(t, 3, e.Count)

	_, err = p.Key(3)
	require.ErrorIs(t, err, ErrOutOfRange)
	require.ErrorIs(t, p.AddAt(3, 1), ErrOutOfRange)
}

func TestTuplePage_Full(t *testing.T) {
	p := newLeaf(t, 1, block.MinBlockSize)
	for i := 0; i < p.Capacity(); i++ {
		require.NoError(t, p.Append(one(uint64(i+1), 1, 1)))
	}
	require.True(t, p.IsFull())
	require.ErrorIs(t, p.InsertAt(0, key(9, 9, 9)), ErrFull)

	require.NoError(t, p.Truncate(2))
	require.Equal(t, 2, p.Count())
}

func TestTuplePage_SealAndVerify(t *testing.T) {
	p := newLeaf(t, 4, 512)
	require.NoError(t, p.Append(one(1, 2, 3), Entry{Key: key(4, 5, 6), Count: 2}))
	require.NoError(t, p.SetNext(9))
	require.NoError(t, p.Seal())

	b := p.BackingBlock()
	reopened, err := OpenTuplePage(b, 3)
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Count())
	require.Equal(t, block.ID(9), reopened.Next())
	e, err := reopened.Entry(1)
	require.NoError(t, err)
	require.EqualValues(t, 2, e.Count)

	b.Bytes()[headerSize+3] ^= 0xff
	_, err = OpenTuplePage(b, 3)
	require.ErrorIs(t, err, ErrChecksum)

	_, err = OpenTuplePage(block.New(5, 512), 3)
	require.ErrorIs(t, err, ErrBadMagic)

	_, err = OpenTuplePage(newLeaf(t, 6, 512).BackingBlock(), 4)
	require.ErrorIs(t, err, ErrBadArity)
}

func TestTuplePage_ReadOnlyBlock(t *testing.T) {
	ctx := context.Background()
	m := block.NewMemoryManager(512, zap.NewNop())

	b, err := m.Allocate(ctx)
	require.NoError(t, err)
	p, err := FormatTuplePage(b, 3)
	require.NoError(t, err)
	require.NoError(t, p.Append(one(1, 1, 1)))
	require.NoError(t, p.Seal())
	require.NoError(t, m.Write(ctx, p.BackingBlock()))

	shared, err := m.Read(ctx, b.ID())
	require.NoError(t, err)
	ro, err := OpenTuplePage(shared, 3)
	require.NoError(t, err)
	require.ErrorIs(t, ro.Append(one(2, 2, 2)), block.ErrReadOnly)
}

func TestTuplePage_ResetVisibility(t *testing.T) {
	a := newLeaf(t, 7, 512)
	require.NoError(t, a.Append(one(1, 1, 1)))

	b := newLeaf(t, 7, 512)
	require.NoError(t, b.Append(one(2, 2, 2), one(3, 3, 3)))

	blockA := a.BackingBlock()
	blockB := b.BackingBlock()

	a.Reset(blockB)
	require.Same(t, blockB, a.BackingBlock())
	require.Equal(t, 2, a.Count())
	k, err := a.Key(0)
	require.NoError(t, err)
	require.Equal(t, key(2, 2, 2), k)

	// the old block is untouched, just no longer visible through a
	require.Equal(t, 1, wrap(blockA, 3).Count())
}

func TestTuplePage_ResetExcludesReaders(t *testing.T) {
	p := newLeaf(t, 3, 512)
	require.NoError(t, p.Append(one(1, 1, 1)))

	other := newLeaf(t, 3, 512)
	require.NoError(t, other.Append(one(1, 1, 1), one(2, 2, 2)))
	blocks := []*block.Block{p.BackingBlock(), other.BackingBlock()}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				entries := p.Entries(0)
				require.True(t, len(entries) == 1 || len(entries) == 2)
				require.Equal(t, key(1, 1, 1), entries[0].Key)
			}
		}()
	}
	for i := 0; i < 500; i++ {
		p.Reset(blocks[i%2])
	}
	wg.Wait()
}

func TestBase_ResetPreconditions(t *testing.T) {
	p := newLeaf(t, 1, 512)
	require.Panics(t, func() { p.Reset(nil) })
	require.Panics(t, func() { p.Reset(block.New(1, 1024)) })
}
