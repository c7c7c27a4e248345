package page

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/S0me0neR0man/quadstash/internal/block"
	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

const (
	tuplePageMagic = "QSP1"

	TypeTupleLeaf uint8 = 1

	// Tuple page header layout:
	//
	// offset  size  field
	// 0       4     magic "QSP1"
	// 4       1     page type
	// 5       1     arity
	// 6       2     record count (uint16)
	// 8       8     next leaf block id (int64, -1 = none)
	// 16      8     xxhash64 of header[0:16] and the used record area
	// 24..          records sorted by key:
	//                 key   arity*8 bytes
	//                 mult  uint32, how many times the tuple was inserted
	headerSize  = 24
	multSize    = 4
	maxRecords  = 1<<16 - 1
	checksumOff = 16
)

var (
	ErrBadMagic   = errors.New("bad page magic")
	ErrBadArity   = errors.New("page arity mismatch")
	ErrChecksum   = errors.New("page checksum mismatch")
	ErrFull       = errors.New("page full")
	ErrOutOfRange = errors.New("record index out of range")
)

// Entry one record of a leaf
type Entry struct {
	Key   tuple.Key
	Count uint32
}

// TuplePage sorted fixed-width tuple keys in one block, one leaf of an index
type TuplePage struct {
	Base
	arity   int
	keySize int
	recSize int
	dirty   bool
}

// FormatTuplePage initializes an empty leaf over a writable block
func FormatTuplePage(b *block.Block, arity int) (*TuplePage, error) {
	p := wrap(b, arity)
	if p.Capacity() < 2 {
		return nil, fmt.Errorf("format page %d: %w: block %d too small for arity %d", b.ID(), block.ErrBadSize, b.Size(), arity)
	}
	err := p.update(func(data []byte) error {
		for i := range data[:headerSize] {
			data[i] = 0
		}
		copy(data[0:4], tuplePageMagic)
		data[4] = TypeTupleLeaf
		data[5] = byte(arity)
		binary.LittleEndian.PutUint16(data[6:8], 0)
		next := block.NoID
		binary.LittleEndian.PutUint64(data[8:16], uint64(next))
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.dirty = true
	return p, nil
}

// OpenTuplePage checks header and checksum of a stored leaf
func OpenTuplePage(b *block.Block, arity int) (*TuplePage, error) {
	p := wrap(b, arity)
	if err := p.Verify(); err != nil {
		return nil, err
	}
	return p, nil
}

func wrap(b *block.Block, arity int) *TuplePage {
	return &TuplePage{
		Base:    NewBase(b),
		arity:   arity,
		keySize: tuple.KeySize(arity),
		recSize: tuple.KeySize(arity) + multSize,
	}
}

// Verify header and checksum
func (p *TuplePage) Verify() error {
	var err error
	p.view(func(data []byte) {
		switch {
		case string(data[0:4]) != tuplePageMagic || data[4] != TypeTupleLeaf:
			err = ErrBadMagic
		case int(data[5]) != p.arity:
			err = fmt.Errorf("%w: stored %d, want %d", ErrBadArity, data[5], p.arity)
		case p.count(data) > p.capacity(len(data)):
			err = fmt.Errorf("%w: count %d", ErrChecksum, p.count(data))
		case binary.LittleEndian.Uint64(data[checksumOff:headerSize]) != p.checksum(data):
			err = ErrChecksum
		}
	})
	if err != nil {
		return fmt.Errorf("page %d: %w", p.ID(), err)
	}
	return nil
}

// Seal stores the checksum, call before the block is written
func (p *TuplePage) Seal() error {
	return p.update(func(data []byte) error {
		binary.LittleEndian.PutUint64(data[checksumOff:headerSize], p.checksum(data))
		return nil
	})
}

func (p *TuplePage) checksum(data []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(data[0:checksumOff])
	_, _ = d.Write(data[headerSize : headerSize+p.count(data)*p.recSize])
	return d.Sum64()
}

func (p *TuplePage) Arity() int {
	return p.arity
}

func (p *TuplePage) Count() int {
	var n int
	p.view(func(data []byte) { n = p.count(data) })
	return n
}

func (p *TuplePage) count(data []byte) int {
	return int(binary.LittleEndian.Uint16(data[6:8]))
}

func (p *TuplePage) setCount(data []byte, n int) {
	binary.LittleEndian.PutUint16(data[6:8], uint16(n))
}

// Capacity max records in the page
func (p *TuplePage) Capacity() int {
	return p.capacity(p.size)
}

func (p *TuplePage) capacity(size int) int {
	n := (size - headerSize) / p.recSize
	if n > maxRecords {
		n = maxRecords
	}
	return n
}

func (p *TuplePage) IsFull() bool {
	return p.Count() >= p.Capacity()
}

// Next following leaf or NoID
func (p *TuplePage) Next() block.ID {
	var id block.ID
	p.view(func(data []byte) {
		id = block.ID(int64(binary.LittleEndian.Uint64(data[8:16])))
	})
	return id
}

func (p *TuplePage) SetNext(id block.ID) error {
	err := p.update(func(data []byte) error {
		binary.LittleEndian.PutUint64(data[8:16], uint64(id))
		return nil
	})
	if err == nil {
		p.dirty = true
	}
	return err
}

// Key returns a copy of the key of record i
func (p *TuplePage) Key(i int) (tuple.Key, error) {
	e, err := p.Entry(i)
	return e.Key, err
}

// Entry returns a copy of record i
func (p *TuplePage) Entry(i int) (Entry, error) {
	var e Entry
	var err error
	p.view(func(data []byte) {
		if i < 0 || i >= p.count(data) {
			err = fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, p.count(data))
			return
		}
		e = p.entry(data, i)
	})
	return e, err
}

// Entries copies of records [from, count)
func (p *TuplePage) Entries(from int) []Entry {
	var entries []Entry
	p.view(func(data []byte) {
		n := p.count(data)
		if from < 0 {
			from = 0
		}
		for i := from; i < n; i++ {
			entries = append(entries, p.entry(data, i))
		}
	})
	return entries
}

func (p *TuplePage) entry(data []byte, i int) Entry {
	rec := p.record(data, i)
	k := make(tuple.Key, p.keySize)
	copy(k, rec[:p.keySize])
	return Entry{Key: k, Count: binary.LittleEndian.Uint32(rec[p.keySize:])}
}

func (p *TuplePage) record(data []byte, i int) []byte {
	off := headerSize + i*p.recSize
	return data[off : off+p.recSize]
}

func (p *TuplePage) recordKey(data []byte, i int) []byte {
	return p.record(data, i)[:p.keySize]
}

// LowerBound first position whose key is >= k
func (p *TuplePage) LowerBound(k tuple.Key) int {
	var pos int
	p.view(func(data []byte) {
		pos = sort.Search(p.count(data), func(i int) bool {
			return bytes.Compare(p.recordKey(data, i), k) >= 0
		})
	})
	return pos
}

// Find position of k and whether it is stored
func (p *TuplePage) Find(k tuple.Key) (int, bool) {
	var pos int
	var found bool
	p.view(func(data []byte) {
		n := p.count(data)
		pos = sort.Search(n, func(i int) bool {
			return bytes.Compare(p.recordKey(data, i), k) >= 0
		})
		found = pos < n && bytes.Equal(p.recordKey(data, pos), k)
	})
	return pos, found
}

// InsertAt shifts records [pos, count) right by one and stores k at pos
// with multiplicity 1
func (p *TuplePage) InsertAt(pos int, k tuple.Key) error {
	if len(k) != p.keySize {
		return fmt.Errorf("insert: %w", tuple.ErrBadKey)
	}
	err := p.update(func(data []byte) error {
		n := p.count(data)
		if n >= p.capacity(len(data)) {
			return ErrFull
		}
		if pos < 0 || pos > n {
			return fmt.Errorf("%w: %d of %d", ErrOutOfRange, pos, n)
		}
		start := headerSize + pos*p.recSize
		end := headerSize + n*p.recSize
		copy(data[start+p.recSize:end+p.recSize], data[start:end])
		copy(data[start:start+p.keySize], k)
		binary.LittleEndian.PutUint32(data[start+p.keySize:start+p.recSize], 1)
		p.setCount(data, n+1)
		return nil
	})
	if err == nil {
		p.dirty = true
	}
	return err
}

// AddAt bumps the multiplicity of record pos
func (p *TuplePage) AddAt(pos int, delta uint32) error {
	err := p.update(func(data []byte) error {
		if pos < 0 || pos >= p.count(data) {
			return fmt.Errorf("%w: %d of %d", ErrOutOfRange, pos, p.count(data))
		}
		rec := p.record(data, pos)
		binary.LittleEndian.PutUint32(rec[p.keySize:], binary.LittleEndian.Uint32(rec[p.keySize:])+delta)
		return nil
	})
	if err == nil {
		p.dirty = true
	}
	return err
}

// Append adds entries after the last record, callers keep them sorted
func (p *TuplePage) Append(entries ...Entry) error {
	err := p.update(func(data []byte) error {
		n := p.count(data)
		if n+len(entries) > p.capacity(len(data)) {
			return ErrFull
		}
		for _, e := range entries {
			if len(e.Key) != p.keySize {
				return fmt.Errorf("append: %w", tuple.ErrBadKey)
			}
			rec := p.record(data, n)
			copy(rec, e.Key)
			binary.LittleEndian.PutUint32(rec[p.keySize:], e.Count)
			n++
		}
		p.setCount(data, n)
		return nil
	})
	if err == nil {
		p.dirty = true
	}
	return err
}

// Truncate keeps the first n records
func (p *TuplePage) Truncate(n int) error {
	err := p.update(func(data []byte) error {
		if n < 0 || n > p.count(data) {
			return fmt.Errorf("%w: truncate to %d of %d", ErrOutOfRange, n, p.count(data))
		}
		p.setCount(data, n)
		return nil
	})
	if err == nil {
		p.dirty = true
	}
	return err
}

func (p *TuplePage) IsDirty() bool {
	return p.dirty
}

func (p *TuplePage) MarkDirty() {
	p.dirty = true
}

func (p *TuplePage) ClearDirty() {
	p.dirty = false
}

// String is Stringer implementation
func (p *TuplePage) String() string {
	var s string
	p.view(func(data []byte) {
		s = fmt.Sprintf("TuplePage[id=%d arity=%d count=%d/%d next=%d]",
			p.b.ID(), p.arity, p.count(data), p.capacity(len(data)),
			int64(binary.LittleEndian.Uint64(data[8:16])))
	})
	return s
}
