package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/S0me0neR0man/quadstash/internal/block"
	"github.com/S0me0neR0man/quadstash/internal/index"
)

const (
	metaMagic = "QSM1"

	// Metadata block layout:
	//
	// offset  size  field
	// 0       4     magic "QSM1"
	// 4       4     block size (uint32), readable before the file is opened
	// 8       4     payload length (uint32)
	// 12      8     xxhash64 of the payload
	// 20..          payload, protobuf wire format
	metaHeaderSize = 20
)

// payload field numbers
const (
	fieldStoreID    protowire.Number = 1
	fieldArity      protowire.Number = 2
	fieldDuplicates protowire.Number = 3
	fieldIndex      protowire.Number = 4
	fieldCreated    protowire.Number = 5
	fieldLastRun    protowire.Number = 6

	fieldIndexDesc    protowire.Number = 1
	fieldIndexRoot    protowire.Number = 2
	fieldIndexCount   protowire.Number = 3
	fieldIndexPrimary protowire.Number = 4
	fieldIndexState   protowire.Number = 5
)

var (
	ErrNotStore    = errors.New("not a store file")
	ErrMetaCorrupt = errors.New("store metadata corrupt")
	ErrMetaSize    = errors.New("store metadata does not fit a block")
)

// IndexState whether an index may be read
type IndexState uint8

const (
	// Invalid the index was not built or its build failed, rebuild it
	Invalid IndexState = iota
	Ready
)

func (s IndexState) String() string {
	if s == Ready {
		return "ready"
	}
	return "invalid"
}

// IndexMeta persisted description of one index
type IndexMeta struct {
	Descriptor string
	Root       block.ID
	Count      int64
	Primary    bool
	State      IndexState
}

// Meta content of block 0
type Meta struct {
	ID         uuid.UUID
	BlockSize  int
	Arity      int
	Duplicates index.Duplicates
	Created    time.Time
	LastRun    uuid.UUID
	Indexes    []IndexMeta
}

func (m *Meta) encode(size int) ([]byte, error) {
	var p []byte
	p = protowire.AppendTag(p, fieldStoreID, protowire.BytesType)
	p = protowire.AppendBytes(p, m.ID[:])
	p = protowire.AppendTag(p, fieldArity, protowire.VarintType)
	p = protowire.AppendVarint(p, uint64(m.Arity))
	p = protowire.AppendTag(p, fieldDuplicates, protowire.VarintType)
	p = protowire.AppendVarint(p, uint64(m.Duplicates))
	p = protowire.AppendTag(p, fieldCreated, protowire.VarintType)
	p = protowire.AppendVarint(p, uint64(m.Created.UnixNano()))
	if m.LastRun != uuid.Nil {
		p = protowire.AppendTag(p, fieldLastRun, protowire.BytesType)
		p = protowire.AppendBytes(p, m.LastRun[:])
	}
	for _, im := range m.Indexes {
		var sub []byte
		sub = protowire.AppendTag(sub, fieldIndexDesc, protowire.BytesType)
		sub = protowire.AppendString(sub, im.Descriptor)
		sub = protowire.AppendTag(sub, fieldIndexRoot, protowire.VarintType)
		sub = protowire.AppendVarint(sub, protowire.EncodeZigZag(int64(im.Root)))
		sub = protowire.AppendTag(sub, fieldIndexCount, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(im.Count))
		sub = protowire.AppendTag(sub, fieldIndexPrimary, protowire.VarintType)
		sub = protowire.AppendVarint(sub, protowire.EncodeBool(im.Primary))
		sub = protowire.AppendTag(sub, fieldIndexState, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(im.State))

		p = protowire.AppendTag(p, fieldIndex, protowire.BytesType)
		p = protowire.AppendBytes(p, sub)
	}

	if metaHeaderSize+len(p) > size {
		return nil, fmt.Errorf("%w: %d bytes, block %d", ErrMetaSize, metaHeaderSize+len(p), size)
	}
	buf := make([]byte, size)
	copy(buf[0:4], metaMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(p)))
	binary.LittleEndian.PutUint64(buf[12:20], xxhash.Sum64(p))
	copy(buf[metaHeaderSize:], p)
	return buf, nil
}

func decodeMeta(buf []byte) (*Meta, error) {
	if len(buf) < metaHeaderSize || string(buf[0:4]) != metaMagic {
		return nil, ErrNotStore
	}
	m := &Meta{BlockSize: int(binary.LittleEndian.Uint32(buf[4:8]))}
	n := int(binary.LittleEndian.Uint32(buf[8:12]))
	if m.BlockSize != len(buf) || metaHeaderSize+n > len(buf) {
		return nil, fmt.Errorf("%w: block size %d, payload %d", ErrMetaCorrupt, m.BlockSize, n)
	}
	p := buf[metaHeaderSize : metaHeaderSize+n]
	if xxhash.Sum64(p) != binary.LittleEndian.Uint64(buf[12:20]) {
		return nil, fmt.Errorf("%w: checksum", ErrMetaCorrupt)
	}

	err := walkFields(p, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case fieldStoreID:
			id, err := uuid.FromBytes(b)
			if err != nil {
				return err
			}
			m.ID = id
		case fieldLastRun:
			id, err := uuid.FromBytes(b)
			if err != nil {
				return err
			}
			m.LastRun = id
		case fieldArity:
			m.Arity = int(v)
		case fieldDuplicates:
			m.Duplicates = index.Duplicates(v)
		case fieldCreated:
			m.Created = time.Unix(0, int64(v))
		case fieldIndex:
			im, err := decodeIndexMeta(b)
			if err != nil {
				return err
			}
			m.Indexes = append(m.Indexes, im)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetaCorrupt, err)
	}
	return m, nil
}

func decodeIndexMeta(b []byte) (IndexMeta, error) {
	im := IndexMeta{Root: block.NoID}
	err := walkFields(b, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case fieldIndexDesc:
			im.Descriptor = string(b)
		case fieldIndexRoot:
			im.Root = block.ID(protowire.DecodeZigZag(v))
		case fieldIndexCount:
			im.Count = int64(v)
		case fieldIndexPrimary:
			im.Primary = protowire.DecodeBool(v)
		case fieldIndexState:
			im.State = IndexState(v)
		}
		return nil
	})
	return im, err
}

// walkFields calls fn for every varint and bytes field, unknown wire types
// are skipped
func walkFields(p []byte, fn func(num protowire.Number, v uint64, b []byte) error) error {
	for len(p) > 0 {
		num, typ, n := protowire.ConsumeTag(p)
		if n < 0 {
			return protowire.ParseError(n)
		}
		p = p[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(p)
			if n < 0 {
				return protowire.ParseError(n)
			}
			p = p[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			b, n := protowire.ConsumeBytes(p)
			if n < 0 {
				return protowire.ParseError(n)
			}
			p = p[n:]
			if err := fn(num, 0, b); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, p)
			if n < 0 {
				return protowire.ParseError(n)
			}
			p = p[n:]
		}
	}
	return nil
}

// ReadBlockSize block size recorded in a store file, 0 if the file is empty
func ReadBlockSize(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var hdr [8]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("%s: %w", path, ErrNotStore)
	}
	if string(hdr[0:4]) != metaMagic {
		// a file created but never given metadata is all zero
		if binary.LittleEndian.Uint32(hdr[0:4]) == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("%s: %w", path, ErrNotStore)
	}
	return int(binary.LittleEndian.Uint32(hdr[4:8])), nil
}
