// Package block fixed-size raw storage blocks and the managers that hold them
package block

import (
	"context"
	"errors"
	"fmt"
)

// ID block identity, unique within one storage file
type ID int64

const (
	// NoID unallocated block
	NoID ID = -1

	// MetaID reserved for store metadata
	MetaID ID = 0

	DefaultBlockSize = 4096
	MinBlockSize     = 256
)

var (
	ErrBadSize     = errors.New("block size mismatch")
	ErrNotFound    = errors.New("block not found")
	ErrReadOnly    = errors.New("block is read-only")
	ErrClosed      = errors.New("block manager closed")
	ErrReservedID  = errors.New("reserved block id")
	ErrNoOwner     = errors.New("block has no owner")
	ErrOwnerExists = errors.New("block already owned")
)

// Block the unit of I/O and caching
type Block struct {
	id       ID
	data     []byte
	writable bool
}

// New private writable block
func New(id ID, size int) *Block {
	return &Block{id: id, data: make([]byte, size), writable: true}
}

func (b *Block) ID() ID {
	if b == nil {
		return NoID
	}
	return b.id
}

// Bytes raw payload. Callers must not modify a block that is not Writable.
func (b *Block) Bytes() []byte {
	return b.data
}

func (b *Block) Size() int {
	return len(b.data)
}

// Writable false for shared versions handed out by Manager.Read
func (b *Block) Writable() bool {
	return b.writable
}

// clone returns a copy with the given writability
func (b *Block) clone(writable bool) *Block {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &Block{id: b.id, data: data, writable: writable}
}

// String is Stringer implementation
func (b *Block) String() string {
	mode := "ro"
	if b.writable {
		mode = "rw"
	}
	return fmt.Sprintf("block %d [%d bytes %s]", b.id, len(b.data), mode)
}

// Manager storage layer of fixed-size blocks.
//
// Read returns a shared read-only version. Allocate and Promote return private
// writable blocks; Write publishes a block as the new current version.
type Manager interface {
	BlockSize() int
	Allocate(ctx context.Context) (*Block, error)
	Read(ctx context.Context, id ID) (*Block, error)
	Write(ctx context.Context, b *Block) error
	Promote(ctx context.Context, b *Block) (*Block, error)
	Free(ctx context.Context, id ID) error
	NumBlocks() int64
	Sync(ctx context.Context) error
	Close() error
}

// IOError block read/write failure. Always fatal for the current load.
type IOError struct {
	Op  string
	ID  ID
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("block %s %d: %v", e.Op, e.ID, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func checkSize(b *Block, size int) error {
	if b == nil || b.Size() != size {
		got := -1
		if b != nil {
			got = b.Size()
		}
		return fmt.Errorf("%w: got %d, want %d", ErrBadSize, got, size)
	}
	return nil
}
