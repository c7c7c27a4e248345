// Package page typed views over storage blocks
package page

import (
	"fmt"
	"sync"

	"github.com/S0me0neR0man/quadstash/internal/block"
)

// NoID page not backed by an allocated block
const NoID = block.NoID

// Page structured lens over exactly one block. The page does not own the
// block; Reset repoints it when the storage layer promotes the block.
type Page interface {
	ID() block.ID
	BackingBlock() *block.Block
	Reset(b *block.Block)
	fmt.Stringer
}

// Base backing block holder shared by the concrete pages.
// Reads hold the read lock, Reset and mutations the write lock.
type Base struct {
	mu   sync.RWMutex
	b    *block.Block
	size int
}

func NewBase(b *block.Block) Base {
	return Base{b: b, size: b.Size()}
}

// ID delegates to the backing block
func (p *Base) ID() block.ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.b.ID()
}

func (p *Base) BackingBlock() *block.Block {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.b
}

// Reset all reads after it returns see b. b must be non-nil and of the page's
// block size; anything else is a caller bug.
func (p *Base) Reset(b *block.Block) {
	if b == nil {
		panic("page: reset with nil block")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.Size() != p.size {
		panic(fmt.Sprintf("page: reset with %d-byte block, page size %d", b.Size(), p.size))
	}
	p.b = b
}

// view runs fn over the current block bytes under the read lock
func (p *Base) view(fn func(data []byte)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fn(p.b.Bytes())
}

// update runs fn over the current block bytes under the write lock
func (p *Base) update(fn func(data []byte) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.b.Writable() {
		return fmt.Errorf("page %d: %w", p.b.ID(), block.ErrReadOnly)
	}
	return fn(p.b.Bytes())
}
