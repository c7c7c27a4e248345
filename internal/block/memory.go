package block

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryManager in-memory Manager
type MemoryManager struct {
	mu        sync.RWMutex
	blockSize int
	blocks    map[ID]*Block
	freeList  []ID
	nextID    ID
	closed    bool

	sugar *zap.SugaredLogger
}

// NewMemoryManager block 0 is reserved and exists from the start
func NewMemoryManager(blockSize int, logger *zap.Logger) *MemoryManager {
	if blockSize < MinBlockSize {
		blockSize = DefaultBlockSize
	}
	m := &MemoryManager{
		blockSize: blockSize,
		blocks:    make(map[ID]*Block),
		nextID:    MetaID + 1,
		sugar:     logger.Sugar(),
	}
	m.blocks[MetaID] = &Block{id: MetaID, data: make([]byte, blockSize)}
	return m
}

func (m *MemoryManager) BlockSize() int {
	return m.blockSize
}

// Allocate reuses a freed id when there is one
func (m *MemoryManager) Allocate(ctx context.Context) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var id ID
	if n := len(m.freeList); n > 0 {
		id = m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
	} else {
		id = m.nextID
		m.nextID++
	}
	b := New(id, m.blockSize)
	m.blocks[id] = b.clone(false)

	m.sugar.Debugw("allocate", "id", id)
	return b, nil
}

func (m *MemoryManager) Read(ctx context.Context, id ID) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	b, ok := m.blocks[id]
	if !ok {
		return nil, &IOError{Op: "read", ID: id, Err: ErrNotFound}
	}
	return b, nil
}

// Write publishes a read-only copy, earlier readers keep their version
func (m *MemoryManager) Write(ctx context.Context, b *Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkSize(b, m.blockSize); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.blocks[b.id]; !ok {
		return &IOError{Op: "write", ID: b.id, Err: ErrNotFound}
	}
	m.blocks[b.id] = b.clone(false)
	return nil
}

func (m *MemoryManager) Promote(ctx context.Context, b *Block) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkSize(b, m.blockSize); err != nil {
		return nil, err
	}
	m.sugar.Debugw("promote", "id", b.id)
	return b.clone(true), nil
}

func (m *MemoryManager) Free(ctx context.Context, id ID) error {
	if id == MetaID {
		return ErrReservedID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.blocks[id]; !ok {
		return &IOError{Op: "free", ID: id, Err: ErrNotFound}
	}
	delete(m.blocks, id)
	m.freeList = append(m.freeList, id)
	return nil
}

// NumBlocks live blocks including the metadata block
func (m *MemoryManager) NumBlocks() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.blocks))
}

func (m *MemoryManager) Sync(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
