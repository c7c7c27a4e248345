package block

import (
	"context"
	"fmt"
	"sync"
)

// Resetter anything that views a block and must follow it when it is promoted
type Resetter interface {
	ID() ID
	BackingBlock() *Block
	Reset(b *Block)
}

// OwnerTable block id -> current owning structure.
// Owners hold a non-owning reference to their block; the table is the one
// place that knows who must be repointed after a promotion.
type OwnerTable struct {
	mu     sync.Mutex
	mgr    Manager
	owners map[ID]Resetter
}

func NewOwnerTable(mgr Manager) *OwnerTable {
	return &OwnerTable{
		mgr:    mgr,
		owners: make(map[ID]Resetter),
	}
}

// Register r as owner of its backing block id
func (t *OwnerTable) Register(r Resetter) error {
	id := r.ID()
	if id == NoID {
		return fmt.Errorf("register: %w", ErrNotFound)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.owners[id]; ok && cur != r {
		return fmt.Errorf("register %d: %w", id, ErrOwnerExists)
	}
	t.owners[id] = r
	return nil
}

// Release forgets the owner of id
func (t *OwnerTable) Release(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.owners, id)
}

// Owner returns the current owner of id
func (t *OwnerTable) Owner(id ID) (Resetter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.owners[id]
	return r, ok
}

func (t *OwnerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.owners)
}

// Promote replaces the owner's backing block by a private writable copy.
// The caller must hold exclusive access to the owner.
func (t *OwnerTable) Promote(ctx context.Context, id ID) (*Block, error) {
	t.mu.Lock()
	r, ok := t.owners[id]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("promote %d: %w", id, ErrNoOwner)
	}

	cur := r.BackingBlock()
	if cur.Writable() {
		return cur, nil
	}
	b, err := t.mgr.Promote(ctx, cur)
	if err != nil {
		return nil, err
	}
	r.Reset(b)
	return b, nil
}
