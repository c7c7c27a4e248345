// Package index permutation-keyed ordered tuple index over linked leaf pages.
//
// Leaves are page.TuplePage values chained by next block id. The head leaf
// block id is the index root: the whole structure can be recovered from it by
// walking the chain. An in-memory directory routes keys to leaves by fence.
package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/S0me0neR0man/quadstash/internal/block"
	"github.com/S0me0neR0man/quadstash/internal/page"
	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

// Duplicates what Insert does with a tuple that is already stored
type Duplicates uint8

const (
	// Set an exact duplicate is rejected, every tuple is stored once
	Set Duplicates = iota
	// Multiset every insertion is kept, scans repeat the tuple
	Multiset
)

var (
	ErrCorrupt     = errors.New("index corrupt")
	ErrPrefix      = errors.New("prefix longer than arity")
	ErrDuplicates  = errors.New("unknown duplicates policy")
	ErrNotReadable = errors.New("index has no root")
)

func (d Duplicates) String() string {
	switch d {
	case Set:
		return "set"
	case Multiset:
		return "multiset"
	}
	return fmt.Sprintf("Duplicates(%d)", d)
}

// ParseDuplicates accepts "set" and "multiset"
func ParseDuplicates(s string) (Duplicates, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "set", "":
		return Set, nil
	case "multiset", "bag":
		return Multiset, nil
	}
	return Set, fmt.Errorf("%w: %q", ErrDuplicates, s)
}

// Options index construction parameters
type Options struct {
	Mapping    tuple.Mapping
	Duplicates Duplicates
}

// Index one physical ordering of the store tuples.
// Insert is exclusive, scans only take the read lock per leaf step.
type Index struct {
	mu      sync.RWMutex
	mapping tuple.Mapping
	arity   int
	dups    Duplicates
	blocks  block.Manager
	owners  *block.OwnerTable
	dir     *directory
	root    block.ID
	count   int64

	pagesMu sync.Mutex
	pages   map[block.ID]*page.TuplePage

	sugar *zap.SugaredLogger
}

func newIndex(mgr block.Manager, owners *block.OwnerTable, opts Options, logger *zap.Logger) *Index {
	return &Index{
		mapping: opts.Mapping,
		arity:   opts.Mapping.Arity(),
		dups:    opts.Duplicates,
		blocks:  mgr,
		owners:  owners,
		dir:     newDirectory(),
		root:    block.NoID,
		pages:   make(map[block.ID]*page.TuplePage),
		sugar: logger.Sugar().With(
			"index", opts.Mapping.Descriptor(),
		),
	}
}

// Create makes an empty index with a fresh head leaf
func Create(ctx context.Context, mgr block.Manager, owners *block.OwnerTable, opts Options, logger *zap.Logger) (*Index, error) {
	const msg = "index.Create:"

	if opts.Mapping.Arity() == 0 {
		return nil, fmt.Errorf("%s %w", msg, tuple.ErrBadDescriptor)
	}
	idx := newIndex(mgr, owners, opts, logger)
	if err := idx.newHead(ctx); err != nil {
		return nil, fmt.Errorf("%s %w", msg, err)
	}

	idx.sugar.Debugw("created", "root", idx.root, "duplicates", idx.dups)
	return idx, nil
}

// Open recovers an index from its root block id alone
func Open(ctx context.Context, mgr block.Manager, owners *block.OwnerTable, root block.ID, opts Options, logger *zap.Logger) (*Index, error) {
	const msg = "index.Open:"

	if root == block.NoID {
		return nil, fmt.Errorf("%s %w", msg, ErrNotReadable)
	}
	idx := newIndex(mgr, owners, opts, logger)
	idx.root = root

	var prev tuple.Key
	seen := make(map[block.ID]struct{})
	for id := root; id != block.NoID; {
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%s %w: leaf %d linked twice", msg, ErrCorrupt, id)
		}
		seen[id] = struct{}{}

		p, err := idx.leaf(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%s %w", msg, err)
		}
		entries := p.Entries(0)
		if id == root {
			idx.dir.put(nil, id)
		} else {
			if len(entries) == 0 {
				return nil, fmt.Errorf("%s %w: empty leaf %d", msg, ErrCorrupt, id)
			}
			if entries[0].Key.Compare(prev) != tuple.MoreThan {
				return nil, fmt.Errorf("%s %w: leaf %d out of order", msg, ErrCorrupt, id)
			}
			idx.dir.put(entries[0].Key, id)
		}
		for _, e := range entries {
			idx.count += int64(e.Count)
		}
		if len(entries) > 0 {
			prev = entries[len(entries)-1].Key
		}
		id = p.Next()
	}

	idx.sugar.Debugw("opened", "root", root, "leaves", idx.dir.size, "count", idx.count)
	return idx, nil
}

func (idx *Index) newHead(ctx context.Context) error {
	b, err := idx.blocks.Allocate(ctx)
	if err != nil {
		return err
	}
	p, err := page.FormatTuplePage(b, idx.arity)
	if err != nil {
		return err
	}
	if err := idx.adopt(p); err != nil {
		return err
	}
	idx.root = p.ID()
	idx.dir.put(nil, p.ID())
	return nil
}

// adopt registers p as the owner of its block
func (idx *Index) adopt(p *page.TuplePage) error {
	if err := idx.owners.Register(p); err != nil {
		return err
	}
	idx.pagesMu.Lock()
	idx.pages[p.ID()] = p
	idx.pagesMu.Unlock()
	return nil
}

// leaf returns the cached page of id, reading and verifying it on first use
func (idx *Index) leaf(ctx context.Context, id block.ID) (*page.TuplePage, error) {
	idx.pagesMu.Lock()
	defer idx.pagesMu.Unlock()

	if p, ok := idx.pages[id]; ok {
		return p, nil
	}
	b, err := idx.blocks.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := page.OpenTuplePage(b, idx.arity)
	if err != nil {
		return nil, err
	}
	if err := idx.owners.Register(p); err != nil {
		return nil, err
	}
	idx.pages[id] = p
	return p, nil
}

// Mapping the column order this index is sorted by
func (idx *Index) Mapping() tuple.Mapping {
	return idx.mapping
}

func (idx *Index) Duplicates() Duplicates {
	return idx.dups
}

// Root head leaf block id
func (idx *Index) Root() block.ID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.root
}

// Count stored tuples, duplicates included under Multiset
func (idx *Index) Count() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.count
}

// Leaves number of leaf pages
func (idx *Index) Leaves() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dir.size
}

// Insert adds t given in storage column order. It reports false when the
// tuple was already stored and the index keeps a set.
func (idx *Index) Insert(ctx context.Context, t tuple.Tuple) (bool, error) {
	const msg = "Index.Insert:"

	if err := t.Validate(idx.arity); err != nil {
		return false, fmt.Errorf("%s %v: %w", msg, t, err)
	}
	mapped, err := idx.mapping.Map(t)
	if err != nil {
		return false, fmt.Errorf("%s %w", msg, err)
	}
	k := tuple.EncodeKey(mapped)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.root == block.NoID {
		return false, fmt.Errorf("%s %w", msg, ErrNotReadable)
	}
	p, err := idx.leaf(ctx, idx.dir.floor(k).leaf)
	if err != nil {
		return false, fmt.Errorf("%s %w", msg, err)
	}
	pos, found := p.Find(k)
	if found && idx.dups == Set {
		return false, nil
	}
	if err := idx.writable(ctx, p); err != nil {
		return false, fmt.Errorf("%s %w", msg, err)
	}

	if found {
		if err := p.AddAt(pos, 1); err != nil {
			return false, fmt.Errorf("%s %w", msg, err)
		}
		idx.count++
		return true, nil
	}

	if p.IsFull() {
		if p, pos, err = idx.split(ctx, p, pos, k); err != nil {
			return false, fmt.Errorf("%s split: %w", msg, err)
		}
	}
	if err := p.InsertAt(pos, k); err != nil {
		return false, fmt.Errorf("%s %w", msg, err)
	}
	idx.count++
	return true, nil
}

// writable promotes a leaf still backed by a shared block
func (idx *Index) writable(ctx context.Context, p *page.TuplePage) error {
	if p.BackingBlock().Writable() {
		return nil
	}
	_, err := idx.owners.Promote(ctx, p.ID())
	return err
}

// split moves the upper half of the full leaf p into a new right sibling and
// returns the leaf and position where k goes. An append at the tail of the
// chain starts an empty leaf instead, so sorted loads fill leaves completely.
func (idx *Index) split(ctx context.Context, p *page.TuplePage, pos int, k tuple.Key) (*page.TuplePage, int, error) {
	b, err := idx.blocks.Allocate(ctx)
	if err != nil {
		return nil, 0, err
	}
	right, err := page.FormatTuplePage(b, idx.arity)
	if err != nil {
		return nil, 0, err
	}

	n := p.Count()
	var moved []page.Entry
	fence := k
	if pos < n || p.Next() != block.NoID {
		moved = p.Entries(n / 2)
		fence = moved[0].Key
	}

	if err := right.Append(moved...); err != nil {
		return nil, 0, err
	}
	if err := right.SetNext(p.Next()); err != nil {
		return nil, 0, err
	}
	if err := p.Truncate(n - len(moved)); err != nil {
		return nil, 0, err
	}
	if err := p.SetNext(right.ID()); err != nil {
		return nil, 0, err
	}
	if err := idx.adopt(right); err != nil {
		return nil, 0, err
	}
	idx.dir.put(fence, right.ID())

	idx.sugar.Debugw("split",
		"leaf", p.ID(),
		"right", right.ID(),
		"moved", len(moved),
	)

	if k.Compare(fence) == tuple.LessThan {
		return p, pos, nil
	}
	return right, right.LowerBound(k), nil
}

// Flush seals and writes every modified leaf
func (idx *Index) Flush(ctx context.Context) error {
	const msg = "Index.Flush:"

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.pagesMu.Lock()
	defer idx.pagesMu.Unlock()

	written := 0
	for id, p := range idx.pages {
		if !p.IsDirty() {
			continue
		}
		if err := p.Seal(); err != nil {
			return fmt.Errorf("%s leaf %d: %w", msg, id, err)
		}
		if err := idx.blocks.Write(ctx, p.BackingBlock()); err != nil {
			return fmt.Errorf("%s %w", msg, err)
		}
		p.ClearDirty()
		written++
	}

	idx.sugar.Debugw("flushed", "leaves", written)
	return nil
}

// Clear frees every leaf and starts over with an empty head.
// The root changes.
func (idx *Index) Clear(ctx context.Context) error {
	const msg = "Index.Clear:"

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.release(ctx); err != nil {
		return fmt.Errorf("%s %w", msg, err)
	}
	if err := idx.newHead(ctx); err != nil {
		return fmt.Errorf("%s %w", msg, err)
	}
	return nil
}

// Drop frees every leaf, the index is unusable afterwards
func (idx *Index) Drop(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.release(ctx); err != nil {
		return fmt.Errorf("Index.Drop: %w", err)
	}
	return nil
}

func (idx *Index) release(ctx context.Context) error {
	idx.pagesMu.Lock()
	defer idx.pagesMu.Unlock()

	it := idx.dir.iterator()
	for it.next() {
		id := it.node.leaf
		if err := idx.blocks.Free(ctx, id); err != nil && !errors.Is(err, block.ErrNotFound) {
			return err
		}
		idx.owners.Release(id)
		delete(idx.pages, id)
	}
	idx.dir.clear()
	idx.root = block.NoID
	idx.count = 0
	return nil
}

// Check walks the chain and verifies key order, fences and the tuple count
func (idx *Index) Check(ctx context.Context) error {
	const msg = "Index.Check:"

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var (
		prev  tuple.Key
		total int64
	)
	it := idx.dir.iterator()
	for it.next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := idx.leaf(ctx, it.node.leaf)
		if err != nil {
			return fmt.Errorf("%s %w", msg, err)
		}
		for _, e := range p.Entries(0) {
			if e.Key.Compare(it.node.fence) == tuple.LessThan {
				return fmt.Errorf("%s %w: key %v below fence of leaf %d", msg, ErrCorrupt, e.Key, p.ID())
			}
			if prev != nil && e.Key.Compare(prev) != tuple.MoreThan {
				return fmt.Errorf("%s %w: key %v after %v", msg, ErrCorrupt, e.Key, prev)
			}
			if e.Count == 0 || (idx.dups == Set && e.Count != 1) {
				return fmt.Errorf("%s %w: key %v stored %d times", msg, ErrCorrupt, e.Key, e.Count)
			}
			prev = e.Key
			total += int64(e.Count)
		}
	}
	if total != idx.count {
		return fmt.Errorf("%s %w: counted %d, recorded %d", msg, ErrCorrupt, total, idx.count)
	}
	return nil
}

// All full scan in index order
func (idx *Index) All(ctx context.Context) *Iterator {
	return &Iterator{idx: idx, ctx: ctx, next: block.NoID}
}

// Find scan of the tuples whose leading columns in index order equal prefix.
// An empty prefix is the full scan.
func (idx *Index) Find(ctx context.Context, prefix tuple.Tuple) *Iterator {
	it := &Iterator{idx: idx, ctx: ctx, next: block.NoID}
	if len(prefix) > idx.arity {
		it.err = fmt.Errorf("Index.Find: %w: %d > %d", ErrPrefix, len(prefix), idx.arity)
		it.done = true
		return it
	}
	if len(prefix) > 0 {
		it.prefix = tuple.EncodeKey(prefix)
	}
	return it
}

// String is Stringer implementation
func (idx *Index) String() string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return fmt.Sprintf("Index[%s %s count=%d leaves=%d root=%d]",
		idx.mapping.Descriptor(), idx.dups, idx.count, idx.dir.size, idx.root)
}

// Iterator lazy scan over the leaf chain. Each step copies one leaf under the
// read lock, inserts running concurrently with a scan may or may not be seen.
type Iterator struct {
	idx     *Index
	ctx     context.Context
	prefix  tuple.Key
	entries []page.Entry
	pos     int
	repeat  uint32
	next    block.ID
	started bool
	done    bool
	cur     tuple.Tuple
	err     error
}

// Next advances to the next tuple
func (it *Iterator) Next() bool {
	for !it.done {
		if it.repeat > 0 {
			it.repeat--
			return true
		}
		if it.pos < len(it.entries) {
			e := it.entries[it.pos]
			it.pos++
			if it.prefix != nil && !e.Key.HasPrefix(it.prefix) {
				it.done = true
				break
			}
			t, err := it.decode(e)
			if err != nil {
				it.err = err
				it.done = true
				break
			}
			it.cur = t
			it.repeat = e.Count - 1
			return true
		}
		if it.started && it.next == block.NoID {
			it.done = true
			break
		}
		if err := it.load(); err != nil {
			it.err = err
			it.done = true
		}
	}
	it.cur = nil
	return false
}

// load copies the first leaf or the following one
func (it *Iterator) load() error {
	if err := it.ctx.Err(); err != nil {
		return err
	}

	it.idx.mu.RLock()
	defer it.idx.mu.RUnlock()

	var id block.ID
	if !it.started {
		it.started = true
		if it.idx.root == block.NoID {
			return ErrNotReadable
		}
		id = it.idx.root
		if it.prefix != nil {
			id = it.idx.dir.floor(it.prefix).leaf
		}
	} else {
		id = it.next
	}

	p, err := it.idx.leaf(it.ctx, id)
	if err != nil {
		return err
	}
	from := 0
	if it.prefix != nil {
		from = p.LowerBound(it.prefix)
	}
	it.entries = p.Entries(from)
	it.pos = 0
	it.next = p.Next()
	return nil
}

func (it *Iterator) decode(e page.Entry) (tuple.Tuple, error) {
	if e.Count == 0 {
		return nil, fmt.Errorf("%w: key %v with no occurrences", ErrCorrupt, e.Key)
	}
	t, err := tuple.DecodeKey(e.Key, it.idx.arity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return it.idx.mapping.Unmap(t)
}

// Tuple current tuple in storage column order
func (it *Iterator) Tuple() tuple.Tuple {
	return it.cur
}

// Err first error met by the scan
func (it *Iterator) Err() error {
	return it.err
}
