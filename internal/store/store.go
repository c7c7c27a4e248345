// Package store a tuple store: one block manager, its metadata block and a
// family of indexes kept equal by bulk loading.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/quadstash/internal/block"
	"github.com/S0me0neR0man/quadstash/internal/index"
	"github.com/S0me0neR0man/quadstash/internal/loader"
	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

var (
	ErrNoIndex   = errors.New("no such index")
	ErrNotEmpty  = errors.New("block manager already holds data")
	ErrNotReady  = errors.New("index not ready")
	ErrIsPrimary = errors.New("primary index cannot be rebuilt")
)

// Options of a new store
type Options struct {
	Arity int
	// Indexes descriptors, the first one is the primary
	Indexes    []string
	Duplicates index.Duplicates
	// BlockSize for OpenFile on a new file
	BlockSize int
}

// DefaultIndexes descriptors for the given arity
func DefaultIndexes(arity int) []string {
	switch arity {
	case 3:
		return []string{"SPO", "POS", "OSP"}
	case 4:
		return []string{"GSPO", "GPOS", "GOSP", "SPOG", "POSG", "OSPG"}
	}
	return nil
}

// Store tuple store over one block manager
type Store struct {
	mu      sync.Mutex
	mgr     block.Manager
	owners  *block.OwnerTable
	meta    Meta
	indexes []*index.Index
	last    *loader.BulkLoader

	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// Create initializes a store on an empty manager
func Create(ctx context.Context, mgr block.Manager, opts Options, logger *zap.Logger) (*Store, error) {
	const msg = "store.Create:"

	if mgr.NumBlocks() > 1 {
		return nil, fmt.Errorf("%s %w", msg, ErrNotEmpty)
	}
	if len(opts.Indexes) == 0 {
		opts.Indexes = DefaultIndexes(opts.Arity)
	}
	if len(opts.Indexes) == 0 {
		return nil, fmt.Errorf("%s no indexes for arity %d", msg, opts.Arity)
	}

	s := newStore(mgr, logger)
	s.meta = Meta{
		ID:         uuid.New(),
		BlockSize:  mgr.BlockSize(),
		Arity:      opts.Arity,
		Duplicates: opts.Duplicates,
		Created:    time.Now(),
	}

	for i, desc := range opts.Indexes {
		m, err := tuple.ParseMapping(desc, opts.Arity)
		if err != nil {
			return nil, fmt.Errorf("%s %w", msg, err)
		}
		for _, idx := range s.indexes {
			if idx.Mapping().Equal(m) {
				return nil, fmt.Errorf("%s %w: %s and %s are the same ordering",
					msg, tuple.ErrBadDescriptor, idx.Mapping().Descriptor(), desc)
			}
		}
		idx, err := index.Create(ctx, mgr, s.owners, index.Options{Mapping: m, Duplicates: opts.Duplicates}, logger)
		if err != nil {
			return nil, fmt.Errorf("%s %w", msg, err)
		}
		if err := idx.Flush(ctx); err != nil {
			return nil, fmt.Errorf("%s %w", msg, err)
		}
		s.indexes = append(s.indexes, idx)
		s.meta.Indexes = append(s.meta.Indexes, IndexMeta{
			Descriptor: desc,
			Root:       idx.Root(),
			Primary:    i == 0,
			State:      Ready,
		})
	}

	if err := s.writeMeta(ctx); err != nil {
		return nil, fmt.Errorf("%s %w", msg, err)
	}

	s.sugar.Infow("store created",
		"id", s.meta.ID.String(),
		"arity", s.meta.Arity,
		"indexes", opts.Indexes,
		"duplicates", s.meta.Duplicates.String(),
	)
	return s, nil
}

// Open loads the metadata block and recovers every ready index from its
// root. An invalid index comes back empty and stays invalid until rebuilt.
func Open(ctx context.Context, mgr block.Manager, logger *zap.Logger) (*Store, error) {
	const msg = "store.Open:"

	b, err := mgr.Read(ctx, block.MetaID)
	if err != nil {
		return nil, fmt.Errorf("%s %w", msg, err)
	}
	meta, err := decodeMeta(b.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%s %w", msg, err)
	}
	if len(meta.Indexes) == 0 || !meta.Indexes[0].Primary {
		return nil, fmt.Errorf("%s %w: no primary index", msg, ErrMetaCorrupt)
	}

	s := newStore(mgr, logger)
	s.meta = *meta
	for i, im := range meta.Indexes {
		m, err := tuple.ParseMapping(im.Descriptor, meta.Arity)
		if err != nil {
			return nil, fmt.Errorf("%s %w", msg, err)
		}
		opts := index.Options{Mapping: m, Duplicates: meta.Duplicates}

		var idx *index.Index
		if im.State == Ready {
			idx, err = index.Open(ctx, mgr, s.owners, im.Root, opts, logger)
			if err == nil && idx.Count() != im.Count {
				err = fmt.Errorf("%w: %s holds %d, metadata says %d", index.ErrCorrupt, im.Descriptor, idx.Count(), im.Count)
			}
		} else {
			idx, err = index.Create(ctx, mgr, s.owners, opts, logger)
			if err == nil {
				s.meta.Indexes[i].Root = idx.Root()
				s.meta.Indexes[i].Count = 0
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%s %w", msg, err)
		}
		s.indexes = append(s.indexes, idx)
	}

	s.sugar.Infow("store opened",
		"id", s.meta.ID.String(),
		"arity", s.meta.Arity,
		"blocks", mgr.NumBlocks(),
	)
	return s, nil
}

// OpenFile opens the store file at path, creating it with opts when it is
// new. The block size of an existing file comes from its metadata.
func OpenFile(ctx context.Context, path string, opts Options, logger *zap.Logger, fileOpts ...block.FileOption) (*Store, error) {
	size, err := ReadBlockSize(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if size == 0 {
		size = opts.BlockSize
	}

	fm, err := block.OpenFile(path, size, logger, fileOpts...)
	if err != nil {
		return nil, err
	}

	s, err := Open(ctx, fm, logger)
	if errors.Is(err, ErrNotStore) && fm.NumBlocks() <= 1 {
		s, err = Create(ctx, fm, opts, logger)
	}
	if err != nil {
		_ = fm.Close()
		return nil, err
	}
	return s, nil
}

func newStore(mgr block.Manager, logger *zap.Logger) *Store {
	return &Store{
		mgr:    mgr,
		owners: block.NewOwnerTable(mgr),
		logger: logger,
		sugar:  logger.Sugar(),
	}
}

func (s *Store) writeMeta(ctx context.Context) error {
	for i, idx := range s.indexes {
		s.meta.Indexes[i].Root = idx.Root()
		s.meta.Indexes[i].Count = idx.Count()
	}
	buf, err := s.meta.encode(s.mgr.BlockSize())
	if err != nil {
		return err
	}

	cur, err := s.mgr.Read(ctx, block.MetaID)
	if err != nil {
		return err
	}
	b, err := s.mgr.Promote(ctx, cur)
	if err != nil {
		return err
	}
	copy(b.Bytes(), buf)
	if err := s.mgr.Write(ctx, b); err != nil {
		return err
	}
	return s.mgr.Sync(ctx)
}

// Meta copy of the current metadata
func (s *Store) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.meta
	m.Indexes = append([]IndexMeta(nil), s.meta.Indexes...)
	return m
}

func (s *Store) Arity() int {
	return s.meta.Arity
}

// Primary the authoritative index
func (s *Store) Primary() *index.Index {
	return s.indexes[0]
}

// Indexes all indexes, primary first
func (s *Store) Indexes() []*index.Index {
	return append([]*index.Index(nil), s.indexes...)
}

// Index by descriptor in any spelling of the same ordering
func (s *Store) Index(desc string) (*index.Index, error) {
	i, err := s.position(desc)
	if err != nil {
		return nil, err
	}
	return s.indexes[i], nil
}

// State of the index with the given descriptor
func (s *Store) State(desc string) (IndexState, error) {
	i, err := s.position(desc)
	if err != nil {
		return Invalid, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Indexes[i].State, nil
}

func (s *Store) position(desc string) (int, error) {
	m, err := tuple.ParseMapping(desc, s.meta.Arity)
	if err != nil {
		return 0, err
	}
	for i, idx := range s.indexes {
		if idx.Mapping().Equal(m) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNoIndex, desc)
}

// BulkLoad adds the tuples of src to the primary and rebuilds every secondary
// from it. The primary is loaded into a staging copy; the metadata switches
// to it only once that phase succeeded, so a failed primary load leaves every
// index as it was. Secondaries are marked invalid while they are rebuilt and
// are ready afterwards exactly when their phase succeeded.
func (s *Store) BulkLoad(ctx context.Context, src loader.Producer, cfg loader.Config) (*loader.Result, error) {
	const msg = "Store.BulkLoad:"

	s.mu.Lock()
	defer s.mu.Unlock()

	staging, err := s.stage(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s %w", msg, err)
	}

	swapped := false
	cfg.AfterPrimary = func(ctx context.Context) error {
		if err := s.promote(ctx, staging); err != nil {
			return err
		}
		swapped = true
		return nil
	}

	l, err := loader.NewBulkLoader(staging, s.indexes[1:], cfg, s.logger)
	if err != nil {
		s.discard(ctx, staging)
		return nil, fmt.Errorf("%s %w", msg, err)
	}
	s.meta.LastRun = cfg.Monitor.Run()

	res, runErr := l.Run(ctx, src)
	if !swapped {
		s.discard(ctx, staging)
		s.last = nil
		return res, runErr
	}
	s.last = l

	for i, pr := range res.Secondaries {
		s.meta.Indexes[i+1].State = stateOf(pr)
	}
	// metadata goes out even after a cancelled run
	if err := s.writeMeta(context.WithoutCancel(ctx)); err != nil {
		return res, fmt.Errorf("%s %w", msg, err)
	}
	return res, runErr
}

// stage copies the primary into a new index that takes the load
func (s *Store) stage(ctx context.Context) (*index.Index, error) {
	primary := s.indexes[0]
	staging, err := index.Create(ctx, s.mgr, s.owners, index.Options{
		Mapping:    primary.Mapping(),
		Duplicates: primary.Duplicates(),
	}, s.logger)
	if err != nil {
		return nil, err
	}
	if _, err := loader.CopyIndex(ctx, primary, staging, nil); err != nil {
		s.discard(ctx, staging)
		return nil, err
	}
	return staging, nil
}

// promote makes the loaded staging index the primary. Secondaries become
// invalid until rebuilt from it. The replaced primary is freed once the
// metadata no longer points at it.
func (s *Store) promote(ctx context.Context, staging *index.Index) error {
	prev := s.indexes[0]
	states := make([]IndexState, len(s.meta.Indexes))
	for i := range s.meta.Indexes {
		states[i] = s.meta.Indexes[i].State
	}

	s.indexes[0] = staging
	s.meta.Indexes[0].State = Ready
	for i := 1; i < len(s.meta.Indexes); i++ {
		s.meta.Indexes[i].State = Invalid
	}
	if err := s.writeMeta(ctx); err != nil {
		s.indexes[0] = prev
		for i := range states {
			s.meta.Indexes[i].State = states[i]
		}
		return err
	}

	s.discard(ctx, prev)
	return nil
}

func (s *Store) discard(ctx context.Context, idx *index.Index) {
	if err := idx.Drop(context.WithoutCancel(ctx)); err != nil {
		s.sugar.Warnw("index blocks not freed", "index", idx.Mapping().Descriptor(), "error", err)
	}
}

func stateOf(r loader.PhaseResult) IndexState {
	if r.OK() {
		return Ready
	}
	return Invalid
}

// RebuildIndex rebuilds one secondary index from the primary
func (s *Store) RebuildIndex(ctx context.Context, desc string) error {
	const msg = "Store.RebuildIndex:"

	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.position(desc)
	if err != nil {
		return fmt.Errorf("%s %w", msg, err)
	}
	if i == 0 {
		return fmt.Errorf("%s %w", msg, ErrIsPrimary)
	}
	if s.meta.Indexes[0].State != Ready {
		return fmt.Errorf("%s primary: %w", msg, ErrNotReady)
	}

	target := s.indexes[i]
	if s.last != nil {
		_, err = s.last.Rebuild(ctx, target.Mapping().Descriptor())
	} else {
		_, err = loader.CopyIndex(ctx, s.indexes[0], target, nil)
	}
	if err != nil {
		s.meta.Indexes[i].State = Invalid
		_ = s.writeMeta(context.WithoutCancel(ctx))
		return fmt.Errorf("%s %w", msg, err)
	}

	s.meta.Indexes[i].State = Ready
	if err := s.writeMeta(ctx); err != nil {
		return fmt.Errorf("%s %w", msg, err)
	}
	s.sugar.Infow("index rebuilt", "index", desc, "count", target.Count())
	return nil
}

// Insert adds one tuple to every index. Suited to small updates; bulk data
// goes through BulkLoad. It reports whether the primary took the tuple. A
// secondary that fails to take it is marked invalid and must be rebuilt.
func (s *Store) Insert(ctx context.Context, t tuple.Tuple) (bool, error) {
	const msg = "Store.Insert:"

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, im := range s.meta.Indexes {
		if im.State != Ready {
			return false, fmt.Errorf("%s %s: %w", msg, im.Descriptor, ErrNotReady)
		}
	}
	ok, err := s.indexes[0].Insert(ctx, t)
	if err != nil || !ok {
		return ok, err
	}

	var failed error
	for i, idx := range s.indexes[1:] {
		desc := idx.Mapping().Descriptor()
		added, err := idx.Insert(ctx, t)
		if err == nil && !added {
			err = fmt.Errorf("%w: %v already in %s", loader.ErrConsistency, t, desc)
		}
		if err != nil {
			s.meta.Indexes[i+1].State = Invalid
			s.sugar.Errorw("index invalid after failed insert", "index", desc, "error", err)
			failed = multierr.Append(failed, fmt.Errorf("%s %s: %w", msg, desc, err))
		}
	}
	if failed != nil {
		if err := s.writeMeta(context.WithoutCancel(ctx)); err != nil {
			failed = multierr.Append(failed, fmt.Errorf("%s %w", msg, err))
		}
		return true, failed
	}
	return true, nil
}

// Flush writes every index and the metadata
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush(ctx)
}

func (s *Store) flush(ctx context.Context) error {
	for _, idx := range s.indexes {
		if err := idx.Flush(ctx); err != nil {
			return err
		}
	}
	return s.writeMeta(ctx)
}

// Close flushes and closes the block manager
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.flush(ctx)
	if cerr := s.mgr.Close(); err == nil {
		err = cerr
	}
	s.sugar.Infow("store closed", "id", s.meta.ID.String())
	return err
}

// String is Stringer implementation
func (s *Store) String() string {
	return fmt.Sprintf("Store[%s arity=%d indexes=%d]", s.meta.ID, s.meta.Arity, len(s.indexes))
}
