package block

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRetryBase   = 10 * time.Millisecond
	defaultMaxRetries  = 3
	defaultMaxResident = 4096
)

// FileOption configures a FileManager
type FileOption func(*FileManager)

// WithRetry sets the Fibonacci backoff base and retry count for transient I/O errors
func WithRetry(base time.Duration, maxRetries uint64) FileOption {
	return func(fm *FileManager) {
		fm.retryBase = base
		fm.maxRetries = maxRetries
	}
}

// WithMaxResident caps the number of cached read-only block versions
func WithMaxResident(n int) FileOption {
	return func(fm *FileManager) {
		if n > 0 {
			fm.maxResident = n
		}
	}
}

// FileManager Manager over a storage file of fixed-size blocks.
// Block N lives at offset N*blockSize; block 0 is the metadata block.
type FileManager struct {
	mu        sync.RWMutex
	f         *os.File
	path      string
	blockSize int
	nblocks   int64
	freeList  []ID
	freed     map[ID]struct{}
	resident  map[ID]*Block
	closed    bool

	readSFG singleflight.Group

	retryBase   time.Duration
	maxRetries  uint64
	maxResident int

	sugar *zap.SugaredLogger
}

// OpenFile opens or creates the storage file. An existing file must be a whole
// number of blocks of blockSize.
func OpenFile(path string, blockSize int, logger *zap.Logger, opts ...FileOption) (*FileManager, error) {
	const msg = "OpenFile:"
	if blockSize < MinBlockSize {
		return nil, fmt.Errorf("%s %w: block size %d below %d", msg, ErrBadSize, blockSize, MinBlockSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%s %w", msg, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s %w", msg, err)
	}
	if info.Size()%int64(blockSize) != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%s %w: file size %d is not a multiple of %d", msg, ErrBadSize, info.Size(), blockSize)
	}

	fm := &FileManager{
		f:           f,
		path:        path,
		blockSize:   blockSize,
		nblocks:     info.Size() / int64(blockSize),
		freed:       make(map[ID]struct{}),
		resident:    make(map[ID]*Block),
		retryBase:   defaultRetryBase,
		maxRetries:  defaultMaxRetries,
		maxResident: defaultMaxResident,
		sugar:       logger.Sugar(),
	}
	for _, opt := range opts {
		opt(fm)
	}

	if fm.nblocks == 0 {
		if err := fm.writeAt(context.Background(), MetaID, make([]byte, blockSize)); err != nil {
			_ = f.Close()
			return nil, err
		}
		fm.nblocks = 1
	}

	fm.sugar.Infow("block file opened", "path", path, "blockSize", blockSize, "blocks", fm.nblocks)
	return fm, nil
}

func (fm *FileManager) BlockSize() int {
	return fm.blockSize
}

func (fm *FileManager) Path() string {
	return fm.path
}

// Allocate reuses a freed id or extends the file by one zeroed block
func (fm *FileManager) Allocate(ctx context.Context) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.closed {
		return nil, ErrClosed
	}

	if n := len(fm.freeList); n > 0 {
		id := fm.freeList[n-1]
		fm.freeList = fm.freeList[:n-1]
		delete(fm.freed, id)
		fm.sugar.Debugw("allocate", "id", id, "reused", true)
		return New(id, fm.blockSize), nil
	}

	id := ID(fm.nblocks)
	if err := fm.writeAt(ctx, id, make([]byte, fm.blockSize)); err != nil {
		return nil, err
	}
	fm.nblocks++
	fm.sugar.Debugw("allocate", "id", id)
	return New(id, fm.blockSize), nil
}

// Read returns the current read-only version. Concurrent reads of one block
// that is not resident share a single file read.
func (fm *FileManager) Read(ctx context.Context, id ID) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fm.mu.RLock()
	if fm.closed {
		fm.mu.RUnlock()
		return nil, ErrClosed
	}
	if b, ok := fm.resident[id]; ok {
		fm.mu.RUnlock()
		return b, nil
	}
	nblocks := fm.nblocks
	fm.mu.RUnlock()

	if id < 0 || int64(id) >= nblocks {
		return nil, &IOError{Op: "read", ID: id, Err: ErrNotFound}
	}

	res, err, shared := fm.readSFG.Do(strconv.FormatInt(int64(id), 10), func() (interface{}, error) {
		buf := make([]byte, fm.blockSize)
		if err := fm.readAt(ctx, id, buf); err != nil {
			return nil, err
		}
		b := &Block{id: id, data: buf}

		fm.mu.Lock()
		defer fm.mu.Unlock()
		if cur, ok := fm.resident[id]; ok {
			return cur, nil
		}
		fm.makeRoom()
		fm.resident[id] = b
		return b, nil
	})
	if err != nil {
		fm.sugar.Errorw("read", "id", id, "err", err, "shared", shared)
		return nil, err
	}
	return res.(*Block), nil
}

func (fm *FileManager) Write(ctx context.Context, b *Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkSize(b, fm.blockSize); err != nil {
		return err
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.closed {
		return ErrClosed
	}
	if b.id < 0 || int64(b.id) >= fm.nblocks {
		return &IOError{Op: "write", ID: b.id, Err: ErrNotFound}
	}

	if err := fm.writeAt(ctx, b.id, b.data); err != nil {
		fm.sugar.Errorw("write", "id", b.id, "err", err)
		return err
	}
	if _, ok := fm.resident[b.id]; ok || len(fm.resident) < fm.maxResident {
		fm.resident[b.id] = b.clone(false)
	}
	return nil
}

func (fm *FileManager) Promote(ctx context.Context, b *Block) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkSize(b, fm.blockSize); err != nil {
		return nil, err
	}
	fm.sugar.Debugw("promote", "id", b.id)
	return b.clone(true), nil
}

// Free the id is reused by a later Allocate. The free list is not persisted.
func (fm *FileManager) Free(ctx context.Context, id ID) error {
	if id == MetaID {
		return ErrReservedID
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.closed {
		return ErrClosed
	}
	if id < 0 || int64(id) >= fm.nblocks {
		return &IOError{Op: "free", ID: id, Err: ErrNotFound}
	}
	if _, ok := fm.freed[id]; ok {
		return &IOError{Op: "free", ID: id, Err: ErrNotFound}
	}

	delete(fm.resident, id)
	fm.freed[id] = struct{}{}
	fm.freeList = append(fm.freeList, id)
	return nil
}

// NumBlocks blocks in the file including freed ones
func (fm *FileManager) NumBlocks() int64 {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.nblocks
}

func (fm *FileManager) Sync(ctx context.Context) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.closed {
		return ErrClosed
	}
	return fm.do(ctx, "sync", NoID, fm.f.Sync)
}

func (fm *FileManager) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.closed {
		return nil
	}
	fm.closed = true
	fm.resident = nil
	fm.sugar.Infow("block file closed", "path", fm.path, "blocks", fm.nblocks)
	return fm.f.Close()
}

// makeRoom drops arbitrary resident versions, holders keep their copies
func (fm *FileManager) makeRoom() {
	for id := range fm.resident {
		if len(fm.resident) < fm.maxResident {
			return
		}
		delete(fm.resident, id)
	}
}

func (fm *FileManager) readAt(ctx context.Context, id ID, buf []byte) error {
	return fm.do(ctx, "read", id, func() error {
		_, err := fm.f.ReadAt(buf, int64(id)*int64(fm.blockSize))
		return err
	})
}

func (fm *FileManager) writeAt(ctx context.Context, id ID, buf []byte) error {
	return fm.do(ctx, "write", id, func() error {
		_, err := fm.f.WriteAt(buf, int64(id)*int64(fm.blockSize))
		return err
	})
}

// do runs op with Fibonacci backoff for transient errors
func (fm *FileManager) do(ctx context.Context, op string, id ID, fn func() error) error {
	b := retry.WithMaxRetries(fm.maxRetries, retry.NewFibonacci(fm.retryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn()
		if shouldRetry(err) {
			fm.sugar.Warnw("transient block I/O error", "op", op, "id", id, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return &IOError{Op: op, ID: id, Err: err}
	}
	return nil
}

// shouldRetry false for nil and for errors that will not go away on their own
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, os.ErrPermission),
		errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EBADF),
		errors.Is(err, syscall.EINVAL):
		return false
	}
	return true
}
