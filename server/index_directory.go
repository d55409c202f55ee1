// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/blugelabs/bluge/index"
	segment "github.com/blugelabs/bluge_segment_api"
	"github.com/heroiclabs/nakama-index/internal/heapdir"
	"go.uber.org/zap"
)

const (
	DirectoryLocalFilesystem = "local-filesystem"
	DirectoryLocalHeap       = "local-heap"
)

// LockRetryPolicy bounds how long a caller waits for a directory lock held
// by another writer, possibly in another process.
type LockRetryPolicy struct {
	Attempts int
	Interval time.Duration
}

func DefaultLockRetryPolicy() LockRetryPolicy {
	return LockRetryPolicy{Attempts: 10, Interval: 100 * time.Millisecond}
}

// StorageDirectory is the bluge index.Directory handed to writers and
// readers of one index partition. The write lock can be acquired ahead of
// bluge.OpenWriter, in which case the Lock call bluge makes succeeds without
// touching the underlying directory again.
type StorageDirectory struct {
	inner index.Directory

	mu     sync.Mutex
	locked bool
}

func NewStorageDirectory(inner index.Directory) *StorageDirectory {
	return &StorageDirectory{inner: inner}
}

func (d *StorageDirectory) Setup(readOnly bool) error {
	return d.inner.Setup(readOnly)
}

func (d *StorageDirectory) List(kind string) ([]uint64, error) {
	return d.inner.List(kind)
}

func (d *StorageDirectory) Load(kind string, id uint64) (*segment.Data, io.Closer, error) {
	return d.inner.Load(kind, id)
}

func (d *StorageDirectory) Persist(kind string, id uint64, w index.WriterTo, closeCh chan struct{}) error {
	return d.inner.Persist(kind, id, w, closeCh)
}

func (d *StorageDirectory) Remove(kind string, id uint64) error {
	return d.inner.Remove(kind, id)
}

func (d *StorageDirectory) Stats() (uint64, uint64) {
	return d.inner.Stats()
}

func (d *StorageDirectory) Sync() error {
	return d.inner.Sync()
}

func (d *StorageDirectory) Lock() error {
	return d.TryLock()
}

// TryLock acquires the write lock once, without waiting. A lock held by
// another writer is reported as ErrDirectoryLocked, any other failure is
// returned unchanged.
func (d *StorageDirectory) TryLock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return nil
	}
	if err := d.inner.Lock(); err != nil {
		if isLockContention(err) {
			return fmt.Errorf("%w: %v", ErrDirectoryLocked, err)
		}
		return err
	}
	d.locked = true
	return nil
}

// isLockContention reports whether a directory Lock failure means another
// writer holds the lock. The filesystem directory takes a non-blocking flock.
func isLockContention(err error) bool {
	return errors.Is(err, heapdir.ErrLocked) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EAGAIN)
}

// LockWithRetry calls TryLock until it succeeds, the policy is exhausted or
// ctx is done. Failures other than contention end it immediately. It returns
// the number of attempts made.
func (d *StorageDirectory) LockWithRetry(ctx context.Context, policy LockRetryPolicy) (int, error) {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; ; i++ {
		err := d.TryLock()
		if err == nil {
			return i, nil
		}
		if !errors.Is(err, ErrDirectoryLocked) || i == attempts {
			return i, err
		}
		timer := time.NewTimer(policy.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return i, ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *StorageDirectory) Unlock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.locked {
		return nil
	}
	d.locked = false
	return d.inner.Unlock()
}

func (d *StorageDirectory) IsLocked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

// IndexExists reports whether at least one index snapshot has been persisted.
func (d *StorageDirectory) IndexExists() (bool, error) {
	ids, err := d.inner.List(index.ItemKindSnapshot)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

func (d *StorageDirectory) SizeInBytes() uint64 {
	_, numBytes := d.inner.Stats()
	return numBytes
}

// DirectoryHolder owns the storage location of one index partition.
type DirectoryHolder interface {
	// Start opens the storage. It is a no-op once started.
	Start() error
	// Get returns the storage directory, or nil before Start.
	Get() *StorageDirectory
	// Close releases the storage. It is safe to call repeatedly, and on a
	// holder that was never started.
	Close() error
}

type DirectoryProvider interface {
	CreateDirectoryHolder(ctx EventContext) (DirectoryHolder, error)
}

func NewDirectoryProvider(logger *zap.Logger, config *SearchConfig) (DirectoryProvider, error) {
	switch config.Directory {
	case DirectoryLocalFilesystem:
		return NewFileSystemDirectoryProvider(logger, config.Root), nil
	case DirectoryLocalHeap:
		return NewHeapDirectoryProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown directory type %q", config.Directory)
	}
}

// locationClaims tracks the storage locations with a started holder.
type locationClaims struct {
	sync.Mutex
	open map[string]struct{}
}

func (c *locationClaims) claim(location string) bool {
	c.Lock()
	defer c.Unlock()
	if _, found := c.open[location]; found {
		return false
	}
	c.open[location] = struct{}{}
	return true
}

func (c *locationClaims) release(location string) {
	c.Lock()
	delete(c.open, location)
	c.Unlock()
}

type localDirectoryHolder struct {
	logger   *zap.Logger
	ctx      EventContext
	location string
	claims   *locationClaims
	open     func() index.Directory

	mu      sync.Mutex
	dir     *StorageDirectory
	started bool
	closed  bool
}

func (h *localDirectoryHolder) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &IndexInitializationError{Context: h.ctx, Err: fmt.Errorf("storage location %q was closed", h.location)}
	}
	if h.started {
		return nil
	}

	if !h.claims.claim(h.location) {
		return &IndexInitializationError{Context: h.ctx, Err: fmt.Errorf("storage location %q is already open", h.location)}
	}

	dir := NewStorageDirectory(h.open())
	if err := dir.Setup(false); err != nil {
		h.claims.release(h.location)
		return &IndexInitializationError{Context: h.ctx, Err: err}
	}

	h.dir = dir
	h.started = true
	h.logger.Debug("Opened index storage", zap.String("location", h.location))
	return nil
}

func (h *localDirectoryHolder) Get() *StorageDirectory {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return nil
	}
	return h.dir
}

func (h *localDirectoryHolder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if !h.started {
		return nil
	}
	h.started = false

	err := h.dir.Unlock()
	h.claims.release(h.location)
	h.logger.Debug("Closed index storage", zap.String("location", h.location))
	return err
}

type FileSystemDirectoryProvider struct {
	logger *zap.Logger
	root   string
	claims *locationClaims
}

func NewFileSystemDirectoryProvider(logger *zap.Logger, root string) *FileSystemDirectoryProvider {
	return &FileSystemDirectoryProvider{
		logger: logger,
		root:   root,
		claims: &locationClaims{open: make(map[string]struct{})},
	}
}

func (p *FileSystemDirectoryProvider) CreateDirectoryHolder(ctx EventContext) (DirectoryHolder, error) {
	if ctx.IndexName == "" {
		return nil, fmt.Errorf("index name is required")
	}
	path := filepath.Join(p.root, ctx.IndexName)
	if ctx.ShardID != "" {
		path = filepath.Join(path, "shard-"+ctx.ShardID)
	}
	return &localDirectoryHolder{
		logger:   p.logger.With(zap.String("index", ctx.IndexName), zap.String("shard", ctx.ShardID)),
		ctx:      ctx,
		location: path,
		claims:   p.claims,
		open: func() index.Directory {
			return index.NewFileSystemDirectory(path)
		},
	}, nil
}

// HeapDirectoryProvider keeps every index in memory. Content survives a
// holder being closed and reopened for as long as the provider itself lives.
type HeapDirectoryProvider struct {
	logger *zap.Logger
	claims *locationClaims

	mu          sync.Mutex
	directories map[string]*heapdir.Directory
}

func NewHeapDirectoryProvider(logger *zap.Logger) *HeapDirectoryProvider {
	return &HeapDirectoryProvider{
		logger:      logger,
		claims:      &locationClaims{open: make(map[string]struct{})},
		directories: make(map[string]*heapdir.Directory),
	}
}

func (p *HeapDirectoryProvider) CreateDirectoryHolder(ctx EventContext) (DirectoryHolder, error) {
	if ctx.IndexName == "" {
		return nil, fmt.Errorf("index name is required")
	}
	location := ctx.IndexName
	if ctx.ShardID != "" {
		location += "/shard-" + ctx.ShardID
	}
	return &localDirectoryHolder{
		logger:   p.logger.With(zap.String("index", ctx.IndexName), zap.String("shard", ctx.ShardID)),
		ctx:      ctx,
		location: location,
		claims:   p.claims,
		open: func() index.Directory {
			p.mu.Lock()
			defer p.mu.Unlock()
			dir, found := p.directories[location]
			if !found {
				dir = heapdir.New()
				p.directories[location] = dir
			}
			return dir
		},
	}, nil
}
