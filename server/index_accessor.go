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
	"sync"

	"go.uber.org/zap"
)

type accessorState int

const (
	accessorUnstarted accessorState = iota
	accessorStarted
	accessorFailed
	accessorClosed
)

// IndexAccessor owns the storage, writer and readers of one index partition.
type IndexAccessor struct {
	logger  *zap.Logger
	ctx     EventContext
	holder  DirectoryHolder
	writers *IndexWriterProvider
	readers ReaderProvider

	// Held shared by operations, exclusively by state transitions.
	mu    sync.RWMutex
	state accessorState
}

func newIndexAccessor(logger *zap.Logger, ctx EventContext, holder DirectoryHolder, writers *IndexWriterProvider, readers ReaderProvider) *IndexAccessor {
	return &IndexAccessor{
		logger:  logger,
		ctx:     ctx,
		holder:  holder,
		writers: writers,
		readers: readers,
	}
}

func (a *IndexAccessor) Context() EventContext {
	return a.ctx
}

// Start opens the storage. It may only be called once.
func (a *IndexAccessor) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case accessorClosed:
		return ErrIndexAccessorClosed
	case accessorStarted, accessorFailed:
		return ErrIndexAlreadyStarted
	}

	if err := a.holder.Start(); err != nil {
		a.state = accessorFailed
		var initErr *IndexInitializationError
		if !errors.As(err, &initErr) {
			err = &IndexInitializationError{Context: a.ctx, Err: err}
		}
		return withSuppressed(err, a.holder.Close())
	}
	a.state = accessorStarted
	a.logger.Debug("Started index accessor")
	return nil
}

// checkStarted must be called with mu held.
func (a *IndexAccessor) checkStarted() error {
	switch a.state {
	case accessorStarted:
		return nil
	case accessorClosed:
		return ErrIndexAccessorClosed
	default:
		return ErrIndexNotStarted
	}
}

// EnsureIndexExists creates an empty index if storage holds none.
func (a *IndexAccessor) EnsureIndexExists(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkStarted(); err != nil {
		return err
	}
	if err := a.writers.EnsureIndexExists(ctx); err != nil {
		return &IndexInitializationError{Context: a.ctx, Err: err}
	}
	return nil
}

// Reset drops the current reader and writer, committing outstanding work.
// Both are recreated on next use.
func (a *IndexAccessor) Reset() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkStarted(); err != nil {
		return err
	}
	c := &closer{}
	c.close(a.readers.Clear)
	c.close(a.writers.Clear)
	return c.Err()
}

// Commit makes every mutation applied so far durable. Without a writer there
// is nothing to commit.
func (a *IndexAccessor) Commit() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkStarted(); err != nil {
		return err
	}
	delegator := a.writers.GetOrNil()
	if delegator == nil {
		return nil
	}
	if err := delegator.Commit(); err != nil {
		return &IndexCommitError{Context: a.ctx, Err: err}
	}
	return nil
}

// CommitOrDelay commits according to the commit interval.
func (a *IndexAccessor) CommitOrDelay() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkStarted(); err != nil {
		return err
	}
	delegator := a.writers.GetOrNil()
	if delegator == nil {
		return nil
	}
	if err := delegator.CommitOrDelay(); err != nil {
		return &IndexCommitError{Context: a.ctx, Err: err}
	}
	return nil
}

// Refresh makes every mutation applied so far visible to new readers.
func (a *IndexAccessor) Refresh() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkStarted(); err != nil {
		return err
	}
	if err := a.readers.Refresh(); err != nil {
		return &IndexRefreshError{Context: a.ctx, Err: err}
	}
	return nil
}

func (a *IndexAccessor) GetIndexWriterDelegator() (*IndexWriterDelegator, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkStarted(); err != nil {
		return nil, err
	}
	return a.writers.GetOrCreate()
}

// GetIndexReader returns a reader the caller must Close.
func (a *IndexAccessor) GetIndexReader() (*IndexReader, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkStarted(); err != nil {
		return nil, err
	}
	return a.readers.GetOrCreate()
}

func (a *IndexAccessor) ComputeSizeInBytes() (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkStarted(); err != nil {
		return 0, err
	}
	dir := a.holder.Get()
	if dir == nil {
		return 0, ErrIndexNotStarted
	}
	return dir.SizeInBytes(), nil
}

// Close releases the reader, the writer and the storage, in that order.
// Closing twice is a no-op.
func (a *IndexAccessor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == accessorClosed {
		return nil
	}
	a.state = accessorClosed

	c := &closer{}
	c.close(a.readers.Clear)
	c.close(a.writers.Close)
	c.close(a.holder.Close)
	if err := c.Err(); err != nil {
		a.logger.Error("Error closing index accessor", zap.Error(err))
		return err
	}
	a.logger.Debug("Closed index accessor")
	return nil
}
