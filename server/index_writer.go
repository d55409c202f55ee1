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
	"sync"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/blugelabs/bluge/index"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	errIndexWriterClosed = errors.New("index writer is closed")
	errNilDocument       = errors.New("document is nil")
)

type DocumentOperationKind int

const (
	DocumentAdd DocumentOperationKind = iota
	DocumentUpdate
	DocumentDelete
)

func (k DocumentOperationKind) String() string {
	switch k {
	case DocumentAdd:
		return "add"
	case DocumentUpdate:
		return "update"
	case DocumentDelete:
		return "delete"
	default:
		return fmt.Sprintf("operation(%d)", int(k))
	}
}

// DocumentOperation is one mutation of a work set applied with
// IndexWriterDelegator.Apply. Document is ignored for deletes.
type DocumentOperation struct {
	Kind     DocumentOperationKind
	Ref      DocumentRef
	Document *bluge.Document
}

// persistFailures latches the background persistence failures of a writer
// until a later persist succeeds.
type persistFailures struct {
	mu     sync.Mutex
	err    error
	failed chan struct{}
}

func newPersistFailures() *persistFailures {
	return &persistFailures{failed: make(chan struct{})}
}

func (f *persistFailures) record(err error) {
	if err == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		close(f.failed)
	}
	f.err = err
}

func (f *persistFailures) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		f.err = nil
		f.failed = make(chan struct{})
	}
}

// signal returns a channel that is closed while a failure is latched.
func (f *persistFailures) signal() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func (f *persistFailures) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// IndexWriterDelegator is the only path to the index writer of a partition.
// Mutations are applied to the writer's in-memory state immediately and
// become durable on Commit.
type IndexWriterDelegator struct {
	logger         *zap.Logger
	metrics        Metrics
	ctx            EventContext
	writer         *index.Writer
	search         bluge.Config
	directory      *StorageDirectory
	timing         TimingSource
	commitInterval time.Duration

	// Held shared by mutations, exclusively by close.
	opsMu  sync.RWMutex
	closed bool

	pendingMu   sync.Mutex
	pending     []chan error
	uncommitted int64
	failures    *persistFailures

	updateGeneration *atomic.Uint64
	deleteGeneration *atomic.Uint64

	commitMu    sync.Mutex
	lastCommit  *atomic.Int64
	commitCount *atomic.Uint64

	delayedMu sync.Mutex
	delayed   TimingTask
}

func newIndexWriterDelegator(logger *zap.Logger, metrics Metrics, ctx EventContext, writer *index.Writer, search bluge.Config, directory *StorageDirectory, timing TimingSource, commitInterval time.Duration, failures *persistFailures) *IndexWriterDelegator {
	return &IndexWriterDelegator{
		logger:           logger,
		metrics:          metrics,
		ctx:              ctx,
		writer:           writer,
		search:           search,
		directory:        directory,
		timing:           timing,
		commitInterval:   commitInterval,
		failures:         failures,
		updateGeneration: atomic.NewUint64(0),
		deleteGeneration: atomic.NewUint64(0),
		// A writer that never committed is due right away.
		lastCommit:       atomic.NewInt64(timing.MonotonicTimeEstimate() - commitInterval.Milliseconds()),
		commitCount:      atomic.NewUint64(0),
	}
}

func (w *IndexWriterDelegator) Add(ref DocumentRef, doc *bluge.Document) error {
	if doc == nil {
		return &IndexingOperationError{Context: w.ctx, Operation: DocumentAdd.String(), EntityType: ref.EntityType, EntityID: ref.ID, Err: errNilDocument}
	}
	batch := index.NewBatch()
	batch.Insert(doc)
	return w.apply(batch, DocumentAdd.String(), ref, 1, 0)
}

func (w *IndexWriterDelegator) Update(ref DocumentRef, doc *bluge.Document) error {
	if doc == nil {
		return &IndexingOperationError{Context: w.ctx, Operation: DocumentUpdate.String(), EntityType: ref.EntityType, EntityID: ref.ID, Err: errNilDocument}
	}
	batch := index.NewBatch()
	batch.Update(ref.Identifier(), doc)
	return w.apply(batch, DocumentUpdate.String(), ref, 1, 1)
}

func (w *IndexWriterDelegator) Delete(ref DocumentRef) error {
	batch := index.NewBatch()
	batch.Delete(ref.Identifier())
	return w.apply(batch, DocumentDelete.String(), ref, 0, 1)
}

// Apply writes a work set as one atomic batch.
func (w *IndexWriterDelegator) Apply(ops []DocumentOperation) error {
	if len(ops) == 0 {
		return nil
	}
	batch := index.NewBatch()
	var updates, deletes int
	for _, op := range ops {
		if op.Kind != DocumentDelete && op.Document == nil {
			return &IndexingOperationError{Context: w.ctx, Operation: op.Kind.String(), EntityType: op.Ref.EntityType, EntityID: op.Ref.ID, Err: errNilDocument}
		}
		switch op.Kind {
		case DocumentAdd:
			batch.Insert(op.Document)
			updates++
		case DocumentUpdate:
			batch.Update(op.Ref.Identifier(), op.Document)
			updates++
			deletes++
		case DocumentDelete:
			batch.Delete(op.Ref.Identifier())
			deletes++
		default:
			return &IndexingOperationError{Context: w.ctx, Operation: op.Kind.String(), EntityType: op.Ref.EntityType, EntityID: op.Ref.ID, Err: errors.New("unknown operation")}
		}
	}
	if len(ops) == 1 {
		return w.apply(batch, ops[0].Kind.String(), ops[0].Ref, updates, deletes)
	}
	return w.apply(batch, "apply", DocumentRef{}, updates, deletes)
}

// DeleteAll removes every document visible to the writer.
func (w *IndexWriterDelegator) DeleteAll(ctx context.Context) error {
	snapshot, err := w.snapshot()
	if err != nil {
		return &IndexingOperationError{Context: w.ctx, Operation: "purge", Err: err}
	}
	ids, err := documentIdentifiers(ctx, snapshot, w.search)
	_ = snapshot.Close()
	if err != nil {
		return &IndexingOperationError{Context: w.ctx, Operation: "purge", Err: err}
	}
	if len(ids) == 0 {
		return nil
	}

	batch := index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return w.apply(batch, "purge", DocumentRef{}, 0, len(ids))
}

func (w *IndexWriterDelegator) apply(batch *index.Batch, operation string, ref DocumentRef, updates, deletes int) error {
	w.opsMu.RLock()
	defer w.opsMu.RUnlock()
	if w.closed {
		return &IndexingOperationError{Context: w.ctx, Operation: operation, EntityType: ref.EntityType, EntityID: ref.ID, Err: errIndexWriterClosed}
	}

	// The callback may fire before Batch returns, the channel keeps the result.
	persisted := make(chan error, 1)
	batch.SetPersistedCallback(func(err error) {
		if err == nil {
			w.failures.clear()
		}
		persisted <- err
	})

	if err := w.writer.Batch(batch); err != nil {
		w.metrics.IndexOperation(w.ctx, operation, err)
		return &IndexingOperationError{Context: w.ctx, Operation: operation, EntityType: ref.EntityType, EntityID: ref.ID, Err: err}
	}

	w.pendingMu.Lock()
	w.pending = append(w.pending, persisted)
	w.uncommitted++
	w.pendingMu.Unlock()

	if updates > 0 {
		w.updateGeneration.Inc()
	}
	if deletes > 0 {
		w.deleteGeneration.Inc()
	}
	w.metrics.IndexOperation(w.ctx, operation, nil)
	return nil
}

// Commit blocks until every mutation applied before the call is persisted,
// or until the writer reports that persistence is failing. Mutations not yet
// persisted when it fails stay uncommitted.
func (w *IndexWriterDelegator) Commit() error {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()
	w.cancelDelayedCommit()

	start := time.Now()
	w.pendingMu.Lock()
	pending := w.pending
	w.pending = nil
	w.uncommitted = 0
	w.pendingMu.Unlock()

	var err error
	for i := 0; i < len(pending); {
		select {
		case persistErr := <-pending[i]:
			err = multierr.Append(err, persistErr)
			i++
		case <-w.failures.signal():
			persistErr := w.failures.Err()
			if persistErr == nil {
				// Cleared by a persist that succeeded meanwhile.
				continue
			}
			w.requeue(pending[i:])
			err = multierr.Append(err, persistErr)
			w.metrics.IndexCommit(w.ctx, time.Since(start), err)
			return err
		}
	}
	err = multierr.Append(err, w.directory.Sync())

	w.lastCommit.Store(w.timing.MonotonicTimeEstimate())
	w.commitCount.Inc()
	w.metrics.IndexCommit(w.ctx, time.Since(start), err)
	return err
}

func (w *IndexWriterDelegator) requeue(pending []chan error) {
	w.pendingMu.Lock()
	w.pending = append(append(make([]chan error, 0, len(pending)+len(w.pending)), pending...), w.pending...)
	w.uncommitted += int64(len(pending))
	w.pendingMu.Unlock()
}

// CommitOrDelay commits now if the commit interval has elapsed since the last
// commit, otherwise it makes sure a commit is scheduled for when it elapses.
func (w *IndexWriterDelegator) CommitOrDelay() error {
	if w.commitInterval <= 0 {
		return w.Commit()
	}

	elapsed := w.timing.MonotonicTimeEstimate() - w.lastCommit.Load()
	remaining := w.commitInterval.Milliseconds() - elapsed
	if remaining <= 0 {
		return w.Commit()
	}

	w.delayedMu.Lock()
	if w.delayed == nil {
		w.delayed = w.timing.AfterFunc(time.Duration(remaining)*time.Millisecond, w.delayedCommit)
	}
	w.delayedMu.Unlock()
	return nil
}

func (w *IndexWriterDelegator) delayedCommit() {
	w.delayedMu.Lock()
	w.delayed = nil
	w.delayedMu.Unlock()

	if w.UncommittedOperationCount() == 0 {
		return
	}

	w.opsMu.RLock()
	closed := w.closed
	w.opsMu.RUnlock()
	if closed {
		return
	}

	if err := w.Commit(); err != nil {
		w.logger.Error("Delayed index commit failed", zap.Error(err))
	}
}

func (w *IndexWriterDelegator) cancelDelayedCommit() {
	w.delayedMu.Lock()
	if w.delayed != nil {
		w.delayed.Stop()
		w.delayed = nil
	}
	w.delayedMu.Unlock()
}

// UncommittedOperationCount is the number of mutations applied since the last
// commit started.
func (w *IndexWriterDelegator) UncommittedOperationCount() int64 {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return w.uncommitted
}

func (w *IndexWriterDelegator) UpdateGeneration() uint64 {
	return w.updateGeneration.Load()
}

func (w *IndexWriterDelegator) DeleteGeneration() uint64 {
	return w.deleteGeneration.Load()
}

func (w *IndexWriterDelegator) CommitCount() uint64 {
	return w.commitCount.Load()
}

// snapshot returns the writer's current in-memory view. The caller closes it.
func (w *IndexWriterDelegator) snapshot() (*index.Snapshot, error) {
	w.opsMu.RLock()
	defer w.opsMu.RUnlock()
	if w.closed {
		return nil, errIndexWriterClosed
	}
	snapshot, err := w.writer.Reader()
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, errIndexWriterClosed
	}
	return snapshot, nil
}

// initializeEmpty persists an empty snapshot through this writer.
func (w *IndexWriterDelegator) initializeEmpty() error {
	if err := w.apply(index.NewBatch(), "initialize", DocumentRef{}, 0, 0); err != nil {
		return err
	}
	return w.Commit()
}

// close commits outstanding work and releases the writer and its lock.
func (w *IndexWriterDelegator) close() error {
	w.opsMu.Lock()
	defer w.opsMu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.cancelDelayedCommit()

	c := &closer{}
	if w.UncommittedOperationCount() > 0 {
		c.close(w.Commit)
	}
	// Wait for a delayed commit still waiting on persistence.
	w.commitMu.Lock()
	c.close(w.writer.Close)
	w.commitMu.Unlock()
	// Normally already released by the writer itself.
	c.close(w.directory.Unlock)
	return c.Err()
}

// IndexWriterProvider creates the writer of a partition on first use and
// keeps it until Clear.
type IndexWriterProvider struct {
	logger         *zap.Logger
	metrics        Metrics
	ctx            EventContext
	engine         *indexEngine
	timing         TimingSource
	commitInterval time.Duration
	lockPolicy     LockRetryPolicy

	mu        sync.Mutex
	current   *atomic.Pointer[IndexWriterDelegator]
	created   *atomic.Uint64
	closed    *atomic.Bool
	lockRetry func(ctx context.Context, dir *StorageDirectory, policy LockRetryPolicy) (int, error)
}

func NewIndexWriterProvider(logger *zap.Logger, metrics Metrics, engine *indexEngine, timing TimingSource, commitInterval time.Duration, lockPolicy LockRetryPolicy) (*IndexWriterProvider, error) {
	if commitInterval < 0 {
		return nil, fmt.Errorf("commit interval must be >= 0, got %v", commitInterval)
	}
	return &IndexWriterProvider{
		logger:         logger,
		metrics:        metrics,
		ctx:            engine.ctx,
		engine:         engine,
		timing:         timing,
		commitInterval: commitInterval,
		lockPolicy:     lockPolicy,
		current:        atomic.NewPointer[IndexWriterDelegator](nil),
		created:        atomic.NewUint64(0),
		closed:         atomic.NewBool(false),
		lockRetry: func(ctx context.Context, dir *StorageDirectory, policy LockRetryPolicy) (int, error) {
			return dir.LockWithRetry(ctx, policy)
		},
	}, nil
}

// GetOrCreate returns the current delegator, opening the writer if there is
// none. Concurrent callers share one writer.
func (p *IndexWriterProvider) GetOrCreate() (*IndexWriterDelegator, error) {
	if delegator := p.current.Load(); delegator != nil {
		return delegator, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if delegator := p.current.Load(); delegator != nil {
		return delegator, nil
	}
	if p.closed.Load() {
		return nil, &IndexWriterCreationError{Context: p.ctx, Err: ErrIndexAccessorClosed}
	}

	dir, err := p.engine.directory()
	if err != nil {
		return nil, &IndexWriterCreationError{Context: p.ctx, Err: err}
	}

	attempts, err := p.lockRetry(context.Background(), dir, p.lockPolicy)
	p.metrics.IndexLockWait(p.ctx, attempts, err == nil)
	if err != nil {
		return nil, &IndexWriterCreationError{Context: p.ctx, Err: err}
	}
	if attempts > 1 {
		p.logger.Info("Acquired index directory lock after waiting", zap.Int("attempts", attempts))
	}

	failures := newPersistFailures()
	writer, err := p.engine.openWriter(true, func(err error) {
		p.logger.Error("Index writer background failure", zap.Error(err))
		failures.record(err)
	})
	if err != nil {
		_ = dir.Unlock()
		return nil, &IndexWriterCreationError{Context: p.ctx, Err: err}
	}

	delegator := newIndexWriterDelegator(p.logger, p.metrics, p.ctx, writer, p.engine.search, dir, p.timing, p.commitInterval, failures)
	p.current.Store(delegator)
	p.created.Inc()
	p.metrics.IndexWriterOpened(p.ctx)
	p.logger.Debug("Opened index writer", zap.Duration("commit_interval", p.commitInterval))
	return delegator, nil
}

// GetOrNil returns the current delegator without creating one.
func (p *IndexWriterProvider) GetOrNil() *IndexWriterDelegator {
	return p.current.Load()
}

// Clear closes the current writer, if any. A later GetOrCreate opens a new one.
func (p *IndexWriterProvider) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delegator := p.current.Swap(nil)
	if delegator == nil {
		return nil
	}
	return delegator.close()
}

// Close clears the writer and refuses to create another.
func (p *IndexWriterProvider) Close() error {
	p.closed.Store(true)
	return p.Clear()
}

func (p *IndexWriterProvider) isClosed() bool {
	return p.closed.Load()
}

// EnsureIndexExists persists an empty index if storage holds none yet. When
// another process holds the directory lock for longer than the lock policy
// allows, it is assumed to be creating the index and the call is skipped.
func (p *IndexWriterProvider) EnsureIndexExists(ctx context.Context) error {
	dir, err := p.engine.directory()
	if err != nil {
		return err
	}
	exists, err := dir.IndexExists()
	if err != nil || exists {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if delegator := p.current.Load(); delegator != nil {
		return delegator.initializeEmpty()
	}

	attempts, err := p.lockRetry(ctx, dir, p.lockPolicy)
	p.metrics.IndexLockWait(p.ctx, attempts, err == nil)
	if err != nil {
		if errors.Is(err, ErrDirectoryLocked) {
			p.logger.Warn("Index directory still locked after waiting, skipping index initialization", zap.Int("attempts", attempts), zap.Error(err))
			return nil
		}
		return err
	}

	// Another process may have created the index while we waited.
	if exists, err = dir.IndexExists(); err != nil || exists {
		return multierr.Append(err, dir.Unlock())
	}

	writer, err := p.engine.openWriter(false, func(err error) {
		p.logger.Warn("Index writer background failure during initialization", zap.Error(err))
	})
	if err != nil {
		return multierr.Append(err, dir.Unlock())
	}
	err = writer.Batch(index.NewBatch())
	err = multierr.Append(err, writer.Close())
	err = multierr.Append(err, dir.Unlock())
	if err == nil {
		p.logger.Info("Initialized empty index")
	}
	return err
}
