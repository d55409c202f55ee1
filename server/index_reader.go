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
	"github.com/blugelabs/bluge/search"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var errIndexReaderClosed = errors.New("index reader is closed")

// sharedSnapshot is a point-in-time view of an index, reference counted
// across the provider that made it and every IndexReader handed out.
type sharedSnapshot struct {
	snapshot *index.Snapshot
	config   bluge.Config
	refs     *atomic.Int32

	// State of the writer the snapshot was taken from, nil writer if it was
	// opened from storage.
	writer           *IndexWriterDelegator
	updateGeneration uint64
	deleteGeneration uint64
}

func newSharedSnapshot(snapshot *index.Snapshot, config bluge.Config) *sharedSnapshot {
	return &sharedSnapshot{
		snapshot: snapshot,
		config:   config,
		refs:     atomic.NewInt32(1),
	}
}

func (s *sharedSnapshot) newReader() *IndexReader {
	s.refs.Inc()
	return &IndexReader{shared: s, closed: atomic.NewBool(false)}
}

func (s *sharedSnapshot) release() error {
	if s.refs.Dec() == 0 {
		return s.snapshot.Close()
	}
	return nil
}

// IndexReader is an immutable view of the index. It stays valid until Close,
// whatever refreshes happen in the meantime.
type IndexReader struct {
	shared *sharedSnapshot
	closed *atomic.Bool
}

func (r *IndexReader) Count() (uint64, error) {
	if r.closed.Load() {
		return 0, errIndexReaderClosed
	}
	return r.shared.snapshot.Count()
}

func (r *IndexReader) Fields() ([]string, error) {
	if r.closed.Load() {
		return nil, errIndexReaderClosed
	}
	return r.shared.snapshot.Fields()
}

func (r *IndexReader) VisitStoredFields(number uint64, visitor bluge.StoredFieldVisitor) error {
	if r.closed.Load() {
		return errIndexReaderClosed
	}
	return r.shared.snapshot.VisitStoredFields(number, func(field string, value []byte) bool {
		return visitor(field, value)
	})
}

func (r *IndexReader) Search(ctx context.Context, req bluge.SearchRequest) (search.DocumentMatchIterator, error) {
	if r.closed.Load() {
		return nil, errIndexReaderClosed
	}
	searcher, err := req.Searcher(r.shared.snapshot, r.shared.config)
	if err != nil {
		return nil, err
	}
	return req.Collector().Collect(ctx, req.Aggregations(), searcher)
}

// Close releases this handle. Closing twice is a no-op.
func (r *IndexReader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.shared.release()
}

type ReaderProvider interface {
	// GetOrCreate returns a reader the caller must Close.
	GetOrCreate() (*IndexReader, error)
	Refresh() error
	Clear() error
}

// NearRealTimeReaderProvider serves snapshots taken from the in-process
// writer, uncommitted changes included. Without a writer it reads storage.
type NearRealTimeReaderProvider struct {
	logger          *zap.Logger
	metrics         Metrics
	ctx             EventContext
	engine          *indexEngine
	writers         *IndexWriterProvider
	timing          TimingSource
	refreshInterval time.Duration
	applyDeletes    bool

	mu          sync.Mutex
	current     *sharedSnapshot
	lastRefresh int64
}

func NewNearRealTimeReaderProvider(logger *zap.Logger, metrics Metrics, engine *indexEngine, writers *IndexWriterProvider, timing TimingSource, refreshInterval time.Duration, applyDeletes bool) (*NearRealTimeReaderProvider, error) {
	if refreshInterval < 0 {
		return nil, fmt.Errorf("refresh interval must be >= 0, got %v", refreshInterval)
	}
	if writers == nil {
		return nil, errors.New("near-real-time reader provider requires a writer provider")
	}
	return &NearRealTimeReaderProvider{
		logger:          logger,
		metrics:         metrics,
		ctx:             engine.ctx,
		engine:          engine,
		writers:         writers,
		timing:          timing,
		refreshInterval: refreshInterval,
		applyDeletes:    applyDeletes,
	}, nil
}

func (p *NearRealTimeReaderProvider) GetOrCreate() (*IndexReader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil || p.stale() {
		if err := p.refresh(); err != nil {
			return nil, err
		}
	}
	return p.current.newReader(), nil
}

func (p *NearRealTimeReaderProvider) Refresh() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refresh()
}

func (p *NearRealTimeReaderProvider) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	err := p.current.release()
	p.current = nil
	return err
}

// stale reports whether the current snapshot should be replaced. Must hold mu.
func (p *NearRealTimeReaderProvider) stale() bool {
	writer := p.writers.GetOrNil()
	changed := writer != p.current.writer
	if !changed && writer != nil {
		changed = writer.UpdateGeneration() != p.current.updateGeneration ||
			(p.applyDeletes && writer.DeleteGeneration() != p.current.deleteGeneration)
	}
	if !changed {
		return false
	}
	if p.refreshInterval <= 0 {
		return true
	}
	return p.timing.MonotonicTimeEstimate()-p.lastRefresh >= p.refreshInterval.Milliseconds()
}

// refresh replaces the current snapshot. Must hold mu.
func (p *NearRealTimeReaderProvider) refresh() error {
	start := time.Now()

	var next *sharedSnapshot
	if writer := p.writers.GetOrNil(); writer != nil {
		// Generations are read before the snapshot is taken, so the snapshot is
		// never older than what they describe.
		updateGeneration, deleteGeneration := writer.UpdateGeneration(), writer.DeleteGeneration()
		snapshot, err := writer.snapshot()
		if err != nil {
			p.metrics.IndexRefresh(p.ctx, time.Since(start), err)
			return err
		}
		next = newSharedSnapshot(snapshot, p.engine.search)
		next.writer = writer
		next.updateGeneration = updateGeneration
		next.deleteGeneration = deleteGeneration
	} else {
		snapshot, err := p.engine.openReader()
		if err != nil {
			p.metrics.IndexRefresh(p.ctx, time.Since(start), err)
			return err
		}
		next = newSharedSnapshot(snapshot, p.engine.search)
	}

	previous := p.current
	p.current = next
	p.lastRefresh = p.timing.MonotonicTimeEstimate()
	p.metrics.IndexRefresh(p.ctx, time.Since(start), nil)

	if previous != nil {
		if err := previous.release(); err != nil {
			// The new snapshot is in place, the old one only failed to let go.
			p.logger.Warn("Failed to release previous index snapshot", zap.Error(err))
		}
	}
	return nil
}

// NotSharedReaderProvider opens every reader directly from storage.
type NotSharedReaderProvider struct {
	metrics Metrics
	ctx     EventContext
	engine  *indexEngine
}

func NewNotSharedReaderProvider(metrics Metrics, engine *indexEngine) *NotSharedReaderProvider {
	return &NotSharedReaderProvider{
		metrics: metrics,
		ctx:     engine.ctx,
		engine:  engine,
	}
}

func (p *NotSharedReaderProvider) GetOrCreate() (*IndexReader, error) {
	start := time.Now()
	snapshot, err := p.engine.openReader()
	p.metrics.IndexRefresh(p.ctx, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	shared := newSharedSnapshot(snapshot, p.engine.search)
	reader := shared.newReader()
	// Hand the only reference over to the caller.
	_ = shared.release()
	return reader, nil
}

func (p *NotSharedReaderProvider) Refresh() error {
	return nil
}

func (p *NotSharedReaderProvider) Clear() error {
	return nil
}
