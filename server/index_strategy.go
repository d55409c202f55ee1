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
	"fmt"
	"time"

	"github.com/blugelabs/bluge/analysis"
	"go.uber.org/zap"
)

const (
	IOStrategyNearRealTime = "near-real-time"
	IOStrategyDebug        = "debug"
)

// IOStrategy assembles the components of an index accessor.
type IOStrategy interface {
	CreateIndexAccessor(ctx EventContext, analyzer *analysis.Analyzer) (*IndexAccessor, error)
}

type readerProviderFactory func(engine *indexEngine, writers *IndexWriterProvider) (ReaderProvider, error)

// LocalIOStrategy builds accessors over directories of the local process.
type LocalIOStrategy struct {
	name           string
	logger         *zap.Logger
	metrics        Metrics
	timing         TimingSource
	directories    DirectoryProvider
	commitInterval time.Duration
	lockPolicy     LockRetryPolicy

	newReaderProvider readerProviderFactory
}

// NewNearRealTimeIOStrategy serves readers from the in-process writer and
// commits on the given interval. Both intervals must be >= 0.
func NewNearRealTimeIOStrategy(logger *zap.Logger, metrics Metrics, timing TimingSource, directories DirectoryProvider, commitInterval, refreshInterval time.Duration, applyDeletes bool, lockPolicy LockRetryPolicy) (*LocalIOStrategy, error) {
	if commitInterval < 0 {
		return nil, fmt.Errorf("commit interval must be >= 0, got %v", commitInterval)
	}
	if refreshInterval < 0 {
		return nil, fmt.Errorf("refresh interval must be >= 0, got %v", refreshInterval)
	}
	if commitInterval != 0 || refreshInterval != 0 {
		timing.EnsureInitialized()
	}

	s := &LocalIOStrategy{
		name:           IOStrategyNearRealTime,
		logger:         logger,
		metrics:        metrics,
		timing:         timing,
		directories:    directories,
		commitInterval: commitInterval,
		lockPolicy:     lockPolicy,
	}
	s.newReaderProvider = func(engine *indexEngine, writers *IndexWriterProvider) (ReaderProvider, error) {
		return NewNearRealTimeReaderProvider(s.componentLogger(engine.ctx), metrics, engine, writers, timing, refreshInterval, applyDeletes)
	}
	return s, nil
}

// NewDebugIOStrategy commits after every write and opens every reader from
// storage, so readers only ever see committed state.
func NewDebugIOStrategy(logger *zap.Logger, metrics Metrics, timing TimingSource, directories DirectoryProvider, lockPolicy LockRetryPolicy) *LocalIOStrategy {
	return &LocalIOStrategy{
		name:        IOStrategyDebug,
		logger:      logger,
		metrics:     metrics,
		timing:      timing,
		directories: directories,
		lockPolicy:  lockPolicy,
		newReaderProvider: func(engine *indexEngine, _ *IndexWriterProvider) (ReaderProvider, error) {
			return NewNotSharedReaderProvider(metrics, engine), nil
		},
	}
}

func NewIOStrategy(logger *zap.Logger, metrics Metrics, timing TimingSource, directories DirectoryProvider, config *SearchConfig) (*LocalIOStrategy, error) {
	lockPolicy := LockRetryPolicy{
		Attempts: config.LockRetryAttempts,
		Interval: time.Duration(config.LockRetryIntervalMs) * time.Millisecond,
	}
	switch config.IOStrategy {
	case IOStrategyNearRealTime:
		return NewNearRealTimeIOStrategy(logger, metrics, timing, directories,
			time.Duration(config.CommitIntervalMs)*time.Millisecond,
			time.Duration(config.RefreshIntervalMs)*time.Millisecond,
			config.RefreshApplyDeletes, lockPolicy)
	case IOStrategyDebug:
		return NewDebugIOStrategy(logger, metrics, timing, directories, lockPolicy), nil
	default:
		return nil, fmt.Errorf("unknown io strategy %q", config.IOStrategy)
	}
}

func (s *LocalIOStrategy) Name() string {
	return s.name
}

func (s *LocalIOStrategy) CreateIndexAccessor(ctx EventContext, analyzer *analysis.Analyzer) (*IndexAccessor, error) {
	holder, err := s.directories.CreateDirectoryHolder(ctx)
	if err != nil {
		return nil, &IndexInitializationError{Context: ctx, Err: err}
	}

	engine := newIndexEngine(ctx, holder, analyzer)
	writers, err := NewIndexWriterProvider(s.componentLogger(ctx), s.metrics, engine, s.timing, s.commitInterval, s.lockPolicy)
	if err != nil {
		return nil, withSuppressed(&IndexInitializationError{Context: ctx, Err: err}, holder.Close())
	}

	readers, err := s.newReaderProvider(engine, writers)
	if err != nil {
		c := &closer{}
		c.close(writers.Close)
		c.close(holder.Close)
		return nil, withSuppressed(&IndexInitializationError{Context: ctx, Err: err}, c.Err())
	}

	return newIndexAccessor(s.componentLogger(ctx), ctx, holder, writers, readers), nil
}

func (s *LocalIOStrategy) componentLogger(ctx EventContext) *zap.Logger {
	return s.logger.With(zap.String("index", ctx.IndexName), zap.String("shard", ctx.ShardID))
}
