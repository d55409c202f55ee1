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
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/blugelabs/bluge/analysis"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type IndexRegistry interface {
	Start(ctx context.Context) error
	Accessor(name, shard string) (*IndexAccessor, error)
	Route(name, routingKey string) (*IndexAccessor, error)
	Commit() error
	Close() error
}

var _ IndexRegistry = &LocalIndexRegistry{}

// LocalIndexRegistry holds the accessors of every configured index shard.
type LocalIndexRegistry struct {
	logger *zap.Logger

	sync.RWMutex
	indexes   map[string][]*IndexAccessor
	accessors []*IndexAccessor
	closed    bool
}

// NewLocalIndexRegistry creates, but does not start, one accessor per shard.
// A single shard index has an empty shard id, shards of larger indexes are
// numbered from "0".
func NewLocalIndexRegistry(logger *zap.Logger, strategy IOStrategy, indexes []*IndexConfig, analyzer *analysis.Analyzer) (*LocalIndexRegistry, error) {
	r := &LocalIndexRegistry{
		logger:  logger,
		indexes: make(map[string][]*IndexAccessor, len(indexes)),
	}

	for _, index := range indexes {
		if _, found := r.indexes[index.Name]; found {
			return nil, withSuppressed(fmt.Errorf("duplicate index name %q", index.Name), r.Close())
		}
		shards := index.Shards
		if shards < 1 {
			shards = 1
		}
		accessors := make([]*IndexAccessor, 0, shards)
		for i := 0; i < shards; i++ {
			ctx := EventContext{IndexName: index.Name}
			if shards > 1 {
				ctx.ShardID = strconv.Itoa(i)
			}
			accessor, err := strategy.CreateIndexAccessor(ctx, analyzer)
			if err != nil {
				return nil, withSuppressed(err, r.Close())
			}
			accessors = append(accessors, accessor)
			r.accessors = append(r.accessors, accessor)
		}
		r.indexes[index.Name] = accessors
	}

	return r, nil
}

// Start starts every accessor and creates missing indexes.
func (r *LocalIndexRegistry) Start(ctx context.Context) error {
	r.RLock()
	defer r.RUnlock()
	for _, accessor := range r.accessors {
		if err := accessor.Start(); err != nil {
			return err
		}
		if err := accessor.EnsureIndexExists(ctx); err != nil {
			return err
		}
		r.logger.Info("Index ready", zap.String("index", accessor.Context().IndexName), zap.String("shard", accessor.Context().ShardID))
	}
	return nil
}

func (r *LocalIndexRegistry) Accessor(name, shard string) (*IndexAccessor, error) {
	r.RLock()
	defer r.RUnlock()
	if r.closed {
		return nil, ErrIndexAccessorClosed
	}
	for _, accessor := range r.indexes[name] {
		if accessor.Context().ShardID == shard {
			return accessor, nil
		}
	}
	return nil, fmt.Errorf("index %q has no shard %q", name, shard)
}

// Shards returns the accessors of an index in shard order.
func (r *LocalIndexRegistry) Shards(name string) []*IndexAccessor {
	r.RLock()
	defer r.RUnlock()
	accessors := r.indexes[name]
	out := make([]*IndexAccessor, len(accessors))
	copy(out, accessors)
	return out
}

// Route picks the shard of an index that owns routingKey.
func (r *LocalIndexRegistry) Route(name, routingKey string) (*IndexAccessor, error) {
	r.RLock()
	defer r.RUnlock()
	if r.closed {
		return nil, ErrIndexAccessorClosed
	}
	accessors, found := r.indexes[name]
	if !found || len(accessors) == 0 {
		return nil, fmt.Errorf("index %q not found", name)
	}
	return accessors[shardFor(routingKey, len(accessors))], nil
}

func shardFor(routingKey string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(routingKey))
	return int(h.Sum32() % uint32(shards))
}

// Commit commits every accessor, continuing past failures.
func (r *LocalIndexRegistry) Commit() error {
	r.RLock()
	defer r.RUnlock()
	var err error
	for _, accessor := range r.accessors {
		err = multierr.Append(err, accessor.Commit())
	}
	return err
}

// Close closes every accessor in reverse creation order.
func (r *LocalIndexRegistry) Close() error {
	r.Lock()
	defer r.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	c := &closer{}
	for i := len(r.accessors) - 1; i >= 0; i-- {
		c.close(r.accessors[i].Close)
	}
	return c.Err()
}
