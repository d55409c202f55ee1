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

	"github.com/blugelabs/bluge"
	"github.com/blugelabs/bluge/analysis"
	"github.com/blugelabs/bluge/index"
)

// indexEngine binds the bluge configuration of one index partition to the
// storage directory of its holder.
type indexEngine struct {
	ctx    EventContext
	holder DirectoryHolder
	search bluge.Config
}

func newIndexEngine(ctx EventContext, holder DirectoryHolder, analyzer *analysis.Analyzer) *indexEngine {
	e := &indexEngine{
		ctx:    ctx,
		holder: holder,
	}
	e.search = bluge.DefaultConfigWithDirectory(e.directoryFunc)
	if analyzer != nil {
		e.search.DefaultSearchAnalyzer = analyzer
	}
	return e
}

func (e *indexEngine) directory() (*StorageDirectory, error) {
	dir := e.holder.Get()
	if dir == nil {
		return nil, fmt.Errorf("%s: %w", e.ctx, ErrIndexNotStarted)
	}
	return dir, nil
}

func (e *indexEngine) directoryFunc() index.Directory {
	return e.holder.Get()
}

// indexConfig builds a fresh writer/reader configuration. Each writer needs
// its own, the analysis queue is owned by the writer it is opened with.
// Unsafe batches are applied in memory and persisted in the background.
func (e *indexEngine) indexConfig(unsafeBatches bool) index.Config {
	allDocuments := bluge.NewKeywordField("", "")
	_ = allDocuments.Analyze(0)

	similarity := e.search.DefaultSimilarity
	cfg := index.DefaultConfigWithDirectory(e.directoryFunc).
		WithVirtualField(allDocuments).
		WithNormCalc(func(field string, numTerms int) float32 {
			return similarity.ComputeNorm(numTerms)
		})
	if unsafeBatches {
		cfg = cfg.WithUnsafeBatches()
	}
	return cfg
}

// openWriter opens a writer on the partition. onAsyncError receives the
// failures of background persistence and merging.
func (e *indexEngine) openWriter(unsafeBatches bool, onAsyncError func(error)) (*index.Writer, error) {
	if _, err := e.directory(); err != nil {
		return nil, err
	}
	cfg := e.indexConfig(unsafeBatches)
	cfg.AsyncError = onAsyncError
	return index.OpenWriter(cfg)
}

// openReader opens a snapshot of the last persisted index state.
func (e *indexEngine) openReader() (*index.Snapshot, error) {
	if _, err := e.directory(); err != nil {
		return nil, err
	}
	return index.OpenReader(e.indexConfig(false))
}
