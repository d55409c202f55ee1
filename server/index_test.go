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
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/uber-go/tally/v4"
	"go.uber.org/atomic"
)

var (
	logger      = NewConsoleLogger(os.Stdout, true)
	cfg         = NewConfig(logger)
	metricScope = tally.NewTestScope("", nil)
	metrics     = NewScopeMetrics(logger, metricScope)
	_           = ValidateConfig(logger, cfg)
)

// manualTimingSource only moves when told to. Tasks run synchronously, in
// due order, from Advance.
type manualTimingSource struct {
	mu          sync.Mutex
	now         int64
	tasks       []*manualTask
	initialized *atomic.Int32
}

type manualTask struct {
	source  *manualTimingSource
	at      int64
	f       func()
	done    bool
	stopped bool
}

func newManualTimingSource() *manualTimingSource {
	return &manualTimingSource{initialized: atomic.NewInt32(0)}
}

func (ts *manualTimingSource) MonotonicTimeEstimate() int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.now
}

func (ts *manualTimingSource) EnsureInitialized() {
	ts.initialized.Inc()
}

func (ts *manualTimingSource) AfterFunc(d time.Duration, f func()) TimingTask {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	task := &manualTask{source: ts, at: ts.now + d.Milliseconds(), f: f}
	ts.tasks = append(ts.tasks, task)
	return task
}

func (ts *manualTimingSource) Stop() {}

func (ts *manualTimingSource) Advance(d time.Duration) {
	ts.mu.Lock()
	ts.now += d.Milliseconds()
	var due []*manualTask
	for _, task := range ts.tasks {
		if !task.done && !task.stopped && task.at <= ts.now {
			task.done = true
			due = append(due, task)
		}
	}
	ts.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, task := range due {
		task.f()
	}
}

// Pending returns the number of scheduled tasks that have neither run nor been stopped.
func (ts *manualTimingSource) Pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	count := 0
	for _, task := range ts.tasks {
		if !task.done && !task.stopped {
			count++
		}
	}
	return count
}

func (t *manualTask) Stop() bool {
	t.source.mu.Lock()
	defer t.source.mu.Unlock()
	if t.done || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type testPerson struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func personRef(id string) DocumentRef {
	return DocumentRef{EntityType: "person", ID: id}
}

func personDoc(id, name string, age int) *bluge.Document {
	return BuildDocument(personRef(id), &testPerson{Name: name, Age: age}, nil)
}

func countMatches(t *testing.T, reader *IndexReader, query bluge.Query) int {
	t.Helper()
	dmi, err := reader.Search(context.Background(), bluge.NewAllMatches(query))
	if err != nil {
		t.Fatal(err.Error())
	}
	count := 0
	dm, err := dmi.Next()
	for dm != nil && err == nil {
		count++
		dm, err = dmi.Next()
	}
	if err != nil {
		t.Fatal(err.Error())
	}
	return count
}

func readerCount(t *testing.T, accessor *IndexAccessor) uint64 {
	t.Helper()
	reader, err := accessor.GetIndexReader()
	if err != nil {
		t.Fatal(err.Error())
	}
	defer reader.Close()
	count, err := reader.Count()
	if err != nil {
		t.Fatal(err.Error())
	}
	return count
}

// startedAccessor creates, starts and initializes an accessor, closing it at
// the end of the test.
func startedAccessor(t *testing.T, strategy IOStrategy, name string) *IndexAccessor {
	t.Helper()
	accessor, err := strategy.CreateIndexAccessor(EventContext{IndexName: name}, nil)
	if err != nil {
		t.Fatal(err.Error())
	}
	t.Cleanup(func() { _ = accessor.Close() })
	if err := accessor.Start(); err != nil {
		t.Fatal(err.Error())
	}
	if err := accessor.EnsureIndexExists(context.Background()); err != nil {
		t.Fatal(err.Error())
	}
	return accessor
}

func nearRealTimeStrategy(t *testing.T, directories DirectoryProvider, timing TimingSource, commitInterval, refreshInterval time.Duration) *LocalIOStrategy {
	t.Helper()
	strategy, err := NewNearRealTimeIOStrategy(logger, metrics, timing, directories, commitInterval, refreshInterval, true, DefaultLockRetryPolicy())
	if err != nil {
		t.Fatal(err.Error())
	}
	return strategy
}
