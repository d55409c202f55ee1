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
	"sync"
	"time"

	"go.uber.org/atomic"
)

// TimingSource is the process-wide clock and scheduler shared by commit and
// refresh interval policies.
type TimingSource interface {
	// MonotonicTimeEstimate returns an estimate, in milliseconds, of the time
	// elapsed on a monotonic clock. Only differences between two values are
	// meaningful.
	MonotonicTimeEstimate() int64
	// EnsureInitialized starts the estimate ticker. Safe to call repeatedly.
	EnsureInitialized()
	// AfterFunc runs f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) TimingTask
	Stop()
}

type TimingTask interface {
	Stop() bool
}

type LocalTimingSource struct {
	start      time.Time
	resolution time.Duration
	estimate   *atomic.Int64
	running    *atomic.Bool

	initOnce sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewLocalTimingSource(resolution time.Duration) *LocalTimingSource {
	if resolution <= 0 {
		resolution = 50 * time.Millisecond
	}
	return &LocalTimingSource{
		start:      time.Now(),
		resolution: resolution,
		estimate:   atomic.NewInt64(0),
		running:    atomic.NewBool(false),
		stopCh:     make(chan struct{}),
	}
}

func (ts *LocalTimingSource) MonotonicTimeEstimate() int64 {
	if !ts.running.Load() {
		// No ticker yet, read the clock directly.
		return time.Since(ts.start).Milliseconds()
	}
	return ts.estimate.Load()
}

func (ts *LocalTimingSource) EnsureInitialized() {
	ts.initOnce.Do(func() {
		ts.estimate.Store(time.Since(ts.start).Milliseconds())
		ts.running.Store(true)
		ticker := time.NewTicker(ts.resolution)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ts.stopCh:
					ts.running.Store(false)
					return
				case <-ticker.C:
					ts.estimate.Store(time.Since(ts.start).Milliseconds())
				}
			}
		}()
	})
}

func (ts *LocalTimingSource) AfterFunc(d time.Duration, f func()) TimingTask {
	return time.AfterFunc(d, f)
}

func (ts *LocalTimingSource) Stop() {
	ts.stopOnce.Do(func() {
		close(ts.stopCh)
	})
}
