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
	"time"

	"go.uber.org/zap"
)

// IndexCloser is the part of a registry HandleShutdown needs.
type IndexCloser interface {
	Commit() error
	Close() error
}

// HandleShutdown commits and closes every index. With a grace period the
// indexes are abandoned, not closed, once it expires or a second signal
// arrives. It reports whether the indexes were closed.
func HandleShutdown(ctx context.Context, logger *zap.Logger, indexes IndexCloser, graceSeconds int, c chan os.Signal) bool {
	// If a shutdown grace period is allowed, prepare a timer.
	var timer *time.Timer
	timerCh := make(<-chan time.Time, 1)
	if graceSeconds != 0 {
		timer = time.NewTimer(time.Duration(graceSeconds) * time.Second)
		timerCh = timer.C
		logger.Info("Shutdown started - use CTRL^C to force stop server", zap.Int("grace_period_sec", graceSeconds))
	} else {
		// No grace period.
		logger.Info("Shutdown started")
	}
	if timer != nil {
		defer timer.Stop()
	}

	closeDone := make(chan struct{})
	go func() {
		defer close(closeDone)
		if err := indexes.Commit(); err != nil {
			logger.Error("Error committing indexes", zap.Error(err))
		}
		if err := indexes.Close(); err != nil {
			logger.Error("Error closing indexes", zap.Error(err))
		}
	}()

	select {
	case <-closeDone:
		// Graceful shutdown has completed.
		logger.Info("All indexes closed")
		return true
	case <-timerCh:
		logger.Info("Shutdown grace period expired")
	case <-c:
		// A second interrupt has been received.
		logger.Info("Skipping graceful shutdown")
	case <-ctx.Done():
		logger.Info("Shutdown context done", zap.Error(ctx.Err()))
	}
	return false
}
