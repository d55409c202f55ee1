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
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/blugelabs/bluge/index"
	"github.com/heroiclabs/nakama-index/internal/heapdir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var errDiskFull = errors.New("disk full")

// failingPersistDirectory refuses to persist anything while failing is set.
type failingPersistDirectory struct {
	*heapdir.Directory
	failing *atomic.Bool
}

func (d *failingPersistDirectory) Persist(kind string, id uint64, w index.WriterTo, closeCh chan struct{}) error {
	if d.failing.Load() {
		return errDiskFull
	}
	return d.Directory.Persist(kind, id, w, closeCh)
}

func TestIndexWriterProvider_GetOrCreate(t *testing.T) {
	t.Run("concurrent callers share a single writer", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")

		const callers = 32
		delegators := make([]*IndexWriterDelegator, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				delegator, err := accessor.GetIndexWriterDelegator()
				if assert.NoError(t, err) {
					delegators[i] = delegator
				}
			}(i)
		}
		wg.Wait()

		for _, delegator := range delegators {
			assert.Same(t, delegators[0], delegator)
		}
		assert.Equal(t, uint64(1), accessor.writers.created.Load())
	})

	t.Run("get or nil never creates a writer", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")

		assert.Nil(t, accessor.writers.GetOrNil())
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		assert.Same(t, delegator, accessor.writers.GetOrNil())
	})

	t.Run("clear closes the writer and the next call opens a new one", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")

		first, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		require.NoError(t, first.Add(personRef("1"), personDoc("1", "Alice", 30)))
		require.NoError(t, accessor.writers.Clear())
		assert.Nil(t, accessor.writers.GetOrNil())
		assert.Equal(t, int64(0), first.UncommittedOperationCount())

		err = first.Add(personRef("2"), personDoc("2", "Bob", 40))
		assert.ErrorIs(t, err, errIndexWriterClosed)

		second, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		assert.NotSame(t, first, second)
		assert.Equal(t, uint64(2), accessor.writers.created.Load())
		assert.Equal(t, uint64(1), readerCount(t, accessor))
	})

	t.Run("a directory locked elsewhere fails writer creation", func(t *testing.T) {
		provider := NewHeapDirectoryProvider(logger)
		strategy, err := NewNearRealTimeIOStrategy(logger, metrics, newManualTimingSource(), provider, 0, 0, true, LockRetryPolicy{Attempts: 2, Interval: time.Millisecond})
		require.NoError(t, err)
		accessor := startedAccessor(t, strategy, "people")

		// Same underlying heap storage, separate lock owner.
		intruder := NewStorageDirectory(provider.directories["people"])
		require.NoError(t, intruder.TryLock())

		_, err = accessor.GetIndexWriterDelegator()
		var creationErr *IndexWriterCreationError
		assert.True(t, errors.As(err, &creationErr))
		assert.ErrorIs(t, err, ErrDirectoryLocked)
		assert.Nil(t, accessor.writers.GetOrNil())

		require.NoError(t, intruder.Unlock())
		_, err = accessor.GetIndexWriterDelegator()
		assert.NoError(t, err)
	})

	t.Run("a closed provider does not create writers", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")

		require.NoError(t, accessor.writers.Close())
		assert.True(t, accessor.writers.isClosed())
		_, err := accessor.writers.GetOrCreate()
		assert.ErrorIs(t, err, ErrIndexAccessorClosed)
	})
}

func TestIndexWriterProvider_NegativeCommitInterval(t *testing.T) {
	holder, _ := NewHeapDirectoryProvider(logger).CreateDirectoryHolder(EventContext{IndexName: "people"})
	engine := newIndexEngine(EventContext{IndexName: "people"}, holder, nil)
	_, err := NewIndexWriterProvider(logger, metrics, engine, newManualTimingSource(), -time.Second, DefaultLockRetryPolicy())
	assert.Error(t, err)
}

func TestIndexWriterDelegator_Operations(t *testing.T) {
	t.Run("mutations track generations and uncommitted count", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)

		require.NoError(t, delegator.Add(personRef("1"), personDoc("1", "Alice", 30)))
		assert.Equal(t, uint64(1), delegator.UpdateGeneration())
		assert.Equal(t, uint64(0), delegator.DeleteGeneration())

		require.NoError(t, delegator.Update(personRef("1"), personDoc("1", "Alice", 31)))
		assert.Equal(t, uint64(2), delegator.UpdateGeneration())
		assert.Equal(t, uint64(1), delegator.DeleteGeneration())

		require.NoError(t, delegator.Delete(personRef("1")))
		assert.Equal(t, uint64(2), delegator.UpdateGeneration())
		assert.Equal(t, uint64(2), delegator.DeleteGeneration())
		assert.Equal(t, int64(3), delegator.UncommittedOperationCount())

		require.NoError(t, delegator.Commit())
		assert.Equal(t, int64(0), delegator.UncommittedOperationCount())
		assert.Equal(t, uint64(1), delegator.CommitCount())
	})

	t.Run("update replaces the previous document", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)

		require.NoError(t, delegator.Add(personRef("1"), personDoc("1", "Alice", 30)))
		require.NoError(t, delegator.Update(personRef("1"), personDoc("1", "Alicia", 30)))
		assert.Equal(t, uint64(1), readerCount(t, accessor))
	})

	t.Run("apply writes a work set as one batch", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)

		require.NoError(t, delegator.Apply([]DocumentOperation{
			{Kind: DocumentAdd, Ref: personRef("1"), Document: personDoc("1", "Alice", 30)},
			{Kind: DocumentAdd, Ref: personRef("2"), Document: personDoc("2", "Bob", 40)},
			{Kind: DocumentAdd, Ref: personRef("3"), Document: personDoc("3", "Carol", 50)},
		}))
		assert.Equal(t, int64(1), delegator.UncommittedOperationCount())
		assert.Equal(t, uint64(3), readerCount(t, accessor))

		require.NoError(t, delegator.Apply([]DocumentOperation{
			{Kind: DocumentDelete, Ref: personRef("2")},
		}))
		assert.Equal(t, uint64(2), readerCount(t, accessor))
		assert.NoError(t, delegator.Apply(nil))
	})

	t.Run("missing documents are rejected with the entity named", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)

		err = delegator.Add(personRef("7"), nil)
		var opErr *IndexingOperationError
		if assert.True(t, errors.As(err, &opErr)) {
			assert.Equal(t, "person", opErr.EntityType)
			assert.Equal(t, "7", opErr.EntityID)
			assert.Equal(t, "add", opErr.Operation)
			assert.Equal(t, "people", opErr.Context.IndexName)
		}
		assert.Error(t, delegator.Apply([]DocumentOperation{{Kind: DocumentUpdate, Ref: personRef("7")}}))
		assert.Equal(t, int64(0), delegator.UncommittedOperationCount())
	})

	t.Run("delete all removes every visible document", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)

		for _, id := range []string{"1", "2", "3"} {
			require.NoError(t, delegator.Add(personRef(id), personDoc(id, "Person "+id, 20)))
		}
		require.NoError(t, delegator.DeleteAll(context.Background()))
		require.NoError(t, delegator.Commit())
		assert.Equal(t, uint64(0), readerCount(t, accessor))

		// Nothing left to delete.
		require.NoError(t, delegator.DeleteAll(context.Background()))
	})
}

func TestIndexWriterDelegator_CommitOrDelay(t *testing.T) {
	t.Run("commit interval zero commits immediately", func(t *testing.T) {
		timing := newManualTimingSource()
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), timing, 0, 0)
		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)

		require.NoError(t, delegator.Add(personRef("1"), personDoc("1", "Alice", 30)))
		require.NoError(t, delegator.CommitOrDelay())
		assert.Equal(t, uint64(1), delegator.CommitCount())
		assert.Equal(t, int64(0), delegator.UncommittedOperationCount())
		assert.Equal(t, 0, timing.Pending())
	})

	t.Run("commits are gated by the commit interval", func(t *testing.T) {
		timing := newManualTimingSource()
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), timing, time.Second, 0)
		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)

		// A fresh writer has no commit to wait on.
		require.NoError(t, delegator.Add(personRef("1"), personDoc("1", "Alice", 30)))
		require.NoError(t, accessor.CommitOrDelay())
		assert.Equal(t, uint64(1), delegator.CommitCount())
		assert.Equal(t, 0, timing.Pending())

		// Within the interval the commit is scheduled once, not run.
		require.NoError(t, delegator.Add(personRef("2"), personDoc("2", "Bob", 40)))
		require.NoError(t, accessor.CommitOrDelay())
		require.NoError(t, delegator.Add(personRef("3"), personDoc("3", "Carol", 50)))
		require.NoError(t, accessor.CommitOrDelay())
		assert.Equal(t, uint64(1), delegator.CommitCount())
		assert.Equal(t, 1, timing.Pending())

		timing.Advance(999 * time.Millisecond)
		assert.Equal(t, uint64(1), delegator.CommitCount())

		timing.Advance(time.Millisecond)
		assert.Equal(t, uint64(2), delegator.CommitCount())
		assert.Equal(t, int64(0), delegator.UncommittedOperationCount())
		assert.Equal(t, 0, timing.Pending())

		// Half an interval later the delay is only the remaining half.
		timing.Advance(500 * time.Millisecond)
		require.NoError(t, delegator.Add(personRef("4"), personDoc("4", "Dave", 60)))
		require.NoError(t, delegator.CommitOrDelay())
		assert.Equal(t, uint64(2), delegator.CommitCount())
		timing.Advance(500 * time.Millisecond)
		assert.Equal(t, uint64(3), delegator.CommitCount())

		// Once the interval has elapsed the commit runs right away.
		timing.Advance(2 * time.Second)
		require.NoError(t, delegator.Add(personRef("5"), personDoc("5", "Erin", 70)))
		require.NoError(t, delegator.CommitOrDelay())
		assert.Equal(t, uint64(4), delegator.CommitCount())
		assert.Equal(t, 0, timing.Pending())
	})

	t.Run("an explicit commit cancels the scheduled one", func(t *testing.T) {
		timing := newManualTimingSource()
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), timing, time.Second, 0)
		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		require.NoError(t, delegator.Commit())

		require.NoError(t, delegator.Add(personRef("1"), personDoc("1", "Alice", 30)))
		require.NoError(t, delegator.CommitOrDelay())
		assert.Equal(t, 1, timing.Pending())

		require.NoError(t, accessor.Commit())
		assert.Equal(t, 0, timing.Pending())
		assert.Equal(t, uint64(2), delegator.CommitCount())

		timing.Advance(time.Second)
		assert.Equal(t, uint64(2), delegator.CommitCount())
	})

	t.Run("a delayed commit without pending work does nothing", func(t *testing.T) {
		timing := newManualTimingSource()
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), timing, time.Second, 0)
		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		require.NoError(t, delegator.Commit())

		require.NoError(t, delegator.CommitOrDelay())
		assert.Equal(t, 1, timing.Pending())
		timing.Advance(time.Second)
		assert.Equal(t, uint64(1), delegator.CommitCount())
	})

	t.Run("interval timing is started only when an interval is set", func(t *testing.T) {
		timing := newManualTimingSource()
		nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), timing, 0, 0)
		assert.Equal(t, int32(0), timing.initialized.Load())

		nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), timing, time.Second, 0)
		nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), timing, 0, time.Second)
		assert.Equal(t, int32(2), timing.initialized.Load())
	})
}

func TestIndexWriterDelegator_PersistFailure(t *testing.T) {
	dir := &failingPersistDirectory{Directory: heapdir.New(), failing: atomic.NewBool(false)}
	provider := &recordingDirectoryProvider{directory: dir}
	strategy := nearRealTimeStrategy(t, provider, newManualTimingSource(), 0, 0)
	accessor := startedAccessor(t, strategy, "people")
	delegator, err := accessor.GetIndexWriterDelegator()
	require.NoError(t, err)

	dir.failing.Store(true)
	require.NoError(t, delegator.Add(personRef("1"), personDoc("1", "Alice", 30)))

	committed := make(chan error, 1)
	go func() {
		committed <- accessor.Commit()
	}()
	select {
	case err := <-committed:
		var commitErr *IndexCommitError
		require.ErrorAs(t, err, &commitErr)
		assert.Equal(t, "people", commitErr.Context.IndexName)
		assert.Contains(t, err.Error(), errDiskFull.Error())
	case <-time.After(10 * time.Second):
		t.Fatal("commit did not return while persistence was failing")
	}
	assert.Equal(t, int64(1), delegator.UncommittedOperationCount())
	assert.Equal(t, uint64(0), delegator.CommitCount())

	closed := make(chan error, 1)
	go func() {
		closed <- accessor.Close()
	}()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("close did not return while persistence was failing")
	}
	assert.False(t, provider.holders[0].dir.IsLocked())
	assert.Equal(t, int32(1), provider.holders[0].closes.Load())
	_, err = accessor.GetIndexWriterDelegator()
	assert.ErrorIs(t, err, ErrIndexAccessorClosed)
}

func TestIndexWriterDelegator_CommitDurability(t *testing.T) {
	t.Run("committed changes are visible to a reader opened from storage", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), time.Hour, 0)
		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)

		require.NoError(t, delegator.Add(personRef("1"), personDoc("1", "Alice", 30)))
		require.NoError(t, delegator.Add(personRef("2"), personDoc("2", "Bob", 40)))
		require.NoError(t, accessor.Commit())

		snapshot, err := accessor.writers.engine.openReader()
		require.NoError(t, err)
		defer snapshot.Close()
		count, err := snapshot.Count()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), count)
	})

	t.Run("committed changes survive closing the accessor", func(t *testing.T) {
		root := t.TempDir()
		strategy := nearRealTimeStrategy(t, NewFileSystemDirectoryProvider(logger, root), newManualTimingSource(), time.Hour, 0)
		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		require.NoError(t, delegator.Add(personRef("1"), personDoc("1", "Alice", 30)))
		require.NoError(t, accessor.Commit())
		require.NoError(t, accessor.Close())

		reopenedStrategy := nearRealTimeStrategy(t, NewFileSystemDirectoryProvider(logger, root), newManualTimingSource(), time.Hour, 0)
		reopened := startedAccessor(t, reopenedStrategy, "people")
		assert.Equal(t, uint64(1), readerCount(t, reopened))
	})
}

func TestIndexWriterProvider_EnsureIndexExists(t *testing.T) {
	t.Run("creates an empty index once", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")

		dir := accessor.holder.Get()
		exists, err := dir.IndexExists()
		require.NoError(t, err)
		assert.True(t, exists)
		assert.False(t, dir.IsLocked())

		assert.NoError(t, accessor.EnsureIndexExists(context.Background()))
		assert.Equal(t, uint64(0), readerCount(t, accessor))
	})

	t.Run("skips initialization while another owner holds the lock", func(t *testing.T) {
		provider := NewHeapDirectoryProvider(logger)
		strategy, err := NewNearRealTimeIOStrategy(logger, metrics, newManualTimingSource(), provider, 0, 0, true, LockRetryPolicy{Attempts: 3, Interval: time.Millisecond})
		require.NoError(t, err)
		accessor, err := strategy.CreateIndexAccessor(EventContext{IndexName: "people"}, nil)
		require.NoError(t, err)
		defer accessor.Close()
		require.NoError(t, accessor.Start())

		intruder := NewStorageDirectory(provider.directories["people"])
		require.NoError(t, intruder.TryLock())
		defer intruder.Unlock()

		assert.NoError(t, accessor.EnsureIndexExists(context.Background()))
		exists, err := accessor.holder.Get().IndexExists()
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("lock I/O failures fail initialization", func(t *testing.T) {
		denied := &os.PathError{Op: "open", Path: "bluge.pid", Err: syscall.EACCES}
		provider := &recordingDirectoryProvider{directory: &brokenLockDirectory{Directory: heapdir.New(), lockErr: denied}}
		strategy := nearRealTimeStrategy(t, provider, newManualTimingSource(), 0, 0)
		accessor, err := strategy.CreateIndexAccessor(EventContext{IndexName: "people"}, nil)
		require.NoError(t, err)
		defer accessor.Close()
		require.NoError(t, accessor.Start())

		err = accessor.EnsureIndexExists(context.Background())
		var initErr *IndexInitializationError
		require.ErrorAs(t, err, &initErr)
		assert.ErrorIs(t, err, os.ErrPermission)
		assert.NotErrorIs(t, err, ErrDirectoryLocked)

		exists, err := accessor.holder.Get().IndexExists()
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("uses the live writer when this process already has one", func(t *testing.T) {
		provider := NewHeapDirectoryProvider(logger)
		strategy := nearRealTimeStrategy(t, provider, newManualTimingSource(), 0, 0)
		accessor, err := strategy.CreateIndexAccessor(EventContext{IndexName: "people"}, nil)
		require.NoError(t, err)
		defer accessor.Close()
		require.NoError(t, accessor.Start())

		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		require.NoError(t, accessor.EnsureIndexExists(context.Background()))

		exists, err := accessor.holder.Get().IndexExists()
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Same(t, delegator, accessor.writers.GetOrNil())
	})

	t.Run("concurrent initialization from two owners of the same storage", func(t *testing.T) {
		root := t.TempDir()
		policy := LockRetryPolicy{Attempts: 200, Interval: 10 * time.Millisecond}

		accessors := make([]*IndexAccessor, 2)
		for i := range accessors {
			// Separate providers behave like separate processes sharing a root.
			strategy, err := NewNearRealTimeIOStrategy(logger, metrics, newManualTimingSource(), NewFileSystemDirectoryProvider(logger, root), 0, 0, true, policy)
			require.NoError(t, err)
			accessor, err := strategy.CreateIndexAccessor(EventContext{IndexName: "people"}, nil)
			require.NoError(t, err)
			defer accessor.Close()
			require.NoError(t, accessor.Start())
			accessors[i] = accessor
		}

		var wg sync.WaitGroup
		errs := make([]error, len(accessors))
		for i, accessor := range accessors {
			wg.Add(1)
			go func(i int, accessor *IndexAccessor) {
				defer wg.Done()
				errs[i] = accessor.EnsureIndexExists(context.Background())
			}(i, accessor)
		}
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		for _, accessor := range accessors {
			assert.False(t, accessor.holder.Get().IsLocked())
		}

		snapshots, err := accessors[0].holder.Get().List(index.ItemKindSnapshot)
		require.NoError(t, err)
		assert.Len(t, snapshots, 1)

		snapshot, err := index.OpenReader(accessors[0].writers.engine.indexConfig(false))
		require.NoError(t, err)
		defer snapshot.Close()
		count, err := snapshot.Count()
		require.NoError(t, err)
		assert.Equal(t, uint64(0), count)
	})
}
