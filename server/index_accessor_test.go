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
	"testing"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAccessor_Lifecycle(t *testing.T) {
	t.Run("operations before start report the index is not started", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor, err := strategy.CreateIndexAccessor(EventContext{IndexName: "people"}, nil)
		require.NoError(t, err)
		defer accessor.Close()

		_, err = accessor.GetIndexWriterDelegator()
		assert.ErrorIs(t, err, ErrIndexNotStarted)
		_, err = accessor.GetIndexReader()
		assert.ErrorIs(t, err, ErrIndexNotStarted)
		assert.ErrorIs(t, accessor.Commit(), ErrIndexNotStarted)
		assert.ErrorIs(t, accessor.Refresh(), ErrIndexNotStarted)
		assert.ErrorIs(t, accessor.EnsureIndexExists(context.Background()), ErrIndexNotStarted)
		_, err = accessor.ComputeSizeInBytes()
		assert.ErrorIs(t, err, ErrIndexNotStarted)
	})

	t.Run("start may only be called once", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor, err := strategy.CreateIndexAccessor(EventContext{IndexName: "people"}, nil)
		require.NoError(t, err)
		defer accessor.Close()

		require.NoError(t, accessor.Start())
		assert.ErrorIs(t, accessor.Start(), ErrIndexAlreadyStarted)
	})

	t.Run("a failed start leaves the accessor unusable", func(t *testing.T) {
		provider := NewHeapDirectoryProvider(logger)
		strategy := nearRealTimeStrategy(t, provider, newManualTimingSource(), 0, 0)
		owner := startedAccessor(t, strategy, "people")
		require.NotNil(t, owner)

		// The location is already held by owner.
		accessor, err := strategy.CreateIndexAccessor(EventContext{IndexName: "people"}, nil)
		require.NoError(t, err)
		defer accessor.Close()

		err = accessor.Start()
		var initErr *IndexInitializationError
		require.ErrorAs(t, err, &initErr)
		assert.Equal(t, "people", initErr.Context.IndexName)
		assert.ErrorIs(t, accessor.Start(), ErrIndexAlreadyStarted)
		_, err = accessor.GetIndexReader()
		assert.ErrorIs(t, err, ErrIndexNotStarted)
	})

	t.Run("close is idempotent and ends every operation", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		require.NoError(t, delegator.Add(personRef("1"), personDoc("1", "Alice", 30)))
		reader, err := accessor.GetIndexReader()
		require.NoError(t, err)

		require.NoError(t, accessor.Close())
		assert.NoError(t, accessor.Close())

		_, err = accessor.GetIndexWriterDelegator()
		assert.ErrorIs(t, err, ErrIndexAccessorClosed)
		_, err = accessor.GetIndexReader()
		assert.ErrorIs(t, err, ErrIndexAccessorClosed)
		assert.ErrorIs(t, accessor.Commit(), ErrIndexAccessorClosed)
		assert.ErrorIs(t, accessor.CommitOrDelay(), ErrIndexAccessorClosed)
		assert.ErrorIs(t, accessor.Refresh(), ErrIndexAccessorClosed)
		assert.ErrorIs(t, accessor.Reset(), ErrIndexAccessorClosed)
		assert.ErrorIs(t, accessor.Start(), ErrIndexAccessorClosed)
		assert.ErrorIs(t, delegator.Add(personRef("2"), personDoc("2", "Bob", 40)), errIndexWriterClosed)

		// Readers handed out before close are released by their owner.
		assert.NoError(t, reader.Close())
	})

	t.Run("close before start releases nothing and succeeds", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor, err := strategy.CreateIndexAccessor(EventContext{IndexName: "people"}, nil)
		require.NoError(t, err)
		assert.NoError(t, accessor.Close())
		assert.ErrorIs(t, accessor.Start(), ErrIndexAccessorClosed)
	})

	t.Run("commit and refresh without a writer do nothing", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")

		assert.NoError(t, accessor.Commit())
		assert.NoError(t, accessor.CommitOrDelay())
		assert.NoError(t, accessor.Refresh())
		assert.Nil(t, accessor.writers.GetOrNil())
	})
}

func TestIndexAccessor_Durability(t *testing.T) {
	t.Run("committed documents survive reopening the accessor", func(t *testing.T) {
		provider := NewHeapDirectoryProvider(logger)
		strategy := nearRealTimeStrategy(t, provider, newManualTimingSource(), time.Hour, 0)

		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		require.NoError(t, delegator.Add(personRef("1"), personDoc("1", "Alice", 30)))
		require.NoError(t, accessor.Commit())
		require.NoError(t, accessor.Close())

		reopened := startedAccessor(t, strategy, "people")
		assert.Equal(t, uint64(1), readerCount(t, reopened))
	})

	t.Run("closing commits outstanding work", func(t *testing.T) {
		provider := NewHeapDirectoryProvider(logger)
		strategy := nearRealTimeStrategy(t, provider, newManualTimingSource(), time.Hour, 0)

		accessor := startedAccessor(t, strategy, "people")
		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		require.NoError(t, delegator.Add(personRef("1"), personDoc("1", "Alice", 30)))
		require.NoError(t, delegator.Add(personRef("2"), personDoc("2", "Bob", 40)))
		require.NoError(t, accessor.Close())

		reopened := startedAccessor(t, strategy, "people")
		assert.Equal(t, uint64(2), readerCount(t, reopened))
	})

	t.Run("reset commits and recreates the writer", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), time.Hour, 0)
		accessor := startedAccessor(t, strategy, "people")
		first, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		require.NoError(t, first.Add(personRef("1"), personDoc("1", "Alice", 30)))

		require.NoError(t, accessor.Reset())
		assert.Nil(t, accessor.writers.GetOrNil())
		assert.Equal(t, uint64(1), readerCount(t, accessor))

		second, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		assert.NotSame(t, first, second)
		assert.Equal(t, uint64(1), readerCount(t, accessor))
	})

	t.Run("size grows once documents are committed", func(t *testing.T) {
		strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
		accessor := startedAccessor(t, strategy, "people")
		before, err := accessor.ComputeSizeInBytes()
		require.NoError(t, err)

		delegator, err := accessor.GetIndexWriterDelegator()
		require.NoError(t, err)
		for _, id := range []string{"1", "2", "3"} {
			require.NoError(t, delegator.Add(personRef(id), personDoc(id, "Person "+id, 20)))
		}
		require.NoError(t, accessor.Commit())

		after, err := accessor.ComputeSizeInBytes()
		require.NoError(t, err)
		assert.Greater(t, after, before)
	})
}

func TestIndexAccessor_Search(t *testing.T) {
	strategy := nearRealTimeStrategy(t, NewHeapDirectoryProvider(logger), newManualTimingSource(), 0, 0)
	accessor := startedAccessor(t, strategy, "people")
	delegator, err := accessor.GetIndexWriterDelegator()
	require.NoError(t, err)

	alice := personRef("alice")
	require.NoError(t, delegator.Add(alice, personDoc("alice", "Alice", 30)))
	require.NoError(t, accessor.Commit())

	reader, err := accessor.GetIndexReader()
	require.NoError(t, err)
	byName := bluge.NewTermQuery("Alice").SetField("name")
	assert.Equal(t, 1, countMatches(t, reader, byName))
	assert.Equal(t, 1, countMatches(t, reader, bluge.NewNumericRangeInclusiveQuery(30, 30, true, true).SetField("age")))
	assert.Equal(t, 0, countMatches(t, reader, bluge.NewTermQuery("Bob").SetField("name")))

	require.NoError(t, delegator.Delete(alice))
	require.NoError(t, accessor.Commit())
	require.NoError(t, accessor.Refresh())

	fresh, err := accessor.GetIndexReader()
	require.NoError(t, err)
	assert.Equal(t, 0, countMatches(t, fresh, byName))
	require.NoError(t, fresh.Close())

	// The reader taken before the delete still sees the document.
	assert.Equal(t, 1, countMatches(t, reader, byName))
	assert.Equal(t, 1, countMatches(t, reader, BuildDeletionQuery(alice)))
	require.NoError(t, reader.Close())
}
