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
	"errors"
	"fmt"
)

var (
	ErrDirectoryLocked     = errors.New("index directory is locked by another writer")
	ErrIndexAccessorClosed = errors.New("index accessor is closed")
	ErrIndexAlreadyStarted = errors.New("index accessor already started")
	ErrIndexNotStarted     = errors.New("index accessor not started")
)

// EventContext identifies the index partition an event or error relates to.
type EventContext struct {
	IndexName string
	ShardID   string
}

func (c EventContext) String() string {
	if c.ShardID == "" {
		return fmt.Sprintf("index '%s'", c.IndexName)
	}
	return fmt.Sprintf("index '%s', shard '%s'", c.IndexName, c.ShardID)
}

// IndexInitializationError is returned when storage cannot be opened or the
// initial empty index cannot be created.
type IndexInitializationError struct {
	Context EventContext
	Err     error
}

func (e *IndexInitializationError) Error() string {
	return fmt.Sprintf("unable to initialize %s: %v", e.Context, e.Err)
}

func (e *IndexInitializationError) Unwrap() error { return e.Err }

// IndexWriterCreationError is returned when the index writer cannot be
// opened, including after the bounded lock wait.
type IndexWriterCreationError struct {
	Context EventContext
	Err     error
}

func (e *IndexWriterCreationError) Error() string {
	return fmt.Sprintf("unable to create index writer for %s: %v", e.Context, e.Err)
}

func (e *IndexWriterCreationError) Unwrap() error { return e.Err }

// IndexingOperationError is returned when a single document mutation fails.
type IndexingOperationError struct {
	Context    EventContext
	Operation  string
	EntityType string
	EntityID   string
	Err        error
}

func (e *IndexingOperationError) Error() string {
	if e.EntityType == "" && e.EntityID == "" {
		return fmt.Sprintf("unable to %s documents in %s: %v", e.Operation, e.Context, e.Err)
	}
	return fmt.Sprintf("unable to %s entity '%s' with id '%s' in %s: %v", e.Operation, e.EntityType, e.EntityID, e.Context, e.Err)
}

func (e *IndexingOperationError) Unwrap() error { return e.Err }

type IndexCommitError struct {
	Context EventContext
	Err     error
}

func (e *IndexCommitError) Error() string {
	return fmt.Sprintf("unable to commit %s: %v", e.Context, e.Err)
}

func (e *IndexCommitError) Unwrap() error { return e.Err }

type IndexRefreshError struct {
	Context EventContext
	Err     error
}

func (e *IndexRefreshError) Error() string {
	return fmt.Sprintf("unable to refresh %s: %v", e.Context, e.Err)
}

func (e *IndexRefreshError) Unwrap() error { return e.Err }
