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
	"strings"

	"go.uber.org/multierr"
)

// SuppressedError carries the error that aborted an operation along with any
// errors raised while releasing what the operation had already acquired.
// Unwrap returns the primary error only.
type SuppressedError struct {
	Err        error
	Suppressed []error
}

func (e *SuppressedError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Err.Error())
	for _, s := range e.Suppressed {
		sb.WriteString("; suppressed: ")
		sb.WriteString(s.Error())
	}
	return sb.String()
}

func (e *SuppressedError) Unwrap() error { return e.Err }

// withSuppressed attaches cleanupErr to err. A nil cleanupErr returns err
// untouched.
func withSuppressed(err, cleanupErr error) error {
	if cleanupErr == nil {
		return err
	}
	if err == nil {
		return cleanupErr
	}
	return &SuppressedError{Err: err, Suppressed: multierr.Errors(cleanupErr)}
}

// closer runs every release function it is given, even after failures, and
// reports all of them together.
type closer struct {
	err error
}

func (c *closer) close(fn func() error) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.err = multierr.Append(c.err, fmt.Errorf("panic while closing: %v", r))
		}
	}()
	c.err = multierr.Append(c.err, fn())
}

func (c *closer) Err() error {
	return c.err
}
