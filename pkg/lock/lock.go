// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lock provides per-path mutual exclusion for migration workers.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"
)

const DefaultTimeout = 30 * time.Second

// 🔒 Table grants exclusive, owner-reentrant locks keyed by file path. Waiting for
// a held path is bounded by the table's timeout.
type Table struct {
	timeout time.Duration
	auditor Auditor

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem     chan struct{}
	owner   string
	depth   int
	waiters int
}

type Option func(*Table)

// WithAuditor records every acquire and release on a
func WithAuditor(a Auditor) Option {
	return func(t *Table) { t.auditor = a }
}

// 🏭 NewTable creates a lock table. A non-positive timeout uses DefaultTimeout.
func NewTable(timeout time.Duration, opts ...Option) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := &Table{
		timeout: timeout,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) Timeout() time.Duration {
	return t.timeout
}

// 🔐 Acquire blocks until owner holds path, the timeout elapses (ConflictError) or
// ctx is done. Acquiring a path the owner already holds nests.
func (t *Table) Acquire(ctx context.Context, owner, path string) error {
	t.mu.Lock()
	e, ok := t.entries[path]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.entries[path] = e
	}
	if e.depth > 0 && e.owner == owner {
		e.depth++
		t.mu.Unlock()
		return nil
	}
	e.waiters++
	t.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		t.mu.Lock()
		e.waiters--
		e.owner = owner
		e.depth = 1
		t.record(OpAcquire, owner, path)
		t.mu.Unlock()
		return nil

	case <-timer.C:
		t.mu.Lock()
		holder := e.owner
		t.abandon(path, e)
		t.mu.Unlock()
		return &ConflictError{Path: path, Owner: owner, Holder: holder, Waited: time.Since(start)}

	case <-ctx.Done():
		t.mu.Lock()
		t.abandon(path, e)
		t.mu.Unlock()
		return errors.Errorf("waiting for lock on %s: %w", path, ctx.Err())
	}
}

// 🔓 Release undoes one Acquire by owner. The path is freed when the outermost
// acquisition is released.
func (t *Table) Release(owner, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[path]
	if !ok || e.depth == 0 {
		return errors.Errorf("releasing %s: not locked", path)
	}
	if e.owner != owner {
		return errors.Errorf("releasing %s: held by %s, not %s", path, e.owner, owner)
	}

	e.depth--
	if e.depth > 0 {
		return nil
	}

	t.record(OpRelease, owner, path)
	e.owner = ""
	<-e.sem
	if e.waiters == 0 {
		delete(t.entries, path)
	}
	return nil
}

// Holder returns the current owner of path
func (t *Table) Holder(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[path]
	if !ok || e.depth == 0 {
		return "", false
	}
	return e.owner, true
}

// abandon drops a waiter that gave up; caller holds t.mu
func (t *Table) abandon(path string, e *entry) {
	e.waiters--
	if e.depth == 0 && e.waiters == 0 && t.entries[path] == e {
		delete(t.entries, path)
	}
}

// record forwards an event to the auditor; caller holds t.mu
func (t *Table) record(op Op, owner, path string) {
	if t.auditor == nil {
		return
	}
	t.auditor.Record(Event{Op: op, Owner: owner, Path: path, At: time.Now()})
}

// ⚠️ ConflictError reports a lock that could not be obtained within the timeout
type ConflictError struct {
	Path   string
	Owner  string
	Holder string
	Waited time.Duration
}

func (e *ConflictError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("lock on %s not acquired by %s after %s", e.Path, e.Owner, e.Waited.Round(time.Millisecond))
	}
	return fmt.Sprintf("lock on %s held by %s, %s gave up after %s", e.Path, e.Holder, e.Owner, e.Waited.Round(time.Millisecond))
}

// Kind returns the error kind used in session reports
func (e *ConflictError) Kind() string { return "ConflictError" }
