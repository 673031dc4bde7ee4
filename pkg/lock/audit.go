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

package lock

import (
	"sort"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"
)

type Op string

const (
	OpAcquire Op = "acquire"
	OpRelease Op = "release"
)

// Event is one lock transition
type Event struct {
	Seq   uint64
	Op    Op
	Owner string
	Path  string
	At    time.Time
}

// Auditor receives lock transitions in the order they take effect
type Auditor interface {
	Record(Event)
}

// 📒 AuditLog is an in-memory Auditor that can check the recorded history for
// overlapping holders
type AuditLog struct {
	mu     sync.Mutex
	seq    uint64
	events []Event
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (a *AuditLog) Record(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	ev.Seq = a.seq
	a.events = append(a.events, ev)
}

// Events returns a copy of the history ordered by sequence number
func (a *AuditLog) Events() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]Event(nil), a.events...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// ✅ Verify fails if any path was acquired while another owner still held it, or
// released by someone other than its holder
func (a *AuditLog) Verify() error {
	holders := map[string]string{}
	for _, ev := range a.Events() {
		holder, held := holders[ev.Path]
		switch ev.Op {
		case OpAcquire:
			if held {
				return errors.Errorf("seq %d: %s acquired %s while held by %s", ev.Seq, ev.Owner, ev.Path, holder)
			}
			holders[ev.Path] = ev.Owner
		case OpRelease:
			if !held || holder != ev.Owner {
				return errors.Errorf("seq %d: %s released %s without holding it", ev.Seq, ev.Owner, ev.Path)
			}
			delete(holders, ev.Path)
		}
	}
	return nil
}
