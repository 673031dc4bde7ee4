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

package status

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/walteh/migrc/pkg/catalog"
	"gitlab.com/tozd/go/errors"
)

// 📊 FileStatus is the mutation state of a file within a session
type FileStatus int

const (
	StatusUntouched   FileStatus = iota // Enumerated, not yet processed
	StatusBackedUp                      // Snapshot recorded
	StatusTransformed                   // New content computed, not yet written
	StatusWritten                       // New content on disk
	StatusSkipped                       // Nothing to change, rejected or aborted
	StatusFailed                        // A file-scoped error ended the task
	StatusRolledBack                    // Restored from backup
)

// String returns a string representation of FileStatus
func (s FileStatus) String() string {
	switch s {
	case StatusUntouched:
		return "untouched"
	case StatusBackedUp:
		return "backed-up"
	case StatusTransformed:
		return "transformed"
	case StatusWritten:
		return "written"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	case StatusRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

func (s FileStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether a task can end in s
func (s FileStatus) Terminal() bool {
	switch s {
	case StatusWritten, StatusSkipped, StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

// 📄 FileInfo is the tracked outcome of one file
type FileInfo struct {
	Path      string       `json:"path"`
	RelPath   string       `json:"rel_path"`
	Kind      catalog.Kind `json:"kind"`
	Status    FileStatus   `json:"status"`
	Hash      string       `json:"hash,omitempty"`   // content hash at read time
	Rules     []string     `json:"rules,omitempty"`  // rules that changed the file
	Reason    string       `json:"reason,omitempty"` // why a file was skipped or failed
	ErrorKind string       `json:"error_kind,omitempty"`
	Err       error        `json:"-"`
}

// 📈 Tracker records per-file outcomes and overall progress. Safe for concurrent use.
type Tracker struct {
	formatter FileFormatter

	mu    sync.RWMutex
	files map[string]*FileInfo
	order []string

	total     int
	processed int
}

// 🏭 NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		formatter: NewDefaultFileFormatter(),
		files:     make(map[string]*FileInfo),
	}
}

// Register starts tracking file as untouched. Registering a path twice is a no-op.
func (t *Tracker) Register(file catalog.SourceFile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.files[file.Path]; ok {
		return
	}
	t.files[file.Path] = &FileInfo{
		Path:    file.Path,
		RelPath: file.RelPath,
		Kind:    file.Kind,
		Status:  StatusUntouched,
	}
	t.order = append(t.order, file.Path)
}

// 🔄 Update applies fn to the tracked info of path under the tracker's lock
func (t *Tracker) Update(ctx context.Context, path string, fn func(info *FileInfo)) error {
	t.mu.Lock()
	info, ok := t.files[path]
	if !ok {
		t.mu.Unlock()
		return errors.Errorf("file not tracked: %s", path)
	}
	fn(info)
	snapshot := *info
	t.mu.Unlock()

	logger := zerolog.Ctx(ctx)
	logger.Debug().
		Str("path", snapshot.RelPath).
		Stringer("status", snapshot.Status).
		Msg(t.formatter.FormatFileStatus(snapshot))
	if snapshot.Err != nil {
		logger.Debug().
			Str("path", snapshot.RelPath).
			Str("kind", snapshot.ErrorKind).
			Msg(t.formatter.FormatError(snapshot.Err))
	}
	return nil
}

// SetStatus moves path to status
func (t *Tracker) SetStatus(ctx context.Context, path string, status FileStatus) error {
	return t.Update(ctx, path, func(info *FileInfo) { info.Status = status })
}

// Get returns a copy of the tracked info for path
func (t *Tracker) Get(path string) (FileInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.files[path]
	if !ok {
		return FileInfo{}, false
	}
	return *info, true
}

// List returns every tracked file in registration order
func (t *Tracker) List() []FileInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]FileInfo, 0, len(t.order))
	for _, p := range t.order {
		out = append(out, *t.files[p])
	}
	return out
}

// Counts tallies tracked files by status
func (t *Tracker) Counts() map[FileStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[FileStatus]int)
	for _, info := range t.files {
		counts[info.Status]++
	}
	return counts
}

func (t *Tracker) StartOperation(ctx context.Context, total int) {
	t.mu.Lock()
	t.total = total
	t.processed = 0
	t.mu.Unlock()

	zerolog.Ctx(ctx).Info().Int("total", total).Msg(t.formatter.FormatProgress(0, total))
}

// Advance marks one more task as terminal
func (t *Tracker) Advance(ctx context.Context) {
	t.mu.Lock()
	t.processed++
	processed, total := t.processed, t.total
	t.mu.Unlock()

	zerolog.Ctx(ctx).Debug().
		Int("processed", processed).
		Int("total", total).
		Msg(t.formatter.FormatProgress(processed, total))
}

func (t *Tracker) FinishOperation(ctx context.Context) {
	t.mu.RLock()
	processed, total := t.processed, t.total
	t.mu.RUnlock()

	zerolog.Ctx(ctx).Info().
		Int("processed", processed).
		Int("total", total).
		Msg(t.formatter.FormatProgress(processed, total))
}
