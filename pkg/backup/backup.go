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

package backup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/walteh/migrc/pkg/catalog"
	"github.com/walteh/migrc/pkg/fsutil"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/singleflight"
)

// 💾 Record describes the pre-migration snapshot of one file in one session
type Record struct {
	SessionID string      `json:"session_id"`
	Path      string      `json:"path"`
	RelPath   string      `json:"rel_path"`
	Hash      string      `json:"hash"`
	Location  string      `json:"location"`
	CreatedAt time.Time   `json:"created_at"`
	Mode      os.FileMode `json:"mode"`
}

// 🗄️ Store keeps session-scoped backups under dir, mirroring paths relative to the
// project root. Each file is snapshotted at most once per session.
type Store struct {
	root string
	dir  string

	group singleflight.Group

	// manifestMu serializes manifest rewrites; mu guards the index
	manifestMu sync.Mutex
	mu         sync.RWMutex
	index      map[string]map[string]Record // session -> path -> record
}

// 🏭 NewStore creates a store for the project at root with backups under dir.
// A relative dir is resolved against root.
func NewStore(root, dir string) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Errorf("resolving project root: %w", err)
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(absRoot, dir)
	}
	return &Store{
		root:  absRoot,
		dir:   filepath.Clean(dir),
		index: make(map[string]map[string]Record),
	}, nil
}

// Dir returns the absolute backup directory
func (s *Store) Dir() string {
	return s.dir
}

// SessionDir returns the directory holding one session's snapshots
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.dir, sessionID)
}

// 📸 Snapshot copies the current bytes of file into the session's backup area and
// records them. If the session already holds a record for the file, that record is
// returned and nothing is copied. Concurrent calls for the same file share one copy.
func (s *Store) Snapshot(ctx context.Context, sessionID string, file catalog.SourceFile) (Record, error) {
	if err := validSessionID(sessionID); err != nil {
		return Record{}, &SnapshotError{SessionID: sessionID, Path: file.Path, Err: err}
	}
	if rec, ok := s.lookup(sessionID, file.Path); ok {
		return rec, nil
	}

	v, err, _ := s.group.Do(sessionID+"\x00"+file.Path, func() (any, error) {
		if rec, ok := s.lookup(sessionID, file.Path); ok {
			return rec, nil
		}
		return s.snapshot(ctx, sessionID, file)
	})
	if err != nil {
		return Record{}, &SnapshotError{SessionID: sessionID, Path: file.Path, Err: err}
	}
	return v.(Record), nil
}

func (s *Store) snapshot(ctx context.Context, sessionID string, file catalog.SourceFile) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	rel := file.RelPath
	if rel == "" {
		r, err := filepath.Rel(s.root, file.Path)
		if err != nil {
			return Record{}, errors.Errorf("relativizing %s: %w", file.Path, err)
		}
		rel = filepath.ToSlash(r)
	}
	if rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
		return Record{}, errors.Errorf("%s is outside the project root", file.Path)
	}

	info, err := os.Stat(file.Path)
	if err != nil {
		return Record{}, errors.Errorf("stating original: %w", err)
	}
	data, err := os.ReadFile(file.Path)
	if err != nil {
		return Record{}, errors.Errorf("reading original: %w", err)
	}

	rec := Record{
		SessionID: sessionID,
		Path:      file.Path,
		RelPath:   rel,
		Hash:      fsutil.Hash(data),
		Location:  filepath.Join(s.SessionDir(sessionID), filepath.FromSlash(rel)),
		CreatedAt: time.Now().UTC(),
		Mode:      info.Mode().Perm(),
	}

	if err := fsutil.WriteFileAtomic(rec.Location, data, rec.Mode); err != nil {
		return Record{}, errors.Errorf("writing backup copy: %w", err)
	}

	if err := s.commit(rec); err != nil {
		_ = os.Remove(rec.Location)
		return Record{}, err
	}

	zerolog.Ctx(ctx).Debug().
		Str("session", sessionID).
		Str("path", rel).
		Str("hash", rec.Hash[:12]).
		Msg("snapshot created")

	return rec, nil
}

// commit persists the manifest including rec, then adds rec to the index
func (s *Store) commit(rec Record) error {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	records := append(s.Records(rec.SessionID), rec)
	m := &Manifest{
		SessionID: rec.SessionID,
		Root:      s.root,
		UpdatedAt: time.Now().UTC(),
		Records:   records,
	}
	if err := s.writeManifest(m); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[rec.SessionID]
	if !ok {
		idx = make(map[string]Record)
		s.index[rec.SessionID] = idx
	}
	idx[rec.Path] = rec
	return nil
}

func (s *Store) lookup(sessionID, path string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.index[sessionID][path]
	return rec, ok
}

// Lookup returns the record for path in the session, if any
func (s *Store) Lookup(sessionID, path string) (Record, bool) {
	return s.lookup(sessionID, path)
}

// 📋 Records returns the session's records in the index, ordered by relative path
func (s *Store) Records(sessionID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.index[sessionID]
	out := make([]Record, 0, len(idx))
	for _, rec := range idx {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out
}

// ReadBackup returns the snapshot bytes of rec
func (s *Store) ReadBackup(rec Record) ([]byte, error) {
	data, err := os.ReadFile(rec.Location)
	if err != nil {
		return nil, errors.Errorf("reading backup of %s: %w", rec.RelPath, err)
	}
	return data, nil
}

// 🗑️ Remove deletes the session's backups and forgets its records
func (s *Store) Remove(sessionID string) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}

	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	if err := os.RemoveAll(s.SessionDir(sessionID)); err != nil {
		return errors.Errorf("removing backups of session %s: %w", sessionID, err)
	}

	s.mu.Lock()
	delete(s.index, sessionID)
	s.mu.Unlock()
	return nil
}

func validSessionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return errors.Errorf("invalid session id %q", id)
	}
	return nil
}

// ❌ SnapshotError reports a backup that could not be created
type SnapshotError struct {
	SessionID string
	Path      string
	Err       error
}

func (e *SnapshotError) Error() string {
	return "backing up " + e.Path + ": " + e.Err.Error()
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// Kind returns the error kind used in session reports
func (e *SnapshotError) Kind() string { return "BackupError" }
