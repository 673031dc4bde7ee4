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
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/walteh/migrc/pkg/fsutil"
	"gitlab.com/tozd/go/errors"
)

const manifestName = "manifest.json"

// 📜 Manifest is the on-disk index of one session's backups
type Manifest struct {
	SessionID string    `json:"session_id"`
	Root      string    `json:"root"`
	UpdatedAt time.Time `json:"updated_at"`
	Records   []Record  `json:"records"`
}

// SessionInfo summarizes a session found in the backup directory
type SessionInfo struct {
	ID        string    `json:"id"`
	Records   int       `json:"records"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) manifestPath(sessionID string) string {
	return filepath.Join(s.SessionDir(sessionID), manifestName)
}

func (s *Store) writeManifest(m *Manifest) error {
	sort.Slice(m.Records, func(i, j int) bool { return m.Records[i].RelPath < m.Records[j].RelPath })

	data, err := json.MarshalIndent(m, "", "\t")
	if err != nil {
		return errors.Errorf("encoding manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.manifestPath(m.SessionID), append(data, '\n'), 0o644); err != nil {
		return errors.Errorf("writing manifest: %w", err)
	}
	return nil
}

// 📖 LoadManifest reads a session's manifest from disk and merges its records into
// the index, so sessions created by an earlier process can be rolled back
func (s *Store) LoadManifest(sessionID string) (*Manifest, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.manifestPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("no backups found for session %s", sessionID)
		}
		return nil, errors.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Errorf("decoding manifest of session %s: %w", sessionID, err)
	}
	if m.SessionID != sessionID {
		return nil, errors.Errorf("manifest in %s belongs to session %s", sessionID, m.SessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[sessionID]
	if !ok {
		idx = make(map[string]Record)
		s.index[sessionID] = idx
	}
	for _, rec := range m.Records {
		if _, exists := idx[rec.Path]; !exists {
			idx[rec.Path] = rec
		}
	}
	return &m, nil
}

// 📂 Sessions lists the sessions with a manifest in the backup directory, newest first
func (s *Store) Sessions() ([]SessionInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Errorf("listing backup directory: %w", err)
	}

	var out []SessionInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(s.manifestPath(e.Name()))
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		out = append(out, SessionInfo{ID: e.Name(), Records: len(m.Records), UpdatedAt: m.UpdatedAt})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
