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

// Package rollback restores files from session backups.
package rollback

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/walteh/migrc/pkg/backup"
	"github.com/walteh/migrc/pkg/fsutil"
	"gitlab.com/tozd/go/errors"
)

// ⏪ Manager restores originals recorded in a backup store
type Manager struct {
	store *backup.Store
}

func New(store *backup.Store) *Manager {
	return &Manager{store: store}
}

// Result aggregates a session restore
type Result struct {
	Restored []backup.Record
	Failures []*RestoreError
}

func (r Result) OK() bool {
	return len(r.Failures) == 0
}

// 🔁 RestoreFile writes the backup bytes of rec over the original and verifies the
// result against the recorded hash
func (m *Manager) RestoreFile(ctx context.Context, rec backup.Record) error {
	if err := ctx.Err(); err != nil {
		return &RestoreError{Record: rec, Err: err}
	}

	data, err := m.store.ReadBackup(rec)
	if err != nil {
		return &RestoreError{Record: rec, Err: err}
	}
	if got := fsutil.Hash(data); got != rec.Hash {
		return &RestoreError{Record: rec, Err: errors.Errorf("backup copy is corrupt: hash %s, recorded %s", short(got), short(rec.Hash))}
	}

	mode := rec.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := fsutil.WriteFileAtomic(rec.Path, data, mode); err != nil {
		return &RestoreError{Record: rec, Err: err}
	}
	// WriteFileAtomic keeps the mode of the file it replaces
	if err := os.Chmod(rec.Path, mode); err != nil {
		return &RestoreError{Record: rec, Err: errors.Errorf("restoring mode: %w", err)}
	}

	got, err := fsutil.HashFile(rec.Path)
	if err != nil {
		return &RestoreError{Record: rec, Err: errors.Errorf("verifying restore: %w", err)}
	}
	if got != rec.Hash {
		return &RestoreError{Record: rec, Err: errors.Errorf("restored content hash %s does not match %s", short(got), short(rec.Hash))}
	}

	zerolog.Ctx(ctx).Debug().Str("path", rec.RelPath).Msg("restored from backup")
	return nil
}

// 🔁 RestoreSession restores every record of the session. Failures do not stop the
// remaining restores. Records are loaded from the manifest when the store has none
// in memory.
func (m *Manager) RestoreSession(ctx context.Context, sessionID string) (Result, error) {
	records := m.store.Records(sessionID)
	if len(records) == 0 {
		if _, err := m.store.LoadManifest(sessionID); err != nil {
			return Result{}, errors.Errorf("loading session %s: %w", sessionID, err)
		}
		records = m.store.Records(sessionID)
	}

	logger := zerolog.Ctx(ctx)
	var res Result
	for _, rec := range records {
		// restores continue past cancellation so a rollback is never left half done
		if err := m.RestoreFile(context.WithoutCancel(ctx), rec); err != nil {
			var rerr *RestoreError
			if !errors.As(err, &rerr) {
				rerr = &RestoreError{Record: rec, Err: err}
			}
			logger.Error().Err(err).Str("path", rec.RelPath).Msg("restore failed")
			res.Failures = append(res.Failures, rerr)
			continue
		}
		res.Restored = append(res.Restored, rec)
	}

	logger.Info().
		Str("session", sessionID).
		Int("restored", len(res.Restored)).
		Int("failed", len(res.Failures)).
		Msg("session rollback finished")

	return res, nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// ❌ RestoreError reports a file that could not be restored
type RestoreError struct {
	Record backup.Record
	Err    error
}

func (e *RestoreError) Error() string {
	return "restoring " + e.Record.Path + ": " + e.Err.Error()
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Kind returns the error kind used in session reports
func (e *RestoreError) Kind() string { return "RollbackError" }
