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
package session

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/walteh/migrc/pkg/backup"
	"github.com/walteh/migrc/pkg/fsutil"
	"github.com/walteh/migrc/pkg/status"
	"gitlab.com/tozd/go/errors"
)

// Exit codes derived from a report
const (
	ExitOK              = 0
	ExitFailures        = 1
	ExitAborted         = 2
	ExitRestoreFailures = 3
	ExitConfigError     = 4
)

// Counts tallies terminal outcomes
type Counts struct {
	Written       int `json:"written"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	NotDispatched int `json:"not_dispatched"`
}

// Failure is one file-scoped error, classified by kind
type Failure struct {
	Path    string `json:"path,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// 📊 Report is the final account of a session
type Report struct {
	SessionID       string                    `json:"session_id"`
	Project         string                    `json:"project,omitempty"`
	Root            string                    `json:"root"`
	Status          State                     `json:"status"`
	AbortReason     string                    `json:"abort_reason,omitempty"`
	StartedAt       time.Time                 `json:"started_at"`
	FinishedAt      time.Time                 `json:"finished_at"`
	Workers         int                       `json:"workers"`
	BatchSize       int                       `json:"batch_size"`
	Batches         int                       `json:"batches"`
	Counts          Counts                    `json:"counts"`
	Statuses        map[status.FileStatus]int `json:"statuses"` // final status tally of every enumerated file
	Files           []status.FileInfo         `json:"files"`
	Failures        []Failure                 `json:"failures"`
	Backups         []backup.Record           `json:"backups"`
	BackupsRemoved  bool                      `json:"backups_removed"`
	Restored        []string                  `json:"restored"`
	RestoreFailures []Failure                 `json:"restore_failures"`
}

// 📊 Report snapshots the session's current outcomes
func (s *Session) Report() *Report {
	s.mu.Lock()
	r := &Report{
		SessionID:       s.id,
		Project:         s.project,
		Root:            s.root,
		AbortReason:     s.abortReason,
		StartedAt:       s.startedAt,
		FinishedAt:      s.finishedAt,
		Workers:         s.migration.ParallelThreads,
		BatchSize:       s.migration.BatchSize,
		Batches:         s.batches,
		Failures:        append([]Failure{}, s.failures...),
		Restored:        append([]string{}, s.restored...),
		RestoreFailures: append([]Failure{}, s.restoreFailures...),
		BackupsRemoved:  s.removed != nil,
	}
	removed := s.removed
	s.mu.Unlock()

	r.Status = s.State()
	r.Counts = Counts{
		Written:       int(s.written.Load()),
		Skipped:       int(s.skipped.Load()),
		Failed:        int(s.failed.Load()),
		NotDispatched: int(s.notDispatched.Load()),
	}
	r.Files = s.tracker.List()
	r.Statuses = s.tracker.Counts()
	r.Backups = []backup.Record{}
	switch {
	case removed != nil:
		r.Backups = append(r.Backups, removed...)
	case s.store != nil:
		r.Backups = append(r.Backups, s.store.Records(s.id)...)
	}
	return r
}

// ExitCode maps the report to the process exit status
func (r *Report) ExitCode() int {
	switch r.Status {
	case StateCompleted:
		if r.Counts.Failed > 0 {
			return ExitFailures
		}
		return ExitOK
	case StateRolledBack:
		if len(r.RestoreFailures) > 0 {
			return ExitRestoreFailures
		}
		return ExitAborted
	default:
		return ExitAborted
	}
}

// FileName is the report's file name, stamped with its finish time
func (r *Report) FileName() string {
	return "migration_report_" + r.FinishedAt.Format("20060102_150405") + ".json"
}

// 💾 WriteFile writes the report as JSON into dir and returns its path
func (r *Report) WriteFile(dir string) (string, error) {
	data, err := json.MarshalIndent(r, "", "\t")
	if err != nil {
		return "", errors.Errorf("encoding report: %w", err)
	}
	path := filepath.Join(dir, r.FileName())
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return "", errors.Errorf("writing report: %w", err)
	}
	return path, nil
}
