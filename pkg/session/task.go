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
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/walteh/migrc/pkg/approval"
	"github.com/walteh/migrc/pkg/backup"
	"github.com/walteh/migrc/pkg/catalog"
	"github.com/walteh/migrc/pkg/fsutil"
	"github.com/walteh/migrc/pkg/lock"
	"github.com/walteh/migrc/pkg/log"
	"github.com/walteh/migrc/pkg/rule"
	"github.com/walteh/migrc/pkg/schedule"
	"github.com/walteh/migrc/pkg/status"
	"gitlab.com/tozd/go/errors"
)

// 🔧 handle runs the whole lifecycle of one file on the calling worker. File-scoped
// errors are recorded and never returned, so siblings keep running.
func (s *Session) handle(ctx context.Context, worker int, task schedule.Task) error {
	file := task.File
	owner := fmt.Sprintf("%s/worker-%d", s.id, worker)

	logger := zerolog.Ctx(ctx).With().Str("path", file.RelPath).Int("worker", worker).Logger()
	ctx = logger.WithContext(ctx)
	defer s.tracker.Advance(ctx)

	if s.aborting() {
		s.skip(ctx, file, reasonAborted)
		return nil
	}

	if err := s.acquire(ctx, owner, file.Path); err != nil {
		s.fail(ctx, file, err)
		return nil
	}
	defer func() {
		if err := s.locks.Release(owner, file.Path); err != nil {
			logger.Error().Err(err).Msg("releasing lock")
		}
	}()

	s.process(ctx, file, task.Rules)
	return nil
}

// acquire takes the path lock, retrying conflicts up to lock_retries times
func (s *Session) acquire(ctx context.Context, owner, path string) error {
	for attempt := 0; ; attempt++ {
		err := s.locks.Acquire(ctx, owner, path)
		if err == nil {
			return nil
		}
		var conflict *lock.ConflictError
		if !errors.As(err, &conflict) || attempt >= s.migration.LockRetries {
			return err
		}
		zerolog.Ctx(ctx).Warn().Err(err).Int("attempt", attempt+1).Msg("lock conflict, retrying")
	}
}

// process runs read, transform, review, snapshot and write with the path lock held.
// The abort flag is checked between phases.
func (s *Session) process(ctx context.Context, file catalog.SourceFile, rules []rule.Rule) {
	logger := zerolog.Ctx(ctx)

	original, err := os.ReadFile(file.Path)
	if err != nil {
		s.fail(ctx, file, &IOError{Path: file.Path, Op: "read", Err: err})
		return
	}
	hash := fsutil.Hash(original)
	_ = s.tracker.Update(ctx, file.Path, func(info *status.FileInfo) { info.Hash = hash })

	proposed, changes, err := s.engine.Apply(ctx, file, original, rules)
	if err != nil {
		s.fail(ctx, file, err)
		return
	}
	if changes.Empty() {
		s.skip(ctx, file, reasonNoChanges)
		return
	}
	_ = s.tracker.Update(ctx, file.Path, func(info *status.FileInfo) {
		info.Status = status.StatusTransformed
		info.Rules = changes.RuleIDs()
	})

	if s.aborting() {
		s.skip(ctx, file, reasonAborted)
		return
	}

	if s.gate != nil {
		decision, err := s.gate.Review(ctx, approval.Request{
			File:     file,
			Changes:  changes,
			Original: original,
			Proposed: proposed,
		})
		if err != nil {
			logger.Warn().Err(err).Stringer("decision", decision).Msg("review did not complete")
		}
		switch decision {
		case approval.Reject:
			s.skip(ctx, file, reasonRejected)
			return
		case approval.Abort:
			s.requestAbort("aborted during review")
			s.skip(ctx, file, reasonAborted)
			return
		}
	}

	if s.aborting() {
		s.skip(ctx, file, reasonAborted)
		return
	}

	if s.store != nil {
		rec, err := s.store.Snapshot(ctx, s.id, file)
		if err != nil {
			s.backupFailed(ctx, file, err)
			return
		}
		if rec.Hash != hash {
			s.fail(ctx, file, &IOError{Path: file.Path, Op: "verify", Err: errors.Errorf("content changed after it was read")})
			return
		}
		_ = s.tracker.SetStatus(ctx, file.Path, status.StatusBackedUp)
	}

	if s.aborting() {
		s.skip(ctx, file, reasonAborted)
		return
	}

	// 0 keeps the mode of the file being replaced
	if err := fsutil.WriteFileAtomic(file.Path, proposed, 0); err != nil {
		s.fail(ctx, file, &IOError{Path: file.Path, Op: "write", Err: err})
		return
	}

	s.written.Add(1)
	_ = s.tracker.SetStatus(ctx, file.Path, status.StatusWritten)
	logger.Info().Str("rules", changes.String()).Msg("file migrated")
	s.print(ctx, file, status.StatusWritten, "", changes)
}

func (s *Session) skip(ctx context.Context, file catalog.SourceFile, reason string) {
	s.skipped.Add(1)
	_ = s.tracker.Update(ctx, file.Path, func(info *status.FileInfo) {
		info.Status = status.StatusSkipped
		info.Reason = reason
	})
	zerolog.Ctx(ctx).Debug().Str("reason", reason).Msg("file skipped")
	s.print(ctx, file, status.StatusSkipped, reason, nil)
}

func (s *Session) fail(ctx context.Context, file catalog.SourceFile, err error) {
	n := s.failed.Add(1)
	kind := errorKind(err)

	_ = s.tracker.Update(ctx, file.Path, func(info *status.FileInfo) {
		info.Status = status.StatusFailed
		info.Reason = err.Error()
		info.ErrorKind = kind
		info.Err = err
	})

	s.mu.Lock()
	s.failures = append(s.failures, Failure{Path: file.RelPath, Kind: kind, Message: err.Error()})
	s.mu.Unlock()

	zerolog.Ctx(ctx).Error().Err(err).Str("kind", kind).Msg("file failed")
	s.print(ctx, file, status.StatusFailed, err.Error(), nil)

	if limit := s.migration.MaxFailures; limit > 0 && n > int64(limit) {
		s.requestAbort(fmt.Sprintf("%d failures exceed max_failures %d", n, limit))
	}
}

// backupFailed records a snapshot failure; enough of them abort the session
func (s *Session) backupFailed(ctx context.Context, file catalog.SourceFile, err error) {
	n := s.backupErrors.Add(1)
	s.fail(ctx, file, err)
	if limit := s.migration.MaxBackupErrors; n > int64(limit) {
		s.requestAbort(fmt.Sprintf("%d backup errors exceed max_backup_errors %d", n, limit))
	}
}

func (s *Session) print(ctx context.Context, file catalog.SourceFile, st status.FileStatus, reason string, changes rule.ChangeLog) {
	if s.console == nil {
		return
	}
	occurrences := 0
	for _, c := range changes {
		occurrences += c.Occurrences
	}
	s.console.LogFileOperation(ctx, log.FileOperation{
		Path:        file.RelPath,
		Kind:        string(file.Kind),
		Status:      st.String(),
		Rules:       len(changes),
		Occurrences: occurrences,
		Reason:      reason,
	})
}

// errorKind classifies err by the first Kind() in its chain
func errorKind(err error) string {
	var kinded interface{ Kind() string }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	return "Error"
}

// ❌ IOError reports a project file that could not be read or written
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Kind classifies the error for reports
func (e *IOError) Kind() string { return "IOError" }

var (
	_ interface{ Kind() string } = (*IOError)(nil)
	_ interface{ Kind() string } = (*backup.SnapshotError)(nil)
	_ interface{ Kind() string } = (*rule.ApplicationError)(nil)
	_ interface{ Kind() string } = (*lock.ConflictError)(nil)
)
