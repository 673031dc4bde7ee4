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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/walteh/migrc/pkg/approval"
	"github.com/walteh/migrc/pkg/backup"
	"github.com/walteh/migrc/pkg/catalog"
	"github.com/walteh/migrc/pkg/config"
	"github.com/walteh/migrc/pkg/lock"
	"github.com/walteh/migrc/pkg/log"
	"github.com/walteh/migrc/pkg/rollback"
	"github.com/walteh/migrc/pkg/rule"
	"github.com/walteh/migrc/pkg/schedule"
	"github.com/walteh/migrc/pkg/status"
	"gitlab.com/tozd/go/errors"
)

// 🚦 State is the lifecycle state of a session
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateAborted
	StateRollingBack
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateRollingBack:
		return "rolling-back"
	case StateRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrAlreadyStarted is returned when Run is called on a session that already ran
var ErrAlreadyStarted = errors.Base("session already started")

const (
	reasonNoChanges     = "no applicable changes"
	reasonRejected      = "rejected"
	reasonAborted       = "session aborted"
	reasonNotDispatched = "not dispatched"
)

// Option customizes a session
type Option func(*Session)

// WithID fixes the session id instead of generating one
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithReviewer sets the reviewer consulted when the session is interactive
func WithReviewer(r approval.Reviewer) Option {
	return func(s *Session) { s.reviewer = r }
}

// WithConsole prints one line per file outcome to l
func WithConsole(l *log.Logger) Option {
	return func(s *Session) { s.console = l }
}

// WithLockAuditor records every lock acquire and release
func WithLockAuditor(a lock.Auditor) Option {
	return func(s *Session) { s.auditor = a }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// 🎬 Session runs one migration end to end. It runs once; a second Run returns
// ErrAlreadyStarted.
type Session struct {
	id      string
	project string
	root    string

	migration config.MigrationConfig

	catalog   *catalog.Catalog
	engine    *rule.Engine
	store     *backup.Store
	restorer  *rollback.Manager
	locks     *lock.Table
	scheduler *schedule.Scheduler
	gate      *approval.Gate
	tracker   *status.Tracker

	reviewer approval.Reviewer
	console  *log.Logger
	auditor  lock.Auditor
	now      func() time.Time

	state   atomic.Int32
	started atomic.Bool
	abort   atomic.Bool

	written       atomic.Int64
	skipped       atomic.Int64
	failed        atomic.Int64
	backupErrors  atomic.Int64
	notDispatched atomic.Int64

	mu              sync.Mutex
	abortReason     string
	startedAt       time.Time
	finishedAt      time.Time
	batches         int
	failures        []Failure
	restored        []string
	restoreFailures []Failure
	removed         []backup.Record // records of a backup dir already deleted
}

// 🏭 New builds a session over the project at root from cfg. The config is expected
// to be validated.
func New(ctx context.Context, cfg *config.Config, root string, opts ...Option) (*Session, error) {
	m := cfg.Migration
	if !m.BackupEnabled && m.RollbackEnabled {
		return nil, errors.Errorf("rollback requires backups to be enabled")
	}

	tree, err := cfg.Tree(root)
	if err != nil {
		return nil, errors.Errorf("resolving project tree: %w", err)
	}
	registry, err := cfg.Registry(ctx)
	if err != nil {
		return nil, errors.Errorf("loading rules: %w", err)
	}
	timeout, err := cfg.LockTimeout()
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = lock.DefaultTimeout
	}

	s := &Session{
		project:   cfg.Project,
		root:      tree.Root,
		migration: m,
		catalog:   catalog.New(tree),
		engine:    rule.NewEngine(registry),
		tracker:   status.NewTracker(),
		scheduler: schedule.New(schedule.Options{Workers: m.ParallelThreads, BatchSize: m.BatchSize}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.id == "" {
		s.id = NewID(s.now())
	}

	var lockOpts []lock.Option
	if s.auditor != nil {
		lockOpts = append(lockOpts, lock.WithAuditor(s.auditor))
	}
	s.locks = lock.NewTable(timeout, lockOpts...)

	if m.BackupEnabled {
		store, err := backup.NewStore(tree.Root, cfg.BackupDir(tree.Root))
		if err != nil {
			return nil, err
		}
		s.store = store
		s.restorer = rollback.New(store)
	}

	if m.Interactive {
		if s.reviewer == nil {
			return nil, errors.Errorf("interactive sessions need a reviewer")
		}
		s.gate = approval.NewGate(s.reviewer)
	}

	zerolog.Ctx(ctx).Debug().
		Str("session", s.id).
		Str("root", s.root).
		Int("rules", registry.Len()).
		Int("workers", m.ParallelThreads).
		Int("batch_size", m.BatchSize).
		Msg("session created")

	return s, nil
}

// NewID returns a sortable session id: a timestamp plus a random suffix
func NewID(t time.Time) string {
	return t.UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Root() string             { return s.root }
func (s *Session) State() State             { return State(s.state.Load()) }
func (s *Session) Tracker() *status.Tracker { return s.tracker }

// Store returns the backup store, or nil when backups are disabled
func (s *Session) Store() *backup.Store { return s.store }

func (s *Session) setState(ctx context.Context, to State) {
	from := State(s.state.Swap(int32(to)))
	zerolog.Ctx(ctx).Debug().
		Str("session", s.id).
		Stringer("from", from).
		Stringer("to", to).
		Msg("session state changed")
}

// 🛑 Abort asks a running session to stop: nothing new is dispatched, in-flight tasks
// finish their current phase, and written files are rolled back when rollback is
// enabled. Safe to call from a signal handler.
func (s *Session) Abort() {
	s.requestAbort("aborted by user")
}

func (s *Session) requestAbort(reason string) {
	if s.abort.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.abortReason = reason
		s.mu.Unlock()
	}
}

func (s *Session) aborting() bool {
	return s.abort.Load()
}

// ▶️ Run enumerates the project, migrates every file and returns the session report.
// A scan failure leaves the session in the created state and returns the error.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	logger := zerolog.Ctx(ctx).With().Str("session", s.id).Logger()
	ctx = logger.WithContext(ctx)

	files, err := s.catalog.Collect(ctx)
	if err != nil {
		return nil, err
	}

	tasks := make([]schedule.Task, 0, len(files))
	for i, f := range files {
		s.tracker.Register(f)
		tasks = append(tasks, schedule.Task{ID: i, File: f, Rules: s.engine.Plan(f)})
	}

	s.mu.Lock()
	s.startedAt = s.now()
	s.mu.Unlock()
	s.setState(ctx, StateRunning)

	if s.console != nil {
		s.console.StartSession(ctx, log.SessionOperation{
			ID:      s.id,
			Project: s.project,
			Root:    s.root,
			Files:   len(files),
		})
	}
	s.tracker.StartOperation(ctx, len(tasks))

	if s.gate != nil {
		s.gate.Start(ctx)
	}

	summary, runErr := s.scheduler.Run(ctx, tasks, s.handle, schedule.Hooks{
		Stopped: s.aborting,
		Undispatched: func(t schedule.Task) {
			s.notDispatched.Add(1)
			_ = s.tracker.Update(ctx, t.File.Path, func(info *status.FileInfo) { info.Reason = reasonNotDispatched })
		},
		BatchDone: func(batch, total int) {
			logger.Info().Int("batch", batch).Int("of", total).Msg("batch complete")
		},
	})

	if s.gate != nil {
		s.gate.Close()
	}
	s.tracker.FinishOperation(ctx)

	if runErr != nil {
		logger.Error().Err(runErr).Msg("scheduler stopped")
		s.requestAbort(runErr.Error())
	}
	if err := ctx.Err(); err != nil {
		s.requestAbort(err.Error())
	}

	s.mu.Lock()
	s.batches = summary.Batches
	s.mu.Unlock()

	if s.aborting() {
		s.setState(ctx, StateAborted)
		logger.Warn().Str("reason", s.reason()).Msg("session aborted")
		if s.migration.RollbackEnabled && s.restorer != nil {
			s.rollback(ctx)
		}
	} else {
		s.setState(ctx, StateCompleted)
		if s.store != nil && !s.migration.KeepBackups {
			s.removeBackups(ctx)
		}
	}

	s.mu.Lock()
	s.finishedAt = s.now()
	s.mu.Unlock()

	if s.console != nil {
		s.console.EndSession(ctx, s.State().String())
	}

	return s.Report(), nil
}

// ⏪ rollback restores every snapshot of the session. The backup directory is only
// removed when every restore succeeded.
func (s *Session) rollback(ctx context.Context) {
	logger := zerolog.Ctx(ctx)
	s.setState(ctx, StateRollingBack)

	// in-flight work has drained; the restore must not be cut short
	ctx = context.WithoutCancel(ctx)

	if len(s.store.Records(s.id)) == 0 {
		logger.Info().Msg("nothing to roll back")
		s.setState(ctx, StateRolledBack)
		return
	}

	res, err := s.restorer.RestoreSession(ctx, s.id)
	if err != nil {
		logger.Error().Err(err).Msg("rollback failed")
		s.mu.Lock()
		s.restoreFailures = append(s.restoreFailures, Failure{Kind: errorKind(err), Message: err.Error()})
		s.mu.Unlock()
		s.setState(ctx, StateRolledBack)
		return
	}

	for _, rec := range res.Restored {
		_ = s.tracker.Update(ctx, rec.Path, func(info *status.FileInfo) {
			info.Status = status.StatusRolledBack
		})
		if s.console != nil {
			if info, ok := s.tracker.Get(rec.Path); ok {
				s.console.LogFileOperation(ctx, log.FileOperation{
					Path:   info.RelPath,
					Kind:   string(info.Kind),
					Status: info.Status.String(),
				})
			}
		}
	}

	s.mu.Lock()
	for _, rec := range res.Restored {
		s.restored = append(s.restored, rec.RelPath)
	}
	for _, f := range res.Failures {
		s.restoreFailures = append(s.restoreFailures, Failure{Path: f.Record.RelPath, Kind: f.Kind(), Message: f.Error()})
	}
	s.mu.Unlock()

	if res.OK() {
		s.removeBackups(ctx)
	} else {
		logger.Error().Int("failures", len(res.Failures)).Msg("rollback left files unrestored; backups kept")
	}
	s.setState(ctx, StateRolledBack)
}

func (s *Session) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortReason
}

// removeBackups deletes the session's backup dir, keeping its records for the report
func (s *Session) removeBackups(ctx context.Context) {
	records := s.store.Records(s.id)
	if err := s.store.Remove(s.id); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("removing backups")
		return
	}
	s.mu.Lock()
	s.removed = append([]backup.Record{}, records...)
	s.mu.Unlock()
}
