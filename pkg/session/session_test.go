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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/migrc/pkg/approval"
	"github.com/walteh/migrc/pkg/catalog"
	"github.com/walteh/migrc/pkg/config"
	"github.com/walteh/migrc/pkg/fsutil"
	"github.com/walteh/migrc/pkg/lock"
	"github.com/walteh/migrc/pkg/rule"
	"github.com/walteh/migrc/pkg/status"
)

const (
	oldPom = "<project>\n  <properties>\n    <struts.version>2.3.15</struts.version>\n  </properties>\n</project>\n"
	newPom = "<project>\n  <properties>\n    <struts.version>6.3.0</struts.version>\n  </properties>\n</project>\n"

	oldAction = "package app;\n\nimport org.apache.struts.action.Action;\n\npublic class %s extends Action {}\n"
	newAction = "package app;\n\nimport com.opensymphony.xwork2.Action;\n\npublic class %s extends Action {}\n"
)

func testContext(t *testing.T) context.Context {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	return logger.WithContext(context.Background())
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func readFile(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Project = "legacy-webapp"
	cfg.Migration.BatchSize = 2
	cfg.Migration.ParallelThreads = 2
	cfg.Migration.LockTimeout = "2s"
	cfg.Rules = []rule.Spec{
		{
			ID:      "struts-version",
			Type:    rule.TypeLiteral,
			Kinds:   []string{string(catalog.KindBuildDescriptor)},
			Find:    "<struts.version>2.3.15</struts.version>",
			Replace: "<struts.version>6.3.0</struts.version>",
		},
		{
			ID:      "struts-action",
			Type:    rule.TypeLiteral,
			Kinds:   []string{string(catalog.KindSource)},
			Find:    "org.apache.struts.action.Action",
			Replace: "com.opensymphony.xwork2.Action",
		},
	}
	return cfg
}

func threeFiles() map[string]string {
	return map[string]string{
		"pom.xml":                  oldPom,
		"src/main/java/app/A.java": "package app;\n\npublic class A {}\n",
		"web/index.jsp":            "<html></html>\n",
	}
}

func fileStatus(t *testing.T, s *Session, rel string) status.FileInfo {
	t.Helper()
	info, ok := s.Tracker().Get(filepath.Join(s.Root(), filepath.FromSlash(rel)))
	require.True(t, ok, "%s should be tracked", rel)
	return info
}

func TestRunWritesMatchingFile(t *testing.T) {
	ctx := testContext(t)
	dir := writeProject(t, threeFiles())

	s, err := New(ctx, testConfig(), dir)
	require.NoError(t, err)

	report, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.Status)
	assert.Equal(t, Counts{Written: 1, Skipped: 2}, report.Counts)
	assert.Equal(t, 2, report.Batches, "3 files in batches of 2")
	assert.Equal(t, ExitOK, report.ExitCode())
	assert.Equal(t, newPom, readFile(t, dir, "pom.xml"))

	pom := fileStatus(t, s, "pom.xml")
	assert.Equal(t, status.StatusWritten, pom.Status)
	assert.Equal(t, []string{"struts-version"}, pom.Rules)
	assert.Equal(t, fsutil.Hash([]byte(oldPom)), pom.Hash, "hash is taken at read time")

	for _, rel := range []string{"src/main/java/app/A.java", "web/index.jsp"} {
		info := fileStatus(t, s, rel)
		assert.Equal(t, status.StatusSkipped, info.Status, rel)
		assert.Equal(t, reasonNoChanges, info.Reason, rel)
	}

	require.Len(t, report.Backups, 1, "only the modified file is backed up")
	assert.Equal(t, "pom.xml", report.Backups[0].RelPath)
	assert.Equal(t, fsutil.Hash([]byte(oldPom)), report.Backups[0].Hash)

	data, err := s.Store().ReadBackup(report.Backups[0])
	require.NoError(t, err)
	assert.Equal(t, oldPom, string(data))
}

func TestRunBackupError(t *testing.T) {
	ctx := testContext(t)
	files := threeFiles()
	files["blocked"] = "not a directory"
	dir := writeProject(t, files)

	cfg := testConfig()
	cfg.Paths.BackupDir = "blocked"

	s, err := New(ctx, cfg, dir)
	require.NoError(t, err)

	report, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.Status, "one backup error stays under max_backup_errors")
	assert.Equal(t, Counts{Failed: 1, Skipped: 2}, report.Counts)
	assert.Equal(t, ExitFailures, report.ExitCode())
	assert.Equal(t, oldPom, readFile(t, dir, "pom.xml"), "nothing is written without a backup")

	pom := fileStatus(t, s, "pom.xml")
	assert.Equal(t, status.StatusFailed, pom.Status)
	assert.Equal(t, "BackupError", pom.ErrorKind)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, "pom.xml", report.Failures[0].Path)
	assert.Equal(t, "BackupError", report.Failures[0].Kind)
	assert.Empty(t, report.Backups)
}

func TestRunBackupErrorsAbort(t *testing.T) {
	ctx := testContext(t)
	files := map[string]string{"blocked": "x"}
	for i := range 6 {
		files[fmt.Sprintf("src/F%d.java", i)] = fmt.Sprintf(oldAction, fmt.Sprintf("F%d", i))
	}
	dir := writeProject(t, files)

	cfg := testConfig()
	cfg.Paths.BackupDir = "blocked"
	cfg.Migration.BatchSize = 1
	cfg.Migration.ParallelThreads = 1
	cfg.Migration.MaxBackupErrors = 1

	s, err := New(ctx, cfg, dir)
	require.NoError(t, err)

	report, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateRolledBack, report.Status)
	assert.Contains(t, report.AbortReason, "max_backup_errors")
	assert.Equal(t, 2, report.Counts.Failed)
	assert.Equal(t, 4, report.Counts.NotDispatched)
	assert.Equal(t, ExitAborted, report.ExitCode())
}

func TestRunInteractiveReject(t *testing.T) {
	ctx := testContext(t)
	dir := writeProject(t, threeFiles())

	cfg := testConfig()
	cfg.Migration.Interactive = true

	var reviewed []string
	reviewer := approval.Func(func(ctx context.Context, req approval.Request) (approval.Decision, error) {
		reviewed = append(reviewed, req.File.RelPath)
		assert.Equal(t, oldPom, string(req.Original))
		assert.Equal(t, newPom, string(req.Proposed))
		return approval.Reject, nil
	})

	s, err := New(ctx, cfg, dir, WithReviewer(reviewer))
	require.NoError(t, err)

	report, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"pom.xml"}, reviewed, "only files with changes are reviewed")
	assert.Equal(t, StateCompleted, report.Status)
	assert.Equal(t, Counts{Skipped: 3}, report.Counts)
	assert.Equal(t, oldPom, readFile(t, dir, "pom.xml"))
	assert.Equal(t, reasonRejected, fileStatus(t, s, "pom.xml").Reason)
	assert.Empty(t, report.Backups, "rejected files are never backed up")
	assert.Empty(t, s.Store().Records(s.ID()))
}

func TestReviewHoldsFileLock(t *testing.T) {
	ctx := testContext(t)
	dir := writeProject(t, threeFiles())

	cfg := testConfig()
	cfg.Migration.Interactive = true

	audit := lock.NewAuditLog()
	var last lock.Event
	reviewer := approval.Func(func(ctx context.Context, req approval.Request) (approval.Decision, error) {
		for _, ev := range audit.Events() {
			if ev.Path == req.File.Path {
				last = ev
			}
		}
		return approval.Accept, nil
	})

	s, err := New(ctx, cfg, dir, WithReviewer(reviewer), WithLockAuditor(audit))
	require.NoError(t, err)

	report, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts.Written)

	assert.Equal(t, lock.OpAcquire, last.Op, "the file stays locked while its review is pending")
	assert.Contains(t, last.Owner, s.ID()+"/worker-")
	require.NoError(t, audit.Verify())
}

func fiveActions() map[string]string {
	files := map[string]string{}
	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("F%d", i)
		files["src/"+name+".java"] = fmt.Sprintf(oldAction, name)
	}
	return files
}

func TestRunAbortRollsBack(t *testing.T) {
	ctx := testContext(t)
	originals := fiveActions()
	dir := writeProject(t, originals)

	cfg := testConfig()
	cfg.Migration.Interactive = true
	cfg.Migration.ParallelThreads = 1
	cfg.Migration.BatchSize = 5

	var calls atomic.Int32
	reviewer := approval.Func(func(ctx context.Context, req approval.Request) (approval.Decision, error) {
		if calls.Add(1) <= 2 {
			return approval.Accept, nil
		}
		return approval.Abort, nil
	})

	s, err := New(ctx, cfg, dir, WithReviewer(reviewer))
	require.NoError(t, err)

	report, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateRolledBack, report.Status)
	assert.Equal(t, 2, report.Counts.Written)
	assert.Equal(t, 3, report.Counts.Skipped+report.Counts.NotDispatched)
	assert.Len(t, report.Restored, 2)
	assert.Empty(t, report.RestoreFailures)
	assert.Len(t, report.Backups, 2)
	assert.True(t, report.BackupsRemoved)
	assert.Equal(t, ExitAborted, report.ExitCode())

	for rel, want := range originals {
		got := readFile(t, dir, rel)
		assert.Equal(t, fsutil.Hash([]byte(want)), fsutil.Hash([]byte(got)), "%s should be restored", rel)
	}
	for _, rel := range report.Restored {
		assert.Equal(t, status.StatusRolledBack, fileStatus(t, s, rel).Status)
	}

	_, err = os.Stat(s.Store().SessionDir(s.ID()))
	assert.True(t, os.IsNotExist(err), "a clean rollback removes the session backups")
}

func TestAbortWithoutRollback(t *testing.T) {
	ctx := testContext(t)
	dir := writeProject(t, fiveActions())

	cfg := testConfig()
	cfg.Migration.Interactive = true
	cfg.Migration.RollbackEnabled = false
	cfg.Migration.ParallelThreads = 1
	cfg.Migration.BatchSize = 1

	var s *Session
	var calls atomic.Int32
	reviewer := approval.Func(func(ctx context.Context, req approval.Request) (approval.Decision, error) {
		if calls.Add(1) == 2 {
			// a signal arriving while the second file is on screen
			s.Abort()
		}
		return approval.Accept, nil
	})

	s, err := New(ctx, cfg, dir, WithReviewer(reviewer))
	require.NoError(t, err)

	report, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateAborted, report.Status)
	assert.Equal(t, "aborted by user", report.AbortReason)
	assert.Equal(t, Counts{Written: 1, Skipped: 1, NotDispatched: 3}, report.Counts)
	assert.Len(t, report.Backups, 1, "backups are kept when rollback is disabled")
	assert.Empty(t, report.Restored)
	assert.Equal(t, ExitAborted, report.ExitCode())
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	dir := writeProject(t, threeFiles())

	first, err := New(ctx, testConfig(), dir)
	require.NoError(t, err)
	r1, err := first.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, r1.Counts.Written)

	second, err := New(ctx, testConfig(), dir)
	require.NoError(t, err)
	r2, err := second.Run(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, Counts{Skipped: 3}, r2.Counts, "a second run finds nothing left to migrate")
	assert.Equal(t, newPom, readFile(t, dir, "pom.xml"))
	assert.Empty(t, r2.Backups)
}

func TestRunExclusion(t *testing.T) {
	ctx := testContext(t)
	files := threeFiles()
	files["target/classes/pom.xml"] = oldPom
	files["src/main/java/app/Old.java"] = fmt.Sprintf(oldAction, "Old")
	dir := writeProject(t, files)

	cfg := testConfig()
	cfg.Patterns.Exclude = []string{"**/target/**"}
	cfg.Kinds = []config.KindConfig{
		{Kind: "build-descriptor"},
		{Kind: "source", Exclude: []string{"**/Old.java"}},
		{Kind: "template"},
	}

	s, err := New(ctx, cfg, dir)
	require.NoError(t, err)

	report, err := s.Run(ctx)
	require.NoError(t, err)

	var seen []string
	for _, f := range report.Files {
		seen = append(seen, f.RelPath)
	}
	assert.ElementsMatch(t, []string{"pom.xml", "src/main/java/app/A.java", "web/index.jsp"}, seen)
	assert.Equal(t, oldPom, readFile(t, dir, "target/classes/pom.xml"), "excluded files are never touched")
	assert.Equal(t, fmt.Sprintf(oldAction, "Old"), readFile(t, dir, "src/main/java/app/Old.java"))
	for _, f := range report.Files {
		assert.NotContains(t, f.RelPath, ".migrc", "the backup dir is never enumerated")
	}
}

func TestRunMaxFailures(t *testing.T) {
	ctx := testContext(t)
	dir := writeProject(t, map[string]string{
		"conf/a.xml": "<struts-config><action",
		"conf/b.xml": "<struts-config><action",
		"conf/c.xml": "<struts-config><action",
	})

	cfg := testConfig()
	cfg.Rules = []rule.Spec{{
		ID:       "rename-root",
		Type:     rule.TypeXML,
		Op:       rule.OpRenameElement,
		Path:     "/struts-config",
		RenameTo: "struts",
	}}
	cfg.Migration.BatchSize = 1
	cfg.Migration.ParallelThreads = 1
	cfg.Migration.MaxFailures = 1

	s, err := New(ctx, cfg, dir)
	require.NoError(t, err)

	report, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateRolledBack, report.Status)
	assert.Contains(t, report.AbortReason, "max_failures")
	assert.Equal(t, Counts{Failed: 2, NotDispatched: 1}, report.Counts)
	for _, f := range report.Failures {
		assert.Equal(t, "RuleApplicationError", f.Kind)
	}
}

func TestRunConcurrentLocking(t *testing.T) {
	ctx := testContext(t)
	files := map[string]string{}
	for i := range 40 {
		name := fmt.Sprintf("F%02d", i)
		files[fmt.Sprintf("src/p%d/%s.java", i%4, name)] = fmt.Sprintf(oldAction, name)
	}
	dir := writeProject(t, files)

	cfg := testConfig()
	cfg.Migration.ParallelThreads = 8
	cfg.Migration.BatchSize = 7

	audit := lock.NewAuditLog()
	s, err := New(ctx, cfg, dir, WithLockAuditor(audit))
	require.NoError(t, err)

	report, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, Counts{Written: 40}, report.Counts)
	assert.Equal(t, 6, report.Batches)
	assert.Len(t, report.Backups, 40, "one record per written file")
	assert.Len(t, audit.Events(), 80, "one acquire and one release per file")
	assert.NoError(t, audit.Verify(), "no path was ever held twice")

	for rel := range files {
		name := filepath.Base(rel)
		name = name[:len(name)-len(".java")]
		assert.Equal(t, fmt.Sprintf(newAction, name), readFile(t, dir, rel))
	}
}

func TestRunTwice(t *testing.T) {
	ctx := testContext(t)
	dir := writeProject(t, threeFiles())

	s, err := New(ctx, testConfig(), dir)
	require.NoError(t, err)
	_, err = s.Run(ctx)
	require.NoError(t, err)

	_, err = s.Run(ctx)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestRunScanError(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) (string, *config.Config)
	}{
		{
			name: "missing_root",
			setup: func(t *testing.T) (string, *config.Config) {
				return filepath.Join(t.TempDir(), "nope"), testConfig()
			},
		},
		{
			name: "missing_required_path",
			setup: func(t *testing.T) (string, *config.Config) {
				cfg := testConfig()
				cfg.Paths.Required = []string{"WEB-INF/struts-config.xml"}
				return writeProject(t, threeFiles()), cfg
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			dir, cfg := tt.setup(t)

			s, err := New(ctx, cfg, dir)
			require.NoError(t, err)

			report, err := s.Run(ctx)
			require.Error(t, err)
			assert.Nil(t, report)

			var scanErr *catalog.ScanError
			assert.ErrorAs(t, err, &scanErr)
			assert.Equal(t, StateCreated, s.State())
		})
	}
}

func TestNewErrors(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()

	cfg := testConfig()
	cfg.Migration.BackupEnabled = false
	_, err := New(ctx, cfg, dir)
	assert.ErrorContains(t, err, "rollback requires backups")

	cfg = testConfig()
	cfg.Migration.Interactive = true
	_, err = New(ctx, cfg, dir)
	assert.ErrorContains(t, err, "need a reviewer")

	cfg = testConfig()
	cfg.RuleFiles = []string{filepath.Join(dir, "missing.yaml")}
	_, err = New(ctx, cfg, dir)
	assert.ErrorContains(t, err, "loading rules")
}

func TestBackupsDisabled(t *testing.T) {
	ctx := testContext(t)
	dir := writeProject(t, threeFiles())

	cfg := testConfig()
	cfg.Migration.BackupEnabled = false
	cfg.Migration.RollbackEnabled = false

	s, err := New(ctx, cfg, dir)
	require.NoError(t, err)
	assert.Nil(t, s.Store())

	report, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Written: 1, Skipped: 2}, report.Counts)
	assert.Empty(t, report.Backups)
	assert.NoDirExists(t, filepath.Join(dir, ".migrc"))
}

func TestKeepBackupsFalse(t *testing.T) {
	ctx := testContext(t)
	dir := writeProject(t, threeFiles())

	cfg := testConfig()
	cfg.Migration.KeepBackups = false

	s, err := New(ctx, cfg, dir)
	require.NoError(t, err)

	report, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts.Written)
	assert.NoDirExists(t, s.Store().SessionDir(s.ID()))

	require.Len(t, report.Backups, 1, "records of removed backups stay in the report")
	assert.Equal(t, "pom.xml", report.Backups[0].RelPath)
	assert.True(t, report.BackupsRemoved)
}

func TestReportWriteFile(t *testing.T) {
	ctx := testContext(t)
	dir := writeProject(t, threeFiles())
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	s, err := New(ctx, testConfig(), dir, WithID("fixed-session"), WithClock(func() time.Time { return at }))
	require.NoError(t, err)

	report, err := s.Run(ctx)
	require.NoError(t, err)

	out := t.TempDir()
	path, err := report.WriteFile(out)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "migration_report_20250304_050607.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "fixed-session", decoded["session_id"])
	assert.Equal(t, "legacy-webapp", decoded["project"])
	assert.Equal(t, "completed", decoded["status"])
	assert.Equal(t, map[string]any{"written": 1.0, "skipped": 2.0, "failed": 0.0, "not_dispatched": 0.0}, decoded["counts"])
	assert.Equal(t, map[string]any{"written": 1.0, "skipped": 2.0}, decoded["statuses"])
	assert.Len(t, decoded["files"], 3)
	assert.Len(t, decoded["backups"], 1)
	assert.Equal(t, []any{}, decoded["restored"])
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name   string
		report Report
		want   int
	}{
		{name: "clean", report: Report{Status: StateCompleted}, want: ExitOK},
		{name: "failures", report: Report{Status: StateCompleted, Counts: Counts{Failed: 1}}, want: ExitFailures},
		{name: "aborted", report: Report{Status: StateAborted}, want: ExitAborted},
		{name: "rolled_back", report: Report{Status: StateRolledBack}, want: ExitAborted},
		{name: "restore_failures", report: Report{Status: StateRolledBack, RestoreFailures: []Failure{{Kind: "RollbackError"}}}, want: ExitRestoreFailures},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.report.ExitCode())
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "rolling-back", StateRollingBack.String())
	assert.Equal(t, "rolled-back", StateRolledBack.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestNewID(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	id := NewID(at)
	assert.Regexp(t, `^20250102-030405-[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, NewID(at))
}
