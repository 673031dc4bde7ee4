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
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/migrc/pkg/catalog"
	"github.com/walteh/migrc/pkg/fsutil"
	"gitlab.com/tozd/go/errors"
)

func testContext(t *testing.T) context.Context {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	return logger.WithContext(context.Background())
}

func sourceFile(t *testing.T, root, rel, content string) catalog.SourceFile {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return catalog.SourceFile{Path: path, RelPath: rel, Kind: catalog.KindSource}
}

func TestSnapshot(t *testing.T) {
	ctx := testContext(t)
	root := t.TempDir()
	store, err := NewStore(root, ".migrc/backups")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".migrc", "backups"), store.Dir())

	file := sourceFile(t, root, "src/main/A.java", "original")

	rec, err := store.Snapshot(ctx, "s1", file)
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, file.Path, rec.Path)
	assert.Equal(t, "src/main/A.java", rec.RelPath)
	assert.Equal(t, fsutil.Hash([]byte("original")), rec.Hash)
	assert.Equal(t, filepath.Join(root, ".migrc", "backups", "s1", "src", "main", "A.java"), rec.Location)
	assert.Equal(t, os.FileMode(0o640), rec.Mode)

	data, err := store.ReadBackup(rec)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	// a second snapshot in the same session is a no-op, even after the file changed
	require.NoError(t, os.WriteFile(file.Path, []byte("migrated"), 0o640))
	again, err := store.Snapshot(ctx, "s1", file)
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	data, err = store.ReadBackup(again)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data), "the first snapshot must never be overwritten")

	// a new session gets its own record
	other, err := store.Snapshot(ctx, "s2", file)
	require.NoError(t, err)
	assert.Equal(t, fsutil.Hash([]byte("migrated")), other.Hash)

	assert.Len(t, store.Records("s1"), 1)
	assert.Len(t, store.Records("s2"), 1)
}

func TestSnapshotConcurrent(t *testing.T) {
	ctx := testContext(t)
	root := t.TempDir()
	store, err := NewStore(root, filepath.Join(root, "backups"))
	require.NoError(t, err)

	files := []catalog.SourceFile{
		sourceFile(t, root, "a.properties", "a=1"),
		sourceFile(t, root, "b.properties", "b=2"),
	}

	var wg sync.WaitGroup
	recs := make([]Record, 20)
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := store.Snapshot(ctx, "s1", files[i%2])
			assert.NoError(t, err)
			recs[i] = rec
		}(i)
	}
	wg.Wait()

	for i, rec := range recs {
		assert.Equal(t, recs[i%2], rec, "every caller should see the one record for its file")
	}
	assert.Len(t, store.Records("s1"), 2)

	m, err := store.LoadManifest("s1")
	require.NoError(t, err)
	assert.Len(t, m.Records, 2, "manifest should list every record")
}

func TestSnapshotErrors(t *testing.T) {
	ctx := testContext(t)
	root := t.TempDir()

	tests := []struct {
		name    string
		dir     func(t *testing.T) string
		file    func(t *testing.T) catalog.SourceFile
		session string
		wantErr string
	}{
		{
			name: "backup_dir_is_a_file",
			dir: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "blocked")
				require.NoError(t, os.WriteFile(path, nil, 0o644))
				return path
			},
			file:    func(t *testing.T) catalog.SourceFile { return sourceFile(t, root, "x.java", "x") },
			session: "s1",
			wantErr: "writing backup copy",
		},
		{
			name:    "missing_original",
			dir:     func(t *testing.T) string { return t.TempDir() },
			file:    func(t *testing.T) catalog.SourceFile { return catalog.SourceFile{Path: filepath.Join(root, "gone.java"), RelPath: "gone.java"} },
			session: "s1",
			wantErr: "stating original",
		},
		{
			name:    "bad_session_id",
			dir:     func(t *testing.T) string { return t.TempDir() },
			file:    func(t *testing.T) catalog.SourceFile { return sourceFile(t, root, "y.java", "y") },
			session: "../escape",
			wantErr: "invalid session id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(root, tt.dir(t))
			require.NoError(t, err)

			_, err = store.Snapshot(ctx, tt.session, tt.file(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var snapErr *SnapshotError
			require.True(t, errors.As(err, &snapErr))
			assert.Equal(t, "BackupError", snapErr.Kind())
			assert.Empty(t, store.Records(tt.session))
		})
	}
}

func TestManifestAcrossStores(t *testing.T) {
	ctx := testContext(t)
	root := t.TempDir()

	first, err := NewStore(root, ".migrc/backups")
	require.NoError(t, err)
	file := sourceFile(t, root, "pom.xml", "<project/>")
	rec, err := first.Snapshot(ctx, "20250101-000000-abcd", file)
	require.NoError(t, err)

	second, err := NewStore(root, ".migrc/backups")
	require.NoError(t, err)
	assert.Empty(t, second.Records(rec.SessionID))

	sessions, err := second.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, rec.SessionID, sessions[0].ID)
	assert.Equal(t, 1, sessions[0].Records)

	m, err := second.LoadManifest(rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, root, m.Root)
	require.Len(t, second.Records(rec.SessionID), 1)
	assert.Equal(t, rec.Hash, second.Records(rec.SessionID)[0].Hash)

	_, err = second.LoadManifest("unknown")
	assert.ErrorContains(t, err, "no backups found")

	require.NoError(t, second.Remove(rec.SessionID))
	assert.NoDirExists(t, second.SessionDir(rec.SessionID))
	assert.Empty(t, second.Records(rec.SessionID))

	sessions, err = second.Sessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
