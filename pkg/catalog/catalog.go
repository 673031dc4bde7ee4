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

package catalog

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// 📄 SourceFile identifies one project file the engine may migrate
type SourceFile struct {
	Path    string // Absolute path, the file's identity
	RelPath string // Slash-separated path relative to the project root
	Kind    Kind   // Detected file kind
}

func (f SourceFile) String() string {
	return f.RelPath
}

// 🌳 Tree is the project root plus its resolved glob sets
type Tree struct {
	Root     string         // Absolute project root
	Kinds    []KindPatterns // Per-kind include/exclude globs, in detection order
	Exclude  []string       // Global exclude globs, applied before any kind
	Skip     []string       // Absolute directories never entered (backup dir)
	Required []string       // Relative paths that must exist for a scan to start
}

// 🏭 NewTree resolves root to an absolute path, validates every glob and fills
// default include globs for kinds that were given none.
func NewTree(root string, kinds []KindPatterns, exclude []string) (*Tree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Errorf("resolving project root: %w", err)
	}

	if len(kinds) == 0 {
		for _, k := range AllKinds {
			kinds = append(kinds, KindPatterns{Kind: k})
		}
	}

	resolved := make([]KindPatterns, 0, len(kinds))
	seen := map[Kind]bool{}
	for _, kp := range kinds {
		if !kp.Kind.Valid() {
			return nil, errors.Errorf("unknown file kind %q", kp.Kind)
		}
		if seen[kp.Kind] {
			return nil, errors.Errorf("file kind %q configured twice", kp.Kind)
		}
		seen[kp.Kind] = true
		if len(kp.Include) == 0 {
			kp.Include = DefaultIncludes(kp.Kind)
		}
		if err := validatePatterns(kp.Include); err != nil {
			return nil, errors.Errorf("kind %s include: %w", kp.Kind, err)
		}
		if err := validatePatterns(kp.Exclude); err != nil {
			return nil, errors.Errorf("kind %s exclude: %w", kp.Kind, err)
		}
		resolved = append(resolved, kp)
	}
	sortKinds(resolved)

	if err := validatePatterns(exclude); err != nil {
		return nil, errors.Errorf("exclude: %w", err)
	}

	return &Tree{
		Root:    abs,
		Kinds:   resolved,
		Exclude: exclude,
	}, nil
}

func validatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return errors.Errorf("invalid glob pattern %q", p)
		}
	}
	return nil
}

// 📚 Catalog enumerates the files of a Tree
type Catalog struct {
	tree *Tree
}

// 🏭 New creates a catalog over tree
func New(tree *Tree) *Catalog {
	return &Catalog{tree: tree}
}

// Tree returns the catalog's tree
func (c *Catalog) Tree() *Tree {
	return c.tree
}

// 🔍 Classify returns the kind of a slash-separated relative path, or false when the
// path is excluded or matches no kind. Excludes take precedence over includes.
func (c *Catalog) Classify(rel string) (Kind, bool) {
	if matchAny(c.tree.Exclude, rel) {
		return "", false
	}
	for _, kp := range c.tree.Kinds {
		if !matchAny(kp.Include, rel) {
			continue
		}
		if matchAny(kp.Exclude, rel) {
			return "", false
		}
		return kp.Kind, true
	}
	return "", false
}

// 🔄 Enumerate checks the root and returns a lazy sequence over the matching files.
// Each call to the sequence rescans the disk. Unreadable directories are logged and
// skipped; unreadable files are still yielded.
func (c *Catalog) Enumerate(ctx context.Context) (iter.Seq[SourceFile], error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	return func(yield func(SourceFile) bool) {
		logger := zerolog.Ctx(ctx)
		_ = filepath.WalkDir(c.tree.Root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable entry")
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			rel, err := filepath.Rel(c.tree.Root, path)
			if err != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)

			if d.IsDir() {
				if path == c.tree.Root {
					return nil
				}
				if c.skipDir(path, d.Name(), rel) {
					logger.Trace().Str("dir", rel).Msg("pruning directory")
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			kind, ok := c.Classify(rel)
			if !ok {
				return nil
			}
			if !yield(SourceFile{Path: path, RelPath: rel, Kind: kind}) {
				return fs.SkipAll
			}
			return nil
		})
	}, nil
}

// 📋 Collect drains Enumerate into a slice
func (c *Catalog) Collect(ctx context.Context) ([]SourceFile, error) {
	seq, err := c.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	var files []SourceFile
	for f := range seq {
		files = append(files, f)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Errorf("enumerating files: %w", err)
	}
	return files, nil
}

func (c *Catalog) check() error {
	st, err := os.Stat(c.tree.Root)
	if err != nil {
		return &ScanError{Root: c.tree.Root, Err: err}
	}
	if !st.IsDir() {
		return &ScanError{Root: c.tree.Root, Err: errors.New("not a directory")}
	}
	if _, err := os.ReadDir(c.tree.Root); err != nil {
		return &ScanError{Root: c.tree.Root, Err: err}
	}
	for _, req := range c.tree.Required {
		if _, err := os.Stat(filepath.Join(c.tree.Root, filepath.FromSlash(req))); err != nil {
			return &ScanError{Root: c.tree.Root, Err: errors.Errorf("required path %s: %w", req, err)}
		}
	}
	return nil
}

func (c *Catalog) skipDir(path, name, rel string) bool {
	if name == ".git" {
		return true
	}
	for _, s := range c.tree.Skip {
		if path == s {
			return true
		}
	}
	return matchAny(c.tree.Exclude, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// ❌ ScanError reports that the project tree could not be enumerated
type ScanError struct {
	Root string
	Err  error
}

func (e *ScanError) Error() string {
	return "scanning " + e.Root + ": " + e.Err.Error()
}

func (e *ScanError) Unwrap() error { return e.Err }

// Kind returns the error kind used in session reports
func (e *ScanError) Kind() string { return "ScanError" }
