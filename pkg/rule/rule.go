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

package rule

import (
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/walteh/migrc/pkg/catalog"
	"github.com/walteh/migrc/pkg/text"
	"gitlab.com/tozd/go/errors"
)

// Rule types
const (
	TypeLiteral = "literal"
	TypeRegex   = "regex"
	TypeXML     = "xml"
)

// 📜 Spec is the data form of a rule, as found in configuration and rule catalogs
type Spec struct {
	ID          string   `json:"id" yaml:"id" hcl:"id,label"`
	Type        string   `json:"type" yaml:"type" hcl:"type"`
	Kinds       []string `json:"kinds,omitempty" yaml:"kinds,omitempty" hcl:"kinds,optional"`
	Files       []string `json:"files,omitempty" yaml:"files,omitempty" hcl:"files,optional"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty" hcl:"description,optional"`

	// literal
	Find    string `json:"find,omitempty" yaml:"find,omitempty" hcl:"find,optional"`
	Replace string `json:"replace,omitempty" yaml:"replace,omitempty" hcl:"replace,optional"`

	// regex (uses Replace as the expansion template)
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty" hcl:"pattern,optional"`

	// xml
	Path      string `json:"path,omitempty" yaml:"path,omitempty" hcl:"path,optional"`
	Op        string `json:"op,omitempty" yaml:"op,omitempty" hcl:"op,optional"`
	Attribute string `json:"attribute,omitempty" yaml:"attribute,omitempty" hcl:"attribute,optional"`
	Value     string `json:"value,omitempty" yaml:"value,omitempty" hcl:"value,optional"`
	RenameTo  string `json:"rename_to,omitempty" yaml:"rename_to,omitempty" hcl:"rename_to,optional"`
}

// 🧩 Rule is a deterministic, idempotent content transformation scoped to file kinds.
// The set of implementations is closed: *Literal, *Regex and *XML.
type Rule interface {
	ID() string
	Description() string
	Kinds() []catalog.Kind

	// AppliesTo reports whether the rule is scoped to the file's kind and path
	AppliesTo(file catalog.SourceFile) bool

	// Transform rewrites every occurrence still in pre-migration form. A zero Count
	// means the content is already migrated and Content is returned unchanged.
	Transform(content []byte) (Result, error)

	sealed()
}

// Result is the outcome of one rule transform
type Result struct {
	Content []byte
	Count   int // occurrences rewritten
	Offset  int // byte offset of the first rewrite, -1 if unknown
}

// 🔍 Applies reports whether r would change content
func Applies(r Rule, content []byte) (bool, error) {
	res, err := r.Transform(content)
	if err != nil {
		return false, err
	}
	return res.Count > 0, nil
}

type meta struct {
	id          string
	description string
	kinds       []catalog.Kind
	files       []string
}

func (m *meta) ID() string            { return m.id }
func (m *meta) Kinds() []catalog.Kind { return append([]catalog.Kind(nil), m.kinds...) }
func (m *meta) sealed()               {}

func (m *meta) Description() string {
	if m.description != "" {
		return m.description
	}
	return m.id
}

func (m *meta) AppliesTo(file catalog.SourceFile) bool {
	kindOK := false
	for _, k := range m.kinds {
		if k == file.Kind {
			kindOK = true
			break
		}
	}
	if !kindOK {
		return false
	}
	if len(m.files) == 0 {
		return true
	}
	for _, p := range m.files {
		if ok, err := doublestar.Match(p, file.RelPath); err == nil && ok {
			return true
		}
	}
	return false
}

// 🔤 Literal replaces a fixed string
type Literal struct {
	meta
	Find    string
	Replace string
}

func (r *Literal) Transform(content []byte) (Result, error) {
	res := text.ReplaceUnmigrated(string(content), r.Find, r.Replace)
	if !res.WasModified() {
		return Result{Content: content, Offset: -1}, nil
	}
	return Result{Content: []byte(res.Content), Count: res.ReplacementCount, Offset: res.FirstOffset}, nil
}

// 🔣 Regex replaces pattern matches with an expansion template ($1, ${name})
type Regex struct {
	meta
	Pattern *regexp.Regexp
	Replace string
}

func (r *Regex) Transform(content []byte) (Result, error) {
	res := text.ReplaceRegexp(string(content), r.Pattern, r.Replace)
	if !res.WasModified() {
		return Result{Content: content, Offset: -1}, nil
	}
	return Result{Content: []byte(res.Content), Count: res.ReplacementCount, Offset: res.FirstOffset}, nil
}

// 🏭 Compile validates a Spec and builds its rule variant
func Compile(spec Spec) (Rule, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, errors.New("rule id is required")
	}

	m := meta{
		id:          spec.ID,
		description: spec.Description,
		files:       spec.Files,
	}
	for _, p := range spec.Files {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.Errorf("rule %s: invalid files glob %q", spec.ID, p)
		}
	}
	for _, k := range spec.Kinds {
		kind := catalog.Kind(k)
		if !kind.Valid() {
			return nil, errors.Errorf("rule %s: unknown file kind %q", spec.ID, k)
		}
		m.kinds = append(m.kinds, kind)
	}

	switch spec.Type {
	case TypeLiteral:
		if spec.Find == "" {
			return nil, errors.Errorf("rule %s: find is required", spec.ID)
		}
		if spec.Find == spec.Replace {
			return nil, errors.Errorf("rule %s: find and replace are identical", spec.ID)
		}
		if len(m.kinds) == 0 {
			m.kinds = append(m.kinds, catalog.AllKinds...)
		}
		return &Literal{meta: m, Find: spec.Find, Replace: spec.Replace}, nil

	case TypeRegex:
		if spec.Pattern == "" {
			return nil, errors.Errorf("rule %s: pattern is required", spec.ID)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, errors.Errorf("rule %s: compiling pattern: %w", spec.ID, err)
		}
		if len(m.kinds) == 0 {
			m.kinds = append(m.kinds, catalog.AllKinds...)
		}
		return &Regex{meta: m, Pattern: re, Replace: spec.Replace}, nil

	case TypeXML:
		return compileXML(m, spec)

	case "":
		return nil, errors.Errorf("rule %s: type is required", spec.ID)
	default:
		return nil, errors.Errorf("rule %s: unknown type %q", spec.ID, spec.Type)
	}
}
