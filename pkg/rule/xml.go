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
	"strings"

	"github.com/beevik/etree"
	"github.com/walteh/migrc/pkg/catalog"
	"gitlab.com/tozd/go/errors"
)

// XML operations
const (
	OpRenameElement   = "rename-element"
	OpSetAttribute    = "set-attribute"
	OpRenameAttribute = "rename-attribute"
	OpRemoveElement   = "remove-element"
	OpSetDoctype      = "set-doctype"
)

// 🌲 XML edits elements selected by an etree path. Documents that need no edit are
// returned byte-for-byte; edited documents are re-serialized by etree.
type XML struct {
	meta
	Op        string
	Path      etree.Path
	RawPath   string
	Attribute string
	Value     string
	RenameTo  string
}

// ErrMalformedXML is wrapped by XML transforms when the document does not parse
var ErrMalformedXML = errors.Base("malformed xml")

func compileXML(m meta, spec Spec) (Rule, error) {
	if len(m.kinds) == 0 {
		m.kinds = []catalog.Kind{catalog.KindXMLConfig}
	}
	for _, k := range m.kinds {
		if k != catalog.KindXMLConfig && k != catalog.KindBuildDescriptor {
			return nil, errors.Errorf("rule %s: xml rules only apply to xml files, not %s", spec.ID, k)
		}
	}

	r := &XML{
		meta:      m,
		Op:        spec.Op,
		RawPath:   spec.Path,
		Attribute: spec.Attribute,
		Value:     spec.Value,
		RenameTo:  spec.RenameTo,
	}

	if spec.Op == OpSetDoctype {
		if strings.TrimSpace(spec.Value) == "" {
			return nil, errors.Errorf("rule %s: set-doctype requires value", spec.ID)
		}
		r.Value = normalizeDoctype(spec.Value)
		return r, nil
	}

	if spec.Path == "" {
		return nil, errors.Errorf("rule %s: path is required", spec.ID)
	}
	path, err := etree.CompilePath(spec.Path)
	if err != nil {
		return nil, errors.Errorf("rule %s: compiling path %q: %w", spec.ID, spec.Path, err)
	}
	r.Path = path

	switch spec.Op {
	case OpRenameElement:
		if spec.RenameTo == "" {
			return nil, errors.Errorf("rule %s: rename-element requires rename_to", spec.ID)
		}
	case OpSetAttribute:
		if spec.Attribute == "" {
			return nil, errors.Errorf("rule %s: set-attribute requires attribute", spec.ID)
		}
	case OpRenameAttribute:
		if spec.Attribute == "" || spec.RenameTo == "" {
			return nil, errors.Errorf("rule %s: rename-attribute requires attribute and rename_to", spec.ID)
		}
		if spec.Attribute == spec.RenameTo {
			return nil, errors.Errorf("rule %s: attribute and rename_to are identical", spec.ID)
		}
	case OpRemoveElement:
	case "":
		return nil, errors.Errorf("rule %s: op is required for xml rules", spec.ID)
	default:
		return nil, errors.Errorf("rule %s: unknown xml op %q", spec.ID, spec.Op)
	}
	return r, nil
}

func (r *XML) Transform(content []byte) (Result, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.PreserveCData = true
	if err := doc.ReadFromBytes(content); err != nil {
		return Result{}, errors.Errorf("%w: %s", ErrMalformedXML, err.Error())
	}

	count := r.edit(doc)
	if count == 0 {
		return Result{Content: content, Offset: -1}, nil
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return Result{}, errors.Errorf("serializing document: %w", err)
	}
	return Result{Content: out, Count: count, Offset: -1}, nil
}

// edit applies the operation in place and returns the number of nodes changed
func (r *XML) edit(doc *etree.Document) int {
	if r.Op == OpSetDoctype {
		for _, tok := range doc.Child {
			d, ok := tok.(*etree.Directive)
			if !ok || !strings.HasPrefix(d.Data, "DOCTYPE") {
				continue
			}
			if d.Data == r.Value {
				return 0
			}
			d.Data = r.Value
			return 1
		}
		return 0
	}

	count := 0
	for _, el := range doc.FindElementsPath(r.Path) {
		switch r.Op {
		case OpRenameElement:
			space, tag := splitName(r.RenameTo)
			if el.Space == space && el.Tag == tag {
				continue
			}
			el.Space, el.Tag = space, tag
			count++

		case OpSetAttribute:
			if a := el.SelectAttr(r.Attribute); a != nil && a.Value == r.Value {
				continue
			}
			el.CreateAttr(r.Attribute, r.Value)
			count++

		case OpRenameAttribute:
			old := el.SelectAttr(r.Attribute)
			if old == nil {
				continue
			}
			if el.SelectAttr(r.RenameTo) != nil {
				el.RemoveAttr(r.Attribute)
			} else {
				old.Space, old.Key = splitName(r.RenameTo)
			}
			count++

		case OpRemoveElement:
			if parent := el.Parent(); parent != nil {
				parent.RemoveChild(el)
				count++
			}
		}
	}
	return count
}

func splitName(name string) (space, local string) {
	if before, after, ok := strings.Cut(name, ":"); ok {
		return before, after
	}
	return "", name
}

func normalizeDoctype(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "<!")
	v = strings.TrimSuffix(v, ">")
	return strings.TrimSpace(v)
}
