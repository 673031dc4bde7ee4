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
	"github.com/walteh/migrc/pkg/catalog"
	"gitlab.com/tozd/go/errors"
)

// 📚 Registry is the ordered, immutable set of rules for a session
type Registry struct {
	rules []Rule
	byID  map[string]Rule
}

// 🏭 NewRegistry builds a registry, keeping the given order
func NewRegistry(rules ...Rule) (*Registry, error) {
	reg := &Registry{
		rules: make([]Rule, 0, len(rules)),
		byID:  make(map[string]Rule, len(rules)),
	}
	for _, r := range rules {
		if r == nil {
			return nil, errors.New("nil rule")
		}
		if _, dup := reg.byID[r.ID()]; dup {
			return nil, errors.Errorf("duplicate rule id %q", r.ID())
		}
		reg.byID[r.ID()] = r
		reg.rules = append(reg.rules, r)
	}
	return reg, nil
}

// FromSpecs compiles specs in order and builds a registry from them
func FromSpecs(specs []Spec) (*Registry, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := Compile(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return NewRegistry(rules...)
}

func (r *Registry) Len() int {
	return len(r.rules)
}

func (r *Registry) Get(id string) (Rule, bool) {
	rule, ok := r.byID[id]
	return rule, ok
}

// Rules returns every rule in registry order
func (r *Registry) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// 🔍 RulesFor returns the subsequence of rules scoped to file, in registry order
func (r *Registry) RulesFor(file catalog.SourceFile) []Rule {
	var out []Rule
	for _, rule := range r.rules {
		if rule.AppliesTo(file) {
			out = append(out, rule)
		}
	}
	return out
}
