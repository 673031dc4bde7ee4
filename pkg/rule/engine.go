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
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/walteh/migrc/pkg/catalog"
	"github.com/walteh/migrc/pkg/text"
	"gitlab.com/tozd/go/errors"
)

const excerptWidth = 60

// Change records one rule that modified a file
type Change struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Occurrences int    `json:"occurrences"`
	Excerpt     string `json:"excerpt,omitempty"`
}

// ChangeLog lists the rules that modified a file, in application order
type ChangeLog []Change

func (c ChangeLog) Empty() bool {
	return len(c) == 0
}

func (c ChangeLog) RuleIDs() []string {
	ids := make([]string, len(c))
	for i, ch := range c {
		ids[i] = ch.RuleID
	}
	return ids
}

func (c ChangeLog) String() string {
	parts := make([]string, len(c))
	for i, ch := range c {
		parts[i] = fmt.Sprintf("%s(%d)", ch.RuleID, ch.Occurrences)
	}
	return strings.Join(parts, ", ")
}

// ⚙️ Engine applies rules to file content. It holds no per-file state and is safe
// for concurrent use.
type Engine struct {
	registry *Registry
}

func NewEngine(registry *Registry) *Engine {
	return &Engine{registry: registry}
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// Plan returns the rules that will be tried against file
func (e *Engine) Plan(file catalog.SourceFile) []Rule {
	return e.registry.RulesFor(file)
}

// 🔄 Apply runs each rule in order against the running buffer and returns the final
// content with a log of the rules that changed it. Every rewrite is verified by
// running the rule a second time and, once every rule has run, the whole set is run
// again on the result; a second pass that still changes the content
// fails with an ApplicationError, as does any transform error. On error the
// returned content is nil and the caller must leave the file untouched.
func (e *Engine) Apply(ctx context.Context, file catalog.SourceFile, content []byte, rules []Rule) ([]byte, ChangeLog, error) {
	logger := zerolog.Ctx(ctx)

	buf := content
	var log ChangeLog
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return nil, nil, errors.Errorf("applying rules to %s: %w", file.RelPath, err)
		}

		res, err := r.Transform(buf)
		if err != nil {
			return nil, nil, &ApplicationError{
				RuleID:  r.ID(),
				Path:    file.Path,
				Excerpt: text.Excerpt(string(buf), 0, excerptWidth),
				Err:     err,
			}
		}
		if res.Count == 0 {
			continue
		}

		again, err := r.Transform(res.Content)
		if err != nil || again.Count > 0 || !bytes.Equal(again.Content, res.Content) {
			if err == nil {
				err = errors.Errorf("second pass rewrote %d more occurrence(s)", again.Count)
			}
			return nil, nil, &ApplicationError{
				RuleID:  r.ID(),
				Path:    file.Path,
				Excerpt: text.Excerpt(string(res.Content), res.Offset, excerptWidth),
				Err:     errors.Errorf("rule is not idempotent: %w", err),
			}
		}

		change := Change{
			RuleID:      r.ID(),
			Description: r.Description(),
			Occurrences: res.Count,
		}
		if res.Offset >= 0 {
			change.Excerpt = text.Excerpt(string(buf), res.Offset, excerptWidth)
		}
		log = append(log, change)

		logger.Debug().
			Str("path", file.RelPath).
			Str("rule", r.ID()).
			Int("occurrences", res.Count).
			Msg("rule applied")

		buf = res.Content
	}

	if log.Empty() {
		return content, nil, nil
	}

	// rules that are stable alone can still feed each other; the whole plan must be
	// a fixed point of its own output
	for _, r := range rules {
		res, err := r.Transform(buf)
		if err == nil && res.Count == 0 {
			continue
		}
		if err == nil {
			err = errors.Errorf("rule set rewrote %d more occurrence(s) on a second pass", res.Count)
		}
		return nil, nil, &ApplicationError{
			RuleID:  r.ID(),
			Path:    file.Path,
			Excerpt: text.Excerpt(string(buf), res.Offset, excerptWidth),
			Err:     errors.Errorf("rule set is not idempotent: %w", err),
		}
	}
	return buf, log, nil
}

// ❌ ApplicationError reports a rule that could not be applied to a file
type ApplicationError struct {
	RuleID  string
	Path    string
	Excerpt string
	Err     error
}

func (e *ApplicationError) Error() string {
	msg := fmt.Sprintf("rule %s on %s: %v", e.RuleID, e.Path, e.Err)
	if e.Excerpt != "" {
		msg += fmt.Sprintf(" (near %q)", e.Excerpt)
	}
	return msg
}

func (e *ApplicationError) Unwrap() error { return e.Err }

// Kind returns the error kind used in session reports
func (e *ApplicationError) Kind() string { return "RuleApplicationError" }
