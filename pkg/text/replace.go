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

package text

import (
	"regexp"
	"strings"
)

// ReplacementResult contains the results of a text replacement operation
type ReplacementResult struct {
	Content          string // Content after replacement
	ReplacementCount int    // Number of occurrences rewritten
	FirstOffset      int    // Byte offset of the first rewritten occurrence, -1 if none
}

// WasModified reports whether any occurrence was rewritten
func (r ReplacementResult) WasModified() bool {
	return r.ReplacementCount > 0
}

// 🔄 ReplaceUnmigrated replaces every occurrence of from with to, except occurrences
// that already sit inside a copy of to. Rewriting "2.0" to "2.0.1" twice therefore
// yields "2.0.1", not "2.0.1.1".
func ReplaceUnmigrated(content, from, to string) ReplacementResult {
	result := ReplacementResult{Content: content, FirstOffset: -1}
	if from == "" || from == to {
		return result
	}

	offsets := selfOffsets(from, to)

	var b strings.Builder
	pos := 0
	for pos <= len(content) {
		i := strings.Index(content[pos:], from)
		if i < 0 {
			break
		}
		i += pos

		if end, ok := insideMigrated(content, i, to, offsets); ok {
			b.WriteString(content[pos:end])
			pos = end
			continue
		}

		b.WriteString(content[pos:i])
		b.WriteString(to)
		if result.FirstOffset < 0 {
			result.FirstOffset = i
		}
		result.ReplacementCount++
		pos = i + len(from)
	}

	if result.ReplacementCount == 0 {
		return result
	}
	b.WriteString(content[pos:])
	result.Content = b.String()
	return result
}

// selfOffsets lists every offset at which from occurs inside to
func selfOffsets(from, to string) []int {
	var offsets []int
	for k := 0; k+len(from) <= len(to); k++ {
		if to[k:k+len(from)] == from {
			offsets = append(offsets, k)
		}
	}
	return offsets
}

// insideMigrated reports whether the occurrence at i is part of an existing copy of to,
// returning the end of that copy.
func insideMigrated(content string, i int, to string, offsets []int) (int, bool) {
	for _, k := range offsets {
		start := i - k
		if start < 0 {
			continue
		}
		if strings.HasPrefix(content[start:], to) {
			return start + len(to), true
		}
	}
	return 0, false
}

// 🔄 ReplaceRegexp rewrites every match of re with the expanded template, skipping
// matches whose expansion equals the matched text.
func ReplaceRegexp(content string, re *regexp.Regexp, template string) ReplacementResult {
	result := ReplacementResult{Content: content, FirstOffset: -1}

	matches := re.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return result
	}

	var b strings.Builder
	pos := 0
	for _, m := range matches {
		var dst []byte
		dst = re.ExpandString(dst, template, content, m)
		if string(dst) == content[m[0]:m[1]] {
			continue
		}
		b.WriteString(content[pos:m[0]])
		b.Write(dst)
		if result.FirstOffset < 0 {
			result.FirstOffset = m[0]
		}
		result.ReplacementCount++
		pos = m[1]
	}

	if result.ReplacementCount == 0 {
		return result
	}
	b.WriteString(content[pos:])
	result.Content = b.String()
	return result
}

// ✂️ Excerpt returns up to width bytes of content around offset, on one line
func Excerpt(content string, offset, width int) string {
	if width <= 0 {
		width = 80
	}
	if offset < 0 {
		offset = 0
	}
	if offset > len(content) {
		offset = len(content)
	}
	start := offset - width/2
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(content) {
		end = len(content)
	}
	out := strings.NewReplacer("\r", `\r`, "\n", `\n`, "\t", `\t`).Replace(content[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(content) {
		out += "…"
	}
	return out
}
