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

package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/pterm/pterm"
	"github.com/walteh/migrc/pkg/text"
	"gitlab.com/tozd/go/errors"
)

// 💬 PromptReviewer shows a colored unified diff and reads a one-letter answer:
// a(ccept), r(eject) or q(uit). End of input counts as quit.
type PromptReviewer struct {
	in      *bufio.Reader
	out     io.Writer
	context int
}

func NewPromptReviewer(in io.Reader, out io.Writer) *PromptReviewer {
	return &PromptReviewer{
		in:      bufio.NewReader(in),
		out:     out,
		context: 3,
	}
}

func (p *PromptReviewer) Review(ctx context.Context, req Request) (Decision, error) {
	rel := req.File.RelPath
	diff, err := text.Unified("a/"+rel, "b/"+rel, req.Original, req.Proposed, p.context)
	if err != nil {
		return Abort, err
	}
	added, removed := text.DiffStat(diff)

	pterm.Info.WithPrefix(pterm.Prefix{Text: "📝"}).WithWriter(p.out).
		Printfln("%s (%s) +%d -%d", rel, req.File.Kind, added, removed)
	if !req.Changes.Empty() {
		fmt.Fprintf(p.out, "   rules: %s\n", req.Changes.String())
	}
	writeColoredDiff(p.out, diff)

	for {
		if err := ctx.Err(); err != nil {
			return Abort, err
		}

		fmt.Fprint(p.out, "apply this change? [a]ccept / [r]eject / [q]uit: ")
		line, err := p.in.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))

		switch answer {
		case "a", "accept", "y", "yes":
			return Accept, nil
		case "r", "reject", "n", "no":
			return Reject, nil
		case "q", "quit", "abort":
			return Abort, nil
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(p.out)
				return Abort, nil
			}
			return Abort, errors.Errorf("reading answer: %w", err)
		}
		pterm.Warning.WithWriter(p.out).Printfln("unrecognized answer %q", answer)
	}
}

func writeColoredDiff(w io.Writer, diff string) {
	for _, line := range strings.SplitAfter(diff, "\n") {
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			fmt.Fprint(w, color.New(color.Bold).Sprint(line))
		case strings.HasPrefix(line, "@@"):
			fmt.Fprint(w, color.New(color.FgCyan).Sprint(line))
		case strings.HasPrefix(line, "+"):
			fmt.Fprint(w, color.New(color.FgGreen).Sprint(line))
		case strings.HasPrefix(line, "-"):
			fmt.Fprint(w, color.New(color.FgRed).Sprint(line))
		default:
			fmt.Fprint(w, line)
		}
	}
}
