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

// Package approval serializes interactive review of proposed file changes.
package approval

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/walteh/migrc/pkg/catalog"
	"github.com/walteh/migrc/pkg/rule"
	"gitlab.com/tozd/go/errors"
)

// Decision is a reviewer's answer to one proposed change
type Decision int

const (
	Accept Decision = iota
	Reject
	Abort
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Request is a proposed change awaiting review
type Request struct {
	File     catalog.SourceFile
	Changes  rule.ChangeLog
	Original []byte
	Proposed []byte
}

// 👀 Reviewer decides on one request at a time
type Reviewer interface {
	Review(ctx context.Context, req Request) (Decision, error)
}

// Func adapts a function to Reviewer
type Func func(ctx context.Context, req Request) (Decision, error)

func (f Func) Review(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// AcceptAll approves every request
var AcceptAll = Func(func(context.Context, Request) (Decision, error) { return Accept, nil })

// ErrClosed is returned by Review after the gate is closed
var ErrClosed = errors.Base("approval gate closed")

type pending struct {
	ctx   context.Context
	req   Request
	reply chan answer
}

type answer struct {
	decision Decision
	err      error
}

// 🚦 Gate funnels review requests from many workers to a single coordinator
// goroutine, which asks the reviewer about one request at a time in arrival order.
// Once any request is answered Abort, every later request is answered Abort without
// consulting the reviewer.
type Gate struct {
	reviewer Reviewer
	requests chan pending
	done     chan struct{}
	aborted  atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewGate(reviewer Reviewer) *Gate {
	return &Gate{
		reviewer: reviewer,
		requests: make(chan pending),
		done:     make(chan struct{}),
	}
}

// ▶️ Start launches the coordinator; it runs until Close or ctx is done
func (g *Gate) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		g.wg.Add(1)
		go g.coordinate(ctx)
	})
}

// ⏹️ Close stops the coordinator and waits for it to exit
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
}

// Aborted reports whether any request was answered Abort
func (g *Gate) Aborted() bool {
	return g.aborted.Load()
}

// 🙋 Review submits req and blocks until the coordinator answers. Only the calling
// worker waits, and any lock it holds on the file stays held until it resumes.
func (g *Gate) Review(ctx context.Context, req Request) (Decision, error) {
	if g.aborted.Load() {
		return Abort, nil
	}

	p := pending{ctx: ctx, req: req, reply: make(chan answer, 1)}
	select {
	case g.requests <- p:
	case <-ctx.Done():
		return Reject, errors.Errorf("waiting for approval of %s: %w", req.File.RelPath, ctx.Err())
	case <-g.done:
		return Abort, ErrClosed
	}

	select {
	case a := <-p.reply:
		return a.decision, a.err
	case <-ctx.Done():
		return Reject, errors.Errorf("waiting for approval of %s: %w", req.File.RelPath, ctx.Err())
	}
}

func (g *Gate) coordinate(ctx context.Context) {
	defer g.wg.Done()
	logger := zerolog.Ctx(ctx)

	for {
		select {
		case p := <-g.requests:
			p.reply <- g.decide(p, logger)
		case <-ctx.Done():
			return
		case <-g.done:
			return
		}
	}
}

func (g *Gate) decide(p pending, logger *zerolog.Logger) answer {
	if g.aborted.Load() {
		return answer{decision: Abort}
	}
	if err := p.ctx.Err(); err != nil {
		return answer{decision: Reject, err: err}
	}

	d, err := g.reviewer.Review(p.ctx, p.req)
	if err != nil {
		// a reviewer that cannot answer stops the session
		logger.Error().Err(err).Str("path", p.req.File.RelPath).Msg("review failed")
		d = Abort
		err = errors.Errorf("reviewing %s: %w", p.req.File.RelPath, err)
	}
	if d == Abort {
		g.aborted.Store(true)
	}

	logger.Debug().Str("path", p.req.File.RelPath).Stringer("decision", d).Msg("change reviewed")
	return answer{decision: d, err: err}
}
