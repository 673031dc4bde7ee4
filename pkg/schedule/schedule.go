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

// Package schedule runs migration tasks in FIFO batches on a fixed worker pool.
package schedule

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/walteh/migrc/pkg/catalog"
	"github.com/walteh/migrc/pkg/rule"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

const DefaultBatchSize = 50

// 📦 Task is one file and the ordered rules to try on it
type Task struct {
	ID    int
	File  catalog.SourceFile
	Rules []rule.Rule
	Batch int
}

// Handler runs a task's whole lifecycle on the calling worker. File-scoped failures
// belong in the handler's own bookkeeping; a returned error stops the run.
type Handler func(ctx context.Context, worker int, task Task) error

// Hooks let the caller observe and stop a run. Every field is optional.
type Hooks struct {
	// Stopped is polled before each dispatch
	Stopped func() bool
	// Undispatched receives every task left behind by a stop
	Undispatched func(Task)
	// BatchDone is called once every task of a batch is terminal
	BatchDone func(batch, total int)
}

type Options struct {
	Workers   int
	BatchSize int
}

// Summary describes a finished run
type Summary struct {
	Batches      int
	Dispatched   int
	Undispatched int
}

// ⚙️ Scheduler owns the worker pool configuration
type Scheduler struct {
	opts Options
}

func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Scheduler{opts: opts}
}

func (s *Scheduler) Options() Options {
	return s.opts
}

// ✂️ Partition splits items into consecutive batches of at most size, keeping order.
// N items give ⌈N/size⌉ batches.
func Partition[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(items)
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end:end])
	}
	return batches
}

type job struct {
	task Task
	done *sync.WaitGroup
}

// 🏃 Run partitions tasks into batches and feeds them to the pool one batch at a
// time: batch k+1 is dispatched only after every task of batch k has returned.
// Within a batch tasks run in no particular order.
func (s *Scheduler) Run(ctx context.Context, tasks []Task, handle Handler, hooks Hooks) (Summary, error) {
	logger := zerolog.Ctx(ctx)
	batches := Partition(tasks, s.opts.BatchSize)
	summary := Summary{Batches: len(batches)}

	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan job)
	var failed atomic.Bool

	for w := 1; w <= s.opts.Workers; w++ {
		g.Go(func() error {
			for j := range queue {
				err := handle(gctx, w, j.task)
				if err != nil {
					failed.Store(true)
				}
				j.done.Done()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	stopped := func() bool {
		return failed.Load() || gctx.Err() != nil || (hooks.Stopped != nil && hooks.Stopped())
	}

dispatch:
	for b, batch := range batches {
		var done sync.WaitGroup
		for i := range batch {
			if stopped() {
				done.Wait()
				break dispatch
			}
			task := batch[i]
			task.Batch = b
			done.Add(1)
			select {
			case queue <- job{task: task, done: &done}:
				summary.Dispatched++
			case <-gctx.Done():
				done.Done()
				done.Wait()
				break dispatch
			}
		}
		done.Wait()

		logger.Debug().Int("batch", b+1).Int("of", len(batches)).Int("tasks", len(batch)).Msg("batch finished")
		if hooks.BatchDone != nil {
			hooks.BatchDone(b+1, len(batches))
		}
	}
	close(queue)

	// dispatch is in order, so everything past the dispatched prefix was left behind
	for i, task := range tasks[summary.Dispatched:] {
		task.Batch = (summary.Dispatched + i) / s.opts.BatchSize
		summary.Undispatched++
		if hooks.Undispatched != nil {
			hooks.Undispatched(task)
		}
	}

	if err := g.Wait(); err != nil {
		return summary, errors.Errorf("running tasks: %w", err)
	}
	return summary, nil
}
