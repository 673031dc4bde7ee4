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
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/walteh/migrc/pkg/approval"
	"github.com/walteh/migrc/pkg/catalog"
	"github.com/walteh/migrc/pkg/log"
	"github.com/walteh/migrc/pkg/session"
	"gitlab.com/tozd/go/errors"
)

func newRunCmd(opts *rootOpts) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Migrate the project",
		Long: `Run scans the project, applies every matching rule and writes the results.
It will:
1. Load the config and the rule catalog
2. Back up each file before its first write
3. Ask for approval of every change when interactive
4. Roll back written files on abort (Ctrl-C, or q at the prompt)
5. Write migration_report_<timestamp>.json to paths.report_dir

Exit status: 0 completed, 1 completed with failures, 2 aborted or rolled back,
3 rollback left files unrestored, 4 configuration or scan error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			root, err := opts.root()
			if err != nil {
				return withExitCode(session.ExitConfigError, err)
			}

			cfg, err := opts.loadConfig(ctx, root, true)
			if err != nil {
				return withExitCode(session.ExitConfigError, errors.Errorf("loading config: %w", err))
			}

			// flags and MIGRC_* variables override the file
			v := opts.viper
			if v.IsSet("workers") {
				cfg.Migration.ParallelThreads = v.GetInt("workers")
			}
			if v.IsSet("batch-size") {
				cfg.Migration.BatchSize = v.GetInt("batch-size")
			}
			if v.IsSet("interactive") {
				cfg.Migration.Interactive = v.GetBool("interactive")
			}
			if err := cfg.Validate(); err != nil {
				return withExitCode(session.ExitConfigError, errors.Errorf("validating config: %w", err))
			}

			ctx, err = opts.setupLogging(ctx, cfg.Logging)
			if err != nil {
				return withExitCode(session.ExitConfigError, err)
			}
			console := opts.console(ctx)

			sessOpts := []session.Option{session.WithConsole(console)}
			if cfg.Migration.Interactive {
				var reviewer approval.Reviewer = approval.NewPromptReviewer(opts.in, opts.out)
				if yes {
					reviewer = approval.AcceptAll
				}
				sessOpts = append(sessOpts, session.WithReviewer(reviewer))
			}

			s, err := session.New(ctx, cfg, root, sessOpts...)
			if err != nil {
				return withExitCode(session.ExitConfigError, err)
			}

			console.Header("migrating " + root)

			stop := abortOnSignal(s, console.Warning)
			defer stop()

			report, err := s.Run(ctx)
			if err != nil {
				var scanErr *catalog.ScanError
				if errors.As(err, &scanErr) {
					return withExitCode(session.ExitConfigError, err)
				}
				return err
			}

			path, err := report.WriteFile(cfg.ReportDir(root))
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("writing report")
			}

			console.LogNewline()
			summarize(console, report)
			if path != "" {
				console.Infof("report written to %s", path)
			}

			if code := report.ExitCode(); code != session.ExitOK {
				return withExitCode(code, errors.Errorf("session %s ended %s", report.SessionID, report.Status))
			}
			return nil
		},
	}

	cmd.Flags().BoolP("interactive", "i", false, "review every change before it is written")
	cmd.Flags().IntP("workers", "w", 0, "number of parallel workers")
	cmd.Flags().IntP("batch-size", "b", 0, "files per batch")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept every change without prompting")

	for _, name := range []string{"interactive", "workers", "batch-size"} {
		_ = opts.viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}

	return cmd
}

// abortOnSignal aborts s on the first SIGINT or SIGTERM. The returned func stops
// listening.
func abortOnSignal(s *session.Session, warn func(string)) func() {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			warn("received " + sig.String() + ", finishing in-flight files and rolling back")
			s.Abort()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// summarize prints the outcome counts of a report
func summarize(c *log.Logger, r *session.Report) {
	counts := r.Counts
	switch r.Status {
	case session.StateCompleted:
		if counts.Failed > 0 {
			c.Warningf("completed with %d failure(s): %d written, %d skipped", counts.Failed, counts.Written, counts.Skipped)
		} else {
			c.Successf("completed: %d written, %d skipped", counts.Written, counts.Skipped)
		}
	case session.StateRolledBack:
		c.Warningf("aborted (%s): %d file(s) restored", r.AbortReason, len(r.Restored))
		for _, f := range r.RestoreFailures {
			c.Errorf("could not restore %s: %s", f.Path, f.Message)
		}
	default:
		c.Warningf("aborted (%s): %d written, backups kept in session %s", r.AbortReason, counts.Written, r.SessionID)
	}
	for _, f := range r.Failures {
		c.Errorf("%s [%s]: %s", f.Path, f.Kind, f.Message)
	}
	if counts.NotDispatched > 0 {
		c.Infof("%d file(s) were never dispatched", counts.NotDispatched)
	}
}
