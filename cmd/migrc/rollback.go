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
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/walteh/migrc/pkg/backup"
	"github.com/walteh/migrc/pkg/log"
	"github.com/walteh/migrc/pkg/rollback"
	"github.com/walteh/migrc/pkg/session"
	"gitlab.com/tozd/go/errors"
)

func newRollbackCmd(opts *rootOpts) *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "rollback SESSION",
		Short: "Restore every file backed up by a session",
		Long: `Rollback restores the originals recorded in a session's backup manifest.
Each restored file is verified against the recorded hash. The session's backups
are removed once every file was restored, unless --keep is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sessionID := args[0]

			store, err := opts.store(cmd)
			if err != nil {
				return withExitCode(session.ExitConfigError, err)
			}
			console := opts.console(ctx)

			res, err := rollback.New(store).RestoreSession(ctx, sessionID)
			if err != nil {
				return withExitCode(session.ExitConfigError, err)
			}

			for _, rec := range res.Restored {
				console.LogFileOperation(ctx, log.FileOperation{Path: rec.RelPath, Status: "rolled-back"})
			}
			for _, f := range res.Failures {
				console.LogFileOperation(ctx, log.FileOperation{Path: f.Record.RelPath, Status: "failed", Reason: f.Err.Error()})
			}

			if !res.OK() {
				return withExitCode(session.ExitRestoreFailures,
					errors.Errorf("%d of %d file(s) could not be restored", len(res.Failures), len(res.Failures)+len(res.Restored)))
			}

			console.Successf("restored %d file(s) from session %s", len(res.Restored), sessionID)
			if !keep {
				if err := store.Remove(sessionID); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&keep, "keep", false, "keep the session's backups after restoring")
	return cmd
}

func newSessionsCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions that still have backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.store(cmd)
			if err != nil {
				return withExitCode(session.ExitConfigError, err)
			}

			sessions, err := store.Sessions()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(opts.out, "no sessions with backups in", store.Dir())
				return nil
			}

			data := pterm.TableData{{"SESSION", "FILES", "UPDATED"}}
			for _, s := range sessions {
				data = append(data, []string{s.ID, fmt.Sprint(s.Records), s.UpdatedAt.Local().Format("2006-01-02 15:04:05")})
			}
			table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
			if err != nil {
				return errors.Errorf("rendering sessions: %w", err)
			}
			fmt.Fprintln(opts.out, table)
			return nil
		},
	}
}

// store opens the backup store named by the project's config
func (o *rootOpts) store(cmd *cobra.Command) (*backup.Store, error) {
	root, err := o.root()
	if err != nil {
		return nil, err
	}
	cfg, err := o.loadConfig(cmd.Context(), root, false)
	if err != nil {
		return nil, errors.Errorf("loading config: %w", err)
	}
	return backup.NewStore(root, cfg.BackupDir(root))
}
