/*
Package session runs one migration end to end.

	          +-----------+
	          |  Catalog  |  enumerate files
	          +-----+-----+
	                |
	          +-----v-----+        +------------+
	          | Scheduler |------->|  worker N  |  one task per file
	          +-----+-----+        +------+-----+
	                |                     |
	                |        lock > read > rules > review > snapshot > write > unlock
	                |                     |
	          +-----v-----+        +------v-----+
	          |  Session  |<-------|  Tracker   |  per-file status
	          +-----+-----+        +------------+
	                |
	       abort?   |   rollback enabled
	                v
	          +-----------+
	          | Rollback  |  restore every snapshot
	          +-----------+

🔄 States:

	created -> running -> completed
	                   \-> aborted -> rolling-back -> rolled-back

An aborted session stays aborted when rollback is disabled. A scan failure leaves the
session in created.

⚡ Abort triggers:
- a reviewer answers abort
- Session.Abort, usually from a signal handler
- failures above migration.max_failures when it is positive
- backup errors above migration.max_backup_errors

Workers check the abort flag between phases and finish the phase they are in, so no
file is ever left half written. Tasks that observe an abort before writing end up
skipped. Batches not yet dispatched are counted as not_dispatched.

🔍 Example:

	s, err := session.New(ctx, cfg, projectDir, session.WithConsole(console))
	if err != nil {
		return err
	}
	report, err := s.Run(ctx)
	if err != nil {
		return err
	}
	path, err := report.WriteFile(cfg.ReportDir(s.Root()))
	os.Exit(report.ExitCode())
*/
package session
