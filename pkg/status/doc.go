/*
Package status tracks the per-file outcome of a migration session.

	            +-------------+
	            |   Tracker   |
	            |  (outcomes) |
	            +------+------+
	                   |
	      +-----------+-----------+
	      |                       |
	+-----+-----+           +-----+-----+
	| FileInfo  |           | Formatter |
	|  (state)  |           |  (UI/UX)  |
	+-----------+           +-----------+

🎯 Purpose:
- Records the status of every enumerated file
- Reports progress as tasks finish
- Formats outcomes for structured logs

🔄 File states:

	untouched ─▶ transformed ─▶ backed-up ─▶ written
	     │             │
	     └──▶ skipped ◀┘        failed (from any state)
	                            rolled-back (after a restore)

🤝 Interfaces:
- FileFormatter: formats outcome and progress messages

🔍 Example:

	tracker := status.NewTracker()
	tracker.Register(file)
	tracker.SetStatus(ctx, file.Path, status.StatusWritten)
	counts := tracker.Counts()
*/
package status
