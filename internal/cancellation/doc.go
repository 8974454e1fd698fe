// Package cancellation provides the handles returned by schedulers.
//
// A Handle asks not-yet-started work to be suppressed. Cancellation is
// cooperative: it never interrupts code that is already running, it only
// prevents transitions that have not happened yet. Every Cancel in this
// package is idempotent and safe to call from any goroutine.
//
// Two composition cells cover the "token returned before the real handle
// exists" case:
//   - SingleAssignment: one inner handle, assigned at most once.
//   - Composite: any number of inner handles.
//
// Both cancel a handle assigned after the cell was cancelled instead of
// storing it, so a cancel requested in the window between token creation
// and assignment is never lost.
package cancellation
