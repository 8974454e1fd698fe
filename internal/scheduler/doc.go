// Package scheduler runs actions on an exclusive lane, now or after a delay.
//
// A Scheduler is bound to one lane.Lane for its whole life. Schedule hands
// an action to the lane; ScheduleRelative arms a clock timer first and hands
// the action over when it fires. Both return a cancellation.Token
// synchronously, before the action has necessarily run, and never block the
// caller.
//
// Guarantees:
//   - An action runs at most once.
//   - Cancelling before the lane dispatches the action means it never runs.
//     When cancel races dispatch, the activation's compare-and-swap picks
//     exactly one winner and "already cancelled" wins.
//   - Cancelling after the action started does not interrupt it; the handle
//     the action returns is cancelled instead, either immediately (if the
//     token was already cancelled) or when the token is.
//   - Delays <= 0 take the immediate path. Never arms no timer at all.
//   - A timer is released exactly once: when it fires or when it is stopped.
//
// A relative activation is checked for cancellation three times: when the
// timer is stopped, when the timer callback hands off to the lane, and when
// the lane dispatches it.
package scheduler
