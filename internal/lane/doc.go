// Package lane implements exclusive execution contexts.
//
// A Lane runs the activations handed to it one at a time: at most one
// activation from a lane is executing at any instant, so everything an
// activation touches through its lane observes a total order. Two kinds
// exist:
//
//   - KindSerial: a single worker goroutine drains a FIFO backlog. Two
//     submissions from the same goroutine run in submission order.
//   - KindMutex: every submission gets its own goroutine and they contend
//     for the lane's mutex. Execution is still exclusive but the order is
//     whatever the runtime scheduler and sync.Mutex produce. No FIFO.
//
// A lane never silently drops an accepted activation. It either runs it or
// skips it because the activation was cancelled before dispatch; after
// Close, Submit refuses new work with ErrClosed and the backlog is drained.
package lane
