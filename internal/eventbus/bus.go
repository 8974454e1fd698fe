package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple schedulers from
// observers (metrics, logs, tests).
//
// Contract:
//   - Publish MUST be non-blocking. It is called from timer callbacks and lane workers.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Lifecycle event types published by schedulers and lanes.
const (
	ActivationScheduled = "activation.scheduled"
	ActivationStarted   = "activation.started"
	ActivationCompleted = "activation.completed"
	ActivationSkipped   = "activation.skipped"
	ActivationRejected  = "activation.rejected"
	ActivationPanicked  = "activation.panicked"
	TimerArmed          = "timer.armed"
	TimerFired          = "timer.fired"
	TimerStopped        = "timer.stopped"
	JobFired            = "job.fired"
)

// ActivationEvent is the payload of activation.* and timer.* events.
type ActivationEvent struct {
	ID         string        `json:"id"`
	Scheduler  string        `json:"scheduler"`
	Lane       string        `json:"lane"`
	Delay      time.Duration `json:"delay,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is the payload of job.fired.
type JobEvent struct {
	Name      string    `json:"name"`
	Scheduler string    `json:"scheduler"`
	Spec      string    `json:"spec"`
	Run       uint64    `json:"run"`
	Next      time.Time `json:"next"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send never hits a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
