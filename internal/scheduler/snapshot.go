package scheduler

import "lanesched/internal/lane"

// Snapshot is a diagnostic view of a scheduler and its lane.
type Snapshot struct {
	Name          string     `json:"name"`
	Lane          lane.Stats `json:"lane"`
	Scheduled     uint64     `json:"scheduled"`
	Rejected      uint64     `json:"rejected"`
	TimersArmed   uint64     `json:"timers_armed"`
	TimersFired   uint64     `json:"timers_fired"`
	TimersStopped uint64     `json:"timers_stopped"`
	TimersPending int64      `json:"timers_pending"`
}

func (s *Scheduler) Snapshot() Snapshot {
	return Snapshot{
		Name:          s.name,
		Lane:          s.lane.Stats(),
		Scheduled:     s.scheduled.Load(),
		Rejected:      s.rejected.Load(),
		TimersArmed:   s.timersArmed.Load(),
		TimersFired:   s.timersFired.Load(),
		TimersStopped: s.timersStopped.Load(),
		TimersPending: s.timersPending.Load(),
	}
}
