package lane

import "sync"

var (
	mainOnce sync.Once
	mainLane *Serial
)

// Main returns the process-wide serial lane, created on first use.
// Schedulers built without an explicit lane share it. Close it only at
// process exit; once closed it rejects every submission.
func Main() Lane {
	mainOnce.Do(func() {
		mainLane = NewSerial("main")
	})
	return mainLane
}
