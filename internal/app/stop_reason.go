package app

// StopReason explains why the app is stopping. It is logged and forwarded to
// systemd as the STATUS line.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)
