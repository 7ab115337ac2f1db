package model

// Peer and tunnel runtime status.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Scheduler types for per-peer traffic shaping.
const (
	SchedulerHTB  = "htb"
	SchedulerHFSC = "hfsc"
	SchedulerCake = "cake"
)

// Job log outcomes.
const (
	JobStatusSuccess = "success"
	JobStatusFail    = "fail"
)

// NoHandshake is the handshake age shown for peers that never connected.
const NoHandshake = "No Handshake"

// ValidScheduler reports whether s names a supported scheduler.
func ValidScheduler(s string) bool {
	switch s {
	case SchedulerHTB, SchedulerHFSC, SchedulerCake:
		return true
	}
	return false
}
