package voice

import "sync/atomic"

// ActivityEdge is the result of feeding one tick to an ActivityDetector.
type ActivityEdge int

const (
	EdgeNone ActivityEdge = iota
	EdgeStarted
	EdgeStopped
)

func (e ActivityEdge) String() string {
	switch e {
	case EdgeStarted:
		return "started"
	case EdgeStopped:
		return "stopped"
	default:
		return "none"
	}
}

// ActivityDetector tracks whether the previous tick had any speaker. It
// starts Silent. Each transition is reported to exactly one caller even
// when ticks are observed concurrently.
type ActivityDetector struct {
	active atomic.Bool
}

// Observe feeds one tick's activity and returns the edge it produced.
func (a *ActivityDetector) Observe(active bool) ActivityEdge {
	if active {
		if a.active.CompareAndSwap(false, true) {
			return EdgeStarted
		}
		return EdgeNone
	}
	if a.active.CompareAndSwap(true, false) {
		return EdgeStopped
	}
	return EdgeNone
}

// Active returns the current state.
func (a *ActivityDetector) Active() bool { return a.active.Load() }
