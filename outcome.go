// Package fusion is the system driver of the dense RGB-D SLAM engine: it owns
// the volumetric map, the key-map, the dense tracker, and the relocalizer,
// and runs the per-frame state machine tracking -> fusion -> raycast.
package fusion

import "github.com/cnxyang/fusion/spatialmath"

// State is the driver's tracking state.
type State int

// Driver states.
const (
	StateNotInitialised State = iota
	StateOK
	StateLost
)

func (s State) String() string {
	switch s {
	case StateNotInitialised:
		return "NOT_INITIALISED"
	case StateOK:
		return "OK"
	case StateLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// TrackStatus tags the outcome of one frame.
type TrackStatus int

// Per-frame outcomes.
const (
	// StatusOK: dense tracking succeeded and the frame was fused.
	StatusOK TrackStatus = iota
	// StatusRelocalized: tracking had been lost and this frame recovered it.
	StatusRelocalized
	// StatusLost: no pose could be estimated; the frame was not fused.
	StatusLost
)

func (s TrackStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRelocalized:
		return "relocalized"
	case StatusLost:
		return "lost"
	default:
		return "unknown"
	}
}

// TrackOutcome is the sole visible effect of one Grab call: the resulting
// status, the frame's pose when one exists, and the relocalization attempt
// count on recovery.
type TrackOutcome struct {
	Status   TrackStatus
	Pose     *spatialmath.SE3
	Attempts int
}
