package reloc

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"

	"github.com/cnxyang/fusion/frame"
	"github.com/cnxyang/fusion/spatialmath"
)

// Config holds the relocalizer's gates.
type Config struct {
	// LoweRatio is the nearest/second-nearest acceptance ratio.
	LoweRatio float64
	// MinMatches is the minimum tentative match count to attempt a solve.
	MinMatches int
	// UseGraphMatching turns on consistency-graph pruning of the matches.
	UseGraphMatching bool
	// RansacIterations bounds the absolute-orientation loop when matching
	// against the key-map.
	RansacIterations int
	// FrameRansacIterations bounds it for the frame-to-frame variant.
	FrameRansacIterations int
	// RotThresh and TransThresh gate the frame-to-frame result: any
	// Euler-angle sine above RotThresh or translation component above
	// TransThresh rejects the estimate.
	RotThresh   float64
	TransThresh float64
}

// DefaultConfig returns the reference gates.
func DefaultConfig() Config {
	return Config{
		LoweRatio:             0.85,
		MinMatches:            50,
		UseGraphMatching:      true,
		RansacIterations:      200,
		FrameRansacIterations: 100,
		RotThresh:             0.2,
		TransThresh:           0.5,
	}
}

// Relocalizer recovers an absolute pose for a lost frame by matching its
// descriptors against the key-map.
type Relocalizer struct {
	cfg      Config
	logger   golog.Logger
	attempts int
}

// New returns a relocalizer.
func New(cfg Config, logger golog.Logger) *Relocalizer {
	return &Relocalizer{cfg: cfg, logger: logger}
}

// Attempts is the number of relocalization tries since the last reset; the
// driver logs it on recovery.
func (r *Relocalizer) Attempts() int {
	return r.attempts
}

// ResetAttempts zeroes the attempt counter; called when the driver enters the
// lost state.
func (r *Relocalizer) ResetAttempts() {
	r.attempts = 0
}

// Relocalize matches the frame's descriptors against the key-map snapshot and
// solves for the frame's world-from-camera pose. Under-matching or degenerate
// geometry returns false and the driver stays lost.
func (r *Relocalizer) Relocalize(f *frame.Frame, keyPos []r3.Vector, keyDesc [][]byte) (*spatialmath.SE3, bool) {
	r.attempts++
	if len(f.Descriptors) == 0 || len(keyDesc) < 2 {
		return nil, false
	}
	pairs, err := KnnMatch2(f.Descriptors, keyDesc)
	if err != nil {
		r.logger.Debugw("descriptor matching failed", "error", err)
		return nil, false
	}
	matches := RatioFilter(pairs, r.cfg.LoweRatio, r.cfg.UseGraphMatching)
	if len(matches) < r.cfg.MinMatches {
		r.logger.Debugw("relocalization under-matched", "matches", len(matches), "attempts", r.attempts)
		return nil, false
	}

	plist := make([]r3.Vector, len(matches))
	qlist := make([]r3.Vector, len(matches))
	queryIdx := make([]int, len(matches))
	for i, match := range matches {
		plist[i] = f.Points[match.QueryIdx]
		qlist[i] = keyPos[match.TrainIdx]
		queryIdx[i] = match.QueryIdx
	}
	if r.cfg.UseGraphMatching {
		plist, qlist, _ = SelectConsistent(plist, qlist, queryIdx)
	}
	if len(plist) < 3 {
		return nil, false
	}

	outliers := make([]bool, len(plist))
	pose, ok := spatialmath.SolveAbsoluteOrientation(plist, qlist, outliers, r.cfg.RansacIterations)
	if !ok {
		r.logger.Debugw("relocalization failed", "attempts", r.attempts)
		return nil, false
	}
	return pose, true
}

// MatchFrames estimates next's pose from sparse matches against the last
// frame: descriptor matching, absolute orientation, and a sanity gate on the
// recovered relative motion. The driver's Grab does not call it; its
// recovery path is Relocalize against the key-map.
func (r *Relocalizer) MatchFrames(next, last *frame.Frame) (*spatialmath.SE3, bool) {
	if len(next.Descriptors) == 0 || len(last.Descriptors) < 2 {
		return nil, false
	}
	pairs, err := KnnMatch2(next.Descriptors, last.Descriptors)
	if err != nil {
		return nil, false
	}
	matches := RatioFilter(pairs, r.cfg.LoweRatio, false)
	if len(matches) < 3 {
		return nil, false
	}
	p := make([]r3.Vector, len(matches))
	q := make([]r3.Vector, len(matches))
	for i, match := range matches {
		p[i] = next.Points[match.QueryIdx]
		q[i] = last.Points[match.TrainIdx]
	}
	if len(next.Outliers) != len(p) {
		next.Outliers = make([]bool, len(p))
	}
	rel, ok := spatialmath.SolveAbsoluteOrientation(p, q, next.Outliers, r.cfg.FrameRansacIterations)
	if !ok {
		return nil, false
	}
	// sanity gate on the relative motion
	sines := rel.EulerSines()
	trans := rel.Translation()
	if math.Abs(sines.X) > r.cfg.RotThresh ||
		math.Abs(sines.Y) > r.cfg.RotThresh ||
		math.Abs(sines.Z) > r.cfg.RotThresh ||
		math.Abs(trans.X) > r.cfg.TransThresh ||
		math.Abs(trans.Y) > r.cfg.TransThresh ||
		math.Abs(trans.Z) > r.cfg.TransThresh {
		r.logger.Debug("initial pose estimation failed")
		return nil, false
	}
	return last.Pose().Mul(rel), true
}
