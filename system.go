package fusion

import (
	"context"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"github.com/cnxyang/fusion/frame"
	"github.com/cnxyang/fusion/keymap"
	"github.com/cnxyang/fusion/reloc"
	"github.com/cnxyang/fusion/spatialmath"
	"github.com/cnxyang/fusion/track"
	"github.com/cnxyang/fusion/transform"
	"github.com/cnxyang/fusion/voxel"
)

// verifyEnergyThresh is the dense-verification gate: a mean point-to-plane
// energy above it (or NaN) sends the driver to the lost state.
const verifyEnergyThresh = 1e-3

// keySweepInterval is the frame period of the key-map eviction sweep.
const keySweepInterval = 100

// SysDesc describes the camera the system is constructed for. DepthScale is
// the sensor's raw units per metre.
type SysDesc struct {
	Cols        int     `json:"cols"`
	Rows        int     `json:"rows"`
	Fx          float64 `json:"fx"`
	Fy          float64 `json:"fy"`
	Cx          float64 `json:"cx"`
	Cy          float64 `json:"cy"`
	DepthCutoff float64 `json:"depth_cutoff"`
	DepthScale  float64 `json:"depth_scale"`
}

// Validate collects every structural problem with the descriptor; any makes
// construction fail.
func (d *SysDesc) Validate() error {
	var err error
	if d.Cols <= 0 || d.Rows <= 0 {
		err = multierr.Append(err, errors.Errorf("image size must be positive, got %dx%d", d.Cols, d.Rows))
	}
	if d.Fx <= 0 || d.Fy <= 0 {
		err = multierr.Append(err, errors.Errorf("focal lengths must be positive, got (%f, %f)", d.Fx, d.Fy))
	}
	if d.Cx < 0 || d.Cy < 0 {
		err = multierr.Append(err, errors.Errorf("principal point must be non-negative, got (%f, %f)", d.Cx, d.Cy))
	}
	if d.DepthCutoff <= 0 {
		err = multierr.Append(err, errors.Errorf("depth cutoff must be positive, got %f", d.DepthCutoff))
	}
	if d.DepthScale <= 0 {
		err = multierr.Append(err, errors.Errorf("depth scale must be positive, got %f", d.DepthScale))
	}
	return err
}

// System is the driver. All per-frame work happens inside Grab; the only
// cross-thread consumers are RenderScene and the pose accessors, which read a
// snapshot under the lock.
type System struct {
	logger golog.Logger
	clock  clock.Clock

	intrinsics    transform.PinholeCameraIntrinsics
	preprocessCfg frame.PreprocessConfig

	vmap        *voxel.Map
	keys        *keymap.KeyMap
	tracker     *track.Tracker
	relocalizer *reloc.Relocalizer
	extractor   frame.FeatureExtractor

	mu          sync.Mutex
	state       State
	lastState   State
	lastFrame   *frame.Frame
	lastRaycast *voxel.RaycastResult
	currentPose *spatialmath.SE3
	frameCount  int
}

// NewSystem builds a system with the reference map configuration.
func NewSystem(desc *SysDesc, logger golog.Logger) (*System, error) {
	return NewSystemWithMapState(desc, voxel.DefaultMapState(), logger)
}

// NewSystemWithMapState builds a system with an explicit map configuration.
// Config violations are fatal here.
func NewSystemWithMapState(desc *SysDesc, state voxel.MapState, logger golog.Logger) (*System, error) {
	if desc == nil {
		return nil, errors.New("system descriptor is required")
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	intrinsics := transform.PinholeCameraIntrinsics{
		Width:  desc.Cols,
		Height: desc.Rows,
		Fx:     desc.Fx,
		Fy:     desc.Fy,
		Ppx:    desc.Cx,
		Ppy:    desc.Cy,
	}
	vmap, err := voxel.NewMap(state, logger)
	if err != nil {
		return nil, err
	}
	tracker, err := track.NewTracker(&intrinsics, track.DefaultConfig(), logger)
	if err != nil {
		return nil, err
	}
	s := &System{
		logger:     logger,
		clock:      clock.New(),
		intrinsics: intrinsics,
		preprocessCfg: frame.PreprocessConfig{
			Intrinsics:   &intrinsics,
			DepthCutoff:  desc.DepthCutoff,
			DepthScale:   desc.DepthScale,
			SpatialSigma: 2.0,
			DepthSigma:   0.03,
		},
		vmap:        vmap,
		keys:        keymap.New(),
		tracker:     tracker,
		relocalizer: reloc.New(reloc.DefaultConfig(), logger),
		state:       StateNotInitialised,
		lastState:   StateNotInitialised,
		currentPose: spatialmath.NewSE3(),
	}
	s.preprocessCfg.Intrinsics = &s.intrinsics
	return s, nil
}

// SetClockForTesting swaps the wall clock; reconfigurable for tests.
func (s *System) SetClockForTesting(c clock.Clock) {
	s.clock = c
}

// SetFeatureExtractor installs the external keypoint detector. Without one
// the sparse paths (key-map integration, relocalization) see empty feature
// sets.
func (s *System) SetFeatureExtractor(ext frame.FeatureExtractor) {
	s.extractor = ext
}

// State returns the driver state.
func (s *System) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pose returns the latest world-from-camera estimate.
func (s *System) Pose() *spatialmath.SE3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPose.Clone()
}

// Map exposes the volumetric map (meshing, inspection).
func (s *System) Map() *voxel.Map {
	return s.vmap
}

// KeyMap exposes the sparse keypoint map.
func (s *System) KeyMap() *keymap.KeyMap {
	return s.keys
}

// Grab ingests one time-synchronized RGB-D pair and does not return until
// fusion for this frame is complete. rgb may be nil for depth-only operation.
func (s *System) Grab(ctx context.Context, rgb []byte, depth []uint16) (TrackOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := trace.StartSpan(ctx, "fusion::Grab")
	defer span.End()
	start := s.clock.Now()

	next, err := s.preprocess(ctx, rgb, depth)
	if err != nil {
		return TrackOutcome{Status: StatusLost}, err
	}

	bOK := false
	switch s.state {
	case StateNotInitialised:
		// first frame: permissive init at the origin
		next.SetPose(spatialmath.NewSE3())
		bOK = true
	case StateOK:
		bOK = s.trackFrame(ctx, next)
	case StateLost:
		bOK = s.relocalize(next)
	}

	if !bOK && s.state == StateOK {
		// dense tracking failed; try the key-map before giving up
		bOK = s.relocalize(next)
	}

	if !bOK {
		if s.state == StateOK {
			s.relocalizer.ResetAttempts()
		}
		s.setState(StateLost)
		s.logger.Infow("lost tracking", "frame", s.frameCount)
		s.frameCount++
		return TrackOutcome{Status: StatusLost}, nil
	}

	recovered := s.state == StateLost
	s.fuseAndRaycast(ctx, next)
	if s.state == StateOK && s.lastState != StateLost {
		s.integrateKeys(next)
	}

	s.lastFrame = next
	s.currentPose = next.Pose().Clone()
	s.setState(StateOK)
	s.frameCount++

	outcome := TrackOutcome{Status: StatusOK, Pose: next.Pose().Clone()}
	if recovered {
		outcome.Status = StatusRelocalized
		outcome.Attempts = s.relocalizer.Attempts()
		s.logger.Infow("relocalisation finished", "attempts", outcome.Attempts)
	}
	s.logger.Debugw("frame processed", "frame", s.frameCount-1, "status", outcome.Status.String(),
		"elapsed", s.clock.Since(start))
	return outcome, nil
}

func (s *System) preprocess(ctx context.Context, rgb []byte, depth []uint16) (*frame.Frame, error) {
	_, span := trace.StartSpan(ctx, "fusion::Preprocess")
	defer span.End()
	next, err := frame.Preprocess(rgb, depth, &s.preprocessCfg)
	if err != nil {
		return nil, err
	}
	if s.extractor != nil && rgb != nil {
		feats, err := s.extractor.Extract(rgb, s.intrinsics.Width, s.intrinsics.Height)
		if err != nil {
			// sparse paths degrade, dense tracking continues
			s.logger.Warnw("feature extraction failed", "error", err)
		} else {
			next.AttachFeatures(feats, &s.intrinsics)
		}
	}
	return next, nil
}

// trackFrame runs dense ICP against the last synthesized model frame and the
// dense verification pass.
func (s *System) trackFrame(ctx context.Context, next *frame.Frame) bool {
	_, span := trace.StartSpan(ctx, "fusion::TrackICP")
	defer span.End()
	next.SetPose(s.tracker.ComputeSE3(next, s.lastFrame))
	energy := s.tracker.TrackICP(next, s.lastFrame)
	if math.IsNaN(energy) || energy > verifyEnergyThresh {
		s.logger.Infow("dense verification failed", "energy", energy)
		return false
	}
	return true
}

func (s *System) relocalize(next *frame.Frame) bool {
	positions, _, descriptors := s.keys.Keys()
	pose, ok := s.relocalizer.Relocalize(next, positions, descriptors)
	if !ok {
		return false
	}
	next.SetPose(pose)
	return true
}

// fuseAndRaycast folds the posed frame into the volume and synthesizes the
// reference maps the next frame's ICP will align against.
func (s *System) fuseAndRaycast(ctx context.Context, next *frame.Frame) {
	_, span := trace.StartSpan(ctx, "fusion::Fuse")
	defer span.End()
	s.vmap.FuseFrame(next, &s.intrinsics)

	_, span2 := trace.StartSpan(ctx, "fusion::Raycast")
	defer span2.End()
	res := s.vmap.Raycast(next.Pose(), &s.intrinsics)
	s.lastRaycast = res

	// the synthesized maps replace the measured ones, so the swap at the next
	// frame makes them the ICP reference
	next.VMap[0] = res.VMap
	next.NMap[0] = res.NMap
	for i := 1; i < frame.NumPyrs; i++ {
		next.VMap[i], next.NMap[i] = frame.SubsampleMaps(next.VMap[i-1], next.NMap[i-1])
	}
}

// integrateKeys folds the frame's keypoints into the key-map and runs the
// periodic eviction sweep.
func (s *System) integrateKeys(next *frame.Frame) {
	worldPoints := next.WorldPoints()
	worldNormals := next.WorldNormals()
	for i := range worldPoints {
		if next.Outliers[i] {
			continue
		}
		s.keys.InsertKey(worldPoints[i], worldNormals[i], next.Descriptors[i])
	}
	if s.frameCount > 0 && s.frameCount%keySweepInterval == 0 {
		s.keys.Sweep()
	}
}

func (s *System) setState(next State) {
	s.lastState = s.state
	s.state = next
}

// ResetTracking returns the driver to NOT_INITIALISED. The map is kept; the
// next frame re-initialises the pose at the origin inside the existing
// volume.
func (s *System) ResetTracking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateNotInitialised
	s.lastState = StateNotInitialised
}

// ResetMap clears the volume and the key-map via the bulk-reset path.
func (s *System) ResetMap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vmap.Reset()
	s.keys.Reset()
	s.lastRaycast = nil
}
