package frame

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/cnxyang/fusion/spatialmath"
	"github.com/cnxyang/fusion/transform"
)

// NumPyrs is the number of pyramid levels built per frame.
const NumPyrs = 3

// DescriptorLength is the packed binary descriptor size in bytes.
const DescriptorLength = 32

// Features is the sparse output of an external keypoint detector for one image.
type Features struct {
	Keypoints   []r2.Point
	Descriptors [][]byte
}

// FeatureExtractor produces keypoints with binary descriptors for an RGB
// image. Implementations must be deterministic per input.
type FeatureExtractor interface {
	Extract(rgb []byte, width, height int) (Features, error)
}

// PreprocessConfig bundles the parameters of the per-frame pipeline.
// DepthScale is the sensor's raw units per metre (1000 for millimetre depth).
type PreprocessConfig struct {
	Intrinsics   *transform.PinholeCameraIntrinsics
	DepthCutoff  float64
	DepthScale   float64
	SpatialSigma float64
	DepthSigma   float64
}

// Validate ensures the config describes a usable pipeline.
func (cfg *PreprocessConfig) Validate() error {
	if cfg.Intrinsics == nil {
		return errors.New("preprocess config needs camera intrinsics")
	}
	if err := cfg.Intrinsics.CheckValid(); err != nil {
		return err
	}
	if cfg.DepthCutoff <= 0 {
		return errors.Errorf("depth cutoff must be positive, got %f", cfg.DepthCutoff)
	}
	if cfg.DepthScale <= 0 {
		return errors.Errorf("depth scale must be positive, got %f", cfg.DepthScale)
	}
	return nil
}

// Frame carries one RGB-D observation through the system: the color image,
// the filtered depth pyramid with its vertex and normal maps, the pose
// estimate, and the back-projected sparse keypoints.
type Frame struct {
	Color []byte // H*W*3, row-major RGB

	Depth [NumPyrs]*DepthMap
	VMap  [NumPyrs]*VertexMap
	NMap  [NumPyrs]*NormalMap

	// Keypoints and Descriptors come from the external detector; Points and
	// Normals are their camera-frame back-projections. Outliers is filled by
	// the absolute-orientation solver.
	Keypoints   []r2.Point
	Descriptors [][]byte
	Points      []r3.Vector
	Normals     []r3.Vector
	Outliers    []bool

	pose *spatialmath.SE3
}

// Preprocess runs the per-frame pipeline: bilateral filter, Gaussian pyramid,
// back-projection, and normal computation. rawDepth is in sensor units and is
// converted with cfg.DepthScale.
func Preprocess(rgb []byte, rawDepth []uint16, cfg *PreprocessConfig) (*Frame, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w, h := cfg.Intrinsics.Width, cfg.Intrinsics.Height
	if len(rgb) != 0 && len(rgb) != w*h*3 {
		return nil, errors.Errorf("rgb has %d bytes, expected %d", len(rgb), w*h*3)
	}
	raw, err := NewDepthMapFromRaw(rawDepth, w, h, cfg.DepthScale)
	if err != nil {
		return nil, err
	}

	f := &Frame{Color: rgb, pose: spatialmath.NewSE3()}
	f.Depth[0] = BilateralFilter(raw, cfg.SpatialSigma, cfg.DepthSigma)
	for i := 1; i < NumPyrs; i++ {
		f.Depth[i] = PyrDownGaussian(f.Depth[i-1])
	}
	for i := 0; i < NumPyrs; i++ {
		level := cfg.Intrinsics.Level(i)
		f.VMap[i] = BackProjectPoints(f.Depth[i], &level, cfg.DepthCutoff)
		f.NMap[i] = ComputeNormalMap(f.VMap[i])
	}
	return f, nil
}

// AttachFeatures stores the detector output on the frame and back-projects
// every keypoint with valid depth into the camera frame. Keypoints without
// depth are dropped, keeping Keypoints, Descriptors, Points, and Normals
// parallel.
func (f *Frame) AttachFeatures(feats Features, intrinsics *transform.PinholeCameraIntrinsics) {
	n := len(feats.Keypoints)
	f.Keypoints = make([]r2.Point, 0, n)
	f.Descriptors = make([][]byte, 0, n)
	f.Points = make([]r3.Vector, 0, n)
	f.Normals = make([]r3.Vector, 0, n)
	for i, kp := range feats.Keypoints {
		d := f.Depth[0].InterpolateDepth(kp.X, kp.Y)
		if d == 0 {
			continue
		}
		x, y := transform.Round(kp)
		var normal r3.Vector
		if f.NMap[0].Contains(x, y) {
			if nrm, ok := f.NMap[0].At(x, y); ok {
				normal = nrm
			}
		}
		f.Keypoints = append(f.Keypoints, kp)
		f.Descriptors = append(f.Descriptors, feats.Descriptors[i])
		f.Points = append(f.Points, intrinsics.PixelToPoint(kp.X, kp.Y, float64(d)))
		f.Normals = append(f.Normals, normal)
	}
	f.Outliers = make([]bool, len(f.Points))
}

// Pose returns the frame's current world-from-camera pose estimate.
func (f *Frame) Pose() *spatialmath.SE3 {
	if f.pose == nil {
		f.pose = spatialmath.NewSE3()
	}
	return f.pose
}

// SetPose replaces the frame's pose estimate.
func (f *Frame) SetPose(p *spatialmath.SE3) {
	f.pose = p.Clone()
}

// WorldPoints returns the frame keypoints transformed into the world frame by
// the frame's pose.
func (f *Frame) WorldPoints() []r3.Vector {
	out := make([]r3.Vector, len(f.Points))
	for i, p := range f.Points {
		out[i] = f.pose.TransformPoint(p)
	}
	return out
}

// WorldNormals returns the frame keypoint normals rotated into the world frame.
func (f *Frame) WorldNormals() []r3.Vector {
	out := make([]r3.Vector, len(f.Normals))
	for i, n := range f.Normals {
		out[i] = f.pose.RotateVector(n)
	}
	return out
}
