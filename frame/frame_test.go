package frame

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"github.com/cnxyang/fusion/transform"
)

var testIntrinsics = transform.PinholeCameraIntrinsics{
	Width:  64,
	Height: 48,
	Fx:     60,
	Fy:     60,
	Ppx:    31.5,
	Ppy:    23.5,
}

func testConfig() *PreprocessConfig {
	intr := testIntrinsics
	return &PreprocessConfig{
		Intrinsics:   &intr,
		DepthCutoff:  5.0,
		DepthScale:   10000,
		SpatialSigma: 2.0,
		DepthSigma:   0.03,
	}
}

// flat scene at the given depth in metres
func planeDepth(depth float64) []uint16 {
	raw := make([]uint16, testIntrinsics.Width*testIntrinsics.Height)
	for i := range raw {
		raw[i] = uint16(depth * 10000)
	}
	return raw
}

func TestPreprocessPlane(t *testing.T) {
	f, err := Preprocess(nil, planeDepth(1.0), testConfig())
	test.That(t, err, test.ShouldBeNil)

	// pyramid sizes halve per level
	test.That(t, f.Depth[0].Width(), test.ShouldEqual, 64)
	test.That(t, f.Depth[1].Width(), test.ShouldEqual, 32)
	test.That(t, f.Depth[2].Width(), test.ShouldEqual, 16)

	// the bilateral filter must leave a constant plane unchanged
	test.That(t, f.Depth[0].GetDepth(32, 24), test.ShouldAlmostEqual, 1.0, 1e-4)

	// back-projection puts the plane at z=1
	v, ok := f.VMap[0].At(32, 24)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v.Z, test.ShouldAlmostEqual, 1.0, 1e-4)

	// normals face the camera
	n, ok := f.NMap[0].At(32, 24)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, n.Z, test.ShouldAlmostEqual, -1.0, 1e-3)
}

func TestPreprocessRejectsBadInput(t *testing.T) {
	_, err := Preprocess(nil, make([]uint16, 7), testConfig())
	test.That(t, err, test.ShouldNotBeNil)

	cfg := testConfig()
	cfg.DepthScale = 0
	_, err = Preprocess(nil, planeDepth(1.0), cfg)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDepthCutoff(t *testing.T) {
	cfg := testConfig()
	cfg.DepthCutoff = 0.5
	f, err := Preprocess(nil, planeDepth(1.0), cfg)
	test.That(t, err, test.ShouldBeNil)
	_, ok := f.VMap[0].At(32, 24)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestInterpolateDepth(t *testing.T) {
	dm := NewEmptyDepthMap(4, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			dm.Set(x, y, float32(x))
		}
	}
	test.That(t, dm.InterpolateDepth(1.5, 1.0), test.ShouldAlmostEqual, 1.5, 1e-6)

	// any invalid neighbour invalidates the sample
	dm.Set(2, 1, 0)
	test.That(t, dm.InterpolateDepth(1.5, 1.0), test.ShouldEqual, 0.)
}

func TestAttachFeaturesDropsNoDepth(t *testing.T) {
	raw := planeDepth(1.0)
	// carve out a hole in the depth around (10, 10)
	for y := 5; y < 15; y++ {
		for x := 5; x < 15; x++ {
			raw[y*testIntrinsics.Width+x] = 0
		}
	}
	f, err := Preprocess(nil, raw, testConfig())
	test.That(t, err, test.ShouldBeNil)

	desc := make([]byte, DescriptorLength)
	feats := Features{
		Keypoints:   []r2.Point{{X: 10, Y: 10}, {X: 40, Y: 30}},
		Descriptors: [][]byte{desc, desc},
	}
	intr := testIntrinsics
	f.AttachFeatures(feats, &intr)
	test.That(t, len(f.Points), test.ShouldEqual, 1)
	test.That(t, len(f.Descriptors), test.ShouldEqual, 1)
	test.That(t, len(f.Outliers), test.ShouldEqual, 1)
	test.That(t, f.Points[0].Z, test.ShouldAlmostEqual, 1.0, 1e-3)
}

func TestSubsampleMaps(t *testing.T) {
	f, err := Preprocess(nil, planeDepth(2.0), testConfig())
	test.That(t, err, test.ShouldBeNil)
	vm, nm := SubsampleMaps(f.VMap[0], f.NMap[0])
	test.That(t, vm.Width(), test.ShouldEqual, 32)
	test.That(t, nm.Height(), test.ShouldEqual, 24)
	v, ok := vm.At(16, 12)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v.Z, test.ShouldAlmostEqual, 2.0, 1e-3)
}

func TestPoseDefaultsToIdentity(t *testing.T) {
	f := &Frame{}
	p := f.Pose()
	test.That(t, p.Translation().Norm(), test.ShouldEqual, 0.)
	test.That(t, math.IsNaN(p.Translation().X), test.ShouldBeFalse)
}
