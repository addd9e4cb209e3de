package track

import (
	"math"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/cnxyang/fusion/frame"
	"github.com/cnxyang/fusion/spatialmath"
	"github.com/cnxyang/fusion/transform"
)

var testIntrinsics = transform.PinholeCameraIntrinsics{
	Width:  80,
	Height: 60,
	Fx:     70,
	Fy:     70,
	Ppx:    39.5,
	Ppy:    29.5,
}

// gently undulating world surface so the point-to-plane Hessian has full rank
func surfaceHeight(x, y float64) float64 {
	return 1.0 + 0.05*math.Sin(3*x)*math.Cos(3*y) + 0.03*math.Sin(5*y)
}

// renderDepth ray-marches the synthetic surface from a camera at (0, 0, tz)
// by fixed-point iteration on the depth along each pixel ray.
func renderDepth(tz float64) *frame.DepthMap {
	dm := frame.NewEmptyDepthMap(testIntrinsics.Width, testIntrinsics.Height)
	for v := 0; v < testIntrinsics.Height; v++ {
		for u := 0; u < testIntrinsics.Width; u++ {
			dir := testIntrinsics.PixelToPoint(float64(u), float64(v), 1)
			s := 1.0 - tz
			for i := 0; i < 25; i++ {
				s = surfaceHeight(dir.X*s, dir.Y*s) - tz
			}
			dm.Set(u, v, float32(s))
		}
	}
	return dm
}

// synthFrame builds a frame with vertex and normal pyramids straight from a
// clean synthetic depth map.
func synthFrame(tz float64) *frame.Frame {
	f := &frame.Frame{}
	f.SetPose(spatialmath.NewSE3())
	f.Depth[0] = renderDepth(tz)
	for i := 1; i < frame.NumPyrs; i++ {
		f.Depth[i] = frame.PyrDownGaussian(f.Depth[i-1])
	}
	for i := 0; i < frame.NumPyrs; i++ {
		level := testIntrinsics.Level(i)
		f.VMap[i] = frame.BackProjectPoints(f.Depth[i], &level, 5.0)
		f.NMap[i] = frame.ComputeNormalMap(f.VMap[i])
	}
	return f
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	intr := testIntrinsics
	tracker, err := NewTracker(&intr, DefaultConfig(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return tracker
}

// aligning a frame against itself from the identity must stay at the identity.
func TestICPIdentity(t *testing.T) {
	tracker := newTestTracker(t)
	f := synthFrame(0)

	pose := tracker.ComputeSE3(f, f)
	test.That(t, pose.ApproxEqual(spatialmath.NewSE3(), 1e-6), test.ShouldBeTrue)

	next := synthFrame(0)
	next.SetPose(pose)
	energy := tracker.TrackICP(next, f)
	test.That(t, math.IsNaN(energy), test.ShouldBeFalse)
	test.That(t, energy, test.ShouldBeLessThan, 1e-10)
}

// pure translation towards the scene must be recovered to millimetres.
func TestICPPureTranslation(t *testing.T) {
	tracker := newTestTracker(t)
	last := synthFrame(0)
	next := synthFrame(0.05)

	pose := tracker.ComputeSE3(next, last)
	trans := pose.Translation()
	test.That(t, trans.Z, test.ShouldAlmostEqual, 0.05, 1e-3)
	test.That(t, math.Abs(trans.X), test.ShouldBeLessThan, 1e-3)
	test.That(t, math.Abs(trans.Y), test.ShouldBeLessThan, 1e-3)
	// rotation stays at the identity
	sines := pose.EulerSines()
	test.That(t, math.Abs(sines.X), test.ShouldBeLessThan, 1e-3)
	test.That(t, math.Abs(sines.Y), test.ShouldBeLessThan, 1e-3)
	test.That(t, math.Abs(sines.Z), test.ShouldBeLessThan, 1e-3)

	next.SetPose(pose)
	energy := tracker.TrackICP(next, last)
	test.That(t, energy, test.ShouldBeLessThan, verifyEnergyForTest)
}

// verifyEnergyForTest mirrors the driver's dense-verification gate.
const verifyEnergyForTest = 1e-3

// a wildly wrong reference produces an energy the driver would reject.
func TestICPDivergenceSignal(t *testing.T) {
	tracker := newTestTracker(t)
	last := synthFrame(0)
	next := synthFrame(0)
	// poses claim a one-radian yaw that the geometry does not support
	next.SetPose(spatialmath.ExpSE3([6]float64{0, 0, 0, 0, 0, 1.0}))

	energy := tracker.TrackICP(next, last)
	bad := math.IsNaN(energy) || energy > verifyEnergyForTest
	test.That(t, bad, test.ShouldBeTrue)
}

func TestICPNoValidPixels(t *testing.T) {
	tracker := newTestTracker(t)
	f := &frame.Frame{}
	f.SetPose(spatialmath.NewSE3())
	f.Depth[0] = frame.NewEmptyDepthMap(testIntrinsics.Width, testIntrinsics.Height)
	for i := 1; i < frame.NumPyrs; i++ {
		f.Depth[i] = frame.PyrDownGaussian(f.Depth[i-1])
	}
	for i := 0; i < frame.NumPyrs; i++ {
		level := testIntrinsics.Level(i)
		f.VMap[i] = frame.BackProjectPoints(f.Depth[i], &level, 5.0)
		f.NMap[i] = frame.ComputeNormalMap(f.VMap[i])
	}
	energy := tracker.TrackICP(f, f)
	test.That(t, math.IsNaN(energy), test.ShouldBeTrue)
}
