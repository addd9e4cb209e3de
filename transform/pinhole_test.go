package transform

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

var testIntrinsics = PinholeCameraIntrinsics{
	Width:  640,
	Height: 480,
	Fx:     525.0,
	Fy:     525.0,
	Ppx:    319.5,
	Ppy:    239.5,
}

func TestProjectionRoundTrip(t *testing.T) {
	pt := testIntrinsics.PixelToPoint(100, 200, 1.5)
	test.That(t, pt.Z, test.ShouldAlmostEqual, 1.5)
	px := testIntrinsics.PointToPixel(pt)
	test.That(t, px.X, test.ShouldAlmostEqual, 100, 1e-9)
	test.That(t, px.Y, test.ShouldAlmostEqual, 200, 1e-9)
}

func TestPointBehindCamera(t *testing.T) {
	px := testIntrinsics.PointToPixel(r3.Vector{X: 0.1, Y: 0.1, Z: -1})
	test.That(t, px.X, test.ShouldEqual, -1.0)
	test.That(t, px.Y, test.ShouldEqual, -1.0)
}

func TestLevelHalving(t *testing.T) {
	l1 := testIntrinsics.Level(1)
	test.That(t, l1.Width, test.ShouldEqual, 320)
	test.That(t, l1.Height, test.ShouldEqual, 240)
	test.That(t, l1.Fx, test.ShouldAlmostEqual, testIntrinsics.Fx/2)
	test.That(t, l1.Ppx, test.ShouldAlmostEqual, testIntrinsics.Ppx/2)

	l2 := testIntrinsics.Level(2)
	test.That(t, l2.Width, test.ShouldEqual, 160)
	test.That(t, l2.Fy, test.ShouldAlmostEqual, testIntrinsics.Fy/4)

	l0 := testIntrinsics.Level(0)
	test.That(t, l0, test.ShouldResemble, testIntrinsics)
}

func TestCheckValid(t *testing.T) {
	test.That(t, testIntrinsics.CheckValid(), test.ShouldBeNil)

	bad := testIntrinsics
	bad.Fx = 0
	test.That(t, bad.CheckValid(), test.ShouldNotBeNil)

	var nilParams *PinholeCameraIntrinsics
	test.That(t, nilParams.CheckValid(), test.ShouldNotBeNil)
}

func TestGetCameraMatrix(t *testing.T) {
	k := testIntrinsics.GetCameraMatrix()
	test.That(t, k.At(0, 0), test.ShouldEqual, testIntrinsics.Fx)
	test.That(t, k.At(1, 1), test.ShouldEqual, testIntrinsics.Fy)
	test.That(t, k.At(0, 2), test.ShouldEqual, testIntrinsics.Ppx)
	test.That(t, k.At(1, 2), test.ShouldEqual, testIntrinsics.Ppy)
	test.That(t, k.At(2, 2), test.ShouldEqual, 1.0)
}
