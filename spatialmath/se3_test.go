package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestExpIdentity(t *testing.T) {
	p := ExpSE3([6]float64{})
	test.That(t, p.ApproxEqual(NewSE3(), 1e-12), test.ShouldBeTrue)
}

func TestExpTranslation(t *testing.T) {
	p := ExpSE3([6]float64{0.1, -0.2, 0.3, 0, 0, 0})
	test.That(t, p.Translation().X, test.ShouldAlmostEqual, 0.1, 1e-12)
	test.That(t, p.Translation().Y, test.ShouldAlmostEqual, -0.2, 1e-12)
	test.That(t, p.Translation().Z, test.ShouldAlmostEqual, 0.3, 1e-12)
}

func TestExpRotationOrthonormal(t *testing.T) {
	p := ExpSE3([6]float64{0, 0, 0, 0.3, -0.1, 0.2})
	r := p.RotationMatrix()
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			expected := 0.
			if i == j {
				expected = 1.
			}
			test.That(t, rtr.At(i, j), test.ShouldAlmostEqual, expected, 1e-10)
		}
	}
	test.That(t, mat.Det(r), test.ShouldAlmostEqual, 1, 1e-10)
}

func TestMulInverse(t *testing.T) {
	p := ExpSE3([6]float64{0.1, 0.2, -0.3, 0.2, 0.1, -0.4})
	id := p.Mul(p.Inverse())
	test.That(t, id.ApproxEqual(NewSE3(), 1e-10), test.ShouldBeTrue)
}

func TestTransformPointRoundTrip(t *testing.T) {
	p := ExpSE3([6]float64{0.5, -0.2, 1.0, 0.1, 0.3, -0.2})
	v := r3.Vector{X: 0.7, Y: -1.1, Z: 2.3}
	back := p.Inverse().TransformPoint(p.TransformPoint(v))
	test.That(t, back.Sub(v).Norm(), test.ShouldBeLessThan, 1e-10)
}

func TestEulerSinesYaw(t *testing.T) {
	yaw := 0.4
	p := ExpSE3([6]float64{0, 0, 0, 0, 0, yaw})
	sines := p.EulerSines()
	test.That(t, sines.Z, test.ShouldAlmostEqual, math.Sin(yaw), 1e-9)
	test.That(t, math.Abs(sines.X), test.ShouldBeLessThan, 1e-9)
	test.That(t, math.Abs(sines.Y), test.ShouldBeLessThan, 1e-9)
}

func TestSolveLDLT(t *testing.T) {
	// A = L L^T with known solution
	a := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		a.SetSym(i, i, 4)
		if i+1 < 6 {
			a.SetSym(i, i+1, 1)
		}
	}
	want := []float64{1, -2, 3, -4, 5, -6}
	b := make([]float64, 6)
	for i := 0; i < 6; i++ {
		b[i] = a.At(i, i) * want[i]
		if i > 0 {
			b[i] += a.At(i, i-1) * want[i-1]
		}
		if i+1 < 6 {
			b[i] += a.At(i, i+1) * want[i+1]
		}
	}
	got, err := SolveLDLT(a, b)
	test.That(t, err, test.ShouldBeNil)
	for i := range want {
		test.That(t, got[i], test.ShouldAlmostEqual, want[i], 1e-9)
	}
}

func TestSolveLDLTNotPD(t *testing.T) {
	a := mat.NewSymDense(6, nil) // all zeros
	_, err := SolveLDLT(a, make([]float64, 6))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSolveRigidExact(t *testing.T) {
	want := ExpSE3([6]float64{0.2, -0.1, 0.3, 0.1, -0.2, 0.15})
	p := []r3.Vector{
		{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 2}, {-1, 0.5, 1.5},
	}
	q := make([]r3.Vector, len(p))
	for i := range p {
		q[i] = want.TransformPoint(p[i])
	}
	got, err := solveRigid(p, q)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.ApproxEqual(want, 1e-9), test.ShouldBeTrue)
}

func TestAbsoluteOrientationWithOutliers(t *testing.T) {
	want := ExpSE3([6]float64{0.1, 0.05, -0.2, 0.05, 0.1, -0.05})
	n := 30
	p := make([]r3.Vector, n)
	q := make([]r3.Vector, n)
	for i := 0; i < n; i++ {
		p[i] = r3.Vector{
			X: math.Sin(float64(i)) * 1.5,
			Y: math.Cos(float64(2*i)) * 1.2,
			Z: 1 + 0.1*float64(i%7),
		}
		q[i] = want.TransformPoint(p[i])
	}
	// corrupt three correspondences
	q[4] = q[4].Add(r3.Vector{X: 0.5, Y: 0, Z: 0})
	q[11] = q[11].Add(r3.Vector{X: 0, Y: -0.7, Z: 0.2})
	q[19] = q[19].Add(r3.Vector{X: 0.3, Y: 0.3, Z: 0.3})

	outliers := make([]bool, n)
	got, ok := SolveAbsoluteOrientation(p, q, outliers, 200)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.ApproxEqual(want, 1e-6), test.ShouldBeTrue)
	test.That(t, outliers[4], test.ShouldBeTrue)
	test.That(t, outliers[11], test.ShouldBeTrue)
	test.That(t, outliers[19], test.ShouldBeTrue)
	for i := 0; i < n; i++ {
		if i == 4 || i == 11 || i == 19 {
			continue
		}
		test.That(t, outliers[i], test.ShouldBeFalse)
	}
}

func TestAbsoluteOrientationDegenerate(t *testing.T) {
	p := []r3.Vector{{0, 0, 1}, {0, 0, 1}, {0, 0, 1}}
	q := []r3.Vector{{1, 0, 1}, {0, 1, 1}, {0, 0, 2}}
	outliers := make([]bool, 3)
	_, ok := SolveAbsoluteOrientation(p, q, outliers, 50)
	test.That(t, ok, test.ShouldBeFalse)
}
