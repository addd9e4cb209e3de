// Package spatialmath implements the rigid-transform math the tracking and
// mapping pipelines are built on: SE(3) poses, the twist exponential, the 6x6
// normal-equation solve, and closed-form absolute orientation.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// SE3 is a rigid transform in 3D, stored as a row-major 3x3 rotation and a
// translation. Poses are world-from-camera unless stated otherwise.
type SE3 struct {
	rot   [9]float64
	trans r3.Vector
}

// NewSE3 returns the identity transform.
func NewSE3() *SE3 {
	return &SE3{rot: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// NewSE3FromRT builds a transform from a 3x3 rotation matrix and a translation.
func NewSE3FromRT(rotation mat.Matrix, translation r3.Vector) *SE3 {
	p := &SE3{trans: translation}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.rot[3*i+j] = rotation.At(i, j)
		}
	}
	return p
}

// NewPoseFromTranslation builds a rotation-free transform.
func NewPoseFromTranslation(translation r3.Vector) *SE3 {
	p := NewSE3()
	p.trans = translation
	return p
}

// Clone returns a copy of the transform.
func (p *SE3) Clone() *SE3 {
	c := *p
	return &c
}

// Mul composes two transforms, applying o first.
func (p *SE3) Mul(o *SE3) *SE3 {
	out := &SE3{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s := 0.
			for k := 0; k < 3; k++ {
				s += p.rot[3*i+k] * o.rot[3*k+j]
			}
			out.rot[3*i+j] = s
		}
	}
	out.trans = p.RotateVector(o.trans).Add(p.trans)
	return out
}

// Inverse returns the inverse transform, using the transpose of the rotation.
func (p *SE3) Inverse() *SE3 {
	out := &SE3{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.rot[3*i+j] = p.rot[3*j+i]
		}
	}
	out.trans = out.RotateVector(p.trans).Mul(-1)
	return out
}

// RotateVector applies only the rotation part to v.
func (p *SE3) RotateVector(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: p.rot[0]*v.X + p.rot[1]*v.Y + p.rot[2]*v.Z,
		Y: p.rot[3]*v.X + p.rot[4]*v.Y + p.rot[5]*v.Z,
		Z: p.rot[6]*v.X + p.rot[7]*v.Y + p.rot[8]*v.Z,
	}
}

// TransformPoint applies the full transform to v.
func (p *SE3) TransformPoint(v r3.Vector) r3.Vector {
	return p.RotateVector(v).Add(p.trans)
}

// Translation returns the translation part.
func (p *SE3) Translation() r3.Vector {
	return p.trans
}

// RotationMatrix returns the rotation part as a dense 3x3 matrix.
func (p *SE3) RotationMatrix() *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, p.rot[3*i+j])
		}
	}
	return out
}

// Matrix returns the transform as a homogeneous 4x4 matrix.
func (p *SE3) Matrix() *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, p.rot[3*i+j])
		}
	}
	out.Set(0, 3, p.trans.X)
	out.Set(1, 3, p.trans.Y)
	out.Set(2, 3, p.trans.Z)
	out.Set(3, 3, 1)
	return out
}

// ExpSE3 is the SE(3) exponential of the twist xi = [v, w], translation part
// first. Rotations use the Rodrigues formula with the small-angle series below
// epsilon.
func ExpSE3(xi [6]float64) *SE3 {
	v := r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]}
	w := r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]}
	theta := w.Norm()

	wx := skew(w)
	wx2 := matMul3(wx, wx)

	var a, b, c float64
	if theta < 1e-10 {
		a = 1
		b = 0.5
		c = 1.0 / 6.0
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / (theta * theta)
		c = (theta - math.Sin(theta)) / (theta * theta * theta)
	}

	out := &SE3{}
	for i := 0; i < 9; i++ {
		out.rot[i] = identity3[i] + a*wx[i] + b*wx2[i]
	}
	// left Jacobian V = I + b*[w]x + c*[w]x^2
	var vm [9]float64
	for i := 0; i < 9; i++ {
		vm[i] = identity3[i] + b*wx[i] + c*wx2[i]
	}
	out.trans = r3.Vector{
		X: vm[0]*v.X + vm[1]*v.Y + vm[2]*v.Z,
		Y: vm[3]*v.X + vm[4]*v.Y + vm[5]*v.Z,
		Z: vm[6]*v.X + vm[7]*v.Y + vm[8]*v.Z,
	}
	return out
}

// EulerSines returns the sines of the XYZ Euler angles of the rotation part.
// The relocalizer's sanity gate compares these against a threshold.
func (p *SE3) EulerSines() r3.Vector {
	roll := math.Atan2(p.rot[7], p.rot[8])
	pitch := -math.Asin(math.Max(-1, math.Min(1, p.rot[6])))
	yaw := math.Atan2(p.rot[3], p.rot[0])
	return r3.Vector{X: math.Sin(roll), Y: math.Sin(pitch), Z: math.Sin(yaw)}
}

// ApproxEqual reports whether two transforms agree element-wise within tol.
func (p *SE3) ApproxEqual(o *SE3, tol float64) bool {
	for i := 0; i < 9; i++ {
		if math.Abs(p.rot[i]-o.rot[i]) > tol {
			return false
		}
	}
	d := p.trans.Sub(o.trans)
	return math.Abs(d.X) <= tol && math.Abs(d.Y) <= tol && math.Abs(d.Z) <= tol
}

// IsValid reports whether all elements are finite.
func (p *SE3) IsValid() bool {
	for i := 0; i < 9; i++ {
		if math.IsNaN(p.rot[i]) || math.IsInf(p.rot[i], 0) {
			return false
		}
	}
	t := p.trans
	return !math.IsNaN(t.X) && !math.IsNaN(t.Y) && !math.IsNaN(t.Z) &&
		!math.IsInf(t.X, 0) && !math.IsInf(t.Y, 0) && !math.IsInf(t.Z, 0)
}
