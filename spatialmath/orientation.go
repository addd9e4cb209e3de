package spatialmath

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// ransacInlierDist is the point-to-point agreement required for a
	// correspondence to count as an inlier, in metres.
	ransacInlierDist = 0.05
	// ransacSeed makes relocalization reproducible for a given frame.
	ransacSeed     = 42
	minRigidPoints = 3
)

// solveRigid computes the closed-form least-squares rigid transform T with
// T p_i ~ q_i over all given correspondences, via SVD of the cross-covariance
// (the Kabsch/absolute-orientation solution).
func solveRigid(p, q []r3.Vector) (*SE3, error) {
	n := len(p)
	if n < minRigidPoints || len(q) != n {
		return nil, errors.Errorf("need at least %d matched points, got %d and %d", minRigidPoints, len(p), len(q))
	}
	var pc, qc r3.Vector
	for i := 0; i < n; i++ {
		pc = pc.Add(p[i])
		qc = qc.Add(q[i])
	}
	pc = pc.Mul(1 / float64(n))
	qc = qc.Mul(1 / float64(n))

	h := mat.NewDense(3, 3, nil)
	for i := 0; i < n; i++ {
		dp := p[i].Sub(pc)
		dq := q[i].Sub(qc)
		h.Set(0, 0, h.At(0, 0)+dp.X*dq.X)
		h.Set(0, 1, h.At(0, 1)+dp.X*dq.Y)
		h.Set(0, 2, h.At(0, 2)+dp.X*dq.Z)
		h.Set(1, 0, h.At(1, 0)+dp.Y*dq.X)
		h.Set(1, 1, h.At(1, 1)+dp.Y*dq.Y)
		h.Set(1, 2, h.At(1, 2)+dp.Y*dq.Z)
		h.Set(2, 0, h.At(2, 0)+dp.Z*dq.X)
		h.Set(2, 1, h.At(2, 1)+dp.Z*dq.Y)
		h.Set(2, 2, h.At(2, 2)+dp.Z*dq.Z)
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return nil, errors.New("SVD of cross-covariance failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// reflection case: flip the axis of least variance
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var vd mat.Dense
		vd.Mul(&v, d)
		r.Mul(&vd, u.T())
	}

	rp := r3.Vector{
		X: r.At(0, 0)*pc.X + r.At(0, 1)*pc.Y + r.At(0, 2)*pc.Z,
		Y: r.At(1, 0)*pc.X + r.At(1, 1)*pc.Y + r.At(1, 2)*pc.Z,
		Z: r.At(2, 0)*pc.X + r.At(2, 1)*pc.Y + r.At(2, 2)*pc.Z,
	}
	return NewSE3FromRT(&r, qc.Sub(rp)), nil
}

// SolveAbsoluteOrientation estimates the rigid transform T with T p_i ~ q_i
// under a RANSAC loop of up to maxIterations. On return outliers[i] is true
// for every correspondence that did not fit the winning model; outliers must
// have the same length as p. The second return is false when no model with
// enough inlier support exists.
func SolveAbsoluteOrientation(p, q []r3.Vector, outliers []bool, maxIterations int) (*SE3, bool) {
	n := len(p)
	if n < minRigidPoints || len(q) != n || len(outliers) != n {
		return nil, false
	}

	//nolint:gosec
	rng := rand.New(rand.NewSource(ransacSeed))
	minInliers := n / 3
	if minInliers < minRigidPoints {
		minInliers = minRigidPoints
	}

	bestCount := -1
	var bestInliers []bool
	sp := make([]r3.Vector, minRigidPoints)
	sq := make([]r3.Vector, minRigidPoints)
	for iter := 0; iter < maxIterations; iter++ {
		i0 := rng.Intn(n)
		i1 := rng.Intn(n)
		i2 := rng.Intn(n)
		if i0 == i1 || i1 == i2 || i0 == i2 {
			continue
		}
		sp[0], sp[1], sp[2] = p[i0], p[i1], p[i2]
		sq[0], sq[1], sq[2] = q[i0], q[i1], q[i2]
		candidate, err := solveRigid(sp, sq)
		if err != nil {
			continue
		}
		count := 0
		inliers := make([]bool, n)
		for i := 0; i < n; i++ {
			if candidate.TransformPoint(p[i]).Sub(q[i]).Norm() < ransacInlierDist {
				inliers[i] = true
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			bestInliers = inliers
			if count == n {
				break
			}
		}
	}

	if bestCount < minInliers {
		return nil, false
	}

	// refine on the full inlier set
	rp := make([]r3.Vector, 0, bestCount)
	rq := make([]r3.Vector, 0, bestCount)
	for i := 0; i < n; i++ {
		outliers[i] = !bestInliers[i]
		if bestInliers[i] {
			rp = append(rp, p[i])
			rq = append(rq, q[i])
		}
	}
	refined, err := solveRigid(rp, rq)
	if err != nil || !refined.IsValid() {
		return nil, false
	}

	// final residual gate on the refined model
	worst := 0.
	for i := range rp {
		if d := refined.TransformPoint(rp[i]).Sub(rq[i]).Norm(); d > worst {
			worst = d
		}
	}
	if math.IsNaN(worst) || worst > 2*ransacInlierDist {
		return nil, false
	}
	return refined, true
}
