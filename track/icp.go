// Package track implements the dense frame-to-model tracker: a pyramidal
// point-to-plane ICP solved by Gauss-Newton on SE(3), plus the dense
// verification pass the driver uses to detect divergence.
package track

import (
	"context"
	"math"
	"sync"

	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/mat"

	"github.com/cnxyang/fusion/frame"
	"github.com/cnxyang/fusion/spatialmath"
	"github.com/cnxyang/fusion/transform"
	"github.com/cnxyang/fusion/utils"
)

// MaxThread is the reduction scratch depth; parallel groups accumulate into
// disjoint rows of the scratch and a serial pass folds them.
const MaxThread = 1024

// sumStride is one scratch row: 21 upper-triangle entries of JtJ, 6 of Jtr,
// the squared-residual sum, and the correspondence count.
const sumStride = 29

// Config holds the ICP iteration schedule and rejection gates.
type Config struct {
	// Iterations per pyramid level, finest first.
	Iterations [frame.NumPyrs]int
	// DistThresh rejects correspondences further apart than this, in metres.
	DistThresh float64
	// AngleThresh rejects correspondences whose normals disagree by more
	// than this angle, in radians.
	AngleThresh float64
}

// DefaultConfig returns the reference schedule.
func DefaultConfig() Config {
	return Config{
		Iterations:  [frame.NumPyrs]int{10, 5, 3},
		DistThresh:  0.1,
		AngleThresh: utils.DegToRad(20),
	}
}

// Tracker aligns the incoming frame against the last synthesized model frame.
// It owns the reduction scratch exclusively; the scratch is overwritten every
// iteration.
type Tracker struct {
	cfg        Config
	intrinsics [frame.NumPyrs]transform.PinholeCameraIntrinsics
	logger     golog.Logger

	sumSE3 [MaxThread * sumStride]float64
	mu     sync.Mutex
}

// NewTracker builds a tracker for the given full-resolution intrinsics.
func NewTracker(intrinsics *transform.PinholeCameraIntrinsics, cfg Config, logger golog.Logger) (*Tracker, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	t := &Tracker{cfg: cfg, logger: logger}
	for i := 0; i < frame.NumPyrs; i++ {
		t.intrinsics[i] = intrinsics.Level(i)
	}
	return t, nil
}

// ComputeSE3 runs the pyramidal Gauss-Newton alignment of next against last
// and returns next's world-from-camera pose. There is no early exit on
// convergence; a level's remaining iterations are skipped only when its normal
// equations cannot be solved. Divergence is detected afterwards by TrackICP,
// not here.
func (t *Tracker) ComputeSE3(next, last *frame.Frame) *spatialmath.SE3 {
	// relative transform taking next-camera points into the last camera frame
	rel := spatialmath.NewSE3()
	for level := frame.NumPyrs - 1; level >= 0; level-- {
		for iter := 0; iter < t.cfg.Iterations[level]; iter++ {
			a, b, _, count := t.icpStep(next, last, rel, level)
			if count < 6 {
				continue
			}
			delta, err := spatialmath.SolveLDLT(a, b)
			if err != nil {
				// rank-deficient Hessian; leave the estimate to the
				// verification pass
				if t.logger != nil {
					t.logger.Debugw("icp normal equations not solvable", "level", level, "iter", iter, "error", err)
				}
				break
			}
			var xi [6]float64
			for i := range xi {
				xi[i] = -delta[i]
			}
			rel = spatialmath.ExpSE3(xi).Mul(rel)
		}
	}
	return last.Pose().Mul(rel)
}

// TrackICP is the dense verification pass: one correspondence sweep at the
// finest level under the estimated poses, reporting the mean point-to-plane
// energy. NaN means no correspondences at all.
func (t *Tracker) TrackICP(next, last *frame.Frame) float64 {
	rel := last.Pose().Inverse().Mul(next.Pose())
	_, _, residual, count := t.icpStep(next, last, rel, 0)
	if count == 0 {
		return math.NaN()
	}
	return residual / float64(count)
}

// icpStep assembles the 6x6 normal equations of the point-to-plane energy at
// one pyramid level. Correspondence is by projective lookup into the model
// frame; the Jacobian comes from a left perturbation on SE(3). Accumulation
// runs as a group-parallel reduction over the scratch buffer.
func (t *Tracker) icpStep(
	next, last *frame.Frame,
	rel *spatialmath.SE3,
	level int,
) (*mat.SymDense, []float64, float64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	intr := t.intrinsics[level]
	vNext := next.VMap[level]
	nNext := next.NMap[level]
	vLast := last.VMap[level]
	nLast := last.NMap[level]
	width := vNext.Width()
	height := vNext.Height()
	cosThresh := math.Cos(t.cfg.AngleThresh)

	for i := range t.sumSE3 {
		t.sumSE3[i] = 0
	}

	//nolint:errcheck
	utils.GroupWorkParallel(
		context.Background(),
		height,
		func(groupSize int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			row := t.sumSE3[groupNum*sumStride : (groupNum+1)*sumStride]
			return func(memberNum, workNum int) {
				y := workNum
				for x := 0; x < width; x++ {
					v, ok := vNext.At(x, y)
					if !ok {
						continue
					}
					nrm, ok := nNext.At(x, y)
					if !ok {
						continue
					}
					vc := rel.TransformPoint(v)
					px := intr.PointToPixel(vc)
					u, w := transform.Round(px)
					if u < 0 || w < 0 || u >= width || w >= height {
						continue
					}
					vRef, ok := vLast.At(u, w)
					if !ok {
						continue
					}
					nRef, ok := nLast.At(u, w)
					if !ok {
						continue
					}
					if vc.Sub(vRef).Norm() > t.cfg.DistThresh {
						continue
					}
					if rel.RotateVector(nrm).Dot(nRef) < cosThresh {
						continue
					}

					// r = n_ref . (rel v - v_ref); J = [n_ref, (rel v) x n_ref]
					r := nRef.Dot(vc.Sub(vRef))
					jac := [6]float64{
						nRef.X, nRef.Y, nRef.Z,
						vc.Y*nRef.Z - vc.Z*nRef.Y,
						vc.Z*nRef.X - vc.X*nRef.Z,
						vc.X*nRef.Y - vc.Y*nRef.X,
					}
					k := 0
					for i := 0; i < 6; i++ {
						for j := i; j < 6; j++ {
							row[k] += jac[i] * jac[j]
							k++
						}
					}
					for i := 0; i < 6; i++ {
						row[21+i] += jac[i] * r
					}
					row[27] += r * r
					row[28]++
				}
			}, nil
		},
	)

	a := mat.NewSymDense(6, nil)
	b := make([]float64, 6)
	residual := 0.
	count := 0.
	for g := 0; g < utils.ParallelFactor; g++ {
		row := t.sumSE3[g*sumStride : (g+1)*sumStride]
		k := 0
		for i := 0; i < 6; i++ {
			for j := i; j < 6; j++ {
				a.SetSym(i, j, a.At(i, j)+row[k])
				k++
			}
		}
		for i := 0; i < 6; i++ {
			b[i] += row[21+i]
		}
		residual += row[27]
		count += row[28]
	}
	return a, b, residual, int(count)
}
