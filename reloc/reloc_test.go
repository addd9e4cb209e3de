package reloc

import (
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/cnxyang/fusion/frame"
	"github.com/cnxyang/fusion/spatialmath"
)

// deterministic distinct descriptors: byte i of descriptor k cycles a pattern
// seeded by k, so exact matches are unambiguous under the ratio test.
func makeDescriptor(k int) []byte {
	d := make([]byte, frame.DescriptorLength)
	for i := range d {
		d[i] = byte((k*37 + i*11 + (k>>3)*101) % 256)
	}
	return d
}

func scatterPoints(n int) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := 0; i < n; i++ {
		pts[i] = r3.Vector{
			X: 1.3 * math.Sin(float64(i)*0.7),
			Y: 1.1 * math.Cos(float64(i)*1.3),
			Z: 1.0 + 0.4*math.Sin(float64(i)*0.31),
		}
	}
	return pts
}

func TestKnnMatch2(t *testing.T) {
	train := [][]byte{makeDescriptor(0), makeDescriptor(1), makeDescriptor(2)}
	query := [][]byte{makeDescriptor(1)}
	pairs, err := KnnMatch2(query, train)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pairs[0][0].TrainIdx, test.ShouldEqual, 1)
	test.That(t, pairs[0][0].Distance, test.ShouldEqual, 0.)
	test.That(t, pairs[0][1].Distance, test.ShouldBeGreaterThan, 0.)
}

func TestRatioFilter(t *testing.T) {
	pairs := [][2]Match{
		{{QueryIdx: 0, TrainIdx: 3, Distance: 10}, {QueryIdx: 0, TrainIdx: 7, Distance: 100}},
		{{QueryIdx: 1, TrainIdx: 4, Distance: 90}, {QueryIdx: 1, TrainIdx: 8, Distance: 100}},
	}
	strict := RatioFilter(pairs, 0.85, false)
	test.That(t, len(strict), test.ShouldEqual, 1)
	test.That(t, strict[0].TrainIdx, test.ShouldEqual, 3)

	// graph matching keeps ambiguous pairs for the consistency check
	loose := RatioFilter(pairs, 0.85, true)
	test.That(t, len(loose), test.ShouldEqual, 3)
}

// redundant matches pointing at the same source keypoint collapse to one
// correspondence after consistent-set extraction.
func TestGraphMatchingDedup(t *testing.T) {
	src := []r3.Vector{
		{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 0, 1}, {0, 1, 1},
	}
	dst := []r3.Vector{
		{0.5, 0, 1}, {1.5, 0, 1}, {0.5, 1, 1}, {1.5, 0, 1}, {0.5, 1, 1},
	}
	// matches 1/3 and 2/4 are geometrically redundant: same triangle
	queryIdx := []int{0, 1, 2, 1, 2}
	outSrc, outDst, outIdx := SelectConsistent(src, dst, queryIdx)
	test.That(t, len(outIdx), test.ShouldEqual, 3)
	test.That(t, len(outSrc), test.ShouldEqual, 3)
	test.That(t, len(outDst), test.ShouldEqual, 3)
	seen := map[int]bool{}
	for _, idx := range outIdx {
		test.That(t, seen[idx], test.ShouldBeFalse)
		seen[idx] = true
	}
}

// an inconsistent match must not survive the greedy selection.
func TestGraphMatchingRejectsOutlier(t *testing.T) {
	rigid := spatialmath.ExpSE3([6]float64{0.2, -0.1, 0.3, 0.1, 0, -0.05})
	src := scatterPoints(12)
	dst := make([]r3.Vector, len(src))
	for i := range src {
		dst[i] = rigid.TransformPoint(src[i])
	}
	dst[5] = dst[5].Add(r3.Vector{X: 0.4, Y: -0.3, Z: 0.2})

	_, _, outIdx := SelectConsistent(src, dst, nil)
	test.That(t, len(outIdx), test.ShouldBeGreaterThan, 6)
	for _, idx := range outIdx {
		test.That(t, idx, test.ShouldNotEqual, 5)
	}
}

func relocFrame(points []r3.Vector, descriptors [][]byte) *frame.Frame {
	f := &frame.Frame{}
	f.SetPose(spatialmath.NewSE3())
	f.Points = points
	f.Descriptors = descriptors
	f.Normals = make([]r3.Vector, len(points))
	f.Outliers = make([]bool, len(points))
	return f
}

func TestRelocalizeRecoversPose(t *testing.T) {
	logger := golog.NewTestLogger(t)
	r := New(DefaultConfig(), logger)

	want := spatialmath.ExpSE3([6]float64{0.3, -0.2, 0.1, 0.05, 0.1, 0.3})
	n := 60
	camPoints := scatterPoints(n)
	keyPos := make([]r3.Vector, n)
	keyDesc := make([][]byte, n)
	descs := make([][]byte, n)
	for i := 0; i < n; i++ {
		keyPos[i] = want.TransformPoint(camPoints[i])
		keyDesc[i] = makeDescriptor(i)
		descs[i] = makeDescriptor(i)
	}
	f := relocFrame(camPoints, descs)

	pose, ok := r.Relocalize(f, keyPos, keyDesc)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.ApproxEqual(want, 1e-6), test.ShouldBeTrue)
	test.That(t, r.Attempts(), test.ShouldEqual, 1)
}

func TestRelocalizeUnderMatch(t *testing.T) {
	logger := golog.NewTestLogger(t)
	r := New(DefaultConfig(), logger)

	n := 10 // below MinMatches
	camPoints := scatterPoints(n)
	descs := make([][]byte, n)
	keyDesc := make([][]byte, n)
	for i := 0; i < n; i++ {
		descs[i] = makeDescriptor(i)
		keyDesc[i] = makeDescriptor(i)
	}
	f := relocFrame(camPoints, descs)
	_, ok := r.Relocalize(f, camPoints, keyDesc)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, r.Attempts(), test.ShouldEqual, 1)

	r.ResetAttempts()
	test.That(t, r.Attempts(), test.ShouldEqual, 0)
}

func TestMatchFramesSanityGate(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cfg := DefaultConfig()
	r := New(cfg, logger)

	n := 40
	lastPoints := scatterPoints(n)
	descs := make([][]byte, n)
	for i := 0; i < n; i++ {
		descs[i] = makeDescriptor(i)
	}

	// small motion passes the gate
	smallRel := spatialmath.ExpSE3([6]float64{0.02, -0.01, 0.03, 0.01, 0.005, -0.02})
	nextPoints := make([]r3.Vector, n)
	for i := range lastPoints {
		nextPoints[i] = smallRel.Inverse().TransformPoint(lastPoints[i])
	}
	last := relocFrame(lastPoints, descs)
	next := relocFrame(nextPoints, descs)
	pose, ok := r.MatchFrames(next, last)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.ApproxEqual(smallRel, 1e-6), test.ShouldBeTrue)

	// a translation beyond TransThresh is rejected
	bigRel := spatialmath.NewPoseFromTranslation(r3.Vector{X: 0, Y: 0, Z: cfg.TransThresh * 2})
	for i := range lastPoints {
		nextPoints[i] = bigRel.Inverse().TransformPoint(lastPoints[i])
	}
	next = relocFrame(nextPoints, descs)
	_, ok = r.MatchFrames(next, last)
	test.That(t, ok, test.ShouldBeFalse)
}
