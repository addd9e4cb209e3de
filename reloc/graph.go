package reloc

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

const (
	// consistencyTol is how far two pairwise distances may disagree while
	// still counting as geometrically consistent, in metres.
	consistencyTol = 0.05
	// minSeparation guards against degenerate pairs sitting on the same
	// point.
	minSeparation = 0.01
	// maxSelected caps the consistent set.
	maxSelected = 100
)

// buildAdjacency fills an m x m matrix encoding pairwise geometric
// consistency of the tentative matches: entry (i, j) is positive when the
// source-side distance between matches i and j agrees with the target-side
// distance within tolerance.
func buildAdjacency(src, dst []r3.Vector) *mat.Dense {
	m := len(src)
	a := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		for j := i + 1; j < m; j++ {
			ds := src[i].Sub(src[j]).Norm()
			dt := dst[i].Sub(dst[j]).Norm()
			diff := math.Abs(ds - dt)
			if diff < consistencyTol && ds > minSeparation && dt > minSeparation {
				score := math.Exp(-diff)
				a.Set(i, j, score)
				a.Set(j, i, score)
			}
		}
	}
	return a
}

// SelectConsistent extracts a maximal geometrically-consistent subset of the
// matches by greedy selection on the adjacency matrix: repeatedly take the
// unused match with the highest row sum that is compatible with everything
// selected so far. queryIdx carries each match's source keypoint index;
// duplicates of the same index are counted once in the result.
func SelectConsistent(src, dst []r3.Vector, queryIdx []int) ([]r3.Vector, []r3.Vector, []int) {
	m := len(src)
	if m == 0 {
		return nil, nil, nil
	}
	a := buildAdjacency(src, dst)

	order := make([]int, m)
	rowSums := make([]float64, m)
	for i := 0; i < m; i++ {
		order[i] = i
		rowSums[i] = mat.Sum(a.RowView(i))
	}
	sort.SliceStable(order, func(x, y int) bool {
		return rowSums[order[x]] > rowSums[order[y]]
	})

	selected := make([]int, 0, maxSelected)
	for _, cand := range order {
		if rowSums[cand] <= 0 {
			break
		}
		compatible := true
		for _, s := range selected {
			if a.At(cand, s) <= 0 {
				compatible = false
				break
			}
		}
		if !compatible {
			continue
		}
		selected = append(selected, cand)
		if len(selected) >= maxSelected {
			break
		}
	}

	// de-duplicate by source keypoint index; a keypoint matched twice
	// contributes one correspondence
	seen := map[int]bool{}
	outSrc := make([]r3.Vector, 0, len(selected))
	outDst := make([]r3.Vector, 0, len(selected))
	outIdx := make([]int, 0, len(selected))
	for _, s := range selected {
		idx := s
		if queryIdx != nil {
			idx = queryIdx[s]
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		outSrc = append(outSrc, src[s])
		outDst = append(outDst, dst[s])
		outIdx = append(outIdx, idx)
	}
	return outSrc, outDst, outIdx
}
