package utils

import (
	"math"
	"math/bits"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// HammingDistance computes the bit-level hamming distance between two packed
// binary descriptors of equal length.
func HammingDistance(d1, d2 []byte) (int, error) {
	if len(d1) != len(d2) {
		return -1, errors.Errorf("descriptors must have same length (%d != %d)", len(d1), len(d2))
	}
	distance := 0
	for i := range d1 {
		distance += bits.OnesCount8(d1[i] ^ d2[i])
	}
	return distance, nil
}

// PairwiseHammingDistance computes the pairwise distances between two sets of
// packed binary descriptors.
func PairwiseHammingDistance(descs1, descs2 [][]byte) (*mat.Dense, error) {
	m := len(descs1)
	n := len(descs2)
	if m == 0 || n == 0 {
		return nil, errors.New("descriptor sets must be non-empty")
	}
	distances := mat.NewDense(m, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			d, err := HammingDistance(descs1[i], descs2[j])
			if err != nil {
				return nil, err
			}
			distances.Set(i, j, float64(d))
		}
	}
	return distances, nil
}

// GetArgMinDistancesPerRow returns in a slice of int the index of the point with minimum distance for each row.
func GetArgMinDistancesPerRow(distances *mat.Dense) []int {
	nRows, _ := distances.Dims()
	indices := make([]int, nRows)
	for i := 0; i < nRows; i++ {
		row := mat.Row(nil, i, distances)
		indices[i] = floats.MinIdx(row)
	}
	return indices
}

// EuclideanDistance computes the euclidean distance between 2 vectors.
func EuclideanDistance(p1, p2 []float64) (float64, error) {
	if len(p1) != len(p2) {
		return -1, errors.New("must have same length")
	}
	diff := make([]float64, len(p1))
	floats.SubTo(diff, p1, p2)
	floats.Mul(diff, diff)
	return math.Sqrt(floats.Sum(diff)), nil
}
