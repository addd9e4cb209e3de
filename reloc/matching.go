// Package reloc implements relocalization: binary-descriptor matching against
// the key-map, geometric-consistency pruning over a match graph, and
// absolute-orientation RANSAC, plus the sparse frame-to-frame variant.
package reloc

import (
	"math"

	"github.com/pkg/errors"

	"github.com/cnxyang/fusion/utils"
)

// Match pairs a query descriptor index with a train descriptor index.
type Match struct {
	QueryIdx int
	TrainIdx int
	Distance float64
}

// KnnMatch2 finds, for every query descriptor, its two nearest train
// descriptors by Hamming distance.
func KnnMatch2(query, train [][]byte) ([][2]Match, error) {
	if len(query) == 0 || len(train) < 2 {
		return nil, errors.New("need at least one query and two train descriptors")
	}
	out := make([][2]Match, len(query))
	for i, q := range query {
		best := Match{QueryIdx: i, TrainIdx: -1, Distance: math.MaxFloat64}
		second := best
		for j, tr := range train {
			d, err := utils.HammingDistance(q, tr)
			if err != nil {
				return nil, err
			}
			df := float64(d)
			switch {
			case df < best.Distance:
				second = best
				best = Match{QueryIdx: i, TrainIdx: j, Distance: df}
			case df < second.Distance:
				second = Match{QueryIdx: i, TrainIdx: j, Distance: df}
			}
		}
		out[i] = [2]Match{best, second}
	}
	return out, nil
}

// RatioFilter applies the Lowe ratio test. A pair passing the test keeps its
// best match; when keepAmbiguous is set (the graph-matching path), failing
// pairs contribute both candidates and the consistency graph arbitrates.
func RatioFilter(pairs [][2]Match, ratio float64, keepAmbiguous bool) []Match {
	out := make([]Match, 0, len(pairs))
	for _, pair := range pairs {
		first, second := pair[0], pair[1]
		if first.TrainIdx < 0 || second.TrainIdx < 0 {
			continue
		}
		if first.Distance < ratio*second.Distance {
			out = append(out, first)
		} else if keepAmbiguous {
			out = append(out, first, second)
		}
	}
	return out
}
