package spatialmath

import "github.com/golang/geo/r3"

var identity3 = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// skew returns the cross-product matrix [w]x of w, row-major.
func skew(w r3.Vector) [9]float64 {
	return [9]float64{
		0, -w.Z, w.Y,
		w.Z, 0, -w.X,
		-w.Y, w.X, 0,
	}
}

// matMul3 multiplies two row-major 3x3 matrices.
func matMul3(a, b [9]float64) [9]float64 {
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s := 0.
			for k := 0; k < 3; k++ {
				s += a[3*i+k] * b[3*k+j]
			}
			out[3*i+j] = s
		}
	}
	return out
}
