package spatialmath

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SolveLDLT solves A x = b for a symmetric positive-definite A by Cholesky
// factorization. The dense tracker uses this on the 6x6 normal equations;
// a factorization failure there means the Hessian is rank-deficient, and the
// tracker skips the rest of that pyramid level, leaving the outcome to its
// dense verification pass.
func SolveLDLT(a *mat.SymDense, b []float64) ([]float64, error) {
	n, _ := a.Dims()
	if len(b) != n {
		return nil, errors.Errorf("dimension mismatch: A is %dx%d, b has %d", n, n, len(b))
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, errors.New("matrix is not positive definite")
	}
	x := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(x, mat.NewVecDense(n, b)); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	copy(out, x.RawVector().Data)
	return out, nil
}
