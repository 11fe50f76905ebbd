package mashr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SetIdentityMatrix will return an identity matrix with the given dimension.
func SetIdentityMatrix(dim int) *mat.Dense {
	matrix := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		matrix.Set(i, i, 1.0)
	}
	return matrix
}

// OnesMatrix will return an r x c matrix filled with ones.
func OnesMatrix(r, c int) *mat.Dense {
	matrix := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			matrix.Set(i, j, 1.0)
		}
	}
	return matrix
}

// SymDenseConvert will convert a square *Dense to *SymDense, mirroring the
// upper triangle. Accumulated covariances are symmetric up to rounding, so
// the upper triangle is taken as authoritative.
func SymDenseConvert(m *mat.Dense) (*mat.SymDense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, fmt.Errorf("%w: %dx%d matrix is not square", ErrShapeMismatch, r, c)
	}
	sym := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			sym.SetSym(i, j, m.At(i, j))
		}
	}
	return sym, nil
}

// ColumnMatrixToSlice will extract column j of m into a fresh slice.
func ColumnMatrixToSlice(m *mat.Dense, j int) []float64 {
	r, _ := m.Dims()
	out := make([]float64, r)
	mat.Col(out, j, m)
	return out
}

// Softmax returns exp(x_i)/sum(exp(x_j)), shifting by the maximum first so
// that inputs around +-1000 do not overflow.
func Softmax(x []float64) []float64 {
	y := make([]float64, len(x))
	shift := floats.Max(x)
	for i, v := range x {
		y[i] = math.Exp(v - shift)
	}
	floats.Scale(1.0/floats.Sum(y), y)
	return y
}

// ShrinkCov is the hook for shrinking an estimated covariance toward a
// well-conditioned target before deconvolution. The truncated-eigenvalue
// step is not implemented; the matrix passes through unchanged.
func ShrinkCov(v *mat.Dense) *mat.Dense {
	r, c := v.Dims()
	out := mat.NewDense(r, c, nil)
	out.Copy(v)
	return out
}

// diagOf copies the diagonal of a square matrix into a slice.
func diagOf(m *mat.Dense) []float64 {
	r, _ := m.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		out[i] = m.At(i, i)
	}
	return out
}

// addSym returns a + b as a SymDense, taking the upper triangles.
func addSym(a, b *mat.Dense) (*mat.SymDense, error) {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	if ra != rb || ca != cb {
		return nil, fmt.Errorf("%w: cannot add %dx%d and %dx%d", ErrShapeMismatch, ra, ca, rb, cb)
	}
	sum := mat.NewDense(ra, ca, nil)
	sum.Add(a, b)
	return SymDenseConvert(sum)
}
