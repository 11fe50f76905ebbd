package mashr

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// GetCov returns diag(s) * v * diag(s), computed by broadcast rather than a
// literal diagonal multiply. When l is non-nil the scaled matrix is further
// transformed as l * svs * l^T (common-baseline contrasts).
func GetCov(s []float64, v, l *mat.Dense) *mat.Dense {
	r := len(s)
	svs := mat.NewDense(r, r, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			svs.Set(i, j, v.At(i, j)*s[i]*s[j])
		}
	}
	if l == nil {
		return svs
	}
	q, _ := l.Dims()
	tmp := mat.NewDense(q, r, nil)
	tmp.Mul(l, svs)
	out := mat.NewDense(q, q, nil)
	out.Mul(tmp, l.T())
	return out
}

// GetPosteriorCov returns the conjugate-normal posterior covariance
// u * (vinv*u + I)^{-1}, where vinv is the likelihood precision and u the
// prior covariance. If bhat is N(b, V) and b is N(0, U) then b|bhat is
// N(mu1, U1); this returns U1.
func GetPosteriorCov(vinv, u *mat.Dense) (*mat.Dense, error) {
	r, _ := u.Dims()
	s := mat.NewDense(r, r, nil)
	s.Mul(vinv, u)
	for i := 0; i < r; i++ {
		s.Set(i, i, s.At(i, i)+1.0)
	}
	sinv := mat.NewDense(r, r, nil)
	if err := sinv.Inverse(s); err != nil {
		return nil, fmt.Errorf("%w: vinv*u + I not invertible", ErrSingular)
	}
	out := mat.NewDense(r, r, nil)
	out.Mul(u, sinv)
	return out, nil
}

// GetPosteriorMean returns u1 * vinv * bhat, the conjugate-normal posterior
// mean mu1 for a single effect.
func GetPosteriorMean(bhat *mat.VecDense, vinv, u1 *mat.Dense) *mat.VecDense {
	r := bhat.Len()
	tmp := mat.NewVecDense(r, nil)
	tmp.MulVec(vinv, bhat)
	out := mat.NewVecDense(r, nil)
	out.MulVec(u1, tmp)
	return out
}

// GetPosteriorMeanMat is GetPosteriorMean batched over the columns of bhat.
func GetPosteriorMeanMat(bhat, vinv, u1 *mat.Dense) *mat.Dense {
	r, j := bhat.Dims()
	tmp := mat.NewDense(r, j, nil)
	tmp.Mul(vinv, bhat)
	out := mat.NewDense(r, j, nil)
	out.Mul(u1, tmp)
	return out
}

// invSymPD inverts a symmetric positive definite matrix through its
// Cholesky factorization.
func invSymPD(a *mat.Dense) (*mat.Dense, error) {
	sym, err := SymDenseConvert(a)
	if err != nil {
		return nil, err
	}
	var ch mat.Cholesky
	if ok := ch.Factorize(sym); !ok {
		return nil, fmt.Errorf("%w: Cholesky factorization failed", ErrSingular)
	}
	r, _ := a.Dims()
	var inv mat.SymDense
	if err := ch.InverseTo(&inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	out := mat.NewDense(r, r, nil)
	out.Copy(&inv)
	return out, nil
}
