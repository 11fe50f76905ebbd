package mashr

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CalcLik computes the J x P matrix of (log-)likelihoods p(bhat_j | U_p, V)
// from raw covariances. b and s are R x J, v is the R x R residual
// correlation, l an optional R x R baseline transform and ucube the P prior
// covariance slices.
//
// With commonCov set, every effect is assumed to share the standard-error
// pattern of column 0, so a single covariance serves the whole batch and
// only P factorizations are performed. Without it a fresh covariance is
// built and factorized per (effect, component) pair.
func CalcLik(b, s, v, l *mat.Dense, ucube []*mat.Dense, logd, commonCov bool) (*mat.Dense, error) {
	r, j := b.Dims()
	if sr, sc := s.Dims(); sr != r || sc != j {
		return nil, fmt.Errorf("%w: s is %dx%d, want %dx%d", ErrShapeMismatch, sr, sc, r, j)
	}
	if vr, vc := v.Dims(); vr != r || vc != r {
		return nil, fmt.Errorf("%w: v is %dx%d, want %dx%d", ErrShapeMismatch, vr, vc, r, r)
	}
	p := len(ucube)
	lik := mat.NewDense(j, p, nil)
	mean := mat.NewVecDense(r, nil)

	if commonCov {
		sigma := GetCov(ColumnMatrixToSlice(s, 0), v, l)
		for pi := 0; pi < p; pi++ {
			sum, err := addSym(sigma, ucube[pi])
			if err != nil {
				return nil, err
			}
			lik.SetCol(pi, DmvnormMat(b, mean, sum, logd))
		}
		return lik, nil
	}
	for ji := 0; ji < j; ji++ {
		sigma := GetCov(ColumnMatrixToSlice(s, ji), v, l)
		bj := mat.VecDenseCopyOf(b.ColView(ji))
		for pi := 0; pi < p; pi++ {
			sum, err := addSym(sigma, ucube[pi])
			if err != nil {
				return nil, err
			}
			lik.Set(ji, pi, Dmvnorm(bj, mean, sum, logd))
		}
	}
	return lik, nil
}

// CalcLikRooti computes the likelihood matrix from precomputed whitening
// matrices, skipping factorization entirely. With commonCov the cube holds
// one slice per component; otherwise it holds J*P slices ordered
// effect-major (slice j*P+p belongs to effect j, component p).
func CalcLikRooti(b *mat.Dense, rootiCube []*mat.Dense, logd, commonCov bool) (*mat.Dense, error) {
	r, j := b.Dims()
	mean := mat.NewVecDense(r, nil)
	if commonCov {
		p := len(rootiCube)
		lik := mat.NewDense(j, p, nil)
		for pi := 0; pi < p; pi++ {
			lik.SetCol(pi, DmvnormMatRooti(b, mean, rootiCube[pi], logd))
		}
		return lik, nil
	}
	if len(rootiCube)%j != 0 {
		return nil, fmt.Errorf("%w: %d whitening slices not divisible by %d effects",
			ErrShapeMismatch, len(rootiCube), j)
	}
	p := len(rootiCube) / j
	lik := mat.NewDense(j, p, nil)
	k := 0
	for ji := 0; ji < j; ji++ {
		bj := mat.VecDenseCopyOf(b.ColView(ji))
		for pi := 0; pi < p; pi++ {
			lik.Set(ji, pi, DmvnormRooti(bj, mean, rootiCube[k], logd))
			k++
		}
	}
	return lik, nil
}

// CalcLikUnivariate is the scalar specialization: per-effect standard
// errors, one residual variance v and P prior variances. No matrix algebra
// is involved.
func CalcLikUnivariate(b, s []float64, v float64, uvec []float64, logd bool) (*mat.Dense, error) {
	j := len(b)
	if len(s) != j {
		return nil, fmt.Errorf("%w: %d standard errors for %d effects", ErrShapeMismatch, len(s), j)
	}
	sigma := make([]float64, j)
	for i := range s {
		sigma[i] = s[i] * s[i] * v
	}
	mean := make([]float64, j)
	lik := mat.NewDense(j, len(uvec), nil)
	tmp := make([]float64, j)
	for pi, u := range uvec {
		copy(tmp, sigma)
		floats.AddConst(u, tmp)
		lik.SetCol(pi, Dnorm(b, mean, tmp, logd))
	}
	return lik, nil
}
