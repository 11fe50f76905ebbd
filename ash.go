package mashr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// PosteriorASH is the univariate specialization of the posterior engines:
// scalar observations, scalar standard errors, one residual variance v and
// P prior variances. The conjugate update is closed form, so there is no
// matrix inversion and no factorization anywhere on this path.
type PosteriorASH struct {
	B      []float64
	S      []float64
	SAlpha []float64
	V      float64
	U      []float64
}

// ASHResult holds the univariate posterior summaries, one entry per effect.
type ASHResult struct {
	postMean []float64
	postVar  []float64
	negProb  []float64
	zeroProb []float64
}

// PosteriorMean returns the posterior means.
func (res *ASHResult) PosteriorMean() []float64 { return res.postMean }

// PosteriorSD returns the posterior standard deviations.
func (res *ASHResult) PosteriorSD() []float64 {
	out := make([]float64, len(res.postVar))
	for i, v := range res.postVar {
		out[i] = math.Sqrt(v)
	}
	return out
}

// PosteriorCov returns the posterior variances (the univariate covariance).
func (res *ASHResult) PosteriorCov() []float64 { return res.postVar }

// NegativeProb returns the probabilities of the true effect being negative.
func (res *ASHResult) NegativeProb() []float64 { return res.negProb }

// ZeroProb returns the probabilities of the true effect being exactly zero.
func (res *ASHResult) ZeroProb() []float64 { return res.zeroProb }

// NewPosteriorASH validates lengths and builds the engine. A nil sAlpha
// defaults to ones.
func NewPosteriorASH(b, s, sAlpha []float64, v float64, uvec []float64) (*PosteriorASH, error) {
	j := len(b)
	if len(s) != j {
		return nil, fmt.Errorf("%w: %d standard errors for %d effects", ErrShapeMismatch, len(s), j)
	}
	if sAlpha == nil {
		sAlpha = make([]float64, j)
		for i := range sAlpha {
			sAlpha[i] = 1.0
		}
	} else if len(sAlpha) != j {
		return nil, fmt.Errorf("%w: %d alpha errors for %d effects", ErrShapeMismatch, len(sAlpha), j)
	}
	if len(uvec) == 0 {
		return nil, fmt.Errorf("%w: no prior variance components", ErrShapeMismatch)
	}
	return &PosteriorASH{B: b, S: s, SAlpha: sAlpha, V: v, U: uvec}, nil
}

// ComputePosterior computes the marginal posterior summaries. weights is
// the P x J responsibility matrix from the outer optimizer.
func (a *PosteriorASH) ComputePosterior(weights *mat.Dense) (*ASHResult, error) {
	j := len(a.B)
	nP := len(a.U)
	if wr, wc := weights.Dims(); wr != nP || wc != j {
		return nil, fmt.Errorf("%w: weights are %dx%d, want %dx%d", ErrShapeMismatch, wr, wc, nP, j)
	}
	vinv := make([]float64, j)
	for i := range vinv {
		vinv[i] = 1.0 / (a.S[i] * a.S[i] * a.V)
	}

	mu1Mat := mat.NewDense(j, nP, nil)
	mu2Mat := mat.NewDense(j, nP, nil)
	zeroMat := mat.NewDense(j, nP, nil)
	negMat := mat.NewDense(j, nP, nil)
	for pi, u := range a.U {
		for i := 0; i < j; i++ {
			u1 := u / (vinv[i]*u + 1.0)
			mu1 := u1 * vinv[i] * a.B[i] * a.SAlpha[i]
			u1 *= a.SAlpha[i] * a.SAlpha[i]
			mu1Mat.Set(i, pi, mu1)
			mu2Mat.Set(i, pi, mu1*mu1+u1)
			if u1 == 0 {
				zeroMat.Set(i, pi, 1.0)
			} else {
				negMat.Set(i, pi, probBelowZero(mu1, math.Sqrt(u1)))
			}
		}
	}

	res := &ASHResult{
		postMean: make([]float64, j),
		postVar:  make([]float64, j),
		negProb:  make([]float64, j),
		zeroProb: make([]float64, j),
	}
	for i := 0; i < j; i++ {
		for pi := 0; pi < nP; pi++ {
			w := weights.At(pi, i)
			res.postMean[i] += mu1Mat.At(i, pi) * w
			res.postVar[i] += mu2Mat.At(i, pi) * w
			res.negProb[i] += negMat.At(i, pi) * w
			res.zeroProb[i] += zeroMat.At(i, pi) * w
		}
		res.postVar[i] -= res.postMean[i] * res.postMean[i]
	}
	return res, nil
}
