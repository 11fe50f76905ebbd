package mashr

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// MVSERMix computes posterior summaries for the multivariate single-effect
// regression with a mixture prior, as used inside an iterative
// single-effect-regression solver. The moment computation matches
// PosteriorMASH (without baseline or embedding transforms), the full
// posterior covariance is always accumulated, and when inverse prior
// matrices are injected the engine also performs the EM M-step for a scalar
// multiplier on each fixed-shape prior:
//
//	sigma0^2_p = tr(Uinv_p * E[b b^T | gamma_p]) / R
//
// where the second-moment expectation is accumulated across effects with
// the posterior variable (inclusion) weights.
type MVSERMix struct {
	B       *mat.Dense
	V       *mat.Dense
	U       []*mat.Dense
	Workers int

	se       SE
	vinvCube []*mat.Dense
	u0Cube   []*mat.Dense
	uinvCube []*mat.Dense
}

// NewMVSERMix validates shapes and builds an engine. A nil s defaults every
// standard error to one.
func NewMVSERMix(b, s, sAlpha, sOrig, v *mat.Dense, ucube []*mat.Dense) (*MVSERMix, error) {
	r, j := b.Dims()
	m := &MVSERMix{B: b, V: v, U: ucube}
	if s == nil {
		m.se.SetOnes(r, j)
	} else {
		if sr, sc := s.Dims(); sr != r || sc != j {
			return nil, fmt.Errorf("%w: s is %dx%d, want %dx%d", ErrShapeMismatch, sr, sc, r, j)
		}
		if sAlpha != nil {
			if ar, ac := sAlpha.Dims(); ar != r || ac != j {
				return nil, fmt.Errorf("%w: sAlpha is %dx%d, want %dx%d", ErrShapeMismatch, ar, ac, r, j)
			}
		}
		m.se.Set(s, sAlpha)
	}
	if sOrig != nil {
		if or, oc := sOrig.Dims(); or != r || oc != j {
			return nil, fmt.Errorf("%w: sOrig is %dx%d, want %dx%d", ErrShapeMismatch, or, oc, r, j)
		}
	}
	m.se.SetOriginal(sOrig)
	if vr, vc := v.Dims(); vr != r || vc != r {
		return nil, fmt.Errorf("%w: v is %dx%d, want %dx%d", ErrShapeMismatch, vr, vc, r, r)
	}
	if len(ucube) == 0 {
		return nil, fmt.Errorf("%w: no prior covariance components", ErrShapeMismatch)
	}
	for i, u := range ucube {
		if ur, uc := u.Dims(); ur != r || uc != r {
			return nil, fmt.Errorf("%w: U[%d] is %dx%d, want %dx%d", ErrShapeMismatch, i, ur, uc, r, r)
		}
	}
	return m, nil
}

// SetVinv injects precomputed likelihood precisions: J slices, or one
// shared slice.
func (m *MVSERMix) SetVinv(cube []*mat.Dense) error {
	_, j := m.B.Dims()
	if len(cube) != j && len(cube) != 1 {
		return fmt.Errorf("%w: %d Vinv slices for %d effects", ErrShapeMismatch, len(cube), j)
	}
	m.vinvCube = cube
	return nil
}

// SetU0 injects precomputed posterior covariances: P slices (shared) or
// J*P effect-major slices.
func (m *MVSERMix) SetU0(cube []*mat.Dense) error {
	_, j := m.B.Dims()
	if n := len(cube); n != len(m.U) && n != j*len(m.U) {
		return fmt.Errorf("%w: %d U0 slices for J=%d P=%d", ErrShapeMismatch, n, j, len(m.U))
	}
	m.u0Cube = cube
	return nil
}

// SetUinv injects the inverse prior matrices, one per component. Their
// presence switches on the EM prior-scalar update.
func (m *MVSERMix) SetUinv(cube []*mat.Dense) error {
	if len(cube) != len(m.U) {
		return fmt.Errorf("%w: %d Uinv slices for %d components", ErrShapeMismatch, len(cube), len(m.U))
	}
	m.uinvCube = cube
	return nil
}

func (m *MVSERMix) checkWeights(weights, variableWeights *mat.Dense) error {
	_, j := m.B.Dims()
	if wr, wc := weights.Dims(); wr != len(m.U) || wc != j {
		return fmt.Errorf("%w: weights are %dx%d, want %dx%d", ErrShapeMismatch, wr, wc, len(m.U), j)
	}
	if vr, vc := variableWeights.Dims(); vr != len(m.U) || vc != j {
		return fmt.Errorf("%w: variable weights are %dx%d, want %dx%d", ErrShapeMismatch, vr, vc, len(m.U), j)
	}
	return nil
}

func (m *MVSERMix) vinvFor(j int) (*mat.Dense, error) {
	if m.vinvCube != nil {
		if len(m.vinvCube) == 1 {
			return m.vinvCube[0], nil
		}
		return m.vinvCube[j], nil
	}
	return invSymPD(GetCov(ColumnMatrixToSlice(m.se.GetOriginal(), j), m.V, nil))
}

func (m *MVSERMix) u0For(j, pi int) (*mat.Dense, error) {
	if m.u0Cube != nil {
		if len(m.u0Cube) == len(m.U) {
			return m.u0Cube[pi], nil
		}
		return m.u0Cube[j*len(m.U)+pi], nil
	}
	return nil, nil
}

// ComputePosterior computes the marginal posterior summaries and, when
// inverse priors were injected, the per-component EM prior-scalar
// estimates. weights are the component responsibilities, variableWeights
// the posterior inclusion probabilities of each effect; both are P x J.
func (m *MVSERMix) ComputePosterior(weights, variableWeights *mat.Dense) (*Result, error) {
	if err := m.checkWeights(weights, variableWeights); err != nil {
		return nil, err
	}
	r, j := m.B.Dims()
	nP := len(m.U)
	res := newResult(r, j)

	nw := m.Workers
	if nw > j {
		nw = j
	}
	if nw < 2 {
		mu2 := newCube(nP, r)
		if err := m.computeEffects(res, weights, variableWeights, mu2, 0, j); err != nil {
			return nil, err
		}
		m.finish(res, []cube{mu2})
		return res, nil
	}

	chunk := (j + nw - 1) / nw
	var wg sync.WaitGroup
	errs := make([]error, nw)
	cubes := make([]cube, 0, nw)
	for w := 0; w < nw; w++ {
		lo := w * chunk
		if lo >= j {
			break
		}
		hi := min(lo+chunk, j)
		mu2 := newCube(nP, r)
		cubes = append(cubes, mu2)
		wg.Add(1)
		go func(idx, lo, hi int, mu2 cube) {
			defer wg.Done()
			errs[idx] = m.computeEffects(res, weights, variableWeights, mu2, lo, hi)
		}(w, lo, hi, mu2)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	m.finish(res, cubes)
	return res, nil
}

// cube is a P-long stack of R x R accumulators.
type cube []*mat.Dense

func newCube(p, r int) cube {
	c := make(cube, p)
	for i := range c {
		c[i] = mat.NewDense(r, r, nil)
	}
	return c
}

func (m *MVSERMix) computeEffects(res *Result, weights, variableWeights *mat.Dense, mu2Cube cube, lo, hi int) error {
	r, _ := m.B.Dims()
	nP := len(m.U)
	alphaAll := m.se.Get()

	for j := lo; j < hi; j++ {
		vinv, err := m.vinvFor(j)
		if err != nil {
			return err
		}
		alpha := ColumnMatrixToSlice(alphaAll, j)
		bj := mat.VecDenseCopyOf(m.B.ColView(j))

		mu1Mat := mat.NewDense(r, nP, nil)
		diagMu2 := mat.NewDense(r, nP, nil)
		zeroMat := mat.NewDense(r, nP, nil)
		negMat := mat.NewDense(r, nP, nil)

		for pi := 0; pi < nP; pi++ {
			u0, err := m.u0For(j, pi)
			if err != nil {
				return err
			}
			if u0 == nil {
				if u0, err = GetPosteriorCov(vinv, m.U[pi]); err != nil {
					return err
				}
			}
			mu1 := GetPosteriorMean(bj, vinv, u0)
			for i := 0; i < r; i++ {
				mu1.SetVec(i, mu1.AtVec(i)*alpha[i])
			}
			u1 := GetCov(alpha, u0, nil)
			// posterior second moment of effect j under component pi
			mu2Mat := secondMoment(u1, mu1)
			addScaled(res.postCov[j], weights.At(pi, j), mu2Mat)
			if m.uinvCube != nil {
				addScaled(mu2Cube[pi], variableWeights.At(pi, j), mu2Mat)
			}
			for i := 0; i < r; i++ {
				d := u1.At(i, i)
				sd := math.Sqrt(d)
				mi := mu1.AtVec(i)
				mu1Mat.Set(i, pi, mi)
				diagMu2.Set(i, pi, mi*mi+d)
				if sd == 0 {
					zeroMat.Set(i, pi, 1.0)
				} else {
					negMat.Set(i, pi, probBelowZero(mi, sd))
				}
			}
		}
		wj := mat.NewVecDense(nP, nil)
		for pi := 0; pi < nP; pi++ {
			wj.SetVec(pi, weights.At(pi, j))
		}
		setColMulVec(res.postMean, j, mu1Mat, wj)
		setColMulVec(res.postVar, j, diagMu2, wj)
		setColMulVec(res.negProb, j, negMat, wj)
		setColMulVec(res.zeroProb, j, zeroMat, wj)
		subtractMeanOuter(res.postCov[j], res.postMean, j)
	}
	return nil
}

// finish folds the worker-private second-moment cubes together, converts
// second moments to variances and computes the prior-scalar M-step.
func (m *MVSERMix) finish(res *Result, cubes []cube) {
	finishVariance(res)
	if m.uinvCube == nil {
		return
	}
	r, _ := m.B.Dims()
	nP := len(m.U)
	total := cubes[0]
	for _, c := range cubes[1:] {
		for pi := 0; pi < nP; pi++ {
			total[pi].Add(total[pi], c[pi])
		}
	}
	res.priorScalar = make([]float64, nP)
	for pi := 0; pi < nP; pi++ {
		res.priorScalar[pi] = traceProduct(m.uinvCube[pi], total[pi]) / float64(r)
	}
}

// ComputePosteriorCommon is the shared-covariance fast path; see
// PosteriorMASH.ComputePosteriorCommon for the batching scheme.
func (m *MVSERMix) ComputePosteriorCommon(weights, variableWeights *mat.Dense) (*Result, error) {
	if err := m.checkWeights(weights, variableWeights); err != nil {
		return nil, err
	}
	r, j := m.B.Dims()
	nP := len(m.U)
	res := newResult(r, j)
	mu2Cube := newCube(nP, r)

	var vinv *mat.Dense
	var err error
	if m.vinvCube != nil {
		vinv = m.vinvCube[0]
	} else {
		vinv, err = invSymPD(GetCov(ColumnMatrixToSlice(m.se.GetOriginal(), 0), m.V, nil))
		if err != nil {
			return nil, err
		}
	}
	alphaAll := m.se.Get()
	alpha0 := ColumnMatrixToSlice(alphaAll, 0)

	for pi := 0; pi < nP; pi++ {
		u0, err := m.u0For(0, pi)
		if err != nil {
			return nil, err
		}
		if u0 == nil {
			if u0, err = GetPosteriorCov(vinv, m.U[pi]); err != nil {
				return nil, err
			}
		}
		mu1Mat := GetPosteriorMeanMat(m.B, vinv, u0)
		mu1Mat.MulElem(mu1Mat, alphaAll)
		u1 := GetCov(alpha0, u0, nil)
		diag := diagOf(u1)
		svec := make([]float64, r)
		for i := range diag {
			svec[i] = math.Sqrt(diag[i])
		}
		for jj := 0; jj < j; jj++ {
			mu2Mat := secondMomentCol(u1, mu1Mat, jj)
			addScaled(res.postCov[jj], weights.At(pi, jj), mu2Mat)
			if m.uinvCube != nil {
				addScaled(mu2Cube[pi], variableWeights.At(pi, jj), mu2Mat)
			}
			wpj := weights.At(pi, jj)
			for i := 0; i < r; i++ {
				mi := mu1Mat.At(i, jj)
				res.postMean.Set(i, jj, res.postMean.At(i, jj)+mi*wpj)
				res.postVar.Set(i, jj, res.postVar.At(i, jj)+(mi*mi+diag[i])*wpj)
				if svec[i] == 0 {
					res.zeroProb.Set(i, jj, res.zeroProb.At(i, jj)+wpj)
				} else {
					res.negProb.Set(i, jj, res.negProb.At(i, jj)+probBelowZero(mi, svec[i])*wpj)
				}
			}
		}
	}
	finishVariance(res)
	for jj := 0; jj < j; jj++ {
		subtractMeanOuter(res.postCov[jj], res.postMean, jj)
	}
	m.finishCommon(res, mu2Cube)
	return res, nil
}

func (m *MVSERMix) finishCommon(res *Result, mu2Cube cube) {
	if m.uinvCube == nil {
		return
	}
	r, _ := m.B.Dims()
	res.priorScalar = make([]float64, len(m.U))
	for pi := range m.U {
		res.priorScalar[pi] = traceProduct(m.uinvCube[pi], mu2Cube[pi]) / float64(r)
	}
}

func secondMoment(u1 *mat.Dense, mu1 *mat.VecDense) *mat.Dense {
	n := mu1.Len()
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			out.Set(i, k, u1.At(i, k)+mu1.AtVec(i)*mu1.AtVec(k))
		}
	}
	return out
}

func secondMomentCol(u1, mu1Mat *mat.Dense, j int) *mat.Dense {
	n, _ := u1.Dims()
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			out.Set(i, k, u1.At(i, k)+mu1Mat.At(i, j)*mu1Mat.At(k, j))
		}
	}
	return out
}

func addScaled(dst *mat.Dense, w float64, src *mat.Dense) {
	r, c := dst.Dims()
	for i := 0; i < r; i++ {
		for k := 0; k < c; k++ {
			dst.Set(i, k, dst.At(i, k)+w*src.At(i, k))
		}
	}
}

// traceProduct returns tr(a*b) without forming the product.
func traceProduct(a, b *mat.Dense) float64 {
	n, _ := a.Dims()
	sum := 0.0
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			sum += a.At(i, k) * b.At(k, i)
		}
	}
	return sum
}
