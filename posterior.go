package mashr

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// ReportType selects which posterior summaries ComputePosterior populates.
// The integer codes are part of the interface; callers pass them through
// from configuration.
type ReportType int

const (
	// ReportMean computes posterior means only; second-moment and
	// covariance accumulation are skipped for speed.
	ReportMean ReportType = iota + 1
	// ReportSecondMoment additionally accumulates the posterior second
	// moment into the covariance slices.
	ReportSecondMoment
	// ReportDefault is the standard output set: mean, sd, negative
	// probability and zero probability.
	ReportDefault
	// ReportFullCov additionally materializes the full posterior
	// covariance of each effect.
	ReportFullCov
)

// Result holds the posterior summaries of one compute call. It is owned by
// the caller; engines never retain or mutate a returned Result.
type Result struct {
	postMean *mat.Dense // outR x J
	postVar  *mat.Dense
	negProb  *mat.Dense
	zeroProb *mat.Dense
	postCov  []*mat.Dense // J slices, outR x outR

	priorScalar []float64 // MVSERMix only
}

func newResult(outR, j int) *Result {
	res := &Result{
		postMean: mat.NewDense(outR, j, nil),
		postVar:  mat.NewDense(outR, j, nil),
		negProb:  mat.NewDense(outR, j, nil),
		zeroProb: mat.NewDense(outR, j, nil),
		postCov:  make([]*mat.Dense, j),
	}
	for i := range res.postCov {
		res.postCov[i] = mat.NewDense(outR, outR, nil)
	}
	return res
}

// PosteriorMean returns the J x R matrix of posterior means.
func (res *Result) PosteriorMean() *mat.Dense {
	return transposeCopy(res.postMean)
}

// PosteriorSD returns the J x R matrix of posterior marginal standard
// deviations.
func (res *Result) PosteriorSD() *mat.Dense {
	r, c := res.postVar.Dims()
	out := mat.NewDense(c, r, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(j, i, math.Sqrt(res.postVar.At(i, j)))
		}
	}
	return out
}

// PosteriorCov returns the per-effect posterior covariance slices. The
// slices stay zero unless the compute call requested second moments or the
// full covariance.
func (res *Result) PosteriorCov() []*mat.Dense {
	return res.postCov
}

// NegativeProb returns the J x R matrix of marginal probabilities that the
// true effect is negative.
func (res *Result) NegativeProb() *mat.Dense {
	return transposeCopy(res.negProb)
}

// ZeroProb returns the J x R matrix of marginal probabilities that the true
// effect is exactly zero.
func (res *Result) ZeroProb() *mat.Dense {
	return transposeCopy(res.zeroProb)
}

// PriorScalar returns the per-component EM estimates of the scalar prior
// multiplier. Only MVSERMix populates it, and only when inverse prior
// matrices were supplied.
func (res *Result) PriorScalar() []float64 {
	return res.priorScalar
}

func transposeCopy(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(c, r, nil)
	out.Copy(m.T())
	return out
}

// PosteriorMASH computes marginal posterior summaries for the multivariate
// mash model. B holds the R x J estimated effects, V the shared R x R
// residual correlation, L an optional baseline-contrast transform, A an
// optional Q x R embedding applied to posterior outputs, and U the P prior
// covariance slices. Workers > 1 partitions the effect axis across
// goroutines in ComputePosterior; each worker owns a disjoint column range,
// so no reduction step is needed.
type PosteriorMASH struct {
	B       *mat.Dense
	V       *mat.Dense
	L       *mat.Dense
	A       *mat.Dense
	U       []*mat.Dense
	Workers int

	se       SE
	vinvCube []*mat.Dense
	u0Cube   []*mat.Dense
}

// NewPosteriorMASH validates shapes and builds an engine. A nil s defaults
// every standard error to one; nil sAlpha, sOrig, l and a disable the
// corresponding channel.
func NewPosteriorMASH(b, s, sAlpha, sOrig, v, l, a *mat.Dense, ucube []*mat.Dense) (*PosteriorMASH, error) {
	r, j := b.Dims()
	p := &PosteriorMASH{B: b, V: v, L: l, A: a, U: ucube}
	if s == nil {
		p.se.SetOnes(r, j)
	} else {
		if sr, sc := s.Dims(); sr != r || sc != j {
			return nil, fmt.Errorf("%w: s is %dx%d, want %dx%d", ErrShapeMismatch, sr, sc, r, j)
		}
		if sAlpha != nil {
			if ar, ac := sAlpha.Dims(); ar != r || ac != j {
				return nil, fmt.Errorf("%w: sAlpha is %dx%d, want %dx%d", ErrShapeMismatch, ar, ac, r, j)
			}
		}
		p.se.Set(s, sAlpha)
	}
	if sOrig != nil {
		if or, oc := sOrig.Dims(); or != r || oc != j {
			return nil, fmt.Errorf("%w: sOrig is %dx%d, want %dx%d", ErrShapeMismatch, or, oc, r, j)
		}
	}
	p.se.SetOriginal(sOrig)
	if vr, vc := v.Dims(); vr != r || vc != r {
		return nil, fmt.Errorf("%w: v is %dx%d, want %dx%d", ErrShapeMismatch, vr, vc, r, r)
	}
	if l != nil {
		if lr, lc := l.Dims(); lr != r || lc != r {
			return nil, fmt.Errorf("%w: l is %dx%d, want %dx%d", ErrShapeMismatch, lr, lc, r, r)
		}
	}
	if a != nil {
		if _, ac := a.Dims(); ac != r {
			return nil, fmt.Errorf("%w: a has %d columns, want %d", ErrShapeMismatch, ac, r)
		}
	}
	if len(ucube) == 0 {
		return nil, fmt.Errorf("%w: no prior covariance components", ErrShapeMismatch)
	}
	for i, u := range ucube {
		if ur, uc := u.Dims(); ur != r || uc != r {
			return nil, fmt.Errorf("%w: U[%d] is %dx%d, want %dx%d", ErrShapeMismatch, i, ur, uc, r, r)
		}
	}
	return p, nil
}

// SetVinv injects precomputed inverses of the per-effect likelihood
// covariances: J slices, or a single slice when every effect shares one.
func (p *PosteriorMASH) SetVinv(cube []*mat.Dense) error {
	_, j := p.B.Dims()
	if len(cube) != j && len(cube) != 1 {
		return fmt.Errorf("%w: %d Vinv slices for %d effects", ErrShapeMismatch, len(cube), j)
	}
	p.vinvCube = cube
	return nil
}

// SetU0 injects precomputed posterior covariances: P slices in the shared
// covariance case, J*P effect-major slices otherwise.
func (p *PosteriorMASH) SetU0(cube []*mat.Dense) error {
	_, j := p.B.Dims()
	if n := len(cube); n != len(p.U) && n != j*len(p.U) {
		return fmt.Errorf("%w: %d U0 slices for J=%d P=%d", ErrShapeMismatch, n, j, len(p.U))
	}
	p.u0Cube = cube
	return nil
}

func (p *PosteriorMASH) outputDim() int {
	if p.A != nil {
		q, _ := p.A.Dims()
		return q
	}
	r, _ := p.B.Dims()
	return r
}

func (p *PosteriorMASH) checkWeights(weights *mat.Dense) error {
	_, j := p.B.Dims()
	if wr, wc := weights.Dims(); wr != len(p.U) || wc != j {
		return fmt.Errorf("%w: weights are %dx%d, want %dx%d", ErrShapeMismatch, wr, wc, len(p.U), j)
	}
	return nil
}

// ComputePosterior computes the marginal posterior summaries under a
// per-effect likelihood covariance. weights is the P x J matrix of
// component responsibilities supplied by the outer optimizer; columns are
// trusted to be non-negative and normalized.
func (p *PosteriorMASH) ComputePosterior(weights *mat.Dense, report ReportType) (*Result, error) {
	if err := p.checkWeights(weights); err != nil {
		return nil, err
	}
	_, j := p.B.Dims()
	res := newResult(p.outputDim(), j)
	if err := p.forEachEffect(j, func(lo, hi int) error {
		return p.computeEffects(res, weights, report, lo, hi)
	}); err != nil {
		return nil, err
	}
	finishVariance(res)
	return res, nil
}

// forEachEffect partitions [0,J) into contiguous ranges, one per worker.
// Output columns and covariance slices are indexed by effect, so workers
// never write to the same memory.
func (p *PosteriorMASH) forEachEffect(j int, fn func(lo, hi int) error) error {
	nw := p.Workers
	if nw > j {
		nw = j
	}
	if nw < 2 {
		return fn(0, j)
	}
	chunk := (j + nw - 1) / nw
	var wg sync.WaitGroup
	errs := make([]error, nw)
	for w := 0; w < nw; w++ {
		lo := w * chunk
		if lo >= j {
			break
		}
		hi := min(lo+chunk, j)
		wg.Add(1)
		go func(idx, lo, hi int) {
			defer wg.Done()
			errs[idx] = fn(lo, hi)
		}(w, lo, hi)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PosteriorMASH) vinvFor(j int) (*mat.Dense, error) {
	if p.vinvCube != nil {
		if len(p.vinvCube) == 1 {
			return p.vinvCube[0], nil
		}
		return p.vinvCube[j], nil
	}
	return invSymPD(GetCov(ColumnMatrixToSlice(p.se.GetOriginal(), j), p.V, p.L))
}

func (p *PosteriorMASH) u0For(j, pi int) (*mat.Dense, error) {
	if p.u0Cube != nil {
		if len(p.u0Cube) == len(p.U) {
			return p.u0Cube[pi], nil
		}
		return p.u0Cube[j*len(p.U)+pi], nil
	}
	return nil, nil
}

func (p *PosteriorMASH) computeEffects(res *Result, weights *mat.Dense, report ReportType, lo, hi int) error {
	nP := len(p.U)
	outR := p.outputDim()
	alphaAll := p.se.Get()

	for j := lo; j < hi; j++ {
		vinv, err := p.vinvFor(j)
		if err != nil {
			return err
		}
		alpha := ColumnMatrixToSlice(alphaAll, j)
		bj := mat.VecDenseCopyOf(p.B.ColView(j))

		mu1Mat := mat.NewDense(outR, nP, nil)
		diagMu2 := mat.NewDense(outR, nP, nil)
		zeroMat := mat.NewDense(outR, nP, nil)
		negMat := mat.NewDense(outR, nP, nil)

		for pi := 0; pi < nP; pi++ {
			u0, err := p.u0For(j, pi)
			if err != nil {
				return err
			}
			if u0 == nil {
				if u0, err = GetPosteriorCov(vinv, p.U[pi]); err != nil {
					return err
				}
			}
			mu1, u1 := p.rescale(bj, vinv, u0, alpha)

			if report == ReportSecondMoment || report == ReportFullCov {
				accumSecondMoment(res.postCov[j], weights.At(pi, j), u1, mu1)
			}
			diag := diagOf(u1)
			sigma := make([]float64, outR)
			for i := range diag {
				sigma[i] = math.Sqrt(diag[i])
			}
			neg := Pnorm(make([]float64, outR), mu1, sigma, false, true)
			for i := range sigma {
				if sigma[i] == 0 {
					zeroMat.Set(i, pi, 1.0)
					neg[i] = 0.0
				}
				diagMu2.Set(i, pi, mu1[i]*mu1[i]+diag[i])
				mu1Mat.Set(i, pi, mu1[i])
				negMat.Set(i, pi, neg[i])
			}
		}
		// marginalize over components with the responsibility weights
		wj := mat.NewVecDense(nP, nil)
		for pi := 0; pi < nP; pi++ {
			wj.SetVec(pi, weights.At(pi, j))
		}
		setColMulVec(res.postMean, j, mu1Mat, wj)
		setColMulVec(res.postVar, j, diagMu2, wj)
		setColMulVec(res.negProb, j, negMat, wj)
		setColMulVec(res.zeroProb, j, zeroMat, wj)
		if report == ReportFullCov {
			subtractMeanOuter(res.postCov[j], res.postMean, j)
		}
	}
	return nil
}

// rescale applies the conjugate update for one (effect, component) pair and
// rescales it to output units: mu1 = U0*Vinv*bhat (*) alpha, U1 scaled by
// alpha on both sides, then both pushed through the embedding A if present.
func (p *PosteriorMASH) rescale(bj *mat.VecDense, vinv, u0 *mat.Dense, alpha []float64) ([]float64, *mat.Dense) {
	mu1 := GetPosteriorMean(bj, vinv, u0)
	for i := 0; i < mu1.Len(); i++ {
		mu1.SetVec(i, mu1.AtVec(i)*alpha[i])
	}
	u1 := GetCov(alpha, u0, nil)
	if p.A == nil {
		return vecToSlice(mu1), u1
	}
	q, _ := p.A.Dims()
	mu1q := mat.NewVecDense(q, nil)
	mu1q.MulVec(p.A, mu1)
	r := len(alpha)
	tmp := mat.NewDense(q, r, nil)
	tmp.Mul(p.A, u1)
	u1q := mat.NewDense(q, q, nil)
	u1q.Mul(tmp, p.A.T())
	return vecToSlice(mu1q), u1q
}

// ComputePosteriorCommon is the shared-covariance fast path: every effect
// is assumed to carry the standard-error pattern of column 0, so one
// likelihood precision and one posterior covariance per component serve the
// whole batch.
func (p *PosteriorMASH) ComputePosteriorCommon(weights *mat.Dense, report ReportType) (*Result, error) {
	if err := p.checkWeights(weights); err != nil {
		return nil, err
	}
	_, j := p.B.Dims()
	outR := p.outputDim()
	res := newResult(outR, j)

	var vinv *mat.Dense
	var err error
	if p.vinvCube != nil {
		vinv = p.vinvCube[0]
	} else {
		vinv, err = invSymPD(GetCov(ColumnMatrixToSlice(p.se.GetOriginal(), 0), p.V, p.L))
		if err != nil {
			return nil, err
		}
	}
	alphaAll := p.se.Get()
	alpha0 := ColumnMatrixToSlice(alphaAll, 0)

	for pi := range p.U {
		u0, err := p.u0For(0, pi)
		if err != nil {
			return nil, err
		}
		if u0 == nil {
			if u0, err = GetPosteriorCov(vinv, p.U[pi]); err != nil {
				return nil, err
			}
		}
		mu1Mat := GetPosteriorMeanMat(p.B, vinv, u0)
		mu1Mat.MulElem(mu1Mat, alphaAll)
		u1 := GetCov(alpha0, u0, nil)
		if p.A != nil {
			q, _ := p.A.Dims()
			tmpM := mat.NewDense(q, j, nil)
			tmpM.Mul(p.A, mu1Mat)
			mu1Mat = tmpM
			r0, _ := u1.Dims()
			tmp := mat.NewDense(q, r0, nil)
			tmp.Mul(p.A, u1)
			u1q := mat.NewDense(q, q, nil)
			u1q.Mul(tmp, p.A.T())
			u1 = u1q
		}
		diag := diagOf(u1)
		svec := make([]float64, len(diag))
		for i := range diag {
			svec[i] = math.Sqrt(diag[i])
		}
		accumCommonComponent(res, weights, report, pi, mu1Mat, u1, diag, svec)
	}
	finishVariance(res)
	if report == ReportFullCov {
		for jj := 0; jj < j; jj++ {
			subtractMeanOuter(res.postCov[jj], res.postMean, jj)
		}
	}
	return res, nil
}

// accumCommonComponent folds one mixture component into the running
// marginal sums. A zero posterior sd for condition r zeroes the whole
// negative-probability row and sets the zero-probability row to one;
// because the covariance is shared, the degeneracy cannot vary across
// effects, so the row form matches the general path's per-element branch.
func accumCommonComponent(res *Result, weights *mat.Dense, report ReportType, pi int, mu1Mat, u1 *mat.Dense, diag, svec []float64) {
	outR, j := res.postMean.Dims()
	for jj := 0; jj < j; jj++ {
		wpj := weights.At(pi, jj)
		if report == ReportSecondMoment || report == ReportFullCov {
			accumSecondMomentCol(res.postCov[jj], wpj, u1, mu1Mat, jj)
		}
		for i := 0; i < outR; i++ {
			m := mu1Mat.At(i, jj)
			res.postMean.Set(i, jj, res.postMean.At(i, jj)+m*wpj)
			res.postVar.Set(i, jj, res.postVar.At(i, jj)+(m*m+diag[i])*wpj)
			if svec[i] == 0 {
				res.zeroProb.Set(i, jj, res.zeroProb.At(i, jj)+wpj)
			} else {
				res.negProb.Set(i, jj, res.negProb.At(i, jj)+probBelowZero(m, svec[i])*wpj)
			}
		}
	}
}

// probBelowZero is P(b < 0) for b ~ N(mu, sd^2).
func probBelowZero(mu, sd float64) float64 {
	return 0.5 * math.Erfc(mu/sd*math.Sqrt2/2.0)
}

// accumSecondMoment adds w * (U1 + mu1*mu1^T) into dst.
func accumSecondMoment(dst *mat.Dense, w float64, u1 *mat.Dense, mu1 []float64) {
	n := len(mu1)
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			dst.Set(i, k, dst.At(i, k)+w*(u1.At(i, k)+mu1[i]*mu1[k]))
		}
	}
}

func accumSecondMomentCol(dst *mat.Dense, w float64, u1, mu1Mat *mat.Dense, j int) {
	n, _ := dst.Dims()
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			dst.Set(i, k, dst.At(i, k)+w*(u1.At(i, k)+mu1Mat.At(i, j)*mu1Mat.At(k, j)))
		}
	}
}

// subtractMeanOuter applies the law of total covariance: subtracts the
// outer product of the marginal mean of effect j from its accumulated
// second moment.
func subtractMeanOuter(dst *mat.Dense, postMean *mat.Dense, j int) {
	n, _ := dst.Dims()
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			dst.Set(i, k, dst.At(i, k)-postMean.At(i, j)*postMean.At(k, j))
		}
	}
}

// finishVariance converts accumulated second moments into variances.
func finishVariance(res *Result) {
	r, c := res.postVar.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m := res.postMean.At(i, j)
			res.postVar.Set(i, j, res.postVar.At(i, j)-m*m)
		}
	}
}

func setColMulVec(dst *mat.Dense, j int, m *mat.Dense, v *mat.VecDense) {
	r, _ := m.Dims()
	out := mat.NewVecDense(r, nil)
	out.MulVec(m, v)
	for i := 0; i < r; i++ {
		dst.Set(i, j, out.AtVec(i))
	}
}

func vecToSlice(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
