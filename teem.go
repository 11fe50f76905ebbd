package mashr

import (
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/lmittmann/tint"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// TEEM is the truncated-eigenvalue extreme-deconvolution estimator. Only
// its external contract is stable: construction from a data matrix, an
// initial weight vector and a covariance cube, a Fit entry point and
// accessors for the objective trace, the convergence diagnostic trace and
// the final weights and covariances.
//
// The internal iteration is experimental and incomplete: Fit normalizes the
// weights, records likelihood bookkeeping and passes the covariances
// through the shrinkage hook, but performs no eigenvalue truncation and
// does not iterate to convergence. Do not treat its traces as a fitted
// objective.
type TEEM struct {
	x *mat.Dense
	w []float64
	u []*mat.Dense

	objective []float64
	maxd      []float64
	logger    *slog.Logger
}

// NewTEEM validates shapes and builds the estimator. x is R x N with one
// observation per column; w and ucube have one entry per mixture component.
func NewTEEM(x *mat.Dense, w []float64, ucube []*mat.Dense) (*TEEM, error) {
	if len(w) != len(ucube) {
		return nil, fmt.Errorf("%w: %d weights for %d covariances", ErrShapeMismatch, len(w), len(ucube))
	}
	r, _ := x.Dims()
	for i, u := range ucube {
		if ur, uc := u.Dims(); ur != r || uc != r {
			return nil, fmt.Errorf("%w: U[%d] is %dx%d, want %dx%d", ErrShapeMismatch, i, ur, uc, r, r)
		}
	}
	return &TEEM{x: x, w: append([]float64(nil), w...), u: ucube}, nil
}

// Objective returns the objective trace, one slot per allowed iteration.
func (t *TEEM) Objective() []float64 { return t.objective }

// Maxd returns the convergence diagnostic trace (maximum parameter change
// per iteration).
func (t *TEEM) Maxd() []float64 { return t.maxd }

// Weights returns the current mixture weights.
func (t *TEEM) Weights() []float64 { return t.w }

// Covariances returns the current covariance slices.
func (t *TEEM) Covariances() []*mat.Dense { return t.u }

// Fit runs the (stubbed) deconvolution: weights are softmax-normalized, the
// observed-data log-likelihood is recorded as the first objective entry and
// each covariance is passed through ShrinkCov. tol is accepted for
// interface compatibility and unused.
func (t *TEEM) Fit(maxIter int, tol float64, verbose bool) error {
	if maxIter < 1 {
		return fmt.Errorf("mashr: maxIter must be positive, got %d", maxIter)
	}
	if verbose && t.logger == nil {
		t.logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelDebug}))
	}
	t.objective = make([]float64, maxIter)
	t.maxd = make([]float64, maxIter)

	t.objective[0] = t.loglik()
	t.w = Softmax(t.w)
	for i, u := range t.u {
		t.u[i] = ShrinkCov(u)
	}
	if verbose {
		t.logger.Debug("teem fit", "iter", 0, "objective", t.objective[0], "maxd", t.maxd[0])
		t.logger.Debug("teem fit incomplete: eigenvalue truncation not implemented")
	}
	return nil
}

// loglik is the observed-data log-likelihood of the columns of x under the
// current zero-mean mixture.
func (t *TEEM) loglik() float64 {
	r, n := t.x.Dims()
	mean := mat.NewVecDense(r, nil)
	perComp := make([][]float64, len(t.u))
	for pi, u := range t.u {
		sym, err := SymDenseConvert(u)
		if err != nil {
			continue
		}
		perComp[pi] = DmvnormMat(t.x, mean, sym, true)
	}
	w := Softmax(t.w)
	total := 0.0
	terms := make([]float64, len(t.u))
	for c := 0; c < n; c++ {
		for pi := range t.u {
			if perComp[pi] == nil {
				terms[pi] = math.Inf(-1)
				continue
			}
			terms[pi] = math.Log(w[pi]) + perComp[pi][c]
		}
		total += floats.LogSumExp(terms)
	}
	return total
}
