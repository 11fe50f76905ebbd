package mashr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// TestMVSERMixMomentsMatchMASH checks that the SER engine computes the same
// moments as PosteriorMASH on the same inputs (full covariance always on).
func TestMVSERMixMomentsMatchMASH(t *testing.T) {
	b := mat.NewDense(2, 3, []float64{
		1.0, -0.5, 0.0,
		0.3, 1.2, -0.7,
	})
	v := mat.NewDense(2, 2, []float64{1.0, 0.25, 0.25, 1.0})
	u := []*mat.Dense{SetIdentityMatrix(2), mat.NewDense(2, 2, []float64{2.0, 1.0, 1.0, 2.0})}
	weights := mat.NewDense(2, 3, []float64{
		0.4, 0.7, 1.0,
		0.6, 0.3, 0.0,
	})
	vw := OnesMatrix(2, 3)

	ser, err := NewMVSERMix(b, OnesMatrix(2, 3), nil, nil, v, u)
	require.NoError(t, err)
	sres, err := ser.ComputePosterior(weights, vw)
	require.NoError(t, err)

	mash, err := NewPosteriorMASH(b, OnesMatrix(2, 3), nil, nil, v, nil, nil, u)
	require.NoError(t, err)
	mres, err := mash.ComputePosterior(weights, ReportFullCov)
	require.NoError(t, err)

	assert.True(t, mat.EqualApprox(mres.PosteriorMean(), sres.PosteriorMean(), 1e-12))
	assert.True(t, mat.EqualApprox(mres.PosteriorSD(), sres.PosteriorSD(), 1e-12))
	assert.True(t, mat.EqualApprox(mres.NegativeProb(), sres.NegativeProb(), 1e-12))
	assert.True(t, mat.EqualApprox(mres.ZeroProb(), sres.ZeroProb(), 1e-12))
	for j := range mres.PosteriorCov() {
		assert.True(t, mat.EqualApprox(mres.PosteriorCov()[j], sres.PosteriorCov()[j], 1e-12))
	}
	assert.Nil(t, sres.PriorScalar(), "no Uinv injected, no EM update")
}

// TestPriorScalarClosedForm verifies the EM M-step on the decoupled
// fixture: with V=I, unit SE and U=I, effect j contributes
// mu2_j = I/2 + b_j b_j'/4, so with Uinv=I the update is
// sum_j vw_j * (1 + |b_j|^2/4) / R.
func TestPriorScalarClosedForm(t *testing.T) {
	b := mat.NewDense(2, 2, []float64{
		1.0, 2.0,
		0.0, -2.0,
	})
	u := []*mat.Dense{SetIdentityMatrix(2)}
	weights := OnesMatrix(1, 2)
	vw := mat.NewDense(1, 2, []float64{0.25, 0.75})

	ser, err := NewMVSERMix(b, OnesMatrix(2, 2), nil, nil, SetIdentityMatrix(2), u)
	require.NoError(t, err)
	require.NoError(t, ser.SetUinv([]*mat.Dense{SetIdentityMatrix(2)}))

	res, err := ser.ComputePosterior(weights, vw)
	require.NoError(t, err)
	require.Len(t, res.PriorScalar(), 1)

	// |b_0|^2 = 1, |b_1|^2 = 8
	want := (0.25*(1.0+1.0/4.0) + 0.75*(1.0+8.0/4.0)) / 2.0
	assert.InDelta(t, want, res.PriorScalar()[0], 1e-12)
}

// TestPriorScalarTraceIdentity pins the single-effect case to the exact
// trace formula: priorScalar = tr(mu2Cube)/R with Uinv = I.
func TestPriorScalarTraceIdentity(t *testing.T) {
	b := mat.NewDense(2, 1, []float64{1.0, 0.0})
	ser, err := NewMVSERMix(b, OnesMatrix(2, 1), nil, nil, SetIdentityMatrix(2),
		[]*mat.Dense{SetIdentityMatrix(2)})
	require.NoError(t, err)
	require.NoError(t, ser.SetUinv([]*mat.Dense{SetIdentityMatrix(2)}))

	res, err := ser.ComputePosterior(OnesMatrix(1, 1), OnesMatrix(1, 1))
	require.NoError(t, err)

	// mu2 = U1 + mu1*mu1' = [[3/4, 0], [0, 1/2]], trace 5/4, over R=2
	assert.InDelta(t, 0.625, res.PriorScalar()[0], 1e-12)
	// posterior covariance subtracts the mean outer product back off
	assert.InDelta(t, 0.5, res.PosteriorCov()[0].At(0, 0), 1e-12)
	assert.InDelta(t, 0.5, res.PosteriorCov()[0].At(1, 1), 1e-12)
}

// TestMVSERMixSharedMatchesGeneral verifies the shared-covariance path,
// including the prior-scalar accumulation, against the general path.
func TestMVSERMixSharedMatchesGeneral(t *testing.T) {
	b := mat.NewDense(2, 3, []float64{
		1.0, -0.5, 0.0,
		0.3, 1.2, -0.7,
	})
	v := mat.NewDense(2, 2, []float64{1.0, 0.25, 0.25, 1.0})
	u := []*mat.Dense{SetIdentityMatrix(2), mat.NewDense(2, 2, []float64{2.0, 0.0, 0.0, 1.0})}
	weights := mat.NewDense(2, 3, []float64{
		0.4, 0.7, 1.0,
		0.6, 0.3, 0.0,
	})
	vw := mat.NewDense(2, 3, []float64{
		0.2, 0.1, 0.3,
		0.1, 0.4, 0.2,
	})
	uinv := []*mat.Dense{SetIdentityMatrix(2), mat.NewDense(2, 2, []float64{0.5, 0.0, 0.0, 1.0})}

	ser, err := NewMVSERMix(b, OnesMatrix(2, 3), nil, nil, v, u)
	require.NoError(t, err)
	require.NoError(t, ser.SetUinv(uinv))

	general, err := ser.ComputePosterior(weights, vw)
	require.NoError(t, err)
	shared, err := ser.ComputePosteriorCommon(weights, vw)
	require.NoError(t, err)

	assert.True(t, mat.EqualApprox(general.PosteriorMean(), shared.PosteriorMean(), 1e-10))
	assert.True(t, mat.EqualApprox(general.PosteriorSD(), shared.PosteriorSD(), 1e-10))
	for j := range general.PosteriorCov() {
		assert.True(t, mat.EqualApprox(general.PosteriorCov()[j], shared.PosteriorCov()[j], 1e-10))
	}
	require.Len(t, shared.PriorScalar(), 2)
	for pi := range general.PriorScalar() {
		assert.InDelta(t, general.PriorScalar()[pi], shared.PriorScalar()[pi], 1e-10)
	}
}

// TestMVSERMixWorkersMergeReduction checks that the worker fan-out, whose
// prior-scalar cubes are reduced after the join, matches the serial run.
func TestMVSERMixWorkersMergeReduction(t *testing.T) {
	b := mat.NewDense(2, 5, []float64{
		1.0, -0.5, 0.0, 2.0, 0.7,
		0.3, 1.2, -0.7, 0.1, -1.4,
	})
	u := []*mat.Dense{SetIdentityMatrix(2)}
	weights := OnesMatrix(1, 5)
	vw := mat.NewDense(1, 5, []float64{0.1, 0.2, 0.3, 0.2, 0.2})

	ser, err := NewMVSERMix(b, OnesMatrix(2, 5), nil, nil, SetIdentityMatrix(2), u)
	require.NoError(t, err)
	require.NoError(t, ser.SetUinv([]*mat.Dense{SetIdentityMatrix(2)}))

	serial, err := ser.ComputePosterior(weights, vw)
	require.NoError(t, err)

	ser.Workers = 3
	parallel, err := ser.ComputePosterior(weights, vw)
	require.NoError(t, err)

	assert.True(t, mat.Equal(serial.PosteriorMean(), parallel.PosteriorMean()))
	for pi := range serial.PriorScalar() {
		assert.InDelta(t, serial.PriorScalar()[pi], parallel.PriorScalar()[pi], 1e-12)
	}
}

// TestMVSERMixShapeErrors checks the fail-fast contract on weights and
// cache cubes.
func TestMVSERMixShapeErrors(t *testing.T) {
	b := mat.NewDense(2, 1, []float64{1.0, 0.0})
	ser, err := NewMVSERMix(b, nil, nil, nil, SetIdentityMatrix(2),
		[]*mat.Dense{SetIdentityMatrix(2)})
	require.NoError(t, err)

	_, err = ser.ComputePosterior(OnesMatrix(2, 1), OnesMatrix(1, 1))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = ser.ComputePosterior(OnesMatrix(1, 1), OnesMatrix(1, 2))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	err = ser.SetUinv([]*mat.Dense{SetIdentityMatrix(2), SetIdentityMatrix(2)})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
