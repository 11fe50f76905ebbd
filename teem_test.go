package mashr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// TestTEEMFitContract checks the external contract: traces sized to
// maxIter, weights normalized, covariances passed through the shrink hook.
func TestTEEMFitContract(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{
		1.0, -0.5, 0.0,
		0.3, 1.2, -0.7,
	})
	u := []*mat.Dense{SetIdentityMatrix(2), mat.NewDense(2, 2, []float64{2.0, 0.5, 0.5, 1.0})}
	teem, err := NewTEEM(x, []float64{0.0, 0.0}, u)
	require.NoError(t, err)

	require.NoError(t, teem.Fit(5, 1e-6, false))

	assert.Len(t, teem.Objective(), 5)
	assert.Len(t, teem.Maxd(), 5)

	w := teem.Weights()
	require.Len(t, w, 2)
	assert.InDelta(t, 1.0, w[0]+w[1], 1e-12, "weights must be softmax-normalized")
	assert.InDelta(t, 0.5, w[0], 1e-12, "equal logits give equal weights")

	// shrink is currently a pass-through
	for i := range u {
		assert.True(t, mat.Equal(u[i], teem.Covariances()[i]))
	}
}

// TestTEEMObjectiveBookkeeping checks the recorded log-likelihood against a
// direct single-component computation.
func TestTEEMObjectiveBookkeeping(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{
		0.5, -1.0,
		1.5, 0.25,
	})
	teem, err := NewTEEM(x, []float64{0.0}, []*mat.Dense{SetIdentityMatrix(2)})
	require.NoError(t, err)
	require.NoError(t, teem.Fit(1, 1e-6, false))

	sym, err := SymDenseConvert(SetIdentityMatrix(2))
	require.NoError(t, err)
	ll := DmvnormMat(x, mat.NewVecDense(2, nil), sym, true)
	want := ll[0] + ll[1]
	assert.InDelta(t, want, teem.Objective()[0], 1e-12)
	assert.False(t, math.IsNaN(teem.Objective()[0]))
}

// TestTEEMShapeErrors checks the constructor and Fit contracts.
func TestTEEMShapeErrors(t *testing.T) {
	x := mat.NewDense(2, 1, []float64{1.0, 0.0})

	_, err := NewTEEM(x, []float64{1.0, 2.0}, []*mat.Dense{SetIdentityMatrix(2)})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewTEEM(x, []float64{1.0}, []*mat.Dense{SetIdentityMatrix(3)})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	teem, err := NewTEEM(x, []float64{1.0}, []*mat.Dense{SetIdentityMatrix(2)})
	require.NoError(t, err)
	assert.Error(t, teem.Fit(0, 1e-6, false))
}
