package mashr

import "gonum.org/v1/gonum/mat"

// SE holds the per-effect, per-condition standard errors of an engine. Two
// channels can diverge: the "original" errors build the likelihood
// covariance, while the alpha channel rescales posterior outputs. The split
// is what lets effects be reported on a standardized scale while the
// covariance is built on the raw one.
type SE struct {
	s      *mat.Dense
	sOrig  *mat.Dense
	sAlpha *mat.Dense
}

// Set will store the standard errors and the alpha rescaling channel. A nil
// sAlpha defaults to all ones (no rescaling).
func (se *SE) Set(s, sAlpha *mat.Dense) {
	se.s = s
	if sAlpha == nil {
		r, c := s.Dims()
		se.sAlpha = OnesMatrix(r, c)
	} else {
		se.sAlpha = sAlpha
	}
}

// SetOnes will fill both channels with ones, for engines constructed
// without standard errors.
func (se *SE) SetOnes(r, j int) {
	se.s = OnesMatrix(r, j)
	se.sAlpha = OnesMatrix(r, j)
}

// SetOriginal will store the standard errors used for covariance
// construction when they differ from the stored s. A nil value leaves the
// override unset.
func (se *SE) SetOriginal(value *mat.Dense) {
	se.sOrig = value
}

// Get returns the rescaling (alpha) channel.
func (se *SE) Get() *mat.Dense {
	return se.sAlpha
}

// GetOriginal returns the covariance-construction channel: the original
// override if one was set, otherwise s.
func (se *SE) GetOriginal() *mat.Dense {
	if se.sOrig == nil {
		return se.s
	}
	return se.sOrig
}
