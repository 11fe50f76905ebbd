package mashr

import "errors"

var (
	// ErrShapeMismatch reports input matrices whose dimensions are
	// inconsistent with the engine's R, J or P.
	ErrShapeMismatch = errors.New("mashr: dimensions inconsistent with engine")

	// ErrSingular reports a residual covariance that could not be
	// inverted. Singular prior components are not errors; they are
	// handled as point masses.
	ErrSingular = errors.New("mashr: residual covariance is singular")
)
