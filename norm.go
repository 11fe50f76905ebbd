package mashr

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	log2Pi        = 1.8378770664093453 // log(2*pi)
	logInvSqrt2Pi = -0.9189385332046727
)

// pointMassTol is the L1 radius within which an observation is treated as
// sitting on a point-mass (zero variance) distribution.
const pointMassTol = 1e-6

// Dnorm evaluates the univariate normal density elementwise. x, mean and
// sigma2 must have the same length; sigma2 entries are assumed positive.
func Dnorm(x, mean, sigma2 []float64, logd bool) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		d := x[i] - mean[i]
		out[i] = logInvSqrt2Pi - math.Log(math.Sqrt(sigma2[i])) - d*d/(2.0*sigma2[i])
		if !logd {
			out[i] = math.Exp(out[i])
		}
	}
	return out
}

// cholRooti factorizes sigma and returns the whitening matrix rooti with
// rooti^T * rooti = sigma^{-1}, so that z = rooti*(x-mean) is standard
// normal under sigma. The second return is false when sigma is numerically
// singular; callers then fall back to the point-mass limit.
func cholRooti(sigma *mat.SymDense) (*mat.Dense, bool) {
	var ch mat.Cholesky
	if ok := ch.Factorize(sigma); !ok {
		return nil, false
	}
	var u mat.TriDense
	ch.UTo(&u)
	var uinv mat.TriDense
	if err := uinv.InverseTri(&u); err != nil {
		return nil, false
	}
	n, _ := sigma.Dims()
	rooti := mat.NewDense(n, n, nil)
	rooti.Copy(uinv.T())
	return rooti, true
}

// Dmvnorm evaluates the multivariate normal (log-)density of a single
// vector. A singular sigma is treated as a point mass at mean.
func Dmvnorm(x, mean *mat.VecDense, sigma *mat.SymDense, logd bool) float64 {
	rooti, ok := cholRooti(sigma)
	if !ok {
		return pointMassDensity(l1Dist(x, mean), logd)
	}
	return DmvnormRooti(x, mean, rooti, logd)
}

// DmvnormRooti is Dmvnorm with the whitening matrix precomputed, for
// callers that amortize the factorization across repeated evaluations.
func DmvnormRooti(x, mean *mat.VecDense, rooti *mat.Dense, logd bool) float64 {
	n := x.Len()
	d := mat.NewVecDense(n, nil)
	d.SubVec(x, mean)
	z := mat.NewVecDense(n, nil)
	z.MulVec(rooti, d)
	out := -(float64(n)/2.0)*log2Pi - 0.5*mat.Dot(z, z) + logDiagSum(rooti)
	if !logd {
		out = math.Exp(out)
	}
	return out
}

// DmvnormMat evaluates the multivariate normal (log-)density of each column
// of x against a single covariance. A singular sigma is treated as a point
// mass at mean: columns within pointMassTol L1 distance of the mean get
// +Inf, all others 0 (or -Inf in log space).
func DmvnormMat(x *mat.Dense, mean *mat.VecDense, sigma *mat.SymDense, logd bool) []float64 {
	rooti, ok := cholRooti(sigma)
	if !ok {
		return pointMassMat(x, mean, logd)
	}
	return DmvnormMatRooti(x, mean, rooti, logd)
}

// DmvnormMatRooti is DmvnormMat with the whitening matrix precomputed.
func DmvnormMatRooti(x *mat.Dense, mean *mat.VecDense, rooti *mat.Dense, logd bool) []float64 {
	r, j := x.Dims()
	rootisum := logDiagSum(rooti)
	constants := -(float64(r) / 2.0) * log2Pi
	out := make([]float64, j)
	d := mat.NewVecDense(r, nil)
	z := mat.NewVecDense(r, nil)
	for c := 0; c < j; c++ {
		d.SubVec(x.ColView(c), mean)
		z.MulVec(rooti, d)
		out[c] = constants - 0.5*mat.Dot(z, z) + rootisum
		if !logd {
			out[c] = math.Exp(out[c])
		}
	}
	return out
}

// Pnorm evaluates the normal CDF elementwise via the complementary error
// function, for every combination of log and tail flags. sd entries of zero
// produce NaN; posterior code overwrites those rows with the degenerate
// convention before they are read.
func Pnorm(x, mean, sd []float64, logd, lowerTail bool) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		res := 0.5 * math.Erfc(-(x[i]-mean[i])/sd[i]*math.Sqrt2/2.0)
		switch {
		case lowerTail && !logd:
			out[i] = res
		case !lowerTail && !logd:
			out[i] = 1.0 - res
		case !lowerTail && logd:
			out[i] = math.Log(1.0 - res)
		default:
			out[i] = math.Log(res)
		}
	}
	return out
}

func pointMassDensity(l1 float64, logd bool) float64 {
	if l1 < pointMassTol {
		return math.Inf(1)
	}
	if logd {
		return math.Inf(-1)
	}
	return 0.0
}

func pointMassMat(x *mat.Dense, mean *mat.VecDense, logd bool) []float64 {
	r, j := x.Dims()
	out := make([]float64, j)
	for c := 0; c < j; c++ {
		l1 := 0.0
		for i := 0; i < r; i++ {
			l1 += math.Abs(x.At(i, c) - mean.AtVec(i))
		}
		out[c] = pointMassDensity(l1, logd)
	}
	return out
}

func l1Dist(x, mean *mat.VecDense) float64 {
	l1 := 0.0
	for i := 0; i < x.Len(); i++ {
		l1 += math.Abs(x.AtVec(i) - mean.AtVec(i))
	}
	return l1
}

func logDiagSum(m *mat.Dense) float64 {
	n, _ := m.Dims()
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += math.Log(m.At(i, i))
	}
	return sum
}
