package measure

import "math"

// legendreAll evaluates the Legendre polynomials P_0(x) .. P_{lmax-1}(x) by
// the Bonnet recurrence. x must lie in [-1, 1].
func legendreAll(x float64, lmax int) []float64 {
	p := make([]float64, lmax)
	if lmax == 0 {
		return p
	}
	p[0] = 1
	if lmax > 1 {
		p[1] = x
	}
	for l := 2; l < lmax; l++ {
		fl := float64(l)
		p[l] = ((2*fl-1)*x*p[l-1] - (fl-1)*p[l-2]) / fl
	}
	return p
}

// legendreWeight is the sqrt(2l+1) normalization of the l-th coefficient.
func legendreWeight(l int) float64 {
	return math.Sqrt(float64(2*l + 1))
}
