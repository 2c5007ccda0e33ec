package qmc

import "math"

// ExtFloat is a floating-point scalar with an explicit integer exponent,
// carrying values far outside the float64 range. Trace values are products of
// hundreds of interval propagators and routinely pass 10^±1000, so every trace
// quantity in the sampler is an ExtFloat and only ratios are ever collapsed
// back to float64.
//
// Invariant: either the value is exactly zero (mantissa 0, exponent 0) or the
// mantissa is normalized to 0.5 <= |m| < 1 and the value is m * 2^exp.
type ExtFloat struct {
	m   float64
	exp int
}

// NewExtFloat builds a normalized ExtFloat from a plain float64.
func NewExtFloat(x float64) ExtFloat {
	if x == 0 {
		return ExtFloat{}
	}
	m, e := math.Frexp(x)
	return ExtFloat{m: m, exp: e}
}

// ExtFloatFromLog builds an ExtFloat from log|x| and a sign (-1, 0 or +1).
// Used to ingest determinants reported as (logDet, sign) by LU factorizations.
func ExtFloatFromLog(logAbs float64, sign float64) ExtFloat {
	if sign == 0 {
		return ExtFloat{}
	}
	// log2|x| split into integer exponent and residual mantissa
	log2 := logAbs / math.Ln2
	e := int(math.Floor(log2))
	m := math.Exp2(log2 - float64(e))
	if sign < 0 {
		m = -m
	}
	ef := ExtFloat{m: m, exp: e}
	ef.normalize()
	return ef
}

func (x *ExtFloat) normalize() {
	if x.m == 0 {
		x.exp = 0
		return
	}
	m, e := math.Frexp(x.m)
	x.m = m
	x.exp += e
}

// IsZero reports whether the value is exactly zero.
func (x ExtFloat) IsZero() bool { return x.m == 0 }

// IsNaN reports whether the mantissa is NaN.
func (x ExtFloat) IsNaN() bool { return math.IsNaN(x.m) }

// Sign returns -1, 0 or +1.
func (x ExtFloat) Sign() float64 {
	switch {
	case x.m > 0:
		return 1
	case x.m < 0:
		return -1
	default:
		return 0
	}
}

// Abs returns |x|.
func (x ExtFloat) Abs() ExtFloat {
	x.m = math.Abs(x.m)
	return x
}

// Neg returns -x.
func (x ExtFloat) Neg() ExtFloat {
	x.m = -x.m
	return x
}

// Mul returns x*y.
func (x ExtFloat) Mul(y ExtFloat) ExtFloat {
	if x.m == 0 || y.m == 0 {
		return ExtFloat{}
	}
	r := ExtFloat{m: x.m * y.m, exp: x.exp + y.exp}
	r.normalize()
	return r
}

// MulFloat returns x*f.
func (x ExtFloat) MulFloat(f float64) ExtFloat {
	return x.Mul(NewExtFloat(f))
}

// Div returns x/y. Division by zero yields a NaN mantissa, which callers treat
// as an automatic rejection.
func (x ExtFloat) Div(y ExtFloat) ExtFloat {
	if y.m == 0 {
		return ExtFloat{m: math.NaN()}
	}
	if x.m == 0 {
		return ExtFloat{}
	}
	r := ExtFloat{m: x.m / y.m, exp: x.exp - y.exp}
	r.normalize()
	return r
}

// CmpAbs compares |x| and |y|: -1 if |x|<|y|, 0 if equal, +1 if |x|>|y|.
func (x ExtFloat) CmpAbs(y ExtFloat) int {
	ax, ay := math.Abs(x.m), math.Abs(y.m)
	switch {
	case x.m == 0 && y.m == 0:
		return 0
	case x.m == 0:
		return -1
	case y.m == 0:
		return 1
	}
	if x.exp != y.exp {
		if x.exp < y.exp {
			return -1
		}
		return 1
	}
	switch {
	case ax < ay:
		return -1
	case ax > ay:
		return 1
	default:
		return 0
	}
}

// Float64 collapses to a plain float64. Overflows to ±Inf and underflows to 0;
// safe only for quantities known to be of order one (ratios, signs).
func (x ExtFloat) Float64() float64 {
	return math.Ldexp(x.m, x.exp)
}

// Log returns log|x|. Log of zero is -Inf.
func (x ExtFloat) Log() float64 {
	if x.m == 0 {
		return math.Inf(-1)
	}
	return math.Log(math.Abs(x.m)) + float64(x.exp)*math.Ln2
}

// RelDiff returns |x-y| / max(|x|,|y|), computed without leaving the extended
// range. Used by the self-check to compare incremental against from-scratch
// values. Returns 0 when both are zero.
func (x ExtFloat) RelDiff(y ExtFloat) float64 {
	if x.m == 0 && y.m == 0 {
		return 0
	}
	big := x.Abs()
	if big.CmpAbs(y) < 0 {
		big = y.Abs()
	}
	// (x-y)/big with both scaled into float64 range by big's exponent
	dx := math.Ldexp(x.m, x.exp-big.exp)
	dy := math.Ldexp(y.m, y.exp-big.exp)
	return math.Abs(dx-dy) / math.Abs(big.m)
}
