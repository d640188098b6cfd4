// Package percentile converts ability estimates into population percentiles.
//
// Two conversions live side by side. ToPercentile is the one in use; it maps
// theta through the standard normal CDF. LegacyExponentialPercentile is the
// exponential approximation that earlier releases shipped. It skews every
// non-zero theta towards the median and is kept only so the regression tests
// can keep comparing the two.
package percentile

import "math"

// Bounds applied to theta before conversion.
const (
	MinTheta = -3.0
	MaxTheta = 3.0
)

// Abramowitz & Stegun 26.2.17 coefficients (|error| < 7.5e-8).
const (
	asP  = 0.2316419
	asB1 = 0.319381530
	asB2 = -0.356563782
	asB3 = 1.781477937
	asB4 = -1.821255978
	asB5 = 1.330274429
)

var invSqrt2Pi = 1 / math.Sqrt(2*math.Pi) //nolint:gochecknoglobals // constant folded at init

// NormalCDF returns P(Z <= x) for a standard normal Z.
func NormalCDF(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	if x < 0 {
		return 1 - NormalCDF(-x)
	}
	t := 1 / (1 + asP*x)
	poly := t * (asB1 + t*(asB2+t*(asB3+t*(asB4+t*asB5))))
	pdf := invSqrt2Pi * math.Exp(-0.5*x*x)
	return 1 - pdf*poly
}

// ToPercentile maps theta to a percentile in [0,100], rounded to two decimals.
// Theta is clamped to [-3,3] first. NaN in gives NaN out.
func ToPercentile(theta float64) float64 {
	return Round2(NormalCDF(clamp(theta)) * 100)
}

// LegacyExponentialPercentile is the superseded conversion
// 50 + 50·(1-exp(-0.5·z²))·sign(z). Do not use it for new results.
func LegacyExponentialPercentile(z float64) float64 {
	if math.IsNaN(z) {
		return math.NaN()
	}
	z = clamp(z)
	sign := 0.0
	switch {
	case z > 0:
		sign = 1
	case z < 0:
		sign = -1
	}
	return Round2(50 + 50*(1-math.Exp(-0.5*z*z))*sign)
}

// Round2 rounds half away from zero to two decimal places.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func clamp(theta float64) float64 {
	if theta < MinTheta {
		return MinTheta
	}
	if theta > MaxTheta {
		return MaxTheta
	}
	return theta
}
