package constraints

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

// tailSwitch is the standardized bound past which inverse-CDF sampling loses
// precision and the exponential proposal takes over.
const tailSwitch = 8.0

// TruncatedNormal draws from N(mean, sd^2) restricted to [lo, hi].
// Either bound may be infinite.
func TruncatedNormal(rng *rand.Rand, mean, sd, lo, hi float64) float64 {
	a := (lo - mean) / sd
	b := (hi - mean) / sd
	return mean + sd*standardTruncated(rng, a, b)
}

func standardTruncated(rng *rand.Rand, a, b float64) float64 {
	if a >= b {
		return a
	}
	switch {
	case a > tailSwitch:
		return tailDraw(rng, a, b)
	case b < -tailSwitch:
		return -tailDraw(rng, -b, -a)
	case a > 0:
		// upper tail: work with survival probabilities
		sa := distuv.UnitNormal.Survival(a)
		sb := distuv.UnitNormal.Survival(b)
		u := rng.Float64()
		q := sa - u*(sa-sb)
		return clamp(-distuv.UnitNormal.Quantile(q), a, b)
	default:
		fa := distuv.UnitNormal.CDF(a)
		fb := distuv.UnitNormal.CDF(b)
		u := rng.Float64()
		q := fa + u*(fb-fa)
		return clamp(distuv.UnitNormal.Quantile(q), a, b)
	}
}

// tailDraw samples the standard normal on [a, b] with a > 0 large using an
// exponential proposal shifted to a.
func tailDraw(rng *rand.Rand, a, b float64) float64 {
	rate := (a + math.Sqrt(a*a+4)) / 2
	for i := 0; i < 1000; i++ {
		z := a + rng.ExpFloat64()/rate
		if z > b {
			continue
		}
		if rng.Float64() <= math.Exp(-(z-rate)*(z-rate)/2) {
			return z
		}
	}
	return a
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
