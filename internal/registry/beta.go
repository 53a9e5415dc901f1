package registry

import "math"

// sampleBeta draws one sample from Beta(alpha, beta) as the ratio of two
// gamma draws. rngFloat and rngNorm supply uniform and standard-normal
// variates so tests can pin the stream.
func sampleBeta(alpha, beta float64, rngFloat func() float64, rngNorm func() float64) float64 {
	x := sampleGamma(alpha, rngFloat, rngNorm)
	y := sampleGamma(beta, rngFloat, rngNorm)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using the Marsaglia-Tsang
// squeeze method. Shapes below 1 use the boosting identity
// Gamma(a) = Gamma(a+1) * U^(1/a).
func sampleGamma(shape float64, rngFloat func() float64, rngNorm func() float64) float64 {
	if shape < 1 {
		u := rngFloat()
		return sampleGamma(shape+1, rngFloat, rngNorm) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)

	for {
		var x, v float64
		for {
			x = rngNorm()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rngFloat()

		if u < 1.0-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}
