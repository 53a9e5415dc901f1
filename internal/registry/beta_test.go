package registry

import (
	"math/rand"
	"testing"
)

func TestSampleBeta_Range(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	cases := []struct{ alpha, beta float64 }{
		{1, 1}, {2, 5}, {50, 2}, {1, 100}, {0.5, 0.5},
	}
	for _, c := range cases {
		for i := 0; i < 500; i++ {
			s := sampleBeta(c.alpha, c.beta, rng.Float64, rng.NormFloat64)
			if s < 0 || s > 1 {
				t.Fatalf("Beta(%f,%f) sample out of range: %f", c.alpha, c.beta, s)
			}
		}
	}
}

func TestSampleBeta_MeanApproximation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	// Beta(8,2) has mean 0.8; with 5000 draws the sample mean should land
	// well within 0.05 of it.
	const n = 5000
	var sum float64
	for i := 0; i < n; i++ {
		sum += sampleBeta(8, 2, rng.Float64, rng.NormFloat64)
	}
	mean := sum / n
	if mean < 0.75 || mean > 0.85 {
		t.Errorf("Beta(8,2) sample mean = %f, want ~0.8", mean)
	}
}

func TestSampleGamma_Positive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for _, shape := range []float64{0.5, 1, 2, 10, 100} {
		for i := 0; i < 200; i++ {
			g := sampleGamma(shape, rng.Float64, rng.NormFloat64)
			if g < 0 {
				t.Fatalf("Gamma(%f) produced negative sample %f", shape, g)
			}
		}
	}
}
