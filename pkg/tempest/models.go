package tempest

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"tempest/internal/explore"
	"tempest/internal/tempering"
)

// modelSpec binds a named model to its path, explorer, and starting state.
type modelSpec struct {
	name         string
	path         tempering.Path
	explorer     explore.Explorer
	initialState func(chain int) []float64
}

func modelFor(name string) (modelSpec, error) {
	switch name {
	case "", "gaussian-pair":
		// Normal(-3,1) reference against a Normal(3,1) target. Every
		// annealed distribution is Gaussian, so in runs without a
		// variational leg the default explorer draws exact samples; with a
		// variational leg the engine falls back to a random walk.
		return modelSpec{
			name:         "gaussian-pair",
			path:         tempering.GaussianPath{RefMu: -3, RefSigma: 1, TargetMu: 3, TargetSigma: 1},
			initialState: func(int) []float64 { return []float64{-3} },
		}, nil
	case "unidentifiable-product":
		return modelSpec{
			name:         "unidentifiable-product",
			path:         unidentifiableProductPath(100, 50),
			explorer:     explore.RandomWalk{StepSize: 0.15, Sweeps: 8},
			initialState: func(int) []float64 { return []float64{0.5, 0.5} },
		}, nil
	default:
		return modelSpec{}, fmt.Errorf("unsupported model: %s", name)
	}
}

// unidentifiableProductPath anneals from the uniform prior on [0,1]^2 to
// the posterior of y ~ Binomial(trials, p1*p2). Only the product p1*p2 is
// identified, which makes the posterior ridge-shaped and the tempering
// barrier nontrivial.
func unidentifiableProductPath(trials, successes int) tempering.Path {
	prior := func(x []float64) float64 {
		if x[0] < 0 || x[0] > 1 || x[1] < 0 || x[1] > 1 {
			return math.Inf(-1)
		}
		return 0
	}
	posterior := func(x []float64) float64 {
		if x[0] < 0 || x[0] > 1 || x[1] < 0 || x[1] > 1 {
			return math.Inf(-1)
		}
		likelihood := distuv.Binomial{N: float64(trials), P: x[0] * x[1]}
		return likelihood.LogProb(float64(successes))
	}
	return tempering.LinearPath{Reference: prior, Target: posterior}
}
