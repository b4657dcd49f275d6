package explore

import (
	"math"

	"tempest/internal/replica"
	"tempest/internal/tempering"
)

// Explorer advances a replica's state against its chain's annealed log
// potential between swap rounds. Implementations draw randomness only from
// the replica's own RNG.
type Explorer interface {
	Name() string
	Explore(r *replica.Replica, pot tempering.LogPotential)
}

// RandomWalk is Gaussian-proposal Metropolis. Each call performs a fixed
// number of sweeps, so the per-replica draw count is the same on every
// invocation.
type RandomWalk struct {
	StepSize float64
	Sweeps   int
}

func (e RandomWalk) Name() string { return "random-walk" }

func (e RandomWalk) Explore(r *replica.Replica, pot tempering.LogPotential) {
	step := e.StepSize
	if step <= 0 {
		step = 0.5
	}
	sweeps := e.Sweeps
	if sweeps <= 0 {
		sweeps = 1
	}
	rng := r.RNG()
	proposal := make([]float64, len(r.State))
	current := pot(r.State)
	for s := 0; s < sweeps; s++ {
		for i, v := range r.State {
			proposal[i] = v + step*rng.NormFloat64()
		}
		proposed := pot(proposal)
		if math.Log(rng.Float64()) < proposed-current {
			copy(r.State, proposal)
			current = proposed
		}
	}
}

// IID draws an exact sample from the annealed distribution. Beta resolves
// the replica's current chain against the live schedule, so adaptation is
// picked up each round.
type IID struct {
	Sampler tempering.AnnealedSampler
	Beta    func(chain int) float64
}

func (e IID) Name() string { return "iid" }

func (e IID) Explore(r *replica.Replica, _ tempering.LogPotential) {
	sample := e.Sampler.SampleAnnealed(e.Beta(r.Chain()), r.Source())
	if len(r.State) != len(sample) {
		r.State = make([]float64, len(sample))
	}
	copy(r.State, sample)
}
