package tempering

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// LogPotential evaluates an annealed log density at a state.
type LogPotential func(x []float64) float64

// Path is an interpolating family between a reference and a target
// distribution, indexed by an annealing parameter in [0,1].
type Path interface {
	Interpolate(beta float64) LogPotential
}

// AnnealedSampler is implemented by paths that can draw exact samples at
// any point along the schedule.
type AnnealedSampler interface {
	SampleAnnealed(beta float64, src rand.Source) []float64
}

// ComponentPath exposes a path's endpoints for building derived legs.
type ComponentPath interface {
	Path
	Components() (reference, target LogPotential)
}

// LinearPath anneals linearly between two log densities:
// (1-beta)·reference + beta·target.
type LinearPath struct {
	Reference LogPotential
	Target    LogPotential
}

func (p LinearPath) Interpolate(beta float64) LogPotential {
	ref, target := p.Reference, p.Target
	switch beta {
	case 0:
		return ref
	case 1:
		return target
	}
	return func(x []float64) float64 {
		return (1-beta)*ref(x) + beta*target(x)
	}
}

func (p LinearPath) Components() (LogPotential, LogPotential) {
	return p.Reference, p.Target
}

// GaussianPath is the linear path between two univariate Gaussians. Every
// intermediate distribution is itself Gaussian, so the path supports exact
// annealed sampling.
type GaussianPath struct {
	RefMu, RefSigma       float64
	TargetMu, TargetSigma float64
}

func (g GaussianPath) reference() distuv.Normal {
	return distuv.Normal{Mu: g.RefMu, Sigma: g.RefSigma}
}

func (g GaussianPath) target() distuv.Normal {
	return distuv.Normal{Mu: g.TargetMu, Sigma: g.TargetSigma}
}

func (g GaussianPath) annealed(beta float64) distuv.Normal {
	refPrec := (1 - beta) / (g.RefSigma * g.RefSigma)
	targetPrec := beta / (g.TargetSigma * g.TargetSigma)
	prec := refPrec + targetPrec
	mu := (refPrec*g.RefMu + targetPrec*g.TargetMu) / prec
	return distuv.Normal{Mu: mu, Sigma: 1 / math.Sqrt(prec)}
}

func (g GaussianPath) Interpolate(beta float64) LogPotential {
	ref, target := g.reference(), g.target()
	return func(x []float64) float64 {
		return (1-beta)*ref.LogProb(x[0]) + beta*target.LogProb(x[0])
	}
}

func (g GaussianPath) Components() (LogPotential, LogPotential) {
	ref, target := g.reference(), g.target()
	return func(x []float64) float64 { return ref.LogProb(x[0]) },
		func(x []float64) float64 { return target.LogProb(x[0]) }
}

func (g GaussianPath) SampleAnnealed(beta float64, src rand.Source) []float64 {
	d := g.annealed(beta)
	d.Src = src
	return []float64{d.Rand()}
}

// GaussianReference is a diagonal Gaussian log density, used as the
// learned reference of a variational leg.
func GaussianReference(mean, std []float64) LogPotential {
	dists := make([]distuv.Normal, len(mean))
	for i := range mean {
		sigma := std[i]
		if sigma <= 0 {
			sigma = 1
		}
		dists[i] = distuv.Normal{Mu: mean[i], Sigma: sigma}
	}
	return func(x []float64) float64 {
		total := 0.0
		for i := range dists {
			total += dists[i].LogProb(x[i])
		}
		return total
	}
}
