package engine

import (
	"fmt"
	"sync"

	"tempest/internal/explore"
	"tempest/internal/model"
	"tempest/internal/replica"
	"tempest/internal/stats"
	"tempest/internal/swap"
	"tempest/internal/tempering"
)

// roundRunner holds one rank's per-round machinery: the current tempering
// snapshot, the swapper derived from it, and the explorer. Every rank
// evolves its runner identically because adaptation is a pure function of
// the allgathered recorder state.
type roundRunner struct {
	cfg      Config
	temper   tempering.Tempering
	target   tempering.LogPotential
	explorer explore.Explorer
	override swap.Swapper
	current  swap.Swapper
}

func newRoundRunner(cfg Config) (*roundRunner, error) {
	run := &roundRunner{cfg: cfg, override: cfg.Swapper}

	if cfg.Path != nil {
		fixedSchedule, err := initialSchedule(cfg.Chains, cfg.From, false)
		if err != nil {
			return nil, err
		}
		fixed, err := tempering.NewNonReversiblePT(cfg.Path, fixedSchedule)
		if err != nil {
			return nil, err
		}
		if cfg.ChainsVariational > 0 {
			component := cfg.Path.(tempering.ComponentPath)
			reference, target := component.Components()
			run.target = target
			varSchedule, err := initialSchedule(cfg.ChainsVariational, cfg.From, true)
			if err != nil {
				return nil, err
			}
			// The variational leg starts from the fixed reference and is
			// re-fit to target moments as they accumulate.
			leg, err := tempering.NewNonReversiblePT(tempering.LinearPath{Reference: reference, Target: target}, varSchedule)
			if err != nil {
				return nil, err
			}
			variational, err := tempering.NewVariationalPT(fixed, leg)
			if err != nil {
				return nil, err
			}
			run.temper = variational
		} else {
			run.temper = fixed
		}
	}

	run.explorer = cfg.Explorer
	if run.explorer == nil && cfg.Path != nil {
		if sampler, ok := cfg.Path.(tempering.AnnealedSampler); ok && cfg.ChainsVariational == 0 {
			run.explorer = explore.IID{Sampler: sampler, Beta: run.betaFor}
		} else {
			run.explorer = explore.RandomWalk{StepSize: 0.5, Sweeps: 4}
		}
	}

	run.rebuildSwapper()
	return run, nil
}

func initialSchedule(n int, from *model.Checkpoint, variational bool) (tempering.Schedule, error) {
	if from != nil {
		stored := from.Schedule
		if variational {
			stored = from.VariationalSchedule
		}
		if len(stored) != n {
			return nil, fmt.Errorf("checkpoint schedule has %d chains, want %d", len(stored), n)
		}
		return tempering.Schedule(append([]float64(nil), stored...)), nil
	}
	return tempering.EqualSchedule(n)
}

func (run *roundRunner) betaFor(chain int) float64 {
	switch t := run.temper.(type) {
	case *tempering.NonReversiblePT:
		return t.Schedule[chain-1]
	case *tempering.VariationalPT:
		return t.ConcatenatedSchedule()[chain-1]
	}
	return 0
}

func (run *roundRunner) rebuildSwapper() {
	if run.override != nil {
		run.current = run.override
		return
	}
	potentials := run.temper.LogPotentials()
	converted := make([]swap.Potential, len(potentials))
	for i, pot := range potentials {
		converted[i] = swap.Potential(pot)
	}
	run.current = swap.NewLogPotentialSwapper(converted)
}

func (run *roundRunner) swapper() swap.Swapper { return run.current }

func (run *roundRunner) graph(round int) swap.Graph {
	if run.temper != nil {
		return run.temper.SwapGraph(round)
	}
	if run.cfg.ChainsVariational > 0 {
		return swap.NewVariationalDEO(run.cfg.Chains, run.cfg.ChainsVariational, round)
	}
	return swap.NewDEO(run.cfg.Chains, round)
}

func (run *roundRunner) explorePhase(local []*replica.Replica, multithreaded bool) {
	if run.explorer == nil || run.temper == nil {
		return
	}
	potentials := run.temper.LogPotentials()
	exploreOne := func(r *replica.Replica) {
		run.explorer.Explore(r, potentials[r.Chain()-1])
	}

	if !multithreaded || len(local) < 2 {
		for _, r := range local {
			exploreOne(r)
		}
		return
	}

	jobs := make(chan *replica.Replica)
	var wg sync.WaitGroup
	workers := exploreWorkers(len(local))
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for r := range jobs {
				exploreOne(r)
			}
		}()
	}
	for _, r := range local {
		jobs <- r
	}
	close(jobs)
	wg.Wait()
}

// recordTargetStates feeds the variational reference fit with the states
// visiting the fixed-leg target chain.
func (run *roundRunner) recordTargetStates(local []*replica.Replica) {
	if run.cfg.ChainsVariational == 0 || run.temper == nil {
		return
	}
	targetChain := run.cfg.Chains
	for _, r := range local {
		if r.Chain() == targetChain {
			r.Recorder.RecordState(r.State)
		}
	}
}

func (run *roundRunner) adapt(merged *stats.Recorder) error {
	if run.temper == nil {
		return nil
	}
	rejections := merged.Rejections(run.temper.NChains())
	switch t := run.temper.(type) {
	case *tempering.NonReversiblePT:
		next, err := t.Adapt(rejections)
		if err != nil {
			return err
		}
		run.temper = next
	case *tempering.VariationalPT:
		current := t
		if moments := merged.TargetMoments(); moments.Count >= minMomentSamples && run.target != nil {
			mean, std := moments.MeanStd()
			learned := tempering.GaussianReference(mean, std)
			leg, err := tempering.NewNonReversiblePT(
				tempering.LinearPath{Reference: learned, Target: run.target}, t.Variational.Schedule)
			if err != nil {
				return err
			}
			current, err = tempering.NewVariationalPT(t.Fixed, leg)
			if err != nil {
				return err
			}
		}
		next, err := current.Adapt(rejections)
		if err != nil {
			return err
		}
		run.temper = next
	}
	run.rebuildSwapper()
	return nil
}

func (run *roundRunner) diagnostics(round int, merged *stats.Recorder) model.RoundDiagnostics {
	diag := model.RoundDiagnostics{Round: round, NaNStats: merged.NaNCount()}
	n := run.cfg.totalChains()
	acceptances := merged.Acceptances(n)
	if len(acceptances) > 0 {
		total := 0.0
		minAcc := acceptances[0]
		for _, a := range acceptances {
			total += a
			if a < minAcc {
				minAcc = a
			}
		}
		diag.MeanAcceptance = total / float64(len(acceptances))
		diag.MinAcceptance = minAcc
	}
	diag.GlobalBarrier, diag.GlobalBarrierVariational = run.barriers(merged)
	return diag
}

// barriers reports the leg barrier estimates from the cumulative recorder.
func (run *roundRunner) barriers(merged *stats.Recorder) (fixed, variational float64) {
	total := run.cfg.totalChains()
	rejections := merged.Rejections(total)
	if run.cfg.ChainsVariational == 0 {
		return sum(rejections), 0
	}
	nf := run.cfg.Chains
	fixedPart := sum(rejections[:nf-1])
	variationalPart := sum(rejections[nf:])
	return fixedPart, variationalPart
}

func (run *roundRunner) schedules() (fixed, variational []float64) {
	switch t := run.temper.(type) {
	case *tempering.NonReversiblePT:
		return append([]float64(nil), t.Schedule...), nil
	case *tempering.VariationalPT:
		return append([]float64(nil), t.Fixed.Schedule...),
			append([]float64(nil), t.Variational.Schedule...)
	}
	return nil, nil
}

func sum(xs []float64) float64 {
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total
}
