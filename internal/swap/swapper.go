package swap

import (
	"math"

	"tempest/internal/comm"
	"tempest/internal/replica"
	"tempest/internal/stats"
)

// Stat is the sufficient statistic exchanged between swap partners: the
// minimal payload from which both sides reach the same accept decision.
type Stat struct {
	LogRatio float64
	Uniform  float64
}

// StatCodec frames a Stat as two f64s on the wire.
type StatCodec struct{}

func (StatCodec) Size() int { return comm.Float64PairCodec{}.Size() }
func (StatCodec) Encode(dst []byte, v Stat) {
	comm.Float64PairCodec{}.Encode(dst, [2]float64{v.LogRatio, v.Uniform})
}
func (StatCodec) Decode(src []byte) Stat {
	pair := comm.Float64PairCodec{}.Decode(src)
	return Stat{LogRatio: pair[0], Uniform: pair[1]}
}

// Swapper computes sufficient statistics, makes the deterministic
// symmetric accept decision, and records pair statistics.
type Swapper interface {
	// Stat is called exactly once per replica per round, drawing one
	// uniform variate from the replica's own RNG.
	Stat(r *replica.Replica, partnerChain int) Stat
	// Decision must be a pure function of its arguments and symmetric
	// under exchanging the two (chain, stat) pairs.
	Decision(chain1 int, stat1 Stat, chain2 int, stat2 Stat) bool
	// RecordStats runs only on the side where the replica's chain is the
	// lower of the pair, so each unordered pair is recorded once per round.
	RecordStats(rec *stats.Recorder, chain1 int, stat1 Stat, chain2 int, stat2 Stat)
}

// Potential evaluates one chain's annealed log density at a state.
type Potential func(x []float64) float64

// LogPotentialSwapper is the default swapper: the log ratio is the
// partner chain's log potential minus the replica's own, both evaluated at
// the replica's own state. Summing the two sides' ratios yields the usual
// tempered swap acceptance.
type LogPotentialSwapper struct {
	Potentials []Potential // indexed by chain-1
}

func NewLogPotentialSwapper(potentials []Potential) *LogPotentialSwapper {
	return &LogPotentialSwapper{Potentials: potentials}
}

func (s *LogPotentialSwapper) Stat(r *replica.Replica, partnerChain int) Stat {
	u := r.RNG().Float64()
	if partnerChain == r.Chain() {
		return Stat{Uniform: u}
	}
	mine := s.Potentials[r.Chain()-1](r.State)
	theirs := s.Potentials[partnerChain-1](r.State)
	return Stat{LogRatio: theirs - mine, Uniform: u}
}

func (s *LogPotentialSwapper) Decision(chain1 int, stat1 Stat, chain2 int, stat2 Stat) bool {
	return decide(chain1, stat1, chain2, stat2)
}

func (s *LogPotentialSwapper) RecordStats(rec *stats.Recorder, chain1 int, stat1 Stat, chain2 int, stat2 Stat) {
	recordSwapStats(rec, chain1, stat1, chain2, stat2)
}

// TestSwapper accepts every proposed swap with fixed probability Pr,
// splitting log Pr evenly across the two sides. It exercises the swap
// protocol without any target distribution.
type TestSwapper struct {
	Pr float64
}

func (s TestSwapper) Stat(r *replica.Replica, partnerChain int) Stat {
	return Stat{LogRatio: math.Log(s.Pr) / 2, Uniform: r.RNG().Float64()}
}

func (s TestSwapper) Decision(chain1 int, stat1 Stat, chain2 int, stat2 Stat) bool {
	return decide(chain1, stat1, chain2, stat2)
}

func (s TestSwapper) RecordStats(rec *stats.Recorder, chain1 int, stat1 Stat, chain2 int, stat2 Stat) {
	recordSwapStats(rec, chain1, stat1, chain2, stat2)
}

// acceptance is min(1, exp(w)); a NaN ratio degenerates to rejection.
func acceptance(w float64) float64 {
	if math.IsNaN(w) {
		return 0
	}
	return math.Min(1, math.Exp(w))
}

// decide compares the acceptance probability against one uniform variate.
// The lower chain's variate is authoritative: the tie-break lets both
// processes agree without further communication.
func decide(chain1 int, stat1 Stat, chain2 int, stat2 Stat) bool {
	u := stat1.Uniform
	if chain2 < chain1 {
		u = stat2.Uniform
	}
	return u < acceptance(stat1.LogRatio+stat2.LogRatio)
}

func recordSwapStats(rec *stats.Recorder, chain1 int, stat1 Stat, chain2 int, stat2 Stat) {
	lower := chain1
	if chain2 < lower {
		lower = chain2
	}
	w := stat1.LogRatio + stat2.LogRatio
	if math.IsNaN(w) {
		rec.RecordNaN()
		rec.RecordSwap(lower, 0)
		return
	}
	rec.RecordSwap(lower, acceptance(w))
}
