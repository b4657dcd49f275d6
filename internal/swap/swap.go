package swap

import (
	"errors"
	"fmt"

	"tempest/internal/comm"
	"tempest/internal/replica"
)

var (
	ErrInvolutionViolation  = errors.New("swap graph is not an involution")
	ErrDecisionDisagreement = errors.New("swap decision disagreement between partners")
)

// Round executes one distributed swap round. The only blocking points are
// the three collectives: the mapping lookup, the statistic exchange, and
// the mapping rewrite. No replica state crosses the wire, only chain
// indices and sufficient statistics.
func Round(sw Swapper, reps *replica.Entangled, g Graph) error {
	local := reps.Local()

	// Resolve each local replica's partner chain and assert the involution.
	partners := make([]int, len(local))
	for i, r := range local {
		partner := g.Partner(r.Chain())
		if back := g.Partner(partner); back != r.Chain() {
			return fmt.Errorf("%w: chain %d -> %d -> %d", ErrInvolutionViolation, r.Chain(), partner, back)
		}
		partners[i] = partner
	}

	// Translate partner chains to the global slots of the replicas
	// currently holding them.
	indices := make([]int, len(local))
	for i, partner := range partners {
		indices[i] = partner - 1
	}
	partnerSlots, err := reps.ChainToSlot().PermutedGet(indices)
	if err != nil {
		return fmt.Errorf("resolve partner replicas: %w", err)
	}

	// Every local statistic is computed before any swap applies.
	myStats := make([]Stat, len(local))
	for i, r := range local {
		myStats[i] = sw.Stat(r, partners[i])
	}

	partnerStats, err := comm.Transmit[Stat](reps.Entangler(), StatCodec{}, myStats, partnerSlots)
	if err != nil {
		return fmt.Errorf("exchange swap statistics: %w", err)
	}

	for i, r := range local {
		if err := applySwap(sw, r, myStats[i], partnerStats[i], partners[i]); err != nil {
			return err
		}
	}

	// Rebuild the chain→replica mapping in one collective. A key set that
	// is not a permutation fails here, which doubles as the post-round
	// permutation assertion.
	keys := make([]int, len(local))
	values := make([]int, len(local))
	for i, r := range local {
		keys[i] = r.Chain() - 1
		values[i] = reps.GlobalSlot(i)
	}
	if err := reps.ChainToSlot().PermutedSet(keys, values); err != nil {
		return fmt.Errorf("rewrite chain mapping after swap: %w", err)
	}
	return nil
}

// RoundLocal is the single-process fast path: the three collectives
// collapse into direct array access, and the store is re-sorted in place
// so replicas[i].Chain() == i+1 is restored.
func RoundLocal(sw Swapper, store *replica.Store, g Graph) error {
	n := store.Len()

	partners := make([]int, n+1)
	statsByChain := make([]Stat, n+1)
	for chain := 1; chain <= n; chain++ {
		partner := g.Partner(chain)
		if back := g.Partner(partner); back != chain {
			return fmt.Errorf("%w: chain %d -> %d -> %d", ErrInvolutionViolation, chain, partner, back)
		}
		partners[chain] = partner
		statsByChain[chain] = sw.Stat(store.At(chain-1), partner)
	}

	for chain := 1; chain <= n; chain++ {
		r := store.At(chain - 1)
		if err := applySwap(sw, r, statsByChain[chain], statsByChain[partners[chain]], partners[chain]); err != nil {
			return err
		}
	}

	store.Sort()
	return nil
}

// applySwap is one endpoint's half of a pair swap: assert both sides reach
// the same boolean, record on the lower-chain side only, and take the
// partner's chain on acceptance.
func applySwap(sw Swapper, r *replica.Replica, mine, theirs Stat, partnerChain int) error {
	chain := r.Chain()
	if partnerChain == chain {
		return nil
	}
	accepted := sw.Decision(chain, mine, partnerChain, theirs)
	if mirrored := sw.Decision(partnerChain, theirs, chain, mine); mirrored != accepted {
		return fmt.Errorf("%w: chains %d and %d", ErrDecisionDisagreement, chain, partnerChain)
	}
	if chain < partnerChain {
		sw.RecordStats(r.Recorder, chain, mine, partnerChain, theirs)
	}
	if accepted {
		r.SetChain(partnerChain)
	}
	return nil
}
