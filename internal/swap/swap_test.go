package swap

import (
	"errors"
	"sync"
	"testing"

	"tempest/internal/comm"
	"tempest/internal/replica"
	"tempest/internal/stats"
)

func runGroup(t *testing.T, p int, fn func(rank int, c comm.Communicator) error) {
	t.Helper()

	group, comms, err := comm.NewLocalGroup(p)
	if err != nil {
		t.Fatalf("new local group: %v", err)
	}
	errs := make([]error, p)
	var wg sync.WaitGroup
	wg.Add(p)
	for rank := 0; rank < p; rank++ {
		go func(rank int) {
			defer wg.Done()
			if err := fn(rank, comms[rank]); err != nil {
				errs[rank] = err
				group.Abort()
			}
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil && !errors.Is(err, comm.ErrCommunicationFailure) {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
}

// runRounds drives an entangled store through rounds 1..rounds and
// returns the final chain per global slot, gathered on every rank.
func runRounds(t *testing.T, n, p, rounds int, sw Swapper, seed int64) []int {
	t.Helper()

	final := make([]int, n)
	var mu sync.Mutex
	runGroup(t, p, func(rank int, c comm.Communicator) error {
		reps, err := replica.NewEntangled(n, c, seed, nil, nil)
		if err != nil {
			return err
		}
		for round := 1; round <= rounds; round++ {
			if err := Round(sw, reps, NewDEO(n, round)); err != nil {
				return err
			}
		}
		mu.Lock()
		for i, r := range reps.Local() {
			final[reps.GlobalSlot(i)] = r.Chain()
		}
		mu.Unlock()
		return nil
	})
	return final
}

func chainToReplica(chains []int) []int {
	out := make([]int, len(chains))
	for slot, chain := range chains {
		out[chain-1] = slot + 1
	}
	return out
}

func TestAlwaysSwapFollowsTheGraphComposition(t *testing.T) {
	// Round 1 swaps (1,2) and (3,4); round 2 swaps (2,3).
	chains := runRounds(t, 4, 1, 1, TestSwapper{Pr: 1}, 1)
	if got, want := chainToReplica(chains), []int{2, 1, 4, 3}; !equalInts(got, want) {
		t.Fatalf("after round 1: got=%v want=%v", got, want)
	}

	chains = runRounds(t, 4, 1, 2, TestSwapper{Pr: 1}, 1)
	if got, want := chainToReplica(chains), []int{2, 4, 1, 3}; !equalInts(got, want) {
		t.Fatalf("after round 2: got=%v want=%v", got, want)
	}
}

func TestDistributedMatchesSingleProcessBitForBit(t *testing.T) {
	for _, sw := range []Swapper{TestSwapper{Pr: 1}, TestSwapper{Pr: 0.5}} {
		want := runRounds(t, 4, 1, 2, sw, 1)
		for _, p := range []int{2, 4} {
			if got := runRounds(t, 4, p, 2, sw, 1); !equalInts(got, want) {
				t.Fatalf("p=%d diverged: got=%v want=%v", p, got, want)
			}
		}
	}
}

func TestNeverSwapLeavesChainsFixed(t *testing.T) {
	for _, p := range []int{1, 2} {
		chains := runRounds(t, 6, p, 8, TestSwapper{Pr: 0}, 3)
		for slot, chain := range chains {
			if chain != slot+1 {
				t.Fatalf("p=%d slot=%d drifted to chain %d", p, slot, chain)
			}
		}
	}
}

func TestChainsRemainAPermutationEveryRound(t *testing.T) {
	const n = 8
	runGroup(t, 2, func(rank int, c comm.Communicator) error {
		reps, err := replica.NewEntangled(n, c, 11, nil, nil)
		if err != nil {
			return err
		}
		sw := TestSwapper{Pr: 0.7}
		for round := 1; round <= 16; round++ {
			if err := Round(sw, reps, NewDEO(n, round)); err != nil {
				return err
			}
			batches, err := c.AllGather(intsToBytes(reps.Chains()))
			if err != nil {
				return err
			}
			seen := make(map[int]bool, n)
			for _, batch := range batches {
				for _, chain := range bytesToInts(batch) {
					if chain < 1 || chain > n || seen[chain] {
						t.Errorf("round %d: chain multiset broken at %d", round, chain)
					}
					seen[chain] = true
				}
			}
			if len(seen) != n {
				t.Errorf("round %d: %d distinct chains, want %d", round, len(seen), n)
			}
		}
		return nil
	})
}

func TestRoundLocalMatchesDistributed(t *testing.T) {
	const n, rounds = 6, 5
	sw := TestSwapper{Pr: 0.5}

	store, err := replica.NewStore(n, 17, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for round := 1; round <= rounds; round++ {
		if err := RoundLocal(sw, store, NewDEO(n, round)); err != nil {
			t.Fatalf("local round %d: %v", round, err)
		}
	}
	bySlot := make([]int, n)
	for _, r := range store.All() {
		bySlot[r.ID()-1] = r.Chain()
	}

	if got := runRounds(t, n, 3, rounds, sw, 17); !equalInts(got, bySlot) {
		t.Fatalf("fast path diverged: local=%v distributed=%v", bySlot, got)
	}
}

func TestRoundLocalRestoresSortedInvariant(t *testing.T) {
	store, err := replica.NewStore(4, 1, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := RoundLocal(TestSwapper{Pr: 1}, store, NewDEO(4, 1)); err != nil {
		t.Fatalf("round: %v", err)
	}
	for i := 0; i < store.Len(); i++ {
		if store.At(i).Chain() != i+1 {
			t.Fatalf("slot %d holds chain %d after resort", i, store.At(i).Chain())
		}
	}
}

func TestRecordingHappensOncePerPair(t *testing.T) {
	const n = 4
	store, err := replica.NewStore(n, 1, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := RoundLocal(TestSwapper{Pr: 0.5}, store, NewDEO(n, 1)); err != nil {
		t.Fatalf("round: %v", err)
	}
	merged := stats.NewRecorder()
	for _, r := range store.All() {
		merged.Merge(r.Recorder)
	}
	// Round 1 proposes (1,2) and (3,4); each unordered pair is recorded
	// exactly once, on the lower-chain side.
	state := merged.State()
	if len(state.Pairs) != 2 {
		t.Fatalf("recorded pairs: got=%d want=2", len(state.Pairs))
	}
	for i, wantChain := range []int{1, 3} {
		if state.Pairs[i].Chain != wantChain {
			t.Fatalf("pair %d chain: got=%d want=%d", i, state.Pairs[i].Chain, wantChain)
		}
		if state.Pairs[i].Count != 1 {
			t.Fatalf("pair %d recorded %d times", wantChain, state.Pairs[i].Count)
		}
	}
}

type brokenGraph struct{ n int }

func (g brokenGraph) N() int { return g.n }
func (g brokenGraph) Partner(chain int) int {
	// Shift, not an involution.
	return chain%g.n + 1
}

func TestRoundRejectsNonInvolution(t *testing.T) {
	store, err := replica.NewStore(3, 1, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	err = RoundLocal(TestSwapper{Pr: 1}, store, brokenGraph{n: 3})
	if !errors.Is(err, ErrInvolutionViolation) {
		t.Fatalf("got %v, want involution violation", err)
	}
}

// asymmetricSwapper violates the symmetry contract on purpose.
type asymmetricSwapper struct{}

func (asymmetricSwapper) Stat(r *replica.Replica, partnerChain int) Stat {
	return Stat{Uniform: r.RNG().Float64()}
}
func (asymmetricSwapper) Decision(chain1 int, stat1 Stat, chain2 int, stat2 Stat) bool {
	return chain1 < chain2
}
func (asymmetricSwapper) RecordStats(*stats.Recorder, int, Stat, int, Stat) {}

func TestRoundDetectsDecisionDisagreement(t *testing.T) {
	store, err := replica.NewStore(2, 1, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	err = RoundLocal(asymmetricSwapper{}, store, NewDEO(2, 1))
	if !errors.Is(err, ErrDecisionDisagreement) {
		t.Fatalf("got %v, want decision disagreement", err)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func intsToBytes(xs []int) []byte {
	out := make([]byte, len(xs))
	for i, x := range xs {
		out[i] = byte(x)
	}
	return out
}

func bytesToInts(bs []byte) []int {
	out := make([]int, len(bs))
	for i, b := range bs {
		out[i] = int(b)
	}
	return out
}
