package replica

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"tempest/internal/model"
	"tempest/internal/stats"
)

// Replica owns one physical slot's mutable run state: the chain it
// currently carries, its sample, its RNG, and its recorder. A replica
// exists for the entire run; only the chain and state fields mutate, and
// the chain field mutates only inside a swap round.
//
// The RNG is seeded from (master seed, chain at creation) and never from
// rank, so replay is identical across any process layout.
type Replica struct {
	id       int // chain at creation; immutable
	chain    int
	State    []float64
	src      *rand.PCG
	rng      *rand.Rand
	Recorder *stats.Recorder
}

func New(chain int, state []float64, seed int64, build stats.Builder) *Replica {
	if build == nil {
		build = stats.NewRecorder
	}
	src := rand.NewPCG(uint64(seed), uint64(chain))
	return &Replica{
		id:       chain,
		chain:    chain,
		State:    state,
		src:      src,
		rng:      rand.New(src),
		Recorder: build(),
	}
}

func (r *Replica) ID() int             { return r.id }
func (r *Replica) Chain() int          { return r.chain }
func (r *Replica) SetChain(c int)      { r.chain = c }
func (r *Replica) RNG() *rand.Rand     { return r.rng }
func (r *Replica) Source() rand.Source { return r.src }

// RNGState marshals the PCG state for checkpoints.
func (r *Replica) RNGState() ([]byte, error) {
	return r.src.MarshalBinary()
}

func (r *Replica) RestoreRNG(state []byte) error {
	return r.src.UnmarshalBinary(state)
}

func (r *Replica) Snapshot() (model.ReplicaSnapshot, error) {
	rngState, err := r.RNGState()
	if err != nil {
		return model.ReplicaSnapshot{}, fmt.Errorf("marshal rng state: %w", err)
	}
	return model.ReplicaSnapshot{
		Chain:    uint32(r.chain),
		State:    append([]float64(nil), r.State...),
		RNGState: rngState,
		Recorder: r.Recorder.State(),
	}, nil
}

// FromSnapshot reconstructs the replica created with creationChain at its
// original physical slot. The marshaled RNG state overwrites the freshly
// seeded PCG.
func FromSnapshot(snap model.ReplicaSnapshot, creationChain int, seed int64) (*Replica, error) {
	r := New(creationChain, append([]float64(nil), snap.State...), seed, nil)
	r.chain = int(snap.Chain)
	if err := r.RestoreRNG(snap.RNGState); err != nil {
		return nil, fmt.Errorf("restore rng state: %w", err)
	}
	r.Recorder = stats.FromState(snap.Recorder)
	return r, nil
}

// Store is the single-process replica collection. Outside a swap round it
// maintains the sorted invariant replicas[i].Chain() == i+1, so the
// replica holding chain c is At(c-1).
type Store struct {
	replicas []*Replica
}

func NewStore(n int, seed int64, init func(chain int) []float64, build stats.Builder) (*Store, error) {
	if n <= 0 {
		return nil, fmt.Errorf("chain count must be > 0, got %d", n)
	}
	replicas := make([]*Replica, n)
	for i := range replicas {
		chain := i + 1
		var state []float64
		if init != nil {
			state = init(chain)
		}
		replicas[i] = New(chain, state, seed, build)
	}
	return &Store{replicas: replicas}, nil
}

// NewStoreFromSnapshots rebuilds a single-process store from checkpoint
// snapshots in physical slot order, then restores the sorted invariant.
func NewStoreFromSnapshots(snapshots []model.ReplicaSnapshot, seed int64) (*Store, error) {
	replicas := make([]*Replica, len(snapshots))
	for slot, snap := range snapshots {
		restored, err := FromSnapshot(snap, slot+1, seed)
		if err != nil {
			return nil, fmt.Errorf("restore replica at slot %d: %w", slot, err)
		}
		replicas[slot] = restored
	}
	store := &Store{replicas: replicas}
	store.Sort()
	return store, nil
}

func (s *Store) Len() int          { return len(s.replicas) }
func (s *Store) At(i int) *Replica { return s.replicas[i] }
func (s *Store) All() []*Replica   { return s.replicas }

// Sort restores the sorted invariant after the mutation phase of a swap
// round.
func (s *Store) Sort() {
	sort.Slice(s.replicas, func(i, j int) bool {
		return s.replicas[i].Chain() < s.replicas[j].Chain()
	})
}

// Chains returns the chain currently held at each position.
func (s *Store) Chains() []int {
	out := make([]int, len(s.replicas))
	for i, r := range s.replicas {
		out[i] = r.Chain()
	}
	return out
}
