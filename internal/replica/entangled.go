package replica

import (
	"fmt"

	"tempest/internal/comm"
	"tempest/internal/model"
	"tempest/internal/stats"
)

// Entangled is the distributed replica store: this rank's replicas plus
// the chain→replica-slot mapping array. The mapping is what keeps a swap
// round's cost independent of state size: only chain indices and swap
// statistics ever cross the wire, never replica state.
type Entangled struct {
	ent         *comm.Entangler
	local       []*Replica
	chainToSlot *comm.PermutedDistributedArray[int]
}

// NewEntangled creates the replicas owned by this rank. The replica at
// global slot g starts with chain g+1, and the mapping array starts as the
// identity permutation.
func NewEntangled(n int, c comm.Communicator, seed int64, init func(chain int) []float64, build stats.Builder) (*Entangled, error) {
	ent, err := comm.NewEntangler(n, c)
	if err != nil {
		return nil, fmt.Errorf("entangle %d replicas: %w", n, err)
	}
	local := make([]*Replica, ent.LocalCount())
	for off := range local {
		chain := ent.GlobalSlot(off) + 1
		var state []float64
		if init != nil {
			state = init(chain)
		}
		local[off] = New(chain, state, seed, build)
	}
	chainToSlot := comm.NewPermutedDistributedArray[int](ent, comm.IndexCodec{}, func(globalIndex int) int {
		return globalIndex
	})
	return &Entangled{ent: ent, local: local, chainToSlot: chainToSlot}, nil
}

func (e *Entangled) Local() []*Replica      { return e.local }
func (e *Entangled) Entangler() *comm.Entangler { return e.ent }
func (e *Entangled) Comm() comm.Communicator    { return e.ent.Comm() }
func (e *Entangled) NChains() int               { return e.ent.Load().N() }

// GlobalSlot returns the global slot of local replica i.
func (e *Entangled) GlobalSlot(i int) int { return e.ent.GlobalSlot(i) }

// ChainToSlot is the chain→replica-slot mapping array: the value at global
// index c-1 is the global slot of the replica currently holding chain c.
func (e *Entangled) ChainToSlot() *comm.PermutedDistributedArray[int] { return e.chainToSlot }

// Restore replaces each local replica's mutable fields from the checkpoint
// snapshot at its global slot and rebuilds the chain mapping. Collective.
func (e *Entangled) Restore(snapshots []model.ReplicaSnapshot, seed int64) error {
	if len(snapshots) != e.NChains() {
		return fmt.Errorf("checkpoint has %d replicas, want %d", len(snapshots), e.NChains())
	}
	for i := range e.local {
		slot := e.GlobalSlot(i)
		restored, err := FromSnapshot(snapshots[slot], slot+1, seed)
		if err != nil {
			return fmt.Errorf("restore replica at slot %d: %w", slot, err)
		}
		e.local[i] = restored
	}
	keys := make([]int, len(e.local))
	values := make([]int, len(e.local))
	for i, r := range e.local {
		keys[i] = r.Chain() - 1
		values[i] = e.GlobalSlot(i)
	}
	return e.chainToSlot.PermutedSet(keys, values)
}

// Chains returns the chain currently held by each local replica.
func (e *Entangled) Chains() []int {
	out := make([]int, len(e.local))
	for i, r := range e.local {
		out[i] = r.Chain()
	}
	return out
}
