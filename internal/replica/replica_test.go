package replica

import (
	"testing"
)

func TestNewStoreSortedInvariant(t *testing.T) {
	store, err := NewStore(5, 1, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for i := 0; i < store.Len(); i++ {
		if got := store.At(i).Chain(); got != i+1 {
			t.Fatalf("replica %d holds chain %d", i, got)
		}
	}
}

func TestSortRestoresInvariantAfterMutation(t *testing.T) {
	store, err := NewStore(4, 1, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.At(0).SetChain(2)
	store.At(1).SetChain(1)
	store.At(2).SetChain(4)
	store.At(3).SetChain(3)
	store.Sort()
	for i := 0; i < store.Len(); i++ {
		if got := store.At(i).Chain(); got != i+1 {
			t.Fatalf("after sort replica %d holds chain %d", i, got)
		}
	}
	// Identity is the creation chain, not the current one.
	if got := store.At(0).ID(); got != 2 {
		t.Fatalf("sorted slot 0 should be the replica created with chain 2, got id %d", got)
	}
}

func TestRNGSeedingIgnoresEverythingButSeedAndChain(t *testing.T) {
	a := New(3, nil, 42, nil)
	b := New(3, nil, 42, nil)
	for i := 0; i < 16; i++ {
		if x, y := a.RNG().Float64(), b.RNG().Float64(); x != y {
			t.Fatalf("draw %d diverged: %v vs %v", i, x, y)
		}
	}
	c := New(4, nil, 42, nil)
	if a.RNG().Float64() == c.RNG().Float64() {
		t.Fatal("distinct chains should seed distinct streams")
	}
}

func TestSnapshotRoundTripReproducesDraws(t *testing.T) {
	r := New(2, []float64{1.5, -0.5}, 7, nil)
	r.RNG().Float64()
	r.Recorder.RecordSwap(1, 0.25)

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	restored, err := FromSnapshot(snap, 2, 7)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	for i := 0; i < 16; i++ {
		if x, y := r.RNG().Float64(), restored.RNG().Float64(); x != y {
			t.Fatalf("draw %d diverged after restore: %v vs %v", i, x, y)
		}
	}
	if got := restored.Recorder.Acceptances(2)[0]; got != 0.25 {
		t.Fatalf("restored recorder mean acceptance: got=%v want=0.25", got)
	}
	if restored.State[0] != 1.5 || restored.State[1] != -0.5 {
		t.Fatalf("restored state: %v", restored.State)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	r := New(1, []float64{1}, 1, nil)
	snap, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	r.State[0] = 99
	if snap.State[0] != 1 {
		t.Fatal("snapshot state aliases the live replica")
	}
}
