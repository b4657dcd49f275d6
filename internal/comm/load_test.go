package comm

import "testing"

func TestLoadPartitionCoversAllSlots(t *testing.T) {
	for _, tc := range []struct{ n, p int }{
		{1, 1}, {4, 1}, {4, 2}, {4, 3}, {10, 3}, {10, 10}, {7, 4},
	} {
		load, err := NewLoad(tc.n, tc.p)
		if err != nil {
			t.Fatalf("new load n=%d p=%d: %v", tc.n, tc.p, err)
		}
		total := 0
		for rank := 0; rank < tc.p; rank++ {
			count := load.Count(rank)
			if count < 0 {
				t.Fatalf("n=%d p=%d rank=%d: negative count %d", tc.n, tc.p, rank, count)
			}
			for off := 0; off < count; off++ {
				slot := load.Slot(rank, off)
				if load.Owner(slot) != rank {
					t.Fatalf("n=%d p=%d: slot %d owner mismatch: got=%d want=%d", tc.n, tc.p, slot, load.Owner(slot), rank)
				}
				if load.LocalOffset(slot) != off {
					t.Fatalf("n=%d p=%d: slot %d offset mismatch: got=%d want=%d", tc.n, tc.p, slot, load.LocalOffset(slot), off)
				}
			}
			total += count
		}
		if total != tc.n {
			t.Fatalf("n=%d p=%d: partition covers %d slots", tc.n, tc.p, total)
		}
	}
}

func TestLoadRejectsBadShapes(t *testing.T) {
	if _, err := NewLoad(0, 1); err == nil {
		t.Fatal("expected error for zero slots")
	}
	if _, err := NewLoad(4, 0); err == nil {
		t.Fatal("expected error for zero ranks")
	}
	if _, err := NewLoad(4, 5); err == nil {
		t.Fatal("expected error for more ranks than slots")
	}
}
