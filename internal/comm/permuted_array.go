package comm

// PermutedDistributedArray is a logical vector partitioned across the
// group in rank order, addressed by global index through the entangler.
// Both operations are collective: every rank must call them in the same
// order, and each establishes a synchronization barrier.
type PermutedDistributedArray[T any] struct {
	ent   *Entangler
	codec Codec[T]
	local []T
}

// NewPermutedDistributedArray builds the local shard, filling each owned
// position from init by global index.
func NewPermutedDistributedArray[T any](ent *Entangler, codec Codec[T], init func(globalIndex int) T) *PermutedDistributedArray[T] {
	local := make([]T, ent.LocalCount())
	for off := range local {
		local[off] = init(ent.GlobalSlot(off))
	}
	return &PermutedDistributedArray[T]{ent: ent, codec: codec, local: local}
}

// Local exposes the shard owned by this rank.
func (a *PermutedDistributedArray[T]) Local() []T { return a.local }

// PermutedGet returns, for each local slot i, the current value at global
// index indices[i]. The union of indices across ranks must form a
// permutation of the global indices. Implemented as a round trip: requests
// travel to the owners, owners reply with values, and replies land back in
// local slot order.
func (a *PermutedDistributedArray[T]) PermutedGet(indices []int) ([]T, error) {
	requesters := make([]int, len(a.local))
	for off := range requesters {
		requesters[off] = a.ent.GlobalSlot(off)
	}
	askedBy, err := Transmit[int](a.ent, IndexCodec{}, requesters, indices)
	if err != nil {
		return nil, err
	}
	return Transmit[T](a.ent, a.codec, a.local, askedBy)
}

// PermutedSet writes values[i] at global index keys[i]. The union of keys
// across ranks must form a permutation of the global indices; no ordering
// of writes within one call is promised because keys are distinct.
func (a *PermutedDistributedArray[T]) PermutedSet(keys []int, values []T) error {
	out, err := Transmit[T](a.ent, a.codec, values, keys)
	if err != nil {
		return err
	}
	a.local = out
	return nil
}
