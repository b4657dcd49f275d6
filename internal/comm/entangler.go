package comm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var ErrPermutationViolation = errors.New("destinations are not a permutation of the global slots")

// Codec encodes one fixed-size record for the wire. Records carry no
// version tag: the protocol is point-to-point within a single process
// group of known layout.
type Codec[T any] interface {
	Size() int
	Encode(dst []byte, v T)
	Decode(src []byte) T
}

// IndexCodec carries one global slot index as a u64.
type IndexCodec struct{}

func (IndexCodec) Size() int { return 8 }
func (IndexCodec) Encode(dst []byte, v int) {
	binary.BigEndian.PutUint64(dst, uint64(v))
}
func (IndexCodec) Decode(src []byte) int {
	return int(binary.BigEndian.Uint64(src))
}

// Float64PairCodec carries two f64s.
type Float64PairCodec struct{}

func (Float64PairCodec) Size() int { return 16 }
func (Float64PairCodec) Encode(dst []byte, v [2]float64) {
	binary.BigEndian.PutUint64(dst, math.Float64bits(v[0]))
	binary.BigEndian.PutUint64(dst[8:], math.Float64bits(v[1]))
}
func (Float64PairCodec) Decode(src []byte) [2]float64 {
	return [2]float64{
		math.Float64frombits(binary.BigEndian.Uint64(src)),
		math.Float64frombits(binary.BigEndian.Uint64(src[8:])),
	}
}

// Entangler permutes fixed-size records across the group by destination
// global slot. It holds the communicator, its rank and size, and the fixed
// block partition of the global slots.
type Entangler struct {
	comm Communicator
	load Load
}

func NewEntangler(n int, comm Communicator) (*Entangler, error) {
	if comm == nil {
		return nil, fmt.Errorf("communicator is required")
	}
	load, err := NewLoad(n, comm.Size())
	if err != nil {
		return nil, err
	}
	return &Entangler{comm: comm, load: load}, nil
}

func (e *Entangler) Load() Load             { return e.load }
func (e *Entangler) Comm() Communicator     { return e.comm }
func (e *Entangler) LocalCount() int        { return e.load.Count(e.comm.Rank()) }
func (e *Entangler) GlobalSlot(off int) int { return e.load.Slot(e.comm.Rank(), off) }

// Transmit sends values[i] to the rank owning global slot destinations[i]
// and returns, per local slot, the payload some sender designated for it.
// If the union of destinations across ranks is not a permutation of the
// global slots, the call fails with ErrPermutationViolation.
//
// Records are bucketed by destination rank, exchanged as one batch per
// rank pair, and reassembled locally using the destination local offset
// carried in each record. Communication is O(P) messages per rank and the
// payload volume is independent of replica state size.
func Transmit[T any](e *Entangler, codec Codec[T], values []T, destinations []int) ([]T, error) {
	rank := e.comm.Rank()
	size := e.comm.Size()
	local := e.load.Count(rank)
	if len(values) != local || len(destinations) != local {
		return nil, fmt.Errorf("transmit arity mismatch: values=%d destinations=%d local=%d",
			len(values), len(destinations), local)
	}

	recordSize := 4 + codec.Size()
	buckets := make([][]byte, size)
	record := make([]byte, recordSize)
	for i, dest := range destinations {
		if dest < 0 || dest >= e.load.N() {
			return nil, fmt.Errorf("%w: destination %d out of range [0,%d)", ErrPermutationViolation, dest, e.load.N())
		}
		owner := e.load.Owner(dest)
		binary.BigEndian.PutUint32(record, uint32(e.load.LocalOffset(dest)))
		codec.Encode(record[4:], values[i])
		buckets[owner] = append(buckets[owner], record...)
	}

	for dest := 0; dest < size; dest++ {
		if dest == rank {
			continue
		}
		if err := e.comm.Send(dest, buckets[dest]); err != nil {
			return nil, err
		}
	}

	out := make([]T, local)
	seen := make([]bool, local)
	deliver := func(batch []byte) error {
		if len(batch)%recordSize != 0 {
			return fmt.Errorf("%w: batch size %d not a multiple of record size %d",
				ErrCommunicationFailure, len(batch), recordSize)
		}
		for at := 0; at < len(batch); at += recordSize {
			off := int(binary.BigEndian.Uint32(batch[at:]))
			if off < 0 || off >= local {
				return fmt.Errorf("%w: local offset %d out of range [0,%d)", ErrPermutationViolation, off, local)
			}
			if seen[off] {
				return fmt.Errorf("%w: duplicate delivery to slot %d", ErrPermutationViolation, e.load.Slot(rank, off))
			}
			seen[off] = true
			out[off] = codec.Decode(batch[at+4 : at+recordSize])
		}
		return nil
	}

	for src := 0; src < size; src++ {
		var batch []byte
		if src == rank {
			batch = buckets[rank]
		} else {
			received, err := e.comm.Recv(src)
			if err != nil {
				return nil, err
			}
			batch = received
		}
		if err := deliver(batch); err != nil {
			return nil, err
		}
	}

	for off, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("%w: no delivery to slot %d", ErrPermutationViolation, e.load.Slot(rank, off))
		}
	}
	return out, nil
}
