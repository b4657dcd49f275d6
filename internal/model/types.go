package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type RunRecord struct {
	VersionedRecord
	ID                       string  `json:"id"`
	CreatedAtUTC             string  `json:"created_at_utc"`
	Chains                   int     `json:"chains"`
	ChainsVariational        int     `json:"chains_variational,omitempty"`
	Rounds                   int     `json:"rounds"`
	Seed                     int64   `json:"seed"`
	Processes                int     `json:"processes"`
	Model                    string  `json:"model,omitempty"`
	GlobalBarrier            float64 `json:"global_barrier"`
	GlobalBarrierVariational float64 `json:"global_barrier_variational,omitempty"`
}

// ReplicaSnapshot is the persisted form of one physical replica slot.
type ReplicaSnapshot struct {
	Chain    uint32        `json:"chain"`
	State    []float64     `json:"state"`
	RNGState []byte        `json:"rng_state"`
	Recorder RecorderState `json:"recorder"`
}

// Checkpoint captures everything needed to reconstruct bit-identical
// next-round output: per-replica chain/state/rng/recorder, the schedule,
// and the round counter.
type Checkpoint struct {
	VersionedRecord
	RunID               string            `json:"run_id"`
	Round               int               `json:"round"`
	Schedule            []float64         `json:"schedule"`
	VariationalSchedule []float64         `json:"variational_schedule,omitempty"`
	Replicas            []ReplicaSnapshot `json:"replicas"`
}

type RecorderState struct {
	Pairs    []PairStat `json:"pairs,omitempty"`
	NaNCount int        `json:"nan_count,omitempty"`
	Moments  *Moments   `json:"moments,omitempty"`
}

// PairStat accumulates realized acceptance probabilities for the swap pair
// whose lower chain is Chain. Sums are stored rather than means so merges
// fold the same way in every process layout.
type PairStat struct {
	Chain int     `json:"chain"`
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
}

// Moments holds per-coordinate first and second moment sums of recorded
// target-chain states.
type Moments struct {
	Count int       `json:"count"`
	Sum   []float64 `json:"sum"`
	SumSq []float64 `json:"sum_sq"`
}

type RoundDiagnostics struct {
	Round                    int     `json:"round"`
	MeanAcceptance           float64 `json:"mean_acceptance"`
	MinAcceptance            float64 `json:"min_acceptance"`
	GlobalBarrier            float64 `json:"global_barrier"`
	GlobalBarrierVariational float64 `json:"global_barrier_variational,omitempty"`
	NaNStats                 int     `json:"nan_stats,omitempty"`
}
