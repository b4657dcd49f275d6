package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"tempest/internal/comm"
	"tempest/internal/explore"
	"tempest/internal/model"
	"tempest/internal/replica"
	"tempest/internal/stats"
	"tempest/internal/swap"
	"tempest/internal/tempering"
)

// minMomentSamples gates variational reference learning until the target
// chain has been visited often enough for stable moments.
const minMomentSamples = 32

// Config drives one tempering run. Chains counts the fixed leg;
// ChainsVariational, when positive, adds the stabilized variational leg.
type Config struct {
	Seed              int64
	Rounds            int
	Chains            int
	ChainsVariational int
	Processes         int
	Multithreaded     bool

	// CheckedRound, when positive, replays that round's full prefix
	// single-process and single-threaded and fails with
	// ErrDecisionDisagreement on any deviation from the distributed run.
	CheckedRound int

	Path             tempering.Path
	Explorer         explore.Explorer
	Swapper          swap.Swapper // overrides the log-potential swapper
	InitialState     func(chain int) []float64
	RecorderBuilders []stats.Builder
	Logger           *slog.Logger

	// From resumes a checkpointed run; round numbering continues where the
	// checkpoint left off.
	From *model.Checkpoint

	// Perturb is fault injection for round-check tests: it runs before the
	// given round on the distributed side only.
	Perturb func(round int, local []*replica.Replica)
}

type Result struct {
	Chains                   []int // chain held at each global slot
	ChainToReplica           []int // global slot holding each chain
	Schedule                 []float64
	VariationalSchedule      []float64
	GlobalBarrier            float64
	GlobalBarrierVariational float64
	NaNCount                 int
	Round                    int
	Diagnostics              []model.RoundDiagnostics
	Replicas                 []model.ReplicaSnapshot
}

func (cfg *Config) withDefaults() error {
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	if cfg.Rounds == 0 {
		cfg.Rounds = 10
	}
	if cfg.Rounds < 0 {
		return fmt.Errorf("rounds must be >= 0, got %d", cfg.Rounds)
	}
	if cfg.Chains == 0 {
		cfg.Chains = 10
	}
	if cfg.Chains < 1 {
		return fmt.Errorf("chain count must be > 0, got %d", cfg.Chains)
	}
	if cfg.ChainsVariational < 0 {
		return fmt.Errorf("variational chain count must be >= 0, got %d", cfg.ChainsVariational)
	}
	if cfg.Processes == 0 {
		cfg.Processes = 1
	}
	total := cfg.Chains + cfg.ChainsVariational
	if cfg.Processes < 1 || cfg.Processes > total {
		return fmt.Errorf("process count must be in [1, %d], got %d", total, cfg.Processes)
	}
	if cfg.Path == nil && cfg.Swapper == nil {
		return fmt.Errorf("a path or a swapper is required")
	}
	if cfg.Path != nil && cfg.Chains < 2 {
		return fmt.Errorf("a tempered run needs at least 2 fixed chains, got %d", cfg.Chains)
	}
	if cfg.ChainsVariational > 0 {
		if cfg.ChainsVariational < 2 {
			return fmt.Errorf("variational leg needs at least 2 chains, got %d", cfg.ChainsVariational)
		}
		if cfg.Path != nil {
			if _, ok := cfg.Path.(tempering.ComponentPath); !ok {
				return fmt.Errorf("variational runs need a path exposing its endpoints")
			}
		}
	}
	if cfg.CheckedRound < 0 {
		return fmt.Errorf("checked round must be >= 0, got %d", cfg.CheckedRound)
	}
	if cfg.InitialState == nil {
		cfg.InitialState = func(int) []float64 { return []float64{0} }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

func (cfg *Config) totalChains() int { return cfg.Chains + cfg.ChainsVariational }

func (cfg *Config) startRound() int {
	if cfg.From != nil {
		return cfg.From.Round + 1
	}
	return 1
}

func (cfg *Config) lastRound() int { return cfg.startRound() + cfg.Rounds - 1 }

func (cfg *Config) recorderBuilder() stats.Builder {
	builders := cfg.RecorderBuilders
	return func() *stats.Recorder {
		rec := stats.NewRecorder()
		for _, build := range builders {
			if build == nil {
				continue
			}
			rec.Merge(build())
		}
		return rec
	}
}

// Run executes the configured number of rounds across the process group
// and, when CheckedRound is set, verifies the distributed execution
// against a single-process replay.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.withDefaults(); err != nil {
		return Result{}, err
	}

	result, checkedChains, err := runGroup(ctx, cfg)
	if err != nil {
		return Result{}, err
	}

	if cfg.CheckedRound > 0 && cfg.CheckedRound >= cfg.startRound() && cfg.CheckedRound <= cfg.lastRound() {
		expected, err := replayPrefix(ctx, cfg, cfg.CheckedRound)
		if err != nil {
			return Result{}, fmt.Errorf("checked round %d replay: %w", cfg.CheckedRound, err)
		}
		for slot := range expected {
			if expected[slot] != checkedChains[slot] {
				return Result{}, fmt.Errorf("checked round %d: %w: replica %d holds chain %d distributed, %d replayed",
					cfg.CheckedRound, swap.ErrDecisionDisagreement, slot, checkedChains[slot], expected[slot])
			}
		}
		cfg.Logger.Info("round check passed", "round", cfg.CheckedRound)
	}

	return result, nil
}

type rankOutcome struct {
	chains        []int
	checkedChains []int
	snapshots     []model.ReplicaSnapshot
	diagnostics   []model.RoundDiagnostics
	schedule      []float64
	varSchedule   []float64
	barrier       float64
	barrierVar    float64
	nan           int
}

func runGroup(ctx context.Context, cfg Config) (Result, []int, error) {
	group, comms, err := comm.NewLocalGroup(cfg.Processes)
	if err != nil {
		return Result{}, nil, err
	}

	outcomes := make([]rankOutcome, cfg.Processes)
	errs := make([]error, cfg.Processes)

	var wg sync.WaitGroup
	wg.Add(cfg.Processes)
	for rank := 0; rank < cfg.Processes; rank++ {
		go func(rank int) {
			defer wg.Done()
			outcome, err := runRank(ctx, cfg, comms[rank])
			if err != nil {
				errs[rank] = err
				group.Abort()
				return
			}
			outcomes[rank] = outcome
		}(rank)
	}
	wg.Wait()

	if err := firstRealError(errs); err != nil {
		return Result{}, nil, err
	}

	total := cfg.totalChains()
	result := Result{
		Chains:   make([]int, 0, total),
		Replicas: make([]model.ReplicaSnapshot, 0, total),
		Round:    cfg.lastRound(),
	}
	checkedChains := make([]int, 0, total)
	for rank := range outcomes {
		result.Chains = append(result.Chains, outcomes[rank].chains...)
		result.Replicas = append(result.Replicas, outcomes[rank].snapshots...)
		checkedChains = append(checkedChains, outcomes[rank].checkedChains...)
	}
	result.ChainToReplica = invertChains(result.Chains)
	result.Diagnostics = outcomes[0].diagnostics
	result.Schedule = outcomes[0].schedule
	result.VariationalSchedule = outcomes[0].varSchedule
	result.GlobalBarrier = outcomes[0].barrier
	result.GlobalBarrierVariational = outcomes[0].barrierVar
	result.NaNCount = outcomes[0].nan
	return result, checkedChains, nil
}

// firstRealError prefers a root cause over the communication failures the
// group abort induces on the other ranks.
func firstRealError(errs []error) error {
	var fallback error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !isCommFailure(err) {
			return err
		}
		if fallback == nil {
			fallback = err
		}
	}
	return fallback
}

func isCommFailure(err error) bool {
	return err != nil && errors.Is(err, comm.ErrCommunicationFailure)
}

func runRank(ctx context.Context, cfg Config, c comm.Communicator) (rankOutcome, error) {
	total := cfg.totalChains()
	reps, err := replica.NewEntangled(total, c, cfg.Seed, cfg.InitialState, cfg.recorderBuilder())
	if err != nil {
		return rankOutcome{}, err
	}
	if cfg.From != nil {
		if err := reps.Restore(cfg.From.Replicas, cfg.Seed); err != nil {
			return rankOutcome{}, err
		}
	}

	run, err := newRoundRunner(cfg)
	if err != nil {
		return rankOutcome{}, err
	}

	outcome := rankOutcome{}
	merged := stats.NewRecorder()
	for round := cfg.startRound(); round <= cfg.lastRound(); round++ {
		// Cancellation is honored only at round boundaries; a collective
		// already in flight must complete first.
		if err := ctx.Err(); err != nil {
			return rankOutcome{}, err
		}
		if cfg.Perturb != nil {
			cfg.Perturb(round, reps.Local())
		}

		run.explorePhase(reps.Local(), cfg.Multithreaded)
		run.recordTargetStates(reps.Local())

		if err := swap.Round(run.swapper(), reps, run.graph(round)); err != nil {
			return rankOutcome{}, fmt.Errorf("swap round %d: %w", round, err)
		}

		merged, err = gatherRecorders(c, reps)
		if err != nil {
			return rankOutcome{}, fmt.Errorf("merge recorders after round %d: %w", round, err)
		}
		if err := run.adapt(merged); err != nil {
			return rankOutcome{}, fmt.Errorf("adapt after round %d: %w", round, err)
		}

		if round == cfg.CheckedRound {
			outcome.checkedChains = reps.Chains()
		}
		if c.Rank() == 0 {
			outcome.diagnostics = append(outcome.diagnostics, run.diagnostics(round, merged))
		}
	}

	outcome.chains = reps.Chains()
	outcome.snapshots = make([]model.ReplicaSnapshot, 0, len(reps.Local()))
	for _, r := range reps.Local() {
		snap, err := r.Snapshot()
		if err != nil {
			return rankOutcome{}, err
		}
		outcome.snapshots = append(outcome.snapshots, snap)
	}
	if outcome.checkedChains == nil {
		outcome.checkedChains = []int{}
	}
	outcome.schedule, outcome.varSchedule = run.schedules()
	outcome.barrier, outcome.barrierVar = run.barriers(merged)
	outcome.nan = merged.NaNCount()
	return outcome, nil
}

// replayPrefix reruns rounds from the configured start through upto on a
// single process and a single goroutine, using the fast-path swap. The
// replay reconstructs every replica's RNG purely from the master seed (or
// the checkpoint), so any drift in the distributed run surfaces as a
// different chain assignment.
func replayPrefix(ctx context.Context, cfg Config, upto int) ([]int, error) {
	total := cfg.totalChains()

	var store *replica.Store
	var err error
	if cfg.From != nil {
		store, err = replica.NewStoreFromSnapshots(cfg.From.Replicas, cfg.Seed)
	} else {
		store, err = replica.NewStore(total, cfg.Seed, cfg.InitialState, cfg.recorderBuilder())
	}
	if err != nil {
		return nil, err
	}

	run, err := newRoundRunner(cfg)
	if err != nil {
		return nil, err
	}

	for round := cfg.startRound(); round <= upto; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run.explorePhase(store.All(), false)
		run.recordTargetStates(store.All())
		if err := swap.RoundLocal(run.swapper(), store, run.graph(round)); err != nil {
			return nil, fmt.Errorf("swap round %d: %w", round, err)
		}
		merged := mergeByID(store.All(), total)
		if err := run.adapt(merged); err != nil {
			return nil, fmt.Errorf("adapt after round %d: %w", round, err)
		}
	}

	chains := make([]int, total)
	for _, r := range store.All() {
		chains[r.ID()-1] = r.Chain()
	}
	return chains, nil
}

// gatherRecorders allgathers every rank's per-replica recorder states and
// folds them in global slot order, so the merge is identical under every
// process layout.
func gatherRecorders(c comm.Communicator, reps *replica.Entangled) (*stats.Recorder, error) {
	local := reps.Local()
	states := make([]model.RecorderState, len(local))
	for i, r := range local {
		states[i] = r.Recorder.State()
	}
	payload, err := json.Marshal(states)
	if err != nil {
		return nil, err
	}
	batches, err := c.AllGather(payload)
	if err != nil {
		return nil, err
	}
	merged := stats.NewRecorder()
	for _, batch := range batches {
		var remote []model.RecorderState
		if err := json.Unmarshal(batch, &remote); err != nil {
			return nil, fmt.Errorf("%w: decode recorder batch: %v", comm.ErrCommunicationFailure, err)
		}
		for _, state := range remote {
			merged.Merge(stats.FromState(state))
		}
	}
	return merged, nil
}

// mergeByID folds recorders in creation order, matching the global slot
// order the distributed merge uses.
func mergeByID(all []*replica.Replica, total int) *stats.Recorder {
	byID := make([]*replica.Replica, total)
	for _, r := range all {
		byID[r.ID()-1] = r
	}
	merged := stats.NewRecorder()
	for _, r := range byID {
		merged.Merge(r.Recorder)
	}
	return merged
}

func invertChains(chains []int) []int {
	out := make([]int, len(chains))
	for slot, chain := range chains {
		out[chain-1] = slot
	}
	return out
}

func exploreWorkers(n int) int {
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}
