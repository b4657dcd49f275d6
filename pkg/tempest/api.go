package tempest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tempest/internal/engine"
	"tempest/internal/model"
	"tempest/internal/storage"
)

const defaultDBPath = "tempest.db"

type Options struct {
	StoreKind string
	DBPath    string
	Logger    *slog.Logger
}

type Client struct {
	store  storage.Store
	logger *slog.Logger
}

func Open(ctx context.Context, opts Options) (*Client, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	store, err := storage.NewStore(opts.StoreKind, dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{store: store, logger: logger}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

type RunRequest struct {
	RunID             string
	Model             string
	Seed              int64
	Rounds            int
	Chains            int
	ChainsVariational int
	Processes         int
	Multithreaded     bool
	Checkpoint        bool
	CheckedRound      int
}

type RunSummary struct {
	RunID                    string
	Rounds                   int
	GlobalBarrier            float64
	GlobalBarrierVariational float64
	ChainToReplica           []int
	NaNCount                 int
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	spec, err := modelFor(req.Model)
	if err != nil {
		return RunSummary{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if req.Seed == 0 {
		req.Seed = 1
	}
	if req.Rounds == 0 {
		req.Rounds = 10
	}
	if req.Chains == 0 {
		req.Chains = 10
	}
	if req.Processes == 0 {
		req.Processes = 1
	}

	cfg := engine.Config{
		Seed:              req.Seed,
		Rounds:            req.Rounds,
		Chains:            req.Chains,
		ChainsVariational: req.ChainsVariational,
		Processes:         req.Processes,
		Multithreaded:     req.Multithreaded,
		CheckedRound:      req.CheckedRound,
		Path:              spec.path,
		Explorer:          spec.explorer,
		InitialState:      spec.initialState,
		Logger:            c.logger,
	}

	started := time.Now()
	result, err := engine.Run(ctx, cfg)
	if err != nil {
		return RunSummary{}, err
	}
	c.logger.Info("run complete",
		"run_id", runID,
		"rounds", result.Round,
		"barrier", result.GlobalBarrier,
		"elapsed", time.Since(started))

	if err := c.persist(ctx, runID, spec.name, req, result); err != nil {
		return RunSummary{}, err
	}
	return summarize(runID, result), nil
}

// Resume continues a checkpointed run for additional rounds. Round
// numbering, schedules, RNG streams, and recorders pick up exactly where
// the checkpoint left off, so n rounds then m rounds reproduces n+m.
func (c *Client) Resume(ctx context.Context, runID string, rounds int) (RunSummary, error) {
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}
	if !ok {
		return RunSummary{}, fmt.Errorf("run not found: %s", runID)
	}
	checkpoint, ok, err := c.store.GetCheckpoint(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}
	if !ok {
		return RunSummary{}, fmt.Errorf("no checkpoint for run: %s", runID)
	}
	spec, err := modelFor(run.Model)
	if err != nil {
		return RunSummary{}, err
	}

	cfg := engine.Config{
		Seed:              run.Seed,
		Rounds:            rounds,
		Chains:            run.Chains,
		ChainsVariational: run.ChainsVariational,
		Processes:         run.Processes,
		Path:              spec.path,
		Explorer:          spec.explorer,
		InitialState:      spec.initialState,
		Logger:            c.logger,
		From:              &checkpoint,
	}
	result, err := engine.Run(ctx, cfg)
	if err != nil {
		return RunSummary{}, err
	}

	req := RunRequest{
		RunID:             runID,
		Model:             run.Model,
		Seed:              run.Seed,
		Rounds:            run.Rounds + rounds,
		Chains:            run.Chains,
		ChainsVariational: run.ChainsVariational,
		Processes:         run.Processes,
		Checkpoint:        true,
	}
	if err := c.persist(ctx, runID, run.Model, req, result); err != nil {
		return RunSummary{}, err
	}
	return summarize(runID, result), nil
}

func (c *Client) persist(ctx context.Context, runID, modelName string, req RunRequest, result engine.Result) error {
	versioned := model.VersionedRecord{
		SchemaVersion: storage.CurrentSchemaVersion,
		CodecVersion:  storage.CurrentCodecVersion,
	}
	record := model.RunRecord{
		VersionedRecord:          versioned,
		ID:                       runID,
		CreatedAtUTC:             time.Now().UTC().Format(time.RFC3339),
		Chains:                   req.Chains,
		ChainsVariational:        req.ChainsVariational,
		Rounds:                   result.Round,
		Seed:                     req.Seed,
		Processes:                req.Processes,
		Model:                    modelName,
		GlobalBarrier:            result.GlobalBarrier,
		GlobalBarrierVariational: result.GlobalBarrierVariational,
	}
	if err := c.store.SaveRun(ctx, record); err != nil {
		return fmt.Errorf("save run %s: %w", runID, err)
	}
	if err := c.store.SaveRoundDiagnostics(ctx, runID, result.Diagnostics); err != nil {
		return fmt.Errorf("save diagnostics %s: %w", runID, err)
	}
	history := make([]float64, 0, len(result.Diagnostics))
	for _, diag := range result.Diagnostics {
		history = append(history, diag.GlobalBarrier)
	}
	if err := c.store.SaveBarrierHistory(ctx, runID, history); err != nil {
		return fmt.Errorf("save barrier history %s: %w", runID, err)
	}
	if req.Checkpoint {
		checkpoint := model.Checkpoint{
			VersionedRecord:     versioned,
			RunID:               runID,
			Round:               result.Round,
			Schedule:            result.Schedule,
			VariationalSchedule: result.VariationalSchedule,
			Replicas:            result.Replicas,
		}
		if err := c.store.SaveCheckpoint(ctx, checkpoint); err != nil {
			return fmt.Errorf("save checkpoint %s: %w", runID, err)
		}
	}
	return nil
}

func summarize(runID string, result engine.Result) RunSummary {
	return RunSummary{
		RunID:                    runID,
		Rounds:                   result.Round,
		GlobalBarrier:            result.GlobalBarrier,
		GlobalBarrierVariational: result.GlobalBarrierVariational,
		ChainToReplica:           result.ChainToReplica,
		NaNCount:                 result.NaNCount,
	}
}

type RunItem struct {
	RunID         string
	CreatedAtUTC  string
	Model         string
	Seed          int64
	Chains        int
	Rounds        int
	Processes     int
	GlobalBarrier float64
}

func (c *Client) Runs(ctx context.Context) ([]RunItem, error) {
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RunItem, 0, len(runs))
	for _, run := range runs {
		out = append(out, RunItem{
			RunID:         run.ID,
			CreatedAtUTC:  run.CreatedAtUTC,
			Model:         run.Model,
			Seed:          run.Seed,
			Chains:        run.Chains + run.ChainsVariational,
			Rounds:        run.Rounds,
			Processes:     run.Processes,
			GlobalBarrier: run.GlobalBarrier,
		})
	}
	return out, nil
}

func (c *Client) BarrierHistory(ctx context.Context, runID string) ([]float64, error) {
	history, ok, err := c.store.GetBarrierHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no barrier history for run: %s", runID)
	}
	return history, nil
}
