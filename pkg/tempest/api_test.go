package tempest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	client, err := Open(context.Background(), Options{StoreKind: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRunPersistsRecordAndDiagnostics(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)

	summary, err := client.Run(ctx, RunRequest{
		RunID:  "smoke",
		Model:  "gaussian-pair",
		Seed:   1,
		Rounds: 8,
		Chains: 4,
	})
	require.NoError(t, err)
	require.Equal(t, "smoke", summary.RunID)
	require.Equal(t, 8, summary.Rounds)
	require.Len(t, summary.ChainToReplica, 4)

	runs, err := client.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "smoke", runs[0].RunID)
	require.Equal(t, "gaussian-pair", runs[0].Model)

	history, err := client.BarrierHistory(ctx, "smoke")
	require.NoError(t, err)
	require.Len(t, history, 8)
}

func TestRunRejectsUnknownModel(t *testing.T) {
	client := newClient(t)
	_, err := client.Run(context.Background(), RunRequest{Model: "no-such-model"})
	require.Error(t, err)
}

func TestRunIsProcessCountInvariant(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)

	base := RunRequest{Model: "gaussian-pair", Seed: 7, Rounds: 16, Chains: 6}

	single := base
	single.RunID = "p1"
	single.Processes = 1
	wantSummary, err := client.Run(ctx, single)
	require.NoError(t, err)

	double := base
	double.RunID = "p2"
	double.Processes = 2
	gotSummary, err := client.Run(ctx, double)
	require.NoError(t, err)

	require.Equal(t, wantSummary.ChainToReplica, gotSummary.ChainToReplica)
	require.Equal(t, wantSummary.GlobalBarrier, gotSummary.GlobalBarrier)
}

func TestResumeReproducesStraightRun(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)

	straight, err := client.Run(ctx, RunRequest{
		RunID: "straight", Model: "gaussian-pair", Seed: 3, Rounds: 10, Chains: 5,
	})
	require.NoError(t, err)

	_, err = client.Run(ctx, RunRequest{
		RunID: "split", Model: "gaussian-pair", Seed: 3, Rounds: 4, Chains: 5, Checkpoint: true,
	})
	require.NoError(t, err)

	resumed, err := client.Resume(ctx, "split", 6)
	require.NoError(t, err)
	require.Equal(t, straight.Rounds, resumed.Rounds)
	require.Equal(t, straight.ChainToReplica, resumed.ChainToReplica)
	require.Equal(t, straight.GlobalBarrier, resumed.GlobalBarrier)
}

func TestCheckedRoundOnCleanRun(t *testing.T) {
	client := newClient(t)
	_, err := client.Run(context.Background(), RunRequest{
		Model: "gaussian-pair", Seed: 1, Rounds: 6, Chains: 4, Processes: 2, CheckedRound: 3,
	})
	require.NoError(t, err)
}

func TestVariationalRunReportsBothBarriers(t *testing.T) {
	client := newClient(t)
	summary, err := client.Run(context.Background(), RunRequest{
		Model: "gaussian-pair", Seed: 2, Rounds: 48, Chains: 5, ChainsVariational: 5,
	})
	require.NoError(t, err)
	require.Len(t, summary.ChainToReplica, 10)
	require.Greater(t, summary.GlobalBarrier, 0.0)
	require.Greater(t, summary.GlobalBarrierVariational, 0.0)
}

func TestGaussianPairBarrierEstimate(t *testing.T) {
	if testing.Short() {
		t.Skip("long barrier estimation run")
	}
	client := newClient(t)
	summary, err := client.Run(context.Background(), RunRequest{
		Model: "gaussian-pair", Seed: 1, Rounds: 2048, Chains: 8,
	})
	require.NoError(t, err)
	require.InDelta(t, 3.15, summary.GlobalBarrier, 0.1,
		"global barrier for Normal(-3,1) -> Normal(3,1)")
}

func TestUnidentifiableProductBarrierEstimate(t *testing.T) {
	if testing.Short() {
		t.Skip("long barrier estimation run")
	}
	client := newClient(t)
	summary, err := client.Run(context.Background(), RunRequest{
		Model: "unidentifiable-product", Seed: 1, Rounds: 2048, Chains: 4,
	})
	require.NoError(t, err)
	require.InDelta(t, 1.39, summary.GlobalBarrier, 0.1,
		"global barrier for the unidentifiable Binomial product target")
	require.Equal(t, 0, summary.NaNCount)
}
