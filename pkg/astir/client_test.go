package astir

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"astir/internal/model"
	"astir/internal/storage"
)

func newTestClient(t *testing.T, base string) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		StoreKind:  storage.KindMemory,
		RunsDir:    filepath.Join(base, "runs"),
		ExportsDir: filepath.Join(base, "exports"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestClientRunRunsAndExport(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	exprPath, markerPath := writeInputs(t, base)
	client := newTestClient(t, base)
	require.NoError(t, client.Init(ctx))

	summary, err := client.Run(ctx, RunRequest{
		ExpressionPath: exprPath,
		MarkerPath:     markerPath,
		Epochs:         4,
		Seed:           42,
	})
	require.NoError(t, err)
	require.NotEmpty(t, summary.RunID)
	require.Len(t, summary.Losses, 4)
	require.Equal(t, summary.Losses[3], summary.FinalLoss)
	require.Equal(t, 10, summary.Cells)
	require.Equal(t, []string{"Epithelial", "Immune"}, summary.CellTypes)
	for _, file := range []string{"config.json", "loss_history.json", "loss_series.csv", "assignments.csv"} {
		_, err := os.Stat(filepath.Join(summary.ArtifactsDir, file))
		require.NoError(t, err, file)
	}

	record, err := client.RunRecord(ctx, summary.RunID)
	require.NoError(t, err)
	require.Equal(t, storage.CurrentSchemaVersion, record.SchemaVersion)
	require.Equal(t, int64(42), record.Seed)
	require.Equal(t, 4, record.Epochs)
	require.Equal(t, 1024, record.BatchSize)
	require.Equal(t, "last", record.LossAggregation)
	require.Equal(t, "relu", record.Activation)
	require.Equal(t, []string{"proliferating"}, record.CellStates)

	runs, err := client.Runs(ctx, RunsRequest{Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, summary.RunID, runs[0].RunID)
	require.Equal(t, 4, runs[0].MarkerGenes)

	losses, err := client.Losses(ctx, LossesRequest{Latest: true})
	require.NoError(t, err)
	require.Equal(t, summary.Losses, losses)

	limited, err := client.Losses(ctx, LossesRequest{RunID: summary.RunID, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, summary.Losses[:2], limited)

	assignments, err := client.Assignments(ctx, AssignmentsRequest{RunID: summary.RunID})
	require.NoError(t, err)
	require.Len(t, assignments.Rows, 10)
	require.Equal(t, []string{"Epithelial", "Immune", model.OtherClass}, assignments.Classes)

	head, err := client.Assignments(ctx, AssignmentsRequest{Latest: true, Limit: 3})
	require.NoError(t, err)
	require.Len(t, head.Rows, 3)
	require.Len(t, head.CellIDs, 3)

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	require.NoError(t, err)
	require.Equal(t, summary.RunID, exported.RunID)
	_, err = os.Stat(filepath.Join(exported.Directory, "assignments.csv"))
	require.NoError(t, err)
}

func TestClientReadsArtifactsRecordedByAnotherClient(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	exprPath, markerPath := writeInputs(t, base)

	summary, err := newTestClient(t, base).Run(ctx, RunRequest{
		ExpressionPath: exprPath,
		MarkerPath:     markerPath,
		Epochs:         2,
	})
	require.NoError(t, err)

	// A second in-memory client shares only the runs directory.
	other := newTestClient(t, base)
	losses, err := other.Losses(ctx, LossesRequest{RunID: summary.RunID})
	require.NoError(t, err)
	require.Equal(t, summary.Losses, losses)

	assignments, err := other.Assignments(ctx, AssignmentsRequest{RunID: summary.RunID})
	require.NoError(t, err)
	require.Len(t, assignments.Rows, 10)

	record, err := other.RunRecord(ctx, summary.RunID)
	require.NoError(t, err)
	require.Equal(t, summary.RunID, record.ID)
	require.Equal(t, 2, record.Epochs)
	require.Equal(t, int64(DefaultSeed), record.Seed)
	require.Equal(t, summary.FinalLoss, record.FinalLoss)
	require.NotEmpty(t, record.CreatedAtUTC)
	require.Equal(t, storage.CurrentSchemaVersion, record.SchemaVersion)

	_, err = other.RunRecord(ctx, "missing")
	require.Error(t, err)

	// Without loss_history.json the CSV series still serves the losses.
	require.NoError(t, os.Remove(filepath.Join(summary.ArtifactsDir, "loss_history.json")))
	fromSeries, err := newTestClient(t, base).Losses(ctx, LossesRequest{RunID: summary.RunID})
	require.NoError(t, err)
	require.Equal(t, summary.Losses, fromSeries)
}

func TestClientRunsMergesStoreAndIndex(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	exprPath, markerPath := writeInputs(t, base)

	indexed, err := newTestClient(t, base).Run(ctx, RunRequest{
		ExpressionPath: exprPath,
		MarkerPath:     markerPath,
		Epochs:         1,
	})
	require.NoError(t, err)

	client := newTestClient(t, base)
	require.NoError(t, client.Init(ctx))
	require.NoError(t, client.store.SaveRun(ctx, model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              "stored-only",
		CreatedAtUTC:    "2999-01-01T00:00:00Z",
		Cells:           3,
		MarkerGenes:     []string{"A", "B"},
		CellTypes:       []string{"X", "Y"},
		Epochs:          7,
	}))

	runs, err := client.Runs(ctx, RunsRequest{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "stored-only", runs[0].RunID)
	require.Equal(t, 2, runs[0].MarkerGenes)
	require.Equal(t, 7, runs[0].Epochs)
	require.Equal(t, indexed.RunID, runs[1].RunID)

	limited, err := client.Runs(ctx, RunsRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	record, err := client.RunRecord(ctx, "stored-only")
	require.NoError(t, err)
	require.Equal(t, 3, record.Cells)
}

func TestClientRequestValidation(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	client := newTestClient(t, base)

	_, err := client.Run(ctx, RunRequest{})
	require.Error(t, err)

	_, err = client.Losses(ctx, LossesRequest{RunID: "a", Latest: true})
	require.Error(t, err)
	_, err = client.Losses(ctx, LossesRequest{})
	require.Error(t, err)
	_, err = client.Losses(ctx, LossesRequest{Latest: true})
	require.Error(t, err)
	_, err = client.Losses(ctx, LossesRequest{RunID: "missing"})
	require.Error(t, err)
	_, err = client.Assignments(ctx, AssignmentsRequest{RunID: "a", Limit: -1})
	require.Error(t, err)
	_, err = client.Export(ctx, ExportRequest{})
	require.Error(t, err)

	runs, err := client.Runs(ctx, RunsRequest{})
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestClientRunPropagatesNotClassifiable(t *testing.T) {
	base := t.TempDir()
	exprPath, _ := writeInputs(t, base)
	markerPath := filepath.Join(base, "one_type.yml")
	require.NoError(t, os.WriteFile(markerPath, []byte("cell_types:\n  Epithelial: [ECAD]\ncell_states: {}\n"), 0o644))

	_, err := newTestClient(t, base).Run(context.Background(), RunRequest{
		ExpressionPath: exprPath,
		MarkerPath:     markerPath,
		Epochs:         1,
	})
	require.ErrorIs(t, err, ErrNotClassifiable)
}

func TestNewClientUnsupportedStore(t *testing.T) {
	_, err := NewClient(ClientOptions{StoreKind: "postgres"})
	require.Error(t, err)
}
