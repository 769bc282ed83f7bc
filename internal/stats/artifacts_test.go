package stats

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"astir/internal/model"
)

func testArtifacts(runID string) RunArtifacts {
	return RunArtifacts{
		Config: RunConfig{
			RunID:           runID,
			Cells:           2,
			MarkerGenes:     []string{"ECAD", "CD45"},
			CellTypes:       []string{"Epithelial", "Immune"},
			Epochs:          3,
			LearningRate:    0.01,
			BatchSize:       1024,
			Hidden:          6,
			Activation:      "relu",
			LossAggregation: "last",
			Seed:            1234,
		},
		Losses: []float64{30, 24, 21},
		Assignments: model.Assignments{
			IndexName: "cell",
			CellIDs:   []string{"c1", "c2"},
			Classes:   []string{"Epithelial", "Immune", model.OtherClass},
			Rows:      [][]float64{{0.8, 0.15, 0.05}, {0.1, 0.7, 0.2}},
		},
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	runDir, err := WriteRunArtifacts(baseDir, testArtifacts(runID))
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	files := []string{"config.json", "loss_history.json", "loss_series.csv", "assignments.csv"}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	if err := os.Remove(filepath.Join(runDir, "loss_series.csv")); err != nil {
		t.Fatalf("remove series: %v", err)
	}
	if _, err := ExportRunArtifacts(baseDir, runID, filepath.Join(t.TempDir(), "again")); err != nil {
		t.Fatalf("export without optional series: %v", err)
	}

	if _, err := ExportRunArtifacts(baseDir, "missing", outDir); err == nil {
		t.Fatal("expected error exporting unknown run")
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), testArtifacts("")); err == nil {
		t.Fatal("expected run id error")
	}
}

func TestReadRunArtifactsBack(t *testing.T) {
	baseDir := t.TempDir()
	input := testArtifacts("run-read")
	if _, err := WriteRunArtifacts(baseDir, input); err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	cfg, ok, err := ReadRunConfig(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read config ok=%t err=%v", ok, err)
	}
	if !reflect.DeepEqual(cfg, input.Config) {
		t.Fatalf("config mismatch:\nwant %+v\ngot  %+v", input.Config, cfg)
	}

	history, ok, err := ReadLossHistory(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read loss history ok=%t err=%v", ok, err)
	}
	if !reflect.DeepEqual(history.Losses, input.Losses) || history.Summary.FinalLoss != 21 {
		t.Fatalf("unexpected loss history: %+v", history)
	}

	series, ok, err := ReadLossSeries(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read loss series ok=%t err=%v", ok, err)
	}
	if !reflect.DeepEqual(series, input.Losses) {
		t.Fatalf("unexpected loss series: %v", series)
	}

	assignments, ok, err := ReadAssignments(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read assignments ok=%t err=%v", ok, err)
	}
	if !reflect.DeepEqual(assignments, input.Assignments) {
		t.Fatalf("assignments mismatch:\nwant %+v\ngot  %+v", input.Assignments, assignments)
	}

	if _, ok, err := ReadLossHistory(baseDir, "missing"); err != nil || ok {
		t.Fatalf("expected missing history, ok=%t err=%v", ok, err)
	}
	if _, ok, err := ReadAssignments(baseDir, "missing"); err != nil || ok {
		t.Fatalf("expected missing assignments, ok=%t err=%v", ok, err)
	}
}

func TestSummarizeLosses(t *testing.T) {
	summary := SummarizeLosses([]float64{10, 6, 8})
	if summary.Epochs != 3 || summary.InitialLoss != 10 || summary.FinalLoss != 8 {
		t.Fatalf("unexpected endpoints: %+v", summary)
	}
	if summary.MinLoss != 6 || summary.MaxLoss != 10 || summary.Improvement != 2 {
		t.Fatalf("unexpected range: %+v", summary)
	}
	if summary.MeanLoss != 8 || math.Abs(summary.StdLoss-math.Sqrt(8.0/3)) > 1e-12 {
		t.Fatalf("unexpected moments: %+v", summary)
	}
	if (SummarizeLosses(nil) != LossSummary{}) {
		t.Fatal("expected zero summary for empty history")
	}
}

func TestRunIndexAppendListAndUpsert(t *testing.T) {
	baseDir := t.TempDir()

	err := AppendRunIndex(baseDir, RunIndexEntry{
		RunID:        "run-1",
		Cells:        100,
		MarkerGenes:  8,
		CellTypes:    3,
		Epochs:       50,
		Seed:         1,
		FinalLoss:    120.5,
		CreatedAtUTC: "2026-02-10T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("append run-1: %v", err)
	}

	err = AppendRunIndex(baseDir, RunIndexEntry{
		RunID:        "run-2",
		Cells:        100,
		MarkerGenes:  8,
		CellTypes:    3,
		Epochs:       50,
		Seed:         2,
		FinalLoss:    118.25,
		CreatedAtUTC: "2026-02-10T11:00:00Z",
	})
	if err != nil {
		t.Fatalf("append run-2: %v", err)
	}

	entries, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RunID != "run-2" || entries[1].RunID != "run-1" {
		t.Fatalf("unexpected order: %+v", entries)
	}

	err = AppendRunIndex(baseDir, RunIndexEntry{
		RunID:        "run-1",
		Cells:        100,
		MarkerGenes:  8,
		CellTypes:    3,
		Epochs:       80,
		Seed:         1,
		FinalLoss:    99,
		CreatedAtUTC: "2026-02-10T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("upsert run-1: %v", err)
	}

	entries, err = ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list after upsert: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after upsert, got %d", len(entries))
	}
	if entries[0].RunID != "run-1" || entries[0].FinalLoss != 99 {
		t.Fatalf("unexpected upsert result: %+v", entries[0])
	}
}

func TestRunIndexEqualTimestampPrefersLaterAppend(t *testing.T) {
	baseDir := t.TempDir()
	ts := "2026-02-10T12:00:00Z"

	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-a", CreatedAtUTC: ts}); err != nil {
		t.Fatalf("append run-a: %v", err)
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-b", CreatedAtUTC: ts}); err != nil {
		t.Fatalf("append run-b: %v", err)
	}

	entries, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RunID != "run-b" {
		t.Fatalf("expected latest appended run-b first, got %+v", entries)
	}
}

func TestListRunIndexEmptyDir(t *testing.T) {
	entries, err := ListRunIndex(t.TempDir())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty index, got %+v", entries)
	}
}
