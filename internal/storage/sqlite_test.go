//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"astir/internal/model"
)

func TestSQLiteStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "astir.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	older := testRun("run-old", "2026-01-01T00:00:00Z")
	newer := testRun("run-new", "2026-02-01T00:00:00Z")
	for _, run := range []model.RunRecord{older, newer} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %s: %v", run.ID, err)
		}
	}

	loaded, ok, err := store.GetRun(ctx, "run-old")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok || loaded.FinalLoss != older.FinalLoss || len(loaded.MarkerGenes) != 2 {
		t.Fatalf("unexpected run loaded: %+v", loaded)
	}

	newer.FinalLoss = 3
	if err := store.SaveRun(ctx, newer); err != nil {
		t.Fatalf("upsert run: %v", err)
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-new" || runs[0].FinalLoss != 3 {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestSQLiteStoreLossesAndAssignments(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(KindSQLite, filepath.Join(t.TempDir(), "astir.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = CloseIfSupported(store)
	})

	if err := store.SaveLossHistory(ctx, "run-1", []float64{5, 4, 3.5}); err != nil {
		t.Fatalf("save losses: %v", err)
	}
	losses, ok, err := store.GetLossHistory(ctx, "run-1")
	if err != nil || !ok || len(losses) != 3 || losses[2] != 3.5 {
		t.Fatalf("unexpected losses ok=%t err=%v losses=%v", ok, err, losses)
	}

	assignments := model.Assignments{
		IndexName: "cell",
		CellIDs:   []string{"c1"},
		Classes:   []string{"A", "B", model.OtherClass},
		Rows:      [][]float64{{0.2, 0.3, 0.5}},
	}
	if err := store.SaveAssignments(ctx, "run-1", assignments); err != nil {
		t.Fatalf("save assignments: %v", err)
	}
	loaded, ok, err := store.GetAssignments(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get assignments ok=%t err=%v", ok, err)
	}
	if loaded.IndexName != "cell" || loaded.Rows[0][2] != 0.5 {
		t.Fatalf("unexpected assignments: %+v", loaded)
	}

	if _, ok, err := store.GetAssignments(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing assignments, ok=%t err=%v", ok, err)
	}
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	if err := NewSQLiteStore("").Init(context.Background()); err == nil {
		t.Fatal("expected missing path error")
	}
}

func TestDefaultStoreKindIsSQLite(t *testing.T) {
	if DefaultStoreKind() != KindSQLite {
		t.Fatalf("expected sqlite default, got %s", DefaultStoreKind())
	}
}
