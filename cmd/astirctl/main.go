package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"astir/internal/exprio"
	"astir/internal/model"
	"astir/internal/simulate"
	"astir/internal/storage"
	"astir/pkg/astir"
)

const (
	runsDir       = "runs"
	exportsDir    = "exports"
	defaultDBPath = "astir.db"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "fit":
		return runFit(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "show":
		return runShow(ctx, args[1:])
	case "losses":
		return runLosses(ctx, args[1:])
	case "assignments":
		return runAssignments(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "simulate":
		return runSimulate(args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *dbPath, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}
	fmt.Printf("initialized store=%s\n", *storeKind)
	return nil
}

func runFit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fit", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path")
	exprPath := fs.String("expr", "", "expression CSV path (cells x proteins)")
	markerPath := fs.String("markers", "", "marker YAML path")
	epochs := fs.Int("epochs", 100, "training epochs")
	learningRate := fs.Float64("lr", 1e-2, "Adam learning rate")
	batchSize := fs.Int("batch-size", 1024, "mini-batch size (capped at the cell count)")
	lossAggregation := fs.String("loss-aggregation", "last", "per-epoch loss: last|sum|mean")
	seed := fs.Int64("seed", astir.DefaultSeed, "rng seed")
	hidden := fs.Int("hidden", 6, "recognition network hidden width")
	activation := fs.String("activation", "relu", "recognition network activation")
	outCSV := fs.String("out", "", "optional path for an assignments CSV copy")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	verbose := fs.Bool("verbose", false, "log per-epoch progress to stderr")
	jsonOut := fs.Bool("json", false, "emit run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	// Zero selects a default in the Go API; on the command line it is a mistake.
	if *configPath == "" || setFlags["epochs"] {
		if *epochs <= 0 {
			return fmt.Errorf("--epochs must be > 0, got %d", *epochs)
		}
	}
	if *configPath == "" || setFlags["batch-size"] {
		if *batchSize <= 0 {
			return fmt.Errorf("--batch-size must be > 0, got %d", *batchSize)
		}
	}
	if *configPath == "" || setFlags["lr"] {
		if *learningRate <= 0 {
			return fmt.Errorf("--lr must be > 0, got %g", *learningRate)
		}
	}

	req, err := loadOrDefaultRunRequest(*configPath)
	if err != nil {
		return err
	}
	if *configPath == "" {
		req = astir.RunRequest{
			ExpressionPath:  *exprPath,
			MarkerPath:      *markerPath,
			Epochs:          *epochs,
			LearningRate:    *learningRate,
			BatchSize:       *batchSize,
			LossAggregation: *lossAggregation,
			Seed:            *seed,
			Hidden:          *hidden,
			Activation:      *activation,
		}
	} else {
		overrideFromFlags(&req, setFlags, map[string]any{
			"expr":             *exprPath,
			"markers":          *markerPath,
			"epochs":           *epochs,
			"lr":               *learningRate,
			"batch-size":       *batchSize,
			"loss-aggregation": *lossAggregation,
			"seed":             *seed,
			"hidden":           *hidden,
			"activation":       *activation,
		})
	}
	if req.ExpressionPath == "" || req.MarkerPath == "" {
		return errors.New("fit requires --expr and --markers (or a config naming both)")
	}

	client, err := newClient(*storeKind, *dbPath, *verbose)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, req)
	if err != nil {
		return err
	}
	if *outCSV != "" {
		assignments, err := client.Assignments(ctx, astir.AssignmentsRequest{RunID: summary.RunID})
		if err != nil {
			return err
		}
		if err := writeAssignmentsCSV(*outCSV, assignments); err != nil {
			return err
		}
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"run_id":        summary.RunID,
			"artifacts_dir": summary.ArtifactsDir,
			"cells":         summary.Cells,
			"marker_genes":  summary.MarkerGenes,
			"missing_genes": summary.MissingGenes,
			"cell_types":    summary.CellTypes,
			"losses":        summary.Losses,
			"final_loss":    summary.FinalLoss,
		})
	}

	fmt.Printf("run_id=%s cells=%s marker_genes=%d cell_types=%d epochs=%d final_loss=%.6f\n",
		summary.RunID,
		humanize.Comma(int64(summary.Cells)),
		len(summary.MarkerGenes),
		len(summary.CellTypes),
		len(summary.Losses),
		summary.FinalLoss,
	)
	if len(summary.MissingGenes) > 0 {
		fmt.Printf("missing_genes=%v\n", summary.MissingGenes)
	}
	fmt.Printf("artifacts=%s\n", summary.ArtifactsDir)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := newClient(*storeKind, *dbPath, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	runs, err := client.Runs(ctx, astir.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	if *jsonOut {
		type runsItem struct {
			RunID        string  `json:"run_id"`
			CreatedAtUTC string  `json:"created_at_utc"`
			Cells        int     `json:"cells"`
			MarkerGenes  int     `json:"marker_genes"`
			CellTypes    int     `json:"cell_types"`
			Epochs       int     `json:"epochs"`
			Seed         int64   `json:"seed"`
			FinalLoss    float64 `json:"final_loss"`
		}
		items := make([]runsItem, 0, len(runs))
		for _, r := range runs {
			items = append(items, runsItem(r))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	for _, r := range runs {
		fmt.Printf("run_id=%s created=%s cells=%s cell_types=%d epochs=%d seed=%d final_loss=%.6f\n",
			r.RunID,
			humanizeCreated(r.CreatedAtUTC),
			humanize.Comma(int64(r.Cells)),
			r.CellTypes,
			r.Epochs,
			r.Seed,
			r.FinalLoss,
		)
	}
	return nil
}

func runShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show the most recent run from run index")
	jsonOut := fs.Bool("json", false, "emit the run record as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("show requires --run-id or --latest")
	}

	client, err := newClient(*storeKind, *dbPath, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	id := *runID
	if *latest {
		runs, err := client.Runs(ctx, astir.RunsRequest{Limit: 1})
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return errors.New("no runs available")
		}
		id = runs[0].RunID
	}
	record, err := client.RunRecord(ctx, id)
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	}
	fmt.Printf("run_id=%s created=%s cells=%s marker_genes=%d cell_types=%v\n",
		record.ID,
		humanizeCreated(record.CreatedAtUTC),
		humanize.Comma(int64(record.Cells)),
		len(record.MarkerGenes),
		record.CellTypes,
	)
	fmt.Printf("epochs=%d lr=%g batch_size=%d loss_aggregation=%s hidden=%d activation=%s seed=%d final_loss=%.6f\n",
		record.Epochs,
		record.LearningRate,
		record.BatchSize,
		record.LossAggregation,
		record.Hidden,
		record.Activation,
		record.Seed,
		record.FinalLoss,
	)
	return nil
}

func runLosses(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("losses", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show losses for the most recent run from run index")
	limit := fs.Int("limit", 0, "max epochs to print (<=0 for all)")
	jsonOut := fs.Bool("json", false, "emit losses as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("losses requires --run-id or --latest")
	}
	if *limit < 0 {
		*limit = 0
	}

	client, err := newClient(*storeKind, *dbPath, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	losses, err := client.Losses(ctx, astir.LossesRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(losses)
	}
	if len(losses) == 0 {
		fmt.Println("no losses")
		return nil
	}
	for i, loss := range losses {
		fmt.Printf("epoch=%d loss=%.6f\n", i+1, loss)
	}
	return nil
}

func runAssignments(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("assignments", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show assignments for the most recent run from run index")
	limit := fs.Int("limit", 20, "max cells to print (<=0 for all)")
	outCSV := fs.String("out", "", "write the full table to this CSV path instead of printing")
	jsonOut := fs.Bool("json", false, "emit assignments as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("assignments requires --run-id or --latest")
	}
	if *limit < 0 || *outCSV != "" {
		*limit = 0
	}

	client, err := newClient(*storeKind, *dbPath, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	assignments, err := client.Assignments(ctx, astir.AssignmentsRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *outCSV != "" {
		if err := writeAssignmentsCSV(*outCSV, assignments); err != nil {
			return err
		}
		fmt.Printf("wrote cells=%s to=%s\n", humanize.Comma(int64(len(assignments.Rows))), filepath.Clean(*outCSV))
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(assignments)
	}

	for i, row := range assignments.Rows {
		best := 0
		for j := range row {
			if row[j] > row[best] {
				best = j
			}
		}
		fmt.Printf("cell=%s class=%s probability=%.4f\n", assignments.CellIDs[i], assignments.Classes[best], row[best])
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := newClient(storage.KindMemory, "", false)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, astir.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}

	fmt.Printf("exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func runSimulate(args []string) error {
	defaults := simulate.DefaultConfig()
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	outDir := fs.String("out", "", "output directory for expression, marker and label files")
	cells := fs.Int("cells", defaults.Cells, "cells to sample")
	types := fs.Int("types", defaults.CellTypes, "cell types")
	markersPerType := fs.Int("markers-per-type", defaults.MarkersPerType, "marker proteins per cell type")
	background := fs.Int("background", defaults.Background, "proteins that mark no type")
	baseMean := fs.Float64("base-mean", defaults.BaseMean, "baseline mean intensity")
	shift := fs.Float64("shift", defaults.Shift, "marker intensity multiplier for a cell's own type")
	noise := fs.Float64("noise", defaults.Noise, "Normal noise standard deviation")
	seed := fs.Int64("seed", astir.DefaultSeed, "rng seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outDir == "" {
		return errors.New("simulate requires --out")
	}

	ds, err := simulate.Generate(simulate.Config{
		Cells:          *cells,
		CellTypes:      *types,
		MarkersPerType: *markersPerType,
		Background:     *background,
		BaseMean:       *baseMean,
		Shift:          *shift,
		Noise:          *noise,
	}, *seed)
	if err != nil {
		return err
	}
	paths, err := simulate.WriteDataset(*outDir, ds)
	if err != nil {
		return err
	}
	fmt.Printf("simulated cells=%s genes=%d cell_types=%d\n",
		humanize.Comma(int64(len(ds.Table.CellIDs))), len(ds.Table.Genes), *types)
	fmt.Printf("expr=%s markers=%s labels=%s\n", paths[0], paths[1], paths[2])
	return nil
}

func newClient(storeKind, dbPath string, verbose bool) (*astir.Client, error) {
	var logger *slog.Logger
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return astir.NewClient(astir.ClientOptions{
		StoreKind:  storeKind,
		DBPath:     dbPath,
		RunsDir:    runsDir,
		ExportsDir: exportsDir,
		Logger:     logger,
	})
}

func writeAssignmentsCSV(path string, assignments model.Assignments) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return exprio.WriteAssignmentsCSVFile(path, assignments)
}

func humanizeCreated(createdAtUTC string) string {
	created, err := time.Parse(time.RFC3339Nano, createdAtUTC)
	if err != nil {
		return createdAtUTC
	}
	return fmt.Sprintf("%q", humanize.Time(created))
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: astirctl <init|fit|runs|show|losses|assignments|export|simulate> [flags]", msg)
}
