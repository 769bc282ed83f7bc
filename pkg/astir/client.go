package astir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"astir/internal/model"
	"astir/internal/stats"
	"astir/internal/storage"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "astir.db"
)

type ClientOptions struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *slog.Logger
}

// Client runs fits from files and keeps their results in a store and in per-run
// artifact directories.
type Client struct {
	store       storage.Store
	initialized bool

	runsDir    string
	exportsDir string
	logger     *slog.Logger
}

type RunRequest struct {
	ExpressionPath  string
	MarkerPath      string
	Epochs          int
	LearningRate    float64
	BatchSize       int
	LossAggregation string
	Seed            int64
	Hidden          int
	Activation      string
}

type RunSummary struct {
	RunID        string
	ArtifactsDir string
	Cells        int
	MarkerGenes  []string
	MissingGenes []string
	CellTypes    []string
	Losses       []float64
	FinalLoss    float64
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Cells        int
	MarkerGenes  int
	CellTypes    int
	Epochs       int
	Seed         int64
	FinalLoss    float64
}

type LossesRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type AssignmentsRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func NewClient(opts ClientOptions) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		runsDir:    runsDir,
		exportsDir: exportsDir,
		logger:     logger,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Init prepares the store. Other methods call it on demand.
func (c *Client) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Run loads the expression and marker files, fits a model, and records the run.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if req.ExpressionPath == "" || req.MarkerPath == "" {
		return RunSummary{}, errors.New("run requires an expression file and a marker file")
	}
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}

	runID := uuid.NewString()
	logger := c.logger.With("run_id", runID)
	m, err := Load(req.ExpressionPath, req.MarkerPath, Options{
		Seed:       req.Seed,
		Hidden:     req.Hidden,
		Activation: req.Activation,
		Logger:     logger,
	})
	if err != nil {
		return RunSummary{}, err
	}

	fitOpts := FitOptions{
		Epochs:          req.Epochs,
		LearningRate:    req.LearningRate,
		BatchSize:       req.BatchSize,
		LossAggregation: req.LossAggregation,
	}
	if err := m.Fit(ctx, fitOpts); err != nil {
		return RunSummary{}, err
	}
	losses := m.Losses()
	assignments, _ := m.Assignments()
	finalLoss := losses[len(losses)-1]

	// Fit has validated these, so only the zero values need filling.
	resolved, err := fitOpts.trainOptions(nil).Normalize()
	if err != nil {
		return RunSummary{}, err
	}

	now := time.Now().UTC()
	record := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              runID,
		CreatedAtUTC:    now.Format(time.RFC3339Nano),
		ExpressionPath:  req.ExpressionPath,
		MarkerPath:      req.MarkerPath,
		Cells:           m.Cells(),
		MarkerGenes:     m.MarkerGenes(),
		CellTypes:       m.CellTypes(),
		CellStates:      m.CellStates(),
		Epochs:          resolved.Epochs,
		LearningRate:    resolved.LearningRate,
		BatchSize:       resolved.BatchSize,
		Hidden:          m.Hidden(),
		Activation:      m.Activation(),
		LossAggregation: resolved.LossAggregation,
		Seed:            m.Seed(),
		FinalLoss:       finalLoss,
	}
	if err := c.store.SaveRun(ctx, record); err != nil {
		return RunSummary{}, err
	}
	if err := c.store.SaveLossHistory(ctx, runID, losses); err != nil {
		return RunSummary{}, err
	}
	if err := c.store.SaveAssignments(ctx, runID, assignments); err != nil {
		return RunSummary{}, err
	}

	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:           runID,
			ExpressionPath:  record.ExpressionPath,
			MarkerPath:      record.MarkerPath,
			Cells:           record.Cells,
			MarkerGenes:     record.MarkerGenes,
			MissingGenes:    m.MissingGenes(),
			CellTypes:       record.CellTypes,
			CellStates:      record.CellStates,
			Epochs:          record.Epochs,
			LearningRate:    record.LearningRate,
			BatchSize:       record.BatchSize,
			Hidden:          record.Hidden,
			Activation:      record.Activation,
			LossAggregation: record.LossAggregation,
			Seed:            record.Seed,
		},
		Losses:      losses,
		Assignments: assignments,
	})
	if err != nil {
		return RunSummary{}, err
	}

	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:        runID,
		Cells:        record.Cells,
		MarkerGenes:  len(record.MarkerGenes),
		CellTypes:    len(record.CellTypes),
		Epochs:       record.Epochs,
		Seed:         record.Seed,
		FinalLoss:    finalLoss,
		CreatedAtUTC: record.CreatedAtUTC,
	}); err != nil {
		return RunSummary{}, err
	}
	logger.Info("run recorded", "artifacts", runDir)

	return RunSummary{
		RunID:        runID,
		ArtifactsDir: filepath.Clean(runDir),
		Cells:        record.Cells,
		MarkerGenes:  record.MarkerGenes,
		MissingGenes: m.MissingGenes(),
		CellTypes:    record.CellTypes,
		Losses:       losses,
		FinalLoss:    finalLoss,
	}, nil
}

// Runs lists recorded runs, newest first. Runs held by the store are merged with
// the run index so a persistent store lists runs whose artifacts are gone, and an
// in-memory store still lists runs recorded by other processes.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	records, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(records))
	out := make([]RunItem, 0, len(records)+len(entries))
	for _, r := range records {
		seen[r.ID] = struct{}{}
		out = append(out, RunItem{
			RunID:        r.ID,
			CreatedAtUTC: r.CreatedAtUTC,
			Cells:        r.Cells,
			MarkerGenes:  len(r.MarkerGenes),
			CellTypes:    len(r.CellTypes),
			Epochs:       r.Epochs,
			Seed:         r.Seed,
			FinalLoss:    r.FinalLoss,
		})
	}
	for _, e := range entries {
		if _, ok := seen[e.RunID]; ok {
			continue
		}
		out = append(out, RunItem{
			RunID:        e.RunID,
			CreatedAtUTC: e.CreatedAtUTC,
			Cells:        e.Cells,
			MarkerGenes:  e.MarkerGenes,
			CellTypes:    e.CellTypes,
			Epochs:       e.Epochs,
			Seed:         e.Seed,
			FinalLoss:    e.FinalLoss,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAtUTC == out[j].CreatedAtUTC {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAtUTC > out[j].CreatedAtUTC
	})
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// RunRecord returns the record of one run, from the store or else rebuilt from
// the run's config artifact and its run index entry.
func (c *Client) RunRecord(ctx context.Context, runID string) (model.RunRecord, error) {
	if err := c.Init(ctx); err != nil {
		return model.RunRecord{}, err
	}
	record, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunRecord{}, err
	}
	if ok {
		return record, nil
	}

	cfg, ok, err := stats.ReadRunConfig(c.runsDir, runID)
	if err != nil {
		return model.RunRecord{}, err
	}
	if !ok {
		return model.RunRecord{}, fmt.Errorf("run not found for run id: %s", runID)
	}
	record = model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              cfg.RunID,
		ExpressionPath:  cfg.ExpressionPath,
		MarkerPath:      cfg.MarkerPath,
		Cells:           cfg.Cells,
		MarkerGenes:     cfg.MarkerGenes,
		CellTypes:       cfg.CellTypes,
		CellStates:      cfg.CellStates,
		Epochs:          cfg.Epochs,
		LearningRate:    cfg.LearningRate,
		BatchSize:       cfg.BatchSize,
		Hidden:          cfg.Hidden,
		Activation:      cfg.Activation,
		LossAggregation: cfg.LossAggregation,
		Seed:            cfg.Seed,
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return model.RunRecord{}, err
	}
	for _, e := range entries {
		if e.RunID == runID {
			record.CreatedAtUTC = e.CreatedAtUTC
			record.FinalLoss = e.FinalLoss
			break
		}
	}
	return record, nil
}

// Losses returns a run's per-epoch losses. The store is consulted first and the
// run's artifact directory second, so runs recorded by another process through
// an in-memory store remain readable.
func (c *Client) Losses(ctx context.Context, req LossesRequest) ([]float64, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "losses")
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	losses, ok, err := c.store.GetLossHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		losses, err = c.lossesFromArtifacts(runID)
		if err != nil {
			return nil, err
		}
	}
	if req.Limit > 0 && len(losses) > req.Limit {
		losses = losses[:req.Limit]
	}
	return append([]float64(nil), losses...), nil
}

// Assignments returns a run's assignment table, looked up like Losses. A positive
// limit keeps the first rows only.
func (c *Client) Assignments(ctx context.Context, req AssignmentsRequest) (model.Assignments, error) {
	if req.Limit < 0 {
		return model.Assignments{}, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "assignments")
	if err != nil {
		return model.Assignments{}, err
	}
	if err := c.Init(ctx); err != nil {
		return model.Assignments{}, err
	}

	assignments, ok, err := c.store.GetAssignments(ctx, runID)
	if err != nil {
		return model.Assignments{}, err
	}
	if !ok {
		assignments, ok, err = stats.ReadAssignments(c.runsDir, runID)
		if err != nil {
			return model.Assignments{}, err
		}
		if !ok {
			return model.Assignments{}, fmt.Errorf("assignments not found for run id: %s", runID)
		}
	}
	if req.Limit > 0 && len(assignments.Rows) > req.Limit {
		assignments.CellIDs = assignments.CellIDs[:req.Limit]
		assignments.Rows = assignments.Rows[:req.Limit]
	}
	return assignments, nil
}

// Export copies a run's artifact directory under req.OutDir.
func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "export")
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// lossesFromArtifacts prefers loss_history.json and falls back to the CSV series.
func (c *Client) lossesFromArtifacts(runID string) ([]float64, error) {
	history, found, err := stats.ReadLossHistory(c.runsDir, runID)
	if err != nil {
		return nil, err
	}
	if found {
		return history.Losses, nil
	}
	series, found, err := stats.ReadLossSeries(c.runsDir, runID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("losses not found for run id: %s", runID)
	}
	return series, nil
}

func (c *Client) resolveRunID(runID string, latest bool, what string) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if latest {
		entries, err := stats.ListRunIndex(c.runsDir)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "", errors.New("no runs available")
		}
		return entries[0].RunID, nil
	}
	if runID == "" {
		return "", fmt.Errorf("%s requires run id or latest", what)
	}
	return runID, nil
}
