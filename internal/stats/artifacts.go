package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"astir/internal/exprio"
	"astir/internal/model"
)

const (
	runIndexFile       = "run_index.json"
	configFile         = "config.json"
	lossHistoryFile    = "loss_history.json"
	lossSeriesFile     = "loss_series.csv"
	assignmentsCSVFile = "assignments.csv"
)

type RunConfig struct {
	RunID           string   `json:"run_id"`
	ExpressionPath  string   `json:"expression_path,omitempty"`
	MarkerPath      string   `json:"marker_path,omitempty"`
	Cells           int      `json:"cells"`
	MarkerGenes     []string `json:"marker_genes"`
	MissingGenes    []string `json:"missing_genes,omitempty"`
	CellTypes       []string `json:"cell_types"`
	CellStates      []string `json:"cell_states,omitempty"`
	Epochs          int      `json:"epochs"`
	LearningRate    float64  `json:"learning_rate"`
	BatchSize       int      `json:"batch_size"`
	Hidden          int      `json:"hidden"`
	Activation      string   `json:"activation"`
	LossAggregation string   `json:"loss_aggregation"`
	Seed            int64    `json:"seed"`
}

// LossSummary condenses a per-epoch loss history.
type LossSummary struct {
	Epochs      int     `json:"epochs"`
	InitialLoss float64 `json:"initial_loss"`
	FinalLoss   float64 `json:"final_loss"`
	MeanLoss    float64 `json:"mean_loss"`
	StdLoss     float64 `json:"std_loss"`
	MinLoss     float64 `json:"min_loss"`
	MaxLoss     float64 `json:"max_loss"`
	Improvement float64 `json:"improvement"`
}

type LossHistory struct {
	Losses  []float64   `json:"losses"`
	Summary LossSummary `json:"summary"`
}

type RunArtifacts struct {
	Config      RunConfig         `json:"config"`
	Losses      []float64         `json:"losses"`
	Assignments model.Assignments `json:"-"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Cells        int     `json:"cells"`
	MarkerGenes  int     `json:"marker_genes"`
	CellTypes    int     `json:"cell_types"`
	Epochs       int     `json:"epochs"`
	Seed         int64   `json:"seed"`
	FinalLoss    float64 `json:"final_loss"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// SummarizeLosses reports the first and last losses, their spread, and the drop
// from first to last. An empty history summarizes to zeros.
func SummarizeLosses(losses []float64) LossSummary {
	if len(losses) == 0 {
		return LossSummary{}
	}
	mean, std := stat.PopMeanStdDev(losses, nil)
	first, last := losses[0], losses[len(losses)-1]
	return LossSummary{
		Epochs:      len(losses),
		InitialLoss: first,
		FinalLoss:   last,
		MeanLoss:    mean,
		StdLoss:     std,
		MinLoss:     floats.Min(losses),
		MaxLoss:     floats.Max(losses),
		Improvement: first - last,
	}
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	history := LossHistory{
		Losses:  append([]float64{}, artifacts.Losses...),
		Summary: SummarizeLosses(artifacts.Losses),
	}
	if err := writeJSON(filepath.Join(runDir, lossHistoryFile), history); err != nil {
		return "", err
	}
	if err := WriteLossSeries(runDir, artifacts.Losses); err != nil {
		return "", err
	}
	if err := exprio.WriteAssignmentsCSVFile(filepath.Join(runDir, assignmentsCSVFile), artifacts.Assignments); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory's files to outDir/runID.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, lossHistoryFile, assignmentsCSVFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	seriesPath := filepath.Join(src, lossSeriesFile)
	if _, err := os.Stat(seriesPath); err == nil {
		if err := copyFile(seriesPath, filepath.Join(dst, lossSeriesFile)); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	if err != nil || !ok {
		return RunConfig{}, ok, err
	}
	return cfg, true, nil
}

func ReadLossHistory(baseDir, runID string) (LossHistory, bool, error) {
	var history LossHistory
	ok, err := readJSON(filepath.Join(baseDir, runID, lossHistoryFile), &history)
	if err != nil || !ok {
		return LossHistory{}, ok, err
	}
	return history, true, nil
}

func ReadAssignments(baseDir, runID string) (model.Assignments, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, assignmentsCSVFile))
	if err != nil {
		if os.IsNotExist(err) {
			return model.Assignments{}, false, nil
		}
		return model.Assignments{}, false, err
	}
	defer file.Close()

	assignments, err := exprio.ReadAssignmentsCSV(file)
	if err != nil {
		return model.Assignments{}, false, err
	}
	return assignments, true, nil
}

// WriteLossSeries writes one "epoch,loss" row per epoch, numbering from 1.
func WriteLossSeries(runDir string, losses []float64) error {
	path := filepath.Join(runDir, lossSeriesFile)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"epoch", "loss"}); err != nil {
		return err
	}
	for i, loss := range losses {
		if err := writer.Write([]string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(loss, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadLossSeries(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(baseDir, runID, lossSeriesFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("loss series header must have at least 2 columns")
	}

	series := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 {
			return nil, false, fmt.Errorf("loss series row must have at least 2 columns")
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
