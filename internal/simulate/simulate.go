package simulate

import (
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"astir/internal/elbo"
	"astir/internal/exprio"
	"astir/internal/markers"
	"astir/internal/model"
)

const (
	ExpressionFile = "expression.csv"
	MarkerFile     = "markers.yml"
	LabelFile      = "labels.csv"

	indexName = "cell"
)

// Config shapes a synthetic panel. Every class, including the catch-all, is
// drawn with equal probability.
type Config struct {
	Cells          int
	CellTypes      int
	MarkersPerType int
	// Background genes belong to no type and stay at the baseline for every class.
	Background int
	BaseMean   float64
	// Shift multiplies the baseline for the markers of a cell's own type.
	Shift float64
	Noise float64
}

func DefaultConfig() Config {
	return Config{
		Cells:          200,
		CellTypes:      3,
		MarkersPerType: 2,
		Background:     1,
		BaseMean:       2,
		Shift:          8,
		Noise:          0.5,
	}
}

// Dataset is a sampled expression table together with the marker document that
// describes it and the class each cell was drawn from.
type Dataset struct {
	Table   model.ExpressionTable
	Markers model.MarkerDocument
	Labels  []string
}

// Generate samples cfg.Cells cells from the Normal mixture the model assumes:
// a cell of class k has gene g drawn from N(mean[g,k], Noise^2), clipped at zero.
func Generate(cfg Config, seed int64) (Dataset, error) {
	if err := cfg.validate(); err != nil {
		return Dataset{}, err
	}
	rng := rand.New(rand.NewSource(seed))

	types := make([]model.MarkerEntry, cfg.CellTypes)
	var genes []string
	for c := range types {
		name := fmt.Sprintf("Type%d", c+1)
		types[c] = model.MarkerEntry{Name: name}
		for m := 0; m < cfg.MarkersPerType; m++ {
			gene := fmt.Sprintf("%s_M%d", name, m+1)
			types[c].Genes = append(types[c].Genes, gene)
			genes = append(genes, gene)
		}
	}
	for b := 0; b < cfg.Background; b++ {
		genes = append(genes, fmt.Sprintf("BG%d", b+1))
	}

	classes := cfg.CellTypes + 1
	rho := mat.NewDense(len(genes), classes, nil)
	for c := range types {
		for m := 0; m < cfg.MarkersPerType; m++ {
			rho.Set(c*cfg.MarkersPerType+m, c, 1)
		}
	}
	params := &elbo.Params{
		Mu:       make([]float64, len(genes)),
		LogDelta: mat.NewDense(len(genes), classes, nil),
	}
	for g := range params.Mu {
		params.Mu[g] = math.Log(cfg.BaseMean)
	}
	params.LogDelta.Apply(func(_, _ int, _ float64) float64 {
		return math.Log(math.Log(cfg.Shift))
	}, params.LogDelta)
	means := elbo.ClassMeans(elbo.NewFixed(rho), params)

	classNames := make([]string, 0, classes)
	for _, entry := range types {
		classNames = append(classNames, entry.Name)
	}
	classNames = append(classNames, model.OtherClass)

	ids := make([]string, cfg.Cells)
	labels := make([]string, cfg.Cells)
	values := mat.NewDense(cfg.Cells, len(genes), nil)
	for i := range ids {
		ids[i] = fmt.Sprintf("cell%04d", i+1)
		k := rng.Intn(classes)
		labels[i] = classNames[k]
		for g := range genes {
			v := means.At(g, k) + cfg.Noise*rng.NormFloat64()
			values.Set(i, g, math.Max(0, v))
		}
	}

	return Dataset{
		Table: model.ExpressionTable{
			IndexName: indexName,
			CellIDs:   ids,
			Genes:     genes,
			Values:    values,
		},
		Markers: model.MarkerDocument{Sections: []model.MarkerSection{
			{Key: "cell_types", Entries: types},
			{Key: "cell_states"},
		}},
		Labels: labels,
	}, nil
}

func (c Config) validate() error {
	switch {
	case c.Cells <= 0:
		return fmt.Errorf("cells must be positive, got %d", c.Cells)
	case c.CellTypes < 2:
		return fmt.Errorf("at least two cell types are required, got %d", c.CellTypes)
	case c.MarkersPerType <= 0:
		return fmt.Errorf("markers per type must be positive, got %d", c.MarkersPerType)
	case c.Background < 0:
		return fmt.Errorf("background genes must be non-negative, got %d", c.Background)
	case c.BaseMean <= 0:
		return fmt.Errorf("base mean must be positive, got %g", c.BaseMean)
	case c.Shift <= 1:
		return fmt.Errorf("shift must be greater than one, got %g", c.Shift)
	case c.Noise < 0:
		return fmt.Errorf("noise must be non-negative, got %g", c.Noise)
	}
	return nil
}

// WriteDataset writes the expression table, marker document and true labels into
// dir, creating it if needed, and returns the written paths in that order.
func WriteDataset(dir string, ds Dataset) ([]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	paths := []string{
		filepath.Join(dir, ExpressionFile),
		filepath.Join(dir, MarkerFile),
		filepath.Join(dir, LabelFile),
	}
	if err := exprio.WriteExpressionCSVFile(paths[0], ds.Table); err != nil {
		return nil, err
	}
	if err := markers.WriteYAMLFile(paths[1], ds.Markers); err != nil {
		return nil, err
	}
	if err := writeLabels(paths[2], ds.Table.CellIDs, ds.Labels); err != nil {
		return nil, err
	}
	return paths, nil
}

func writeLabels(path string, ids, labels []string) error {
	if len(ids) != len(labels) {
		return fmt.Errorf("%d labels for %d cells", len(labels), len(ids))
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{indexName, "label"}); err != nil {
		return err
	}
	for i, id := range ids {
		if err := writer.Write([]string{id, labels[i]}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Sync()
}
