package astir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"astir/internal/dataset"
	"astir/internal/elbo"
	"astir/internal/exprio"
	"astir/internal/markers"
	"astir/internal/model"
	"astir/internal/nn"
	"astir/internal/train"
)

const DefaultSeed int64 = 1234

var (
	ErrNotFitted        = errors.New("model has not been fitted")
	ErrNotClassifiable  = markers.ErrNotClassifiable
	ErrInvalidOptions   = train.ErrInvalidOptions
	ErrActivationExists = nn.ErrActivationExists
)

// NotClassifiableError reports why a marker document and expression table cannot
// be turned into a model.
type NotClassifiableError = markers.NotClassifiableError

// Options configure model construction. Zero values select the defaults.
type Options struct {
	Seed       int64
	Hidden     int
	Activation string
	Logger     *slog.Logger
}

// FitOptions configure one call to Fit. Zero values select the defaults:
// 100 epochs, learning rate 1e-2, batch size 1024, "last" loss aggregation.
type FitOptions struct {
	Epochs          int
	LearningRate    float64
	BatchSize       int
	LossAggregation string
}

func (o FitOptions) trainOptions(logger *slog.Logger) train.Options {
	return train.Options{
		Epochs:          o.Epochs,
		LearningRate:    o.LearningRate,
		BatchSize:       o.BatchSize,
		LossAggregation: o.LossAggregation,
		Logger:          logger,
	}
}

// Astir assigns cells to marker-defined types with a mixture model fit by
// amortized variational inference. Methods are safe for concurrent use; Fit
// holds an exclusive lock for the whole run.
type Astir struct {
	mu sync.RWMutex

	indexName string
	cellIDs   []string
	panel     markers.Panel
	data      *dataset.Dataset
	fixed     elbo.Fixed
	params    *elbo.Params
	rng       *rand.Rand
	seed      int64
	// fitSeed seeds the shuffler of the next Fit; it advances only when a Fit commits.
	fitSeed int64
	logger    *slog.Logger

	losses      []float64
	assignments *model.Assignments
}

// New validates the marker document against the expression table and builds an
// untrained model. Classification failures return a *NotClassifiableError and a
// nil model.
func New(table model.ExpressionTable, doc model.MarkerDocument, opts Options) (*Astir, error) {
	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	panel, err := markers.BuildPanel(doc, table)
	if err != nil {
		return nil, err
	}
	if len(panel.Missing) > 0 {
		opts.Logger.Warn("marker genes missing from expression table",
			"missing", panel.Missing,
			"kept", len(panel.MarkerGenes),
		)
	}

	data := dataset.New(panel.Y)
	rng := rand.New(rand.NewSource(opts.Seed))
	_, classes := panel.Rho.Dims()
	net, err := nn.NewRecognitionNet(len(panel.MarkerGenes), classes, nn.Config{
		Hidden:     opts.Hidden,
		Activation: opts.Activation,
	}, rng)
	if err != nil {
		return nil, err
	}

	return &Astir{
		indexName: table.IndexName,
		cellIDs:   append([]string(nil), table.CellIDs...),
		panel:     panel,
		data:      data,
		fixed:     elbo.NewFixed(panel.Rho),
		params:    elbo.InitParams(data.Y, classes, net),
		rng:       rng,
		seed:      opts.Seed,
		fitSeed:   rng.Int63(),
		logger:    opts.Logger,
	}, nil
}

// Load reads an expression CSV and a marker YAML file and builds a model.
func Load(expressionPath, markerPath string, opts Options) (*Astir, error) {
	table, err := exprio.ReadExpressionCSVFile(expressionPath)
	if err != nil {
		return nil, err
	}
	doc, err := markers.LoadYAML(markerPath)
	if err != nil {
		return nil, err
	}
	return New(table, doc, opts)
}

// Fit trains the model with a fresh optimizer, continuing from the current
// parameters, then recomputes assignments over all cells. Losses and assignments
// are replaced only when every epoch completes; a cancelled context leaves the
// previous results in place, including the shuffle sequence, so the next Fit
// behaves as if the cancelled one never ran.
func (a *Astir) Fit(ctx context.Context, opts FitOptions) error {
	trainOpts, err := opts.trainOptions(a.logger).Normalize()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	params := a.params.Clone()
	trainer := train.NewTrainer(a.fixed, params, a.data, rand.New(rand.NewSource(a.fitSeed)))
	losses, err := trainer.Run(ctx, trainOpts)
	if err != nil {
		return fmt.Errorf("fit: %w", err)
	}

	a.params = params
	a.losses = losses
	a.fitSeed = a.rng.Int63()
	assignments := a.assign()
	a.assignments = &assignments
	a.logger.Info("fit complete",
		"epochs", trainOpts.Epochs,
		"cells", a.data.Len(),
		"final_loss", losses[len(losses)-1],
	)
	return nil
}

func (a *Astir) assign() model.Assignments {
	probs := a.params.Net.Forward(a.data.X)
	rows, _ := probs.Dims()
	out := model.Assignments{
		IndexName: a.indexName,
		CellIDs:   append([]string(nil), a.cellIDs...),
		Classes:   a.Classes(),
		Rows:      make([][]float64, rows),
	}
	for i := range out.Rows {
		out.Rows[i] = mat.Row(nil, i, probs)
	}
	return out
}

// Assignments returns a copy of the per-cell class probabilities from the most
// recent Fit. The second result is false before the first Fit.
func (a *Astir) Assignments() (model.Assignments, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.assignments == nil {
		return model.Assignments{}, false
	}
	return a.assignments.Clone(), true
}

// Losses returns a copy of the per-epoch losses from the most recent Fit, or nil.
func (a *Astir) Losses() []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.losses == nil {
		return nil
	}
	return append([]float64(nil), a.losses...)
}

// WriteCSV writes the assignments to path.
func (a *Astir) WriteCSV(path string) error {
	assignments, ok := a.Assignments()
	if !ok {
		return ErrNotFitted
	}
	return exprio.WriteAssignmentsCSVFile(path, assignments)
}

// CellTypes lists the cell types in class order, without the trailing "Other".
func (a *Astir) CellTypes() []string {
	return append([]string(nil), a.panel.CellTypes...)
}

// Classes lists the assignment columns: the cell types followed by "Other".
func (a *Astir) Classes() []string {
	return append(a.CellTypes(), model.OtherClass)
}

// CellStates lists the cell-state names from the marker document.
func (a *Astir) CellStates() []string {
	return append([]string(nil), a.panel.CellStates...)
}

// MarkerGenes lists the model's protein columns in order.
func (a *Astir) MarkerGenes() []string {
	return append([]string(nil), a.panel.MarkerGenes...)
}

// MissingGenes lists marker genes named in the document but absent from the table.
func (a *Astir) MissingGenes() []string {
	return append([]string(nil), a.panel.Missing...)
}

func (a *Astir) Cells() int {
	return a.data.Len()
}

func (a *Astir) Seed() int64 {
	return a.seed
}

// Hidden reports the recognition network's hidden width.
func (a *Astir) Hidden() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, hidden, _ := a.params.Net.Dims()
	return hidden
}

func (a *Astir) Activation() string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.params.Net.ActivationName()
}

func (a *Astir) String() string {
	return fmt.Sprintf("Astir object with %d rows and %d columns of data, %d types of possible cell assignment",
		a.Cells(), len(a.panel.MarkerGenes), len(a.panel.CellTypes))
}

// RegisterActivation makes a hidden-layer nonlinearity selectable by name through
// Options.Activation. deriv must return the derivative of f at the same input.
func RegisterActivation(name string, f, deriv func(float64) float64) error {
	return nn.RegisterActivation(nn.Activation{Name: name, Func: f, Deriv: deriv})
}

// Activations lists the registered hidden-layer nonlinearities.
func Activations() []string {
	return nn.ListActivations()
}
