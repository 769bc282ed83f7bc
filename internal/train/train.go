package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"

	"astir/internal/dataset"
	"astir/internal/elbo"
	"astir/internal/optim"
)

const (
	DefaultEpochs       = 100
	DefaultLearningRate = 1e-2
	DefaultBatchSize    = 1024
)

// Loss aggregation modes: the loss recorded for an epoch is the last batch's loss,
// the sum over batches, or the mean over batches.
const (
	AggregateLast = "last"
	AggregateSum  = "sum"
	AggregateMean = "mean"
)

var ErrInvalidOptions = errors.New("invalid training options")

// Options control one training run. Zero values select the defaults.
type Options struct {
	Epochs          int
	LearningRate    float64
	BatchSize       int
	LossAggregation string
	// Logger receives one debug record per epoch. Nil discards.
	Logger *slog.Logger
}

// Normalize fills defaults and rejects out-of-range values.
func (o Options) Normalize() (Options, error) {
	if o.Epochs == 0 {
		o.Epochs = DefaultEpochs
	}
	if o.LearningRate == 0 {
		o.LearningRate = DefaultLearningRate
	}
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.LossAggregation == "" {
		o.LossAggregation = AggregateLast
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	switch {
	case o.Epochs < 0:
		return o, fmt.Errorf("%w: epochs must be positive, got %d", ErrInvalidOptions, o.Epochs)
	case o.LearningRate < 0:
		return o, fmt.Errorf("%w: learning rate must be positive, got %g", ErrInvalidOptions, o.LearningRate)
	case o.BatchSize < 0:
		return o, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidOptions, o.BatchSize)
	}
	switch o.LossAggregation {
	case AggregateLast, AggregateSum, AggregateMean:
	default:
		return o, fmt.Errorf("%w: unknown loss aggregation %q", ErrInvalidOptions, o.LossAggregation)
	}
	return o, nil
}

// Trainer owns the parameters, the optimizer state and the random source for the
// duration of a run. No other component may mutate them while Run executes.
type Trainer struct {
	Fixed  elbo.Fixed
	Params *elbo.Params
	Data   *dataset.Dataset
	Rand   *rand.Rand

	opt *optim.Adam
}

func NewTrainer(fixed elbo.Fixed, params *elbo.Params, data *dataset.Dataset, rng *rand.Rand) *Trainer {
	return &Trainer{
		Fixed:  fixed,
		Params: params,
		Data:   data,
		Rand:   rng,
		opt:    optim.NewAdamDefault(),
	}
}

// Run performs opts.Epochs passes over shuffled mini-batches, one Adam step per
// batch, and returns one loss per epoch. The context is checked between epochs.
// Non-finite losses are not intercepted.
func (t *Trainer) Run(ctx context.Context, opts Options) ([]float64, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}

	losses := make([]float64, 0, opts.Epochs)
	params := t.Params.Slices()
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return losses, err
		}

		batches := t.Data.Batches(t.Rand, opts.BatchSize)
		var last, sum float64
		for _, batch := range batches {
			loss, grads := elbo.Evaluate(t.Fixed, t.Params, batch.Y, batch.X)
			if err := t.opt.Step(params, grads.Slices(), opts.LearningRate); err != nil {
				return losses, err
			}
			last = loss
			sum += loss
		}

		var recorded float64
		switch opts.LossAggregation {
		case AggregateSum:
			recorded = sum
		case AggregateMean:
			recorded = sum / float64(len(batches))
		default:
			recorded = last
		}
		losses = append(losses, recorded)
		opts.Logger.Debug("epoch complete",
			"epoch", epoch+1,
			"batches", len(batches),
			"loss", recorded,
		)
	}
	return losses, nil
}
