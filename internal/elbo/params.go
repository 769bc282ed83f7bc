package elbo

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"astir/internal/dataset"
	"astir/internal/nn"
)

// momentFloor keeps log(mean) and log(std) finite for all-zero or constant genes.
const momentFloor = 1e-8

// Fixed holds the data that shapes the model but is never learned.
type Fixed struct {
	// Rho is the G x K marker indicator matrix.
	Rho *mat.Dense
	// LogAlpha is the log mixture prior over the K classes.
	LogAlpha []float64
}

// NewFixed pairs rho with a uniform prior over its columns.
func NewFixed(rho *mat.Dense) Fixed {
	_, k := rho.Dims()
	logAlpha := make([]float64, k)
	for c := range logAlpha {
		logAlpha[c] = -math.Log(float64(k))
	}
	return Fixed{Rho: rho, LogAlpha: logAlpha}
}

// Params are the trainable quantities: per-gene baseline Mu, per-gene log noise
// LogSigma, per-gene-per-class log deviation LogDelta and the recognition network.
type Params struct {
	Mu       []float64
	LogSigma []float64
	LogDelta *mat.Dense
	Net      *nn.RecognitionNet
}

// InitParams sets Mu and LogSigma to the log of each gene's empirical mean and
// population standard deviation, and LogDelta to zero.
func InitParams(y mat.Matrix, classes int, net *nn.RecognitionNet) *Params {
	means, stds := dataset.ColumnMoments(y)
	p := &Params{
		Mu:       make([]float64, len(means)),
		LogSigma: make([]float64, len(stds)),
		LogDelta: mat.NewDense(len(means), classes, nil),
		Net:      net,
	}
	for g := range means {
		p.Mu[g] = math.Log(math.Max(means[g], momentFloor))
		p.LogSigma[g] = math.Log(math.Max(stds[g], momentFloor))
	}
	return p
}

// Slices exposes parameter storage in optimizer order: Mu, LogSigma, LogDelta,
// then the network parameters.
func (p *Params) Slices() [][]float64 {
	out := [][]float64{p.Mu, p.LogSigma, p.LogDelta.RawMatrix().Data}
	return append(out, p.Net.Params()...)
}

// Clone returns an independent copy.
func (p *Params) Clone() *Params {
	return &Params{
		Mu:       append([]float64(nil), p.Mu...),
		LogSigma: append([]float64(nil), p.LogSigma...),
		LogDelta: mat.DenseCopyOf(p.LogDelta),
		Net:      p.Net.Clone(),
	}
}

// Grads mirror Params.
type Grads struct {
	Mu       []float64
	LogSigma []float64
	LogDelta *mat.Dense
	Net      nn.Gradients
}

// Slices orders gradients like Params.Slices.
func (g Grads) Slices() [][]float64 {
	out := [][]float64{g.Mu, g.LogSigma, g.LogDelta.RawMatrix().Data}
	return append(out, g.Net.Slices()...)
}
