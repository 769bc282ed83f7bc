package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	DefaultHidden     = 6
	DefaultActivation = "relu"
)

// Recognizer maps standardized features (n x G) to row-stochastic class
// probabilities (n x K).
type Recognizer interface {
	Forward(x mat.Matrix) *mat.Dense
}

// Config shapes a RecognitionNet. Zero values select the defaults.
type Config struct {
	Hidden     int
	Activation string
}

// RecognitionNet is a two-layer perceptron G -> Hidden -> K with a row softmax.
// Weights are stored input-major so a batch multiplies on the left: X*W1.
type RecognitionNet struct {
	W1 *mat.Dense
	B1 []float64
	W2 *mat.Dense
	B2 []float64

	act Activation
}

// Trace keeps the intermediate values of a forward pass for Backward.
type Trace struct {
	X        mat.Matrix
	Pre      *mat.Dense
	Hidden   *mat.Dense
	Logits   *mat.Dense
	LogProbs *mat.Dense
	Probs    *mat.Dense
}

// Gradients mirror the shapes of the network parameters.
type Gradients struct {
	W1 *mat.Dense
	B1 []float64
	W2 *mat.Dense
	B2 []float64
}

// NewRecognitionNet draws every weight and bias of a layer with fan-in f from
// U(-1/sqrt(f), 1/sqrt(f)) using rng.
func NewRecognitionNet(inputs, classes int, cfg Config, rng *rand.Rand) (*RecognitionNet, error) {
	if inputs <= 0 || classes <= 0 {
		return nil, fmt.Errorf("recognition net needs positive dimensions, got inputs=%d classes=%d", inputs, classes)
	}
	if cfg.Hidden == 0 {
		cfg.Hidden = DefaultHidden
	}
	if cfg.Hidden < 0 {
		return nil, fmt.Errorf("hidden width must be positive, got %d", cfg.Hidden)
	}
	if cfg.Activation == "" {
		cfg.Activation = DefaultActivation
	}
	act, err := GetActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}

	net := &RecognitionNet{
		W1:  mat.NewDense(inputs, cfg.Hidden, nil),
		B1:  make([]float64, cfg.Hidden),
		W2:  mat.NewDense(cfg.Hidden, classes, nil),
		B2:  make([]float64, classes),
		act: act,
	}
	fillUniform(rng, net.W1.RawMatrix().Data, inputs)
	fillUniform(rng, net.B1, inputs)
	fillUniform(rng, net.W2.RawMatrix().Data, cfg.Hidden)
	fillUniform(rng, net.B2, cfg.Hidden)
	return net, nil
}

func fillUniform(rng *rand.Rand, dst []float64, fanIn int) {
	bound := 1 / math.Sqrt(float64(fanIn))
	for i := range dst {
		dst[i] = (2*rng.Float64() - 1) * bound
	}
}

// Dims reports input, hidden and class counts.
func (n *RecognitionNet) Dims() (inputs, hidden, classes int) {
	inputs, hidden = n.W1.Dims()
	_, classes = n.W2.Dims()
	return inputs, hidden, classes
}

// ActivationName reports the hidden-layer nonlinearity.
func (n *RecognitionNet) ActivationName() string {
	return n.act.Name
}

// Forward returns class probabilities; every row sums to one.
func (n *RecognitionNet) Forward(x mat.Matrix) *mat.Dense {
	return n.Trace(x).Probs
}

// Trace runs a forward pass and keeps every intermediate.
func (n *RecognitionNet) Trace(x mat.Matrix) Trace {
	rows, _ := x.Dims()
	_, hidden, classes := n.Dims()

	pre := mat.NewDense(rows, hidden, nil)
	pre.Mul(x, n.W1)
	addRowVector(pre, n.B1)

	h := mat.NewDense(rows, hidden, nil)
	h.Apply(func(_, _ int, v float64) float64 { return n.act.Func(v) }, pre)

	logits := mat.NewDense(rows, classes, nil)
	logits.Mul(h, n.W2)
	addRowVector(logits, n.B2)

	logProbs, probs := LogSoftmaxRows(logits)
	return Trace{X: x, Pre: pre, Hidden: h, Logits: logits, LogProbs: logProbs, Probs: probs}
}

// Backward propagates dLogits, the gradient of a scalar with respect to
// t.Logits, to every parameter.
func (n *RecognitionNet) Backward(t Trace, dLogits mat.Matrix) Gradients {
	inputs, hidden, classes := n.Dims()
	rows, _ := dLogits.Dims()

	g := Gradients{
		W1: mat.NewDense(inputs, hidden, nil),
		B1: make([]float64, hidden),
		W2: mat.NewDense(hidden, classes, nil),
		B2: make([]float64, classes),
	}
	g.W2.Mul(t.Hidden.T(), dLogits)
	columnSums(g.B2, dLogits)

	dPre := mat.NewDense(rows, hidden, nil)
	dPre.Mul(dLogits, n.W2.T())
	dPre.Apply(func(i, j int, v float64) float64 {
		return v * n.act.Deriv(t.Pre.At(i, j))
	}, dPre)

	g.W1.Mul(t.X.T(), dPre)
	columnSums(g.B1, dPre)
	return g
}

// Params exposes the parameter storage in a fixed order: W1, B1, W2, B2.
// Updating the returned slices updates the network.
func (n *RecognitionNet) Params() [][]float64 {
	return [][]float64{n.W1.RawMatrix().Data, n.B1, n.W2.RawMatrix().Data, n.B2}
}

// Slices orders gradients like RecognitionNet.Params.
func (g Gradients) Slices() [][]float64 {
	return [][]float64{g.W1.RawMatrix().Data, g.B1, g.W2.RawMatrix().Data, g.B2}
}

// Clone returns an independent copy of the network.
func (n *RecognitionNet) Clone() *RecognitionNet {
	return &RecognitionNet{
		W1:  mat.DenseCopyOf(n.W1),
		B1:  append([]float64(nil), n.B1...),
		W2:  mat.DenseCopyOf(n.W2),
		B2:  append([]float64(nil), n.B2...),
		act: n.act,
	}
}

// LogSoftmaxRows returns the row-wise log-softmax of logits and its exponential.
// Log probabilities stay finite for finite logits even when a probability
// underflows to zero.
func LogSoftmaxRows(logits mat.Matrix) (logProbs, probs *mat.Dense) {
	rows, cols := logits.Dims()
	logProbs = mat.NewDense(rows, cols, nil)
	probs = mat.NewDense(rows, cols, nil)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, logits)
		lse := floats.LogSumExp(row)
		floats.AddConst(-lse, row)
		logProbs.SetRow(i, row)
		for j, v := range row {
			row[j] = math.Exp(v)
		}
		probs.SetRow(i, row)
	}
	return logProbs, probs
}

func addRowVector(m *mat.Dense, v []float64) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(m.RawRowView(i), v)
	}
}

func columnSums(dst []float64, m mat.Matrix) {
	rows, cols := m.Dims()
	for j := 0; j < cols; j++ {
		var s float64
		for i := 0; i < rows; i++ {
			s += m.At(i, j)
		}
		dst[j] = s
	}
}
