package dataset

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Dataset pairs raw intensities Y with their standardized features X. Both are
// N x G and never modified after construction.
type Dataset struct {
	Y *mat.Dense
	X *mat.Dense
}

// Batch is a row subset of a Dataset.
type Batch struct {
	Rows []int
	Y    *mat.Dense
	X    *mat.Dense
}

// New builds a dataset from raw intensities. y is copied.
func New(y mat.Matrix) *Dataset {
	raw := mat.DenseCopyOf(y)
	return &Dataset{Y: raw, X: Standardize(raw)}
}

// Len reports the number of rows.
func (d *Dataset) Len() int {
	r, _ := d.Y.Dims()
	return r
}

// Standardize centers each column and divides it by its population standard
// deviation. Columns whose variance is within rounding error of zero map to zero.
func Standardize(y mat.Matrix) *mat.Dense {
	r, c := y.Dims()
	out := mat.NewDense(r, c, nil)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, y)
		mean, std := stat.PopMeanStdDev(col, nil)
		if constantColumn(r, mean, std) {
			continue
		}
		for i, v := range col {
			out.Set(i, j, (v-mean)/std)
		}
	}
	return out
}

// constantColumn bounds the variance that summation error alone can produce for
// n values around mean.
func constantColumn(n int, mean, std float64) bool {
	const eps = 0x1p-52
	variance := std * std
	fn := float64(n)
	bound := fn*eps*variance + math.Pow(fn*mean*eps, 2)
	return variance <= bound
}

// ColumnMoments returns per-column mean and population standard deviation.
func ColumnMoments(y mat.Matrix) (means, stds []float64) {
	r, c := y.Dims()
	means = make([]float64, c)
	stds = make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, y)
		means[j], stds[j] = stat.PopMeanStdDev(col, nil)
	}
	return means, stds
}

// Rows gathers the given rows into a new batch.
func (d *Dataset) Rows(rows []int) Batch {
	_, g := d.Y.Dims()
	y := mat.NewDense(len(rows), g, nil)
	x := mat.NewDense(len(rows), g, nil)
	for i, row := range rows {
		y.SetRow(i, d.Y.RawRowView(row))
		x.SetRow(i, d.X.RawRowView(row))
	}
	return Batch{Rows: append([]int(nil), rows...), Y: y, X: x}
}

// Batches shuffles row order with rng and splits it into consecutive batches of at
// most size rows; the final batch may be smaller. size is capped at Len.
func (d *Dataset) Batches(rng *rand.Rand, size int) []Batch {
	n := d.Len()
	if size <= 0 || size > n {
		size = n
	}
	order := rng.Perm(n)
	batches := make([]Batch, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		batches = append(batches, d.Rows(order[start:end]))
	}
	return batches
}
