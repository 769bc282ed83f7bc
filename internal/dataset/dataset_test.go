package dataset

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func TestStandardizeMomentsAndConstantColumns(t *testing.T) {
	y := mat.NewDense(5, 3, []float64{
		1, 0.1, 10,
		2, 0.1, 20,
		3, 0.1, 15,
		4, 0.1, 40,
		10, 0.1, 5,
	})
	x := Standardize(y)

	col := make([]float64, 5)
	for _, j := range []int{0, 2} {
		mat.Col(col, j, x)
		mean, std := stat.PopMeanStdDev(col, nil)
		require.InDelta(t, 0, mean, 1e-12)
		require.InDelta(t, 1, std, 1e-12)
	}
	mat.Col(col, 1, x)
	require.Equal(t, []float64{0, 0, 0, 0, 0}, col)
}

func TestNewCopiesInput(t *testing.T) {
	y := mat.NewDense(2, 1, []float64{1, 3})
	d := New(y)
	y.Set(0, 0, 100)
	require.Equal(t, 1.0, d.Y.At(0, 0))
	require.Equal(t, -1.0, d.X.At(0, 0))
	require.Equal(t, 1.0, d.X.At(1, 0))
}

func TestColumnMoments(t *testing.T) {
	means, stds := ColumnMoments(mat.NewDense(2, 2, []float64{1, 5, 3, 5}))
	require.Equal(t, []float64{2, 5}, means)
	require.InDelta(t, 1, stds[0], 1e-12)
	require.Zero(t, stds[1])
}

func TestBatchesCoverEveryRowOnce(t *testing.T) {
	data := make([]float64, 0, 14)
	for i := 0; i < 7; i++ {
		data = append(data, float64(i), float64(10*i))
	}
	d := New(mat.NewDense(7, 2, data))

	batches := d.Batches(rand.New(rand.NewSource(3)), 3)
	require.Len(t, batches, 3)
	require.Equal(t, 3, len(batches[0].Rows))
	require.Equal(t, 1, len(batches[2].Rows))

	var seen []int
	for _, batch := range batches {
		for i, row := range batch.Rows {
			require.Equal(t, float64(row), batch.Y.At(i, 0))
			require.Equal(t, d.X.At(row, 1), batch.X.At(i, 1))
			seen = append(seen, row)
		}
	}
	sort.Ints(seen)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, seen)
}

func TestBatchesCapSizeAtLen(t *testing.T) {
	d := New(mat.NewDense(4, 1, []float64{1, 2, 3, 4}))
	require.Len(t, d.Batches(rand.New(rand.NewSource(1)), 1024), 1)
	require.Len(t, d.Batches(rand.New(rand.NewSource(1)), 0), 1)
}

func TestBatchesAreSeedDeterministic(t *testing.T) {
	d := New(mat.NewDense(6, 1, []float64{1, 2, 3, 4, 5, 6}))
	a := d.Batches(rand.New(rand.NewSource(9)), 2)
	b := d.Batches(rand.New(rand.NewSource(9)), 2)
	for i := range a {
		require.Equal(t, a[i].Rows, b[i].Rows)
	}
}
