package model

import "gonum.org/v1/gonum/mat"

// OtherClass labels the catch-all class that carries no markers.
const OtherClass = "Other"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// ExpressionTable is a cell-by-protein intensity table with row and column labels.
// Values has len(CellIDs) rows and len(Genes) columns.
type ExpressionTable struct {
	IndexName string
	CellIDs   []string
	Genes     []string
	Values    *mat.Dense
}

// Rows reports the number of cells, tolerating a nil matrix.
func (t ExpressionTable) Rows() int {
	if t.Values == nil {
		return 0
	}
	r, _ := t.Values.Dims()
	return r
}

// GeneIndex maps each column name to its position.
func (t ExpressionTable) GeneIndex() map[string]int {
	index := make(map[string]int, len(t.Genes))
	for i, gene := range t.Genes {
		if _, ok := index[gene]; !ok {
			index[gene] = i
		}
	}
	return index
}

// MarkerDocument is the ordered two-section marker mapping: one section for cell
// types and one for cell states. Section and entry order follow the source document.
type MarkerDocument struct {
	Sections []MarkerSection
}

type MarkerSection struct {
	Key     string
	Entries []MarkerEntry
}

type MarkerEntry struct {
	Name  string
	Genes []string
}

// Assignments holds per-cell class probabilities. Rows[i] belongs to CellIDs[i] and
// is ordered like Classes.
type Assignments struct {
	IndexName string      `json:"index_name,omitempty"`
	CellIDs   []string    `json:"cell_ids"`
	Classes   []string    `json:"classes"`
	Rows      [][]float64 `json:"rows"`
}

// Clone returns a deep copy.
func (a Assignments) Clone() Assignments {
	rows := make([][]float64, len(a.Rows))
	for i, row := range a.Rows {
		rows[i] = append([]float64(nil), row...)
	}
	return Assignments{
		IndexName: a.IndexName,
		CellIDs:   append([]string(nil), a.CellIDs...),
		Classes:   append([]string(nil), a.Classes...),
		Rows:      rows,
	}
}

// RunRecord describes one persisted fit.
type RunRecord struct {
	VersionedRecord
	ID              string   `json:"id"`
	CreatedAtUTC    string   `json:"created_at_utc"`
	ExpressionPath  string   `json:"expression_path,omitempty"`
	MarkerPath      string   `json:"marker_path,omitempty"`
	Cells           int      `json:"cells"`
	MarkerGenes     []string `json:"marker_genes"`
	CellTypes       []string `json:"cell_types"`
	CellStates      []string `json:"cell_states,omitempty"`
	Epochs          int      `json:"epochs"`
	LearningRate    float64  `json:"learning_rate"`
	BatchSize       int      `json:"batch_size"`
	Hidden          int      `json:"hidden"`
	Activation      string   `json:"activation"`
	LossAggregation string   `json:"loss_aggregation"`
	Seed            int64    `json:"seed"`
	FinalLoss       float64  `json:"final_loss"`
}
