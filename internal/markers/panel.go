package markers

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"astir/internal/model"
)

// Panel is a classification problem resolved against an expression table.
type Panel struct {
	CellTypes   []string
	CellStates  []string
	MarkerGenes []string
	// Missing lists marker genes absent from the expression table.
	Missing []string
	// Rho is the G x (C+1) marker indicator matrix.
	Rho *mat.Dense
	// Y holds the raw N x G marker intensities, columns ordered like MarkerGenes.
	Y *mat.Dense
}

// BuildPanel validates doc and table and extracts everything the model needs.
func BuildPanel(doc model.MarkerDocument, table model.ExpressionTable) (Panel, error) {
	sanitized, err := Sanitize(doc)
	if err != nil {
		return Panel{}, err
	}

	n := table.Rows()
	if n <= 0 {
		return Panel{}, notClassifiable(ReasonNoRows, "")
	}
	if _, c := table.Values.Dims(); c != len(table.Genes) || n != len(table.CellIDs) {
		return Panel{}, notClassifiable(ReasonDimensionsDiffer, fmt.Sprintf("values %dx%d, %d cell ids, %d genes", n, c, len(table.CellIDs), len(table.Genes)))
	}

	cellTypes := sanitized.CellTypes()
	if len(cellTypes) <= 1 {
		return Panel{}, notClassifiable(ReasonTooFewTypes, fmt.Sprintf("got %d", len(cellTypes)))
	}

	columns := table.GeneIndex()
	var genes, missing []string
	for _, gene := range UniqueGenes(sanitized.Types) {
		if _, ok := columns[gene]; ok {
			genes = append(genes, gene)
		} else {
			missing = append(missing, gene)
		}
	}
	if len(genes) == 0 {
		return Panel{}, notClassifiable(ReasonNoOverlap, "")
	}

	y := mat.NewDense(n, len(genes), nil)
	for g, gene := range genes {
		col := columns[gene]
		for i := 0; i < n; i++ {
			y.Set(i, g, table.Values.At(i, col))
		}
	}

	return Panel{
		CellTypes:   cellTypes,
		CellStates:  sanitized.CellStates(),
		MarkerGenes: genes,
		Missing:     missing,
		Rho:         MarkerMatrix(genes, cellTypes, GeneSets(sanitized.Types)),
		Y:           y,
	}, nil
}

// UniqueGenes lists marker genes by first appearance across entries.
func UniqueGenes(entries []model.MarkerEntry) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, entry := range entries {
		for _, gene := range entry.Genes {
			if _, ok := seen[gene]; ok {
				continue
			}
			seen[gene] = struct{}{}
			out = append(out, gene)
		}
	}
	return out
}

// GeneSets indexes each entry's genes by entry name.
func GeneSets(entries []model.MarkerEntry) map[string]map[string]struct{} {
	sets := make(map[string]map[string]struct{}, len(entries))
	for _, entry := range entries {
		set := make(map[string]struct{}, len(entry.Genes))
		for _, gene := range entry.Genes {
			set[gene] = struct{}{}
		}
		sets[entry.Name] = set
	}
	return sets
}

// MarkerMatrix returns the len(genes) x (len(cellTypes)+1) indicator matrix with
// entry (g, c) set when genes[g] marks cellTypes[c]. The last column is the
// marker-free "Other" class and stays zero.
func MarkerMatrix(genes, cellTypes []string, sets map[string]map[string]struct{}) *mat.Dense {
	rho := mat.NewDense(len(genes), len(cellTypes)+1, nil)
	for g, gene := range genes {
		for c, cellType := range cellTypes {
			if _, ok := sets[cellType][gene]; ok {
				rho.Set(g, c, 1)
			}
		}
	}
	return rho
}
