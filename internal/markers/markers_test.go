package markers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"astir/internal/model"
)

func twoTypeDoc() model.MarkerDocument {
	return model.MarkerDocument{Sections: []model.MarkerSection{
		{Key: "cell_types", Entries: []model.MarkerEntry{
			{Name: "Epithelial", Genes: []string{"ECAD", "KRT"}},
			{Name: "Immune", Genes: []string{"CD45", "CD3"}},
		}},
		{Key: "cell_states", Entries: nil},
	}}
}

func fourGeneTable(rows int) model.ExpressionTable {
	ids := make([]string, rows)
	data := make([]float64, 0, rows*4)
	for i := range ids {
		ids[i] = "cell" + string(rune('a'+i))
		data = append(data, float64(i+1), float64(i+2), float64(i+3), float64(i+4))
	}
	return model.ExpressionTable{
		CellIDs: ids,
		Genes:   []string{"CD3", "ECAD", "KRT", "CD45"},
		Values:  mat.NewDense(rows, 4, data),
	}
}

func TestClassifyKey(t *testing.T) {
	cases := map[string]keyKind{
		"cell_types":   keyCellType,
		"Cell Type":    keyCellType,
		"CELL-TYPE":    keyCellType,
		"celltype":     keyCellType,
		"cell_states":  keyCellState,
		"Cell.State":   keyCellState,
		"types":        keyUnknown,
		"my cell type": keyUnknown,
		"cell_2type":   keyUnknown,
		"":             keyUnknown,
	}
	for key, want := range cases {
		require.Equal(t, want, classifyKey(key), "key %q", key)
	}
}

func TestSanitizeAcceptsEitherOrder(t *testing.T) {
	doc := twoTypeDoc()
	doc.Sections[0], doc.Sections[1] = doc.Sections[1], doc.Sections[0]

	got, err := Sanitize(doc)
	require.NoError(t, err)
	require.Equal(t, "cell_types", got.TypeKey)
	require.Equal(t, "cell_states", got.StateKey)
	require.Equal(t, []string{"Epithelial", "Immune"}, got.CellTypes())
	require.Empty(t, got.CellStates())
}

func TestSanitizeFailures(t *testing.T) {
	cases := []struct {
		name   string
		doc    model.MarkerDocument
		reason string
	}{
		{
			name:   "one key",
			doc:    model.MarkerDocument{Sections: twoTypeDoc().Sections[:1]},
			reason: ReasonMarkerFormat,
		},
		{
			name: "three keys",
			doc: model.MarkerDocument{Sections: append(twoTypeDoc().Sections,
				model.MarkerSection{Key: "extra"})},
			reason: ReasonMarkerFormat,
		},
		{
			name: "no type key",
			doc: model.MarkerDocument{Sections: []model.MarkerSection{
				{Key: "markers"}, {Key: "cell_states"},
			}},
			reason: ReasonNoCellTypes,
		},
		{
			name: "no state key",
			doc: model.MarkerDocument{Sections: []model.MarkerSection{
				{Key: "cell_types"}, {Key: "cell_type_extra"},
			}},
			reason: ReasonNoCellStates,
		},
		{
			name: "duplicate type",
			doc: model.MarkerDocument{Sections: []model.MarkerSection{
				{Key: "cell_types", Entries: []model.MarkerEntry{{Name: "A"}, {Name: "A"}}},
				{Key: "cell_states"},
			}},
			reason: ReasonDuplicateType,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Sanitize(tc.doc)
			require.ErrorIs(t, err, ErrNotClassifiable)
			var nce *NotClassifiableError
			require.True(t, errors.As(err, &nce))
			require.Equal(t, tc.reason, nce.Reason)
		})
	}
}

func TestMarkerMatrixInvariants(t *testing.T) {
	doc := twoTypeDoc()
	doc.Sections[0].Entries[1].Genes = append(doc.Sections[0].Entries[1].Genes, "KRT")

	panel, err := BuildPanel(doc, fourGeneTable(3))
	require.NoError(t, err)
	require.Equal(t, []string{"ECAD", "KRT", "CD45", "CD3"}, panel.MarkerGenes)

	g, k := panel.Rho.Dims()
	require.Equal(t, 4, g)
	require.Equal(t, 3, k)

	pairs := 0
	for _, entry := range doc.Sections[0].Entries {
		pairs += len(entry.Genes)
	}
	require.Equal(t, float64(pairs), mat.Sum(panel.Rho))
	for row := 0; row < g; row++ {
		require.Zero(t, panel.Rho.At(row, k-1))
	}
	require.Equal(t, 1.0, panel.Rho.At(1, 0))
	require.Equal(t, 1.0, panel.Rho.At(1, 1))
	require.Equal(t, 0.0, panel.Rho.At(3, 0))
}

func TestBuildPanelExtractsMarkerColumns(t *testing.T) {
	panel, err := BuildPanel(twoTypeDoc(), fourGeneTable(2))
	require.NoError(t, err)

	// Table columns are CD3, ECAD, KRT, CD45; panel order is ECAD, KRT, CD45, CD3.
	require.Equal(t, []float64{2, 3, 4, 1}, mat.Row(nil, 0, panel.Y))
	require.Equal(t, []float64{3, 4, 5, 2}, mat.Row(nil, 1, panel.Y))
	require.Empty(t, panel.Missing)
}

func TestBuildPanelDropsMissingGenes(t *testing.T) {
	doc := twoTypeDoc()
	doc.Sections[0].Entries[0].Genes = append(doc.Sections[0].Entries[0].Genes, "VIM")

	panel, err := BuildPanel(doc, fourGeneTable(2))
	require.NoError(t, err)
	require.Equal(t, []string{"VIM"}, panel.Missing)
	require.Len(t, panel.MarkerGenes, 4)
}

func TestBuildPanelFailures(t *testing.T) {
	t.Run("no rows", func(t *testing.T) {
		_, err := BuildPanel(twoTypeDoc(), model.ExpressionTable{Genes: []string{"CD3"}})
		requireReason(t, err, ReasonNoRows)
	})
	t.Run("one cell type", func(t *testing.T) {
		doc := twoTypeDoc()
		doc.Sections[0].Entries = doc.Sections[0].Entries[:1]
		_, err := BuildPanel(doc, fourGeneTable(2))
		requireReason(t, err, ReasonTooFewTypes)
	})
	t.Run("zero cell types", func(t *testing.T) {
		doc := twoTypeDoc()
		doc.Sections[0].Entries = nil
		_, err := BuildPanel(doc, fourGeneTable(2))
		requireReason(t, err, ReasonTooFewTypes)
	})
	t.Run("no overlap", func(t *testing.T) {
		table := fourGeneTable(2)
		table.Genes = []string{"A", "B", "C", "D"}
		_, err := BuildPanel(twoTypeDoc(), table)
		requireReason(t, err, ReasonNoOverlap)
	})
	t.Run("label mismatch", func(t *testing.T) {
		table := fourGeneTable(2)
		table.CellIDs = table.CellIDs[:1]
		_, err := BuildPanel(twoTypeDoc(), table)
		requireReason(t, err, ReasonDimensionsDiffer)
	})
}

func TestParseYAMLPreservesOrder(t *testing.T) {
	src := `
cell_types:
  Stromal:
    - VIM
    - SMA
  Epithelial: [ECAD, KRT]
  Immune: CD45
cell_states:
  proliferating: [Ki67]
`
	doc, err := ParseYAML(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, doc.Sections, 2)
	require.Equal(t, "cell_types", doc.Sections[0].Key)

	sanitized, err := Sanitize(doc)
	require.NoError(t, err)
	require.Equal(t, []string{"Stromal", "Epithelial", "Immune"}, sanitized.CellTypes())
	require.Equal(t, []string{"CD45"}, sanitized.Types[2].Genes)
	require.Equal(t, []string{"proliferating"}, sanitized.CellStates())
}

func TestParseYAMLEmptySections(t *testing.T) {
	doc, err := ParseYAML(strings.NewReader("cell_types:\n  A: [x]\n  B: [y]\ncell_states:\n"))
	require.NoError(t, err)
	require.Len(t, doc.Sections, 2)
	require.Empty(t, doc.Sections[1].Entries)

	doc, err = ParseYAML(strings.NewReader("cell_types:\n  A: [x]\ncell_states: {}\n"))
	require.NoError(t, err)
	require.Empty(t, doc.Sections[1].Entries)
}

func TestParseYAMLRejectsNonMapping(t *testing.T) {
	_, err := ParseYAML(strings.NewReader("- a\n- b\n"))
	require.Error(t, err)

	_, err = ParseYAML(strings.NewReader("cell_types: [a, b]\ncell_states: {}\n"))
	require.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markers.yml")
	require.NoError(t, os.WriteFile(path, []byte("cell_types:\n  A: [x]\n  B: [y]\ncell_states: {}\n"), 0o644))

	doc, err := LoadYAML(path)
	require.NoError(t, err)
	require.Len(t, doc.Sections, 2)

	_, err = LoadYAML(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	doc := twoTypeDoc()
	doc.Sections[0].Entries = append(doc.Sections[0].Entries, model.MarkerEntry{Name: "T cell: CD8", Genes: []string{"CD8", "null"}})

	path := filepath.Join(t.TempDir(), "markers.yml")
	require.NoError(t, WriteYAMLFile(path, doc))

	got, err := LoadYAML(path)
	require.NoError(t, err)
	require.Len(t, got.Sections, 2)
	require.Equal(t, doc.Sections[0], got.Sections[0])
	require.Equal(t, "cell_states", got.Sections[1].Key)
	require.Empty(t, got.Sections[1].Entries)
}

func requireReason(t *testing.T, err error, reason string) {
	t.Helper()
	var nce *NotClassifiableError
	require.True(t, errors.As(err, &nce), "expected NotClassifiableError, got %v", err)
	require.Equal(t, reason, nce.Reason)
}
