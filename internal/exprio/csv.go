package exprio

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"astir/internal/model"
)

// ReadExpressionCSVFile reads an expression table from path.
func ReadExpressionCSVFile(path string) (model.ExpressionTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.ExpressionTable{}, err
	}
	defer f.Close()

	table, err := ReadExpressionCSV(f)
	if err != nil {
		return model.ExpressionTable{}, fmt.Errorf("read expression csv %s: %w", path, err)
	}
	return table, nil
}

// ReadExpressionCSV parses a table whose header holds the index name followed by
// gene names and whose rows hold a cell id followed by one value per gene.
// Blank lines are skipped. An input with a header and no rows yields an empty table.
func ReadExpressionCSV(in io.Reader) (model.ExpressionTable, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return model.ExpressionTable{}, fmt.Errorf("expression csv is empty")
	}
	if err != nil {
		return model.ExpressionTable{}, fmt.Errorf("read expression csv header: %w", err)
	}
	if len(header) < 2 {
		return model.ExpressionTable{}, fmt.Errorf("expression csv header must have an index column and at least one gene")
	}

	genes := make([]string, len(header)-1)
	for i, name := range header[1:] {
		genes[i] = strings.TrimSpace(name)
	}

	var (
		cellIDs []string
		values  []float64
	)
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return model.ExpressionTable{}, fmt.Errorf("read expression csv row %d: %w", line, err)
		}
		if blankRecord(record) {
			continue
		}
		if len(record) != len(header) {
			return model.ExpressionTable{}, fmt.Errorf("expression csv row %d: expected %d fields, got %d", line, len(header), len(record))
		}
		cellIDs = append(cellIDs, strings.TrimSpace(record[0]))
		for j, field := range record[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return model.ExpressionTable{}, fmt.Errorf("expression csv row %d column %s: %w", line, genes[j], err)
			}
			values = append(values, v)
		}
	}

	table := model.ExpressionTable{
		IndexName: strings.TrimSpace(header[0]),
		CellIDs:   cellIDs,
		Genes:     genes,
	}
	if len(cellIDs) > 0 {
		table.Values = mat.NewDense(len(cellIDs), len(genes), values)
	}
	return table, nil
}

// WriteExpressionCSVFile writes table to path in the layout ReadExpressionCSV accepts.
func WriteExpressionCSVFile(path string, table model.ExpressionTable) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := WriteExpressionCSV(file, table); err != nil {
		return err
	}
	return file.Sync()
}

func WriteExpressionCSV(out io.Writer, table model.ExpressionTable) error {
	if table.Rows() != len(table.CellIDs) {
		return fmt.Errorf("expression table has %d rows for %d cell ids", table.Rows(), len(table.CellIDs))
	}
	if table.Values != nil {
		if _, cols := table.Values.Dims(); cols != len(table.Genes) {
			return fmt.Errorf("expression table has %d columns for %d genes", cols, len(table.Genes))
		}
	}

	writer := csv.NewWriter(out)
	header := append([]string{table.IndexName}, table.Genes...)
	if err := writer.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for i, id := range table.CellIDs {
		record[0] = id
		for j := range table.Genes {
			record[j+1] = strconv.FormatFloat(table.Values.At(i, j), 'g', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteAssignmentsCSVFile writes assignments to path, replacing any existing file.
func WriteAssignmentsCSVFile(path string, assignments model.Assignments) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := WriteAssignmentsCSV(file, assignments); err != nil {
		return err
	}
	return file.Sync()
}

// WriteAssignmentsCSV writes a header of the index name and class names, then one
// row per cell: its id followed by the class probabilities.
func WriteAssignmentsCSV(out io.Writer, assignments model.Assignments) error {
	if len(assignments.Rows) != len(assignments.CellIDs) {
		return fmt.Errorf("assignments have %d rows for %d cell ids", len(assignments.Rows), len(assignments.CellIDs))
	}

	writer := csv.NewWriter(out)
	header := append([]string{assignments.IndexName}, assignments.Classes...)
	if err := writer.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for i, row := range assignments.Rows {
		if len(row) != len(assignments.Classes) {
			return fmt.Errorf("assignment row %d has %d values for %d classes", i, len(row), len(assignments.Classes))
		}
		record[0] = assignments.CellIDs[i]
		for j, p := range row {
			record[j+1] = strconv.FormatFloat(p, 'g', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadAssignmentsCSV parses the format written by WriteAssignmentsCSV.
func ReadAssignmentsCSV(in io.Reader) (model.Assignments, error) {
	table, err := ReadExpressionCSV(in)
	if err != nil {
		return model.Assignments{}, err
	}
	out := model.Assignments{
		IndexName: table.IndexName,
		CellIDs:   table.CellIDs,
		Classes:   table.Genes,
		Rows:      make([][]float64, len(table.CellIDs)),
	}
	for i := range out.Rows {
		out.Rows[i] = mat.Row(nil, i, table.Values)
	}
	return out, nil
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
