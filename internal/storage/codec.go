package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"astir/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned stamps v with the current schema and codec versions.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRunRecord(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRunRecord(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeLossHistory(losses []float64) ([]byte, error) {
	return json.Marshal(losses)
}

func DecodeLossHistory(data []byte) ([]float64, error) {
	var losses []float64
	if err := json.Unmarshal(data, &losses); err != nil {
		return nil, err
	}
	return losses, nil
}

func EncodeAssignments(a model.Assignments) ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAssignments rejects payloads whose rows do not line up with the cell
// and class labels.
func DecodeAssignments(data []byte) (model.Assignments, error) {
	var a model.Assignments
	if err := json.Unmarshal(data, &a); err != nil {
		return model.Assignments{}, err
	}
	if len(a.Rows) != len(a.CellIDs) {
		return model.Assignments{}, fmt.Errorf("assignments have %d rows for %d cells", len(a.Rows), len(a.CellIDs))
	}
	for i, row := range a.Rows {
		if len(row) != len(a.Classes) {
			return model.Assignments{}, fmt.Errorf("assignment row %d has %d values for %d classes", i, len(row), len(a.Classes))
		}
	}
	return a, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
