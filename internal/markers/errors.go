package markers

import "errors"

// ErrNotClassifiable matches every NotClassifiableError through errors.Is.
var ErrNotClassifiable = errors.New("not classifiable")

const (
	ReasonMarkerFormat     = "marker file does not follow the required format"
	ReasonNoCellTypes      = "can't find cell type dictionary in the marker file"
	ReasonNoCellStates     = "can't find cell state dictionary in the marker file"
	ReasonNoRows           = "there should be at least one row of data to be classified"
	ReasonTooFewTypes      = "there should be at least two cell types to classify the data into"
	ReasonNoOverlap        = "there's no overlap between marked genes and expression genes"
	ReasonDuplicateType    = "cell type names must be unique"
	ReasonDimensionsDiffer = "expression values do not match the row and column labels"
)

// NotClassifiableError reports input that cannot be turned into a classification
// problem. The caller must fix the input and construct again.
type NotClassifiableError struct {
	Reason string
	Detail string
}

func (e *NotClassifiableError) Error() string {
	if e.Detail == "" {
		return "classification failed: " + e.Reason
	}
	return "classification failed: " + e.Reason + ": " + e.Detail
}

func (e *NotClassifiableError) Is(target error) bool {
	return target == ErrNotClassifiable
}

func notClassifiable(reason, detail string) error {
	return &NotClassifiableError{Reason: reason, Detail: detail}
}
