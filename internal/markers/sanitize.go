package markers

import (
	"fmt"
	"strings"

	"astir/internal/model"
)

type keyKind int

const (
	keyUnknown keyKind = iota
	keyCellType
	keyCellState
)

// Sanitized is the validated split of a marker document.
type Sanitized struct {
	TypeKey  string
	StateKey string
	Types    []model.MarkerEntry
	States   []model.MarkerEntry
}

// CellTypes returns the cell type names in document order.
func (s Sanitized) CellTypes() []string {
	out := make([]string, 0, len(s.Types))
	for _, entry := range s.Types {
		out = append(out, entry.Name)
	}
	return out
}

// CellStates returns the cell state names in document order.
func (s Sanitized) CellStates() []string {
	out := make([]string, 0, len(s.States))
	for _, entry := range s.States {
		out = append(out, entry.Name)
	}
	return out
}

// Sanitize checks that doc has exactly two sections, one whose key reads as
// "cell type" and one that reads as "cell state". Both keys are classified before a
// result is returned. When both sections qualify for the same role the first wins.
func Sanitize(doc model.MarkerDocument) (Sanitized, error) {
	if len(doc.Sections) != 2 {
		return Sanitized{}, notClassifiable(ReasonMarkerFormat, fmt.Sprintf("expected 2 top-level keys, got %d", len(doc.Sections)))
	}

	kinds := [2]keyKind{classifyKey(doc.Sections[0].Key), classifyKey(doc.Sections[1].Key)}
	typeIdx, stateIdx := -1, -1
	for i, kind := range kinds {
		switch kind {
		case keyCellType:
			if typeIdx < 0 {
				typeIdx = i
			}
		case keyCellState:
			if stateIdx < 0 {
				stateIdx = i
			}
		}
	}
	if typeIdx < 0 {
		return Sanitized{}, notClassifiable(ReasonNoCellTypes, "")
	}
	if stateIdx < 0 {
		return Sanitized{}, notClassifiable(ReasonNoCellStates, "")
	}

	types := cloneEntries(doc.Sections[typeIdx].Entries)
	seen := make(map[string]struct{}, len(types))
	for _, entry := range types {
		if _, dup := seen[entry.Name]; dup {
			return Sanitized{}, notClassifiable(ReasonDuplicateType, entry.Name)
		}
		seen[entry.Name] = struct{}{}
	}

	return Sanitized{
		TypeKey:  doc.Sections[typeIdx].Key,
		StateKey: doc.Sections[stateIdx].Key,
		Types:    types,
		States:   cloneEntries(doc.Sections[stateIdx].Entries),
	}, nil
}

// classifyKey accepts "cell" followed by any run of non-alphanumeric ASCII and then
// "type" or "state", case-insensitively, at the start of the key. Trailing text is
// allowed, so "Cell_Types" and "cell-states" both qualify.
func classifyKey(key string) keyKind {
	lower := strings.ToLower(key)
	if !strings.HasPrefix(lower, "cell") {
		return keyUnknown
	}
	rest := strings.TrimLeftFunc(lower[len("cell"):], func(r rune) bool {
		return !isASCIIAlnum(r)
	})
	switch {
	case strings.HasPrefix(rest, "type"):
		return keyCellType
	case strings.HasPrefix(rest, "state"):
		return keyCellState
	default:
		return keyUnknown
	}
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func cloneEntries(entries []model.MarkerEntry) []model.MarkerEntry {
	out := make([]model.MarkerEntry, len(entries))
	for i, entry := range entries {
		out[i] = model.MarkerEntry{Name: entry.Name, Genes: append([]string(nil), entry.Genes...)}
	}
	return out
}
