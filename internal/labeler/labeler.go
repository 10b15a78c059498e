// Package labeler derives the high-risk label from injury descriptions.
//
// A description is high risk iff it contains one of the marker substrings
// ("Serious" or "Hospital" by default). Matching is case-sensitive unless
// configured otherwise. A missing description is never high risk, so
// labeling is total: it cannot fail on any input value.
package labeler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rewired-gh/busrisk/internal/dataset"
)

// DefaultColumn is the name of the derived label column.
const DefaultColumn = "high_risk"

// DefaultMarkers are the substrings that mark a serious injury or hospitalization.
var DefaultMarkers = []string{"Serious", "Hospital"}

// Labeler applies the marker rule.
type Labeler struct {
	markers       []string
	caseSensitive bool
}

// New creates a labeler. Empty markers are rejected because they would match
// every description.
func New(markers []string, caseSensitive bool) (*Labeler, error) {
	if len(markers) == 0 {
		return nil, errors.New("at least one marker is required")
	}
	l := &Labeler{caseSensitive: caseSensitive}
	for _, m := range markers {
		if m == "" {
			return nil, errors.New("markers must not be empty")
		}
		if !caseSensitive {
			m = strings.ToLower(m)
		}
		l.markers = append(l.markers, m)
	}
	return l, nil
}

// Default returns the case-sensitive Serious/Hospital labeler.
func Default() *Labeler {
	l, _ := New(DefaultMarkers, true)
	return l
}

// IsHighRisk labels a single description.
func (l *Labeler) IsHighRisk(description string) bool {
	if description == "" {
		return false
	}
	if !l.caseSensitive {
		description = strings.ToLower(description)
	}
	for _, m := range l.markers {
		if strings.Contains(description, m) {
			return true
		}
	}
	return false
}

// Label returns one label per description, in order.
func (l *Labeler) Label(descriptions []string) []bool {
	out := make([]bool, len(descriptions))
	for i, d := range descriptions {
		out[i] = l.IsHighRisk(d)
	}
	return out
}

// Apply labels the description column of t and stores the result in the
// derived column outColumn ("true"/"false"). Applying twice yields the same
// table. A table with rows must contain the description column; an empty
// table without it gets an empty label column.
func (l *Labeler) Apply(t *dataset.Table, descriptionColumn, outColumn string) ([]bool, error) {
	if outColumn == "" {
		outColumn = DefaultColumn
	}

	descriptions, err := t.Column(descriptionColumn)
	if err != nil {
		if t.Len() > 0 {
			return nil, fmt.Errorf("failed to label: %w", err)
		}
		descriptions = nil
	}

	if t.HasColumn(outColumn) && !t.IsDerived(outColumn) {
		if err := adoptLabelColumn(t, outColumn); err != nil {
			return nil, err
		}
	}

	labels := l.Label(descriptions)
	values := make([]string, len(labels))
	for i, v := range labels {
		values[i] = strconv.FormatBool(v)
	}
	if err := t.SetColumn(outColumn, values); err != nil {
		return nil, fmt.Errorf("failed to store labels: %w", err)
	}
	return labels, nil
}

// adoptLabelColumn accepts a label column that came in with the source, as
// in a previously labeled export, so Apply can overwrite it. A column of the
// same name holding anything but "true"/"false" is left alone.
func adoptLabelColumn(t *dataset.Table, name string) error {
	values, err := t.Column(name)
	if err != nil {
		return err
	}
	for _, v := range values {
		if v != "true" && v != "false" {
			return fmt.Errorf("failed to store labels: column %q exists and does not hold labels", name)
		}
	}
	return t.MarkDerived(name)
}
