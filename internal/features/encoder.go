// Package features turns incident table columns into the numeric matrix the
// classifier trains on.
//
// Categorical columns are label-encoded in order of first appearance, numeric
// columns are parsed as floats and a timestamp column is split into derived
// numeric parts. Missing values become NaN; the trees route NaN explicitly.
package features

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rewired-gh/busrisk/internal/dataset"
	"github.com/rewired-gh/busrisk/internal/models"
)

// ErrIncompatibleFeature is returned when a value cannot be converted to the
// kind its column is configured as.
var ErrIncompatibleFeature = errors.New("incompatible feature value")

// Timestamp parts that can be derived from the timestamp column.
const (
	PartYear      = "year"
	PartMonth     = "month"
	PartDayOfWeek = "day_of_week"
	PartHour      = "hour"
)

// Config lists the columns to encode.
type Config struct {
	Categorical    []string
	Numeric        []string
	Timestamp      string
	TimestampParts []string
	TimeLayouts    []string
}

// Matrix is the encoded feature set. Rows align 1:1 with the table rows.
type Matrix struct {
	Specs []models.FeatureSpec
	Rows  [][]float64
	// Vocabulary holds the category names per categorical feature, indexed by code.
	Vocabulary map[string][]string
}

// Names returns the feature names in column order.
func (m *Matrix) Names() []string {
	names := make([]string, len(m.Specs))
	for i, s := range m.Specs {
		names[i] = s.Name
	}
	return names
}

// Encoder builds a Matrix from a table.
type Encoder struct {
	cfg Config
}

// NewEncoder validates cfg and returns an encoder.
func NewEncoder(cfg Config) (*Encoder, error) {
	if len(cfg.Categorical)+len(cfg.Numeric) == 0 && cfg.Timestamp == "" {
		return nil, errors.New("at least one feature column is required")
	}
	seen := map[string]bool{}
	for _, name := range append(append([]string(nil), cfg.Categorical...), cfg.Numeric...) {
		if seen[name] {
			return nil, fmt.Errorf("feature column %q listed twice", name)
		}
		seen[name] = true
	}
	if cfg.Timestamp != "" && len(cfg.TimestampParts) == 0 {
		return nil, errors.New("timestamp parts are required when a timestamp column is set")
	}
	for _, p := range cfg.TimestampParts {
		switch p {
		case PartYear, PartMonth, PartDayOfWeek, PartHour:
		default:
			return nil, fmt.Errorf("unknown timestamp part %q", p)
		}
	}
	if len(cfg.TimeLayouts) == 0 {
		cfg.TimeLayouts = dataset.DefaultTimeLayouts
	}
	return &Encoder{cfg: cfg}, nil
}

// Encode converts the configured columns of t. A non-empty table must contain
// every configured column.
func (e *Encoder) Encode(t *dataset.Table) (*Matrix, error) {
	n := t.Len()
	m := &Matrix{
		Rows:       make([][]float64, n),
		Vocabulary: map[string][]string{},
	}
	for i := range m.Rows {
		m.Rows[i] = make([]float64, 0, len(e.cfg.Categorical)+len(e.cfg.Numeric)+len(e.cfg.TimestampParts))
	}

	column := func(name string) ([]string, error) {
		values, err := t.Column(name)
		if err != nil && n == 0 {
			return nil, nil
		}
		return values, err
	}

	for _, name := range e.cfg.Categorical {
		values, err := column(name)
		if err != nil {
			return nil, err
		}
		codes, vocab := labelEncode(values)
		m.Specs = append(m.Specs, models.FeatureSpec{Name: name, Kind: models.Categorical})
		m.Vocabulary[name] = vocab
		for i := range m.Rows {
			m.Rows[i] = append(m.Rows[i], codes[i])
		}
	}

	for _, name := range e.cfg.Numeric {
		values, err := column(name)
		if err != nil {
			return nil, err
		}
		m.Specs = append(m.Specs, models.FeatureSpec{Name: name, Kind: models.Numeric})
		for i, v := range values {
			f := math.NaN()
			if v != "" {
				f, err = strconv.ParseFloat(v, 64)
				if err != nil || math.IsInf(f, 0) {
					return nil, fmt.Errorf("%w: column %q row %d: %q is not numeric", ErrIncompatibleFeature, name, i+1, v)
				}
			}
			m.Rows[i] = append(m.Rows[i], f)
		}
	}

	if e.cfg.Timestamp != "" {
		values, err := column(e.cfg.Timestamp)
		if err != nil {
			return nil, err
		}
		parsed := make([]time.Time, len(values))
		for i, v := range values {
			if v == "" {
				continue
			}
			parsed[i], err = dataset.ParseTime(v, e.cfg.TimeLayouts)
			if err != nil {
				return nil, fmt.Errorf("%w: column %q row %d: %w", ErrIncompatibleFeature, e.cfg.Timestamp, i+1, err)
			}
		}
		for _, part := range e.cfg.TimestampParts {
			m.Specs = append(m.Specs, models.FeatureSpec{Name: e.cfg.Timestamp + ":" + part, Kind: models.Numeric})
			for i, ts := range parsed {
				m.Rows[i] = append(m.Rows[i], timePart(ts, part))
			}
		}
	}

	return m, nil
}

// labelEncode assigns codes in order of first appearance. Missing values are NaN.
func labelEncode(values []string) ([]float64, []string) {
	unique := map[string]int{}
	var vocab []string
	out := make([]float64, len(values))
	for i, v := range values {
		if v == "" {
			out[i] = math.NaN()
			continue
		}
		code, ok := unique[v]
		if !ok {
			code = len(vocab)
			unique[v] = code
			vocab = append(vocab, v)
		}
		out[i] = float64(code)
	}
	return out, vocab
}

func timePart(ts time.Time, part string) float64 {
	if ts.IsZero() {
		return math.NaN()
	}
	switch part {
	case PartYear:
		return float64(ts.Year())
	case PartMonth:
		return float64(ts.Month())
	case PartDayOfWeek:
		return float64(ts.Weekday())
	case PartHour:
		return float64(ts.Hour())
	}
	return math.NaN()
}
