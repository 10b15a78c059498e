package export

import (
	"bytes"
	"errors"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/rewired-gh/busrisk/internal/models"
)

// RenderChart draws a horizontal bar chart of the ranking as PNG, most
// important feature on top.
func RenderChart(ranking []models.FeatureImportance) ([]byte, error) {
	if len(ranking) == 0 {
		return nil, errors.New("nothing to plot")
	}

	// Bars are drawn bottom-up, so reverse the ranking.
	n := len(ranking)
	values := make(plotter.Values, n)
	names := make([]string, n)
	for i, fi := range ranking {
		values[n-1-i] = fi.Importance
		names[n-1-i] = fi.Feature
	}

	p := plot.New()
	p.Title.Text = "Risk factor importance"
	p.X.Label.Text = "Mean decrease in impurity"
	p.X.Min = 0

	bars, err := plotter.NewBarChart(values, vg.Points(14))
	if err != nil {
		return nil, fmt.Errorf("failed to build bar chart: %w", err)
	}
	bars.Horizontal = true
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalY(names...)

	height := vg.Points(float64(80 + 22*n))
	w, err := p.WriterTo(6*vg.Inch, height, "png")
	if err != nil {
		return nil, fmt.Errorf("failed to render chart: %w", err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode chart: %w", err)
	}
	return buf.Bytes(), nil
}
