// Package report renders training diagnostics.
package report

import (
	"errors"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"plant-detector/internal/trainer"
)

var (
	lossColor     = color.RGBA{R: 200, G: 40, B: 40, A: 255}
	accuracyColor = color.RGBA{R: 40, G: 90, B: 200, A: 255}
)

// SaveLossPlot writes the per-step loss and accuracy of hist to path. The
// image format follows the file extension (png, svg, pdf).
func SaveLossPlot(path string, hist trainer.History) error {
	if len(hist.Steps) == 0 {
		return errors.New("report: history has no steps")
	}

	p := plot.New()
	p.Title.Text = "Training"
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Value"

	lossPts := make(plotter.XYs, len(hist.Steps))
	accPts := make(plotter.XYs, len(hist.Steps))
	for i, s := range hist.Steps {
		lossPts[i] = plotter.XY{X: float64(i + 1), Y: s.Loss}
		accPts[i] = plotter.XY{X: float64(i + 1), Y: s.Accuracy}
	}

	lossLine, err := plotter.NewLine(lossPts)
	if err != nil {
		return fmt.Errorf("loss line: %w", err)
	}
	lossLine.Color = lossColor
	lossLine.Width = vg.Points(1)

	accLine, err := plotter.NewLine(accPts)
	if err != nil {
		return fmt.Errorf("accuracy line: %w", err)
	}
	accLine.Color = accuracyColor
	accLine.Width = vg.Points(1)

	p.Add(lossLine, accLine)
	p.Legend.Add("loss", lossLine)
	p.Legend.Add("accuracy", accLine)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save loss plot: %w", err)
	}
	return nil
}
