package train

import (
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Epoch is the record of one training epoch.
type Epoch struct {
	Epoch     int64   `dataframe:"epoch"`
	LR        float64 `dataframe:"lr"`
	TrainLoss float64 `dataframe:"tra_loss"`
	TrainOA   float64 `dataframe:"tra_oa"`
	TrainMIoU float64 `dataframe:"tra_miou"`
	TestLoss  float64 `dataframe:"test_loss"`
	TestOA    float64 `dataframe:"test_oa"`
	TestMIoU  float64 `dataframe:"test_miou"`
	Seconds   float64 `dataframe:"seconds"`
}

// History is the sequence of epoch records of a run.
type History []Epoch

// DataFrame returns the history as a data frame, one row per epoch.
func (h History) DataFrame() dataframe.DataFrame {
	return dataframe.LoadStructs(h)
}

// WriteCSV writes the history to a CSV file.
func (h History) WriteCSV(path string) error {
	if len(h) == 0 {
		return errors.New("empty history")
	}
	df := h.DataFrame()
	if df.Err != nil {
		return df.Err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := df.WriteCSV(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

func (h History) points(value func(Epoch) float64) plotter.XYs {
	pts := make(plotter.XYs, len(h))
	for i, e := range h {
		pts[i].X = float64(e.Epoch)
		pts[i].Y = value(e)
	}
	return pts
}

// Plot saves loss and mean IoU curves to a PNG file.
func (h History) Plot(path string) error {
	if len(h) == 0 {
		return errors.New("empty history")
	}

	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = "Training history"
	p.X.Label.Text = "Epoch"

	err = plotutil.AddLinePoints(p,
		"tra_loss", h.points(func(e Epoch) float64 { return e.TrainLoss }),
		"test_loss", h.points(func(e Epoch) float64 { return e.TestLoss }),
		"tra_miou", h.points(func(e Epoch) float64 { return e.TrainMIoU }),
		"test_miou", h.points(func(e Epoch) float64 { return e.TestMIoU }),
	)
	if err != nil {
		return err
	}

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
