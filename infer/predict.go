// Package infer runs a trained model over whole scenes.
package infer

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/geoseg/base"
	"github.com/sugarme/geoseg/dataset"
	"github.com/sugarme/geoseg/raster"
)

// Model is a segmentation network with a fixed input and output shape.
type Model interface {
	ts.ModuleT
	In() base.Shape
	Out() base.Shape
}

// Prediction is the result of running a model over a raster.
type Prediction struct {
	// Probs holds one band of probabilities per output channel.
	Probs *raster.Raster
	// Classes is the 1-band class map.
	Classes *raster.Raster
}

// Predict slides the model input window over r, the last window of each
// row and column shifted inward, and stitches the probabilities. Where
// windows overlap the probabilities are averaged.
func Predict(model Model, r *raster.Raster, device gotch.Device) (*Prediction, error) {
	in, out := model.In(), model.Out()
	if int64(r.Bands) != in.C {
		return nil, errors.Wrapf(base.ErrShapeMismatch, "raster has %d bands, model takes %d", r.Bands, in.C)
	}
	rows, err := dataset.Starts(int64(r.Height), in.H, in.H)
	if err != nil {
		return nil, err
	}
	cols, err := dataset.Starts(int64(r.Width), in.W, in.W)
	if err != nil {
		return nil, err
	}

	probs := raster.New(int(out.C), r.Height, r.Width, r.Geo)
	counts := make([]float32, r.Height*r.Width)

	x := r.Tensor()
	defer x.MustDrop()
	for _, row := range rows {
		band := x.MustNarrow(1, row, in.H, false)
		for _, col := range cols {
			window := band.MustNarrow(2, col, in.W, false).MustUnsqueeze(0, true)
			input := window.MustTo(device, true)

			var vals []float64
			ts.NoGrad(func() {
				pred := model.ForwardT(input, false)
				host := pred.MustTo(gotch.CPU, true)
				vals = host.Float64Values()
				host.MustDrop()
			})
			input.MustDrop()

			accumulate(probs, counts, vals, out, int(row), int(col))
		}
		band.MustDrop()
	}

	for c := 0; c < probs.Bands; c++ {
		b := probs.Band(c)
		for i := range b {
			b[i] /= counts[i]
		}
	}

	return &Prediction{Probs: probs, Classes: Classify(probs)}, nil
}

// accumulate adds a [C, H, W] window at row, col.
func accumulate(probs *raster.Raster, counts []float32, vals []float64, s base.Shape, row, col int) {
	h, w := int(s.H), int(s.W)
	for c := 0; c < int(s.C); c++ {
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				v := vals[(c*h+i)*w+j]
				probs.Set(c, row+i, col+j, probs.At(c, row+i, col+j)+float32(v))
			}
		}
	}
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			counts[(row+i)*probs.Width+col+j]++
		}
	}
}

// Classify turns probabilities into a class map: a 0.5 threshold for a
// single band, the most probable band otherwise.
func Classify(probs *raster.Raster) *raster.Raster {
	classes := raster.New(1, probs.Height, probs.Width, probs.Geo)
	n := probs.Height * probs.Width

	if probs.Bands == 1 {
		for i, v := range probs.Band(0) {
			if v > 0.5 {
				classes.Data[i] = 1
			}
		}
		return classes
	}

	for i := 0; i < n; i++ {
		best, bestV := 0, probs.Data[i]
		for c := 1; c < probs.Bands; c++ {
			if v := probs.Data[c*n+i]; v > bestV {
				best, bestV = c, v
			}
		}
		classes.Data[i] = float32(best)
	}
	return classes
}
