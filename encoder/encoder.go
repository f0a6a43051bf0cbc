package encoder

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/geoseg/base"
)

// Encoder is encoder interface for a image segmentation model.
type Encoder interface {
	// ForwardAll returns the skip maps and the deepest feature map.
	ForwardAll(x *ts.Tensor, train bool) *Features
	// Skips returns the shapes of the skip maps, highest resolution first.
	Skips() []base.Shape
	// Bottom returns the shape of the deepest feature map.
	Bottom() base.Shape
}

// Features holds encoder outputs.
type Features struct {
	// Skips are ordered by decreasing resolution.
	Skips  []*ts.Tensor
	Bottom *ts.Tensor
}

// Drop frees every feature map.
func (f *Features) Drop() {
	for _, s := range f.Skips {
		s.MustDrop()
	}
	if f.Bottom != nil {
		f.Bottom.MustDrop()
	}
}

// Options are settings shared by every encoder.
type Options struct {
	// BandMean and BandStd standardize input bands when set.
	BandMean []float64
	BandStd  []float64
}

// bandNormalize standardizes each band with fixed statistics.
type bandNormalize struct {
	mean *ts.Tensor
	sd   *ts.Tensor
}

func newBandNormalize(mean, std []float64) *bandNormalize {
	c := int64(len(mean))
	meanVals := make([]float32, c)
	sdVals := make([]float32, c)
	for i := range mean {
		meanVals[i] = float32(mean[i])
		sdVals[i] = float32(std[i])
	}

	return &bandNormalize{
		mean: ts.MustOfSlice(meanVals).MustView([]int64{1, c, 1, 1}, true),
		sd:   ts.MustOfSlice(sdVals).MustView([]int64{1, c, 1, 1}, true),
	}
}

// ForwardT implements ts.ModuleT. x = (x - mean)/sd
func (n *bandNormalize) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	mean := n.mean.MustTo(x.MustDevice(), false)
	sd := n.sd.MustTo(x.MustDevice(), false)
	out := x.MustSub(mean, false).MustDiv(sd, true)
	mean.MustDrop()
	sd.MustDrop()

	return out
}

// inputNorm normalizes the raw raster: fixed band statistics when given,
// otherwise (or additionally, when withBN is set) a batch norm over bands.
func inputNorm(p *nn.Path, bands int64, opts Options, withBN bool) ts.ModuleT {
	seq := base.SeqT()
	hasStats := len(opts.BandMean) > 0
	if hasStats {
		seq.Add(newBandNormalize(opts.BandMean, opts.BandStd))
	}
	if !hasStats || withBN {
		seq.Add(base.BatchNorm(p.Sub("bn"), bands))
	}

	return seq
}

func maxPool2(x *ts.Tensor) *ts.Tensor {
	return x.MustMaxPool2d([]int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, false, false)
}
