// Package metric provides segmentation losses and evaluation metrics.
package metric

import (
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
	"gonum.org/v1/gonum/stat"
)

// Threshold turns probabilities into binary decisions.
const Threshold = 0.5

// binarize returns a float 0/1 tensor of x > Threshold.
func binarize(x *ts.Tensor) *ts.Tensor {
	return x.MustGt(ts.FloatScalar(Threshold), false).MustTotype(gotch.Float, true)
}

// confusion returns binary true/false positive/negative counts.
func confusion(pred, target *ts.Tensor) (tp, fp, fn, tn float64) {
	p := binarize(pred)
	t := binarize(target)
	p1 := oneMinus(p)
	t1 := oneMinus(t)

	count := func(a, b *ts.Tensor) float64 {
		m := a.MustMul(b, false)
		s := m.MustSum(gotch.Double, true)
		v := s.Float64Values()[0]
		s.MustDrop()
		return v
	}
	tp = count(p, t)
	fp = count(p, t1)
	fn = count(p1, t)
	tn = count(p1, t1)

	for _, x := range []*ts.Tensor{p, t, p1, t1} {
		x.MustDrop()
	}

	return tp, fp, fn, tn
}

// IoU returns the foreground intersection over union of thresholded
// prediction and target.
func IoU(pred, target *ts.Tensor) float64 {
	tp, fp, fn, _ := confusion(pred, target)
	union := tp + fp + fn
	if union == 0 {
		return 1
	}
	return tp / union
}

// DiceCoeff returns the foreground Dice coefficient of thresholded
// prediction and target.
func DiceCoeff(pred, target *ts.Tensor) float64 {
	tp, fp, fn, _ := confusion(pred, target)
	denom := 2*tp + fp + fn
	if denom == 0 {
		return 1
	}
	return 2 * tp / denom
}

// Mean accumulates a running mean of scalar values.
type Mean struct {
	values []float64
}

// NewMean creates an empty Mean.
func NewMean() *Mean {
	return &Mean{}
}

// Update adds a value.
func (m *Mean) Update(v float64) {
	m.values = append(m.values, v)
}

// Result returns the mean so far, 0 when empty.
func (m *Mean) Result() float64 {
	if len(m.values) == 0 {
		return 0
	}
	return stat.Mean(m.values, nil)
}

// Reset clears the accumulator.
func (m *Mean) Reset() {
	m.values = m.values[:0]
}

// BinaryAccuracy accumulates the share of pixels whose thresholded
// prediction equals the target.
type BinaryAccuracy struct {
	correct, total float64
}

// NewBinaryAccuracy creates an empty BinaryAccuracy.
func NewBinaryAccuracy() *BinaryAccuracy {
	return &BinaryAccuracy{}
}

// Update adds a batch.
func (a *BinaryAccuracy) Update(pred, target *ts.Tensor) {
	tp, fp, fn, tn := confusion(pred, target)
	a.correct += tp + tn
	a.total += tp + fp + fn + tn
}

// Result returns the accuracy so far.
func (a *BinaryAccuracy) Result() float64 {
	if a.total == 0 {
		return 0
	}
	return a.correct / a.total
}

// Reset clears the accumulator.
func (a *BinaryAccuracy) Reset() {
	a.correct, a.total = 0, 0
}

// MeanIoU accumulates a 2-class confusion matrix over thresholded
// predictions and reports the IoU averaged over background and foreground.
type MeanIoU struct {
	tp, fp, fn, tn float64
}

// NewMeanIoU creates an empty MeanIoU.
func NewMeanIoU() *MeanIoU {
	return &MeanIoU{}
}

// Update adds a batch.
func (m *MeanIoU) Update(pred, target *ts.Tensor) {
	tp, fp, fn, tn := confusion(pred, target)
	m.tp += tp
	m.fp += fp
	m.fn += fn
	m.tn += tn
}

// Result returns the mean IoU of the classes present so far.
func (m *MeanIoU) Result() float64 {
	var ious []float64
	// foreground, then background with the roles of fp and fn swapped
	for _, c := range [][3]float64{{m.tp, m.fp, m.fn}, {m.tn, m.fn, m.fp}} {
		union := c[0] + c[1] + c[2]
		if union > 0 {
			ious = append(ious, c[0]/union)
		}
	}
	if len(ious) == 0 {
		return 0
	}
	return stat.Mean(ious, nil)
}

// Reset clears the accumulator.
func (m *MeanIoU) Reset() {
	*m = MeanIoU{}
}
