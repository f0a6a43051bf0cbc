package metric

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/geoseg/config"
)

// Predictions are clipped to [clipMin, clipMax] before any log.
const (
	clipMin = 1e-7
	clipMax = 1 - 1e-7
)

// LossFunc computes a scalar loss from predicted probabilities and ground
// truth of identical shape. Neither input is consumed.
type LossFunc func(pred, target *ts.Tensor) *ts.Tensor

// float returns a float copy of x.
func float(x *ts.Tensor) *ts.Tensor {
	return x.MustTotype(gotch.Float, false)
}

// clip casts x to float and bounds it away from 0 and 1.
func clip(x *ts.Tensor) *ts.Tensor {
	return float(x).MustClip(ts.FloatScalar(clipMin), ts.FloatScalar(clipMax), true)
}

// oneMinus returns 1 - x.
func oneMinus(x *ts.Tensor) *ts.Tensor {
	return x.MustMul1(ts.FloatScalar(-1), false).MustAdd1(ts.FloatScalar(1), true)
}

// pow returns x^gamma for positive x.
func pow(x *ts.Tensor, gamma float64) *ts.Tensor {
	return x.MustLog(false).MustMul1(ts.FloatScalar(gamma), true).MustExp(true)
}

// sampleDims are every axis but the batch axis.
func sampleDims(x *ts.Tensor) []int64 {
	n := len(x.MustSize())
	dims := make([]int64, 0, n-1)
	for i := 1; i < n; i++ {
		dims = append(dims, int64(i))
	}
	return dims
}

// DiceLoss returns 1 - mean(2·Σ(y·p) / (Σy² + Σp² + eps)), summed over every
// non-batch axis and averaged over the batch.
// Ref. http://campar.in.tum.de/pub/milletari2016Vnet/milletari2016Vnet.pdf
func DiceLoss(eps float64) LossFunc {
	return func(pred, target *ts.Tensor) *ts.Tensor {
		p := float(pred)
		y := float(target)
		dims := sampleDims(p)

		intersection := p.MustMul(y, false).MustAbs(true).MustSum1(dims, false, gotch.Float, true)
		ySq := y.MustMul(y, false).MustSum1(dims, false, gotch.Float, true)
		pSq := p.MustMul(p, false).MustSum1(dims, false, gotch.Float, true)
		denom := ySq.MustAdd(pSq, true).MustAdd1(ts.FloatScalar(eps), true)
		dice := intersection.MustMul1(ts.FloatScalar(2.0), true).MustDiv(denom, true)

		p.MustDrop()
		y.MustDrop()
		pSq.MustDrop()
		denom.MustDrop()

		loss := oneMinus(dice)
		dice.MustDrop()

		return loss.MustMean(gotch.Float, true)
	}
}

// FocalLoss returns -mean(w·log(pt)) where pt is the probability of the true
// class, w = alpha·(1-pt)^gamma on positives and (1-alpha)·pt^gamma on
// negatives. Labels are expected to be 0 or 1.
// Ref. https://arxiv.org/abs/1708.02002
func FocalLoss(gamma, alpha float64) LossFunc {
	return func(pred, target *ts.Tensor) *ts.Tensor {
		p := clip(pred)
		y := float(target)
		y1 := oneMinus(y)
		p1 := oneMinus(p)

		// pt = y·p + (1-y)·(1-p)
		neg := y1.MustMul(p1, false)
		pt := y.MustMul(p, false).MustAdd(neg, true)
		neg.MustDrop()
		logPt := pt.MustLog(false)

		ptComp := oneMinus(pt)
		posW := pow(ptComp, gamma).MustMul1(ts.FloatScalar(alpha), true).MustMul(y, true)
		negW := pow(pt, gamma).MustMul1(ts.FloatScalar(1-alpha), true).MustMul(y1, true)
		weight := posW.MustAdd(negW, true)

		loss := weight.MustMul(logPt, true).MustMean(gotch.Float, true).MustMul1(ts.FloatScalar(-1), true)

		for _, x := range []*ts.Tensor{p, y, y1, p1, pt, logPt, ptComp, negW} {
			x.MustDrop()
		}

		return loss
	}
}

// BCELoss returns -mean(y·log(p) + (1-y)·log(1-p)).
func BCELoss() LossFunc {
	return func(pred, target *ts.Tensor) *ts.Tensor {
		p := clip(pred)
		y := float(target)

		logp := p.MustLog(false)
		logn := oneMinus(p).MustLog(true)
		y1 := oneMinus(y)

		// t * logp + (1-t) * logn
		tlogp := logp.MustMul(y, false)
		t1logn := logn.MustMul(y1, false)
		sum := tlogp.MustAdd(t1logn, true)

		for _, x := range []*ts.Tensor{p, y, y1, logp, logn, t1logn} {
			x.MustDrop()
		}

		return sum.MustMean(gotch.Float, true).MustMul1(ts.FloatScalar(-1), true)
	}
}

// Sum returns the unweighted sum of independently computed losses.
func Sum(fns ...LossFunc) LossFunc {
	return func(pred, target *ts.Tensor) *ts.Tensor {
		var total *ts.Tensor
		for _, fn := range fns {
			l := fn(pred, target)
			if total == nil {
				total = l
				continue
			}
			total = total.MustAdd(l, true)
			l.MustDrop()
		}
		return total
	}
}

// NewLoss builds the objective selected by cfg.
func NewLoss(cfg config.Loss) (LossFunc, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dice := DiceLoss(cfg.Smooth)
	switch cfg.Kind {
	case config.Dice:
		return dice, nil
	case config.Focal:
		return FocalLoss(cfg.Gamma, cfg.Alpha), nil
	case config.BCE:
		return BCELoss(), nil
	case config.FocalDice:
		return Sum(FocalLoss(cfg.Gamma, cfg.Alpha), dice), nil
	case config.BCEDice:
		return Sum(BCELoss(), dice), nil
	}

	return nil, errors.Wrapf(config.ErrInvalidLoss, "%q", cfg.Kind)
}
