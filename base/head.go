package base

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Activation is the output non-linearity of a segmentation head.
type Activation int

const (
	Sigmoid Activation = iota
	Softmax
)

func (a Activation) String() string {
	if a == Softmax {
		return "softmax"
	}
	return "sigmoid"
}

// HeadActivation picks sigmoid for a single binary class and a channel-wise
// softmax otherwise.
func HeadActivation(numClasses int64) Activation {
	if numClasses == 1 {
		return Sigmoid
	}
	return Softmax
}

// SegmentationHead projects decoder features to per-class probabilities.
type SegmentationHead struct {
	seq        *Sequential
	activation Activation
	out        Shape
}

// NewSegmentationHead creates a head with an optional 3x3 refine conv to
// refine channels (0 disables it), a 1x1 classification conv and the
// activation selected by numClasses.
func NewSegmentationHead(p *nn.Path, in Shape, numClasses, refine int64) *SegmentationHead {
	seq := SeqT()
	cIn := in.C
	if refine > 0 {
		seq.Add(Conv2d(p.Sub("refine"), cIn, refine, 3, 1, 1))
		cIn = refine
	}
	seq.Add(Conv2d(p.Sub("logit"), cIn, numClasses, 1, 0, 1))

	act := HeadActivation(numClasses)
	switch act {
	case Sigmoid:
		seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
			return xs.MustSigmoid(false)
		}))
	case Softmax:
		seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
			return xs.MustSoftmax(1, gotch.Float, false)
		}))
	}

	return &SegmentationHead{
		seq:        seq,
		activation: act,
		out:        in.WithC(numClasses),
	}
}

// Activation returns the head activation.
func (h *SegmentationHead) Activation() Activation {
	return h.activation
}

// Out returns the head output shape.
func (h *SegmentationHead) Out() Shape {
	return h.out
}

// ForwardT implements ts.ModuleT for SegmentationHead.
func (h *SegmentationHead) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return h.seq.ForwardT(x, train)
}
