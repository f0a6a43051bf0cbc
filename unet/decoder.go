package unet

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/geoseg/base"
	"github.com/sugarme/geoseg/encoder"
)

// UpMode selects how a decoder stage doubles resolution.
type UpMode int

const (
	// UpNearest is nearest neighbour interpolation; channels are kept.
	UpNearest UpMode = iota
	// UpTranspose2 is a 2x2 stride 2 transposed convolution.
	UpTranspose2
	// UpTranspose3 is a 3x3 stride 2 transposed convolution.
	UpTranspose3
)

// BlockKind selects the convolutions run after fusion.
type BlockKind int

const (
	BlockNone BlockKind = iota
	BlockPlain
	BlockPlainNorm
	BlockResidual
)

// StageSpec describes one decoder stage.
type StageSpec struct {
	// Out is the stage output width.
	Out int64
	Up  UpMode
	// UpNormAct adds batch norm and ReLU after a transposed convolution.
	UpNormAct bool
	// Cat fuses the next encoder skip by channel concatenation.
	Cat bool
	// SkipChannels is the width the fused skip must have.
	SkipChannels int64
	Block        BlockKind
}

// interpolation using `nearest` algorithm
func upsample(x *ts.Tensor, factor int64) *ts.Tensor {
	size := x.MustSize()
	return x.MustUpsampleNearest2d([]int64{size[2] * factor, size[3] * factor}, nil, nil, false)
}

// DecoderLayer upsamples, optionally fuses a skip, then convolves.
type DecoderLayer struct {
	Up    ts.ModuleT
	Block ts.ModuleT
	Attn  ts.ModuleT

	cat bool
	out base.Shape
}

// ForwardSkip forwards x, concatenated with skip when the layer fuses one.
func (d *DecoderLayer) ForwardSkip(x, skip *ts.Tensor, train bool) *ts.Tensor {
	up := d.Up.ForwardT(x, train)
	h := up
	if d.cat {
		h = ts.MustCat([]ts.Tensor{*up, *skip}, 1)
		up.MustDrop()
	}
	if d.Block != nil {
		conv := d.Block.ForwardT(h, train)
		h.MustDrop()
		h = conv
	}
	res := d.Attn.ForwardT(h, train)
	h.MustDrop()

	return res
}

// Out returns the layer output shape.
func (d *DecoderLayer) Out() base.Shape {
	return d.out
}

func blockConfig(kind BlockKind) base.BlockConfig {
	switch kind {
	case BlockPlainNorm:
		return base.BlockConfig{Norm: true, Bias: true}
	case BlockResidual:
		return encoder.ResUNetBlock()
	default:
		return base.BlockConfig{Bias: true}
	}
}

// NewDecoderLayer creates a DecoderLayer for input x and an optional skip.
func NewDecoderLayer(p *nn.Path, id base.BlockID, x base.Shape, skip *base.Shape, spec StageSpec, attention bool) (*DecoderLayer, error) {
	d := &DecoderLayer{cat: spec.Cat}

	var up base.Shape
	switch spec.Up {
	case UpNearest:
		d.Up = nn.NewFuncT(func(xs *ts.Tensor, train bool) *ts.Tensor {
			return upsample(xs, 2)
		})
		up = x.Up(x.C, 2)
	case UpTranspose2, UpTranspose3:
		ksize := int64(2)
		if spec.Up == UpTranspose3 {
			ksize = 3
		}
		seq := base.SeqT()
		seq.Add(base.ConvTranspose2d(p.Sub("up"), x.C, spec.Out, ksize))
		if spec.UpNormAct {
			seq.Add(base.BnRelu(p.Sub("up_bn"), spec.Out))
		}
		d.Up = seq
		up = x.Up(spec.Out, 2)
	default:
		return nil, errors.Errorf("stage %v: unknown up mode %d", id, spec.Up)
	}

	in := up
	if spec.Cat {
		if skip == nil {
			return nil, errors.Wrapf(base.ErrShapeMismatch, "stage %v: no skip left to fuse", id)
		}
		if !skip.SameSpatial(up) {
			return nil, errors.Wrapf(base.ErrShapeMismatch, "stage %v: skip %v does not match upsampled %v", id, *skip, up)
		}
		if spec.SkipChannels != 0 && skip.C != spec.SkipChannels {
			return nil, errors.Wrapf(base.ErrShapeMismatch, "stage %v: skip has %d channels, want %d", id, skip.C, spec.SkipChannels)
		}
		in = up.WithC(up.C + skip.C)
	}

	d.out = in
	if spec.Block != BlockNone {
		b, err := base.NewConvBlock(p.Sub("block"), id, in, spec.Out, blockConfig(spec.Block))
		if err != nil {
			return nil, err
		}
		d.Block = b
		d.out = b.Out()
	}
	if d.out.C != spec.Out {
		return nil, errors.Wrapf(base.ErrShapeMismatch, "stage %v: output %v, want %d channels", id, d.out, spec.Out)
	}

	if attention && d.Block != nil {
		d.Attn = base.NewSCSE(p.Sub("attn"), d.out.C)
	} else {
		d.Attn = base.NewIdentity()
	}

	return d, nil
}

// UNetDecoder is Decoder struct for UNet model.
type UNetDecoder struct {
	center ts.ModuleT
	layers []*DecoderLayer
	out    base.Shape
}

// NewUNetDecoder creates the decoder for an encoder with the given bottom
// and skip shapes. Skips are consumed in reverse capture order and each must
// be fused by exactly one stage. center adds batch norm and ReLU on the
// bottom map before the first stage.
func NewUNetDecoder(p *nn.Path, bottom base.Shape, skips []base.Shape, center bool, specs []StageSpec, attention bool) (*UNetDecoder, error) {
	d := &UNetDecoder{}
	if center {
		d.center = base.BnRelu(p.Sub("center"), bottom.C)
	}

	next := len(skips) - 1
	s := bottom
	for i, spec := range specs {
		var skip *base.Shape
		if spec.Cat && next >= 0 {
			skip = &skips[next]
			next--
		}
		id := base.BlockID{Stage: i + 1}
		layer, err := NewDecoderLayer(p.Sub(fmt.Sprintf("decoder%d", i+1)), id, s, skip, spec, attention)
		if err != nil {
			return nil, err
		}
		d.layers = append(d.layers, layer)
		s = layer.Out()
	}
	if next >= 0 {
		return nil, errors.Wrapf(base.ErrShapeMismatch, "%d encoder skips left unfused", next+1)
	}
	d.out = s

	return d, nil
}

// Out returns the decoder output shape.
func (n *UNetDecoder) Out() base.Shape {
	return n.out
}

// ForwardFeatures forwards through encoder features. features is not
// consumed.
func (n *UNetDecoder) ForwardFeatures(features *encoder.Features, train bool) *ts.Tensor {
	var h *ts.Tensor
	if n.center != nil {
		h = n.center.ForwardT(features.Bottom, train)
	} else {
		h = features.Bottom.MustShallowClone()
	}

	next := len(features.Skips) - 1
	for _, layer := range n.layers {
		var skip *ts.Tensor
		if layer.cat {
			skip = features.Skips[next]
			next--
		}
		z := layer.ForwardSkip(h, skip, train)
		h.MustDrop()
		h = z
	}

	return h
}
