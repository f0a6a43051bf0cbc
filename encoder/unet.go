package encoder

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/geoseg/base"
)

// UNetWidths are the encoder stage widths of the pooled encoders.
var UNetWidths = []int64{64, 128, 256, 512}

// UNetBottleneck is the width of the block below the last pool.
const UNetBottleneck int64 = 1024

// PoolEncoder is the contracting path of U-Net and Res-U-Net: four stages of
// a conv block followed by a 2x2 max pool, then a bottleneck block. The
// pre-pool output of each stage is a skip.
// Ref. https://arxiv.org/abs/1505.04597
type PoolEncoder struct {
	norm       ts.ModuleT
	stages     []*base.ConvBlock
	bottleneck *base.ConvBlock
	skips      []base.Shape
}

// NewUNetEncoder creates the plain U-Net encoder. Its blocks have no batch
// norm.
func NewUNetEncoder(p *nn.Path, in base.Shape, opts Options) (*PoolEncoder, error) {
	return newPoolEncoder(p, in, opts, base.BlockConfig{Bias: true})
}

// NewResUNetEncoder creates the Res-U-Net encoder: residual blocks with a
// projected, normalized shortcut.
// Ref. Zhang et al., 2018, https://arxiv.org/abs/1711.10684
func NewResUNetEncoder(p *nn.Path, in base.Shape, opts Options) (*PoolEncoder, error) {
	return newPoolEncoder(p, in, opts, ResUNetBlock())
}

// ResUNetBlock is the residual block configuration of Res-U-Net.
func ResUNetBlock() base.BlockConfig {
	return base.BlockConfig{
		Residual:     true,
		Bias:         true,
		ActFirst:     true,
		Downsample:   true,
		ShortcutNorm: true,
	}
}

func newPoolEncoder(p *nn.Path, in base.Shape, opts Options, cfg base.BlockConfig) (*PoolEncoder, error) {
	e := &PoolEncoder{
		norm: inputNorm(p.Sub("input"), in.C, opts, false),
	}

	s := in
	for i, c := range UNetWidths {
		id := base.BlockID{Stage: i + 1}
		b, err := base.NewConvBlock(id.Path(p), id, s, c, cfg)
		if err != nil {
			return nil, err
		}
		e.stages = append(e.stages, b)
		e.skips = append(e.skips, b.Out())
		s = b.Out().Pool(2, 0, 2)
	}

	id := base.BlockID{Stage: len(UNetWidths) + 1}
	b, err := base.NewConvBlock(p.Sub("bottleneck"), id, s, UNetBottleneck, cfg)
	if err != nil {
		return nil, err
	}
	e.bottleneck = b

	return e, nil
}

// Skips implements Encoder.
func (e *PoolEncoder) Skips() []base.Shape {
	return e.skips
}

// Bottom implements Encoder.
func (e *PoolEncoder) Bottom() base.Shape {
	return e.bottleneck.Out()
}

// ForwardAll implements Encoder interface for PoolEncoder.
func (e *PoolEncoder) ForwardAll(x *ts.Tensor, train bool) *Features {
	f := &Features{}
	h := e.norm.ForwardT(x, train)
	for _, stage := range e.stages {
		skip := stage.ForwardT(h, train)
		h.MustDrop()
		f.Skips = append(f.Skips, skip)
		h = maxPool2(skip)
	}
	f.Bottom = e.bottleneck.ForwardT(h, train)
	h.MustDrop()

	return f
}
