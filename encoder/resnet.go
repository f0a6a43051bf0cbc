package encoder

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/geoseg/base"
)

// Stage describes one residual stage.
type Stage struct {
	Channels int64
	Blocks   int64
}

// ResNet18Stages are the residual stages of ResNet-18.
var ResNet18Stages = []Stage{{64, 2}, {128, 2}, {256, 2}, {512, 2}}

// ResNet34Widths are the stage widths of the ResNet-34 encoder.
var ResNet34Widths = []int64{64, 128, 256, 512}

// ResNet34Stem is the width of the first convolution of the ResNet-34
// encoder.
const ResNet34Stem int64 = 32

// ResNetEncoder is a ResNet-18 style encoder. Its decoder mirrors it
// without skip connections.
// Ref. https://arxiv.org/abs/1512.03385
type ResNetEncoder struct {
	norm   ts.ModuleT
	layer0 ts.ModuleT
	layers []ts.ModuleT
	bottom base.Shape
}

// NewResNet18Encoder creates a ResNet-18 encoder.
func NewResNet18Encoder(p *nn.Path, in base.Shape, opts Options) (*ResNetEncoder, error) {
	e := &ResNetEncoder{
		norm: inputNorm(p.Sub("input"), in.C, opts, false),
	}

	var s base.Shape
	e.layer0, s = layerZero(p.Sub("layer0"), in)
	for i, st := range ResNet18Stages {
		stride := int64(2)
		if i == 0 {
			stride = 1
		}
		layer, out, err := basicLayer(p, i+1, s, st, stride)
		if err != nil {
			return nil, err
		}
		e.layers = append(e.layers, layer)
		s = out
	}
	e.bottom = s

	return e, nil
}

// layerZero is the 7x7/2 conv, batch norm, ReLU and 3x3/2 max pool stem.
func layerZero(p *nn.Path, in base.Shape) (ts.ModuleT, base.Shape) {
	conv1 := base.Conv2d(p.Sub("conv1"), in.C, 64, 7, 3, 2)
	bn1 := base.BatchNorm(p.Sub("bn1"), 64)
	layer0 := base.SeqT()
	layer0.Add(conv1)
	layer0.Add(bn1)
	layer0.AddFn(base.Relu())
	layer0.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
	}))

	return layer0, in.Conv(64, 7, 3, 2).Pool(3, 1, 2)
}

// basicLayer stacks st.Blocks residual blocks. Only the first one may
// stride, and it gets a projected shortcut whenever it does.
func basicLayer(p *nn.Path, stage int, in base.Shape, st Stage, stride int64) (ts.ModuleT, base.Shape, error) {
	layer := base.SeqT()
	s := in
	for blockIndex := 0; blockIndex < int(st.Blocks); blockIndex++ {
		cfg := base.BlockConfig{
			Residual:     true,
			Bias:         true,
			Stride:       1,
			ShortcutNorm: true,
		}
		if blockIndex == 0 && stride != 1 {
			cfg.Stride = stride
			cfg.Downsample = true
		}
		id := base.BlockID{Stage: stage, Block: blockIndex}
		b, err := base.NewConvBlock(id.Path(p), id, s, st.Channels, cfg)
		if err != nil {
			return nil, s, err
		}
		layer.Add(b)
		s = b.Out()
	}

	return layer, s, nil
}

// Skips implements Encoder. ResNet-18 has none.
func (e *ResNetEncoder) Skips() []base.Shape {
	return nil
}

// Bottom implements Encoder.
func (e *ResNetEncoder) Bottom() base.Shape {
	return e.bottom
}

// ForwardAll implements Encoder interface for ResNetEncoder
func (e *ResNetEncoder) ForwardAll(x *ts.Tensor, train bool) *Features {
	xn := e.norm.ForwardT(x, train)
	h := e.layer0.ForwardT(xn, train)
	xn.MustDrop()
	for _, layer := range e.layers {
		next := layer.ForwardT(h, train)
		h.MustDrop()
		h = next
	}

	return &Features{Bottom: h}
}

// ResNet34Encoder is the pre-activation ResNet-34 encoder of ResUNet-34. It
// captures the stem output and every stage output: the first four are skips,
// the last is the bottom.
type ResNet34Encoder struct {
	norm   ts.ModuleT
	layer0 ts.ModuleT
	layers []ts.ModuleT
	stages []Stage
	skips  []base.Shape
	bottom base.Shape
}

// NewResNet34Encoder creates the ResNet-34 encoder with the given per-stage
// block counts.
func NewResNet34Encoder(p *nn.Path, in base.Shape, blocks []int64, opts Options) (*ResNet34Encoder, error) {
	e := &ResNet34Encoder{
		norm: inputNorm(p.Sub("input"), in.C, opts, true),
	}

	e.layer0 = base.Conv2dRelu(p.Sub("layer0"), in.C, ResNet34Stem, 7, 3, 2)

	s := in.Conv(ResNet34Stem, 7, 3, 2)
	e.skips = append(e.skips, s)

	for i, c := range ResNet34Widths {
		st := Stage{Channels: c, Blocks: blocks[i]}
		layer := base.SeqT()
		for blockIndex := 0; blockIndex < int(st.Blocks); blockIndex++ {
			id := base.BlockID{Stage: i + 1, Block: blockIndex}
			stride, downsample := int64(1), false
			if blockIndex == 0 {
				stride, downsample = 2, true
			}
			b, err := base.NewPreActBlock(id.Path(p), id, s, c, stride, downsample)
			if err != nil {
				return nil, err
			}
			layer.Add(b)
			s = b.Out()
		}
		e.layers = append(e.layers, layer)
		e.stages = append(e.stages, st)
		e.skips = append(e.skips, s)
	}

	// the deepest capture is the decoder input, not a fused skip
	e.bottom = e.skips[len(e.skips)-1]
	e.skips = e.skips[:len(e.skips)-1]

	return e, nil
}

// Stages returns the residual stages as built.
func (e *ResNet34Encoder) Stages() []Stage {
	return e.stages
}

// Skips implements Encoder.
func (e *ResNet34Encoder) Skips() []base.Shape {
	return e.skips
}

// Bottom implements Encoder.
func (e *ResNet34Encoder) Bottom() base.Shape {
	return e.bottom
}

// samePool2 is a 2x2 stride 1 max pool that keeps height and width, padding
// at the bottom and right edge.
func samePool2(x *ts.Tensor) *ts.Tensor {
	size := x.MustSize()
	pooled := x.MustMaxPool2d([]int64{2, 2}, []int64{1, 1}, []int64{1, 1}, []int64{1, 1}, false, false)
	// pooled is one larger on each side; window i+1 covers rows i and i+1
	rows := pooled.MustNarrow(2, 1, size[2], true)
	return rows.MustNarrow(3, 1, size[3], true)
}

// ForwardAll implements Encoder interface for ResNet34Encoder
func (e *ResNet34Encoder) ForwardAll(x *ts.Tensor, train bool) *Features {
	xn := e.norm.ForwardT(x, train)
	skip1 := e.layer0.ForwardT(xn, train)
	xn.MustDrop()

	captures := []*ts.Tensor{skip1}
	h := samePool2(skip1)
	for i, layer := range e.layers {
		next := layer.ForwardT(h, train)
		if i == 0 {
			// pooled stem, every later h is a capture
			h.MustDrop()
		}
		captures = append(captures, next)
		h = next
	}

	n := len(captures)
	return &Features{Skips: captures[:n-1], Bottom: captures[n-1]}
}
