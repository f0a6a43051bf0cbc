package base

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// BlockID identifies a block by its position in the network.
type BlockID struct {
	Stage int
	Block int
}

func (id BlockID) String() string {
	return fmt.Sprintf("stage%d/%d", id.Stage, id.Block)
}

// Path returns the variable path of the block under p.
func (id BlockID) Path(p *nn.Path) *nn.Path {
	return p.Sub(fmt.Sprintf("stage%d", id.Stage)).Sub(fmt.Sprint(id.Block))
}

// BlockConfig selects the ConvBlock flavour.
type BlockConfig struct {
	// Residual adds a shortcut branch.
	Residual bool
	// Norm adds batch norm after each conv of a plain block.
	// Residual blocks are always normalized.
	Norm bool
	// Bias keeps the conv biases.
	Bias bool
	// ActFirst applies ReLU before batch norm on the first residual conv.
	ActFirst bool
	// Stride of the first conv.
	Stride int64
	// Downsample creates a projection shortcut. It is required whenever the
	// block changes channel count or stride.
	Downsample bool
	// ShortcutKsize is the projection kernel size, 1 by default.
	ShortcutKsize int64
	// ShortcutNorm adds batch norm after the projection.
	ShortcutNorm bool
}

// ConvBlock is two 3x3 convolutions, optionally with a residual shortcut.
type ConvBlock struct {
	ID BlockID

	conv1    ts.ModuleT
	bn1      ts.ModuleT
	conv2    ts.ModuleT
	bn2      ts.ModuleT
	shortcut ts.ModuleT

	cfg BlockConfig
	out Shape
}

func conv3x3(p *nn.Path, cIn, cOut, stride int64, bias bool) *nn.Conv2D {
	if bias {
		return Conv2d(p, cIn, cOut, 3, 1, stride)
	}
	return Conv2dNoBias(p, cIn, cOut, 3, 1, stride)
}

func projection(p *nn.Path, in Shape, cOut, ksize, stride int64, bias, norm bool) ts.ModuleT {
	seq := SeqT()
	padding := ksize / 2
	if bias {
		seq.Add(Conv2d(p.Sub("0"), in.C, cOut, ksize, padding, stride))
	} else {
		seq.Add(Conv2dNoBias(p.Sub("0"), in.C, cOut, ksize, padding, stride))
	}
	if norm {
		seq.Add(BatchNorm(p.Sub("1"), cOut))
	}

	return seq
}

func checkShortcut(id BlockID, in Shape, cOut, stride int64, downsample bool) error {
	if downsample {
		return nil
	}
	if in.C != cOut || stride != 1 {
		return errors.Wrapf(ErrShapeMismatch, "block %v: %v to %d channels with stride %d needs a downsample shortcut", id, in, cOut, stride)
	}
	return nil
}

// NewConvBlock creates a ConvBlock mapping in to cOut channels.
func NewConvBlock(p *nn.Path, id BlockID, in Shape, cOut int64, cfg BlockConfig) (*ConvBlock, error) {
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.ShortcutKsize == 0 {
		cfg.ShortcutKsize = 1
	}
	if !cfg.Residual && cfg.Stride != 1 {
		return nil, errors.Wrapf(ErrShapeMismatch, "block %v: plain block with stride %d", id, cfg.Stride)
	}

	b := &ConvBlock{
		ID:  id,
		cfg: cfg,
		out: in.Conv(cOut, 3, 1, cfg.Stride),
	}
	b.conv1 = conv3x3(p.Sub("conv1"), in.C, cOut, cfg.Stride, cfg.Bias)
	b.conv2 = conv3x3(p.Sub("conv2"), cOut, cOut, 1, cfg.Bias)

	if !cfg.Residual {
		if cfg.Norm {
			b.bn1 = BatchNorm(p.Sub("bn1"), cOut)
			b.bn2 = BatchNorm(p.Sub("bn2"), cOut)
		}
		return b, nil
	}

	if err := checkShortcut(id, in, cOut, cfg.Stride, cfg.Downsample); err != nil {
		return nil, err
	}
	b.bn1 = BatchNorm(p.Sub("bn1"), cOut)
	b.bn2 = BatchNorm(p.Sub("bn2"), cOut)
	if cfg.Downsample {
		b.shortcut = projection(p.Sub("downsample"), in, cOut, cfg.ShortcutKsize, cfg.Stride, cfg.Bias, cfg.ShortcutNorm)
	} else {
		b.shortcut = NewIdentity()
	}

	return b, nil
}

// Out returns the block output shape.
func (b *ConvBlock) Out() Shape {
	return b.out
}

// ForwardT implements ts.ModuleT for ConvBlock.
func (b *ConvBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	if !b.cfg.Residual {
		return b.forwardPlain(x, train)
	}

	c1 := b.conv1.ForwardT(x, train)
	var h1 *ts.Tensor
	if b.cfg.ActFirst {
		relu := c1.MustRelu(true)
		h1 = b.bn1.ForwardT(relu, train)
		relu.MustDrop()
	} else {
		bn1Ts := b.bn1.ForwardT(c1, train)
		c1.MustDrop()
		h1 = bn1Ts.MustRelu(true)
	}
	c2 := b.conv2.ForwardT(h1, train)
	h1.MustDrop()
	bn2Ts := b.bn2.ForwardT(c2, train)
	c2.MustDrop()

	sc := b.shortcut.ForwardT(x, train)
	sum := sc.MustAdd(bn2Ts, true)
	bn2Ts.MustDrop()

	return sum.MustRelu(true)
}

func (b *ConvBlock) forwardPlain(x *ts.Tensor, train bool) *ts.Tensor {
	h := normRelu(b.conv1.ForwardT(x, train), b.bn1, train)
	c2 := b.conv2.ForwardT(h, train)
	h.MustDrop()

	return normRelu(c2, b.bn2, train)
}

// normRelu applies the optional norm then ReLU, consuming x.
func normRelu(x *ts.Tensor, bn ts.ModuleT, train bool) *ts.Tensor {
	if bn != nil {
		bnTs := bn.ForwardT(x, train)
		x.MustDrop()
		x = bnTs
	}
	return x.MustRelu(true)
}

// PreActBlock is a pre-activation residual block:
// BN-ReLU-conv-BN-ReLU-conv plus shortcut, then ReLU. When downsampling, the
// shortcut is a strided 3x3 conv over the pre-activated input. Neither the
// shortcut nor the second conv is normalized.
type PreActBlock struct {
	ID BlockID

	bn0      *nn.BatchNorm
	conv1    *nn.Conv2D
	bn1      *nn.BatchNorm
	conv2    *nn.Conv2D
	shortcut *nn.Conv2D

	out Shape
}

// NewPreActBlock creates a PreActBlock.
func NewPreActBlock(p *nn.Path, id BlockID, in Shape, cOut, stride int64, downsample bool) (*PreActBlock, error) {
	if err := checkShortcut(id, in, cOut, stride, downsample); err != nil {
		return nil, err
	}

	b := &PreActBlock{
		ID:    id,
		bn0:   BatchNorm(p.Sub("bn0"), in.C),
		conv1: Conv2dNoBias(p.Sub("conv1"), in.C, cOut, 3, 1, stride),
		bn1:   BatchNorm(p.Sub("bn1"), cOut),
		conv2: Conv2dNoBias(p.Sub("conv2"), cOut, cOut, 3, 1, 1),
		out:   in.Conv(cOut, 3, 1, stride),
	}
	if downsample {
		b.shortcut = Conv2dNoBias(p.Sub("shortcut"), in.C, cOut, 3, 1, stride)
	}

	return b, nil
}

// Out returns the block output shape.
func (b *PreActBlock) Out() Shape {
	return b.out
}

// ForwardT implements ts.ModuleT for PreActBlock.
func (b *PreActBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	bn0Ts := b.bn0.ForwardT(x, train)
	pre := bn0Ts.MustRelu(true)

	c1 := b.conv1.ForwardT(pre, train)
	bn1Ts := b.bn1.ForwardT(c1, train)
	c1.MustDrop()
	h := bn1Ts.MustRelu(true)
	c2 := b.conv2.ForwardT(h, train)
	h.MustDrop()

	var sum *ts.Tensor
	if b.shortcut != nil {
		sc := b.shortcut.ForwardT(pre, train)
		sum = c2.MustAdd(sc, true)
		sc.MustDrop()
	} else {
		sum = c2.MustAdd(x, true)
	}
	pre.MustDrop()

	return sum.MustRelu(true)
}
