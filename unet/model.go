package unet

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/geoseg/base"
	"github.com/sugarme/geoseg/config"
	"github.com/sugarme/geoseg/encoder"
)

// Model is an encoder-decoder segmentation network with its head.
// Ref: https://arxiv.org/abs/1505.04597
type Model struct {
	Variant config.Variant

	encoder encoder.Encoder
	decoder *UNetDecoder
	segHead *base.SegmentationHead
	in      base.Shape
}

// ForwardT implements ts.ModuleT for Model struct.
func (n *Model) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	features := n.encoder.ForwardAll(x, train)
	out := n.decoder.ForwardFeatures(features, train)
	features.Drop()
	masks := n.segHead.ForwardT(out, train)
	out.MustDrop()

	return masks
}

// Activation returns the output activation.
func (n *Model) Activation() base.Activation {
	return n.segHead.Activation()
}

// In returns the per-sample input shape.
func (n *Model) In() base.Shape {
	return n.in
}

// Out returns the per-sample output shape.
func (n *Model) Out() base.Shape {
	return n.segHead.Out()
}

// Encoder returns the model encoder.
func (n *Model) Encoder() encoder.Encoder {
	return n.encoder
}

// transposeStages are the plain and residual U-Net decoders.
func transposeStages(block BlockKind) []StageSpec {
	var specs []StageSpec
	for i := len(encoder.UNetWidths) - 1; i >= 0; i-- {
		c := encoder.UNetWidths[i]
		specs = append(specs, StageSpec{
			Out:          c,
			Up:           UpTranspose2,
			Cat:          true,
			SkipChannels: c,
			Block:        block,
		})
	}
	return specs
}

// ResNet18Decoder is the output width of each transposed conv stage of the
// resnet18 decoder.
var ResNet18Decoder = []int64{256, 128, 64, 32, 16}

func resnet18Stages() []StageSpec {
	var specs []StageSpec
	for _, c := range ResNet18Decoder {
		specs = append(specs, StageSpec{Out: c, Up: UpTranspose3, UpNormAct: true})
	}
	return specs
}

// ResUNet34Decoder is the output width of each resunet34 decoder stage. The
// first four fuse a skip, the last one restores full resolution.
var ResUNet34Decoder = []int64{256, 128, 64, 32, 16}

// resunet34Skips are the encoder capture widths the resunet34 decoder fuses,
// highest resolution first.
func resunet34Skips() []int64 {
	return append([]int64{encoder.ResNet34Stem}, encoder.ResNet34Widths[:len(encoder.ResNet34Widths)-1]...)
}

func resunet34Stages() []StageSpec {
	skips := resunet34Skips()
	var specs []StageSpec
	for i, c := range ResUNet34Decoder {
		spec := StageSpec{Out: c, Up: UpNearest, Block: BlockPlainNorm}
		if i < len(skips) {
			spec.Cat = true
			spec.SkipChannels = skips[len(skips)-1-i]
		}
		specs = append(specs, spec)
	}
	return specs
}

// New assembles the network described by cfg under p. Nothing is returned
// when the configuration is invalid or the feature maps cannot be wired.
func New(p *nn.Path, cfg config.Architecture) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	in := base.Shape{C: cfg.Bands, H: cfg.Height, W: cfg.Width}
	opts := encoder.Options{BandMean: cfg.BandMean, BandStd: cfg.BandStd}
	ep := p.Sub("encoder")

	var (
		enc    encoder.Encoder
		err    error
		specs  []StageSpec
		center bool
		refine int64
	)
	switch cfg.Variant {
	case config.UNet:
		enc, err = encoder.NewUNetEncoder(ep, in, opts)
		specs = transposeStages(BlockPlain)
	case config.ResUNet:
		enc, err = encoder.NewResUNetEncoder(ep, in, opts)
		specs = transposeStages(BlockResidual)
	case config.ResNet18:
		enc, err = encoder.NewResNet18Encoder(ep, in, opts)
		specs = resnet18Stages()
	case config.ResUNet34:
		enc, err = encoder.NewResNet34Encoder(ep, in, cfg.Blocks(), opts)
		specs = resunet34Stages()
		center = true
		refine = cfg.Bands
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s encoder", cfg.Variant)
	}

	dec, err := NewUNetDecoder(p.Sub("decoder"), enc.Bottom(), enc.Skips(), center, specs, cfg.Attention)
	if err != nil {
		return nil, errors.Wrapf(err, "%s decoder for input %v", cfg.Variant, in)
	}

	head := base.NewSegmentationHead(p.Sub("head"), dec.Out(), cfg.NumClasses, refine)
	want := in.WithC(cfg.NumClasses)
	if head.Out() != want {
		return nil, errors.Wrapf(base.ErrShapeMismatch, "%s output %v, want %v", cfg.Variant, head.Out(), want)
	}

	return &Model{
		Variant: cfg.Variant,
		encoder: enc,
		decoder: dec,
		segHead: head,
		in:      in,
	}, nil
}
