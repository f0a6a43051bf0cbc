package unet_test

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/geoseg/base"
	"github.com/sugarme/geoseg/config"
	"github.com/sugarme/geoseg/unet"
)

func arch(v config.Variant, size, bands, classes int64) config.Architecture {
	return config.Architecture{
		Height:     size,
		Width:      size,
		Bands:      bands,
		NumClasses: classes,
		Variant:    v,
	}
}

func forward(t *testing.T, net *unet.Model, batch int64) *ts.Tensor {
	x := ts.MustRand(net.In().Dims(batch), gotch.Float, gotch.CPU)
	defer x.MustDrop()

	var out *ts.Tensor
	ts.NoGrad(func() {
		out = net.ForwardT(x, false)
	})
	return out
}

func TestVariantsOutputShape(t *testing.T) {
	tests := []struct {
		variant config.Variant
		size    int64
	}{
		{config.UNet, 32},
		{config.ResUNet, 32},
		{config.ResNet18, 64},
		{config.ResUNet34, 64},
	}

	for _, tt := range tests {
		t.Run(string(tt.variant), func(t *testing.T) {
			vs := nn.NewVarStore(gotch.CPU)
			cfg := arch(tt.variant, tt.size, 4, 1)
			net, err := unet.New(vs.Root(), cfg)
			require.NoError(t, err)
			assert.Equal(t, base.Shape{C: 1, H: tt.size, W: tt.size}, net.Out())
			assert.Equal(t, base.Sigmoid, net.Activation())

			out := forward(t, net, 2)
			defer out.MustDrop()
			assert.Equal(t, []int64{2, 1, tt.size, tt.size}, out.MustSize())
		})
	}
}

func TestVariantsForwardNormalization(t *testing.T) {
	tests := []struct {
		variant config.Variant
		size    int64
	}{
		{config.UNet, 32},
		{config.ResUNet, 32},
		{config.ResNet18, 64},
		{config.ResUNet34, 64},
	}

	for _, tt := range tests {
		for _, stats := range []bool{false, true} {
			name := fmt.Sprintf("%s/stats=%v", tt.variant, stats)
			t.Run(name, func(t *testing.T) {
				vs := nn.NewVarStore(gotch.CPU)
				cfg := arch(tt.variant, tt.size, 3, 2)
				if stats {
					cfg.BandMean = []float64{0.4, 0.5, 0.6}
					cfg.BandStd = []float64{0.2, 0.25, 0.3}
				}
				net, err := unet.New(vs.Root(), cfg)
				require.NoError(t, err)

				x := ts.MustRand(net.In().Dims(2), gotch.Float, gotch.CPU)
				defer x.MustDrop()
				out := net.ForwardT(x, true)
				defer out.MustDrop()
				assert.Equal(t, []int64{2, 2, tt.size, tt.size}, out.MustSize())
			})
		}
	}
}

func TestResUNet34SingleBlockStages(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	cfg := arch(config.ResUNet34, 32, 3, 1)
	cfg.BlockCounts = []int64{1, 1, 1, 1}
	net, err := unet.New(vs.Root(), cfg)
	require.NoError(t, err)

	out := forward(t, net, 1)
	defer out.MustDrop()
	assert.Equal(t, []int64{1, 1, 32, 32}, out.MustSize())
}

func TestResUNet34Default(t *testing.T) {
	if testing.Short() {
		t.Skip("full resolution forward")
	}
	vs := nn.NewVarStore(gotch.CPU)
	net, err := unet.New(vs.Root(), arch(config.ResUNet34, 512, 6, 1))
	require.NoError(t, err)
	assert.Equal(t, base.Sigmoid, net.Activation())

	out := forward(t, net, 1)
	defer out.MustDrop()
	require.Equal(t, []int64{1, 1, 512, 512}, out.MustSize())

	for _, v := range out.Float64Values() {
		if v < 0 || v > 1 {
			t.Fatalf("probability %v out of [0, 1]", v)
		}
	}
}

func TestShapeMismatch(t *testing.T) {
	for _, v := range config.Variants {
		t.Run(string(v), func(t *testing.T) {
			vs := nn.NewVarStore(gotch.CPU)
			net, err := unet.New(vs.Root(), arch(v, 100, 3, 1))
			assert.Nil(t, net)
			assert.True(t, errors.Is(err, base.ErrShapeMismatch), "got %v", err)
		})
	}
}

func TestInvalidVariant(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	net, err := unet.New(vs.Root(), arch("segnet", 64, 3, 1))
	assert.Nil(t, net)
	assert.True(t, errors.Is(err, config.ErrInvalidVariant))
}

func TestMultiClassSoftmax(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	net, err := unet.New(vs.Root(), arch(config.ResUNet34, 32, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, base.Softmax, net.Activation())

	out := forward(t, net, 1)
	defer out.MustDrop()
	require.Equal(t, []int64{1, 4, 32, 32}, out.MustSize())

	sum := out.MustSum1([]int64{1}, false, gotch.Float, false)
	defer sum.MustDrop()
	for _, v := range sum.Float64Values() {
		assert.InDelta(t, 1.0, v, 1e-4)
	}
}

func TestAttention(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	cfg := arch(config.ResUNet, 32, 3, 2)
	cfg.Attention = true
	net, err := unet.New(vs.Root(), cfg)
	require.NoError(t, err)

	out := forward(t, net, 1)
	defer out.MustDrop()
	assert.Equal(t, []int64{1, 2, 32, 32}, out.MustSize())
}

func TestDecoderSkipChannels(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	bottom := base.Shape{C: 64, H: 4, W: 4}
	skips := []base.Shape{{C: 16, H: 16, W: 16}, {C: 32, H: 8, W: 8}}
	specs := []unet.StageSpec{
		{Out: 32, Up: unet.UpNearest, Cat: true, SkipChannels: 32, Block: unet.BlockPlainNorm},
		{Out: 16, Up: unet.UpNearest, Cat: true, SkipChannels: 8, Block: unet.BlockPlainNorm},
	}

	_, err := unet.NewUNetDecoder(vs.Root(), bottom, skips, false, specs, false)
	assert.True(t, errors.Is(err, base.ErrShapeMismatch))

	specs[1].SkipChannels = 16
	dec, err := unet.NewUNetDecoder(vs.Root(), bottom, skips, false, specs, false)
	require.NoError(t, err)
	assert.Equal(t, base.Shape{C: 16, H: 16, W: 16}, dec.Out())
}

func TestDecoderUnfusedSkip(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	bottom := base.Shape{C: 64, H: 4, W: 4}
	skips := []base.Shape{{C: 16, H: 16, W: 16}, {C: 32, H: 8, W: 8}}
	specs := []unet.StageSpec{
		{Out: 32, Up: unet.UpNearest, Cat: true, Block: unet.BlockPlain},
		{Out: 16, Up: unet.UpNearest, Block: unet.BlockPlain},
	}

	_, err := unet.NewUNetDecoder(vs.Root(), bottom, skips, false, specs, false)
	assert.True(t, errors.Is(err, base.ErrShapeMismatch))
}
