package unet

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/geoseg/base"
)

func TestResUNet34StageSkips(t *testing.T) {
	specs := resunet34Stages()
	var got []int64
	for _, s := range specs {
		if s.Cat {
			got = append(got, s.SkipChannels)
		}
	}
	assert.Equal(t, []int64{256, 128, 64, 32}, got)
	assert.False(t, specs[len(specs)-1].Cat)
}

func TestResUNet34StagesRejectForeignSkips(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	bottom := base.Shape{C: 512, H: 2, W: 2}
	skips := []base.Shape{
		{C: 32, H: 32, W: 32},
		{C: 64, H: 16, W: 16},
		{C: 128, H: 8, W: 8},
		{C: 256, H: 4, W: 4},
	}
	_, err := NewUNetDecoder(vs.Root(), bottom, skips, true, resunet34Stages(), false)
	assert.NoError(t, err)

	// an encoder with different capture widths no longer wires silently
	skips[1].C = 48
	_, err = NewUNetDecoder(vs.Root().Sub("bad"), bottom, skips, true, resunet34Stages(), false)
	assert.True(t, errors.Is(err, base.ErrShapeMismatch), "got %v", err)
}
