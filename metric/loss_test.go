package metric_test

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/geoseg/config"
	"github.com/sugarme/geoseg/metric"
)

func scalar(t *testing.T, x *ts.Tensor) float64 {
	defer x.MustDrop()
	vals := x.Float64Values()
	require.Len(t, vals, 1)
	return vals[0]
}

func full(shape []int64, v float64) *ts.Tensor {
	ones := ts.MustOnes(shape, gotch.Float, gotch.CPU)
	return ones.MustMul1(ts.FloatScalar(v), true)
}

func TestDiceLossIdentical(t *testing.T) {
	shape := []int64{8, 1, 16, 16}
	y := full(shape, 1)
	defer y.MustDrop()

	loss := scalar(t, metric.DiceLoss(1e-6)(y, y))
	assert.InDelta(t, 0.0, loss, 1e-5)
}

func TestDiceLossNoOverlap(t *testing.T) {
	// left half predicted, right half true
	pred := ts.MustOfSlice([]float32{1, 1, 0, 0, 1, 1, 0, 0}).MustView([]int64{2, 1, 2, 2}, true)
	target := ts.MustOfSlice([]float32{0, 0, 1, 1, 0, 0, 1, 1}).MustView([]int64{2, 1, 2, 2}, true)
	defer pred.MustDrop()
	defer target.MustDrop()

	loss := scalar(t, metric.DiceLoss(1e-6)(pred, target))
	assert.InDelta(t, 1.0, loss, 1e-6)
}

func TestDiceLossIntegerMasks(t *testing.T) {
	y := ts.MustOfSlice([]int64{1, 0, 0, 1}).MustView([]int64{1, 1, 2, 2}, true)
	defer y.MustDrop()

	loss := scalar(t, metric.DiceLoss(1e-6)(y, y))
	assert.InDelta(t, 0.0, loss, 1e-5)
}

func TestLogLossesGuarded(t *testing.T) {
	pred := ts.MustOfSlice([]float32{0, 1, 0, 1, 0.5, 0.2}).MustView([]int64{1, 1, 2, 3}, true)
	target := ts.MustOfSlice([]float32{0, 1, 1, 0, 1, 0}).MustView([]int64{1, 1, 2, 3}, true)
	defer pred.MustDrop()
	defer target.MustDrop()

	losses := map[string]metric.LossFunc{
		"bce":   metric.BCELoss(),
		"focal": metric.FocalLoss(2.0, 0.25),
	}
	for name, fn := range losses {
		v := scalar(t, fn(pred, target))
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "%s: %v", name, v)
		assert.GreaterOrEqual(t, v, 0.0, name)
	}
}

func TestFocalLossWorstCase(t *testing.T) {
	shape := []int64{2, 1, 8, 8}
	pred := full(shape, 1)
	target := full(shape, 0)
	defer pred.MustDrop()
	defer target.MustDrop()

	v := scalar(t, metric.FocalLoss(2.0, 0.25)(pred, target))
	assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	assert.GreaterOrEqual(t, v, 0.0)

	bce := scalar(t, metric.BCELoss()(pred, target))
	assert.False(t, math.IsInf(bce, 0))
	// -log(1e-7) with float32 rounding
	assert.InDelta(t, 16.0, bce, 0.5)
}

func TestRandomInputsNonNegative(t *testing.T) {
	pred := ts.MustRand([]int64{4, 1, 8, 8}, gotch.Float, gotch.CPU)
	r := ts.MustRand([]int64{4, 1, 8, 8}, gotch.Float, gotch.CPU)
	target := r.MustGt(ts.FloatScalar(0.5), true).MustTotype(gotch.Float, true)
	defer pred.MustDrop()
	defer target.MustDrop()

	for _, kind := range config.LossKinds {
		cfg := config.DefaultLoss()
		cfg.Kind = kind
		fn, err := metric.NewLoss(cfg)
		require.NoError(t, err)
		v := scalar(t, fn(pred, target))
		assert.GreaterOrEqual(t, v, 0.0, string(kind))
	}
}

func TestCompositeIsSum(t *testing.T) {
	pred := ts.MustRand([]int64{2, 1, 8, 8}, gotch.Float, gotch.CPU)
	r := ts.MustRand([]int64{2, 1, 8, 8}, gotch.Float, gotch.CPU)
	target := r.MustGt(ts.FloatScalar(0.5), true).MustTotype(gotch.Float, true)
	defer pred.MustDrop()
	defer target.MustDrop()

	cfg := config.DefaultLoss()
	dice := scalar(t, metric.DiceLoss(cfg.Smooth)(pred, target))
	focal := scalar(t, metric.FocalLoss(cfg.Gamma, cfg.Alpha)(pred, target))
	bce := scalar(t, metric.BCELoss()(pred, target))

	tests := []struct {
		kind config.LossKind
		want float64
	}{
		{config.FocalDice, focal + dice},
		{config.BCEDice, bce + dice},
	}
	for _, tt := range tests {
		cfg.Kind = tt.kind
		fn, err := metric.NewLoss(cfg)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, scalar(t, fn(pred, target)), 1e-6, string(tt.kind))
	}
}

func TestNewLossInvalid(t *testing.T) {
	cfg := config.DefaultLoss()
	cfg.Kind = "hinge"
	fn, err := metric.NewLoss(cfg)
	assert.Nil(t, fn)
	assert.True(t, errors.Is(err, config.ErrInvalidLoss))
}

// hostBCE and hostFocal are float64 references of the tensor losses.
func hostBCE(p, y []float64) float64 {
	var sum float64
	for i := range p {
		q := math.Min(math.Max(p[i], 1e-7), 1-1e-7)
		sum += y[i]*math.Log(q) + (1-y[i])*math.Log(1-q)
	}
	return -sum / float64(len(p))
}

func hostFocal(p, y []float64, gamma, alpha float64) float64 {
	var sum float64
	for i := range p {
		q := math.Min(math.Max(p[i], 1e-7), 1-1e-7)
		pt := y[i]*q + (1-y[i])*(1-q)
		w := y[i]*alpha*math.Pow(1-pt, gamma) + (1-y[i])*(1-alpha)*math.Pow(pt, gamma)
		sum += w * math.Log(pt)
	}
	return -sum / float64(len(p))
}

func TestLogLossesMatchHost(t *testing.T) {
	p := []float64{0.9, 0.1, 0.6, 0.3, 0.75, 0.05, 0.5, 0.99}
	y := []float64{1, 0, 1, 1, 0, 0, 1, 0}

	f32 := func(xs []float64) []float32 {
		out := make([]float32, len(xs))
		for i, x := range xs {
			out[i] = float32(x)
		}
		return out
	}
	pred := ts.MustOfSlice(f32(p)).MustView([]int64{2, 1, 2, 2}, true)
	target := ts.MustOfSlice(f32(y)).MustView([]int64{2, 1, 2, 2}, true)
	defer pred.MustDrop()
	defer target.MustDrop()

	tests := []struct {
		name string
		fn   metric.LossFunc
		want float64
	}{
		{"bce", metric.BCELoss(), hostBCE(p, y)},
		{"focal", metric.FocalLoss(2.0, 0.25), hostFocal(p, y, 2.0, 0.25)},
		{"focal gamma 0", metric.FocalLoss(0, 0.5), hostFocal(p, y, 0, 0.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// evaluated twice: inputs must survive each call
			for i := 0; i < 2; i++ {
				assert.InDelta(t, tt.want, scalar(t, tt.fn(pred, target)), 1e-5)
			}
		})
	}

	for i, v := range pred.Float64Values() {
		assert.InDelta(t, p[i], v, 1e-6)
	}
}
