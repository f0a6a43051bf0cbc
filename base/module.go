package base

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Identity is a nn.Module placeholder.
// It forwards the input tensor as such. The result is a new handle on the
// same storage, still attached to the graph, so callers may drop it.
type Identity struct{}

// Forward implement nn.Module for Identity struct
func (i *Identity) Forward(x *ts.Tensor) *ts.Tensor {
	return x.MustShallowClone()
}

// ForwardT implement nn.ModuleT for Identity struct.
func (i *Identity) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustShallowClone()
}

// NewIdentity creates a new Identity struct.
func NewIdentity() *Identity {
	return &Identity{}
}

// Sequential runs layers in order, dropping intermediate outputs. Unlike
// nn.SequentialT it accepts any number of layers, including one.
type Sequential struct {
	layers []ts.ModuleT
}

// SeqT creates an empty Sequential.
func SeqT() *Sequential {
	return &Sequential{}
}

// Add appends a layer.
func (s *Sequential) Add(l ts.ModuleT) {
	s.layers = append(s.layers, l)
}

// AddFn appends a closure such as nn.NewFunc.
func (s *Sequential) AddFn(fn ts.ModuleT) {
	s.Add(fn)
}

// Len returns the number of layers.
func (s *Sequential) Len() int {
	return len(s.layers)
}

// ForwardT implements ts.ModuleT for Sequential. An empty Sequential
// returns a shallow clone of x.
func (s *Sequential) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	if len(s.layers) == 0 {
		return x.MustShallowClone()
	}

	h := s.layers[0].ForwardT(x, train)
	for _, l := range s.layers[1:] {
		next := l.ForwardT(h, train)
		h.MustDrop()
		h = next
	}

	return h
}

// SCSE is concurrent spatial and channel squeeze and excitement module.
// Ref. https://arxiv.org/abs/1808.08127
type SCSE struct {
	cSE *Sequential
	sSE *Sequential
}

// ForwardT implement ts.ModuleT for SCSE struct.
func (m *SCSE) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	cse := m.cSE.ForwardT(x, train)
	sse := m.sSE.ForwardT(x, train)
	cmul := x.MustMul(cse, false)
	smul := x.MustMul(sse, false)
	res := cmul.MustAdd(smul, true)

	cse.MustDrop()
	sse.MustDrop()
	smul.MustDrop()

	return res
}

// NewSCSE creates new SCSE.
func NewSCSE(p *nn.Path, cIn int64, reductionOpt ...int64) *SCSE {
	var reduction int64 = 16
	if len(reductionOpt) > 0 {
		reduction = reductionOpt[0]
	}
	cMid := cIn / reduction
	if cMid < 1 {
		cMid = 1
	}

	// Channel squeeze excite
	chanSeq := SeqT()
	chanSeq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustAdaptiveAvgPool2d([]int64{1, 1}, false)
	}))
	chanSeq.Add(Conv2d(p.Sub("sqzconv1"), cIn, cMid, 1, 0, 1))
	chanSeq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))
	chanSeq.Add(Conv2d(p.Sub("sqzconv2"), cMid, cIn, 1, 0, 1))
	chanSeq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustSigmoid(false)
	}))

	// Spatial squeeze excite
	spatSeq := SeqT()
	spatSeq.Add(Conv2d(p.Sub("spatconv"), cIn, 1, 1, 0, 1))
	spatSeq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustSigmoid(false)
	}))

	return &SCSE{
		cSE: chanSeq,
		sSE: spatSeq,
	}
}

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNoBias creates Conv2D with no bias.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// convTranspose2d is a transposed convolution with a [cIn, cOut, k, k]
// weight, the layout libtorch expects.
type convTranspose2d struct {
	ws            *ts.Tensor
	bs            *ts.Tensor
	stride        []int64
	padding       []int64
	outputPadding []int64
}

// ForwardT implements ts.ModuleT.
func (c *convTranspose2d) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return ts.MustConvTranspose2d(x, c.ws, c.bs, c.stride, c.padding, c.outputPadding, 1, []int64{1, 1})
}

// ConvTranspose2d creates a transposed convolution that doubles height and
// width for ksize 2 (padding 0) or ksize 3 (padding 1, output padding 1).
func ConvTranspose2d(p *nn.Path, cIn, cOut, ksize int64) ts.ModuleT {
	c := &convTranspose2d{
		ws:            p.NewVar("weight", []int64{cIn, cOut, ksize, ksize}, nn.NewKaimingUniformInit()),
		bs:            p.Zeros("bias", []int64{cOut}),
		stride:        []int64{2, 2},
		padding:       []int64{0, 0},
		outputPadding: []int64{0, 0},
	}
	if ksize == 3 {
		c.padding = []int64{1, 1}
		c.outputPadding = []int64{1, 1}
	}

	return c
}

// BatchNorm creates a 2D batch norm layer.
func BatchNorm(p *nn.Path, c int64) *nn.BatchNorm {
	return nn.BatchNorm2D(p, c, nn.DefaultBatchNormConfig())
}

// Relu is a ReLU activation usable in a Sequential.
func Relu() nn.Func {
	return nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	})
}

// BnRelu creates a Sequential of batch norm followed by ReLU.
func BnRelu(p *nn.Path, c int64) *Sequential {
	seq := SeqT()
	seq.Add(BatchNorm(p, c))
	seq.AddFn(Relu())

	return seq
}

// Conv2dRelu creates a Sequential composing of Conv2D No bias, a batch norm
// (eps 1e-3) and a ReLU activation.
func Conv2dRelu(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *Sequential {
	bnConfig := nn.DefaultBatchNormConfig()
	bnConfig.Eps = 0.001
	seq := SeqT()
	seq.Add(Conv2dNoBias(p.Sub("conv"), cIn, cOut, ksize, padding, stride))
	seq.Add(nn.BatchNorm2D(p.Sub("bn"), cOut, bnConfig))
	seq.AddFn(Relu())

	return seq
}
