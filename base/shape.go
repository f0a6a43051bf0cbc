package base

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrShapeMismatch reports feature maps that cannot be wired together.
var ErrShapeMismatch = errors.New("shape mismatch")

// Shape is the per-sample size of a feature map [C, H, W].
// Builders track it while constructing so that wiring errors surface
// before any tensor is forwarded.
type Shape struct {
	C, H, W int64
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d %d %d]", s.C, s.H, s.W)
}

// Dims returns the batched tensor size for batch size n.
func (s Shape) Dims(n int64) []int64 {
	return []int64{n, s.C, s.H, s.W}
}

// SameSpatial reports whether both maps share height and width.
func (s Shape) SameSpatial(o Shape) bool {
	return s.H == o.H && s.W == o.W
}

// Conv returns the output shape of a 2D convolution.
func (s Shape) Conv(cOut, ksize, padding, stride int64) Shape {
	return Shape{
		C: cOut,
		H: (s.H+2*padding-ksize)/stride + 1,
		W: (s.W+2*padding-ksize)/stride + 1,
	}
}

// Pool returns the output shape of a max pool.
func (s Shape) Pool(ksize, padding, stride int64) Shape {
	out := s.Conv(s.C, ksize, padding, stride)
	out.C = s.C
	return out
}

// Up returns the shape after upsampling by factor.
func (s Shape) Up(cOut, factor int64) Shape {
	return Shape{C: cOut, H: s.H * factor, W: s.W * factor}
}

// WithC returns s with channel count c.
func (s Shape) WithC(c int64) Shape {
	s.C = c
	return s
}
