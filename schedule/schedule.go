// Package schedule provides learning rate schedules for the training driver.
package schedule

import (
	"math"

	"github.com/pkg/errors"
)

// ErrStepOutOfRange is returned for a step outside [0, total steps].
var ErrStepOutOfRange = errors.New("step out of range")

// Power is the polynomial decay exponent.
const Power = 0.9

// PolyDecay decays a learning rate polynomially to zero over a fixed number
// of steps: rate(step) = initial * (1 - step/total)^Power.
type PolyDecay struct {
	initial float64
	total   int64
}

// NewPolyDecay creates a schedule that reaches zero after epochs full epochs
// of stepsPerEpoch steps.
func NewPolyDecay(initial float64, stepsPerEpoch, epochs int64) (*PolyDecay, error) {
	if initial <= 0 || stepsPerEpoch <= 0 || epochs <= 0 {
		return nil, errors.Errorf("invalid poly decay: initial %v, %d steps x %d epochs", initial, stepsPerEpoch, epochs)
	}
	return &PolyDecay{initial: initial, total: stepsPerEpoch * epochs}, nil
}

// Total returns the number of steps to reach zero.
func (s *PolyDecay) Total() int64 {
	return s.total
}

// Rate returns the learning rate for step.
func (s *PolyDecay) Rate(step int64) (float64, error) {
	if step < 0 || step > s.total {
		return 0, errors.Wrapf(ErrStepOutOfRange, "step %d of %d", step, s.total)
	}
	return s.initial * math.Pow(1-float64(step)/float64(s.total), Power), nil
}
