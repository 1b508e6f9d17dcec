package main

import "math/rand"

// Dropout zeroes each element independently with probability rate and
// scales survivors by 1/(1-rate) (inverted dropout), so the expected
// activation is unchanged. With rate 0 it is an exact identity and the
// layer becomes deterministic.
type Dropout struct {
	rate     float64
	training bool
	rng      *rand.Rand
}

// NewDropout creates a dropout layer. Rate must be in [0, 1).
// The layer starts in training mode.
func NewDropout(rate float64, rng *rand.Rand) *Dropout {
	if rate < 0 || rate >= 1 {
		panic("dropout: rate must be in [0, 1)")
	}
	return &Dropout{rate: rate, training: true, rng: rng}
}

// SetTraining switches between training (masking active) and eval
// (identity) behavior.
func (d *Dropout) SetTraining(training bool) {
	d.training = training
}

// Forward applies dropout and returns the output together with the
// mask used, which the caller passes back to Backward. In eval mode or
// with rate 0 the input is returned unchanged with a nil mask.
func (d *Dropout) Forward(x *Tensor) (*Tensor, []float64) {
	if !d.training || d.rate == 0 {
		return x, nil
	}

	keep := 1.0 - d.rate
	out := NewTensor(x.shape...)
	mask := make([]float64, len(x.data))

	for i := range x.data {
		if d.rng.Float64() < d.rate {
			mask[i] = 0
		} else {
			mask[i] = 1.0 / keep
		}
		out.data[i] = x.data[i] * mask[i]
	}

	return out, mask
}

// Backward routes the gradient through the mask produced by Forward.
func (d *Dropout) Backward(gradY *Tensor, mask []float64) *Tensor {
	if mask == nil {
		return gradY
	}

	gradX := NewTensor(gradY.shape...)
	for i := range gradY.data {
		gradX.data[i] = gradY.data[i] * mask[i]
	}
	return gradX
}
