package main

import "math"

// ===========================================================================
// OPTIMIZER
// ===========================================================================
//
// AdamW with decoupled weight decay. Moment buffers are allocated
// lazily per parameter and are keyed by position in the parameter
// slice, so the slice must not be reordered between steps.
//
// ===========================================================================

// AdamW implements the Adam optimizer with decoupled weight decay.
type AdamW struct {
	params []*Tensor

	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	m [][]float64 // first moment per parameter
	v [][]float64 // second moment per parameter
	t int         // step counter for bias correction
}

// NewAdamW creates an optimizer over the given parameters with the
// usual defaults (beta1=0.9, beta2=0.999, eps=1e-8).
func NewAdamW(params []*Tensor, lr, weightDecay float64) *AdamW {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, len(p.data))
		v[i] = make([]float64, len(p.data))
	}
	return &AdamW{
		params:      params,
		lr:          lr,
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// SetLR replaces the learning rate, typically from a schedule.
func (o *AdamW) SetLR(lr float64) {
	o.lr = lr
}

// Step applies one update from the gradients currently accumulated in
// the parameters' grad buffers.
func (o *AdamW) Step() {
	o.t++
	bc1 := 1 - math.Pow(o.beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.beta2, float64(o.t))

	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j, g := range p.grad {
			m[j] = o.beta1*m[j] + (1-o.beta1)*g
			v[j] = o.beta2*v[j] + (1-o.beta2)*g*g

			mHat := m[j] / bc1
			vHat := v[j] / bc2

			p.data[j] -= o.lr * (mHat/(math.Sqrt(vHat)+o.eps) + o.weightDecay*p.data[j])
		}
	}
}

// ZeroGrad clears every parameter's gradient buffer.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// ClipGradNorm rescales all gradients so their global L2 norm does not
// exceed maxNorm. Returns the norm measured before clipping.
func ClipGradNorm(params []*Tensor, maxNorm float64) float64 {
	var sumSq float64
	for _, p := range params {
		for _, g := range p.grad {
			sumSq += g * g
		}
	}
	norm := math.Sqrt(sumSq)
	if norm <= maxNorm || norm == 0 {
		return norm
	}

	scale := maxNorm / norm
	for _, p := range params {
		for j := range p.grad {
			p.grad[j] *= scale
		}
	}
	return norm
}

// WarmupLinearLR is the schedule used for fine-tuning: linear warmup to
// the base rate over warmupSteps, then linear decay to zero at
// totalSteps.
func WarmupLinearLR(base float64, step, warmupSteps, totalSteps int) float64 {
	if warmupSteps > 0 && step < warmupSteps {
		return base * float64(step) / float64(warmupSteps)
	}
	if step >= totalSteps {
		return 0
	}
	return base * float64(totalSteps-step) / float64(totalSteps-warmupSteps)
}
