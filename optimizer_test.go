package main

import (
	"math"
	"testing"
)

// TestAdamWStepDirection: gradients push parameters the opposite way.
func TestAdamWStepDirection(t *testing.T) {
	p := NewTensor(2)
	p.data[0], p.data[1] = 1.0, -1.0
	p.grad[0], p.grad[1] = 0.5, -0.5

	opt := NewAdamW([]*Tensor{p}, 0.1, 0)
	opt.Step()

	if p.data[0] >= 1.0 {
		t.Errorf("positive gradient must decrease the parameter, got %g", p.data[0])
	}
	if p.data[1] <= -1.0 {
		t.Errorf("negative gradient must increase the parameter, got %g", p.data[1])
	}
}

// TestAdamWConvergesOnQuadratic minimizes f(x) = x^2 from x=3.
func TestAdamWConvergesOnQuadratic(t *testing.T) {
	p := NewTensor(1)
	p.data[0] = 3.0

	opt := NewAdamW([]*Tensor{p}, 0.1, 0)
	for i := 0; i < 500; i++ {
		opt.ZeroGrad()
		p.grad[0] = 2 * p.data[0]
		opt.Step()
	}

	if math.Abs(p.data[0]) > 0.01 {
		t.Errorf("expected convergence near 0, got %g", p.data[0])
	}
}

func TestAdamWZeroGrad(t *testing.T) {
	p := NewTensor(3)
	for i := range p.grad {
		p.grad[i] = float64(i + 1)
	}
	NewAdamW([]*Tensor{p}, 0.1, 0).ZeroGrad()
	for i, g := range p.grad {
		if g != 0 {
			t.Errorf("grad[%d] = %g after ZeroGrad", i, g)
		}
	}
}

func TestClipGradNorm(t *testing.T) {
	p := NewTensor(2)
	p.grad[0], p.grad[1] = 3, 4 // norm 5

	norm := ClipGradNorm([]*Tensor{p}, 1.0)
	if math.Abs(norm-5) > 1e-12 {
		t.Errorf("reported norm %g, expected 5", norm)
	}
	clipped := math.Sqrt(p.grad[0]*p.grad[0] + p.grad[1]*p.grad[1])
	if math.Abs(clipped-1.0) > 1e-12 {
		t.Errorf("clipped norm %g, expected 1", clipped)
	}

	// Under the threshold: untouched.
	q := NewTensor(1)
	q.grad[0] = 0.5
	ClipGradNorm([]*Tensor{q}, 1.0)
	if q.grad[0] != 0.5 {
		t.Errorf("gradient below threshold was rescaled: %g", q.grad[0])
	}
}

func TestWarmupLinearLR(t *testing.T) {
	base := 1e-3

	if lr := WarmupLinearLR(base, 0, 10, 100); lr != 0 {
		t.Errorf("step 0: expected 0, got %g", lr)
	}
	if lr := WarmupLinearLR(base, 5, 10, 100); math.Abs(lr-base/2) > 1e-15 {
		t.Errorf("mid-warmup: expected %g, got %g", base/2, lr)
	}
	if lr := WarmupLinearLR(base, 10, 10, 100); math.Abs(lr-base) > 1e-15 {
		t.Errorf("end of warmup: expected %g, got %g", base, lr)
	}
	if lr := WarmupLinearLR(base, 100, 10, 100); lr != 0 {
		t.Errorf("final step: expected 0, got %g", lr)
	}
	if lr := WarmupLinearLR(base, 55, 10, 100); math.Abs(lr-base/2) > 1e-15 {
		t.Errorf("mid-decay: expected %g, got %g", base/2, lr)
	}
}
