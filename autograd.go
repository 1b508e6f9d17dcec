package main

// Backward operations for automatic differentiation. There is no tape:
// each forward operation has an explicit backward counterpart, and the
// model code chains them in reverse order, passing cached activations
// where the gradient formula needs them.

import (
	"fmt"
	"math"
)

// MatMulBackward computes gradients for matrix multiplication.
//
// Given:
//   - C = A @ B
//   - gradC = ∂L/∂C (gradient flowing back from loss)
//
// Compute:
//   - gradA = ∂L/∂A = gradC @ B^T
//   - gradB = ∂L/∂B = A^T @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// ScaleBackward computes the gradient for scalar multiplication:
// Y = scalar * X, so gradX = scalar * gradY.
func ScaleBackward(scalar float64, gradY *Tensor) *Tensor {
	return Scale(gradY, scalar)
}

// TanhBackward computes the gradient for tanh.
//
// Given Y = tanh(X): ∂Y/∂X = 1 - Y², so gradX = gradY * (1 - Y²).
// Takes the forward output Y rather than the input X, which avoids
// recomputing the tanh.
func TanhBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i := range y.data {
		gradX.data[i] = gradY.data[i] * (1.0 - y.data[i]*y.data[i])
	}
	return gradX
}

// GELUBackward computes the gradient for GELU using the analytic
// derivative of the tanh approximation.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		tanhInner := math.Tanh(inner)

		tanhDeriv := 1.0 - tanhInner*tanhInner // sech²(inner)
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}

	return gradX
}

// SoftmaxBackward computes the gradient for row-wise softmax.
//
// Given Y = softmax(X):
//
//	gradX[i] = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	batch, features := y.shape[0], y.shape[1]
	gradX := NewTensor(y.shape...)

	for b := 0; b < batch; b++ {
		dot := 0.0
		for f := 0; f < features; f++ {
			dot += gradY.At(b, f) * y.At(b, f)
		}
		for f := 0; f < features; f++ {
			gradX.Set(y.At(b, f)*(gradY.At(b, f)-dot), b, f)
		}
	}

	return gradX
}

// LayerNormBackward computes gradients for layer normalization
// y = gamma * (x - mean) / std + beta, recomputing the per-row
// statistics from the cached input.
func LayerNormBackward(x, gamma, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	batch, features := x.shape[0], x.shape[1]
	n := float64(features)

	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(features)
	gradBeta = NewTensor(features)

	for b := 0; b < batch; b++ {
		mean := 0.0
		for f := 0; f < features; f++ {
			mean += x.At(b, f)
		}
		mean /= n

		variance := 0.0
		for f := 0; f < features; f++ {
			diff := x.At(b, f) - mean
			variance += diff * diff
		}
		variance /= n

		std := math.Sqrt(variance + epsilon)

		// Parameter gradients
		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			gradGamma.data[f] += gradY.At(b, f) * xNorm
			gradBeta.data[f] += gradY.At(b, f)
		}

		// Input gradient: standard normalization backward formula
		sumGradY := 0.0
		sumGradYXNorm := 0.0
		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			g := gradY.At(b, f) * gamma.data[f]
			sumGradY += g
			sumGradYXNorm += g * xNorm
		}

		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			gradXNorm := gradY.At(b, f) * gamma.data[f]
			gradX.Set((n*gradXNorm-sumGradY-xNorm*sumGradYXNorm)/(n*std), b, f)
		}
	}

	return gradX, gradGamma, gradBeta
}

// CrossEntropyLoss computes the multi-class cross-entropy loss.
//
// Given:
//   - logits: (batch, classes) - unnormalized scores
//   - targets: (batch) - target class indices
//
// Computes loss = -log(softmax(logits)[target]), averaged over the
// batch, via a numerically stable log-sum-exp.
func CrossEntropyLoss(logits *Tensor, targets []int) float64 {
	if len(logits.shape) != 2 {
		panic("CrossEntropyLoss expects 2D logits")
	}

	batchSize := logits.shape[0]
	classes := logits.shape[1]

	if len(targets) != batchSize {
		panic(fmt.Sprintf("target length %d != batch size %d", len(targets), batchSize))
	}

	totalLoss := 0.0

	for b := 0; b < batchSize; b++ {
		maxLogit := logits.At(b, 0)
		for c := 1; c < classes; c++ {
			if logit := logits.At(b, c); logit > maxLogit {
				maxLogit = logit
			}
		}

		sumExp := 0.0
		for c := 0; c < classes; c++ {
			sumExp += math.Exp(logits.At(b, c) - maxLogit)
		}
		logSumExp := maxLogit + math.Log(sumExp)

		totalLoss += logSumExp - logits.At(b, targets[b])
	}

	return totalLoss / float64(batchSize)
}

// CrossEntropyBackward computes the gradient of the averaged
// cross-entropy loss with respect to the logits:
//
//	gradLogits = (softmax(logits) - one_hot(targets)) / batch_size
func CrossEntropyBackward(logits *Tensor, targets []int) *Tensor {
	if len(logits.shape) != 2 {
		panic("CrossEntropyBackward: requires 2D logits")
	}

	batchSize := logits.shape[0]
	classes := logits.shape[1]

	probs := Softmax(logits)
	gradLogits := NewTensor(batchSize, classes)

	for b := 0; b < batchSize; b++ {
		for c := 0; c < classes; c++ {
			g := probs.At(b, c)
			if c == targets[b] {
				g -= 1.0
			}
			gradLogits.Set(g/float64(batchSize), b, c)
		}
	}

	return gradLogits
}

// AccumulateGrad adds grad's values into the tensor's gradient buffer.
// Used when a tensor contributes to the loss through multiple paths.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
