package main

import "math"

// Linear is a fully connected layer: y = x @ W + b.
//
// Used for the prefix reparameterization network, the unsupervised
// variant's train-only projection head, and the toy encoder's
// feed-forward blocks.
type Linear struct {
	w *Tensor // (inDim, outDim)
	b *Tensor // (outDim)

	inDim  int
	outDim int
}

// NewLinear creates a linear layer with Xavier-scaled random weights
// and zero bias.
func NewLinear(inDim, outDim int) *Linear {
	w := NewTensorRand(inDim, outDim)
	scale := math.Sqrt(2.0 / float64(inDim+outDim))
	for i := range w.data {
		w.data[i] *= scale / 0.02 // NewTensorRand draws with std 0.02
	}

	return &Linear{
		w:      w,
		b:      NewTensor(outDim),
		inDim:  inDim,
		outDim: outDim,
	}
}

// Forward computes y = x @ W + b for x of shape (N, inDim).
func (l *Linear) Forward(x *Tensor) *Tensor {
	out := MatMul(x, l.w)
	rows := out.shape[0]
	for i := 0; i < rows; i++ {
		offset := i * l.outDim
		for j := 0; j < l.outDim; j++ {
			out.data[offset+j] += l.b.data[j]
		}
	}
	return out
}

// Backward accumulates parameter gradients and returns the gradient
// with respect to the input. x must be the same tensor that was passed
// to Forward.
func (l *Linear) Backward(x, gradOut *Tensor) *Tensor {
	gradX, gradW := MatMulBackward(x, l.w, gradOut)
	l.w.AccumulateGrad(gradW)

	// Bias gradient: sum over the row axis
	rows := gradOut.shape[0]
	for i := 0; i < rows; i++ {
		offset := i * l.outDim
		for j := 0; j < l.outDim; j++ {
			l.b.grad[j] += gradOut.data[offset+j]
		}
	}

	return gradX
}

// Parameters returns the layer's trainable tensors.
func (l *Linear) Parameters() []*Tensor {
	return []*Tensor{l.w, l.b}
}
