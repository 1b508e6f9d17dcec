package main

import (
	"math"
	"testing"
)

// TestTensorBasics tests basic tensor creation and access.
func TestTensorBasics(t *testing.T) {
	tensor := NewTensor(2, 3)

	shape := tensor.Shape()
	if len(shape) != 2 || shape[0] != 2 || shape[1] != 3 {
		t.Errorf("expected shape [2 3], got %v", shape)
	}
	if tensor.Size() != 6 {
		t.Errorf("expected size 6, got %d", tensor.Size())
	}

	tensor.Set(1.5, 0, 0)
	tensor.Set(2.5, 1, 2)
	if v := tensor.At(0, 0); v != 1.5 {
		t.Errorf("expected 1.5, got %f", v)
	}
	if v := tensor.At(1, 2); v != 2.5 {
		t.Errorf("expected 2.5, got %f", v)
	}
}

// TestMatMul tests matrix multiplication against hand-computed values.
func TestMatMul(t *testing.T) {
	a := NewTensor(2, 3)
	for i, v := range []float64{1, 2, 3, 4, 5, 6} {
		a.data[i] = v
	}
	b := NewTensor(3, 2)
	for i, v := range []float64{1, 2, 3, 4, 5, 6} {
		b.data[i] = v
	}

	c := MatMul(a, b)

	expected := [][]float64{
		{22, 28},
		{49, 64},
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if got := c.At(i, j); got != expected[i][j] {
				t.Errorf("C[%d,%d]: expected %f, got %f", i, j, expected[i][j], got)
			}
		}
	}
}

// TestMatMulParallelMatchesSequential verifies the parallel path
// produces the same result as the reference implementation.
func TestMatMulParallelMatchesSequential(t *testing.T) {
	a := NewTensorRand(70, 70)
	b := NewTensorRand(70, 70)

	seq := matMulSequential(a, b)
	par := matMulParallel(a, b, 4)

	for i := range seq.data {
		if seq.data[i] != par.data[i] {
			t.Fatalf("element %d: sequential %g, parallel %g", i, seq.data[i], par.data[i])
		}
	}
}

func TestTranspose(t *testing.T) {
	a := NewTensor(2, 3)
	for i := range a.data {
		a.data[i] = float64(i)
	}

	at := Transpose(a)
	if at.shape[0] != 3 || at.shape[1] != 2 {
		t.Fatalf("expected shape [3 2], got %v", at.shape)
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			if at.At(j, i) != a.At(i, j) {
				t.Errorf("A^T[%d,%d] != A[%d,%d]", j, i, i, j)
			}
		}
	}
}

func TestConcatRows(t *testing.T) {
	a := NewTensor(1, 2)
	a.data[0], a.data[1] = 1, 2
	b := NewTensor(2, 2)
	copy(b.data, []float64{3, 4, 5, 6})

	c := ConcatRows(a, b)
	if c.shape[0] != 3 || c.shape[1] != 2 {
		t.Fatalf("expected shape [3 2], got %v", c.shape)
	}
	want := []float64{1, 2, 3, 4, 5, 6}
	for i, w := range want {
		if c.data[i] != w {
			t.Errorf("element %d: expected %f, got %f", i, w, c.data[i])
		}
	}
}

func TestConcatCols(t *testing.T) {
	a := NewTensor(2, 1)
	a.data[0], a.data[1] = 1, 4
	b := NewTensor(2, 2)
	copy(b.data, []float64{2, 3, 5, 6})

	c := ConcatCols(a, b)
	if c.shape[0] != 2 || c.shape[1] != 3 {
		t.Fatalf("expected shape [2 3], got %v", c.shape)
	}
	want := []float64{1, 2, 3, 4, 5, 6}
	for i, w := range want {
		if c.data[i] != w {
			t.Errorf("element %d: expected %f, got %f", i, w, c.data[i])
		}
	}
}

// TestSoftmax verifies rows sum to one and ordering is preserved.
func TestSoftmax(t *testing.T) {
	x := NewTensor(2, 3)
	copy(x.data, []float64{1, 2, 3, 1000, 1001, 1002})

	p := Softmax(x)

	for b := 0; b < 2; b++ {
		sum := 0.0
		for f := 0; f < 3; f++ {
			sum += p.At(b, f)
		}
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("row %d sums to %f, expected 1", b, sum)
		}
		if !(p.At(b, 0) < p.At(b, 1) && p.At(b, 1) < p.At(b, 2)) {
			t.Errorf("row %d: softmax did not preserve ordering", b)
		}
	}

	// The large-magnitude row must not overflow to NaN.
	for f := 0; f < 3; f++ {
		if math.IsNaN(p.At(1, f)) {
			t.Fatal("softmax overflowed on large inputs")
		}
	}
}

// TestReshapeSharesData verifies a reshaped tensor is a view, not a
// copy.
func TestReshapeSharesData(t *testing.T) {
	a := NewTensor(2, 3)
	v := a.Reshape(3, 2)
	v.data[0] = 42
	if a.data[0] != 42 {
		t.Error("reshape did not share underlying data")
	}
}

func TestDetachBreaksGradient(t *testing.T) {
	a := NewTensor(2, 2)
	a.data[0] = 7
	a.grad[0] = 3

	d := a.Detach()
	if d.data[0] != 7 {
		t.Errorf("detach lost values: got %f", d.data[0])
	}
	if d.grad[0] != 0 {
		t.Errorf("detach carried gradient: got %f", d.grad[0])
	}
	d.grad[0] = 9
	if a.grad[0] != 3 {
		t.Error("detached gradient buffer is shared with the original")
	}
}

func TestTanhAndGELU(t *testing.T) {
	x := NewTensor(1, 3)
	copy(x.data, []float64{-1, 0, 1})

	y := Tanh(x)
	if math.Abs(y.data[1]) > 1e-12 {
		t.Errorf("tanh(0) = %f, expected 0", y.data[1])
	}
	if math.Abs(y.data[0]+y.data[2]) > 1e-12 {
		t.Error("tanh is not odd")
	}

	g := GELU(x)
	if math.Abs(g.data[1]) > 1e-12 {
		t.Errorf("gelu(0) = %f, expected 0", g.data[1])
	}
	if g.data[2] < 0.8 || g.data[2] > 1.0 {
		t.Errorf("gelu(1) = %f, expected roughly 0.841", g.data[2])
	}
}
