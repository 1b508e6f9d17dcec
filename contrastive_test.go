package main

import (
	"errors"
	"math"
	"testing"
)

func TestPairwiseCosineSimilarity(t *testing.T) {
	a := NewTensor(2, 2)
	copy(a.data, []float64{1, 0, 0, 1})
	c := NewTensor(3, 2)
	copy(c.data, []float64{1, 0, 0, 2, 3, 3})

	sim := PairwiseCosineSimilarity(a, c)
	if sim.shape[0] != 2 || sim.shape[1] != 3 {
		t.Fatalf("expected shape [2 3], got %v", sim.shape)
	}

	invSqrt2 := 1 / math.Sqrt(2)
	want := [][]float64{
		{1, 0, invSqrt2},
		{0, 1, invSqrt2},
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(sim.At(i, j)-want[i][j]) > 1e-12 {
				t.Errorf("sim[%d,%d]: got %g, want %g", i, j, sim.At(i, j), want[i][j])
			}
		}
	}
}

// TestCosineSimilarityBackward checks the analytic gradients against
// finite differences.
func TestCosineSimilarityBackward(t *testing.T) {
	a := NewTensorRand(3, 4)
	c := NewTensorRand(2, 4)
	// Keep vectors away from zero so the norms are well conditioned.
	for i := range a.data {
		a.data[i] += 0.5
	}
	for i := range c.data {
		c.data[i] += 0.5
	}

	objective := func() float64 {
		sim := PairwiseCosineSimilarity(a, c)
		sum := 0.0
		for _, v := range sim.data {
			sum += v
		}
		return sum
	}

	sim := PairwiseCosineSimilarity(a, c)
	gradSim := NewTensor(3, 2)
	for i := range gradSim.data {
		gradSim.data[i] = 1
	}
	gradA, gradC := cosineSimilarityBackward(a, c, sim, gradSim)

	for i := range a.data {
		want := numericalGradient(a, i, objective)
		if math.Abs(gradA.data[i]-want) > 1e-4 {
			t.Errorf("gradA[%d]: analytic %g, numeric %g", i, gradA.data[i], want)
		}
	}
	for i := range c.data {
		want := numericalGradient(c, i, objective)
		if math.Abs(gradC.data[i]-want) > 1e-4 {
			t.Errorf("gradC[%d]: analytic %g, numeric %g", i, gradC.data[i], want)
		}
	}
}

// TestContrastiveForwardUniform: when every similarity is identical,
// the logits are uniform and the loss is log of the candidate count.
func TestContrastiveForwardUniform(t *testing.T) {
	anchor := NewTensor(2, 4)
	copy(anchor.data, []float64{1, 0, 0, 0, 0, 1, 0, 0})
	// Both candidate sets orthogonal to both anchors: all sims zero.
	cands := NewTensor(2, 4)
	copy(cands.data, []float64{0, 0, 1, 0, 0, 0, 0, 1})

	loss, _, err := contrastiveForward(anchor, cands, cands.Clone())
	if err != nil {
		t.Fatal(err)
	}
	// Two sets of two candidates: four uniform logits per anchor.
	if math.Abs(loss-math.Log(4)) > 1e-9 {
		t.Errorf("loss %g, expected log(4)=%g", loss, math.Log(4))
	}
}

// TestContrastiveForwardSeparated: anchors align perfectly with their
// own positives and with the other anchor's negative. Temperature 0.05
// turns cosine 1 into logit 20, so the loss collapses to log 2.
func TestContrastiveForwardSeparated(t *testing.T) {
	anchor := NewTensor(2, 2)
	copy(anchor.data, []float64{1, 0, 0, 1})
	pos := anchor.Clone()
	neg := NewTensor(2, 2)
	copy(neg.data, []float64{0, 1, 1, 0})

	loss, _, err := contrastiveForward(anchor, pos, neg)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(loss-math.Log(2)) > 1e-6 {
		t.Errorf("loss %g, expected log(2)=%g", loss, math.Log(2))
	}
}

func TestContrastiveForwardShapeErrors(t *testing.T) {
	anchor := NewTensor(2, 4)

	_, _, err := contrastiveForward(anchor, NewTensor(3, 4))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("batch mismatch: expected ErrShapeMismatch, got %v", err)
	}

	_, _, err = contrastiveForward(anchor, NewTensor(2, 8))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("hidden mismatch: expected ErrShapeMismatch, got %v", err)
	}
}

// TestContrastiveBackward checks the full loss gradient, including the
// temperature rescaling and the anchor accumulation across sets,
// against finite differences.
func TestContrastiveBackward(t *testing.T) {
	anchor := NewTensorRand(2, 3)
	pos := NewTensorRand(2, 3)
	neg := NewTensorRand(2, 3)
	for _, x := range []*Tensor{anchor, pos, neg} {
		for i := range x.data {
			x.data[i] += 0.5
		}
	}

	objective := func() float64 {
		loss, _, err := contrastiveForward(anchor, pos, neg)
		if err != nil {
			t.Fatal(err)
		}
		return loss
	}

	_, state, err := contrastiveForward(anchor, pos, neg)
	if err != nil {
		t.Fatal(err)
	}
	gradAnchor, gradCands := contrastiveBackward(state)

	for i := range anchor.data {
		want := numericalGradient(anchor, i, objective)
		if math.Abs(gradAnchor.data[i]-want) > 1e-3 {
			t.Errorf("gradAnchor[%d]: analytic %g, numeric %g", i, gradAnchor.data[i], want)
		}
	}
	for i := range pos.data {
		want := numericalGradient(pos, i, objective)
		if math.Abs(gradCands[0].data[i]-want) > 1e-3 {
			t.Errorf("gradPos[%d]: analytic %g, numeric %g", i, gradCands[0].data[i], want)
		}
	}
	for i := range neg.data {
		want := numericalGradient(neg, i, objective)
		if math.Abs(gradCands[1].data[i]-want) > 1e-3 {
			t.Errorf("gradNeg[%d]: analytic %g, numeric %g", i, gradCands[1].data[i], want)
		}
	}
}
