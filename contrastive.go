package main

// ===========================================================================
// CONTRASTIVE SCORER
// ===========================================================================
//
// Computes the SimCSE training objective: scaled pairwise cosine
// similarities between anchor and candidate representations, reduced to
// a multi-class cross-entropy loss with diagonal labels.
//
// The similarity is computed in its full pairwise (N x M) form, not just
// for aligned pairs. That broadcast is the whole trick: every other
// example in the (possibly cross-process-gathered) batch becomes an
// implicit negative for anchor i, because it contributes an off-diagonal
// logit competing with the aligned positive at column i.
//
// For the supervised variant the positive and hard-negative similarity
// matrices are concatenated along the candidate axis (positives first),
// so each anchor sees 2N candidates and the correct one is still at
// column i.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// temperature is the fixed inverse-scale applied to cosine similarities
// before cross-entropy. 0.05 for all variants; a SimCSE hyperparameter,
// not a tunable.
const temperature = 0.05

// cosineEps guards against division by zero for all-zero rows.
// Matches the epsilon used by common cosine-similarity implementations.
const cosineEps = 1e-8

// rowNorms returns the Euclidean norm of each row of a 2D tensor,
// clamped below by cosineEps.
func rowNorms(t *Tensor) []float64 {
	rows, cols := t.shape[0], t.shape[1]
	norms := make([]float64, rows)
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			v := t.data[i*cols+j]
			sum += v * v
		}
		norms[i] = math.Max(math.Sqrt(sum), cosineEps)
	}
	return norms
}

// PairwiseCosineSimilarity computes the full N x M matrix of cosine
// similarities between every row of a (N, H) and every row of c (M, H).
// Every entry is bounded in [-1, 1].
func PairwiseCosineSimilarity(a, c *Tensor) *Tensor {
	if len(a.shape) != 2 || len(c.shape) != 2 || a.shape[1] != c.shape[1] {
		panic(fmt.Sprintf("cosine: incompatible shapes %v and %v", a.shape, c.shape))
	}

	// sim = (a @ c^T) / (|a_i| * |c_j|)
	sim := MatMul(a, Transpose(c))
	aNorms := rowNorms(a)
	cNorms := rowNorms(c)

	n, m := sim.shape[0], sim.shape[1]
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			sim.data[i*m+j] /= aNorms[i] * cNorms[j]
		}
	}

	return sim
}

// cosineSimilarityBackward computes gradients of the pairwise cosine
// similarity with respect to both inputs.
//
// For s[i,j] = a_i . c_j / (|a_i| |c_j|):
//
//	ds/da_i = c_j / (|a_i||c_j|) - s[i,j] * a_i / |a_i|^2
//	ds/dc_j = a_i / (|a_i||c_j|) - s[i,j] * c_j / |c_j|^2
//
// sim must be the forward output for the same a and c.
func cosineSimilarityBackward(a, c, sim, gradSim *Tensor) (gradA, gradC *Tensor) {
	n, h := a.shape[0], a.shape[1]
	m := c.shape[0]

	aNorms := rowNorms(a)
	cNorms := rowNorms(c)

	gradA = NewTensor(n, h)
	gradC = NewTensor(m, h)

	for i := 0; i < n; i++ {
		aRow := a.data[i*h : (i+1)*h]
		gARow := gradA.data[i*h : (i+1)*h]
		for j := 0; j < m; j++ {
			g := gradSim.data[i*m+j]
			if g == 0 {
				continue
			}
			s := sim.data[i*m+j]
			cRow := c.data[j*h : (j+1)*h]
			gCRow := gradC.data[j*h : (j+1)*h]

			invNorms := 1.0 / (aNorms[i] * cNorms[j])
			aScale := s / (aNorms[i] * aNorms[i])
			cScale := s / (cNorms[j] * cNorms[j])

			for d := 0; d < h; d++ {
				gARow[d] += g * (cRow[d]*invNorms - aScale*aRow[d])
				gCRow[d] += g * (aRow[d]*invNorms - cScale*cRow[d])
			}
		}
	}

	return gradA, gradC
}

// contrastiveState caches the forward activations needed to run the
// backward pass without recomputation. Owned by a single forward call;
// never reused across calls.
type contrastiveState struct {
	anchor     *Tensor
	candidates []*Tensor // positives first, then negatives
	sims       []*Tensor // per candidate set, before temperature scaling
	logits     *Tensor   // scaled and concatenated
	labels     []int
}

// contrastiveForward computes the scalar contrastive loss for an anchor
// set against one or more candidate sets (positives first, then
// negatives). Each candidate set must have the same batch size as the
// anchor, so that the correct candidate for anchor i sits at column i.
func contrastiveForward(anchor *Tensor, candidates ...*Tensor) (float64, *contrastiveState, error) {
	if len(candidates) == 0 {
		panic("contrastive: at least one candidate set required")
	}

	n := anchor.shape[0]
	for k, c := range candidates {
		if c.shape[0] != n {
			return 0, nil, fmt.Errorf("%w: candidate set %d has batch size %d, anchor has %d",
				ErrShapeMismatch, k, c.shape[0], n)
		}
		if c.shape[1] != anchor.shape[1] {
			return 0, nil, fmt.Errorf("%w: candidate set %d has hidden dim %d, anchor has %d",
				ErrShapeMismatch, k, c.shape[1], anchor.shape[1])
		}
	}

	state := &contrastiveState{
		anchor:     anchor,
		candidates: candidates,
		sims:       make([]*Tensor, len(candidates)),
		labels:     make([]int, n),
	}

	scaled := make([]*Tensor, len(candidates))
	for k, c := range candidates {
		sim := PairwiseCosineSimilarity(anchor, c)
		state.sims[k] = sim
		scaled[k] = Scale(sim, 1.0/temperature)
	}

	if len(scaled) == 1 {
		state.logits = scaled[0]
	} else {
		state.logits = ConcatCols(scaled...)
	}

	// Positional labels: the correct candidate for anchor i is the one
	// at position i within each set.
	for i := range state.labels {
		state.labels[i] = i
	}

	return CrossEntropyLoss(state.logits, state.labels), state, nil
}

// contrastiveBackward runs the backward pass for contrastiveForward,
// returning the gradient for the anchor and for each candidate set, in
// the same order they were supplied.
func contrastiveBackward(state *contrastiveState) (gradAnchor *Tensor, gradCandidates []*Tensor) {
	gradLogits := CrossEntropyBackward(state.logits, state.labels)

	n := state.anchor.shape[0]
	h := state.anchor.shape[1]

	gradAnchor = NewTensor(n, h)
	gradCandidates = make([]*Tensor, len(state.candidates))

	// Walk the candidate sets left to right, slicing this set's columns
	// out of the concatenated logit gradient.
	colOffset := 0
	totalCols := gradLogits.shape[1]
	for k, c := range state.candidates {
		m := c.shape[0]

		gradSim := NewTensor(n, m)
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				// Undo the temperature scaling on the way back.
				gradSim.data[i*m+j] = gradLogits.data[i*totalCols+colOffset+j] / temperature
			}
		}
		colOffset += m

		gA, gC := cosineSimilarityBackward(state.anchor, c, state.sims[k], gradSim)
		// The anchor feeds every candidate set, so its gradients add up.
		for i := range gradAnchor.data {
			gradAnchor.data[i] += gA.data[i]
		}
		gradCandidates[k] = gC
	}

	return gradAnchor, gradCandidates
}
