package main

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
)

// fixedEncoder maps each example's first token id to a prescribed
// first-token vector, so pooled representations are known exactly.
type fixedEncoder struct {
	vecs map[int][]float64
	dim  int
}

func (e *fixedEncoder) HiddenSize() int { return e.dim }

func (e *fixedEncoder) Encode(inputIDs [][]int, prefix []LayerKV) (*Tensor, error) {
	seqLen, err := validateBatch(inputIDs)
	if err != nil {
		return nil, err
	}
	hidden := NewTensor(len(inputIDs), seqLen, e.dim)
	for b, seq := range inputIDs {
		vec, ok := e.vecs[seq[0]]
		if !ok {
			return nil, errors.New("fixedEncoder: unknown token")
		}
		copy(hidden.data[b*seqLen*e.dim:b*seqLen*e.dim+e.dim], vec)
	}
	return hidden, nil
}

func newFixedEncoder() *fixedEncoder {
	return &fixedEncoder{
		dim: 2,
		vecs: map[int][]float64{
			0: {1, 0},
			1: {0, 1},
		},
	}
}

// TestSupervisedForwardHandComputed: anchors align perfectly with their
// own positives, and each anchor's hard negative aligns with the OTHER
// anchor. At temperature 0.05 the aligned logits are 20 and the rest 0,
// so each row's loss is -log(e20/(2*e20+2)) which collapses to log 2.
func TestSupervisedForwardHandComputed(t *testing.T) {
	model := NewSupervisedSimCSE(newFixedEncoder(), SingleProcess{})

	sent := [][]int{{0}, {1}}
	pos := [][]int{{0}, {1}}
	neg := [][]int{{1}, {0}}

	loss, err := model.Forward(sent, pos, neg)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(loss-math.Log(2)) > 1e-6 {
		t.Errorf("loss %g, expected log(2)=%g", loss, math.Log(2))
	}
}

func TestSupervisedForwardBatchMismatch(t *testing.T) {
	model := NewSupervisedSimCSE(newFixedEncoder(), SingleProcess{})

	_, err := model.Forward([][]int{{0}, {1}}, [][]int{{0}}, [][]int{{1}, {0}})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestSupervisedTrainStepRequiresTrainableEncoder(t *testing.T) {
	model := NewSupervisedSimCSE(newFixedEncoder(), SingleProcess{})

	_, err := model.TrainStep([][]int{{0}}, [][]int{{0}}, [][]int{{1}})
	if err == nil {
		t.Error("expected an error for a non-trainable encoder")
	}
}

// TestSupervisedTrainStepAccumulatesGradients runs one step with the
// real encoder and checks gradient flow reached the parameters.
func TestSupervisedTrainStepAccumulatesGradients(t *testing.T) {
	enc := newTestEncoder(t)
	model := NewSupervisedSimCSE(enc, SingleProcess{})

	for _, p := range model.Parameters() {
		p.ZeroGrad()
	}
	loss, err := model.TrainStep([][]int{{1, 2}, {3, 4}}, [][]int{{1, 5}, {3, 2}}, [][]int{{4, 4}, {5, 5}})
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("loss is not finite: %g", loss)
	}

	nonZero := false
	for _, p := range model.Parameters() {
		for _, g := range p.grad {
			if g != 0 {
				nonZero = true
				break
			}
		}
	}
	if !nonZero {
		t.Error("no gradient reached the encoder parameters")
	}
}

// TestUnsupervisedGetEmbeddingSkipsProjection: served embeddings are
// the raw pooled vectors; the projection head is training-only.
func TestUnsupervisedGetEmbeddingSkipsProjection(t *testing.T) {
	model := NewUnsupervisedSimCSE(newFixedEncoder(), SingleProcess{})

	emb, err := model.GetEmbedding([][]int{{0}, {1}})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, 0, 0, 1}
	for i, w := range want {
		if emb.data[i] != w {
			t.Errorf("element %d: got %g, want %g (projection must not apply)", i, emb.data[i], w)
		}
	}
}

func TestUnsupervisedForward(t *testing.T) {
	model := NewUnsupervisedSimCSE(newFixedEncoder(), SingleProcess{})

	loss, err := model.Forward([][]int{{0}, {1}}, [][]int{{0}, {1}})
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss < 0 {
		t.Errorf("expected a finite non-negative loss, got %g", loss)
	}
}

// TestUnsupervisedTrainStepDualPass: with dropout active, the two
// passes over the same token batch see different masks, so training
// still learns something and gradients flow into the projection head.
func TestUnsupervisedTrainStepDualPass(t *testing.T) {
	cfg := testEncoderConfig()
	cfg.Dropout = 0.1
	enc, err := NewBertEncoder(cfg, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatal(err)
	}
	enc.SetTraining(true)
	model := NewUnsupervisedSimCSE(enc, SingleProcess{})

	for _, p := range model.Parameters() {
		p.ZeroGrad()
	}
	ids := [][]int{{1, 2}, {3, 4}}
	loss, err := model.TrainStep(ids, ids)
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("loss is not finite: %g", loss)
	}

	projHasGrad := false
	for _, p := range model.proj.Parameters() {
		for _, g := range p.grad {
			if g != 0 {
				projHasGrad = true
				break
			}
		}
	}
	if !projHasGrad {
		t.Error("no gradient reached the projection head")
	}
}

// TestPrefixModelTrainStep verifies loss computation and that gradient
// flow stays confined to the prefix generator's parameters.
func TestPrefixModelTrainStep(t *testing.T) {
	enc := newTestEncoder(t)
	model, err := NewPrefixSupervisedSimCSE(PrefixConfig{
		PreSeqLen: 2, HiddenSize: 4, NumLayers: 1, NumHeads: 2, ReparamDim: 8,
	}, SingleProcess{}, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range model.Parameters() {
		p.ZeroGrad()
	}
	loss, err := model.TrainStep(enc, [][]int{{1, 2}, {3, 4}}, [][]int{{1, 5}, {3, 2}}, [][]int{{4, 4}, {5, 5}})
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("loss is not finite: %g", loss)
	}

	nonZero := false
	for _, p := range model.Parameters() {
		for _, g := range p.grad {
			if g != 0 {
				nonZero = true
				break
			}
		}
	}
	if !nonZero {
		t.Error("no gradient reached the prefix generator")
	}

	// The optimizer surface must exclude the encoder entirely.
	encParams := map[*Tensor]bool{}
	for _, p := range enc.Parameters() {
		encParams[p] = true
	}
	for _, p := range model.Parameters() {
		if encParams[p] {
			t.Error("prefix model exposes encoder parameters to the optimizer")
		}
	}
}

// TestDistributedLossMatchesSingleProcess shards a batch across two
// ranks and checks every rank computes the same loss as an unsharded
// run, since all ranks score the identical gathered matrices.
func TestDistributedLossMatchesSingleProcess(t *testing.T) {
	enc := newFixedEncoder()

	single := NewSupervisedSimCSE(enc, SingleProcess{})
	wantLoss, err := single.Forward([][]int{{0}, {1}}, [][]int{{0}, {1}}, [][]int{{1}, {0}})
	if err != nil {
		t.Fatal(err)
	}

	group, comms := NewLocalGroup(2)
	defer group.Close()

	shards := []struct {
		sent, pos, neg [][]int
	}{
		{[][]int{{0}}, [][]int{{0}}, [][]int{{1}}},
		{[][]int{{1}}, [][]int{{1}}, [][]int{{0}}},
	}

	losses := make([]float64, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			model := NewSupervisedSimCSE(enc, comms[rank])
			losses[rank], errs[rank] = model.Forward(shards[rank].sent, shards[rank].pos, shards[rank].neg)
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < 2; rank++ {
		if errs[rank] != nil {
			t.Fatalf("rank %d: %v", rank, errs[rank])
		}
		if math.Abs(losses[rank]-wantLoss) > 1e-12 {
			t.Errorf("rank %d loss %g, single-process loss %g", rank, losses[rank], wantLoss)
		}
	}
}
