package main

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func testPrefixConfig() PrefixConfig {
	return PrefixConfig{
		PreSeqLen:  3,
		HiddenSize: 8,
		NumLayers:  2,
		NumHeads:   2,
		ReparamDim: 16,
		Dropout:    0.0,
	}
}

func TestPrefixShapes(t *testing.T) {
	pg, err := NewPrefixGenerator(testPrefixConfig(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	kv, _ := pg.Prefix(2)
	if len(kv) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(kv))
	}
	// (batch, heads, preSeqLen, headDim) = (2, 2, 3, 4)
	want := []int{2, 2, 3, 4}
	for l, pair := range kv {
		for _, side := range []*Tensor{pair.Key, pair.Value} {
			if !shapeEqual(side.Shape(), want) {
				t.Errorf("layer %d: expected shape %v, got %v", l, want, side.Shape())
			}
		}
	}
}

// TestPrefixBatchBroadcast: the prefix is input-independent, so every
// batch element must receive identical virtual tokens.
func TestPrefixBatchBroadcast(t *testing.T) {
	pg, err := NewPrefixGenerator(testPrefixConfig(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	kv, _ := pg.Prefix(3)
	key := kv[0].Key
	for head := 0; head < 2; head++ {
		for i := 0; i < 3; i++ {
			for d := 0; d < 4; d++ {
				v0 := key.At(0, head, i, d)
				for b := 1; b < 3; b++ {
					if key.At(b, head, i, d) != v0 {
						t.Fatalf("batch element %d differs at [%d %d %d]", b, head, i, d)
					}
				}
			}
		}
	}
}

// TestPrefixDeterministicWithoutDropout: with dropout disabled, the
// generator is a pure function of its parameters, so repeated calls
// must produce bit-identical tensors.
func TestPrefixDeterministicWithoutDropout(t *testing.T) {
	pg, err := NewPrefixGenerator(testPrefixConfig(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	first, _ := pg.Prefix(2)
	second, _ := pg.Prefix(2)
	for l := range first {
		for i := range first[l].Key.data {
			if first[l].Key.data[i] != second[l].Key.data[i] {
				t.Fatalf("layer %d key element %d differs across calls", l, i)
			}
			if first[l].Value.data[i] != second[l].Value.data[i] {
				t.Fatalf("layer %d value element %d differs across calls", l, i)
			}
		}
	}
}

// TestPrefixTracksParameterUpdates: the prefix must be recomputed from
// current parameters on every call, never cached.
func TestPrefixTracksParameterUpdates(t *testing.T) {
	pg, err := NewPrefixGenerator(testPrefixConfig(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	before, _ := pg.Prefix(1)
	for i := range pg.embd.data {
		pg.embd.data[i] += 0.1
	}
	after, _ := pg.Prefix(1)

	same := true
	for i := range before[0].Key.data {
		if before[0].Key.data[i] != after[0].Key.data[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("prefix did not change after a parameter update")
	}
}

func TestPrefixConfigValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	bad := testPrefixConfig()
	bad.NumHeads = 3 // 8 does not divide across 3 heads
	if _, err := NewPrefixGenerator(bad, rng); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("indivisible heads: expected ErrInvalidConfig, got %v", err)
	}

	bad = testPrefixConfig()
	bad.PreSeqLen = 0
	if _, err := NewPrefixGenerator(bad, rng); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero preseqlen: expected ErrInvalidConfig, got %v", err)
	}

	bad = testPrefixConfig()
	bad.Dropout = 1.0
	if _, err := NewPrefixGenerator(bad, rng); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("dropout 1.0: expected ErrInvalidConfig, got %v", err)
	}
}

// TestPrefixBackward checks the embedding table gradient against finite
// differences through the whole reparam pipeline.
func TestPrefixBackward(t *testing.T) {
	pg, err := NewPrefixGenerator(testPrefixConfig(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	const batch = 2
	objective := func() float64 {
		kv, _ := pg.Prefix(batch)
		sum := 0.0
		for _, pair := range kv {
			for _, v := range pair.Key.data {
				sum += v
			}
			for _, v := range pair.Value.data {
				sum += v
			}
		}
		return sum
	}

	kv, cache := pg.Prefix(batch)
	gradKV := make([]LayerKV, len(kv))
	for l, pair := range kv {
		gk := NewTensor(pair.Key.shape...)
		gv := NewTensor(pair.Value.shape...)
		for i := range gk.data {
			gk.data[i] = 1
			gv.data[i] = 1
		}
		gradKV[l] = LayerKV{Key: gk, Value: gv}
	}
	pg.Backward(gradKV, cache)

	for _, i := range []int{0, 5, 11, 23} {
		want := numericalGradient(pg.embd, i, objective)
		if math.Abs(pg.embd.grad[i]-want) > 1e-4 {
			t.Errorf("embd.grad[%d]: analytic %g, numeric %g", i, pg.embd.grad[i], want)
		}
	}
}
