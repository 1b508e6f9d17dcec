package main

// ===========================================================================
// PREFIX GENERATOR
// ===========================================================================
//
// Prefix-tuning injects trainable "virtual tokens" into a frozen
// encoder: per layer, a small set of extra key/value pairs is prepended
// to the attention context, so every real token can attend to them
// while the encoder's own weights stay untouched.
//
// Rather than learning the final (2L, h, P, H/h) tensors directly, the
// generator learns a tiny embedding table over prefix positions plus a
// small MLP that expands each position embedding to all layers' keys
// and values. This reparameterization is the stability trick from the
// prefix-tuning literature: fewer directly-optimized parameters, better
// convergence.
//
// The prefix is a function of the current parameters, which an external
// optimizer is updating between forward calls. It is therefore
// regenerated on every call and never cached.
//
// ===========================================================================

import (
	"fmt"
	"math/rand"
)

// LayerKV holds one encoder layer's prefix key and value tensors, each
// shaped (batch, numHeads, preSeqLen, headDim). The same type carries
// the corresponding gradients on the way back.
type LayerKV struct {
	Key   *Tensor
	Value *Tensor
}

// PrefixConfig configures a PrefixGenerator. HiddenSize, NumLayers and
// NumHeads must match the encoder the prefix will be injected into.
type PrefixConfig struct {
	PreSeqLen  int     // number of virtual tokens
	HiddenSize int     // encoder hidden size H
	NumLayers  int     // encoder layer count L
	NumHeads   int     // encoder attention heads h; H must divide evenly
	ReparamDim int     // MLP hidden width
	Dropout    float64 // applied to the generated prefix; 0 disables
}

// DefaultPrefixConfig mirrors the hyperparameters from the deep
// continuous prompt paper: 5 virtual tokens, 512-wide reparam MLP.
func DefaultPrefixConfig(hiddenSize, numLayers, numHeads int) PrefixConfig {
	return PrefixConfig{
		PreSeqLen:  5,
		HiddenSize: hiddenSize,
		NumLayers:  numLayers,
		NumHeads:   numHeads,
		ReparamDim: 512,
		Dropout:    0.0,
	}
}

// PrefixGenerator synthesizes per-layer attention prefixes from learned
// parameters. Its only learned state is the position embedding table
// and the three reparameterization layers.
type PrefixGenerator struct {
	cfg     PrefixConfig
	headDim int

	embd *Tensor // (preSeqLen, hiddenSize) position embedding table

	// Reparam network: Linear(H, D) -> Tanh -> Linear(D, D) -> Tanh ->
	// Linear(D, 2*L*H)
	lin1, lin2, lin3 *Linear

	dropout *Dropout
}

// NewPrefixGenerator validates the configuration and allocates the
// learned parameters. A hidden size that does not divide evenly across
// heads is a construction-time configuration error: aborting here beats
// silently truncating head dimensions.
func NewPrefixGenerator(cfg PrefixConfig, rng *rand.Rand) (*PrefixGenerator, error) {
	if cfg.PreSeqLen <= 0 || cfg.HiddenSize <= 0 || cfg.NumLayers <= 0 ||
		cfg.NumHeads <= 0 || cfg.ReparamDim <= 0 {
		return nil, fmt.Errorf("%w: prefix dimensions must be positive, got %+v", ErrInvalidConfig, cfg)
	}
	if cfg.HiddenSize%cfg.NumHeads != 0 {
		return nil, fmt.Errorf("%w: hidden size %d not divisible by %d heads",
			ErrInvalidConfig, cfg.HiddenSize, cfg.NumHeads)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("%w: dropout rate %f outside [0, 1)", ErrInvalidConfig, cfg.Dropout)
	}

	return &PrefixGenerator{
		cfg:     cfg,
		headDim: cfg.HiddenSize / cfg.NumHeads,
		embd:    NewTensorRand(cfg.PreSeqLen, cfg.HiddenSize),
		lin1:    NewLinear(cfg.HiddenSize, cfg.ReparamDim),
		lin2:    NewLinear(cfg.ReparamDim, cfg.ReparamDim),
		lin3:    NewLinear(cfg.ReparamDim, 2*cfg.NumLayers*cfg.HiddenSize),
		dropout: NewDropout(cfg.Dropout, rng),
	}, nil
}

// prefixCache holds the intermediate activations of one Prefix call,
// needed to backpropagate into the table and the reparam network.
type prefixCache struct {
	batchSize int
	x0        *Tensor // embedded positions, (B*P, H)
	a1        *Tensor // tanh output after lin1, (B*P, D)
	a2        *Tensor // tanh output after lin2, (B*P, D)
	mask      []float64
}

// Prefix generates the per-layer key/value prefix tensors for a batch.
//
// Pipeline: positions [0, P) broadcast to batchSize rows -> embedding
// table -> reparam MLP -> reshape (B, P, 2L, h, H/h) -> permute to
// (2L, B, h, P, H/h) -> dropout -> split into L (key, value) pairs.
//
// The returned cache feeds Backward; callers that only need the forward
// value may discard it.
func (pg *PrefixGenerator) Prefix(batchSize int) ([]LayerKV, *prefixCache) {
	if batchSize <= 0 {
		panic("prefix: batch size must be positive")
	}

	p := pg.cfg.PreSeqLen
	h := pg.cfg.HiddenSize
	layers := pg.cfg.NumLayers
	heads := pg.cfg.NumHeads
	hd := pg.headDim

	// Embed the fixed position sequence, broadcast to batchSize rows.
	// Row b*P+i holds the embedding of position i.
	x0 := NewTensor(batchSize*p, h)
	for b := 0; b < batchSize; b++ {
		for i := 0; i < p; i++ {
			copy(x0.data[(b*p+i)*h:(b*p+i+1)*h], pg.embd.data[i*h:(i+1)*h])
		}
	}

	// Reparameterization network.
	a1 := Tanh(pg.lin1.Forward(x0))
	a2 := Tanh(pg.lin2.Forward(a1))
	out := pg.lin3.Forward(a2) // (B*P, 2*L*H)

	// Reshape (B, P, 2L, h, hd) and permute to (2L, B, h, P, hd).
	permuted := NewTensor(2*layers, batchSize, heads, p, hd)
	for b := 0; b < batchSize; b++ {
		for i := 0; i < p; i++ {
			rowOffset := (b*p + i) * 2 * layers * h
			for l2 := 0; l2 < 2*layers; l2++ {
				for head := 0; head < heads; head++ {
					src := rowOffset + l2*h + head*hd
					dst := (((l2*batchSize+b)*heads+head)*p + i) * hd
					copy(permuted.data[dst:dst+hd], out.data[src:src+hd])
				}
			}
		}
	}

	dropped, mask := pg.dropout.Forward(permuted)

	// Split along axis 0 into L (key, value) pairs.
	kv := make([]LayerKV, layers)
	pairSize := batchSize * heads * p * hd
	for l := 0; l < layers; l++ {
		key := NewTensor(batchSize, heads, p, hd)
		value := NewTensor(batchSize, heads, p, hd)
		copy(key.data, dropped.data[(2*l)*pairSize:(2*l+1)*pairSize])
		copy(value.data, dropped.data[(2*l+1)*pairSize:(2*l+2)*pairSize])
		kv[l] = LayerKV{Key: key, Value: value}
	}

	return kv, &prefixCache{batchSize: batchSize, x0: x0, a1: a1, a2: a2, mask: mask}
}

// Backward accumulates parameter gradients from per-layer prefix
// gradients (same shapes as the Prefix output). gradKV entries may be
// nil for layers that received no gradient.
func (pg *PrefixGenerator) Backward(gradKV []LayerKV, cache *prefixCache) {
	if len(gradKV) != pg.cfg.NumLayers {
		panic(fmt.Sprintf("prefix: expected %d layer gradients, got %d", pg.cfg.NumLayers, len(gradKV)))
	}

	batchSize := cache.batchSize
	p := pg.cfg.PreSeqLen
	h := pg.cfg.HiddenSize
	layers := pg.cfg.NumLayers
	heads := pg.cfg.NumHeads
	hd := pg.headDim

	// Reassemble the (2L, B, h, P, hd) gradient from the per-layer pairs.
	gradPermuted := NewTensor(2*layers, batchSize, heads, p, hd)
	pairSize := batchSize * heads * p * hd
	for l := 0; l < layers; l++ {
		if gradKV[l].Key != nil {
			copy(gradPermuted.data[(2*l)*pairSize:(2*l+1)*pairSize], gradKV[l].Key.data)
		}
		if gradKV[l].Value != nil {
			copy(gradPermuted.data[(2*l+1)*pairSize:(2*l+2)*pairSize], gradKV[l].Value.data)
		}
	}

	gradPermuted = pg.dropout.Backward(gradPermuted, cache.mask)

	// Invert the permute back to (B*P, 2*L*H).
	gradOut := NewTensor(batchSize*p, 2*layers*h)
	for b := 0; b < batchSize; b++ {
		for i := 0; i < p; i++ {
			rowOffset := (b*p + i) * 2 * layers * h
			for l2 := 0; l2 < 2*layers; l2++ {
				for head := 0; head < heads; head++ {
					dst := rowOffset + l2*h + head*hd
					src := (((l2*batchSize+b)*heads+head)*p + i) * hd
					copy(gradOut.data[dst:dst+hd], gradPermuted.data[src:src+hd])
				}
			}
		}
	}

	// Backward through the reparam network.
	gradA2 := pg.lin3.Backward(cache.a2, gradOut)
	gradH2 := TanhBackward(cache.a2, gradA2)
	gradA1 := pg.lin2.Backward(cache.a1, gradH2)
	gradH1 := TanhBackward(cache.a1, gradA1)
	gradX0 := pg.lin1.Backward(cache.x0, gradH1)

	// Embedding table gradient: position i's row was broadcast to every
	// batch element, so its gradients sum across the batch.
	for b := 0; b < batchSize; b++ {
		for i := 0; i < p; i++ {
			row := gradX0.data[(b*p+i)*h : (b*p+i+1)*h]
			for d := 0; d < h; d++ {
				pg.embd.grad[i*h+d] += row[d]
			}
		}
	}
}

// SetTraining toggles prefix dropout between training and eval mode.
func (pg *PrefixGenerator) SetTraining(training bool) {
	pg.dropout.SetTraining(training)
}

// Parameters returns the generator's trainable tensors.
func (pg *PrefixGenerator) Parameters() []*Tensor {
	params := []*Tensor{pg.embd}
	params = append(params, pg.lin1.Parameters()...)
	params = append(params, pg.lin2.Parameters()...)
	params = append(params, pg.lin3.Parameters()...)
	return params
}
