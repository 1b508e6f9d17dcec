package main

// ===========================================================================
// ENCODER ADAPTER
// ===========================================================================
//
// The contrastive objectives treat the encoder as a black box: token
// ids in, per-token hidden states out, with an optional set of injected
// per-layer key/value prefixes. Anything that satisfies Encoder can sit
// behind a SimCSE model - the trainable BERT-style encoder below, the
// ONNX-backed inference encoder (encoder_onnx.go), or a test fake.
//
// BertEncoder is a compact bidirectional transformer: token + position
// embeddings, then blocks of multi-head self-attention and a GELU
// feed-forward, each wrapped in a layer norm + residual. When a prefix
// is injected, each layer's attention keys and values are extended with
// the prefix tensors, so every real token attends over P virtual tokens
// plus the sequence itself. The hidden states still correspond only to
// real positions; pooling is unaffected.
//
// Backpropagation is manual, in the ForwardWithCache/Backward style:
// the forward pass records activations in cache structs, the backward
// pass consumes them in reverse order. Gradients for injected prefixes
// are collected per layer and handed back to the caller (the prefix
// generator), since the encoder does not own those parameters.
//
// ===========================================================================

import (
	"fmt"
	"math"
	"math/rand"
)

// Encoder maps a batch of token-id sequences to per-token hidden
// states, shaped (batch, seqLen, hidden). All sequences in a batch must
// have equal length. prefix is nil for encoders used without
// prefix-tuning; implementations that cannot honor a non-nil prefix
// must return an error rather than silently ignoring it.
type Encoder interface {
	Encode(inputIDs [][]int, prefix []LayerKV) (*Tensor, error)
	HiddenSize() int
}

// TrainableEncoder extends Encoder with the hooks the training path
// needs: a caching forward pass, a backward pass that accumulates
// weight gradients and returns per-layer prefix gradients, and access
// to the trainable parameters.
type TrainableEncoder interface {
	Encoder
	EncodeWithCache(inputIDs [][]int, prefix []LayerKV) (*Tensor, *EncoderCache, error)
	Backward(gradHidden *Tensor, cache *EncoderCache) []LayerKV
	Parameters() []*Tensor
	SetTraining(training bool)
}

// clsPool extracts the hidden state at the first sequence position (the
// classification/summary token) for each example: (B, S, H) -> (B, H).
//
// This is the only pooling policy: first token, no learned head. The
// unsupervised variant's train-only projection lives in the model, not
// here, so inference paths can never pick it up by accident.
func clsPool(hidden *Tensor) *Tensor {
	if len(hidden.shape) != 3 {
		panic(fmt.Sprintf("pool: expected (batch, seq, hidden) states, got %v", hidden.shape))
	}

	b, s, h := hidden.shape[0], hidden.shape[1], hidden.shape[2]
	pooled := NewTensor(b, h)
	for i := 0; i < b; i++ {
		copy(pooled.data[i*h:(i+1)*h], hidden.data[i*s*h:i*s*h+h])
	}
	return pooled
}

// clsPoolBackward scatters a pooled gradient (B, H) back to position 0
// of a per-token gradient tensor (B, S, H). All other positions receive
// zero gradient from the pooling.
func clsPoolBackward(gradPooled *Tensor, seqLen int) *Tensor {
	b, h := gradPooled.shape[0], gradPooled.shape[1]
	gradHidden := NewTensor(b, seqLen, h)
	for i := 0; i < b; i++ {
		copy(gradHidden.data[i*seqLen*h:i*seqLen*h+h], gradPooled.data[i*h:(i+1)*h])
	}
	return gradHidden
}

// validateBatch checks that a batch is non-empty and rectangular, and
// returns its sequence length.
func validateBatch(inputIDs [][]int) (int, error) {
	if len(inputIDs) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	seqLen := len(inputIDs[0])
	if seqLen == 0 {
		return 0, fmt.Errorf("%w: empty sequence at index 0", ErrShapeMismatch)
	}
	for i, seq := range inputIDs {
		if len(seq) != seqLen {
			return 0, fmt.Errorf("%w: sequence %d has length %d, expected %d",
				ErrShapeMismatch, i, len(seq), seqLen)
		}
	}
	return seqLen, nil
}

// ===========================================================================
// TRAINABLE BERT-STYLE ENCODER
// ===========================================================================

// EncoderConfig holds the toy encoder's dimensions.
type EncoderConfig struct {
	VocabSize  int
	MaxSeqLen  int
	HiddenSize int
	NumHeads   int
	NumLayers  int
	FFHidden   int     // feed-forward hidden width, typically 4 * HiddenSize
	Dropout    float64 // embedding dropout; the stochastic source for dual-pass positives
}

// DefaultEncoderConfig returns a small configuration suitable for
// experiments and tests.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		VocabSize:  1000,
		MaxSeqLen:  128,
		HiddenSize: 64,
		NumHeads:   4,
		NumLayers:  2,
		FFHidden:   256,
		Dropout:    0.1,
	}
}

// LayerNorm implements layer normalization with learned scale and
// shift: y = gamma * (x - mean) / std + beta.
type LayerNorm struct {
	gamma *Tensor
	beta  *Tensor
	eps   float64
}

// NewLayerNorm creates a layer norm with gamma=1, beta=0.
func NewLayerNorm(dim int) *LayerNorm {
	gamma := NewTensor(dim)
	for i := range gamma.data {
		gamma.data[i] = 1.0
	}
	return &LayerNorm{gamma: gamma, beta: NewTensor(dim), eps: 1e-5}
}

// Forward normalizes each row of x (rows, dim).
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	rows, dim := x.shape[0], x.shape[1]
	out := NewTensor(rows, dim)
	n := float64(dim)

	for r := 0; r < rows; r++ {
		row := x.data[r*dim : (r+1)*dim]

		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= n

		variance := 0.0
		for _, v := range row {
			diff := v - mean
			variance += diff * diff
		}
		variance /= n

		std := math.Sqrt(variance + ln.eps)
		for d, v := range row {
			out.data[r*dim+d] = ln.gamma.data[d]*(v-mean)/std + ln.beta.data[d]
		}
	}

	return out
}

// Backward accumulates gamma/beta gradients and returns the input
// gradient. x must be the tensor passed to Forward.
func (ln *LayerNorm) Backward(x, gradY *Tensor) *Tensor {
	gradX, gradGamma, gradBeta := LayerNormBackward(x, ln.gamma, gradY, ln.eps)
	ln.gamma.AccumulateGrad(gradGamma)
	ln.beta.AccumulateGrad(gradBeta)
	return gradX
}

// bertAttention is bidirectional multi-head self-attention with
// optional injected key/value prefixes.
type bertAttention struct {
	hiddenSize int
	numHeads   int
	headDim    int

	wq, wk, wv, wo *Tensor // (H, H) projections, no bias
}

func newBertAttention(hiddenSize, numHeads int) *bertAttention {
	scale := math.Sqrt(2.0 / float64(hiddenSize))

	newProj := func() *Tensor {
		w := NewTensorRand(hiddenSize, hiddenSize)
		for i := range w.data {
			w.data[i] *= scale / 0.02
		}
		return w
	}

	return &bertAttention{
		hiddenSize: hiddenSize,
		numHeads:   numHeads,
		headDim:    hiddenSize / numHeads,
		wq:         newProj(),
		wk:         newProj(),
		wv:         newProj(),
		wo:         newProj(),
	}
}

// attnCache stores one example's attention activations for one layer.
type attnCache struct {
	input   *Tensor    // (S, H)
	q, k, v *Tensor    // (S, H)
	weights []*Tensor  // per head, (S, P+S)
	context *Tensor    // concatenated heads before output projection, (S, H)
	prefixK []*Tensor  // per head, (P, headDim); nil without prefix
	prefixV []*Tensor
}

// extractHead copies head h's slice out of a (S, H) projection.
func (a *bertAttention) extractHead(t *Tensor, head int) *Tensor {
	s := t.shape[0]
	out := NewTensor(s, a.headDim)
	for i := 0; i < s; i++ {
		copy(out.data[i*a.headDim:(i+1)*a.headDim],
			t.data[i*a.hiddenSize+head*a.headDim:i*a.hiddenSize+(head+1)*a.headDim])
	}
	return out
}

// forward computes attention for one example. prefixK/prefixV, when
// non-nil, hold per-head (P, headDim) tensors prepended to this
// example's keys and values.
func (a *bertAttention) forward(x *Tensor, prefixK, prefixV []*Tensor) (*Tensor, *attnCache) {
	s := x.shape[0]

	cache := &attnCache{
		input:   x.Clone(),
		q:       MatMul(x, a.wq),
		k:       MatMul(x, a.wk),
		v:       MatMul(x, a.wv),
		weights: make([]*Tensor, a.numHeads),
		prefixK: prefixK,
		prefixV: prefixV,
	}

	scale := 1.0 / math.Sqrt(float64(a.headDim))
	context := NewTensor(s, a.hiddenSize)

	for h := 0; h < a.numHeads; h++ {
		qHead := a.extractHead(cache.q, h)
		kHead := a.extractHead(cache.k, h)
		vHead := a.extractHead(cache.v, h)

		kFull, vFull := kHead, vHead
		if prefixK != nil {
			kFull = ConcatRows(prefixK[h], kHead)
			vFull = ConcatRows(prefixV[h], vHead)
		}

		// Bidirectional attention over prefix + sequence; no mask.
		scores := Scale(MatMul(qHead, Transpose(kFull)), scale)
		weights := Softmax(scores)
		cache.weights[h] = weights

		ctx := MatMul(weights, vFull) // (S, headDim)
		for i := 0; i < s; i++ {
			copy(context.data[i*a.hiddenSize+h*a.headDim:i*a.hiddenSize+(h+1)*a.headDim],
				ctx.data[i*a.headDim:(i+1)*a.headDim])
		}
	}

	cache.context = context
	return MatMul(context, a.wo), cache
}

// backward propagates through one example's attention. Returns the
// input gradient plus, when a prefix was injected, per-head gradients
// for the prefix keys and values.
func (a *bertAttention) backward(gradOut *Tensor, cache *attnCache) (gradInput *Tensor, gradPrefixK, gradPrefixV []*Tensor) {
	s := cache.input.shape[0]
	scale := 1.0 / math.Sqrt(float64(a.headDim))
	hasPrefix := cache.prefixK != nil
	prefixLen := 0
	if hasPrefix {
		prefixLen = cache.prefixK[0].shape[0]
		gradPrefixK = make([]*Tensor, a.numHeads)
		gradPrefixV = make([]*Tensor, a.numHeads)
	}

	// Output projection: out = context @ wo
	gradContext, gradWo := MatMulBackward(cache.context, a.wo, gradOut)
	a.wo.AccumulateGrad(gradWo)

	gradQ := NewTensor(s, a.hiddenSize)
	gradK := NewTensor(s, a.hiddenSize)
	gradV := NewTensor(s, a.hiddenSize)

	for h := 0; h < a.numHeads; h++ {
		qHead := a.extractHead(cache.q, h)
		kHead := a.extractHead(cache.k, h)
		vHead := a.extractHead(cache.v, h)

		kFull, vFull := kHead, vHead
		if hasPrefix {
			kFull = ConcatRows(cache.prefixK[h], kHead)
			vFull = ConcatRows(cache.prefixV[h], vHead)
		}

		gradCtxHead := NewTensor(s, a.headDim)
		for i := 0; i < s; i++ {
			copy(gradCtxHead.data[i*a.headDim:(i+1)*a.headDim],
				gradContext.data[i*a.hiddenSize+h*a.headDim:i*a.hiddenSize+(h+1)*a.headDim])
		}

		weights := cache.weights[h]

		// ctx = weights @ vFull
		gradWeights, gradVFull := MatMulBackward(weights, vFull, gradCtxHead)

		// weights = softmax(scores), scores = qHead @ kFull^T * scale
		gradScores := Scale(SoftmaxBackward(weights, gradWeights), scale)
		gradQHead, gradKFullT := MatMulBackward(qHead, Transpose(kFull), gradScores)
		gradKFull := Transpose(gradKFullT)

		// Split the full-context gradients back into prefix and
		// sequence parts.
		gradKHead, gradVHead := gradKFull, gradVFull
		if hasPrefix {
			gradPrefixK[h] = sliceRows(gradKFull, 0, prefixLen)
			gradPrefixV[h] = sliceRows(gradVFull, 0, prefixLen)
			gradKHead = sliceRows(gradKFull, prefixLen, prefixLen+s)
			gradVHead = sliceRows(gradVFull, prefixLen, prefixLen+s)
		}

		for i := 0; i < s; i++ {
			copy(gradQ.data[i*a.hiddenSize+h*a.headDim:i*a.hiddenSize+(h+1)*a.headDim],
				gradQHead.data[i*a.headDim:(i+1)*a.headDim])
			copy(gradK.data[i*a.hiddenSize+h*a.headDim:i*a.hiddenSize+(h+1)*a.headDim],
				gradKHead.data[i*a.headDim:(i+1)*a.headDim])
			copy(gradV.data[i*a.hiddenSize+h*a.headDim:i*a.hiddenSize+(h+1)*a.headDim],
				gradVHead.data[i*a.headDim:(i+1)*a.headDim])
		}
	}

	// The three projections share the same input; gradients add up.
	gradInput = NewTensor(s, a.hiddenSize)

	gradInputQ, gradWq := MatMulBackward(cache.input, a.wq, gradQ)
	a.wq.AccumulateGrad(gradWq)
	gradInput = Add(gradInput, gradInputQ)

	gradInputK, gradWk := MatMulBackward(cache.input, a.wk, gradK)
	a.wk.AccumulateGrad(gradWk)
	gradInput = Add(gradInput, gradInputK)

	gradInputV, gradWv := MatMulBackward(cache.input, a.wv, gradV)
	a.wv.AccumulateGrad(gradWv)
	gradInput = Add(gradInput, gradInputV)

	return gradInput, gradPrefixK, gradPrefixV
}

// sliceRows copies rows [start, end) of a 2D tensor.
func sliceRows(t *Tensor, start, end int) *Tensor {
	cols := t.shape[1]
	out := NewTensor(end-start, cols)
	copy(out.data, t.data[start*cols:end*cols])
	return out
}

// feedForward is the position-wise two-layer GELU MLP.
type feedForward struct {
	fc1, fc2 *Linear
}

type ffCache struct {
	input *Tensor
	pre   *Tensor // fc1 output before GELU
	act   *Tensor // after GELU
}

func (ff *feedForward) forward(x *Tensor) (*Tensor, *ffCache) {
	pre := ff.fc1.Forward(x)
	act := GELU(pre)
	return ff.fc2.Forward(act), &ffCache{input: x, pre: pre, act: act}
}

func (ff *feedForward) backward(gradOut *Tensor, cache *ffCache) *Tensor {
	gradAct := ff.fc2.Backward(cache.act, gradOut)
	gradPre := GELUBackward(cache.pre, gradAct)
	return ff.fc1.Backward(cache.input, gradPre)
}

// encoderBlock is one transformer layer: attention and feed-forward,
// each followed by layer norm and a residual connection.
type encoderBlock struct {
	attn     *bertAttention
	ln1, ln2 *LayerNorm
	ff       *feedForward
}

// blockCache stores one example's activations for one block.
type blockCache struct {
	attnCache  *attnCache
	attnOut    *Tensor // attention output, input to ln1
	afterAttn  *Tensor // x + ln1(attn(x)), input to feed-forward branch
	ffCache    *ffCache
	ffOut      *Tensor // feed-forward output, input to ln2
}

// BertEncoder is the trainable toy encoder.
type BertEncoder struct {
	cfg     EncoderConfig
	blocks  []*encoderBlock
	dropout *Dropout

	tokenEmbed *Tensor // (vocab, H)
	posEmbed   *Tensor // (maxSeq, H)
}

// EncoderCache stores a full batch's activations for Backward.
type EncoderCache struct {
	inputIDs  [][]int
	seqLen    int
	hasPrefix bool
	prefixLen int

	// Per example: embedding dropout mask and per-layer block caches.
	dropMasks   [][]float64
	blockCaches [][]*blockCache // [example][layer]
}

// NewBertEncoder validates the configuration and builds the encoder.
func NewBertEncoder(cfg EncoderConfig, rng *rand.Rand) (*BertEncoder, error) {
	if cfg.VocabSize <= 0 || cfg.MaxSeqLen <= 0 || cfg.HiddenSize <= 0 ||
		cfg.NumHeads <= 0 || cfg.NumLayers <= 0 || cfg.FFHidden <= 0 {
		return nil, fmt.Errorf("%w: encoder dimensions must be positive, got %+v", ErrInvalidConfig, cfg)
	}
	if cfg.HiddenSize%cfg.NumHeads != 0 {
		return nil, fmt.Errorf("%w: hidden size %d not divisible by %d heads",
			ErrInvalidConfig, cfg.HiddenSize, cfg.NumHeads)
	}

	blocks := make([]*encoderBlock, cfg.NumLayers)
	for i := range blocks {
		blocks[i] = &encoderBlock{
			attn: newBertAttention(cfg.HiddenSize, cfg.NumHeads),
			ln1:  NewLayerNorm(cfg.HiddenSize),
			ln2:  NewLayerNorm(cfg.HiddenSize),
			ff: &feedForward{
				fc1: NewLinear(cfg.HiddenSize, cfg.FFHidden),
				fc2: NewLinear(cfg.FFHidden, cfg.HiddenSize),
			},
		}
	}

	return &BertEncoder{
		cfg:        cfg,
		blocks:     blocks,
		dropout:    NewDropout(cfg.Dropout, rng),
		tokenEmbed: NewTensorRand(cfg.VocabSize, cfg.HiddenSize),
		posEmbed:   NewTensorRand(cfg.MaxSeqLen, cfg.HiddenSize),
	}, nil
}

// HiddenSize returns the encoder's hidden dimension.
func (e *BertEncoder) HiddenSize() int { return e.cfg.HiddenSize }

// SetTraining toggles embedding dropout.
func (e *BertEncoder) SetTraining(training bool) { e.dropout.SetTraining(training) }

// Encode runs the forward pass and discards the activation cache.
func (e *BertEncoder) Encode(inputIDs [][]int, prefix []LayerKV) (*Tensor, error) {
	hidden, _, err := e.EncodeWithCache(inputIDs, prefix)
	return hidden, err
}

// EncodeWithCache runs the forward pass and records the activations
// needed for Backward. Returns hidden states shaped (B, S, H).
func (e *BertEncoder) EncodeWithCache(inputIDs [][]int, prefix []LayerKV) (*Tensor, *EncoderCache, error) {
	seqLen, err := validateBatch(inputIDs)
	if err != nil {
		return nil, nil, err
	}
	if seqLen > e.cfg.MaxSeqLen {
		return nil, nil, fmt.Errorf("%w: sequence length %d exceeds maximum %d",
			ErrShapeMismatch, seqLen, e.cfg.MaxSeqLen)
	}
	if prefix != nil && len(prefix) != e.cfg.NumLayers {
		return nil, nil, fmt.Errorf("%w: got prefixes for %d layers, encoder has %d",
			ErrShapeMismatch, len(prefix), e.cfg.NumLayers)
	}

	batch := len(inputIDs)
	h := e.cfg.HiddenSize

	cache := &EncoderCache{
		inputIDs:    inputIDs,
		seqLen:      seqLen,
		hasPrefix:   prefix != nil,
		dropMasks:   make([][]float64, batch),
		blockCaches: make([][]*blockCache, batch),
	}
	if prefix != nil {
		cache.prefixLen = prefix[0].Key.shape[2]
	}

	hidden := NewTensor(batch, seqLen, h)

	for b, seq := range inputIDs {
		// Token + position embeddings.
		x := NewTensor(seqLen, h)
		for i, tok := range seq {
			if tok < 0 || tok >= e.cfg.VocabSize {
				return nil, nil, fmt.Errorf("%w: token id %d outside vocabulary of %d",
					ErrShapeMismatch, tok, e.cfg.VocabSize)
			}
			for d := 0; d < h; d++ {
				x.data[i*h+d] = e.tokenEmbed.data[tok*h+d] + e.posEmbed.data[i*h+d]
			}
		}

		x, mask := e.dropout.Forward(x)
		cache.dropMasks[b] = mask

		// Transformer blocks.
		cache.blockCaches[b] = make([]*blockCache, e.cfg.NumLayers)
		for l, block := range e.blocks {
			bc := &blockCache{}

			var prefixK, prefixV []*Tensor
			if prefix != nil {
				prefixK, prefixV = splitPrefixHeads(prefix[l], b)
			}

			attnOut, ac := block.attn.forward(x, prefixK, prefixV)
			bc.attnCache = ac
			bc.attnOut = attnOut
			x = Add(x, block.ln1.Forward(attnOut))
			bc.afterAttn = x

			ffOut, fc := block.ff.forward(x)
			bc.ffCache = fc
			bc.ffOut = ffOut
			x = Add(x, block.ln2.Forward(ffOut))

			cache.blockCaches[b][l] = bc
		}

		copy(hidden.data[b*seqLen*h:(b+1)*seqLen*h], x.data)
	}

	return hidden, cache, nil
}

// splitPrefixHeads extracts example b's per-head key/value prefix
// slices from a (B, heads, P, headDim) layer prefix.
func splitPrefixHeads(kv LayerKV, b int) (prefixK, prefixV []*Tensor) {
	heads, p, hd := kv.Key.shape[1], kv.Key.shape[2], kv.Key.shape[3]
	prefixK = make([]*Tensor, heads)
	prefixV = make([]*Tensor, heads)

	stride := p * hd
	for h := 0; h < heads; h++ {
		offset := (b*heads + h) * stride
		k := NewTensor(p, hd)
		v := NewTensor(p, hd)
		copy(k.data, kv.Key.data[offset:offset+stride])
		copy(v.data, kv.Value.data[offset:offset+stride])
		prefixK[h] = k
		prefixV[h] = v
	}
	return prefixK, prefixV
}

// Backward propagates a per-token hidden-state gradient (B, S, H)
// through the encoder, accumulating weight gradients. When the forward
// pass was run with a prefix, the returned slice holds the per-layer
// prefix gradients shaped like the injected LayerKV tensors; otherwise
// it is nil.
func (e *BertEncoder) Backward(gradHidden *Tensor, cache *EncoderCache) []LayerKV {
	batch := len(cache.inputIDs)
	seqLen := cache.seqLen
	h := e.cfg.HiddenSize

	var gradPrefix []LayerKV
	if cache.hasPrefix {
		gradPrefix = make([]LayerKV, e.cfg.NumLayers)
		for l := range gradPrefix {
			gradPrefix[l] = LayerKV{
				Key:   NewTensor(batch, e.cfg.NumHeads, cache.prefixLen, h/e.cfg.NumHeads),
				Value: NewTensor(batch, e.cfg.NumHeads, cache.prefixLen, h/e.cfg.NumHeads),
			}
		}
	}

	for b := range cache.inputIDs {
		gradX := NewTensor(seqLen, h)
		copy(gradX.data, gradHidden.data[b*seqLen*h:(b+1)*seqLen*h])

		for l := e.cfg.NumLayers - 1; l >= 0; l-- {
			block := e.blocks[l]
			bc := cache.blockCaches[b][l]

			// x_out = afterAttn + ln2(ff(afterAttn)); residual passes
			// gradX through, the branch chains ln2 then the MLP.
			gradBranch := block.ln2.Backward(bc.ffOut, gradX.Clone())
			gradFFIn := block.ff.backward(gradBranch, bc.ffCache)
			gradX = Add(gradX, gradFFIn)

			// afterAttn = x_in + ln1(attn(x_in))
			gradBranch = block.ln1.Backward(bc.attnOut, gradX.Clone())
			gradAttnIn, gpk, gpv := block.attn.backward(gradBranch, bc.attnCache)
			gradX = Add(gradX, gradAttnIn)

			if gpk != nil {
				accumulatePrefixHeads(gradPrefix[l], b, gpk, gpv)
			}
		}

		gradX = e.dropout.Backward(gradX, cache.dropMasks[b])

		// Embedding gradients.
		for i, tok := range cache.inputIDs[b] {
			for d := 0; d < h; d++ {
				g := gradX.data[i*h+d]
				e.tokenEmbed.grad[tok*h+d] += g
				e.posEmbed.grad[i*h+d] += g
			}
		}
	}

	return gradPrefix
}

// accumulatePrefixHeads writes example b's per-head prefix gradients
// into the batched (B, heads, P, headDim) gradient tensors.
func accumulatePrefixHeads(dst LayerKV, b int, gradK, gradV []*Tensor) {
	heads := dst.Key.shape[1]
	stride := dst.Key.shape[2] * dst.Key.shape[3]
	for h := 0; h < heads; h++ {
		offset := (b*heads + h) * stride
		for i := 0; i < stride; i++ {
			dst.Key.data[offset+i] += gradK[h].data[i]
			dst.Value.data[offset+i] += gradV[h].data[i]
		}
	}
}

// Parameters returns all trainable tensors of the encoder.
func (e *BertEncoder) Parameters() []*Tensor {
	params := []*Tensor{e.tokenEmbed, e.posEmbed}
	for _, b := range e.blocks {
		params = append(params,
			b.attn.wq, b.attn.wk, b.attn.wv, b.attn.wo,
			b.ln1.gamma, b.ln1.beta, b.ln2.gamma, b.ln2.beta)
		params = append(params, b.ff.fc1.Parameters()...)
		params = append(params, b.ff.fc2.Parameters()...)
	}
	return params
}
