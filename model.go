package main

// ===========================================================================
// SIMCSE TRAINING OBJECTIVES
// ===========================================================================
//
// Three thin wrappers around a pretrained encoder, one per SimCSE
// variant:
//
//   SupervisedSimCSE        (sentence, positive, hard negative) triplets
//   UnsupervisedSimCSE      (sentence, positive) pairs; positives come
//                           from a second stochastic encoder pass that
//                           the CALLER performs (dual dropout masks)
//   PrefixSupervisedSimCSE  supervised objective with the encoder
//                           frozen and adaptation pushed into generated
//                           attention prefixes
//
// All three share the same skeleton: encode each stream, pool the first
// token, gather representations across the process group, score with
// scaled pairwise cosine similarity, reduce with cross-entropy against
// positional labels. The only genuinely variant parts - how the encoder
// is invoked and what train-only head is applied - live in the variant
// structs; the skeleton lives in scoreStreams/scoreStreamsBackward.
//
// Stream ordering invariant: position i must denote the same original
// example in the sentence, positive, and negative batches, both locally
// and after gathering. The gathers are issued in one fixed order
// (sentence, positive, negative) on every process; see distributed.go
// for why.
//
// The models mutate nothing themselves: learned parameters are updated
// by an external optimizer between calls (optimizer.go), and each
// forward call recomputes everything from current parameter values.
//
// ===========================================================================

import (
	"fmt"
	"math/rand"
)

// poolStream encodes one batch and pools the first-token hidden state.
// An encoder returning anything but (B, S, H) states is a usage error
// and is propagated immediately.
func poolStream(enc Encoder, ids [][]int, prefix []LayerKV) (*Tensor, error) {
	hidden, err := enc.Encode(ids, prefix)
	if err != nil {
		return nil, err
	}
	if hidden.Dims() != 3 {
		return nil, fmt.Errorf("%w: encoder returned rank-%d output, expected (batch, seq, hidden)",
			ErrShapeMismatch, hidden.Dims())
	}
	return clsPool(hidden), nil
}

// scoreState carries everything scoreStreams computed that the backward
// pass needs.
type scoreState struct {
	localBatch  int
	contrastive *contrastiveState
}

// scoreStreams is the shared forward skeleton: gather the streams in
// fixed order, then score anchor against the candidate sets.
// negative may be nil (unsupervised variant).
func scoreStreams(comm Communicator, anchor, positive, negative *Tensor) (float64, *scoreState, error) {
	localBatch := anchor.shape[0]

	// Fixed gather order on every process: sentence, positive, negative.
	gAnchor, err := GatherRepresentations(comm, anchor)
	if err != nil {
		return 0, nil, err
	}
	gPositive, err := GatherRepresentations(comm, positive)
	if err != nil {
		return 0, nil, err
	}

	candidates := []*Tensor{gPositive}
	if negative != nil {
		gNegative, err := GatherRepresentations(comm, negative)
		if err != nil {
			return 0, nil, err
		}
		candidates = append(candidates, gNegative)
	}

	loss, cs, err := contrastiveForward(gAnchor, candidates...)
	if err != nil {
		return 0, nil, err
	}

	return loss, &scoreState{localBatch: localBatch, contrastive: cs}, nil
}

// scoreStreamsBackward computes the local-slice gradients for the
// anchor, positive, and (when present) negative representations.
func scoreStreamsBackward(comm Communicator, state *scoreState) (gradAnchor, gradPositive, gradNegative *Tensor) {
	gAnchor, gCands := contrastiveBackward(state.contrastive)

	gradAnchor = gatherBackward(comm, gAnchor, state.localBatch)
	gradPositive = gatherBackward(comm, gCands[0], state.localBatch)
	if len(gCands) > 1 {
		gradNegative = gatherBackward(comm, gCands[1], state.localBatch)
	}
	return gradAnchor, gradPositive, gradNegative
}

// checkStreamSizes verifies that all supplied streams have the same
// batch size.
func checkStreamSizes(streams ...[][]int) error {
	n := len(streams[0])
	for i, s := range streams[1:] {
		if len(s) != n {
			return fmt.Errorf("%w: stream %d has batch size %d, stream 0 has %d",
				ErrShapeMismatch, i+1, len(s), n)
		}
	}
	return nil
}

// ===========================================================================
// SUPERVISED
// ===========================================================================

// SupervisedSimCSE trains with (sentence, positive, hard negative)
// triplets. The encoder is owned by the model and fine-tuned end to
// end.
type SupervisedSimCSE struct {
	encoder Encoder
	comm    Communicator
}

// NewSupervisedSimCSE wraps an encoder with the supervised objective.
func NewSupervisedSimCSE(encoder Encoder, comm Communicator) *SupervisedSimCSE {
	return &SupervisedSimCSE{encoder: encoder, comm: comm}
}

// Forward computes the contrastive loss for one triplet batch.
func (m *SupervisedSimCSE) Forward(sent, pos, neg [][]int) (float64, error) {
	if err := checkStreamSizes(sent, pos, neg); err != nil {
		return 0, err
	}

	reprSent, err := poolStream(m.encoder, sent, nil)
	if err != nil {
		return 0, err
	}
	reprPos, err := poolStream(m.encoder, pos, nil)
	if err != nil {
		return 0, err
	}
	reprNeg, err := poolStream(m.encoder, neg, nil)
	if err != nil {
		return 0, err
	}

	loss, _, err := scoreStreams(m.comm, reprSent, reprPos, reprNeg)
	return loss, err
}

// TrainStep computes the loss and accumulates gradients into the
// encoder's parameters. Requires a TrainableEncoder.
func (m *SupervisedSimCSE) TrainStep(sent, pos, neg [][]int) (float64, error) {
	enc, ok := m.encoder.(TrainableEncoder)
	if !ok {
		return 0, fmt.Errorf("model: encoder %T does not support training", m.encoder)
	}
	if err := checkStreamSizes(sent, pos, neg); err != nil {
		return 0, err
	}

	type stream struct {
		pooled *Tensor
		cache  *EncoderCache
	}
	encode := func(ids [][]int) (stream, error) {
		hidden, cache, err := enc.EncodeWithCache(ids, nil)
		if err != nil {
			return stream{}, err
		}
		return stream{pooled: clsPool(hidden), cache: cache}, nil
	}

	sSent, err := encode(sent)
	if err != nil {
		return 0, err
	}
	sPos, err := encode(pos)
	if err != nil {
		return 0, err
	}
	sNeg, err := encode(neg)
	if err != nil {
		return 0, err
	}

	loss, state, err := scoreStreams(m.comm, sSent.pooled, sPos.pooled, sNeg.pooled)
	if err != nil {
		return 0, err
	}

	gSent, gPos, gNeg := scoreStreamsBackward(m.comm, state)
	enc.Backward(clsPoolBackward(gSent, sSent.cache.seqLen), sSent.cache)
	enc.Backward(clsPoolBackward(gPos, sPos.cache.seqLen), sPos.cache)
	enc.Backward(clsPoolBackward(gNeg, sNeg.cache.seqLen), sNeg.cache)

	return loss, nil
}

// GetEmbedding returns pooled sentence representations for downstream
// use: first-token hidden state, nothing else.
func (m *SupervisedSimCSE) GetEmbedding(x [][]int) (*Tensor, error) {
	return poolStream(m.encoder, x, nil)
}

// Parameters returns the trainable tensors, or nil for a non-trainable
// encoder.
func (m *SupervisedSimCSE) Parameters() []*Tensor {
	if enc, ok := m.encoder.(TrainableEncoder); ok {
		return enc.Parameters()
	}
	return nil
}

// ===========================================================================
// UNSUPERVISED
// ===========================================================================

// UnsupervisedSimCSE trains with (sentence, positive) pairs, where the
// positive is typically the same sentence re-encoded under a different
// dropout mask. Producing those two stochastic passes is the caller's
// job; the model only scores whatever pairs it is given.
//
// A trainable linear projection is applied on top of the pooled vector
// during loss computation only. GetEmbedding deliberately skips it:
// the projection is a training-time regularizer, and leaking it into
// served embeddings would change every downstream similarity.
type UnsupervisedSimCSE struct {
	encoder Encoder
	comm    Communicator
	proj    *Linear
}

// NewUnsupervisedSimCSE wraps an encoder with the unsupervised
// objective and allocates the train-only projection head.
func NewUnsupervisedSimCSE(encoder Encoder, comm Communicator) *UnsupervisedSimCSE {
	h := encoder.HiddenSize()
	return &UnsupervisedSimCSE{
		encoder: encoder,
		comm:    comm,
		proj:    NewLinear(h, h),
	}
}

// Forward computes the contrastive loss for one pair batch.
func (m *UnsupervisedSimCSE) Forward(sent, pos [][]int) (float64, error) {
	if err := checkStreamSizes(sent, pos); err != nil {
		return 0, err
	}

	reprSent, err := poolStream(m.encoder, sent, nil)
	if err != nil {
		return 0, err
	}
	reprPos, err := poolStream(m.encoder, pos, nil)
	if err != nil {
		return 0, err
	}

	loss, _, err := scoreStreams(m.comm, m.proj.Forward(reprSent), m.proj.Forward(reprPos), nil)
	return loss, err
}

// TrainStep computes the loss and accumulates gradients into the
// encoder and projection parameters.
func (m *UnsupervisedSimCSE) TrainStep(sent, pos [][]int) (float64, error) {
	enc, ok := m.encoder.(TrainableEncoder)
	if !ok {
		return 0, fmt.Errorf("model: encoder %T does not support training", m.encoder)
	}
	if err := checkStreamSizes(sent, pos); err != nil {
		return 0, err
	}

	hiddenSent, cacheSent, err := enc.EncodeWithCache(sent, nil)
	if err != nil {
		return 0, err
	}
	hiddenPos, cachePos, err := enc.EncodeWithCache(pos, nil)
	if err != nil {
		return 0, err
	}

	pooledSent := clsPool(hiddenSent)
	pooledPos := clsPool(hiddenPos)
	projSent := m.proj.Forward(pooledSent)
	projPos := m.proj.Forward(pooledPos)

	loss, state, err := scoreStreams(m.comm, projSent, projPos, nil)
	if err != nil {
		return 0, err
	}

	gradProjSent, gradProjPos, _ := scoreStreamsBackward(m.comm, state)
	gradPooledSent := m.proj.Backward(pooledSent, gradProjSent)
	gradPooledPos := m.proj.Backward(pooledPos, gradProjPos)

	enc.Backward(clsPoolBackward(gradPooledSent, cacheSent.seqLen), cacheSent)
	enc.Backward(clsPoolBackward(gradPooledPos, cachePos.seqLen), cachePos)

	return loss, nil
}

// GetEmbedding returns the first-token hidden state with NO projection
// applied - the projection head exists only inside the training loss.
func (m *UnsupervisedSimCSE) GetEmbedding(x [][]int) (*Tensor, error) {
	return poolStream(m.encoder, x, nil)
}

// Parameters returns the projection head's parameters plus the
// encoder's, when trainable.
func (m *UnsupervisedSimCSE) Parameters() []*Tensor {
	params := m.proj.Parameters()
	if enc, ok := m.encoder.(TrainableEncoder); ok {
		params = append(params, enc.Parameters()...)
	}
	return params
}

// ===========================================================================
// PREFIX-TUNED SUPERVISED
// ===========================================================================

// PrefixSupervisedSimCSE runs the supervised objective with adaptation
// confined to generated attention prefixes. The encoder is not owned by
// the model - it is passed into every call - and its weights are meant
// to stay frozen: Parameters returns only the prefix generator's
// tensors, so an optimizer built on them never touches the encoder.
type PrefixSupervisedSimCSE struct {
	gen  *PrefixGenerator
	comm Communicator
}

// NewPrefixSupervisedSimCSE builds the prefix generator for the given
// configuration. Fails if the configuration is invalid (hidden size not
// divisible by heads, non-positive dimensions).
func NewPrefixSupervisedSimCSE(cfg PrefixConfig, comm Communicator, rng *rand.Rand) (*PrefixSupervisedSimCSE, error) {
	gen, err := NewPrefixGenerator(cfg, rng)
	if err != nil {
		return nil, err
	}
	return &PrefixSupervisedSimCSE{gen: gen, comm: comm}, nil
}

// Forward computes the contrastive loss for one triplet batch. The
// prefix is generated once from current parameters and shared by all
// three encoder invocations.
func (m *PrefixSupervisedSimCSE) Forward(enc Encoder, sent, pos, neg [][]int) (float64, error) {
	if err := checkStreamSizes(sent, pos, neg); err != nil {
		return 0, err
	}

	prefix, _ := m.gen.Prefix(len(sent))

	reprSent, err := poolStream(enc, sent, prefix)
	if err != nil {
		return 0, err
	}
	reprPos, err := poolStream(enc, pos, prefix)
	if err != nil {
		return 0, err
	}
	reprNeg, err := poolStream(enc, neg, prefix)
	if err != nil {
		return 0, err
	}

	loss, _, err := scoreStreams(m.comm, reprSent, reprPos, reprNeg)
	return loss, err
}

// TrainStep computes the loss and accumulates gradients into the
// prefix generator's parameters. The encoder's gradient buffers are
// written as a side effect of backpropagation but are not reachable
// from Parameters, keeping the encoder effectively frozen.
func (m *PrefixSupervisedSimCSE) TrainStep(enc TrainableEncoder, sent, pos, neg [][]int) (float64, error) {
	if err := checkStreamSizes(sent, pos, neg); err != nil {
		return 0, err
	}

	prefix, pcache := m.gen.Prefix(len(sent))

	type stream struct {
		pooled *Tensor
		cache  *EncoderCache
	}
	encode := func(ids [][]int) (stream, error) {
		hidden, cache, err := enc.EncodeWithCache(ids, prefix)
		if err != nil {
			return stream{}, err
		}
		return stream{pooled: clsPool(hidden), cache: cache}, nil
	}

	sSent, err := encode(sent)
	if err != nil {
		return 0, err
	}
	sPos, err := encode(pos)
	if err != nil {
		return 0, err
	}
	sNeg, err := encode(neg)
	if err != nil {
		return 0, err
	}

	loss, state, err := scoreStreams(m.comm, sSent.pooled, sPos.pooled, sNeg.pooled)
	if err != nil {
		return 0, err
	}

	gSent, gPos, gNeg := scoreStreamsBackward(m.comm, state)

	// The shared prefix fed all three streams, so its gradients sum.
	gradPrefix := enc.Backward(clsPoolBackward(gSent, sSent.cache.seqLen), sSent.cache)
	for _, s := range []struct {
		grad *Tensor
		strm stream
	}{{gPos, sPos}, {gNeg, sNeg}} {
		gp := enc.Backward(clsPoolBackward(s.grad, s.strm.cache.seqLen), s.strm.cache)
		for l := range gradPrefix {
			gradPrefix[l].Key = Add(gradPrefix[l].Key, gp[l].Key)
			gradPrefix[l].Value = Add(gradPrefix[l].Value, gp[l].Value)
		}
	}

	m.gen.Backward(gradPrefix, pcache)

	return loss, nil
}

// GetEmbedding returns pooled representations computed with the current
// prefix injected - the prefix is part of the model at inference time,
// unlike the unsupervised variant's projection head.
func (m *PrefixSupervisedSimCSE) GetEmbedding(enc Encoder, x [][]int) (*Tensor, error) {
	prefix, _ := m.gen.Prefix(len(x))
	return poolStream(enc, x, prefix)
}

// SetTraining toggles prefix dropout.
func (m *PrefixSupervisedSimCSE) SetTraining(training bool) {
	m.gen.SetTraining(training)
}

// Parameters returns only the prefix generator's trainable tensors.
func (m *PrefixSupervisedSimCSE) Parameters() []*Tensor {
	return m.gen.Parameters()
}
