package main

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ===========================================================================
// ONNX INFERENCE ENCODER
// ===========================================================================
//
// ONNXEncoder serves a pretrained BERT-style model exported to ONNX for
// inference-only embedding. It satisfies Encoder but not
// TrainableEncoder: there is no gradient path through the runtime, and
// prefix injection requires access to per-layer attention internals
// that an exported graph does not expose, so a non-nil prefix is
// rejected.
//
// ===========================================================================

// ortRuntime guards process-wide ONNX Runtime initialization.
var ortRuntime struct {
	once sync.Once
	err  error
}

func initRuntime(libPath string) error {
	ortRuntime.once.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortRuntime.err = ort.InitializeEnvironment()
	})
	return ortRuntime.err
}

// ONNXEncoder runs a BERT-style ONNX model with inputs input_ids,
// attention_mask, and token_type_ids, producing per-token hidden
// states.
type ONNXEncoder struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	hiddenSize int
	padID      int
}

// NewONNXEncoder loads the model at modelPath using the ONNX Runtime
// shared library at libPath. padID is the token id treated as padding
// when building the attention mask.
func NewONNXEncoder(modelPath, libPath string, padID int) (*ONNXEncoder, error) {
	if err := initRuntime(libPath); err != nil {
		return nil, fmt.Errorf("onnx: initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: read model info: %w", err)
	}

	names := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		names[in.Name] = true
	}
	required := []string{"input_ids", "attention_mask", "token_type_ids"}
	for _, name := range required {
		if !names[name] {
			return nil, fmt.Errorf("onnx: model missing required input %q", name)
		}
	}

	if len(outputs) == 0 {
		return nil, fmt.Errorf("onnx: model has no outputs")
	}
	dims := outputs[0].Dimensions
	if len(dims) != 3 {
		return nil, fmt.Errorf("onnx: expected (batch, seq, hidden) output, got %v", dims)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: create session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(matMulWorkers)
	opts.SetInterOpNumThreads(1)

	session, err := ort.NewDynamicAdvancedSession(modelPath, required, []string{outputs[0].Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}

	return &ONNXEncoder{
		session:    session,
		inputNames: required,
		hiddenSize: int(dims[2]),
		padID:      padID,
	}, nil
}

// HiddenSize returns the model's hidden dimension.
func (e *ONNXEncoder) HiddenSize() int {
	return e.hiddenSize
}

// Encode runs one inference call and returns (batch, seq, hidden)
// hidden states. The batch must be rectangular; prefix must be nil.
func (e *ONNXEncoder) Encode(inputIDs [][]int, prefix []LayerKV) (*Tensor, error) {
	if prefix != nil {
		return nil, fmt.Errorf("onnx: prefix injection is not supported by exported models")
	}
	seqLen, err := validateBatch(inputIDs)
	if err != nil {
		return nil, err
	}
	batch := len(inputIDs)

	flatIDs := make([]int64, batch*seqLen)
	mask := make([]int64, batch*seqLen)
	types := make([]int64, batch*seqLen)
	for b, seq := range inputIDs {
		for s, id := range seq {
			i := b*seqLen + s
			flatIDs[i] = int64(id)
			if id != e.padID {
				mask[i] = 1
			}
		}
	}

	shape := ort.NewShape(int64(batch), int64(seqLen))
	tIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("onnx: create input_ids tensor: %w", err)
	}
	defer tIDs.Destroy()
	tMask, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("onnx: create attention_mask tensor: %w", err)
	}
	defer tMask.Destroy()
	tTypes, err := ort.NewTensor(shape, types)
	if err != nil {
		return nil, fmt.Errorf("onnx: create token_type_ids tensor: %w", err)
	}
	defer tTypes.Destroy()

	tOut, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch), int64(seqLen), int64(e.hiddenSize)))
	if err != nil {
		return nil, fmt.Errorf("onnx: create output tensor: %w", err)
	}
	defer tOut.Destroy()

	if err := e.session.Run([]ort.Value{tIDs, tMask, tTypes}, []ort.Value{tOut}); err != nil {
		return nil, fmt.Errorf("onnx: inference: %w", err)
	}

	out := NewTensor(batch, seqLen, e.hiddenSize)
	for i, v := range tOut.GetData() {
		out.data[i] = float64(v)
	}
	return out, nil
}

// Close releases the underlying session.
func (e *ONNXEncoder) Close() error {
	return e.session.Destroy()
}
