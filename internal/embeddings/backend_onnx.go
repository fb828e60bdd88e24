//go:build onnx
// +build onnx

package embeddings

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// OnnxBackend implements TransformerBackend using ONNX Runtime (via yalue/onnxruntime_go).
type OnnxBackend struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	outputName string
	hidden     int
	logger     *zap.Logger
	ready      bool
	mu         sync.RWMutex
	runMu      sync.Mutex
}

// NewTransformerBackend initializes the ONNX Runtime backend on the requested
// device and returns the device it actually bound to. Requires build tag 'onnx'.
func NewTransformerBackend(logger *zap.Logger, modelPath, device string) (TransformerBackend, string, error) {
	// Allow user to provide shared library path via environment variable.
	if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	} else if shlib := os.Getenv("ORT_SHLIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, "", fmt.Errorf("onnx runtime environment init failed: %w", err)
		}
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to inspect onnx model io: %w", err)
	}

	var inputNames []string
	for _, ii := range inputsInfo {
		inputNames = append(inputNames, ii.Name)
	}
	if len(inputNames) == 0 {
		return nil, "", fmt.Errorf("onnx model reports no inputs")
	}

	outputName, hidden, err := pickHiddenStateOutput(outputsInfo)
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	for _, candidate := range deviceCandidates(device) {
		opts, err := newSessionOptions(candidate)
		if err != nil {
			lastErr = err
			logger.Debug("Execution provider unavailable", zap.String("device", candidate), zap.Error(err))
			continue
		}
		sess, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputName}, opts)
		opts.Destroy()
		if err != nil {
			lastErr = err
			logger.Debug("Session creation failed", zap.String("device", candidate), zap.Error(err))
			continue
		}

		logger.Info("ONNX Runtime backend ready",
			zap.String("model", modelPath),
			zap.String("device", candidate),
			zap.Strings("inputs", inputNames),
			zap.String("output", outputName),
			zap.Int("hidden_size", hidden))
		return &OnnxBackend{
			session:    sess,
			inputNames: inputNames,
			outputName: outputName,
			hidden:     hidden,
			logger:     logger,
			ready:      true,
		}, candidate, nil
	}
	return nil, "", fmt.Errorf("onnx session creation failed for device %q: %w", device, lastErr)
}

// pickHiddenStateOutput prefers last_hidden_state, then the first rank-3 output.
func pickHiddenStateOutput(outputs []ort.InputOutputInfo) (string, int, error) {
	if len(outputs) == 0 {
		return "", 0, fmt.Errorf("onnx model reports no outputs")
	}
	chosen := -1
	for i, o := range outputs {
		if o.Name == "last_hidden_state" {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		for i, o := range outputs {
			if len(o.Dimensions) == 3 {
				chosen = i
				break
			}
		}
	}
	if chosen < 0 {
		return "", 0, fmt.Errorf("onnx model has no per-token output; export last_hidden_state")
	}
	out := outputs[chosen]
	hidden := DefaultHiddenSize
	if len(out.Dimensions) == 3 && out.Dimensions[2] > 0 {
		hidden = int(out.Dimensions[2])
	}
	return out.Name, hidden, nil
}

func newSessionOptions(device string) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	switch device {
	case DeviceCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, err
		}
		defer cuda.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			opts.Destroy()
			return nil, err
		}
	case DeviceCoreML:
		if err := opts.AppendExecutionProviderCoreML(0); err != nil {
			opts.Destroy()
			return nil, err
		}
	}
	return opts, nil
}

// HiddenSize implements TransformerBackend.
func (b *OnnxBackend) HiddenSize() int {
	return b.hidden
}

// IsReady reports whether the backend is initialized.
func (b *OnnxBackend) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready && b.session != nil
}

// Close releases session and environment resources. It waits for an
// in-flight Run to finish; lock order is runMu then mu.
func (b *OnnxBackend) Close() error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	ort.DestroyEnvironment()
	b.ready = false
	return nil
}

// Forward runs inference for the batch and returns the last hidden state.
func (b *OnnxBackend) Forward(ctx context.Context, batch *TokenizedBatch) (*HiddenStates, error) {
	if !b.IsReady() {
		return nil, fmt.Errorf("onnx backend not ready")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shape := ort.NewShape(int64(batch.BatchSize), int64(batch.SeqLen))
	idsTensor, err := ort.NewTensor(shape, batch.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, batch.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	typeIDs := batch.TokenTypeIDs
	if len(typeIDs) != len(batch.InputIDs) {
		typeIDs = make([]int64, len(batch.InputIDs))
	}
	typeTensor, err := ort.NewTensor(shape, typeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	inputs := make([]ort.Value, 0, len(b.inputNames))
	for _, rawName := range b.inputNames {
		name := strings.ToLower(rawName)
		switch {
		case strings.Contains(name, "mask") || strings.Contains(name, "attention"):
			inputs = append(inputs, maskTensor)
		case strings.Contains(name, "token_type") || strings.Contains(name, "segment"):
			inputs = append(inputs, typeTensor)
		default:
			inputs = append(inputs, idsTensor)
		}
	}

	// One output; let ORT allocate it
	outputs := make([]ort.Value, 1)
	b.runMu.Lock()
	b.mu.RLock()
	session := b.session
	b.mu.RUnlock()
	if session == nil {
		b.runMu.Unlock()
		return nil, fmt.Errorf("onnx backend closed")
	}
	err = session.Run(inputs, outputs)
	b.runMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("onnx returned no outputs")
	}
	defer outputs[0].Destroy()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want float32 tensor)")
	}
	outShape := outTensor.GetShape()
	if len(outShape) != 3 {
		return nil, fmt.Errorf("unsupported output shape %v", outShape)
	}
	data := outTensor.GetData()
	hs := &HiddenStates{
		Data:      make([]float32, len(data)),
		BatchSize: int(outShape[0]),
		SeqLen:    int(outShape[1]),
		Hidden:    int(outShape[2]),
	}
	copy(hs.Data, data)
	return hs, nil
}
