package embeddings

import (
	"context"
	"errors"
)

// TransformerBackend defines a pluggable backend for transformer inference.
// Implementations may use ONNX Runtime, TensorRT, or other engines.
type TransformerBackend interface {
	// Forward runs a single inference for a padded batch and returns the
	// last hidden state with shape batch x seqLen x HiddenSize.
	Forward(ctx context.Context, batch *TokenizedBatch) (*HiddenStates, error)
	// HiddenSize is the width of each per-token representation.
	HiddenSize() int
	// IsReady returns whether the backend is initialized and ready.
	IsReady() bool
	// Close releases any native resources.
	Close() error
}

// Handle bundles everything the pipeline needs to run a model. It is built
// once at startup and passed explicitly to the pipeline.
type Handle struct {
	Tokenizer Tokenizer
	Model     TransformerBackend
	Device    string
	ModelName string
}

// Ready reports whether the handle can serve inference.
func (h *Handle) Ready() bool {
	return h != nil && h.Tokenizer != nil && h.Model != nil && h.Model.IsReady()
}

// Dimension returns the model hidden size, or 0 when no model is attached.
func (h *Handle) Dimension() int {
	if h == nil || h.Model == nil {
		return 0
	}
	return h.Model.HiddenSize()
}

// Close releases the backend.
func (h *Handle) Close() error {
	if h == nil || h.Model == nil {
		return nil
	}
	return h.Model.Close()
}

// errBackendUnavailable is returned by NewTransformerBackend when the binary
// was built without an inference engine.
var errBackendUnavailable = errors.New("built without an inference backend (rebuild with -tags onnx)")
