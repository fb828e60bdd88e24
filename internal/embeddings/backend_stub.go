//go:build !onnx
// +build !onnx

package embeddings

import (
	"go.uber.org/zap"
)

// Stub implementation used when the 'onnx' build tag is not set.
func NewTransformerBackend(logger *zap.Logger, modelPath, device string) (TransformerBackend, string, error) {
	logger.Warn("No inference backend compiled in", zap.String("model", modelPath))
	return nil, DeviceCPU, errBackendUnavailable
}
