package embeddings

import (
	"os"
	"runtime"
	"strings"
)

// Device names accepted in configuration.
const (
	DeviceAuto   = "auto"
	DeviceCUDA   = "cuda"
	DeviceCoreML = "coreml"
	DeviceCPU    = "cpu"

	// DefaultHiddenSize is used when the model does not declare its output width.
	DefaultHiddenSize = 768
)

// RequestedDevice returns the first non-empty environment override among
// envKeys, falling back to configured and then auto.
func RequestedDevice(configured string, envKeys ...string) string {
	for _, key := range envKeys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return normalizeDevice(v)
		}
	}
	if configured == "" {
		return DeviceAuto
	}
	return normalizeDevice(configured)
}

func normalizeDevice(device string) string {
	switch d := strings.ToLower(strings.TrimSpace(device)); d {
	case "gpu":
		return DeviceCUDA
	case "mps", "metal":
		return DeviceCoreML
	default:
		return d
	}
}

// deviceCandidates lists devices to try in order: accelerators first, CPU last.
func deviceCandidates(device string) []string {
	if device != DeviceAuto && device != "" {
		return []string{device}
	}
	candidates := []string{DeviceCUDA}
	if runtime.GOOS == "darwin" {
		candidates = append(candidates, DeviceCoreML)
	}
	return append(candidates, DeviceCPU)
}

// ValidDevice reports whether device is a known device name.
func ValidDevice(device string) bool {
	switch normalizeDevice(device) {
	case DeviceAuto, DeviceCUDA, DeviceCoreML, DeviceCPU:
		return true
	}
	return false
}
