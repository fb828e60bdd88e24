package embeddings

import (
	"time"
)

// Defaults for bge-base-en-v1.5.
const (
	DefaultModelName = "BAAI/bge-base-en-v1.5"
	DefaultBatchSize = 32
	DefaultMaxLength = 512
)

// ModelConfig contains embedding model configuration
type ModelConfig struct {
	ModelName     string        `yaml:"model_name" mapstructure:"model_name"`         // "BAAI/bge-base-en-v1.5"
	ModelPath     string        `yaml:"model_path" mapstructure:"model_path"`         // "./models/model.onnx"
	TokenizerPath string        `yaml:"tokenizer_path" mapstructure:"tokenizer_path"` // "./models/tokenizer.json"
	VocabPath     string        `yaml:"vocab_path" mapstructure:"vocab_path"`         // "./models/vocab.txt"
	CacheDir      string        `yaml:"cache_dir" mapstructure:"cache_dir"`           // "./models"
	HubURL        string        `yaml:"hub_url" mapstructure:"hub_url"`               // "https://huggingface.co"
	AutoDownload  bool          `yaml:"auto_download" mapstructure:"auto_download"`   // true
	Device        string        `yaml:"device" mapstructure:"device"`                 // auto, cuda, coreml, cpu
	LowerCase     bool          `yaml:"lower_case" mapstructure:"lower_case"`         // true
	MaxLength     int           `yaml:"max_length" mapstructure:"max_length"`         // 512
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`         // 32
	ModelTimeout  time.Duration `yaml:"model_timeout" mapstructure:"model_timeout"`   // 60s
}

// TokenizedBatch holds one padded sub-batch, flattened row-major as batch x seqLen.
type TokenizedBatch struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
	BatchSize     int
	SeqLen        int
	Truncated     []bool
}

// HiddenStates is the last layer output, flattened row-major as batch x seqLen x hidden.
type HiddenStates struct {
	Data      []float32
	BatchSize int
	SeqLen    int
	Hidden    int
}

// ModelStats represents model performance statistics
type ModelStats struct {
	TotalInferences   int64         `json:"total_inferences"`
	TotalTexts        int64         `json:"total_texts"`
	TotalTokens       int64         `json:"total_tokens"`
	SuccessfulRuns    int64         `json:"successful_runs"`
	FailedRuns        int64         `json:"failed_runs"`
	CacheHits         int64         `json:"cache_hits"`
	CacheMisses       int64         `json:"cache_misses"`
	AvgInferenceTime  time.Duration `json:"avg_inference_time"`
	AvgTokensPerText  float64       `json:"avg_tokens_per_text"`
	ModelLoadTime     time.Duration `json:"model_load_time"`
	LastInferenceTime time.Time     `json:"last_inference_time"`
	CacheHitRatio     float64       `json:"cache_hit_ratio"`
	ErrorRate         float64       `json:"error_rate"`
	StartTime         time.Time     `json:"start_time"`
}

// EmbeddingError is a typed failure surfaced to callers and transports.
type EmbeddingError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *EmbeddingError) Error() string {
	return e.Message
}

// Common error types
var (
	ErrInvalidInput        = &EmbeddingError{Type: "invalid_input", Message: "invalid input", Code: 1001}
	ErrModelNotLoaded      = &EmbeddingError{Type: "model_not_loaded", Message: "model not loaded", Code: 1002}
	ErrInferenceFailed     = &EmbeddingError{Type: "inference_failed", Message: "inference failed", Code: 1003}
	ErrCacheError          = &EmbeddingError{Type: "cache_error", Message: "cache operation failed", Code: 1004}
	ErrConfigError         = &EmbeddingError{Type: "config_error", Message: "configuration error", Code: 1005}
	ErrTimeoutError        = &EmbeddingError{Type: "timeout_error", Message: "operation timed out", Code: 1007}
	ErrTokenizationFailed  = &EmbeddingError{Type: "tokenization_failed", Message: "tokenization failed", Code: 1008}
	ErrModelDownloadFailed = &EmbeddingError{Type: "model_download_failed", Message: "model download failed", Code: 1009}
)
