package embeddings

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHubURL    = "https://huggingface.co"
	hubModelFile     = "onnx/model.onnx"
	hubTokenizerFile = "tokenizer.json"
	hubVocabFile     = "vocab.txt"
	downloadTimeout  = 30 * time.Minute
)

// ResolvePaths returns the model and vocab paths for cfg, deriving them from
// the cache directory when not set explicitly.
func ResolvePaths(cfg ModelConfig) (modelPath, vocabPath string) {
	dir := modelDir(cfg)
	modelPath = cfg.ModelPath
	if modelPath == "" {
		modelPath = filepath.Join(dir, "model.onnx")
	}
	vocabPath = cfg.VocabPath
	if vocabPath == "" {
		vocabPath = filepath.Join(dir, "vocab.txt")
	}
	return modelPath, vocabPath
}

// ResolveTokenizerPath returns the tokenizer.json path for cfg.
func ResolveTokenizerPath(cfg ModelConfig) string {
	if cfg.TokenizerPath != "" {
		return cfg.TokenizerPath
	}
	return filepath.Join(modelDir(cfg), "tokenizer.json")
}

func modelDir(cfg ModelConfig) string {
	return filepath.Join(cfg.CacheDir, strings.ReplaceAll(cfg.ModelName, "/", "--"))
}

// LoadHandle prepares the tokenizer and backend described by cfg, downloading
// missing files when AutoDownload is set. The returned duration is the total
// load time.
func LoadHandle(ctx context.Context, cfg ModelConfig, logger *zap.Logger) (*Handle, time.Duration, error) {
	start := time.Now()
	modelPath, vocabPath := ResolvePaths(cfg)

	logger.Info("Loading model",
		zap.String("model", cfg.ModelName),
		zap.String("model_path", modelPath),
		zap.String("tokenizer_path", ResolveTokenizerPath(cfg)),
		zap.String("vocab_path", vocabPath),
		zap.String("device", cfg.Device))

	if err := ensureFile(ctx, cfg, modelPath, hubModelFile, logger); err != nil {
		return nil, 0, err
	}

	tokenizer, tokenizerPath, err := loadTokenizer(ctx, cfg, vocabPath, logger)
	if err != nil {
		return nil, 0, err
	}

	backend, device, err := NewTransformerBackend(logger, modelPath, cfg.Device)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrModelNotLoaded, err)
	}

	handle := &Handle{
		Tokenizer: tokenizer,
		Model:     backend,
		Device:    device,
		ModelName: cfg.ModelName,
	}
	elapsed := time.Since(start)

	logger.Info("Model loaded successfully",
		zap.String("model", cfg.ModelName),
		zap.String("device", device),
		zap.String("tokenizer", tokenizerPath),
		zap.Int("hidden_size", backend.HiddenSize()),
		zap.Duration("load_time", elapsed))

	return handle, elapsed, nil
}

// loadTokenizer prefers tokenizer.json and falls back to a WordPiece vocab.txt.
// An explicit vocab_path without tokenizer_path selects vocab.txt directly.
func loadTokenizer(ctx context.Context, cfg ModelConfig, vocabPath string, logger *zap.Logger) (Tokenizer, string, error) {
	if cfg.TokenizerPath != "" || cfg.VocabPath == "" {
		path := ResolveTokenizerPath(cfg)
		err := ensureFile(ctx, cfg, path, hubTokenizerFile, logger)
		if err == nil {
			tok, err := LoadHFTokenizer(path)
			if err != nil {
				return nil, "", fmt.Errorf("%w: tokenizer: %v", ErrModelNotLoaded, err)
			}
			return tok, path, nil
		}
		if cfg.TokenizerPath != "" {
			return nil, "", err
		}
		logger.Info("Tokenizer JSON unavailable, falling back to vocab.txt", zap.Error(err))
	}

	if err := ensureFile(ctx, cfg, vocabPath, hubVocabFile, logger); err != nil {
		return nil, "", err
	}
	tok, err := LoadWordPieceTokenizer(vocabPath, cfg.LowerCase)
	if err != nil {
		return nil, "", fmt.Errorf("%w: tokenizer: %v", ErrModelNotLoaded, err)
	}
	return tok, vocabPath, nil
}

// ensureFile downloads remote from the hub into path when path is missing
// and AutoDownload is set.
func ensureFile(ctx context.Context, cfg ModelConfig, path, remote string, logger *zap.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrModelNotLoaded, err)
	}
	if !cfg.AutoDownload {
		return fmt.Errorf("%w: %s not found and auto-download disabled", ErrModelNotLoaded, path)
	}
	url := HubFileURL(cfg.HubURL, cfg.ModelName, remote)
	logger.Info("Model file not found, downloading...", zap.String("path", path), zap.String("url", url))
	return downloadFile(ctx, url, path)
}

// HubFileURL builds the download URL for a file of a hub-hosted model.
func HubFileURL(hubURL, modelName, file string) string {
	if hubURL == "" {
		hubURL = defaultHubURL
	}
	return fmt.Sprintf("%s/%s/resolve/main/%s", strings.TrimRight(hubURL, "/"), modelName, file)
}

// downloadFile fetches url into dest through a temporary file so a failed
// transfer never leaves a truncated model behind.
func downloadFile(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("%w: failed to create model directory: %v", ErrModelDownloadFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelDownloadFailed, err)
	}
	if token := os.Getenv("HF_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s returned %d", ErrModelDownloadFailed, url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelDownloadFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrModelDownloadFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrModelDownloadFailed, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("%w: %v", ErrModelDownloadFailed, err)
	}
	return nil
}
