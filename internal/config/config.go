package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/raaihank/embedkit/internal/embeddings"
)

var (
	mu      sync.Mutex
	current *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, GetDefaults())

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/embedkit/")
	v.AddConfigPath("$HOME/.embedkit/")

	// EMBEDKIT_SERVER_PORT overrides server.port, and so on.
	v.SetEnvPrefix("EMBEDKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	current = v
	mu.Unlock()

	return config, nil
}

func decode(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("%w: %v", embeddings.ErrConfigError, err)
	}
	return config, nil
}

// setDefaults registers every default with viper so environment variables
// can override keys that are absent from the config file.
func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]interface{}{
		"server.host":             d.Server.Host,
		"server.port":             d.Server.Port,
		"server.read_timeout":     d.Server.ReadTimeout,
		"server.write_timeout":    d.Server.WriteTimeout,
		"server.idle_timeout":     d.Server.IdleTimeout,
		"server.shutdown_timeout": d.Server.ShutdownTimeout,
		"server.max_body_bytes":   d.Server.MaxBodyBytes,

		"model.model_name":     d.Model.ModelName,
		"model.model_path":     d.Model.ModelPath,
		"model.tokenizer_path": d.Model.TokenizerPath,
		"model.vocab_path":     d.Model.VocabPath,
		"model.cache_dir":      d.Model.CacheDir,
		"model.hub_url":        d.Model.HubURL,
		"model.auto_download":  d.Model.AutoDownload,
		"model.device":         d.Model.Device,
		"model.lower_case":     d.Model.LowerCase,
		"model.max_length":     d.Model.MaxLength,
		"model.batch_size":     d.Model.BatchSize,
		"model.model_timeout":  d.Model.ModelTimeout,

		"cache.enabled":         d.Cache.Enabled,
		"cache.redis_url":       d.Cache.RedisURL,
		"cache.max_connections": d.Cache.MaxConnections,
		"cache.min_idle_conns":  d.Cache.MinIdleConns,
		"cache.default_ttl":     d.Cache.DefaultTTL,
		"cache.key_prefix":      d.Cache.KeyPrefix,
		"cache.dial_timeout":    d.Cache.DialTimeout,

		"database.database_url":       d.Database.DatabaseURL,
		"database.max_open_conns":     d.Database.MaxOpenConns,
		"database.max_idle_conns":     d.Database.MaxIdleConns,
		"database.conn_max_lifetime":  d.Database.ConnMaxLifetime,
		"database.conn_max_idle_time": d.Database.ConnMaxIdleTime,
		"database.dimension":          d.Database.Dimension,

		"ingest.batch_size":      d.Ingest.BatchSize,
		"ingest.text_column":     d.Ingest.TextColumn,
		"ingest.max_text_length": d.Ingest.MaxTextLength,
		"ingest.create_index":    d.Ingest.CreateIndex,
		"ingest.progress_report": d.Ingest.ProgressReport,

		"logging.level":        d.Logging.Level,
		"logging.format":       d.Logging.Format,
		"logging.file.enabled": d.Logging.File.Enabled,
		"logging.file.path":    d.Logging.File.Path,

		"rate_limit.enabled":             d.RateLimit.Enabled,
		"rate_limit.requests_per_second": d.RateLimit.RequestsPerSecond,
		"rate_limit.burst":               d.RateLimit.Burst,
		"rate_limit.cleanup_interval":    d.RateLimit.CleanupInterval,
		"rate_limit.idle_timeout":        d.RateLimit.IdleTimeout,

		"metrics.enabled":                   d.Metrics.Enabled,
		"metrics.path":                      d.Metrics.Path,
		"metrics.service_name":              d.Metrics.ServiceName,
		"metrics.enable_default_collectors": d.Metrics.EnableDefaultCollectors,

		"websocket.enabled":           d.WebSocket.Enabled,
		"websocket.path":              d.WebSocket.Path,
		"websocket.max_connections":   d.WebSocket.MaxConnections,
		"websocket.read_buffer_size":  d.WebSocket.ReadBufferSize,
		"websocket.write_buffer_size": d.WebSocket.WriteBufferSize,
		"websocket.ping_interval":     d.WebSocket.PingInterval,
		"websocket.pong_timeout":      d.WebSocket.PongTimeout,
		"websocket.write_timeout":     d.WebSocket.WriteTimeout,
		"websocket.max_message_size":  d.WebSocket.MaxMessageSize,
		"websocket.allowed_origins":   d.WebSocket.AllowedOrigins,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Model.ModelName == "" && config.Model.ModelPath == "" {
		return fmt.Errorf("model.model_name or model.model_path is required")
	}

	if config.Model.BatchSize <= 0 {
		return fmt.Errorf("invalid model batch size: %d (must be positive)", config.Model.BatchSize)
	}

	if config.Model.MaxLength < 2 {
		return fmt.Errorf("invalid model max length: %d", config.Model.MaxLength)
	}

	if !embeddings.ValidDevice(config.Model.Device) {
		return fmt.Errorf("invalid device: %s (must be auto, cuda, coreml, or cpu)", config.Model.Device)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerSecond <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive requests_per_second and burst")
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url is required when the cache is enabled")
	}

	return nil
}

// ApplyDeviceOverride replaces the configured device with the first
// non-empty environment variable in envKeys and validates the result.
func ApplyDeviceOverride(config *Config, envKeys ...string) error {
	device := embeddings.RequestedDevice(config.Model.Device, envKeys...)
	if !embeddings.ValidDevice(device) {
		return fmt.Errorf("%w: invalid device override %q (must be auto, cuda, coreml, or cpu)", embeddings.ErrConfigError, device)
	}
	config.Model.Device = device
	return nil
}

// Watch reloads the configuration file on change. Invalid configurations are
// passed to onError and otherwise ignored.
func Watch(callback func(*Config), onError func(error)) error {
	mu.Lock()
	v := current
	mu.Unlock()

	if v == nil {
		return fmt.Errorf("%w: Load must be called before Watch", embeddings.ErrConfigError)
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("%w: no config file to watch", embeddings.ErrConfigError)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		newConfig, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
