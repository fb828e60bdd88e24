package vector

import (
	"time"
)

// Record is a stored text with its embedding
type Record struct {
	ID        int64     `db:"id" json:"id"`
	Text      string    `db:"text" json:"text"`
	TextHash  string    `db:"text_hash" json:"text_hash"`
	Model     string    `db:"model" json:"model"`
	Embedding []float32 `db:"embedding" json:"embedding,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SimilarityResult represents a vector similarity search result
type SimilarityResult struct {
	Record     *Record `json:"record"`
	Similarity float32 `json:"similarity"`
	Distance   float32 `json:"distance"`
}

// SearchOptions contains options for vector similarity search
type SearchOptions struct {
	Limit         int     `json:"limit"`
	MinSimilarity float32 `json:"min_similarity"`
	Model         string  `json:"model,omitempty"`
}

// ModelCount is the number of stored rows for one model.
type ModelCount struct {
	Model string `db:"model" json:"model"`
	Count int64  `db:"count" json:"count"`
}

// Stats represents database statistics
type Stats struct {
	TotalVectors int64        `json:"total_vectors"`
	Models       []ModelCount `json:"models"`
	TableSize    string       `json:"table_size"`
	IndexReady   bool         `json:"index_ready"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted   int64         `json:"inserted"`
	Duplicates int64         `json:"duplicates"`
	Duration   time.Duration `json:"duration"`
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	Dimension       int           `yaml:"dimension" mapstructure:"dimension"`
}
