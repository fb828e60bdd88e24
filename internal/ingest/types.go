package ingest

import (
	"path/filepath"
	"strings"
	"time"
)

// Record is one input row; only the text is embedded.
type Record struct {
	Text string `parquet:"text" json:"text"`
}

// Result summarizes an ingest run
type Result struct {
	TotalRecords    int64         `json:"total_records"`
	Invalid         int64         `json:"invalid"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	Inserted        int64         `json:"inserted"`
	Duplicates      int64         `json:"duplicates"`
	Batches         int           `json:"batches"`
	IndexCreated    bool          `json:"index_created"`
	Duration        time.Duration `json:"duration"`
	EmbeddingTime   time.Duration `json:"embedding_time"`
	DatabaseTime    time.Duration `json:"database_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains ingest configuration
type Config struct {
	BatchSize      int    `yaml:"batch_size" mapstructure:"batch_size"`           // 256
	TextColumn     string `yaml:"text_column" mapstructure:"text_column"`         // "text"
	MaxTextLength  int    `yaml:"max_text_length" mapstructure:"max_text_length"` // 10000
	CreateIndex    bool   `yaml:"create_index" mapstructure:"create_index"`       // true
	ProgressReport int    `yaml:"progress_report" mapstructure:"progress_report"` // 1000
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL
	default:
		return FormatCSV
	}
}
