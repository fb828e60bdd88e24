package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/segmentio/parquet-go"
)

// RecordReader yields records in chunks. ReadBatch returns an empty slice
// and io.EOF once the input is exhausted.
type RecordReader interface {
	ReadBatch(n int) ([]Record, error)
}

type csvReader struct {
	r      *csv.Reader
	column int
}

// NewCSVReader reads the named column of a CSV stream with a header row.
func NewCSVReader(r io.Reader, textColumn string) (RecordReader, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")), textColumn) {
			return &csvReader{r: reader, column: i}, nil
		}
	}
	return nil, fmt.Errorf("CSV header has no %q column: %v", textColumn, header)
}

func (c *csvReader) ReadBatch(n int) ([]Record, error) {
	batch := make([]Record, 0, n)
	for len(batch) < n {
		row, err := c.r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return batch, fmt.Errorf("failed to read CSV record: %w", err)
		}
		if c.column >= len(row) {
			batch = append(batch, Record{})
			continue
		}
		batch = append(batch, Record{Text: row[c.column]})
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

type jsonlReader struct {
	dec    *json.Decoder
	column string
}

// NewJSONLReader reads one JSON object per line, taking the named string field.
func NewJSONLReader(r io.Reader, textColumn string) RecordReader {
	return &jsonlReader{dec: json.NewDecoder(r), column: textColumn}
}

func (j *jsonlReader) ReadBatch(n int) ([]Record, error) {
	batch := make([]Record, 0, n)
	for len(batch) < n {
		var obj map[string]interface{}
		err := j.dec.Decode(&obj)
		if err == io.EOF {
			break
		}
		if err != nil {
			return batch, fmt.Errorf("failed to read JSON record: %w", err)
		}
		text, _ := obj[j.column].(string)
		batch = append(batch, Record{Text: text})
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

type parquetReader struct {
	groups []parquet.RowGroup
	rows   parquet.Rows
	column int
	buf    []parquet.Row
}

// NewParquetReader reads the named top-level string column of a Parquet file.
func NewParquetReader(r io.ReaderAt, size int64, textColumn string) (RecordReader, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}

	schema := file.Schema()
	var names []string
	for _, field := range schema.Fields() {
		names = append(names, field.Name())
		if !strings.EqualFold(field.Name(), textColumn) {
			continue
		}
		leaf, ok := schema.Lookup(field.Name())
		if !ok {
			return nil, fmt.Errorf("Parquet column %q is not a leaf column", field.Name())
		}
		return &parquetReader{groups: file.RowGroups(), column: leaf.ColumnIndex}, nil
	}
	return nil, fmt.Errorf("Parquet schema has no %q column: %v", textColumn, names)
}

func (p *parquetReader) ReadBatch(n int) ([]Record, error) {
	batch := make([]Record, 0, n)
	for len(batch) < n {
		if p.rows == nil {
			if len(p.groups) == 0 {
				break
			}
			p.rows = p.groups[0].Rows()
			p.groups = p.groups[1:]
		}

		want := n - len(batch)
		if len(p.buf) < want {
			p.buf = make([]parquet.Row, want)
		}
		read, err := p.rows.ReadRows(p.buf[:want])
		for _, row := range p.buf[:read] {
			batch = append(batch, Record{Text: columnText(row, p.column)})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return batch, fmt.Errorf("failed to read Parquet records: %w", err)
			}
			p.rows.Close()
			p.rows = nil
		}
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// columnText returns the row's value for column, or "" when it is null.
func columnText(row parquet.Row, column int) string {
	for _, v := range row {
		if v.Column() != column {
			continue
		}
		if v.IsNull() {
			return ""
		}
		if v.Kind() == parquet.ByteArray {
			return string(v.ByteArray())
		}
		return v.String()
	}
	return ""
}

func (p *parquetReader) Close() error {
	if p.rows != nil {
		err := p.rows.Close()
		p.rows = nil
		return err
	}
	return nil
}
