package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the maximum number of rows per row group
	RowGroupSize int64

	// PageSize is the target page buffer size in bytes
	PageSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// String returns the config name of the compression type.
func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
		PageSize:     1024 * 1024, // 1MB
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "gzip":
		return CompressionGzip, nil
	case "none", "":
		return CompressionNone, nil
	default:
		return CompressionNone, errors.NewInvalidValue("compression", s, "must be none, snappy, zstd, lz4 or gzip")
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// RowRecord is a statistics row in Parquet format.
type RowRecord struct {
	Name      string  `parquet:"bucket_name,dict,zstd"`
	Type      string  `parquet:"bucket_type,dict"`
	Time      float64 `parquet:"bucket_time"`
	Size      float64 `parquet:"bucket_size"`
	Value     float64 `parquet:"bucket_value"`
	Lifetime  int32   `parquet:"bucket_lifetime"`
	UpdatedAt int64   `parquet:"updated_at"`
}

// ToRecord converts a Row to a RowRecord.
func ToRecord(r *types.Row) RowRecord {
	return RowRecord{
		Name:      r.Name,
		Type:      r.Type,
		Time:      r.Time,
		Size:      r.Size,
		Value:     r.Value,
		Lifetime:  int32(r.Lifetime),
		UpdatedAt: r.UpdatedAt,
	}
}

// FromRecord converts a RowRecord to a Row.
func FromRecord(r *RowRecord) types.Row {
	return types.Row{
		Name:      r.Name,
		Type:      r.Type,
		Time:      r.Time,
		Size:      r.Size,
		Value:     r.Value,
		Lifetime:  int(r.Lifetime),
		UpdatedAt: r.UpdatedAt,
	}
}

// RowWriter writes statistics rows to a Parquet file.
type RowWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[RowRecord]
	rowCount int64
	closed   bool
}

// NewRowWriter creates the file at path, and its directory if needed.
func NewRowWriter(path string, opts Options) (*RowWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(opts.RowGroupSize))
	}
	if opts.PageSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageSize))
	}

	return &RowWriter{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[RowRecord](f, writerOpts...),
	}, nil
}

// Write appends rows to the file.
func (w *RowWriter) Write(rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrWriterClosed
	}

	records := make([]RowRecord, len(rows))
	for i := range rows {
		records[i] = ToRecord(&rows[i])
	}

	n, err := w.writer.Write(records)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes and closes the file.
func (w *RowWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *RowWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *RowWriter) Path() string {
	return w.path
}
