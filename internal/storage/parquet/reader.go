package parquet

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/statline/internal/storage/types"
)

// RowReader reads statistics rows from a Parquet file.
type RowReader struct {
	file   *os.File
	reader *parquet.GenericReader[RowRecord]
	path   string
}

// NewRowReader opens the file at path.
func NewRowReader(path string) (*RowReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &RowReader{
		file:   f,
		reader: parquet.NewGenericReader[RowRecord](f, parquet.ReadBufferSize(1024*1024)),
		path:   path,
	}, nil
}

// Read reads up to n rows. It returns io.EOF once the file is exhausted.
func (r *RowReader) Read(n int) ([]types.Row, error) {
	records := make([]RowRecord, n)
	count, err := r.reader.Read(records)
	if err != nil && !(err == io.EOF && count > 0) {
		return nil, err
	}

	rows := make([]types.Row, count)
	for i := 0; i < count; i++ {
		rows[i] = FromRecord(&records[i])
	}

	return rows, nil
}

// ReadAll reads every remaining row.
func (r *RowReader) ReadAll() ([]types.Row, error) {
	records := make([]RowRecord, r.reader.NumRows())

	n, err := r.reader.Read(records)
	if err != nil && err != io.EOF {
		return nil, err
	}

	rows := make([]types.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = FromRecord(&records[i])
	}

	return rows, nil
}

// NumRows returns the total number of rows in the file.
func (r *RowReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *RowReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *RowReader) Path() string {
	return r.path
}

// FileInfo holds information about a snapshot file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// GetFileInfo returns information about a snapshot file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	r, err := NewRowReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: r.NumRows(),
	}, nil
}
