// Package file reads address records from local files and writes geocoded
// records as JSON lines.
package file

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/couchcryptid/geocode-stream-service/internal/domain"
)

// Input formats understood by Reader.
const (
	FormatLines = "lines" // one address per line
	FormatJSONL = "jsonl" // one JSON value per line
	FormatCSV   = "csv"   // header row, then one record per row
)

const maxLineSize = 1 << 20

var (
	// ErrMalformedInput is returned once the input cannot be read further.
	// It wraps domain.ErrSourceFatal and is returned again by every later
	// Extract.
	ErrMalformedInput = fmt.Errorf("%w: malformed input", domain.ErrSourceFatal)

	// ErrLineTooLong reports a line above the 1 MiB limit.
	ErrLineTooLong = errors.New("line too long")
)

// Reader implements pipeline.Extractor for a line-oriented input file.
// Blank lines are skipped. Offset holds the 1-based line or row number.
//
// A JSON-lines entry that is not valid JSON is returned as its raw text, so
// it still yields exactly one output record.
type Reader struct {
	format string
	lines  *bufio.Reader
	csv    *csv.Reader
	header []string
	line   int64
	err    error // terminal; returned by every later call
	closer io.Closer
}

// NewReader creates a reader over r in the given format.
func NewReader(r io.Reader, format string) (*Reader, error) {
	rd := &Reader{format: format}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}

	switch format {
	case FormatLines, FormatJSONL:
		rd.lines = bufio.NewReaderSize(r, 64*1024)
	case FormatCSV:
		rd.csv = csv.NewReader(r)
		rd.csv.TrimLeadingSpace = true
		rd.csv.FieldsPerRecord = -1
		header, err := rd.csv.Read()
		if errors.Is(err, io.EOF) {
			return rd, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv header: %w", err)
		}
		rd.header = header
		rd.line = 1
	default:
		return nil, fmt.Errorf("unsupported input format %q", format)
	}
	return rd, nil
}

// Open opens path for reading. "-" reads standard input.
func Open(path, format string) (*Reader, error) {
	if path == "-" {
		return NewReader(io.NopCloser(os.Stdin), format)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	r, err := NewReader(f, format)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// Extract returns the next record, or io.EOF once the input is exhausted.
func (r *Reader) Extract(ctx context.Context) (domain.SourceItem, error) {
	if err := ctx.Err(); err != nil {
		return domain.SourceItem{}, err
	}
	if r.err != nil {
		return domain.SourceItem{}, r.err
	}
	value, err := r.next()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.err = fmt.Errorf("%w: line %d: %w", ErrMalformedInput, r.line, err)
			err = r.err
		}
		return domain.SourceItem{}, err
	}
	return domain.SourceItem{Value: value, Offset: r.line}, nil
}

func (r *Reader) next() (any, error) {
	if r.csv != nil {
		return r.nextRow()
	}
	for {
		raw, err := r.readLine()
		if err != nil {
			return nil, err
		}
		r.line++
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if r.format == FormatLines {
			return line, nil
		}
		var v any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return line, nil
		}
		return v, nil
	}
}

// readLine returns the next line including its terminator, or io.EOF when
// no input is left.
func (r *Reader) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := r.lines.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineSize {
			r.line++
			return "", ErrLineTooLong
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 {
				return "", io.EOF
			}
			return string(buf), nil
		case err != nil:
			return "", err
		}
		return string(buf), nil
	}
}

func (r *Reader) nextRow() (any, error) {
	if r.header == nil {
		return nil, io.EOF
	}
	for {
		row, err := r.csv.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.line++
			}
			return nil, err
		}
		r.line++
		if isBlankRow(row) {
			continue
		}
		rec := make(map[string]any, len(r.header))
		for i, name := range r.header {
			if i < len(row) {
				rec[name] = row[i]
			}
		}
		return rec, nil
	}
}

// Close closes the underlying input.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Count returns the number of records Extract would produce for the file at
// path, so a run can report progress against a known total.
func Count(ctx context.Context, path, format string) (int64, error) {
	r, err := Open(path, format)
	if err != nil {
		return 0, err
	}
	defer r.Close() //nolint:errcheck

	var n int64
	for {
		if _, err := r.Extract(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		n++
	}
}

func isBlankRow(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
