package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/couchcryptid/geocode-stream-service/internal/domain"
)

// Writer implements pipeline.Loader, writing one JSON record per line.
// Output is buffered until Flush or Close.
type Writer struct {
	buf    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewWriter creates a JSON-lines writer over w. Close closes w if it is an
// io.Closer.
func NewWriter(w io.Writer) *Writer {
	out := newWriter(w)
	if c, ok := w.(io.Closer); ok {
		out.closer = c
	}
	return out
}

// Create creates or truncates path for writing. "-" writes standard output,
// which Close leaves open.
func Create(path string) (*Writer, error) {
	if path == "-" {
		return newWriter(os.Stdout), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	return NewWriter(f), nil
}

func newWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Writer{buf: buf, enc: enc}
}

// Load appends rec to the output.
func (w *Writer) Load(_ context.Context, rec domain.Record) error {
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("write record %d: %w", rec.Current, err)
	}
	return nil
}

// Flush writes any buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return w.buf.Flush()
}

// Close flushes and closes the output.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
