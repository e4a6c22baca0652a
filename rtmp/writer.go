package rtmp

import (
	"bufio"
	"io"

	"github.com/torresjeff/rtmprelay/config"
)

type WriteFlusher interface {
	io.Writer
	Flusher
}

type Flusher interface {
	Flush() error
}

type Writer struct {
	writer *bufio.Writer
}

// NewWriter wraps writer. A *bufio.Writer is used as is, anything else is buffered.
func NewWriter(writer io.Writer) (*Writer, error) {
	if writer == nil {
		return nil, ErrNilWriter
	}
	bw, ok := writer.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriterSize(writer, config.BuffioSize)
	}
	return &Writer{writer: bw}, nil
}

// Write writes the contents of p into the underlying bufio.Writer.
// It returns the number of bytes written.
// If n < len(p), it also returns an error explaining
// why the write is short.
func (w *Writer) Write(p []byte) (n int, err error) {
	return w.writer.Write(p)
}

// Flush writes any buffered data in the underlying bufio.Writer.
func (w *Writer) Flush() error {
	return w.writer.Flush()
}
