package rtmp

import (
	"bufio"
	"io"

	"github.com/torresjeff/rtmprelay/config"
	"go.uber.org/atomic"
)

type ByteCounter interface {
	ReadBytes() uint64
}

type ByteReader interface {
	ReadByte() (byte, error)
}

// ReadByteReaderCounter is the interface that groups Reader, ByteReader, and ByteCounter interfaces.
type ReadByteReaderCounter interface {
	io.Reader
	ByteCounter
	ByteReader
}

// Reader counts every byte consumed from the connection. The count drives acknowledgements
// and may be read from another goroutine.
type Reader struct {
	reader *bufio.Reader
	n      atomic.Uint64
}

// NewReader wraps reader. A *bufio.Reader is used as is, anything else is buffered.
func NewReader(reader io.Reader) (*Reader, error) {
	if reader == nil {
		return nil, ErrNilReader
	}
	br, ok := reader.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(reader, config.BuffioSize)
	}
	return &Reader{reader: br}, nil
}

// Read reads exactly len(p) bytes from the underlying bufio.Reader into p.
// The error is EOF only if no bytes were read.
// If an EOF happens after reading some but not all the bytes,
// Read returns ErrUnexpectedEOF.
// On return, n == len(buf) if and only if err == nil.
func (r *Reader) Read(p []byte) (n int, err error) {
	n, err = io.ReadFull(r.reader, p)
	r.n.Add(uint64(n))
	return n, err
}

// ReadByte reads and returns a single byte from the underlying bufio.Reader.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.reader.ReadByte()
	if err == nil {
		r.n.Inc()
	}
	return b, err
}

// ReadBytes returns the number of bytes read so far.
func (r *Reader) ReadBytes() uint64 {
	return r.n.Load()
}
