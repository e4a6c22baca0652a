package rtmp

import "github.com/pkg/errors"

var (
	ErrNilWriter = errors.New("expected a non-nil writer")
	ErrNilReader = errors.New("expected a non-nil reader")

	// ErrHandshakeFailed is returned when the peer sends an unsupported version or a C2/S2 that does not echo our random block.
	ErrHandshakeFailed = errors.New("rtmp: handshake failed")
	// ErrMalformedChunk is returned when a chunk header cannot be interpreted against the chunk stream state.
	ErrMalformedChunk   = errors.New("rtmp: malformed chunk")
	ErrInvalidChunkSize = errors.New("rtmp: invalid chunk size")

	// ErrChannelConflict is returned when publishing to a stream key that already has a publisher.
	ErrChannelConflict = errors.New("rtmp: stream is already being published")
	// ErrBackpressureExceeded closes a subscriber whose event queue is full.
	ErrBackpressureExceeded = errors.New("rtmp: subscriber queue is full")
	ErrHubClosed            = errors.New("rtmp: hub closed")

	ErrCommandTimeout     = errors.New("rtmp: timed out waiting for command")
	ErrUnexpectedResponse = errors.New("rtmp: unexpected response")

	ErrNextMessageWithoutHandshake = errors.New("NextMessage() was called before completing handshake")
)
