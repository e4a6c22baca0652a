package rtmp

import (
	"encoding/binary"
	"io"
	"slices"

	"github.com/pkg/errors"
	"github.com/torresjeff/rtmprelay/internal/binary24"
)

const (
	// Timestamp is in indices [0, 3) (half-open range)
	timestampIndexStart = 0
	timestampLength     = 3

	messageLengthIndexStart = 3
	messageLengthLength     = 3

	messageTypeIDIndexStart = 6

	messageStreamIDIndexStart = 7
	messageStreamIDLength     = 4

	// maxPendingBytes bounds the incomplete messages of one connection: two messages of the
	// largest length the header can declare.
	maxPendingBytes = 2 * maxMessageLength
)

// chunkStreamState is the reassembly state of one chunk stream id.
type chunkStreamState struct {
	header  ChunkHeader
	payload []byte
	// bytesLeft is the number of payload bytes still missing from the message being assembled.
	bytesLeft uint32
}

// ChunkReader turns a sequence of chunks into complete messages. Chunks of different chunk
// streams may be interleaved; each chunk stream is reassembled independently.
type ChunkReader struct {
	reader    ReadByteReaderCounter
	chunkSize uint32
	// streams maps the chunk stream ID to the state of the last chunk received on it.
	streams map[uint32]*chunkStreamState
	header  [chunkType0MessageHeaderLength]byte
	// pending is the number of payload bytes held by incomplete messages, bounded by maxPending.
	pending    uint64
	maxPending uint64
}

// NewChunkReader reads chunks from r. If r does not count bytes it is wrapped in a Reader.
func NewChunkReader(r io.Reader) *ChunkReader {
	rc, ok := r.(ReadByteReaderCounter)
	if !ok {
		rc, _ = NewReader(r)
	}
	return &ChunkReader{
		reader:    rc,
		chunkSize:  DefaultChunkSize,
		streams:    make(map[uint32]*chunkStreamState),
		maxPending: maxPendingBytes,
	}
}

// SetChunkSize changes the maximum payload size of the chunks parsed after the call.
func (cr *ChunkReader) SetChunkSize(size uint32) error {
	if !validChunkSize(size) {
		return errors.Wrapf(ErrInvalidChunkSize, "%d", size)
	}
	cr.chunkSize = size
	return nil
}

func (cr *ChunkReader) ChunkSize() uint32 {
	return cr.chunkSize
}

// Abort discards the partially received message of a chunk stream.
func (cr *ChunkReader) Abort(chunkStreamID uint32) {
	if cs, ok := cr.streams[chunkStreamID]; ok {
		cr.pending -= uint64(len(cs.payload))
		cs.payload = nil
		cs.bytesLeft = 0
	}
}

// BytesRead returns the total number of bytes consumed from the underlying reader.
func (cr *ChunkReader) BytesRead() uint64 {
	return cr.reader.ReadBytes()
}

// ReadMessage reads chunks until a message is complete and returns it. Messages are returned
// in the order their last chunk arrived.
func (cr *ChunkReader) ReadMessage() (*Message, error) {
	for {
		msg, err := cr.readChunk()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

// readChunk reads a single chunk. It returns a message if the chunk completed one.
func (cr *ChunkReader) readChunk() (*Message, error) {
	basicHeader, err := cr.reader.ReadByte()
	if err != nil {
		return nil, err
	}

	chunkType := ChunkType(basicHeader >> 6)
	chunkStreamID, err := cr.readChunkStreamID(basicHeader)
	if err != nil {
		return nil, err
	}

	cs, exists := cr.streams[chunkStreamID]
	if chunkType != ChunkType0 && !exists {
		return nil, errors.Wrapf(ErrMalformedChunk, "chunk type %d on unknown chunk stream %d", chunkType, chunkStreamID)
	}
	if !exists {
		cs = &chunkStreamState{}
		cr.streams[chunkStreamID] = cs
	}
	if chunkType != ChunkType3 && cs.bytesLeft > 0 {
		return nil, errors.Wrapf(ErrMalformedChunk, "chunk type %d interrupts a message on chunk stream %d", chunkType, chunkStreamID)
	}

	if err := cr.readMessageHeader(chunkType, chunkStreamID, cs); err != nil {
		return nil, err
	}

	if cs.bytesLeft == 0 {
		// First chunk of a new message. The declared length is not trusted for allocation:
		// the payload grows as chunks arrive.
		cs.bytesLeft = cs.header.messageLength
		cs.payload = make([]byte, 0, min(cs.header.messageLength, cr.chunkSize))
	}

	n := min(cs.bytesLeft, cr.chunkSize)
	if cr.pending+uint64(n) > cr.maxPending {
		return nil, errors.Wrapf(ErrMalformedChunk, "more than %d bytes of incomplete messages", cr.maxPending)
	}
	start := len(cs.payload)
	cs.payload = slices.Grow(cs.payload, int(n))[:start+int(n)]
	if _, err := cr.reader.Read(cs.payload[start:]); err != nil {
		return nil, err
	}
	cs.bytesLeft -= n
	if cs.bytesLeft > 0 {
		cr.pending += uint64(n)
		return nil, nil
	}

	cr.pending -= uint64(start)
	msg := &Message{
		Type:      cs.header.messageType,
		Timestamp: cs.header.timestamp,
		StreamID:  cs.header.messageStreamID,
		Payload:   cs.payload,
	}
	cs.payload = nil
	return msg, nil
}

func (cr *ChunkReader) readChunkStreamID(basicHeader uint8) (uint32, error) {
	chunkStreamID := uint32(basicHeader & 0x3F)
	// Value 0 indicates the 2 byte form and an ID in the range of 64-319 (the second byte + 64).
	// Value 1 indicates the 3 byte form and an ID in the range of 64-65599 ((the third byte)*256 + the second byte + 64).
	switch chunkStreamID {
	case 0:
		csID, err := cr.reader.ReadByte()
		if err != nil {
			return 0, err
		}
		return uint32(csID) + 64, nil
	case 1:
		var csIDBytes [2]byte
		if _, err := cr.reader.Read(csIDBytes[:]); err != nil {
			return 0, err
		}
		return uint32(binary.LittleEndian.Uint16(csIDBytes[:])) + 64, nil
	}
	return chunkStreamID, nil
}

func (cr *ChunkReader) readExtendedTimestamp() (uint32, error) {
	var b [extendedTimestampLength]byte
	if _, err := cr.reader.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// readMessageHeader reads the message header of a chunk and updates the chunk stream header state.
func (cr *ChunkReader) readMessageHeader(chunkType ChunkType, chunkStreamID uint32, cs *chunkStreamState) error {
	prev := cs.header
	h := &cs.header
	h.chunkType = chunkType
	h.chunkStreamID = chunkStreamID

	switch chunkType {
	case ChunkType0:
		messageHeader := cr.header[:chunkType0MessageHeaderLength]
		if _, err := cr.reader.Read(messageHeader); err != nil {
			return err
		}
		timestamp := binary24.BigEndian.Uint24(messageHeader[timestampIndexStart:timestampLength])
		h.messageLength = binary24.BigEndian.Uint24(messageHeader[messageLengthIndexStart : messageLengthIndexStart+messageLengthLength])
		h.messageType = MessageType(messageHeader[messageTypeIDIndexStart])
		// The message stream id is the only little endian field of the protocol.
		h.messageStreamID = binary.LittleEndian.Uint32(messageHeader[messageStreamIDIndexStart : messageStreamIDIndexStart+messageStreamIDLength])
		h.extended = timestamp == maxTimestamp
		if h.extended {
			ext, err := cr.readExtendedTimestamp()
			if err != nil {
				return err
			}
			timestamp = ext
		}
		h.timestamp = timestamp
		h.timestampDelta = timestamp
	case ChunkType1, ChunkType2:
		length := chunkType2MessageHeaderLength
		if chunkType == ChunkType1 {
			length = chunkType1MessageHeaderLength
		}
		messageHeader := cr.header[:length]
		if _, err := cr.reader.Read(messageHeader); err != nil {
			return err
		}
		delta := binary24.BigEndian.Uint24(messageHeader[timestampIndexStart:timestampLength])
		if chunkType == ChunkType1 {
			h.messageLength = binary24.BigEndian.Uint24(messageHeader[messageLengthIndexStart : messageLengthIndexStart+messageLengthLength])
			h.messageType = MessageType(messageHeader[messageTypeIDIndexStart])
		}
		h.extended = delta == maxTimestamp
		if h.extended {
			ext, err := cr.readExtendedTimestamp()
			if err != nil {
				return err
			}
			delta = ext
		}
		h.timestamp = prev.timestamp + delta
		h.timestampDelta = delta
	case ChunkType3:
		if prev.extended {
			// The field repeats the value of the header this chunk inherits from.
			if _, err := cr.readExtendedTimestamp(); err != nil {
				return err
			}
		}
		// A type 3 chunk is either the continuation of a message, which keeps the header as is,
		// or the beginning of a new message whose timestamp advances by the previous delta.
		if cs.bytesLeft == 0 {
			h.timestamp = prev.timestamp + prev.timestampDelta
		}
	}
	return nil
}
