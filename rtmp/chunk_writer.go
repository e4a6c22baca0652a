package rtmp

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/torresjeff/rtmprelay/internal/binary24"
)

// ChunkWriter splits messages into chunks. The header of every chunk stream is remembered so
// that later messages only carry the fields that changed.
type ChunkWriter struct {
	writer    io.Writer
	chunkSize uint32
	streams   map[uint32]*ChunkHeader
	buf       []byte
}

func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{
		writer:    w,
		chunkSize: DefaultChunkSize,
		streams:   make(map[uint32]*ChunkHeader),
	}
}

// SetChunkSize changes the maximum payload size of the chunks written after the call.
// The caller is responsible for telling the peer with a Set Chunk Size message first.
func (cw *ChunkWriter) SetChunkSize(size uint32) error {
	if !validChunkSize(size) {
		return errors.Wrapf(ErrInvalidChunkSize, "%d", size)
	}
	cw.chunkSize = size
	return nil
}

func (cw *ChunkWriter) ChunkSize() uint32 {
	return cw.chunkSize
}

// Flush flushes the underlying writer if it buffers.
func (cw *ChunkWriter) Flush() error {
	if f, ok := cw.writer.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// WriteMessage writes msg on the given chunk stream.
func (cw *ChunkWriter) WriteMessage(chunkStreamID uint32, msg *Message) error {
	if chunkStreamID < minChunkStreamID || chunkStreamID > maxChunkStreamID {
		return errors.Errorf("rtmp: chunk stream id %d out of range", chunkStreamID)
	}
	length := msg.Length()
	if length > maxMessageLength {
		return errors.Errorf("rtmp: message of %d bytes exceeds the maximum message length", length)
	}

	h := cw.nextHeader(chunkStreamID, msg)

	buf := cw.buf[:0]
	buf = appendBasicHeader(buf, h.chunkType, chunkStreamID)
	switch h.chunkType {
	case ChunkType0:
		buf = binary24.BigEndian.AppendUint24(buf, timestampField(h.timestamp))
		buf = binary24.BigEndian.AppendUint24(buf, length)
		buf = append(buf, byte(h.messageType))
		var sid [4]byte
		binary.LittleEndian.PutUint32(sid[:], h.messageStreamID)
		buf = append(buf, sid[:]...)
	case ChunkType1:
		buf = binary24.BigEndian.AppendUint24(buf, timestampField(h.timestampDelta))
		buf = binary24.BigEndian.AppendUint24(buf, length)
		buf = append(buf, byte(h.messageType))
	}
	var ext [extendedTimestampLength]byte
	if h.extended {
		binary.BigEndian.PutUint32(ext[:], h.timestamp)
		buf = append(buf, ext[:]...)
	}

	payload := msg.Payload
	for first := true; first || len(payload) > 0; first = false {
		if !first {
			// Continuation chunks only carry a type 3 basic header (and the extended timestamp, if any).
			buf = appendBasicHeader(buf, ChunkType3, chunkStreamID)
			if h.extended {
				buf = append(buf, ext[:]...)
			}
		}
		n := uint32(len(payload))
		if n > cw.chunkSize {
			n = cw.chunkSize
		}
		buf = append(buf, payload[:n]...)
		payload = payload[n:]
	}
	cw.buf = buf

	_, err := cw.writer.Write(buf)
	return err
}

// nextHeader picks the chunk type of msg against the cached header of the chunk stream and
// stores the new header state.
//
// Type 0 is used for the first message of a chunk stream, when the message stream changes, when
// time goes backwards and whenever the timestamp needs the extended field. Type 3 is used when
// the message repeats the previous length, type and delta. Anything else uses type 1. Type 2 is
// never produced.
func (cw *ChunkWriter) nextHeader(chunkStreamID uint32, msg *Message) *ChunkHeader {
	length := msg.Length()
	prev, ok := cw.streams[chunkStreamID]
	if !ok {
		prev = &ChunkHeader{}
		cw.streams[chunkStreamID] = prev
	}

	chunkType := ChunkType1
	var delta uint32
	switch {
	case !ok,
		prev.messageStreamID != msg.StreamID,
		msg.Timestamp < prev.timestamp,
		msg.Timestamp >= maxTimestamp,
		prev.extended:
		chunkType = ChunkType0
	default:
		delta = msg.Timestamp - prev.timestamp
		if prev.messageType == msg.Type && prev.messageLength == length && prev.timestampDelta == delta {
			chunkType = ChunkType3
		}
	}

	if chunkType == ChunkType0 {
		// A type 3 chunk following a type 0 chunk adds the absolute timestamp.
		delta = msg.Timestamp
	}
	*prev = ChunkHeader{
		chunkType:       chunkType,
		chunkStreamID:   chunkStreamID,
		timestamp:       msg.Timestamp,
		timestampDelta:  delta,
		messageLength:   length,
		messageType:     msg.Type,
		messageStreamID: msg.StreamID,
		extended:        chunkType == ChunkType0 && msg.Timestamp >= maxTimestamp,
	}
	return prev
}

func timestampField(ts uint32) uint32 {
	if ts >= maxTimestamp {
		return maxTimestamp
	}
	return ts
}

func appendBasicHeader(b []byte, chunkType ChunkType, chunkStreamID uint32) []byte {
	format := byte(chunkType) << 6
	switch {
	case chunkStreamID < 64:
		return append(b, format|byte(chunkStreamID))
	case chunkStreamID < 320:
		return append(b, format, byte(chunkStreamID-64))
	default:
		id := chunkStreamID - 64
		return append(b, format|1, byte(id), byte(id>>8))
	}
}
