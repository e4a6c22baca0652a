package rtmp

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/torresjeff/rtmprelay/internal/binary24"
)

type MessageType uint8

const (
	SetChunkSize MessageType = 1 + iota
	AbortMessage
	Acknowledgement
	UserControlMessage
	WindowAcknowledgementSize
	SetPeerBandwidth

	AudioMessage MessageType = 8
	VideoMessage MessageType = 9

	DataMessageAMF3         MessageType = 15
	SharedObjectMessageAMF3 MessageType = 16
	CommandMessageAMF3      MessageType = 17

	DataMessageAMF0         MessageType = 18
	SharedObjectMessageAMF0 MessageType = 19
	CommandMessageAMF0      MessageType = 20

	AggregateMessage MessageType = 22
)

func (t MessageType) String() string {
	switch t {
	case SetChunkSize:
		return "SetChunkSize"
	case AbortMessage:
		return "Abort"
	case Acknowledgement:
		return "Acknowledgement"
	case UserControlMessage:
		return "UserControl"
	case WindowAcknowledgementSize:
		return "WindowAcknowledgementSize"
	case SetPeerBandwidth:
		return "SetPeerBandwidth"
	case AudioMessage:
		return "Audio"
	case VideoMessage:
		return "Video"
	case DataMessageAMF0, DataMessageAMF3:
		return "Data"
	case SharedObjectMessageAMF0, SharedObjectMessageAMF3:
		return "SharedObject"
	case CommandMessageAMF0, CommandMessageAMF3:
		return "Command"
	case AggregateMessage:
		return "Aggregate"
	}
	return "Unknown"
}

// IsMedia reports whether messages of this type are relayed between publishers and subscribers.
func (t MessageType) IsMedia() bool {
	return t == AudioMessage || t == VideoMessage || t == DataMessageAMF0 || t == DataMessageAMF3
}

// Message is a complete RTMP message, reassembled from one or more chunks.
// Timestamp always holds the full 32-bit value; the chunk codec decides
// whether it travels in the 24-bit field or as an extended timestamp.
// Messages routed through the hub are shared between subscribers and must not be modified.
type Message struct {
	Type      MessageType
	Timestamp uint32
	StreamID  uint32
	Payload   []byte
}

// Length is the message length as carried in the chunk message header.
func (m *Message) Length() uint32 {
	return uint32(len(m.Payload))
}

const (
	aggregateTagHeaderLength = 11
	aggregateBackPointer     = 4
)

// splitAggregate returns the sub-messages of an aggregate message. Each sub-message is an FLV tag
// (type, size, timestamp, stream id, body, back pointer). Timestamps are rebased onto the
// aggregate's own timestamp.
func splitAggregate(msg *Message) ([]*Message, error) {
	var out []*Message
	b := msg.Payload
	var base uint32
	for first := true; len(b) > 0; first = false {
		if len(b) < aggregateTagHeaderLength {
			return nil, errors.Wrap(ErrMalformedChunk, "aggregate: truncated tag header")
		}
		size := binary24.BigEndian.Uint24(b[1:4])
		ts := binary24.BigEndian.Uint24(b[4:7]) | uint32(b[7])<<24
		if uint32(len(b)-aggregateTagHeaderLength) < size {
			return nil, errors.Wrap(ErrMalformedChunk, "aggregate: truncated tag body")
		}
		if first {
			base = ts
		}
		out = append(out, &Message{
			Type:      MessageType(b[0]),
			Timestamp: msg.Timestamp + (ts - base),
			StreamID:  msg.StreamID,
			Payload:   b[aggregateTagHeaderLength : aggregateTagHeaderLength+size],
		})
		b = b[aggregateTagHeaderLength+size:]
		if len(b) < aggregateBackPointer {
			// The final back pointer is sometimes omitted.
			break
		}
		if binary.BigEndian.Uint32(b[:aggregateBackPointer]) != size+aggregateTagHeaderLength {
			return nil, errors.Wrap(ErrMalformedChunk, "aggregate: bad back pointer")
		}
		b = b[aggregateBackPointer:]
	}
	return out, nil
}
