package rtmp

import "github.com/torresjeff/rtmprelay/internal/binary24"

type ChunkType uint8

const (
	ChunkType0 ChunkType = iota
	ChunkType1
	ChunkType2
	ChunkType3
)

const (
	chunkType0MessageHeaderLength = 11
	chunkType1MessageHeaderLength = 7
	chunkType2MessageHeaderLength = 3

	extendedTimestampLength = 4
	maxTimestamp            = binary24.MaxUint24
	maxMessageLength        = binary24.MaxUint24
)

const (
	// DefaultChunkSize is the chunk size in effect in both directions until a Set Chunk Size message is exchanged.
	DefaultChunkSize = 128
	MaxChunkSize     = 0x7FFFFFFF

	minChunkStreamID = 2
	maxChunkStreamID = 65599
)

// Chunk stream ids used for outgoing messages.
const (
	ChunkStreamProtocol uint32 = 2
	ChunkStreamCommand  uint32 = 3
	ChunkStreamAudio    uint32 = 4
	ChunkStreamData     uint32 = 5
	ChunkStreamVideo    uint32 = 6
)

// chunkStreamFor returns the chunk stream id used to send a message of type t.
func chunkStreamFor(t MessageType) uint32 {
	switch t {
	case SetChunkSize, AbortMessage, Acknowledgement, UserControlMessage, WindowAcknowledgementSize, SetPeerBandwidth:
		return ChunkStreamProtocol
	case AudioMessage:
		return ChunkStreamAudio
	case VideoMessage:
		return ChunkStreamVideo
	case DataMessageAMF0, DataMessageAMF3:
		return ChunkStreamData
	}
	return ChunkStreamCommand
}

// ChunkHeader is the full header state of a chunk stream: the values carried by the last
// type 0 chunk, updated by the fields present in later type 1, 2 and 3 chunks.
type ChunkHeader struct {
	chunkType     ChunkType
	chunkStreamID uint32
	// timestamp is the absolute 32-bit timestamp of the message.
	timestamp uint32
	// timestampDelta is the value a following type 3 chunk adds when it starts a new message.
	// After a type 0 chunk it holds that chunk's absolute timestamp.
	timestampDelta  uint32
	messageLength   uint32
	messageType     MessageType
	messageStreamID uint32
	// extended is true when the header carried a 4 byte extended timestamp. Type 3 chunks of the
	// same chunk stream then carry it too.
	extended bool
}

func validChunkSize(size uint32) bool {
	return size >= 1 && size <= MaxChunkSize
}
