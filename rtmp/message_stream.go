package rtmp

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Stage uint8

const (
	waitingForHandshake Stage = iota
	handshakeCompleted
)

// MessageStream is the message layer of a connection. It runs the handshake, reassembles
// messages and applies protocol control messages (chunk size, abort, acknowledgement window,
// peer bandwidth, pings) before handing the remaining messages to the caller.
//
// NextMessage must be called from a single goroutine. Writes may come from any goroutine.
type MessageStream struct {
	logger      *zap.Logger
	handshaker  Handshaker
	reader      *Reader
	writer      WriteFlusher
	chunkReader *ChunkReader

	writeMu     sync.Mutex
	chunkWriter *ChunkWriter

	// windowAckSize is the acknowledgement window announced by the peer. 0 disables acknowledgements.
	windowAckSize uint32
	lastAck       uint64
	// localWindowAckSize is sent back when the peer sets our bandwidth.
	localWindowAckSize uint32

	// stage represents the current state of the message stream. Initially set to waitingForHandshake.
	stage Stage
}

func NewMessageStream(logger *zap.Logger, reader *Reader, writer WriteFlusher, handshaker Handshaker) *MessageStream {
	return &MessageStream{
		logger:      logger,
		handshaker:  handshaker,
		reader:      reader,
		writer:      writer,
		chunkReader: NewChunkReader(reader),
		chunkWriter: NewChunkWriter(writer),
		stage:       waitingForHandshake,
	}
}

// Initialize performs the handshake and changes the internal state of the MessageStream to handshakeCompleted
func (ms *MessageStream) Initialize() error {
	if err := ms.handshaker.Handshake(ms.reader, ms.writer); err != nil {
		return err
	}
	ms.stage = handshakeCompleted
	return nil
}

// NextMessage returns the next message that is not a protocol control message.
func (ms *MessageStream) NextMessage() (*Message, error) {
	if ms.stage == waitingForHandshake {
		return nil, ErrNextMessageWithoutHandshake
	}

	for {
		msg, err := ms.chunkReader.ReadMessage()
		if err != nil {
			return nil, err
		}
		if err := ms.acknowledge(); err != nil {
			return nil, err
		}

		handled, err := ms.handleProtocolMessage(msg)
		if err != nil {
			return nil, err
		}
		if !handled {
			return msg, nil
		}
	}
}

func (ms *MessageStream) handleProtocolMessage(msg *Message) (bool, error) {
	switch msg.Type {
	case SetChunkSize:
		size, err := uint32Payload(msg)
		if err != nil {
			return true, err
		}
		// The most significant bit must be zero.
		size &= 0x7FFFFFFF
		ms.logger.Debug("peer set chunk size", zap.Uint32("size", size))
		return true, ms.chunkReader.SetChunkSize(size)
	case AbortMessage:
		csID, err := uint32Payload(msg)
		if err != nil {
			return true, err
		}
		ms.chunkReader.Abort(csID)
		return true, nil
	case Acknowledgement:
		return true, nil
	case WindowAcknowledgementSize:
		size, err := uint32Payload(msg)
		if err != nil {
			return true, err
		}
		ms.windowAckSize = size
		ms.lastAck = ms.reader.ReadBytes()
		return true, nil
	case SetPeerBandwidth:
		if len(msg.Payload) < 5 {
			return true, errors.Wrap(ErrMalformedChunk, "set peer bandwidth payload")
		}
		if ms.localWindowAckSize == 0 {
			return true, nil
		}
		return true, ms.WriteMessage(ChunkStreamProtocol, newWindowAckSizeMessage(ms.localWindowAckSize))
	case UserControlMessage:
		if len(msg.Payload) < 6 {
			return true, errors.Wrap(ErrMalformedChunk, "user control payload")
		}
		if binary.BigEndian.Uint16(msg.Payload) == PingRequest {
			timestamp := binary.BigEndian.Uint32(msg.Payload[2:6])
			return true, ms.WriteMessage(ChunkStreamProtocol, newUserControlMessage(PingResponse, timestamp))
		}
		// Stream Begin/EOF and the rest are informational.
		return true, nil
	}
	return false, nil
}

// acknowledge sends an Acknowledgement once a full window of bytes has been received since the last one.
func (ms *MessageStream) acknowledge() error {
	if ms.windowAckSize == 0 {
		return nil
	}
	read := ms.reader.ReadBytes()
	if read-ms.lastAck < uint64(ms.windowAckSize) {
		return nil
	}
	ms.lastAck = read
	// The sequence number wraps at 32 bits.
	return ms.WriteMessage(ChunkStreamProtocol, newAckMessage(uint32(read)))
}

// WriteMessage encodes msg on the given chunk stream and flushes it to the connection.
func (ms *MessageStream) WriteMessage(chunkStreamID uint32, msg *Message) error {
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()
	if err := ms.chunkWriter.WriteMessage(chunkStreamID, msg); err != nil {
		return err
	}
	return ms.writer.Flush()
}

// SetWriteChunkSize tells the peer about the new chunk size and applies it to the following messages.
func (ms *MessageStream) SetWriteChunkSize(size uint32) error {
	if !validChunkSize(size) {
		return errors.Wrapf(ErrInvalidChunkSize, "%d", size)
	}
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()
	if err := ms.chunkWriter.WriteMessage(ChunkStreamProtocol, newSetChunkSizeMessage(size)); err != nil {
		return err
	}
	if err := ms.writer.Flush(); err != nil {
		return err
	}
	return ms.chunkWriter.SetChunkSize(size)
}

// SetLocalWindowAckSize sets the window announced when the peer sends Set Peer Bandwidth.
func (ms *MessageStream) SetLocalWindowAckSize(size uint32) {
	ms.localWindowAckSize = size
}

func (ms *MessageStream) BytesRead() uint64 {
	return ms.reader.ReadBytes()
}

func uint32Payload(msg *Message) (uint32, error) {
	if len(msg.Payload) < 4 {
		return 0, errors.Wrapf(ErrMalformedChunk, "%s payload of %d bytes", msg.Type, len(msg.Payload))
	}
	return binary.BigEndian.Uint32(msg.Payload), nil
}
