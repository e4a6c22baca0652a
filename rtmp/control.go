package rtmp

import (
	"encoding/binary"

	"github.com/torresjeff/rtmprelay/amf/amf0"
)

// User control event types.
const (
	StreamBegin      uint16 = 0
	StreamEOF        uint16 = 1
	StreamDry        uint16 = 2
	SetBufferLength  uint16 = 3
	StreamIsRecorded uint16 = 4
	PingRequest      uint16 = 6
	PingResponse     uint16 = 7
)

// Set Peer Bandwidth limit types.
const (
	LimitHard    uint8 = 0
	LimitSoft    uint8 = 1
	LimitDynamic uint8 = 2
)

const (
	NetConnectionConnectSuccess  = "NetConnection.Connect.Success"
	NetConnectionConnectRejected = "NetConnection.Connect.Rejected"
	NetStreamPublishStart        = "NetStream.Publish.Start"
	NetStreamPublishBadName      = "NetStream.Publish.BadName"
	NetStreamUnpublishSuccess    = "NetStream.Unpublish.Success"
	NetStreamPlayReset           = "NetStream.Play.Reset"
	NetStreamPlayStart           = "NetStream.Play.Start"
	NetStreamPlayPublishNotify   = "NetStream.Play.PublishNotify"
	NetStreamPlayUnpublish       = "NetStream.Play.UnpublishNotify"
)

// Protocol control messages always travel on message stream 0.

func newSetChunkSizeMessage(size uint32) *Message {
	return newUint32Message(SetChunkSize, size&0x7FFFFFFF)
}

func newAbortMessage(chunkStreamID uint32) *Message {
	return newUint32Message(AbortMessage, chunkStreamID)
}

func newAckMessage(sequenceNumber uint32) *Message {
	return newUint32Message(Acknowledgement, sequenceNumber)
}

func newWindowAckSizeMessage(size uint32) *Message {
	return newUint32Message(WindowAcknowledgementSize, size)
}

func newSetPeerBandwidthMessage(size uint32, limitType uint8) *Message {
	payload := make([]byte, 5)
	binary.BigEndian.PutUint32(payload, size)
	payload[4] = limitType
	return &Message{Type: SetPeerBandwidth, Payload: payload}
}

// newUserControlMessage builds a user control event whose data is a single 4 byte value
// (a stream id for the stream events, a timestamp for pings).
func newUserControlMessage(event uint16, data uint32) *Message {
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload, event)
	binary.BigEndian.PutUint32(payload[2:], data)
	return &Message{Type: UserControlMessage, Payload: payload}
}

func newUint32Message(t MessageType, v uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, v)
	return &Message{Type: t, Payload: payload}
}

// newCommandMessage encodes an AMF0 command: name, transaction id, command object and arguments.
func newCommandMessage(streamID uint32, name string, transactionID float64, object interface{}, args ...interface{}) (*Message, error) {
	values := append([]interface{}{name, transactionID, object}, args...)
	payload, err := amf0.EncodeAll(values...)
	if err != nil {
		return nil, err
	}
	return &Message{Type: CommandMessageAMF0, StreamID: streamID, Payload: payload}, nil
}

func newDataMessage(streamID uint32, values ...interface{}) (*Message, error) {
	payload, err := amf0.EncodeAll(values...)
	if err != nil {
		return nil, err
	}
	return &Message{Type: DataMessageAMF0, StreamID: streamID, Payload: payload}, nil
}

// newStatusMessage builds an onStatus command for a NetStream.
func newStatusMessage(streamID uint32, level, code, description string) (*Message, error) {
	return newCommandMessage(streamID, "onStatus", 0, nil, map[string]interface{}{
		"level":       level,
		"code":        code,
		"description": description,
	})
}
