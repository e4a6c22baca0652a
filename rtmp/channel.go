package rtmp

import (
	"github.com/torresjeff/rtmprelay/amf/amf0"
	"github.com/torresjeff/rtmprelay/audio"
	"github.com/torresjeff/rtmprelay/video"
)

// channelCache holds what a late subscriber needs before live media: the metadata, the codec
// sequence headers and the last keyframe.
type channelCache struct {
	metadata          *Message
	videoSequenceHead *Message
	audioSequenceHead *Message
	keyFrame          *Message
}

func (c *channelCache) update(msg *Message) {
	switch msg.Type {
	case DataMessageAMF0, DataMessageAMF3:
		if isMetadata(msg) {
			c.metadata = msg
		}
	case VideoMessage:
		if video.IsSequenceHeader(msg.Payload) {
			c.videoSequenceHead = msg
			// A keyframe encoded with the previous parameters cannot be decoded anymore.
			c.keyFrame = nil
		} else if video.IsKeyFrame(msg.Payload) {
			c.keyFrame = msg
		}
	case AudioMessage:
		if audio.IsSequenceHeader(msg.Payload) {
			c.audioSequenceHead = msg
		}
	}
}

// replay returns the cached messages in the order a decoder needs them.
func (c *channelCache) replay() []*Message {
	var out []*Message
	for _, msg := range []*Message{c.metadata, c.videoSequenceHead, c.audioSequenceHead, c.keyFrame} {
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out
}

func (c *channelCache) reset() {
	*c = channelCache{}
}

// channel is one stream key: at most one publisher and any number of subscribers.
// It is only touched by the hub goroutine.
type channel struct {
	key         StreamKey
	publisher   *SessionHandle
	subscribers []*SessionHandle
	cache       channelCache
}

func (c *channel) empty() bool {
	return c.publisher == nil && len(c.subscribers) == 0
}

func (c *channel) hasSubscriber(h *SessionHandle) bool {
	for _, s := range c.subscribers {
		if s == h {
			return true
		}
	}
	return false
}

func (c *channel) removeSubscriber(h *SessionHandle) bool {
	for i, s := range c.subscribers {
		if s == h {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// isMetadata reports whether a data message is onMetaData (the session rewrites @setDataFrame before routing).
func isMetadata(msg *Message) bool {
	payload := msg.Payload
	if msg.Type == DataMessageAMF3 && len(payload) > 0 {
		payload = payload[1:]
	}
	name, err := amf0.Decode(payload)
	if err != nil {
		return false
	}
	return name == "onMetaData"
}
