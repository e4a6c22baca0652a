package rtmp

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/torresjeff/rtmprelay/amf/amf0"
	"github.com/torresjeff/rtmprelay/config"
	"go.uber.org/zap"
)

// command is a decoded command message: name, transaction id, command object and the optional arguments.
type command struct {
	name          string
	transactionID float64
	object        map[string]interface{}
	args          []interface{}
}

// decodeCommand decodes an AMF0 command message. AMF3 command messages carry a leading format
// byte followed by an AMF0 body.
func decodeCommand(msg *Message) (*command, error) {
	payload := msg.Payload
	if msg.Type == CommandMessageAMF3 && len(payload) > 0 {
		payload = payload[1:]
	}
	values, err := amf0.DecodeAll(payload)
	if err != nil {
		return nil, errors.Wrap(err, "decode command")
	}
	if len(values) < 2 {
		return nil, errors.Errorf("command with %d values", len(values))
	}
	name, ok := values[0].(string)
	if !ok {
		return nil, errors.Errorf("command name is %T, not a string", values[0])
	}
	// Every command has a transaction ID and a command object (which can be null)
	transactionID, _ := values[1].(float64)
	cmd := &command{name: name, transactionID: transactionID}
	if len(values) > 2 {
		switch obj := values[2].(type) {
		case map[string]interface{}:
			cmd.object = obj
		case amf0.ECMAArray:
			cmd.object = obj
		}
		cmd.args = values[3:]
	}
	return cmd, nil
}

func (c *command) stringArg(i int) string {
	if i >= len(c.args) {
		return ""
	}
	s, _ := c.args[i].(string)
	return s
}

func (c *command) numberArg(i int) (float64, bool) {
	if i >= len(c.args) {
		return 0, false
	}
	n, ok := c.args[i].(float64)
	return n, ok
}

func (c *command) objectString(key string) string {
	s, _ := c.object[key].(string)
	return s
}

// info returns the information object of a _result, _error or onStatus command.
func (c *command) info() map[string]interface{} {
	for _, arg := range c.args {
		switch obj := arg.(type) {
		case map[string]interface{}:
			return obj
		case amf0.ECMAArray:
			return obj
		}
	}
	return nil
}

// streamName strips the query string some encoders append to the stream name (e.g. "cam1?token=abc").
func streamName(name string) string {
	if i := strings.IndexByte(name, '?'); i >= 0 {
		return name[:i]
	}
	return name
}

// appName normalizes the app of a connect command ("live/" and "live" are the same app).
func appName(app string) string {
	return strings.Trim(app, "/")
}

// normalizeDataMessage turns "@setDataFrame", "onMetaData", {...} into "onMetaData", {...}
// so subscribers receive metadata the way a server sends it. AMF3 data messages become AMF0.
func normalizeDataMessage(msg *Message) *Message {
	payload := msg.Payload
	if msg.Type == DataMessageAMF3 && len(payload) > 0 {
		payload = payload[1:]
	}
	name, n, err := amf0.DecodeValue(payload)
	if err == nil && name == "@setDataFrame" {
		payload = payload[n:]
	}
	if msg.Type == DataMessageAMF0 && len(payload) == len(msg.Payload) {
		return msg
	}
	return &Message{Type: DataMessageAMF0, Timestamp: msg.Timestamp, StreamID: msg.StreamID, Payload: payload}
}

func (s *Session) handleCommand(ctx context.Context, msg *Message) error {
	cmd, err := decodeCommand(msg)
	if err != nil {
		s.logger.Warn("[session] dropping undecodable command", zap.Error(err))
		return nil
	}
	s.logger.Debug("[session] received command", zap.String("command", cmd.name), zap.Float64("transaction", cmd.transactionID))

	switch cmd.name {
	case "connect":
		return s.onConnect(cmd)
	case "releaseStream":
		return s.onReleaseStream(cmd)
	case "FCPublish":
		return s.onFCPublish(cmd)
	case "createStream":
		return s.onCreateStream(cmd)
	case "publish":
		return s.onPublish(ctx, cmd, msg.StreamID)
	case "play":
		return s.onPlay(ctx, cmd, msg.StreamID)
	case "FCUnpublish", "deleteStream":
		s.logger.Info("[session] peer ended the stream", zap.String("command", cmd.name))
		return errSessionClosed
	case "closeStream":
		return s.onCloseStream()
	default:
		s.logger.Debug("[session] ignoring command", zap.String("command", cmd.name))
		return nil
	}
}

func (s *Session) onConnect(cmd *command) error {
	if s.state != StateAwaitingConnect {
		s.logger.Warn("[session] connect received twice, ignoring")
		return nil
	}
	s.app = appName(cmd.objectString("app"))
	s.tcURL = cmd.objectString("tcUrl")
	s.flashVer = cmd.objectString("flashVer")
	objectEncoding, _ := cmd.object["objectEncoding"].(float64)
	s.logger.Info("[session] connect", zap.String("app", s.app), zap.String("tcUrl", s.tcURL), zap.String("flashVer", s.flashVer))

	if err := s.messageStream.WriteMessage(ChunkStreamProtocol, newWindowAckSizeMessage(s.opts.WindowAckSize)); err != nil {
		return err
	}
	if err := s.messageStream.WriteMessage(ChunkStreamProtocol, newSetPeerBandwidthMessage(s.opts.WindowAckSize, LimitDynamic)); err != nil {
		return err
	}
	if err := s.messageStream.SetWriteChunkSize(s.opts.ChunkSize); err != nil {
		return err
	}

	result, err := newCommandMessage(0, "_result", cmd.transactionID,
		map[string]interface{}{
			"fmsVer":       config.FlashMediaServerVersion,
			"capabilities": config.Capabilities,
			"mode":         config.Mode,
		},
		map[string]interface{}{
			"level":          "status",
			"code":           NetConnectionConnectSuccess,
			"description":    "Connection succeeded.",
			"objectEncoding": objectEncoding,
		})
	if err != nil {
		return err
	}
	if err := s.messageStream.WriteMessage(ChunkStreamCommand, result); err != nil {
		return err
	}
	s.setState(StateAwaitingPublishOrPlay)
	return nil
}

func (s *Session) onReleaseStream(cmd *command) error {
	if cmd.transactionID == 0 {
		return nil
	}
	return s.writeCommand(0, "_result", cmd.transactionID, nil, amf0.Undefined{})
}

func (s *Session) onFCPublish(cmd *command) error {
	name := streamName(cmd.stringArg(0))
	return s.writeCommand(0, "onFCPublish", 0, nil, map[string]interface{}{
		"level":       "status",
		"code":        NetStreamPublishStart,
		"description": "FCPublish to stream " + name,
	})
}

func (s *Session) onCreateStream(cmd *command) error {
	return s.writeCommand(0, "_result", cmd.transactionID, nil, float64(config.DefaultStreamID))
}

func (s *Session) onPublish(ctx context.Context, cmd *command, streamID uint32) error {
	if s.state != StateAwaitingPublishOrPlay {
		s.logger.Warn("[session] publish in wrong state", zap.Stringer("state", s.state))
		return nil
	}
	name := streamName(cmd.stringArg(0))
	if name == "" {
		s.writeStatus(streamID, "error", NetStreamPublishBadName, "No stream name given.")
		return errSessionClosed
	}
	key := StreamKey{App: s.app, Name: name}

	handle := NewSessionHandle(1)
	err := s.hub.RegisterPublisher(ctx, key, handle)
	if errors.Is(err, ErrChannelConflict) {
		s.logger.Warn("[session] stream is already being published", zap.Stringer("stream", key))
		if werr := s.writeStatus(streamID, "error", NetStreamPublishBadName, "Stream "+key.String()+" is already being published."); werr != nil {
			return werr
		}
		return errSessionClosed
	}
	if err != nil {
		return err
	}
	s.key, s.handle = key, handle
	s.watch(ctx, handle)
	s.setState(StatePublishing)

	if err := s.messageStream.WriteMessage(ChunkStreamProtocol, newUserControlMessage(StreamBegin, streamID)); err != nil {
		return err
	}
	return s.writeStatus(streamID, "status", NetStreamPublishStart, "Start publishing "+key.String()+".")
}

func (s *Session) onPlay(ctx context.Context, cmd *command, streamID uint32) error {
	if s.state != StateAwaitingPublishOrPlay {
		s.logger.Warn("[session] play in wrong state", zap.Stringer("state", s.state))
		return nil
	}
	name := streamName(cmd.stringArg(0))
	key := StreamKey{App: s.app, Name: name}

	handle := NewSessionHandle(s.opts.SubscriberQueue)
	if err := s.hub.RegisterSubscriber(ctx, key, handle); err != nil {
		return err
	}
	s.key, s.handle = key, handle
	s.watch(ctx, handle)
	s.playStreamID = streamID
	s.setState(StateSubscribing)

	// The cached sequence headers are already queued on the handle; they are written
	// after these replies, once the session loop reads the handle.
	if err := s.messageStream.WriteMessage(ChunkStreamProtocol, newUserControlMessage(StreamBegin, streamID)); err != nil {
		return err
	}
	if err := s.writeStatus(streamID, "status", NetStreamPlayReset, "Playing and resetting "+key.String()+"."); err != nil {
		return err
	}
	if err := s.writeStatus(streamID, "status", NetStreamPlayStart, "Started playing "+key.String()+"."); err != nil {
		return err
	}
	access, err := newDataMessage(streamID, "|RtmpSampleAccess", true, true)
	if err != nil {
		return err
	}
	return s.messageStream.WriteMessage(ChunkStreamData, access)
}

// onCloseStream ends publishing. A player may close its stream and play again on the same connection.
func (s *Session) onCloseStream() error {
	if s.state != StateSubscribing {
		return errSessionClosed
	}
	s.release()
	s.setState(StateAwaitingPublishOrPlay)
	return nil
}

func (s *Session) writeCommand(streamID uint32, name string, transactionID float64, object interface{}, args ...interface{}) error {
	msg, err := newCommandMessage(streamID, name, transactionID, object, args...)
	if err != nil {
		return err
	}
	return s.messageStream.WriteMessage(ChunkStreamCommand, msg)
}

func (s *Session) writeStatus(streamID uint32, level, code, description string) error {
	msg, err := newStatusMessage(streamID, level, code, description)
	if err != nil {
		return err
	}
	return s.messageStream.WriteMessage(ChunkStreamCommand, msg)
}
