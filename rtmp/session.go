package rtmp

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/torresjeff/rtmprelay/config"
	"github.com/torresjeff/rtmprelay/rand"
	"go.uber.org/zap"
)

type State uint8

const (
	StateHandshaking State = iota
	StateAwaitingConnect
	StateAwaitingPublishOrPlay
	StatePublishing
	StateSubscribing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingConnect:
		return "awaiting connect"
	case StateAwaitingPublishOrPlay:
		return "awaiting publish or play"
	case StatePublishing:
		return "publishing"
	case StateSubscribing:
		return "subscribing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// errSessionClosed ends a session without an error (the peer asked for it, or was refused).
var errSessionClosed = errors.New("session closed")

// SessionOptions are the protocol settings of server sessions.
type SessionOptions struct {
	// ChunkSize is announced to the peer after connect.
	ChunkSize     uint32
	WindowAckSize uint32
	// HandshakeTimeout bounds the handshake. 0 disables the deadline.
	HandshakeTimeout time.Duration
	// CommandTimeout bounds the wait for connect and then for publish or play. 0 waits forever.
	CommandTimeout  time.Duration
	SubscriberQueue int
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ChunkSize:        config.DefaultChunkSize,
		WindowAckSize:    config.DefaultClientWindowSize,
		HandshakeTimeout: config.DefaultHandshakeTimeout,
		CommandTimeout:   config.DefaultCommandTimeout,
		SubscriberQueue:  config.DefaultSubscriberQueue,
	}
}

type readResult struct {
	msg *Message
	err error
}

// Session represents a connection made with the RTMP server where messages are exchanged between client/server.
// A reader goroutine decodes messages; everything else (commands, hub traffic, writes) happens on
// the goroutine calling Run.
type Session struct {
	logger        *zap.Logger
	sessionID     string
	conn          net.Conn
	hub           *Hub
	opts          SessionOptions
	messageStream *MessageStream
	incoming      chan readResult

	state State

	// app data
	app      string
	tcURL    string
	flashVer string

	key          StreamKey
	handle       *SessionHandle
	playStreamID uint32
}

func NewSession(logger *zap.Logger, conn net.Conn, hub *Hub, opts SessionOptions) *Session {
	sessionID := rand.GenerateUuid()
	logger = logger.With(zap.String("session", sessionID))

	reader, _ := NewReader(conn)
	writer, _ := NewWriter(conn)
	messageStream := NewMessageStream(logger, reader, writer, ServerHandshaker{})
	messageStream.SetLocalWindowAckSize(opts.WindowAckSize)

	return &Session{
		logger:        logger,
		sessionID:     sessionID,
		conn:          conn,
		hub:           hub,
		opts:          opts,
		messageStream: messageStream,
		incoming:      make(chan readResult, 16),
		state:         StateHandshaking,
	}
}

func (s *Session) ID() string {
	return s.sessionID
}

func (s *Session) State() State {
	return s.state
}

// Run performs the handshake and serves the connection until the peer leaves, an error occurs,
// the hub drops the session or ctx is cancelled. The connection is closed and the hub
// registration released on every path.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	defer s.release()
	defer s.setState(StateClosed)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Closing the connection is the only way to interrupt a blocked read or write on every transport.
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	if err := s.handshake(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.setState(StateAwaitingConnect)

	go s.readMessages(ctx)

	commandTimeout := s.commandDeadline()
	for {
		var events <-chan Event
		var evicted <-chan struct{}
		if s.handle != nil {
			events = s.handle.Events()
			evicted = s.handle.Done()
		}

		select {
		case <-ctx.Done():
			return nil
		case r := <-s.incoming:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return s.closeReason(ctx, nil)
				}
				return s.closeReason(ctx, r.err)
			}
			before := s.state
			if err := s.handleMessage(ctx, r.msg); err != nil {
				if err == errSessionClosed {
					return nil
				}
				return s.closeReason(ctx, err)
			}
			if s.state != before {
				commandTimeout = s.commandDeadline()
			}
		case ev := <-events:
			if err := s.writeEvent(ev); err != nil {
				return s.closeReason(ctx, err)
			}
		case <-evicted:
			return s.handle.Err()
		case <-commandTimeout:
			return errors.Wrapf(ErrCommandTimeout, "while %s", s.state)
		}
	}
}

// handshake runs the server handshake, bounded by HandshakeTimeout. Deadlines are not enough:
// SRT connections accept them without enforcing them, so the connection is closed when the
// timer fires.
func (s *Session) handshake() error {
	var timer *time.Timer
	if s.opts.HandshakeTimeout > 0 {
		s.conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
		defer s.conn.SetDeadline(time.Time{})
		timer = time.AfterFunc(s.opts.HandshakeTimeout, func() { s.conn.Close() })
	}
	err := s.messageStream.Initialize()
	if timer != nil && !timer.Stop() {
		// The timer fired and closed the connection, even if the handshake completed meanwhile.
		return errors.Wrapf(ErrHandshakeFailed, "no handshake within %s", s.opts.HandshakeTimeout)
	}
	if err != nil {
		if !errors.Is(err, ErrHandshakeFailed) {
			err = errors.Wrap(ErrHandshakeFailed, err.Error())
		}
		return err
	}
	s.logger.Debug("[session] handshake completed")
	return nil
}

// watch closes the connection when the hub drops handle, so that a write blocked on a slow
// peer returns and the session ends with the handle's error.
func (s *Session) watch(ctx context.Context, handle *SessionHandle) {
	go func() {
		select {
		case <-handle.Done():
			s.conn.Close()
		case <-ctx.Done():
		}
	}()
}

// closeReason picks the error Run returns once the connection failed with err: nil after
// cancellation, the hub's reason if the hub dropped the session, err otherwise.
func (s *Session) closeReason(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if s.handle != nil && s.handle.Err() != nil {
		return s.handle.Err()
	}
	return err
}

// commandDeadline returns the timer channel for the current state, nil once media flows.
func (s *Session) commandDeadline() <-chan time.Time {
	if s.opts.CommandTimeout <= 0 {
		return nil
	}
	switch s.state {
	case StateAwaitingConnect, StateAwaitingPublishOrPlay:
		return time.After(s.opts.CommandTimeout)
	}
	return nil
}

func (s *Session) readMessages(ctx context.Context) {
	for {
		msg, err := s.messageStream.NextMessage()
		select {
		case s.incoming <- readResult{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg *Message) error {
	switch msg.Type {
	case CommandMessageAMF0, CommandMessageAMF3:
		return s.handleCommand(ctx, msg)
	case AudioMessage, VideoMessage, DataMessageAMF0, DataMessageAMF3:
		return s.publish(ctx, msg)
	case AggregateMessage:
		if s.state != StatePublishing {
			return nil
		}
		msgs, err := splitAggregate(msg)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := s.publish(ctx, m); err != nil {
				return err
			}
		}
		return nil
	default:
		s.logger.Debug("[session] ignoring message", zap.Stringer("type", msg.Type))
		return nil
	}
}

// publish hands a media message to the hub. Messages received outside of the publishing state are dropped.
func (s *Session) publish(ctx context.Context, msg *Message) error {
	if s.state != StatePublishing {
		return nil
	}
	switch msg.Type {
	case DataMessageAMF0, DataMessageAMF3:
		msg = normalizeDataMessage(msg)
	case AudioMessage, VideoMessage:
	default:
		return nil
	}
	return s.hub.Route(ctx, s.key, msg)
}

// writeEvent writes a hub event to a playing client.
func (s *Session) writeEvent(ev Event) error {
	switch ev.Type {
	case EventMedia:
		msg := *ev.Message
		msg.StreamID = s.playStreamID
		return s.messageStream.WriteMessage(chunkStreamFor(msg.Type), &msg)
	case EventPublish:
		if err := s.messageStream.WriteMessage(ChunkStreamProtocol, newUserControlMessage(StreamBegin, s.playStreamID)); err != nil {
			return err
		}
		return s.writeStatus(s.playStreamID, "status", NetStreamPlayPublishNotify, ev.Key.String()+" is now published.")
	case EventUnpublish:
		if err := s.messageStream.WriteMessage(ChunkStreamProtocol, newUserControlMessage(StreamEOF, s.playStreamID)); err != nil {
			return err
		}
		return s.writeStatus(s.playStreamID, "status", NetStreamPlayUnpublish, ev.Key.String()+" is now unpublished.")
	}
	return nil
}

// release removes the session from the hub, if it is registered.
func (s *Session) release() {
	if s.handle == nil {
		return
	}
	if err := s.hub.Unregister(context.Background(), s.key, s.handle); err != nil && !errors.Is(err, ErrHubClosed) {
		s.logger.Warn("[session] unregister failed", zap.Error(err))
	}
	s.handle = nil
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug("[session] state change", zap.Stringer("from", s.state), zap.Stringer("to", state))
	s.state = state
}
