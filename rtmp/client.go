package rtmp

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/torresjeff/rtmprelay/config"
	"github.com/torresjeff/rtmprelay/rand"
	"go.uber.org/zap"
)

const clientFlashVersion = "LNX 9,0,124,2"

// ClientOptions are the settings of an outgoing connection.
type ClientOptions struct {
	ChunkSize uint32
	// CommandTimeout bounds the handshake and every wait for a response.
	CommandTimeout time.Duration
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ChunkSize:      config.DefaultChunkSize,
		CommandTimeout: config.DefaultCommandTimeout,
	}
}

// ClientConn is an outgoing RTMP connection, used to publish to or play from a remote server.
// One goroutine may read with ReadMessage while another writes with WriteMessage or calls Close.
// The command methods must not run concurrently with ReadMessage.
type ClientConn struct {
	logger        *zap.Logger
	conn          net.Conn
	messageStream *MessageStream
	opts          ClientOptions

	transactionID float64
	streamID      uint32
	app           string
}

// Dial connects to addr (host:port), runs the client handshake and announces the chunk size.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ClientOptions) (*ClientConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	c, err := NewClientConn(ctx, conn, logger, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClientConn runs the client side of the handshake on an established connection.
func NewClientConn(ctx context.Context, conn net.Conn, logger *zap.Logger, opts ClientOptions) (*ClientConn, error) {
	logger = logger.With(zap.String("client", rand.GenerateUuid()), zap.Stringer("remote", conn.RemoteAddr()))
	reader, _ := NewReader(conn)
	writer, _ := NewWriter(conn)
	c := &ClientConn{
		logger:        logger,
		conn:          conn,
		messageStream: NewMessageStream(logger, reader, writer, ClientHandshaker{}),
		opts:          opts,
	}

	conn.SetDeadline(c.deadline(ctx))
	defer conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()
	if err := c.messageStream.Initialize(); err != nil {
		if !errors.Is(err, ErrHandshakeFailed) {
			err = errors.Wrap(ErrHandshakeFailed, err.Error())
		}
		return nil, err
	}
	if opts.ChunkSize != 0 && opts.ChunkSize != DefaultChunkSize {
		if err := c.messageStream.SetWriteChunkSize(opts.ChunkSize); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Connect sends connect for app and waits for NetConnection.Connect.Success.
func (c *ClientConn) Connect(ctx context.Context, app, tcURL string) error {
	c.app = app
	txn := c.nextTransactionID()
	if err := c.writeCommand(0, "connect", txn, map[string]interface{}{
		"app":            app,
		"flashVer":       clientFlashVersion,
		"tcUrl":          tcURL,
		"fpad":           false,
		"capabilities":   15,
		"audioCodecs":    4071,
		"videoCodecs":    252,
		"videoFunction":  1,
		"objectEncoding": 0,
	}); err != nil {
		return err
	}
	_, err := c.waitForResult(ctx, txn)
	return err
}

// CreateStream asks for a message stream and returns its id.
func (c *ClientConn) CreateStream(ctx context.Context) (uint32, error) {
	txn := c.nextTransactionID()
	if err := c.writeCommand(0, "createStream", txn, nil); err != nil {
		return 0, err
	}
	cmd, err := c.waitForResult(ctx, txn)
	if err != nil {
		return 0, err
	}
	id, ok := cmd.numberArg(0)
	if !ok {
		return 0, errors.Wrap(ErrUnexpectedResponse, "createStream result without a stream id")
	}
	c.streamID = uint32(id)
	return c.streamID, nil
}

// Publish creates a stream and publishes name on it (live). It returns once the server replied NetStream.Publish.Start.
func (c *ClientConn) Publish(ctx context.Context, name string) error {
	if err := c.writeCommand(0, "releaseStream", c.nextTransactionID(), nil, name); err != nil {
		return err
	}
	if err := c.writeCommand(0, "FCPublish", c.nextTransactionID(), nil, name); err != nil {
		return err
	}
	streamID, err := c.CreateStream(ctx)
	if err != nil {
		return err
	}
	if err := c.writeCommand(streamID, "publish", 0, nil, name, "live"); err != nil {
		return err
	}
	return c.waitForStatus(ctx, NetStreamPublishStart)
}

// Play creates a stream and plays name on it. It returns once the server replied NetStream.Play.Start.
func (c *ClientConn) Play(ctx context.Context, name string) error {
	streamID, err := c.CreateStream(ctx)
	if err != nil {
		return err
	}
	if err := c.writeCommand(streamID, "play", 0, nil, name, float64(-2)); err != nil {
		return err
	}
	return c.waitForStatus(ctx, NetStreamPlayStart)
}

// ReadMessage returns the next message sent by the server. Protocol control messages are handled internally.
func (c *ClientConn) ReadMessage() (*Message, error) {
	return c.messageStream.NextMessage()
}

// WriteMessage sends a media message on the published stream.
func (c *ClientConn) WriteMessage(msg *Message) error {
	out := *msg
	out.StreamID = c.streamID
	return c.messageStream.WriteMessage(chunkStreamFor(out.Type), &out)
}

// Close sends deleteStream, if a stream was created, and closes the connection.
func (c *ClientConn) Close() error {
	if c.streamID != 0 {
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.writeCommand(0, "deleteStream", 0, nil, float64(c.streamID))
	}
	return c.conn.Close()
}

// Abort closes the connection without a deleteStream. It may be called while WriteMessage is blocked.
func (c *ClientConn) Abort() error {
	return c.conn.Close()
}

func (c *ClientConn) nextTransactionID() float64 {
	c.transactionID++
	return c.transactionID
}

func (c *ClientConn) writeCommand(streamID uint32, name string, transactionID float64, object interface{}, args ...interface{}) error {
	msg, err := newCommandMessage(streamID, name, transactionID, object, args...)
	if err != nil {
		return err
	}
	return c.messageStream.WriteMessage(ChunkStreamCommand, msg)
}

// waitForResult waits for the _result of a transaction. An _error is reported as ErrUnexpectedResponse.
func (c *ClientConn) waitForResult(ctx context.Context, transactionID float64) (*command, error) {
	return c.waitFor(ctx, func(cmd *command) (bool, error) {
		if cmd.transactionID != transactionID {
			return false, nil
		}
		switch cmd.name {
		case "_result":
			return true, nil
		case "_error":
			return true, errors.Wrapf(ErrUnexpectedResponse, "_error: %v", cmd.info()["code"])
		}
		return false, nil
	})
}

// waitForStatus waits for an onStatus with the given code. A status of level error is reported as ErrUnexpectedResponse.
func (c *ClientConn) waitForStatus(ctx context.Context, code string) error {
	_, err := c.waitFor(ctx, func(cmd *command) (bool, error) {
		if cmd.name != "onStatus" {
			return false, nil
		}
		info := cmd.info()
		if info["code"] == code {
			return true, nil
		}
		if info["level"] == "error" {
			return true, errors.Wrapf(ErrUnexpectedResponse, "onStatus: %v", info["code"])
		}
		return false, nil
	})
	return err
}

// waitFor reads commands until match accepts one. Other messages are dropped.
func (c *ClientConn) waitFor(ctx context.Context, match func(cmd *command) (bool, error)) (*command, error) {
	c.conn.SetReadDeadline(c.deadline(ctx))
	defer c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		msg, err := c.messageStream.NextMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, ErrCommandTimeout
			}
			return nil, err
		}
		if msg.Type != CommandMessageAMF0 && msg.Type != CommandMessageAMF3 {
			continue
		}
		cmd, err := decodeCommand(msg)
		if err != nil {
			return nil, errors.Wrap(ErrUnexpectedResponse, err.Error())
		}
		c.logger.Debug("[client] received command", zap.String("command", cmd.name))
		ok, err := match(cmd)
		if ok || err != nil {
			return cmd, err
		}
	}
}

// deadline is the earlier of the context deadline and the command timeout.
func (c *ClientConn) deadline(ctx context.Context) time.Time {
	var d time.Time
	if c.opts.CommandTimeout > 0 {
		d = time.Now().Add(c.opts.CommandTimeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}
