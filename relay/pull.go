package relay

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/torresjeff/rtmprelay/amf/amf0"
	"github.com/torresjeff/rtmprelay/rtmp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Puller plays a stream from a remote RTMP server and publishes it locally under the same key.
type Puller struct {
	Addr    string
	Key     rtmp.StreamKey
	Hub     *rtmp.Hub
	Logger  *zap.Logger
	Backoff Backoff
	Options rtmp.ClientOptions

	attempts atomic.Uint32
}

// Run pulls until ctx is cancelled, reconnecting after every failure. It only returns nil:
// relay errors are logged and retried.
func (p *Puller) Run(ctx context.Context) error {
	logger := p.Logger.With(zap.String("remote", p.Addr), zap.Stringer("stream", p.Key))
	policy := p.Backoff.newPolicy()
	for {
		established, err := p.pull(ctx, logger)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			policy.Reset()
		}
		delay := policy.NextBackOff()
		logger.Warn("[pull] relay attempt failed",
			zap.Uint32("attempt", p.attempts.Inc()), zap.Duration("retry_in", delay), zap.Error(err))
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// Attempts is the number of failed pull attempts so far.
func (p *Puller) Attempts() uint32 {
	return p.attempts.Load()
}

// pull runs one relay session. established reports whether the remote started playing.
func (p *Puller) pull(ctx context.Context, logger *zap.Logger) (established bool, err error) {
	client, err := rtmp.Dial(ctx, p.Addr, logger, p.Options)
	if err != nil {
		return false, errors.Wrapf(ErrRelayConnectFailure, "dial: %v", err)
	}
	defer client.Close()

	if err := client.Connect(ctx, p.Key.App, tcURL(p.Addr, p.Key.App)); err != nil {
		return false, errors.Wrapf(ErrRelayConnectFailure, "connect: %v", err)
	}
	if err := client.Play(ctx, p.Key.Name); err != nil {
		return false, errors.Wrapf(ErrRelayConnectFailure, "play: %v", err)
	}

	handle := rtmp.NewSessionHandle(1)
	if err := p.Hub.RegisterPublisher(ctx, p.Key, handle); err != nil {
		return false, errors.Wrapf(ErrRelayConnectFailure, "register local publisher: %v", err)
	}
	defer p.Hub.Unregister(context.Background(), p.Key, handle)
	logger.Info("[pull] relaying")

	// Closing the client unblocks ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-handle.Done():
		case <-done:
			return
		}
		client.Close()
	}()

	for {
		msg, err := client.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			if handle.Err() != nil {
				err = handle.Err()
			}
			return true, errors.Wrapf(ErrRelayConnectFailure, "read: %v", err)
		}
		if !relayable(msg) {
			continue
		}
		if err := p.Hub.Route(ctx, p.Key, msg); err != nil {
			return true, errors.Wrapf(ErrRelayConnectFailure, "route: %v", err)
		}
	}
}

// relayable reports whether a message received from the remote belongs to the stream.
// Commands and the sample access notification are meant for the relay client only.
func relayable(msg *rtmp.Message) bool {
	switch msg.Type {
	case rtmp.AudioMessage, rtmp.VideoMessage:
		return true
	case rtmp.DataMessageAMF0:
		name, _, err := amf0.DecodeValue(msg.Payload)
		return err == nil && name != "|RtmpSampleAccess"
	}
	return false
}

func tcURL(addr, app string) string {
	return fmt.Sprintf("rtmp://%s/%s", addr, app)
}
