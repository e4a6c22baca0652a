package relay

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/torresjeff/rtmprelay/config"
	"github.com/torresjeff/rtmprelay/rtmp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Pusher republishes local streams to a remote RTMP server. With a zero Key every stream
// published locally is pushed, under the same app and name.
type Pusher struct {
	Addr    string
	Key     rtmp.StreamKey
	Hub     *rtmp.Hub
	Logger  *zap.Logger
	Backoff Backoff
	Options rtmp.ClientOptions
	// QueueSize is the subscriber queue of each pushed stream.
	QueueSize int

	attempts atomic.Uint32
}

// Run waits for local publishers and pushes each matching stream until it is unpublished or ctx
// is cancelled. It returns nil once ctx is cancelled or the hub stops.
func (p *Pusher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := p.Hub.Watch(ctx)
	running := make(map[rtmp.StreamKey]bool)
	finished := make(chan rtmp.StreamKey)

	start := func(key rtmp.StreamKey) {
		if running[key] {
			return
		}
		running[key] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.relay(ctx, key)
			select {
			case finished <- key:
			case <-ctx.Done():
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == rtmp.ChannelPublished && p.matches(ev.Key) {
				start(ev.Key)
			}
		case key := <-finished:
			delete(running, key)
			// The stream may have been published again while the relay was winding down.
			if stat, ok := p.Hub.Stat(ctx, key); ok && stat.Published {
				start(key)
			}
		}
	}
}

// Attempts is the number of failed push attempts so far, over every stream.
func (p *Pusher) Attempts() uint32 {
	return p.attempts.Load()
}

func (p *Pusher) matches(key rtmp.StreamKey) bool {
	return p.Key.IsZero() || p.Key == key
}

// relay pushes key until it stops being published locally.
func (p *Pusher) relay(ctx context.Context, key rtmp.StreamKey) {
	logger := p.Logger.With(zap.String("remote", p.Addr), zap.Stringer("stream", key))
	policy := p.Backoff.newPolicy()
	for {
		established, err := p.push(ctx, logger, key)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			logger.Info("[push] local stream unpublished")
			policy.Reset()
		} else {
			if established {
				policy.Reset()
			}
			delay := policy.NextBackOff()
			logger.Warn("[push] relay attempt failed",
				zap.Uint32("attempt", p.attempts.Inc()), zap.Duration("retry_in", delay), zap.Error(err))
			if !sleep(ctx, delay) {
				return
			}
		}
		if stat, ok := p.Hub.Stat(ctx, key); !ok || !stat.Published {
			return
		}
	}
}

// push runs one relay session. It returns nil when the local publisher leaves.
func (p *Pusher) push(ctx context.Context, logger *zap.Logger, key rtmp.StreamKey) (established bool, err error) {
	client, err := rtmp.Dial(ctx, p.Addr, logger, p.Options)
	if err != nil {
		return false, errors.Wrapf(ErrRelayConnectFailure, "dial: %v", err)
	}
	defer client.Close()

	if err := client.Connect(ctx, key.App, tcURL(p.Addr, key.App)); err != nil {
		return false, errors.Wrapf(ErrRelayConnectFailure, "connect: %v", err)
	}
	if err := client.Publish(ctx, key.Name); err != nil {
		return false, errors.Wrapf(ErrRelayConnectFailure, "publish: %v", err)
	}

	queueSize := p.QueueSize
	if queueSize <= 0 {
		queueSize = config.DefaultSubscriberQueue
	}
	handle := rtmp.NewSessionHandle(queueSize)
	if err := p.Hub.RegisterSubscriber(ctx, key, handle); err != nil {
		return false, errors.Wrapf(ErrRelayConnectFailure, "register local subscriber: %v", err)
	}
	defer p.Hub.Unregister(context.Background(), key, handle)
	if stat, ok := p.Hub.Stat(ctx, key); !ok || !stat.Published {
		// Unpublished while connecting to the remote.
		return true, nil
	}
	logger.Info("[push] relaying")

	// A remote that stops reading blocks WriteMessage; closing the connection unblocks it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-handle.Done():
		case <-stop:
			return
		}
		client.Abort()
	}()

	// The remote only sends control traffic, which still has to be read for acknowledgements and pings.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, err := client.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case err := <-readErr:
			return true, errors.Wrapf(ErrRelayConnectFailure, "read: %v", err)
		case <-handle.Done():
			return true, errors.Wrapf(ErrRelayConnectFailure, "local subscription: %v", handle.Err())
		case ev := <-handle.Events():
			switch ev.Type {
			case rtmp.EventMedia:
				if err := client.WriteMessage(ev.Message); err != nil {
					if ctx.Err() != nil {
						return true, nil
					}
					if handle.Err() != nil {
						return true, errors.Wrapf(ErrRelayConnectFailure, "local subscription: %v", handle.Err())
					}
					return true, errors.Wrapf(ErrRelayConnectFailure, "write: %v", err)
				}
			case rtmp.EventUnpublish:
				return true, nil
			}
		}
	}
}
