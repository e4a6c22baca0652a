package rtmp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server represents the RTMP server, where a client/app can stream media to. The server listens for incoming connections.
type Server struct {
	Addr    string
	Logger  *zap.Logger
	Hub     *Hub
	Options SessionOptions

	wg sync.WaitGroup
}

// ListenAndServe listens on s.Addr and serves connections until ctx is cancelled.
// A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "[server] listen on %s", s.Addr)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener and runs one session per connection. It returns once
// ctx is cancelled and every session has ended.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.Logger.Info("[server] listening", zap.Stringer("addr", listener.Addr()))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		listener.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.Logger.Warn("[server] accept error, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			s.wg.Wait()
			return errors.Wrap(err, "[server] accept")
		}
		tempDelay = 0

		s.ServeConn(ctx, conn)
	}
}

// ServeConn runs a session on an already accepted connection in a new goroutine.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		sess := NewSession(s.Logger, conn, s.Hub, s.Options)
		logger := s.Logger.With(zap.String("session", sess.ID()), zap.Stringer("remote", conn.RemoteAddr()))
		logger.Info("[server] starting session")
		if err := sess.Run(ctx); err != nil {
			logger.Warn("[server] session ended with an error", zap.Error(err))
			return
		}
		logger.Info("[server] session ended")
	}()
}

// Wait blocks until every session started by the server has ended.
func (s *Server) Wait() {
	s.wg.Wait()
}
