package rtmp

import (
	"context"
	"time"

	srt "github.com/datarhei/gosrt"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SRTListener accepts SRT connections and serves each one as an RTMP session: the SRT socket
// carries the plain RTMP byte stream (handshake and chunks).
type SRTListener struct {
	Addr       string
	Passphrase string
	Latency    time.Duration
	Logger     *zap.Logger
	// Server runs the sessions, so SRT and TCP sessions share the hub and the session options.
	Server *Server
}

func (l *SRTListener) config() srt.Config {
	cfg := srt.DefaultConfig()
	if l.Latency > 0 {
		cfg.Latency = l.Latency
	}
	// A dropped packet would desynchronize the chunk stream.
	cfg.TooLatePacketDrop = false
	return cfg
}

// ListenAndServe listens on l.Addr until ctx is cancelled.
func (l *SRTListener) ListenAndServe(ctx context.Context) error {
	ln, err := srt.Listen("srt", l.Addr, l.config())
	if err != nil {
		return errors.Wrapf(err, "[srt] listen on %s", l.Addr)
	}
	l.Logger.Info("[srt] listening", zap.String("addr", l.Addr))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close()
	}()

	for {
		conn, mode, err := ln.Accept(l.accept)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "[srt] accept")
		}
		if conn == nil || mode == srt.REJECT {
			continue
		}
		l.Server.ServeConn(ctx, conn)
	}
}

// accept admits a connection request. With a passphrase configured, unencrypted requests are refused.
func (l *SRTListener) accept(req srt.ConnRequest) srt.ConnType {
	logger := l.Logger.With(zap.Stringer("remote", req.RemoteAddr()), zap.String("streamid", req.StreamId()))
	if l.Passphrase != "" {
		if !req.IsEncrypted() {
			logger.Warn("[srt] rejecting unencrypted connection")
			return srt.REJECT
		}
		if err := req.SetPassphrase(l.Passphrase); err != nil {
			logger.Warn("[srt] rejecting connection, wrong passphrase", zap.Error(err))
			return srt.REJECT
		}
	}
	logger.Info("[srt] accepted connection")
	// The mode only matters to gosrt's own pub/sub helpers; the RTMP commands decide the role.
	return srt.PUBLISH
}
