package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/torresjeff/rtmprelay/config"
	"github.com/torresjeff/rtmprelay/relay"
	"github.com/torresjeff/rtmprelay/rtmp"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file; "+config.EnvPrefix+"* variables override it")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath, os.Environ())
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtmprelay: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtmprelay: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// run serves until SIGINT or SIGTERM, or until a listener fails.
func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The hub outlives the listeners so that closing sessions can still unregister.
	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := rtmp.NewHub(logger)
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()
	hub.SetHLSEnabled(cfg.HLS.Enabled)

	var wg sync.WaitGroup
	fatal := make(chan error, 2)
	serve := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("listener failed", zap.String("listener", name), zap.Error(err))
				fatal <- err
				stop()
			}
		}()
	}

	server := &rtmp.Server{
		Addr:   net.JoinHostPort("", strconv.Itoa(cfg.RTMP.Port)),
		Logger: logger,
		Hub:    hub,
		Options: rtmp.SessionOptions{
			ChunkSize:        cfg.RTMP.ChunkSize,
			WindowAckSize:    cfg.RTMP.WindowAckSize,
			HandshakeTimeout: cfg.RTMP.HandshakeTimeout,
			CommandTimeout:   cfg.RTMP.CommandTimeout,
			SubscriberQueue:  cfg.RTMP.SubscriberQueue,
		},
	}
	if cfg.RTMP.Enabled {
		serve("rtmp", server.ListenAndServe)
	}
	if cfg.SRT.Enabled {
		srtListener := &rtmp.SRTListener{
			Addr:       net.JoinHostPort("", strconv.Itoa(cfg.SRT.Port)),
			Passphrase: cfg.SRT.Passphrase,
			Latency:    cfg.SRT.Latency,
			Logger:     logger,
			Server:     server,
		}
		serve("srt", srtListener.ListenAndServe)
	}

	relays := relay.NewManager(logger, hub, cfg.RTMP)
	wg.Add(1)
	go func() {
		defer wg.Done()
		relays.Run(ctx)
	}()

	logger.Info("rtmprelay started",
		zap.Bool("rtmp", cfg.RTMP.Enabled), zap.Bool("srt", cfg.SRT.Enabled), zap.Int("relays", len(relays.Tasks())),
		zap.Bool("hls", hub.HLSEnabled()), zap.Bool("httpflv", cfg.HTTPFLV.Enabled))
	<-ctx.Done()
	logger.Info("shutting down")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		// SRT sessions run on the RTMP server too.
		server.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, closing the hub anyway")
	}

	select {
	case err := <-fatal:
		return err
	default:
		return nil
	}
}
