package relay

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/torresjeff/rtmprelay/config"
	"github.com/torresjeff/rtmprelay/rtmp"
	"go.uber.org/zap"
)

// Task is a relay running until its context is cancelled.
type Task interface {
	Run(ctx context.Context) error
}

// Manager runs the relays configured for the RTMP server.
type Manager struct {
	logger *zap.Logger
	hub    *rtmp.Hub
	tasks  []Task
}

// NewManager builds one task per enabled relay entry of cfg and sets the matching hub flags.
// Disabled entries are ignored.
func NewManager(logger *zap.Logger, hub *rtmp.Hub, cfg config.RTMPConfig) *Manager {
	m := &Manager{logger: logger, hub: hub}
	opts := rtmp.ClientOptions{ChunkSize: cfg.ChunkSize, CommandTimeout: cfg.CommandTimeout}
	backoff := BackoffFromConfig(cfg.Backoff)

	for _, push := range cfg.Push {
		if !push.Enabled {
			continue
		}
		m.tasks = append(m.tasks, &Pusher{
			Addr:      address(push),
			Key:       rtmp.StreamKey{App: push.App, Name: push.Stream},
			Hub:       hub,
			Logger:    logger,
			Backoff:   backoff,
			Options:   opts,
			QueueSize: cfg.SubscriberQueue,
		})
		hub.SetRTMPPushEnabled(true)
	}

	if cfg.Pull.Enabled {
		m.tasks = append(m.tasks, &Puller{
			Addr:    address(cfg.Pull),
			Key:     rtmp.StreamKey{App: cfg.Pull.App, Name: cfg.Pull.Stream},
			Hub:     hub,
			Logger:  logger,
			Backoff: backoff,
			Options: opts,
		})
		hub.SetRTMPPullEnabled(true)
	}
	return m
}

func (m *Manager) Tasks() []Task {
	return m.tasks
}

// Run starts every task and waits until all of them have returned.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, task := range m.tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			if err := t.Run(ctx); err != nil {
				m.logger.Error("[relay] task stopped", zap.Error(err))
			}
		}(task)
	}
	m.logger.Info("[relay] started", zap.Int("tasks", len(m.tasks)))
	wg.Wait()
	return nil
}

func address(cfg config.RelayConfig) string {
	port := cfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	return net.JoinHostPort(cfg.Address, strconv.Itoa(port))
}
