package config

import (
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

// Validate checks that all configuration values are within acceptable ranges.
// Returns an error describing the first validation failure found.
func (c *Config) Validate() error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return errors.Wrapf(err, "log config: level %q", c.Log.Level)
	}
	if err := c.RTMP.Validate(); err != nil {
		return errors.Wrap(err, "rtmp config")
	}
	if err := c.SRT.Validate(); err != nil {
		return errors.Wrap(err, "srt config")
	}
	if c.RTMP.Enabled && c.SRT.Enabled && c.RTMP.Port == c.SRT.Port {
		return errors.Errorf("rtmp port and srt port must be different, both are %d", c.RTMP.Port)
	}
	return nil
}

// Validate checks RTMP listener and relay values.
func (r *RTMPConfig) Validate() error {
	if err := validatePort("port", r.Port); err != nil {
		return err
	}
	if r.ChunkSize < 1 || r.ChunkSize > 0x7FFFFFFF {
		return errors.Errorf("chunk_size must be between 1 and 2147483647, got %d", r.ChunkSize)
	}
	if r.HandshakeTimeout < 0 || r.CommandTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if r.SubscriberQueue < 0 {
		return errors.Errorf("subscriber_queue must be positive, got %d", r.SubscriberQueue)
	}
	if r.Backoff.Initial < 0 || r.Backoff.Max < r.Backoff.Initial {
		return errors.Errorf("backoff max (%s) must not be lower than initial (%s)", r.Backoff.Max, r.Backoff.Initial)
	}
	for i, p := range r.Push {
		if err := p.Validate(); err != nil {
			return errors.Wrapf(err, "push[%d]", i)
		}
		if (p.App == "") != (p.Stream == "") {
			return errors.Errorf("push[%d]: app and stream must be set together", i)
		}
	}
	if err := r.Pull.Validate(); err != nil {
		return errors.Wrap(err, "pull")
	}
	if r.Pull.Enabled && (r.Pull.App == "" || r.Pull.Stream == "") {
		return errors.New("pull: app and stream are required")
	}
	return nil
}

// Validate checks a relay entry. Disabled entries are never validated.
func (r *RelayConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.Address == "" {
		return errors.New("address is required")
	}
	return validatePort("port", r.Port)
}

func (s *SRTConfig) Validate() error {
	if err := validatePort("port", s.Port); err != nil {
		return err
	}
	if s.Passphrase != "" && (len(s.Passphrase) < 10 || len(s.Passphrase) > 79) {
		return errors.New("passphrase must be between 10 and 79 characters")
	}
	return nil
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return errors.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}
