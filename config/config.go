// Package config holds the process configuration. It is read from a YAML
// file with strict decoding and explicit defaults.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the complete server configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	RTMP    RTMPConfig    `yaml:"rtmp"`
	SRT     SRTConfig     `yaml:"srt"`
	HLS     FeatureConfig `yaml:"hls"`
	HTTPFLV FeatureConfig `yaml:"httpflv"`
}

type LogConfig struct {
	Level       string `yaml:"level"` // debug | info | warn | error
	Development bool   `yaml:"development"`
}

// RTMPConfig defines the RTMP listener, the protocol knobs of every session and the relays.
type RTMPConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Port             int           `yaml:"port"`
	ChunkSize        uint32        `yaml:"chunk_size"`
	WindowAckSize    uint32        `yaml:"window_ack_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	SubscriberQueue  int           `yaml:"subscriber_queue"`
	Push             []RelayConfig `yaml:"push,omitempty"`
	Pull             RelayConfig   `yaml:"pull"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

// RelayConfig is one remote RTMP peer. For push entries an empty App/Stream
// means every stream published locally.
type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	App     string `yaml:"app,omitempty"`
	Stream  string `yaml:"stream,omitempty"`
}

type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// SRTConfig defines the SRT listener. Each SRT connection carries a plain RTMP byte stream.
type SRTConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Port       int           `yaml:"port"`
	Passphrase string        `yaml:"passphrase"`
	Latency    time.Duration `yaml:"latency"`
}

// FeatureConfig only toggles a hub feature flag.
type FeatureConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		RTMP: RTMPConfig{
			Enabled:          true,
			Port:             DefaultPort,
			ChunkSize:        DefaultChunkSize,
			WindowAckSize:    DefaultClientWindowSize,
			HandshakeTimeout: DefaultHandshakeTimeout,
			CommandTimeout:   DefaultCommandTimeout,
			SubscriberQueue:  DefaultSubscriberQueue,
			Backoff: BackoffConfig{
				Initial: DefaultBackoffInitial,
				Max:     DefaultBackoffMax,
			},
		},
		SRT: SRTConfig{
			Port:    DefaultSRTPort,
			Latency: DefaultSRTLatency,
		},
	}
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv reads configuration from an optional YAML file, then applies the
// RTMPRELAY_ overrides found in environ.
func LoadWithEnv(path string, environ []string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := decode(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, environ); err != nil {
		return nil, err
	}
	return finish(cfg)
}

// Parse decodes a YAML document on top of Default. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	return finish(cfg)
}

func decode(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return errors.Wrap(err, "decode config")
	}
	return nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults fills zero values that the YAML document set explicitly or left inside list entries.
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.RTMP.Port == 0 {
		c.RTMP.Port = DefaultPort
	}
	if c.RTMP.ChunkSize == 0 {
		c.RTMP.ChunkSize = DefaultChunkSize
	}
	if c.RTMP.WindowAckSize == 0 {
		c.RTMP.WindowAckSize = DefaultClientWindowSize
	}
	if c.RTMP.HandshakeTimeout == 0 {
		c.RTMP.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.RTMP.CommandTimeout == 0 {
		c.RTMP.CommandTimeout = DefaultCommandTimeout
	}
	if c.RTMP.SubscriberQueue == 0 {
		c.RTMP.SubscriberQueue = DefaultSubscriberQueue
	}
	if c.RTMP.Backoff.Initial == 0 {
		c.RTMP.Backoff.Initial = DefaultBackoffInitial
	}
	if c.RTMP.Backoff.Max == 0 {
		c.RTMP.Backoff.Max = DefaultBackoffMax
	}
	for i := range c.RTMP.Push {
		if c.RTMP.Push[i].Port == 0 {
			c.RTMP.Push[i].Port = DefaultPort
		}
	}
	if c.RTMP.Pull.Port == 0 {
		c.RTMP.Pull.Port = DefaultPort
	}
	if c.SRT.Port == 0 {
		c.SRT.Port = DefaultSRTPort
	}
	if c.SRT.Latency == 0 {
		c.SRT.Latency = DefaultSRTLatency
	}
}
