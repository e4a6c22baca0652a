package config

import "time"

const DefaultPort = 1935

// BuffioSize is the size of the buffered reader and writer wrapping every connection.
const BuffioSize = 1024 * 64

const DefaultApp = "live"
const DefaultClientWindowSize uint32 = 2500000
const DefaultChunkSize uint32 = 4096

// DefaultPublishStream is the message stream id used for connection level commands.
const DefaultPublishStream uint32 = 0

const FlashMediaServerVersion string = "FMS/3,5,7,7009"

const Capabilities int = 31

const Mode int = 1

// DefaultStreamID is the message stream id handed out by createStream.
const DefaultStreamID uint32 = 1

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCommandTimeout   = 30 * time.Second
	DefaultSubscriberQueue  = 1024
	DefaultBackoffInitial   = time.Second
	DefaultBackoffMax       = 30 * time.Second
	DefaultSRTPort          = 9000
	DefaultSRTLatency       = 120 * time.Millisecond
)
