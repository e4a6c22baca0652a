package rtmp

import (
	"sync"

	"github.com/torresjeff/rtmprelay/rand"
)

// StreamKey identifies a channel in the hub.
type StreamKey struct {
	App  string
	Name string
}

func (k StreamKey) String() string {
	return k.App + "/" + k.Name
}

func (k StreamKey) IsZero() bool {
	return k.App == "" && k.Name == ""
}

type EventType uint8

const (
	// EventMedia carries an audio, video or data message of the channel.
	EventMedia EventType = iota
	// EventPublish tells a waiting subscriber that a publisher started.
	EventPublish
	// EventUnpublish tells a subscriber that the publisher left. The subscription stays in place.
	EventUnpublish
)

func (t EventType) String() string {
	switch t {
	case EventMedia:
		return "media"
	case EventPublish:
		return "publish"
	case EventUnpublish:
		return "unpublish"
	}
	return "unknown"
}

type Event struct {
	Type    EventType
	Key     StreamKey
	Message *Message
}

// SessionHandle is what the hub keeps of a publisher or subscriber: an id, a bounded event
// queue and a done signal. The owner of the handle reads Events and Done; only the hub sends
// events and closes handles.
type SessionHandle struct {
	id     string
	events chan Event

	once sync.Once
	done chan struct{}
	err  error
}

// NewSessionHandle creates a handle whose event queue holds at most queueSize events.
func NewSessionHandle(queueSize int) *SessionHandle {
	if queueSize < 1 {
		queueSize = 1
	}
	return &SessionHandle{
		id:     rand.GenerateUuid(),
		events: make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
}

func (h *SessionHandle) ID() string {
	return h.id
}

func (h *SessionHandle) Events() <-chan Event {
	return h.events
}

// Done is closed when the hub drops the handle (eviction or hub shutdown).
func (h *SessionHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the reason the handle was closed, or nil while it is open.
func (h *SessionHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// push queues ev without blocking. It returns false if the queue is full.
func (h *SessionHandle) push(ev Event) bool {
	select {
	case h.events <- ev:
		return true
	default:
		return false
	}
}

func (h *SessionHandle) close(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}
