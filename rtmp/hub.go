package rtmp

import (
	"context"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type ChannelEventType uint8

const (
	ChannelPublished ChannelEventType = iota
	ChannelUnpublished
)

// ChannelEvent reports a publisher arriving on or leaving a stream key.
type ChannelEvent struct {
	Type ChannelEventType
	Key  StreamKey
}

// ChannelStat describes a channel at the time of the query.
type ChannelStat struct {
	Key         StreamKey
	Published   bool
	Subscribers int
}

const (
	hubRequestQueue = 256
	watchQueue      = 256
)

// Hub routes media from publishers to subscribers. The registry is owned by the Run goroutine;
// every other method sends it a request and, except Route, waits for it to be applied.
type Hub struct {
	logger   *zap.Logger
	requests chan func()
	done     chan struct{}

	channels map[StreamKey]*channel
	watchers map[chan ChannelEvent]struct{}

	hlsEnabled  atomic.Bool
	pushEnabled atomic.Bool
	pullEnabled atomic.Bool
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger,
		requests: make(chan func(), hubRequestQueue),
		done:     make(chan struct{}),
		channels: make(map[StreamKey]*channel),
		watchers: make(map[chan ChannelEvent]struct{}),
	}
}

// Run processes requests until ctx is cancelled. On return every handle still registered is
// closed with ErrHubClosed and every Watch channel is closed.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-h.requests:
			req()
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for key, ch := range h.channels {
		if ch.publisher != nil {
			ch.publisher.close(ErrHubClosed)
		}
		for _, sub := range ch.subscribers {
			sub.close(ErrHubClosed)
		}
		delete(h.channels, key)
	}
	for w := range h.watchers {
		close(w)
		delete(h.watchers, w)
	}
	h.logger.Info("[hub] stopped")
}

// do runs fn on the hub goroutine and waits for it.
func (h *Hub) do(ctx context.Context, fn func()) error {
	applied := make(chan struct{})
	select {
	case h.requests <- func() { fn(); close(applied) }:
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-applied:
		return nil
	case <-h.done:
		select {
		case <-applied:
			return nil
		default:
			// Run stopped with the request still queued.
			return ErrHubClosed
		}
	}
}

// RegisterPublisher makes handle the publisher of key. It fails with ErrChannelConflict if the
// key already has a publisher; the existing publisher is left untouched.
func (h *Hub) RegisterPublisher(ctx context.Context, key StreamKey, handle *SessionHandle) error {
	var err error
	if doErr := h.do(ctx, func() { err = h.registerPublisher(key, handle) }); doErr != nil {
		return doErr
	}
	return err
}

// RegisterSubscriber adds handle to the subscribers of key, creating the channel if needed.
// The cached metadata, sequence headers and keyframe are queued before any live media.
func (h *Hub) RegisterSubscriber(ctx context.Context, key StreamKey, handle *SessionHandle) error {
	return h.do(ctx, func() { h.registerSubscriber(key, handle) })
}

// Unregister removes handle from key, whether it is the publisher or a subscriber.
func (h *Hub) Unregister(ctx context.Context, key StreamKey, handle *SessionHandle) error {
	return h.do(ctx, func() { h.unregister(key, handle) })
}

// Route queues msg for every subscriber of key without waiting for delivery.
// Messages routed by one publisher reach every subscriber in the same order.
func (h *Hub) Route(ctx context.Context, key StreamKey, msg *Message) error {
	select {
	case h.requests <- func() { h.route(key, msg) }:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch streams publish and unpublish events until ctx is cancelled or the hub stops. Channels
// that already have a publisher are reported first. Events are dropped if the reader falls behind.
func (h *Hub) Watch(ctx context.Context) <-chan ChannelEvent {
	w := make(chan ChannelEvent, watchQueue)
	err := h.do(ctx, func() {
		h.watchers[w] = struct{}{}
		for key, ch := range h.channels {
			if ch.publisher != nil {
				h.sendWatchEvent(w, ChannelEvent{Type: ChannelPublished, Key: key})
			}
		}
	})
	if err != nil {
		close(w)
		return w
	}
	go func() {
		<-ctx.Done()
		h.do(context.Background(), func() {
			if _, ok := h.watchers[w]; ok {
				delete(h.watchers, w)
				close(w)
			}
		})
	}()
	return w
}

// Stat reports the state of key. ok is false if the channel does not exist or the hub is stopped.
func (h *Hub) Stat(ctx context.Context, key StreamKey) (stat ChannelStat, ok bool) {
	err := h.do(ctx, func() {
		ch, exists := h.channels[key]
		if !exists {
			return
		}
		ok = true
		stat = ChannelStat{Key: key, Published: ch.publisher != nil, Subscribers: len(ch.subscribers)}
	})
	if err != nil {
		return ChannelStat{}, false
	}
	return stat, ok
}

// Channels lists the stream keys currently known to the hub.
func (h *Hub) Channels(ctx context.Context) []StreamKey {
	var keys []StreamKey
	h.do(ctx, func() {
		for key := range h.channels {
			keys = append(keys, key)
		}
	})
	return keys
}

func (h *Hub) SetHLSEnabled(enabled bool)      { h.hlsEnabled.Store(enabled) }
func (h *Hub) SetRTMPPushEnabled(enabled bool) { h.pushEnabled.Store(enabled) }
func (h *Hub) SetRTMPPullEnabled(enabled bool) { h.pullEnabled.Store(enabled) }
func (h *Hub) HLSEnabled() bool                { return h.hlsEnabled.Load() }
func (h *Hub) RTMPPushEnabled() bool           { return h.pushEnabled.Load() }
func (h *Hub) RTMPPullEnabled() bool           { return h.pullEnabled.Load() }

// The methods below run on the hub goroutine.

func (h *Hub) channel(key StreamKey) *channel {
	ch, ok := h.channels[key]
	if !ok {
		ch = &channel{key: key}
		h.channels[key] = ch
	}
	return ch
}

func (h *Hub) registerPublisher(key StreamKey, handle *SessionHandle) error {
	ch := h.channel(key)
	if ch.publisher != nil {
		return ErrChannelConflict
	}
	ch.publisher = handle
	ch.cache.reset()
	h.logger.Info("[hub] publisher registered", zap.Stringer("stream", key), zap.String("handle", handle.ID()))

	h.broadcast(ch, Event{Type: EventPublish, Key: key})
	h.notifyWatchers(ChannelEvent{Type: ChannelPublished, Key: key})
	return nil
}

func (h *Hub) registerSubscriber(key StreamKey, handle *SessionHandle) {
	ch := h.channel(key)
	if ch.hasSubscriber(handle) {
		return
	}
	ch.subscribers = append(ch.subscribers, handle)
	h.logger.Info("[hub] subscriber registered", zap.Stringer("stream", key), zap.String("handle", handle.ID()))

	for _, msg := range ch.cache.replay() {
		if !handle.push(Event{Type: EventMedia, Key: key, Message: msg}) {
			h.evict(ch, handle)
			return
		}
	}
}

func (h *Hub) unregister(key StreamKey, handle *SessionHandle) {
	ch, ok := h.channels[key]
	if !ok {
		return
	}
	if ch.publisher == handle {
		ch.publisher = nil
		ch.cache.reset()
		h.logger.Info("[hub] publisher unregistered", zap.Stringer("stream", key), zap.String("handle", handle.ID()))
		h.broadcast(ch, Event{Type: EventUnpublish, Key: key})
		h.notifyWatchers(ChannelEvent{Type: ChannelUnpublished, Key: key})
	} else if ch.removeSubscriber(handle) {
		h.logger.Info("[hub] subscriber unregistered", zap.Stringer("stream", key), zap.String("handle", handle.ID()))
	}
	h.prune(ch)
}

func (h *Hub) route(key StreamKey, msg *Message) {
	ch, ok := h.channels[key]
	if !ok || ch.publisher == nil {
		return
	}
	ch.cache.update(msg)
	h.broadcast(ch, Event{Type: EventMedia, Key: key, Message: msg})
}

// broadcast queues ev for every subscriber of ch, evicting the ones whose queue is full.
func (h *Hub) broadcast(ch *channel, ev Event) {
	var slow []*SessionHandle
	for _, sub := range ch.subscribers {
		if !sub.push(ev) {
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		h.evict(ch, sub)
	}
}

func (h *Hub) evict(ch *channel, handle *SessionHandle) {
	ch.removeSubscriber(handle)
	handle.close(ErrBackpressureExceeded)
	h.logger.Warn("[hub] subscriber evicted", zap.Stringer("stream", ch.key), zap.String("handle", handle.ID()), zap.Error(ErrBackpressureExceeded))
	h.prune(ch)
}

func (h *Hub) prune(ch *channel) {
	if ch.empty() {
		delete(h.channels, ch.key)
	}
}

func (h *Hub) notifyWatchers(ev ChannelEvent) {
	for w := range h.watchers {
		h.sendWatchEvent(w, ev)
	}
}

func (h *Hub) sendWatchEvent(w chan ChannelEvent, ev ChannelEvent) {
	select {
	case w <- ev:
	default:
		h.logger.Warn("[hub] watcher is falling behind, dropping event", zap.Stringer("stream", ev.Key))
	}
}
