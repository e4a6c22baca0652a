package rtmp

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/torresjeff/rtmprelay/amf/amf0"
	"go.uber.org/zap/zaptest"
)

var testKey = StreamKey{App: "live", Name: "cam1"}

// startHub runs a hub until the test ends.
func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub, cancel
}

// waitApplied waits until every request sent to the hub so far has been applied.
func waitApplied(t *testing.T, hub *Hub) {
	t.Helper()
	hub.Stat(context.Background(), StreamKey{})
}

func metadataMessage(t *testing.T, ts uint32) *Message {
	t.Helper()
	msg, err := newDataMessage(1, "onMetaData", amf0.ECMAArray{"width": 1280, "height": 720})
	if err != nil {
		t.Fatal(err)
	}
	msg.Timestamp = ts
	return msg
}

func videoSequenceHeader(ts uint32) *Message {
	return &Message{Type: VideoMessage, Timestamp: ts, StreamID: 1, Payload: []byte{0x17, 0x00, 0, 0, 0, 0x01, 0x64}}
}

func audioSequenceHeader(ts uint32) *Message {
	return &Message{Type: AudioMessage, Timestamp: ts, StreamID: 1, Payload: []byte{0xAF, 0x00, 0x12, 0x10}}
}

func keyFrame(ts uint32) *Message {
	return &Message{Type: VideoMessage, Timestamp: ts, StreamID: 1, Payload: []byte{0x17, 0x01, 0, 0, 0, 0xAA}}
}

func interFrame(ts uint32) *Message {
	return &Message{Type: VideoMessage, Timestamp: ts, StreamID: 1, Payload: []byte{0x27, 0x01, 0, 0, 0, 0xBB}}
}

func audioFrame(ts uint32) *Message {
	return &Message{Type: AudioMessage, Timestamp: ts, StreamID: 1, Payload: []byte{0xAF, 0x01, 0xCC}}
}

func drain(h *SessionHandle) []Event {
	var events []Event
	for {
		select {
		case ev := <-h.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func mediaOf(events []Event) []*Message {
	var msgs []*Message
	for _, ev := range events {
		if ev.Type == EventMedia {
			msgs = append(msgs, ev.Message)
		}
	}
	return msgs
}

func TestHubFanOutOrder(t *testing.T) {
	hub, _ := startHub(t)
	ctx := context.Background()

	publisher := NewSessionHandle(1)
	if err := hub.RegisterPublisher(ctx, testKey, publisher); err != nil {
		t.Fatal(err)
	}
	subscribers := []*SessionHandle{NewSessionHandle(256), NewSessionHandle(256), NewSessionHandle(256)}
	for _, sub := range subscribers {
		if err := hub.RegisterSubscriber(ctx, testKey, sub); err != nil {
			t.Fatal(err)
		}
	}

	var sent []*Message
	for i := 0; i < 100; i++ {
		msg := audioFrame(uint32(i * 23))
		if i%3 == 0 {
			msg = interFrame(uint32(i * 23))
		}
		sent = append(sent, msg)
		if err := hub.Route(ctx, testKey, msg); err != nil {
			t.Fatal(err)
		}
	}
	waitApplied(t, hub)

	for i, sub := range subscribers {
		got := mediaOf(drain(sub))
		if !reflect.DeepEqual(got, sent) {
			t.Errorf("subscriber %d received %d messages out of order", i, len(got))
		}
	}
}

func TestHubPublisherConflict(t *testing.T) {
	hub, _ := startHub(t)
	ctx := context.Background()

	first, second := NewSessionHandle(1), NewSessionHandle(1)
	if err := hub.RegisterPublisher(ctx, testKey, first); err != nil {
		t.Fatal(err)
	}
	if err := hub.RegisterPublisher(ctx, testKey, second); !errors.Is(err, ErrChannelConflict) {
		t.Fatalf("second RegisterPublisher() error = %v, want ErrChannelConflict", err)
	}

	// The first publisher still owns the channel.
	sub := NewSessionHandle(16)
	hub.RegisterSubscriber(ctx, testKey, sub)
	hub.Route(ctx, testKey, interFrame(40))
	hub.Unregister(ctx, testKey, second)
	stat, ok := hub.Stat(ctx, testKey)
	if !ok || !stat.Published || stat.Subscribers != 1 {
		t.Errorf("Stat() = %+v, %v", stat, ok)
	}
	if got := mediaOf(drain(sub)); len(got) != 1 {
		t.Errorf("subscriber received %d messages, want 1", len(got))
	}
}

func TestHubLateJoinerReplay(t *testing.T) {
	hub, _ := startHub(t)
	ctx := context.Background()

	publisher := NewSessionHandle(1)
	hub.RegisterPublisher(ctx, testKey, publisher)

	meta := metadataMessage(t, 0)
	vseq, aseq := videoSequenceHeader(0), audioSequenceHeader(0)
	key1, key2 := keyFrame(40), keyFrame(2040)
	// Arrival order differs from the replay order on purpose.
	for _, msg := range []*Message{aseq, vseq, meta, key1, interFrame(80), audioFrame(90), key2, interFrame(2080)} {
		hub.Route(ctx, testKey, msg)
	}

	late := NewSessionHandle(16)
	if err := hub.RegisterSubscriber(ctx, testKey, late); err != nil {
		t.Fatal(err)
	}
	live := interFrame(2120)
	hub.Route(ctx, testKey, live)
	waitApplied(t, hub)

	got := mediaOf(drain(late))
	want := []*Message{meta, vseq, aseq, key2, live}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("late joiner received %d messages, want metadata, video and audio sequence headers, last keyframe, live", len(got))
		for i, m := range got {
			t.Logf("  %d: %v ts=%d % x", i, m.Type, m.Timestamp, m.Payload[:2])
		}
	}
}

func TestHubSubscriberBeforePublisher(t *testing.T) {
	hub, _ := startHub(t)
	ctx := context.Background()

	sub := NewSessionHandle(16)
	if err := hub.RegisterSubscriber(ctx, testKey, sub); err != nil {
		t.Fatal(err)
	}
	if stat, ok := hub.Stat(ctx, testKey); !ok || stat.Published {
		t.Fatalf("Stat() = %+v, %v; want a waiting channel", stat, ok)
	}

	hub.RegisterPublisher(ctx, testKey, NewSessionHandle(1))
	hub.Route(ctx, testKey, keyFrame(0))
	waitApplied(t, hub)

	events := drain(sub)
	if len(events) != 2 || events[0].Type != EventPublish || events[1].Type != EventMedia {
		t.Errorf("events = %+v, want publish then media", events)
	}
}

func TestHubCleanup(t *testing.T) {
	hub, _ := startHub(t)
	ctx := context.Background()

	publisher, sub := NewSessionHandle(1), NewSessionHandle(16)
	hub.RegisterPublisher(ctx, testKey, publisher)
	hub.RegisterSubscriber(ctx, testKey, sub)
	hub.Route(ctx, testKey, videoSequenceHeader(0))
	hub.Route(ctx, testKey, keyFrame(0))

	if err := hub.Unregister(ctx, testKey, publisher); err != nil {
		t.Fatal(err)
	}
	events := drain(sub)
	if last := events[len(events)-1]; last.Type != EventUnpublish {
		t.Errorf("last event = %v, want unpublish", last.Type)
	}
	if sub.Err() != nil {
		t.Errorf("subscriber closed on unpublish: %v", sub.Err())
	}

	hub.Unregister(ctx, testKey, sub)
	if keys := hub.Channels(ctx); len(keys) != 0 {
		t.Fatalf("Channels() = %v, want none", keys)
	}

	// A new publisher and subscriber start from an empty cache.
	hub.RegisterPublisher(ctx, testKey, NewSessionHandle(1))
	fresh := NewSessionHandle(16)
	hub.RegisterSubscriber(ctx, testKey, fresh)
	if got := mediaOf(drain(fresh)); len(got) != 0 {
		t.Errorf("fresh subscriber received %d stale messages", len(got))
	}
}

func TestHubUnregisterUnknown(t *testing.T) {
	hub, _ := startHub(t)
	if err := hub.Unregister(context.Background(), testKey, NewSessionHandle(1)); err != nil {
		t.Errorf("Unregister() of an unknown handle = %v", err)
	}
}

func TestHubBackpressure(t *testing.T) {
	hub, _ := startHub(t)
	ctx := context.Background()

	hub.RegisterPublisher(ctx, testKey, NewSessionHandle(1))
	slow, fast := NewSessionHandle(2), NewSessionHandle(64)
	hub.RegisterSubscriber(ctx, testKey, slow)
	hub.RegisterSubscriber(ctx, testKey, fast)

	for i := 0; i < 5; i++ {
		hub.Route(ctx, testKey, audioFrame(uint32(i)))
	}
	waitApplied(t, hub)

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow subscriber was not evicted")
	}
	if !errors.Is(slow.Err(), ErrBackpressureExceeded) {
		t.Errorf("slow.Err() = %v, want ErrBackpressureExceeded", slow.Err())
	}
	if fast.Err() != nil {
		t.Errorf("fast subscriber closed: %v", fast.Err())
	}
	if got := mediaOf(drain(fast)); len(got) != 5 {
		t.Errorf("fast subscriber received %d messages, want 5", len(got))
	}
	if stat, _ := hub.Stat(ctx, testKey); stat.Subscribers != 1 {
		t.Errorf("%d subscribers left, want 1", stat.Subscribers)
	}
}

func TestHubWatch(t *testing.T) {
	hub, _ := startHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	existing := StreamKey{App: "live", Name: "existing"}
	hub.RegisterPublisher(ctx, existing, NewSessionHandle(1))

	events := hub.Watch(ctx)
	publisher := NewSessionHandle(1)
	hub.RegisterPublisher(ctx, testKey, publisher)
	hub.Unregister(ctx, testKey, publisher)

	want := []ChannelEvent{
		{Type: ChannelPublished, Key: existing},
		{Type: ChannelPublished, Key: testKey},
		{Type: ChannelUnpublished, Key: testKey},
	}
	for i, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Errorf("event %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not received", i)
		}
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Error("unexpected event after cancel")
		}
	case <-time.After(time.Second):
		t.Error("watch channel not closed after cancel")
	}
}

func TestHubShutdown(t *testing.T) {
	hub, stop := startHub(t)
	ctx := context.Background()

	publisher, sub := NewSessionHandle(1), NewSessionHandle(1)
	hub.RegisterPublisher(ctx, testKey, publisher)
	hub.RegisterSubscriber(ctx, testKey, sub)
	stop()

	for _, h := range []*SessionHandle{publisher, sub} {
		select {
		case <-h.Done():
		case <-time.After(time.Second):
			t.Fatal("handle not closed on shutdown")
		}
		if !errors.Is(h.Err(), ErrHubClosed) {
			t.Errorf("Err() = %v, want ErrHubClosed", h.Err())
		}
	}
	if err := hub.RegisterPublisher(ctx, testKey, NewSessionHandle(1)); !errors.Is(err, ErrHubClosed) {
		t.Errorf("RegisterPublisher() after shutdown = %v, want ErrHubClosed", err)
	}
}

func TestHubFlags(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	if hub.HLSEnabled() || hub.RTMPPushEnabled() || hub.RTMPPullEnabled() {
		t.Fatal("flags should start disabled")
	}
	hub.SetHLSEnabled(true)
	hub.SetRTMPPushEnabled(true)
	hub.SetRTMPPullEnabled(true)
	if !hub.HLSEnabled() || !hub.RTMPPushEnabled() || !hub.RTMPPullEnabled() {
		t.Error("flags not stored")
	}
	hub.SetRTMPPushEnabled(false)
	if hub.RTMPPushEnabled() {
		t.Error("push flag not cleared")
	}
}
