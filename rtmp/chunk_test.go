package rtmp

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestChunkRoundTrip(t *testing.T) {
	messages := []*Message{
		{Type: CommandMessageAMF0, Timestamp: 0, StreamID: 0, Payload: payloadOf(300)},
		{Type: VideoMessage, Timestamp: 40, StreamID: 1, Payload: payloadOf(1)},
		{Type: VideoMessage, Timestamp: 80, StreamID: 1, Payload: payloadOf(1)},
		{Type: VideoMessage, Timestamp: 120, StreamID: 1, Payload: payloadOf(1)},
		{Type: AudioMessage, Timestamp: 120, StreamID: 1, Payload: payloadOf(0)},
		{Type: AudioMessage, Timestamp: 100, StreamID: 1, Payload: payloadOf(129)},
		{Type: VideoMessage, Timestamp: 0x1000000, StreamID: 1, Payload: payloadOf(5000)},
		{Type: VideoMessage, Timestamp: 0x1000040, StreamID: 1, Payload: payloadOf(5000)},
		{Type: DataMessageAMF0, Timestamp: 0x1000040, StreamID: 1, Payload: payloadOf(70000)},
	}

	for _, chunkSize := range []uint32{1, 2, 127, 128, 129, 4096, 65536} {
		buf := &bytes.Buffer{}
		cw := NewChunkWriter(buf)
		if err := cw.SetChunkSize(chunkSize); err != nil {
			t.Fatal(err)
		}
		for _, msg := range messages {
			if err := cw.WriteMessage(chunkStreamFor(msg.Type), msg); err != nil {
				t.Fatalf("chunk size %d: WriteMessage() error = %v", chunkSize, err)
			}
		}

		cr := NewChunkReader(buf)
		if err := cr.SetChunkSize(chunkSize); err != nil {
			t.Fatal(err)
		}
		for i, want := range messages {
			got, err := cr.ReadMessage()
			if err != nil {
				t.Fatalf("chunk size %d, message %d: ReadMessage() error = %v", chunkSize, i, err)
			}
			if got.Type != want.Type || got.Timestamp != want.Timestamp || got.StreamID != want.StreamID || !bytes.Equal(got.Payload, want.Payload) {
				t.Errorf("chunk size %d, message %d: got {%v %d %d len %d}, want {%v %d %d len %d}",
					chunkSize, i, got.Type, got.Timestamp, got.StreamID, len(got.Payload),
					want.Type, want.Timestamp, want.StreamID, len(want.Payload))
			}
		}
		if _, err := cr.ReadMessage(); err != io.EOF {
			t.Errorf("chunk size %d: expected io.EOF after the last message, got %v", chunkSize, err)
		}
		if cr.BytesRead() == 0 {
			t.Errorf("chunk size %d: BytesRead() = 0", chunkSize)
		}
	}
}

func TestChunkHeaderCompression(t *testing.T) {
	buf := &bytes.Buffer{}
	cw := NewChunkWriter(buf)

	tests := []struct {
		timestamp uint32
		want      ChunkType
	}{
		{1000, ChunkType0},
		{1040, ChunkType1}, // delta changed from 1000 to 40
		{1080, ChunkType3},
		{1120, ChunkType3},
		{1150, ChunkType1},
		{1150, ChunkType1},
		{1150, ChunkType3},
		{1100, ChunkType0}, // backwards
	}

	var sent []*Message
	for i, tt := range tests {
		msg := &Message{Type: AudioMessage, Timestamp: tt.timestamp, StreamID: 1, Payload: payloadOf(10)}
		start := buf.Len()
		if err := cw.WriteMessage(ChunkStreamAudio, msg); err != nil {
			t.Fatal(err)
		}
		if got := ChunkType(buf.Bytes()[start] >> 6); got != tt.want {
			t.Errorf("message %d (timestamp %d): chunk type %d, want %d", i, tt.timestamp, got, tt.want)
		}
		sent = append(sent, msg)
	}

	cr := NewChunkReader(buf)
	for i, want := range sent {
		got, err := cr.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("message %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestChunkTypeChangeUsesType1(t *testing.T) {
	buf := &bytes.Buffer{}
	cw := NewChunkWriter(buf)
	cw.WriteMessage(ChunkStreamData, &Message{Type: DataMessageAMF0, Timestamp: 0, StreamID: 1, Payload: payloadOf(10)})
	start := buf.Len()
	cw.WriteMessage(ChunkStreamData, &Message{Type: DataMessageAMF0, Timestamp: 0, StreamID: 1, Payload: payloadOf(11)})
	if got := ChunkType(buf.Bytes()[start] >> 6); got != ChunkType1 {
		t.Errorf("length change: chunk type %d, want %d", got, ChunkType1)
	}
	start = buf.Len()
	cw.WriteMessage(ChunkStreamData, &Message{Type: DataMessageAMF0, Timestamp: 0, StreamID: 2, Payload: payloadOf(11)})
	if got := ChunkType(buf.Bytes()[start] >> 6); got != ChunkType0 {
		t.Errorf("stream change: chunk type %d, want %d", got, ChunkType0)
	}
}

func TestExtendedTimestamp(t *testing.T) {
	buf := &bytes.Buffer{}
	cw := NewChunkWriter(buf)
	msg := &Message{Type: VideoMessage, Timestamp: 0x01000000, StreamID: 1, Payload: payloadOf(200)}
	if err := cw.WriteMessage(ChunkStreamVideo, msg); err != nil {
		t.Fatal(err)
	}

	b := buf.Bytes()
	// basic header (1) + timestamp field (3)
	if !bytes.Equal(b[1:4], []byte{0xFF, 0xFF, 0xFF}) {
		t.Errorf("timestamp field = % x, want ff ff ff", b[1:4])
	}
	if got := binary.BigEndian.Uint32(b[12:16]); got != 0x01000000 {
		t.Errorf("extended timestamp = %#x, want 0x01000000", got)
	}
	// Continuation chunk: type 3 basic header followed by the extended timestamp again.
	cont := b[16+DefaultChunkSize:]
	if cont[0] != 0xC0|byte(ChunkStreamVideo) {
		t.Errorf("continuation basic header = %#x", cont[0])
	}
	if got := binary.BigEndian.Uint32(cont[1:5]); got != 0x01000000 {
		t.Errorf("continuation extended timestamp = %#x, want 0x01000000", got)
	}

	got, err := NewChunkReader(buf).ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if got.Timestamp != 0x01000000 || !bytes.Equal(got.Payload, msg.Payload) {
		t.Errorf("decoded timestamp %#x, payload equal %v", got.Timestamp, bytes.Equal(got.Payload, msg.Payload))
	}
}

func TestChunkStreamIDEncoding(t *testing.T) {
	tests := []struct {
		csid       uint32
		headerSize int
	}{
		{2, 1}, {63, 1}, {64, 2}, {319, 2}, {320, 3}, {65599, 3},
	}
	for _, tt := range tests {
		buf := &bytes.Buffer{}
		msg := &Message{Type: CommandMessageAMF0, Payload: payloadOf(3)}
		if err := NewChunkWriter(buf).WriteMessage(tt.csid, msg); err != nil {
			t.Fatalf("csid %d: %v", tt.csid, err)
		}
		if want := tt.headerSize + chunkType0MessageHeaderLength + 3; buf.Len() != want {
			t.Errorf("csid %d: encoded %d bytes, want %d", tt.csid, buf.Len(), want)
		}
		cr := NewChunkReader(buf)
		if _, err := cr.ReadMessage(); err != nil {
			t.Fatalf("csid %d: %v", tt.csid, err)
		}
		if _, ok := cr.streams[tt.csid]; !ok {
			t.Errorf("csid %d: decoded on a different chunk stream", tt.csid)
		}
	}

	for _, csid := range []uint32{0, 1, 65600} {
		if err := NewChunkWriter(&bytes.Buffer{}).WriteMessage(csid, &Message{}); err == nil {
			t.Errorf("csid %d: expected an error", csid)
		}
	}
}

func TestDecodeType2AndInterleaving(t *testing.T) {
	var b []byte
	// type 0 on csid 4: ts 100, length 4, audio, stream 1
	b = append(b, 0x04, 0, 0, 100, 0, 0, 4, byte(AudioMessage), 1, 0, 0, 0, 'a', 'b')
	// type 0 on csid 6 interleaved: ts 10, length 2, video
	b = append(b, 0x06, 0, 0, 10, 0, 0, 2, byte(VideoMessage), 1, 0, 0, 0, 'v', 'w')
	// type 3 continuation on csid 4
	b = append(b, 0xC4, 'c', 'd')
	// type 2 on csid 4: delta 20
	b = append(b, 0x84, 0, 0, 20, 'e', 'f')
	// type 3 continuation
	b = append(b, 0xC4, 'g', 'h')
	// type 3 new message: ts 120 + 20
	b = append(b, 0xC4, 'i', 'j')
	b = append(b, 0xC4, 'k', 'l')

	cr := NewChunkReader(bytes.NewReader(b))
	if err := cr.SetChunkSize(2); err != nil {
		t.Fatal(err)
	}
	want := []*Message{
		{Type: VideoMessage, Timestamp: 10, StreamID: 1, Payload: []byte("vw")},
		{Type: AudioMessage, Timestamp: 100, StreamID: 1, Payload: []byte("abcd")},
		{Type: AudioMessage, Timestamp: 120, StreamID: 1, Payload: []byte("efgh")},
		{Type: AudioMessage, Timestamp: 140, StreamID: 1, Payload: []byte("ijkl")},
	}
	for i, w := range want {
		got, err := cr.ReadMessage()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, w) {
			t.Errorf("message %d: got %+v, want %+v", i, got, w)
		}
	}
}

func TestMalformedChunks(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"type 1 on unknown chunk stream", []byte{0x44, 0, 0, 0, 0, 0, 1, 8}},
		{"type 2 on unknown chunk stream", []byte{0x84, 0, 0, 0}},
		{"type 3 on unknown chunk stream", []byte{0xC4}},
		{
			"type 0 interrupting a message",
			append([]byte{0x04, 0, 0, 0, 0, 0, 200, 8, 1, 0, 0, 0}, append(payloadOf(128), 0x04, 0, 0, 0, 0, 0, 1, 8, 1, 0, 0, 0, 1)...),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChunkReader(bytes.NewReader(tt.in)).ReadMessage()
			if !errors.Is(err, ErrMalformedChunk) {
				t.Errorf("ReadMessage() error = %v, want ErrMalformedChunk", err)
			}
		})
	}
}

func TestAbort(t *testing.T) {
	var b []byte
	b = append(b, 0x04, 0, 0, 0, 0, 0, 200, 8, 1, 0, 0, 0)
	b = append(b, payloadOf(128)...)
	// after the abort a new type 0 header is accepted
	b = append(b, 0x04, 0, 0, 5, 0, 0, 1, 8, 1, 0, 0, 0, 9)

	r := bytes.NewReader(b)
	cr := NewChunkReader(r)
	if _, err := cr.readChunk(); err != nil {
		t.Fatal(err)
	}
	cr.Abort(4)
	msg, err := cr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() after Abort error = %v", err)
	}
	if msg.Timestamp != 5 || !bytes.Equal(msg.Payload, []byte{9}) {
		t.Errorf("unexpected message %+v", msg)
	}
}

// largeMessageStart is a type 0 chunk declaring the largest message length, carrying only its first chunk.
func largeMessageStart(chunkStreamID uint32) []byte {
	b := appendBasicHeader(nil, ChunkType0, chunkStreamID)
	b = append(b, 0, 0, 0, 0xFF, 0xFF, 0xFF, byte(VideoMessage), 1, 0, 0, 0)
	return append(b, payloadOf(DefaultChunkSize)...)
}

func TestIncompleteMessagesHoldReceivedBytesOnly(t *testing.T) {
	const streams = 48
	var in []byte
	for csid := uint32(64); csid < 64+streams; csid++ {
		in = append(in, largeMessageStart(csid)...)
	}

	cr := NewChunkReader(bytes.NewReader(in))
	if _, err := cr.ReadMessage(); err != io.EOF {
		t.Fatalf("ReadMessage() error = %v, want EOF", err)
	}
	held := 0
	for _, cs := range cr.streams {
		held += cap(cs.payload)
	}
	if held > streams*2*DefaultChunkSize {
		t.Errorf("%d bytes allocated for %d bytes received", held, streams*DefaultChunkSize)
	}
	if cr.pending != streams*DefaultChunkSize {
		t.Errorf("pending = %d, want %d", cr.pending, streams*DefaultChunkSize)
	}
}

func TestIncompleteMessagesBound(t *testing.T) {
	var in []byte
	for csid := uint32(64); csid < 64+16; csid++ {
		in = append(in, largeMessageStart(csid)...)
	}
	cr := NewChunkReader(bytes.NewReader(in))
	cr.maxPending = 10 * DefaultChunkSize
	if _, err := cr.ReadMessage(); !errors.Is(err, ErrMalformedChunk) {
		t.Errorf("ReadMessage() error = %v, want ErrMalformedChunk", err)
	}
}

func TestPendingBytesReleased(t *testing.T) {
	var b []byte
	// a complete 300 byte message in three chunks, then the start of a message that gets aborted
	b = append(b, 0x04, 0, 0, 0, 0, 0x01, 0x2C, 8, 1, 0, 0, 0)
	b = append(b, payloadOf(128)...)
	b = append(b, 0xC4)
	b = append(b, payloadOf(128)...)
	b = append(b, 0xC4)
	b = append(b, payloadOf(44)...)
	b = append(b, 0x06, 0, 0, 0, 0, 0, 200, 9, 1, 0, 0, 0)
	b = append(b, payloadOf(128)...)

	cr := NewChunkReader(bytes.NewReader(b))
	msg, err := cr.ReadMessage()
	if err != nil || len(msg.Payload) != 300 {
		t.Fatalf("ReadMessage() = %v, %v", msg, err)
	}
	if cr.pending != 0 {
		t.Errorf("pending after a complete message = %d, want 0", cr.pending)
	}
	if _, err := cr.readChunk(); err != nil {
		t.Fatal(err)
	}
	if cr.pending != 128 {
		t.Errorf("pending = %d, want 128", cr.pending)
	}
	cr.Abort(6)
	if cr.pending != 0 {
		t.Errorf("pending after Abort = %d, want 0", cr.pending)
	}
}

func TestInvalidChunkSize(t *testing.T) {
	for _, size := range []uint32{0, 0x80000000} {
		if err := NewChunkReader(&bytes.Buffer{}).SetChunkSize(size); !errors.Is(err, ErrInvalidChunkSize) {
			t.Errorf("reader SetChunkSize(%d) error = %v", size, err)
		}
		if err := NewChunkWriter(&bytes.Buffer{}).SetChunkSize(size); !errors.Is(err, ErrInvalidChunkSize) {
			t.Errorf("writer SetChunkSize(%d) error = %v", size, err)
		}
	}
}

func TestSplitAggregate(t *testing.T) {
	tag := func(typ MessageType, ts uint32, body []byte) []byte {
		b := []byte{byte(typ), byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body)),
			byte(ts >> 16), byte(ts >> 8), byte(ts), byte(ts >> 24), 0, 0, 0}
		b = append(b, body...)
		var back [4]byte
		binary.BigEndian.PutUint32(back[:], uint32(len(body)+11))
		return append(b, back[:]...)
	}
	payload := append(tag(AudioMessage, 500, []byte{0xAF, 1}), tag(VideoMessage, 540, []byte{0x27, 1, 2})...)

	msgs, err := splitAggregate(&Message{Type: AggregateMessage, Timestamp: 1000, StreamID: 1, Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Type != AudioMessage || msgs[0].Timestamp != 1000 || !bytes.Equal(msgs[0].Payload, []byte{0xAF, 1}) {
		t.Errorf("first sub-message %+v", msgs[0])
	}
	if msgs[1].Type != VideoMessage || msgs[1].Timestamp != 1040 || msgs[1].StreamID != 1 {
		t.Errorf("second sub-message %+v", msgs[1])
	}

	if _, err := splitAggregate(&Message{Payload: payload[:12]}); !errors.Is(err, ErrMalformedChunk) {
		t.Errorf("truncated aggregate error = %v", err)
	}
}
