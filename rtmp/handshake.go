package rtmp

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/torresjeff/rtmprelay/rand"
)

const RtmpVersion3 = 3

const (
	handshakeBlockSize = 1536
	// The first 8 bytes of C1/S1 are the time and zero fields; the rest is random data that must be echoed back.
	handshakeRandomOffset = 8
)

// Handshaker runs the RTMP handshake on a fresh connection, before chunk framing starts.
type Handshaker interface {
	Handshake(reader io.Reader, writer WriteFlusher) error
}

// ServerHandshaker is the accepting side: it reads C0+C1, sends S0+S1+S2 and validates C2.
type ServerHandshaker struct{}

// ClientHandshaker is the connecting side: it sends C0+C1, validates S2 and sends C2.
type ClientHandshaker struct{}

func (ServerHandshaker) Handshake(reader io.Reader, writer WriteFlusher) error {
	c1, err := readVersionAndBlock(reader)
	if err != nil {
		return err
	}
	s1, err := sendS0S1S2(writer, c1)
	if err != nil {
		return err
	}
	var c2 [handshakeBlockSize]byte
	if _, err := io.ReadFull(reader, c2[:]); err != nil {
		return err
	}
	if !bytes.Equal(s1[handshakeRandomOffset:], c2[handshakeRandomOffset:]) {
		return errors.Wrap(ErrHandshakeFailed, "c2 does not echo s1")
	}
	return nil
}

func (ClientHandshaker) Handshake(reader io.Reader, writer WriteFlusher) error {
	c1, err := sendC0C1(writer)
	if err != nil {
		return err
	}
	s1, err := readVersionAndBlock(reader)
	if err != nil {
		return err
	}
	var s2 [handshakeBlockSize]byte
	if _, err := io.ReadFull(reader, s2[:]); err != nil {
		return err
	}
	if !bytes.Equal(c1[handshakeRandomOffset:], s2[handshakeRandomOffset:]) {
		return errors.Wrap(ErrHandshakeFailed, "s2 does not echo c1")
	}
	return send(writer, echo(s1))
}

// readVersionAndBlock reads C0+C1 (or S0+S1) and returns the 1536 byte block.
func readVersionAndBlock(reader io.Reader) ([]byte, error) {
	var b [1 + handshakeBlockSize]byte
	if _, err := io.ReadFull(reader, b[:]); err != nil {
		return nil, err
	}
	if b[0] != RtmpVersion3 {
		return nil, errors.Wrapf(ErrHandshakeFailed, "unsupported version %d", b[0])
	}
	return b[1:], nil
}

// Returns the C1 message that was sent
func sendC0C1(writer WriteFlusher) ([]byte, error) {
	var c0c1 [1 + handshakeBlockSize]byte
	c0c1[0] = RtmpVersion3
	if err := generateRandomData(c0c1[1:]); err != nil {
		return nil, err
	}
	if err := send(writer, c0c1[:]); err != nil {
		return nil, err
	}
	return c0c1[1:], nil
}

// Sends the s0, s1, and s2 sequence and returns the s1 message that was generated
func sendS0S1S2(writer WriteFlusher, c1 []byte) ([]byte, error) {
	var s0s1s2 [1 + 2*handshakeBlockSize]byte
	s0s1s2[0] = RtmpVersion3
	if err := generateRandomData(s0s1s2[1 : 1+handshakeBlockSize]); err != nil {
		return nil, err
	}
	copy(s0s1s2[1+handshakeBlockSize:], echo(c1))
	if err := send(writer, s0s1s2[:]); err != nil {
		return nil, err
	}
	return s0s1s2[1 : 1+handshakeBlockSize], nil
}

// generateRandomData fills a C1/S1 block: our time, four zero bytes and random data.
func generateRandomData(block []byte) error {
	binary.BigEndian.PutUint32(block[0:4], uint32(time.Now().UnixNano()/int64(time.Millisecond)))
	return rand.GenerateCryptoSafeRandomData(block[handshakeRandomOffset:])
}

// echo builds C2/S2 from the peer's S1/C1: the peer's time, the time we read it, and its random data.
func echo(peer []byte) []byte {
	out := make([]byte, handshakeBlockSize)
	copy(out, peer)
	binary.BigEndian.PutUint32(out[4:8], uint32(time.Now().UnixNano()/int64(time.Millisecond)))
	return out
}

func send(writer WriteFlusher, b []byte) error {
	if _, err := writer.Write(b); err != nil {
		return err
	}
	return writer.Flush()
}
