package binary24

import (
	"bytes"
	"testing"
)

func TestBigEndian(t *testing.T) {
	tests := []struct {
		name  string
		value uint32
		bytes []byte
	}{
		{"zero", 0, []byte{0, 0, 0}},
		{"one", 1, []byte{0, 0, 1}},
		{"mixed", 0x123456, []byte{0x12, 0x34, 0x56}},
		{"max", MaxUint24, []byte{0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, 3)
			BigEndian.PutUint24(buf, tt.value)
			if !bytes.Equal(buf, tt.bytes) {
				t.Errorf("PutUint24(%#x) = %v, want %v", tt.value, buf, tt.bytes)
			}
			if got := BigEndian.Uint24(tt.bytes); got != tt.value {
				t.Errorf("Uint24(%v) = %#x, want %#x", tt.bytes, got, tt.value)
			}
			if got := BigEndian.AppendUint24([]byte{0xAA}, tt.value); !bytes.Equal(got[1:], tt.bytes) || got[0] != 0xAA {
				t.Errorf("AppendUint24(%#x) = %v", tt.value, got)
			}
		})
	}
}

func TestPutUint24Truncates(t *testing.T) {
	buf := make([]byte, 3)
	BigEndian.PutUint24(buf, 0x01ABCDEF)
	if got := BigEndian.Uint24(buf); got != 0xABCDEF {
		t.Errorf("expected high byte to be discarded, got %#x", got)
	}
}
