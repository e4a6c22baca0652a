// Package binary24 reads and writes the 24-bit integers used by RTMP chunk
// message headers (timestamp, timestamp delta and message length).
package binary24

// MaxUint24 is the largest value a 24-bit field can hold. In a chunk header
// timestamp field it is the escape marker for an extended timestamp.
const MaxUint24 = 0xFFFFFF

var BigEndian bigEndian

type bigEndian struct{}

func (bigEndian) Uint24(b []byte) uint32 {
	_ = b[2] // early bounds check
	return uint32(b[2]) | uint32(b[1])<<8 | uint32(b[0])<<16
}

// PutUint24 stores the low 24 bits of v in b. Higher bits are discarded.
func (bigEndian) PutUint24(b []byte, v uint32) {
	_ = b[2] // early bounds check to guarantee safety of writes below
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// AppendUint24 appends the big endian encoding of the low 24 bits of v to b.
func (bigEndian) AppendUint24(b []byte, v uint32) []byte {
	return append(b, byte(v>>16), byte(v>>8), byte(v))
}
