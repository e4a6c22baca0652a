package amf0

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Encode returns the AMF0 representation of v.
func Encode(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeValue(buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeAll encodes values one after the other, which is how command and data messages are laid out.
func EncodeAll(values ...interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	for _, v := range values {
		if err := encodeValue(buf, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case float64:
		encodeNumber(buf, val)
	case float32:
		encodeNumber(buf, float64(val))
	case int:
		encodeNumber(buf, float64(val))
	case int32:
		encodeNumber(buf, float64(val))
	case int64:
		encodeNumber(buf, float64(val))
	case uint32:
		encodeNumber(buf, float64(val))
	case bool:
		buf.WriteByte(TypeBoolean)
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case string:
		encodeString(buf, val)
	case nil:
		buf.WriteByte(TypeNull)
	case Undefined:
		buf.WriteByte(TypeUndefined)
	case map[string]interface{}:
		buf.WriteByte(TypeObject)
		return encodeProperties(buf, val)
	case ECMAArray:
		buf.WriteByte(TypeECMAArray)
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(len(val)))
		buf.Write(count[:])
		return encodeProperties(buf, val)
	case []interface{}:
		buf.WriteByte(TypeStrictArray)
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(len(val)))
		buf.Write(count[:])
		for _, elem := range val {
			if err := encodeValue(buf, elem); err != nil {
				return err
			}
		}
	case time.Time:
		buf.WriteByte(TypeDate)
		var b [10]byte
		binary.BigEndian.PutUint64(b[:8], math.Float64bits(float64(val.UnixNano()/int64(time.Millisecond))))
		// Last 2 bytes are the time zone, which stays 0 as defined by the spec.
		buf.Write(b[:])
	default:
		return errors.Errorf("amf0: cannot encode type %T", v)
	}
	return nil
}

func encodeNumber(buf *bytes.Buffer, number float64) {
	var b [9]byte
	b[0] = TypeNumber
	binary.BigEndian.PutUint64(b[1:], math.Float64bits(number))
	buf.Write(b[:])
}

func encodeString(buf *bytes.Buffer, s string) {
	if len(s) < 65535 {
		var header [3]byte
		header[0] = TypeString
		binary.BigEndian.PutUint16(header[1:], uint16(len(s)))
		buf.Write(header[:])
	} else {
		// Strings that require more than 65535 bytes should use TypeLongString
		var header [5]byte
		header[0] = TypeLongString
		binary.BigEndian.PutUint32(header[1:], uint32(len(s)))
		buf.Write(header[:])
	}
	buf.WriteString(s)
}

// encodeProperties writes the key/value pairs of m in key order, followed by the end marker.
func encodeProperties(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if len(k) > math.MaxUint16 {
			return errors.Errorf("amf0: property name too long (%d bytes)", len(k))
		}
		// keys never carry the TypeString marker
		var klen [2]byte
		binary.BigEndian.PutUint16(klen[:], uint16(len(k)))
		buf.Write(klen[:])
		buf.WriteString(k)
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.Write([]byte{0x00, 0x00, TypeObjectEnd})
	return nil
}
