package amf0

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrShortBuffer     = errors.New("amf0: buffer too short")
	ErrUnsupportedType = errors.New("amf0: unsupported type")
	ErrTooDeep         = errors.New("amf0: value nested too deeply")
)

// Decode returns the first value encoded in b.
// Possible return types: float64, bool, string, map[string]interface{}, nil, Undefined, ECMAArray,
// []interface{} (strict array), time.Time.
func Decode(b []byte) (interface{}, error) {
	v, _, err := DecodeValue(b)
	return v, err
}

// DecodeValue decodes the first value in b and returns it together with the number of bytes it occupied.
func DecodeValue(b []byte) (interface{}, int, error) {
	return decodeValue(b, 0)
}

// DecodeAll decodes every value in b. Command messages are a sequence of values
// (command name, transaction id, command object, arguments...).
func DecodeAll(b []byte) ([]interface{}, error) {
	values := make([]interface{}, 0, 4)
	for len(b) > 0 {
		v, n, err := decodeValue(b, 0)
		if err != nil {
			return values, err
		}
		values = append(values, v)
		b = b[n:]
	}
	return values, nil
}

func decodeValue(b []byte, depth int) (interface{}, int, error) {
	if len(b) == 0 {
		return nil, 0, ErrShortBuffer
	}
	if depth > maxDepth {
		return nil, 0, ErrTooDeep
	}
	switch b[0] {
	case TypeNumber:
		if len(b) < 9 {
			return nil, 0, ErrShortBuffer
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[1:9])), 9, nil
	case TypeBoolean:
		if len(b) < 2 {
			return nil, 0, ErrShortBuffer
		}
		return b[1] != 0, 2, nil
	case TypeString:
		s, n, err := decodeShortString(b[1:])
		return s, n + 1, err
	case TypeLongString, TypeXMLDocument:
		if len(b) < 5 {
			return nil, 0, ErrShortBuffer
		}
		length := int(binary.BigEndian.Uint32(b[1:5]))
		if len(b)-5 < length {
			return nil, 0, ErrShortBuffer
		}
		return string(b[5 : 5+length]), 5 + length, nil
	case TypeObject:
		m, n, err := decodeProperties(b[1:], depth)
		return m, n + 1, err
	case TypeTypedObject:
		// The class name is dropped, the properties decode like a regular object.
		_, cn, err := decodeShortString(b[1:])
		if err != nil {
			return nil, 0, err
		}
		m, n, err := decodeProperties(b[1+cn:], depth)
		return m, 1 + cn + n, err
	case TypeNull:
		return nil, 1, nil
	case TypeUndefined, TypeUnsupported:
		return Undefined{}, 1, nil
	case TypeECMAArray:
		if len(b) < 5 {
			return nil, 0, ErrShortBuffer
		}
		// The associative count is not reliable (some encoders write 0), so read until the end marker.
		m, n, err := decodeProperties(b[5:], depth)
		return ECMAArray(m), n + 5, err
	case TypeStrictArray:
		if len(b) < 5 {
			return nil, 0, ErrShortBuffer
		}
		count := int(binary.BigEndian.Uint32(b[1:5]))
		offset := 5
		arr := make([]interface{}, 0, minInt(count, 64))
		for i := 0; i < count; i++ {
			v, n, err := decodeValue(b[offset:], depth+1)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, v)
			offset += n
		}
		return arr, offset, nil
	case TypeDate:
		if len(b) < 11 {
			return nil, 0, ErrShortBuffer
		}
		ms := math.Float64frombits(binary.BigEndian.Uint64(b[1:9]))
		// Last 2 bytes are the time zone, which must be ignored.
		return time.Unix(0, int64(ms)*int64(time.Millisecond)).UTC(), 11, nil
	default:
		return nil, 0, errors.Wrapf(ErrUnsupportedType, "marker 0x%02x", b[0])
	}
}

func decodeShortString(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, ErrShortBuffer
	}
	length := int(binary.BigEndian.Uint16(b[:2]))
	if len(b)-2 < length {
		return "", 0, ErrShortBuffer
	}
	return string(b[2 : 2+length]), 2 + length, nil
}

func isEndOfObject(b []byte) bool {
	return len(b) >= 3 && b[0] == 0x00 && b[1] == 0x00 && b[2] == TypeObjectEnd
}

// decodeProperties decodes key/value pairs until the object end marker.
func decodeProperties(b []byte, depth int) (map[string]interface{}, int, error) {
	m := make(map[string]interface{})
	offset := 0
	for {
		if isEndOfObject(b[offset:]) {
			return m, offset + 3, nil
		}
		key, n, err := decodeShortString(b[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
		val, n, err := decodeValue(b[offset:], depth+1)
		if err != nil {
			return nil, 0, err
		}
		offset += n
		m[key] = val
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
