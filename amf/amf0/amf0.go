// Package amf0 encodes and decodes the AMF0 values carried by RTMP command
// and data messages.
package amf0

// ECMAArray is an associative array. It decodes and encodes like an object,
// but is prefixed with an (advisory) element count.
type ECMAArray map[string]interface{}

// ObjectEnd is the marker terminating objects and ECMA arrays.
type ObjectEnd struct{}

// Undefined is the AMF0 undefined value. It is distinct from null (nil).
type Undefined struct{}

const (
	TypeNumber      byte = 0x00
	TypeBoolean     byte = 0x01
	TypeString      byte = 0x02
	TypeObject      byte = 0x03
	TypeMovieClip   byte = 0x04 // reserved, not supported
	TypeNull        byte = 0x05
	TypeUndefined   byte = 0x06
	TypeReference   byte = 0x07
	TypeECMAArray   byte = 0x08
	TypeObjectEnd   byte = 0x09
	TypeStrictArray byte = 0x0A
	TypeDate        byte = 0x0B
	TypeLongString  byte = 0x0C
	TypeUnsupported byte = 0x0D
	TypeRecordSet   byte = 0x0E // reserved, not supported
	TypeXMLDocument byte = 0x0F
	TypeTypedObject byte = 0x10
)

// maxDepth bounds the nesting of objects and arrays accepted by the decoder.
const maxDepth = 64
