package video

// As defined in the FLV spec: https://www.adobe.com/content/dam/acom/en/devnet/flv/video_file_format_spec_v10_1.pdf

type FrameType uint8

const (
	KeyFrame             FrameType = 1
	InterFrame           FrameType = 2
	DisposableInterFrame FrameType = 3
	GeneratedKeyFrame    FrameType = 4
	// Video info/command frame
	CommandFrame FrameType = 5
)

type Codec uint8

const (
	SorensonH263    Codec = 2
	ScreenVideo     Codec = 3
	VP6             Codec = 4
	VP6AlphaChannel Codec = 5
	ScreenVideoV2   Codec = 6
	H264            Codec = 7
	// Not part of the FLV spec, but widely used by Chinese CDNs and encoders for H.265.
	H265 Codec = 12
)

type AVCPacketType uint8

const (
	AVCSequenceHeader AVCPacketType = 0
	AVCNALU           AVCPacketType = 1
	AVCEndOfSequence  AVCPacketType = 2
)

// ParseHeader returns the frame type and codec stored in the first byte of a video payload.
func ParseHeader(payload []byte) (frameType FrameType, codec Codec, ok bool) {
	if len(payload) == 0 {
		return 0, 0, false
	}
	return FrameType((payload[0] >> 4) & 0x0F), Codec(payload[0] & 0x0F), true
}

// IsSequenceHeader reports whether payload is an AVC/HEVC decoder configuration record.
func IsSequenceHeader(payload []byte) bool {
	frameType, codec, ok := ParseHeader(payload)
	if !ok || len(payload) < 2 || frameType != KeyFrame {
		return false
	}
	return (codec == H264 || codec == H265) && AVCPacketType(payload[1]) == AVCSequenceHeader
}

// IsKeyFrame reports whether payload is a key frame carrying picture data.
// Sequence headers are key frames too, but they carry no picture, so they are excluded.
func IsKeyFrame(payload []byte) bool {
	frameType, _, ok := ParseHeader(payload)
	if !ok || frameType != KeyFrame {
		return false
	}
	return !IsSequenceHeader(payload)
}
