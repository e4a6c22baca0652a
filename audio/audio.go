package audio

// As defined in the FLV spec: https://www.adobe.com/content/dam/acom/en/devnet/flv/video_file_format_spec_v10_1.pdf

type Format uint8

const (
	LinearPCMPlatformEndian Format = 0
	ADPCM                   Format = 1
	MP3                     Format = 2
	LinearPCMLittleEndian   Format = 3
	Nellymoser16KHzMono     Format = 4
	Nellymoser8KHzMono      Format = 5
	Nellymoser              Format = 6
	G711AlawLogPCM          Format = 7
	G711MulawLogPCM         Format = 8
	AAC                     Format = 10
	Speex                   Format = 11
	MP38KHz                 Format = 14
	DeviceSpecificSound     Format = 15
)

type SampleRate uint8

const (
	Rate5p5KHz SampleRate = 0
	Rate11KHz  SampleRate = 1
	Rate22KHz  SampleRate = 2
	Rate44KHz  SampleRate = 3
)

type SampleSize uint8

const (
	Size8Bit  SampleSize = 0
	Size16Bit SampleSize = 1
)

type Channel uint8

const (
	Mono   Channel = 0
	Stereo Channel = 1
)

type AACPacketType uint8

const (
	AACSequenceHeader AACPacketType = 0
	AACRaw            AACPacketType = 1
)

// Header is the first byte of an audio message payload (the FLV AUDIODATA header).
type Header struct {
	Format     Format
	SampleRate SampleRate
	SampleSize SampleSize
	Channels   Channel
}

// ParseHeader decodes the audio tag header of payload. ok is false for an empty payload.
func ParseHeader(payload []byte) (h Header, ok bool) {
	if len(payload) == 0 {
		return h, false
	}
	b := payload[0]
	h.Format = Format((b >> 4) & 0x0F)
	h.SampleRate = SampleRate((b >> 2) & 0x03)
	h.SampleSize = SampleSize((b >> 1) & 1)
	h.Channels = Channel(b & 1)
	return h, true
}

// IsSequenceHeader reports whether payload carries an AAC AudioSpecificConfig.
// Players cannot decode AAC frames until they have received it.
func IsSequenceHeader(payload []byte) bool {
	h, ok := ParseHeader(payload)
	return ok && h.Format == AAC && len(payload) > 1 && AACPacketType(payload[1]) == AACSequenceHeader
}
