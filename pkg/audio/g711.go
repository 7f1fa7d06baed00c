package audio

// G.711 µ-law codec. Telephony media streams (Twilio, most PSTN carriers)
// deliver 8 kHz mono µ-law; the provider executors speak linear PCM16, so
// every telephony frame passes through these two functions.
//
// The encoder follows the classic segment/mantissa construction with a bias
// of 33 (applied in the 14-bit domain, i.e. 0x84 in 16-bit terms) and a clip
// ceiling of 32635. The decoder is a 256-entry lookup table built at init.

const (
	mulawBias = 0x84  // 33 << 2, bias in the 16-bit domain
	mulawClip = 32635 // maximum magnitude before encoding
)

// mulawDecodeTable maps every µ-law byte to its linear PCM16 sample.
var mulawDecodeTable [256]int16

// mulawExponentTable maps the top byte of a biased magnitude to its segment.
var mulawExponentTable [256]byte

func init() {
	for i := range mulawDecodeTable {
		mulawDecodeTable[i] = decodeMulawSample(byte(i))
	}

	// Segment table: index by (magnitude >> 7), value is the exponent.
	exp := byte(0)
	for i := range mulawExponentTable {
		if i >= 1<<(exp+1) {
			exp++
		}
		mulawExponentTable[i] = exp
	}
}

// decodeMulawSample expands a single µ-law byte to a linear PCM16 sample.
func decodeMulawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := ((int32(mantissa)<<3 + mulawBias) << exponent) - mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// encodeMulawSample compresses a linear PCM16 sample to a µ-law byte.
func encodeMulawSample(sample int16) byte {
	var sign byte
	magnitude := int32(sample)
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > mulawClip {
		magnitude = mulawClip
	}
	magnitude += mulawBias

	exponent := mulawExponentTable[(magnitude>>7)&0xFF]
	mantissa := byte(magnitude>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}

// MulawToPCM16 decodes µ-law bytes to little-endian PCM16. The output is
// twice the length of the input. The µ-law silence byte 0xFF decodes to 0.
func MulawToPCM16(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		s := mulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToMulaw encodes little-endian PCM16 to µ-law bytes. The output is
// half the length of the input; a trailing odd byte is ignored.
func PCM16ToMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeMulawSample(s)
	}
	return out
}
