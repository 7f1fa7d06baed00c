package audio

import (
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// ErrOpusUnavailable is returned by Opus paths when no codec instance could
// be created for the requested configuration. µ-law and L16 call flows never
// touch Opus, so a failed Opus constructor degrades only Opus-codec calls.
var ErrOpusUnavailable = errors.New("audio: opus codec unavailable")

// OpusDecoder decodes Opus packets into little-endian PCM16. Each inbound
// stream needs its own decoder so the codec state tracks consecutive frames.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// NewOpusDecoder creates a decoder for the given sample rate and channel
// count. WebRTC messenger calls use 48000 Hz stereo.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("%w: create decoder: %v", ErrOpusUnavailable, err)
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode decodes one Opus packet into interleaved PCM16 bytes. frameSizeMs is
// the packet's frame duration (typically 20).
func (d *OpusDecoder) Decode(packet []byte, frameSizeMs int) ([]byte, error) {
	if frameSizeMs <= 0 {
		frameSizeMs = 20
	}
	frameSize := d.sampleRate * frameSizeMs / 1000
	pcm, err := d.dec.Decode(packet, frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return SamplesToBytes(pcm), nil
}

// OpusEncoder encodes little-endian PCM16 into Opus packets.
type OpusEncoder struct {
	enc        *gopus.Encoder
	sampleRate int
	channels   int
}

// NewOpusEncoder creates an encoder for the given sample rate and channel
// count, tuned for voice.
func NewOpusEncoder(sampleRate, channels int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("%w: create encoder: %v", ErrOpusUnavailable, err)
	}
	return &OpusEncoder{enc: enc, sampleRate: sampleRate, channels: channels}, nil
}

// Encode encodes one frame of interleaved PCM16 bytes into an Opus packet.
// The input must hold exactly one frame for the encoder's configuration
// (frameSizeMs worth of samples per channel).
func (e *OpusEncoder) Encode(pcm []byte, frameSizeMs int) ([]byte, error) {
	if frameSizeMs <= 0 {
		frameSizeMs = 20
	}
	frameSize := e.sampleRate * frameSizeMs / 1000
	packet, err := e.enc.Encode(BytesToSamples(pcm), frameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}
