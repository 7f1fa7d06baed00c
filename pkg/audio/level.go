package audio

import "math"

// DefaultSilenceThreshold is the normalized RMS level below which a buffer is
// treated as silence.
const DefaultSilenceThreshold = 0.01

// RMS returns the root mean square of a little-endian PCM16 buffer,
// normalized to [0, 1] where 1 corresponds to a full-scale square wave.
// Empty or odd-length buffers return 0.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := range samples {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0
}

// IsSilence reports whether the buffer's normalized RMS is below threshold.
// Pass a threshold <= 0 to use [DefaultSilenceThreshold].
func IsSilence(pcm []byte, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	return RMS(pcm) < threshold
}

// Normalize scales the buffer down so its peak magnitude does not exceed
// targetPeak (fraction of full scale, e.g. 0.9). Buffers already at or below
// the target are returned unchanged; Normalize never amplifies.
func Normalize(pcm []byte, targetPeak float64) []byte {
	if targetPeak <= 0 || targetPeak > 1 {
		targetPeak = 0.9
	}

	var peak int32
	samples := len(pcm) / 2
	for i := range samples {
		s := int32(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}

	target := int32(targetPeak * 32767)
	if peak == 0 || peak <= target {
		return pcm
	}

	scale := float64(target) / float64(peak)
	out := make([]byte, samples*2)
	for i := range samples {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		v := int16(clampSample(s * scale))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
