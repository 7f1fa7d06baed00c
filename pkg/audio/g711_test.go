package audio

import (
	"math"
	"testing"
)

// tone440 synthesizes a 10 ms 440 Hz PCM16 tone at 8 kHz.
func tone440(amplitude float64) []byte {
	const rate = 8000
	const samples = rate / 100 // 10 ms
	pcm := make([]byte, samples*2)
	for i := range samples {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/rate))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return pcm
}

func TestMulawSilenceByte_DecodesToNearZero(t *testing.T) {
	t.Parallel()

	pcm := MulawToPCM16([]byte{0xFF, 0xFF, 0xFF})
	if len(pcm) != 6 {
		t.Fatalf("len = %d; want 6 (2 bytes per sample)", len(pcm))
	}
	samples := BytesToSamples(pcm)
	for i, s := range samples {
		if s < -8 || s > 8 {
			t.Errorf("sample %d = %d; 0xFF must decode to near-zero", i, s)
		}
	}
}

func TestMulawRoundTrip_ToneCorrelation(t *testing.T) {
	t.Parallel()

	orig := tone440(0.5)
	decoded := MulawToPCM16(PCM16ToMulaw(orig))
	if len(decoded) != len(orig) {
		t.Fatalf("len = %d; want %d", len(decoded), len(orig))
	}

	a := BytesToSamples(orig)
	b := BytesToSamples(decoded)

	var sumAB, sumAA, sumBB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		sumAB += x * y
		sumAA += x * x
		sumBB += y * y
	}
	corr := sumAB / math.Sqrt(sumAA*sumBB)
	if corr < 0.9 {
		t.Errorf("round-trip correlation = %.4f; want > 0.9", corr)
	}
}

func TestMulawEncode_SignSymmetry(t *testing.T) {
	t.Parallel()

	for _, v := range []int16{1, 100, 1000, 8000, 32000} {
		pos := PCM16ToMulaw(SamplesToBytes([]int16{v}))[0]
		neg := PCM16ToMulaw(SamplesToBytes([]int16{-v}))[0]
		// Only the sign bit (MSB, inverted in µ-law) may differ.
		if pos&0x7F != neg&0x7F {
			t.Errorf("magnitude bits differ for ±%d: %02x vs %02x", v, pos, neg)
		}
		if pos&0x80 == neg&0x80 {
			t.Errorf("sign bit identical for ±%d: %02x vs %02x", v, pos, neg)
		}
	}
}

func TestMulawDecode_FullByteRangeMonotoneBySegment(t *testing.T) {
	t.Parallel()

	// Decoding all 256 codes must stay in int16 range and decode 0x7F
	// (negative zero code) near zero as well.
	for b := range 256 {
		pcm := MulawToPCM16([]byte{byte(b)})
		s := BytesToSamples(pcm)[0]
		_ = s // any int16 is in range by construction; check specific anchors below
	}

	nearZero := BytesToSamples(MulawToPCM16([]byte{0x7F}))[0]
	if nearZero < -8 || nearZero > 8 {
		t.Errorf("0x7F decodes to %d; want near zero", nearZero)
	}
	loudest := BytesToSamples(MulawToPCM16([]byte{0x00}))[0]
	if loudest > -30000 {
		t.Errorf("0x00 decodes to %d; want a large negative sample", loudest)
	}
}

func TestMulawLengthContract(t *testing.T) {
	t.Parallel()

	ulaw := make([]byte, 160) // 20 ms at 8 kHz
	pcm := MulawToPCM16(ulaw)
	if len(pcm) != 320 {
		t.Errorf("decode length = %d; want 320", len(pcm))
	}
	back := PCM16ToMulaw(pcm)
	if len(back) != 160 {
		t.Errorf("encode length = %d; want 160", len(back))
	}
}
