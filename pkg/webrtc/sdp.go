// Package webrtc manages peer connections for messenger voice calls:
// SDP negotiation, Opus encode/decode on the media tracks, and paced
// outbound playback per call.
package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// Validation is the result of checking an inbound SDP offer before
// negotiation is attempted.
type Validation struct {
	Valid  bool
	Issues []string
}

// ValidateSDPOffer checks that an offer is parseable and carries a usable
// audio section. Issues are human-readable and safe to log.
func ValidateSDPOffer(offer string) Validation {
	var issues []string
	if strings.TrimSpace(offer) == "" {
		return Validation{Issues: []string{"empty SDP offer"}}
	}

	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(offer)); err != nil {
		return Validation{Issues: []string{fmt.Sprintf("unparseable SDP: %v", err)}}
	}

	audio := audioSection(parsed)
	if audio == nil {
		issues = append(issues, "no audio media section")
	} else if len(audio.MediaName.Formats) == 0 {
		issues = append(issues, "audio section offers no payload types")
	}

	return Validation{Valid: len(issues) == 0, Issues: issues}
}

// PreferredAudioCodec returns the codec name of the first payload type in
// the offer's audio section, e.g. "opus" or "PCMU". Static payload types
// without an rtpmap line resolve through the well-known assignments.
// Returns "" when no audio codec can be determined.
func PreferredAudioCodec(offer string) string {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(offer)); err != nil {
		return ""
	}
	audio := audioSection(parsed)
	if audio == nil {
		return ""
	}

	rtpmap := make(map[string]string)
	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		// "111 opus/48000/2"
		fields := strings.Fields(attr.Value)
		if len(fields) != 2 {
			continue
		}
		name, _, _ := strings.Cut(fields[1], "/")
		rtpmap[fields[0]] = name
	}

	for _, pt := range audio.MediaName.Formats {
		if name, ok := rtpmap[pt]; ok {
			return name
		}
		switch pt {
		case "0":
			return "PCMU"
		case "8":
			return "PCMA"
		case "9":
			return "G722"
		}
	}
	return ""
}

// CodecSampleRate maps a codec name to its PCM sample rate. Unknown codecs
// fall back to 8 kHz, the telephony baseline.
func CodecSampleRate(codec string) int {
	switch strings.ToUpper(codec) {
	case "PCMU", "PCMA":
		return 8000
	case "G722":
		return 16000
	case "OPUS":
		return 48000
	case "L16":
		return 16000
	default:
		return 8000
	}
}

func audioSection(desc *sdp.SessionDescription) *sdp.MediaDescription {
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return md
		}
	}
	return nil
}
