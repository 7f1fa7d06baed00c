package handler

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/webrtc"
)

const webrtcRate = 48000

// RTCManager is the slice of the WebRTC subsystem the messenger handler
// drives. *webrtc.Manager satisfies it.
type RTCManager interface {
	CreateSession(callID, sdpOffer string, opts webrtc.SessionOptions) (*webrtc.SessionInfo, error)
	SendAudio(callID string, stereoPCM []byte)
	ClearAudioQueue(callID string)
	EndSession(callID string)
}

// WhatsAppConfig configures a messenger call handler.
type WhatsAppConfig struct {
	SessionID string
	CallID    string
	Phone     string
	// SDPOffer from the webhook's connect event. May be empty, in which
	// case the handler starts without negotiation and expects audio to be
	// injected via HandleAudio.
	SDPOffer string
	// ProviderRate is the executor's input rate.
	ProviderRate int
	RTC          RTCManager
	Logger       *slog.Logger
}

// WhatsApp serves a messenger voice call over WebRTC. Caller audio arrives
// through the WebRTC subsystem's audio event; agent audio is upsampled to
// 48 kHz stereo and paced by the subsystem itself.
type WhatsApp struct {
	*Base
	cfg    WhatsAppConfig
	logger *slog.Logger

	mu         sync.Mutex
	codec      string
	sampleRate int
	sdpAnswer  string

	endOnce sync.Once
}

var _ Handler = (*WhatsApp)(nil)

// NewWhatsApp builds a handler for an incoming messenger call.
func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProviderRate <= 0 {
		cfg.ProviderRate = 24000
	}
	return &WhatsApp{
		Base:   NewBase(cfg.SessionID, cfg.CallID),
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Start validates and answers the SDP offer, then activates the handler.
// Without an offer the handler starts un-negotiated with telephony
// defaults.
func (h *WhatsApp) Start() error {
	if h.cfg.SDPOffer == "" {
		h.mu.Lock()
		h.codec = "PCMU"
		h.sampleRate = webrtc.CodecSampleRate("PCMU")
		h.mu.Unlock()
		h.SetActive(true)
		h.EmitCallStarted()
		return nil
	}

	if v := webrtc.ValidateSDPOffer(h.cfg.SDPOffer); !v.Valid {
		return fmt.Errorf("whatsapp call %s: invalid offer: %s", h.CallID(), strings.Join(v.Issues, "; "))
	}
	info, err := h.cfg.RTC.CreateSession(h.CallID(), h.cfg.SDPOffer, webrtc.SessionOptions{})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.codec = info.Codec
	h.sampleRate = info.SampleRate
	h.sdpAnswer = info.SDPAnswer
	h.mu.Unlock()

	h.logger.Info("whatsapp call negotiated",
		slog.String("call_id", h.CallID()),
		slog.String("phone", h.cfg.Phone),
		slog.String("codec", info.Codec),
		slog.Int("sample_rate", info.SampleRate))

	h.SetActive(true)
	h.EmitCallStarted()
	return nil
}

// SDPAnswer returns the negotiated answer for the webhook to relay to the
// carrier's pre-accept/accept endpoints.
func (h *WhatsApp) SDPAnswer() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sdpAnswer
}

// Codec returns the negotiated inbound codec name.
func (h *WhatsApp) Codec() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.codec
}

// HandleFrame converts one WebRTC audio frame to provider PCM16 and emits
// it. Frames for other calls are ignored.
func (h *WhatsApp) HandleFrame(frame webrtc.Frame) {
	if frame.CallID != h.CallID() || !h.IsActive() {
		return
	}
	var pcm []byte
	switch strings.ToUpper(frame.Codec) {
	case "OPUS":
		// Already decoded to mono PCM16 at 48 kHz by the subsystem.
		pcm = audio.ResampleMono16(frame.Audio, frame.SampleRate, h.cfg.ProviderRate)
	case "PCMU":
		pcm = audio.ResampleMono16(audio.MulawToPCM16(frame.Audio), frame.SampleRate, h.cfg.ProviderRate)
	default:
		// L16 and friends: PCM16 at the codec's native rate.
		pcm = audio.ResampleMono16(frame.Audio, frame.SampleRate, h.cfg.ProviderRate)
	}
	h.EmitAudioReceived(pcm)
}

// HandleAudio injects PCM16 at the provider rate, for webhook-delivered
// media chunks on un-negotiated calls.
func (h *WhatsApp) HandleAudio(data []byte) {
	if !h.IsActive() {
		return
	}
	h.EmitAudioReceived(data)
}

// SendAudio upsamples the executor's 24 kHz mono output to 48 kHz stereo
// and hands it to the WebRTC subsystem, which paces delivery.
func (h *WhatsApp) SendAudio(pcm []byte) {
	if !h.IsActive() || h.cfg.RTC == nil {
		return
	}
	up := audio.ResampleMono16(pcm, 24000, webrtcRate)
	h.cfg.RTC.SendAudio(h.CallID(), audio.MonoToStereo(up))
}

// HandleStatus applies a carrier call-status update. Terminal statuses end
// the call; in-progress marks the transport active; others are ignored.
func (h *WhatsApp) HandleStatus(status string) {
	switch status {
	case "completed", "failed", "no-answer", "busy":
		h.SetActive(false)
		h.End(status)
	case "in-progress":
		h.SetActive(true)
	default:
		h.logger.Debug("ignoring call status",
			slog.String("call_id", h.CallID()),
			slog.String("status", status))
	}
}

// HandleTranscript is a no-op; the messenger leg has no transcript channel.
func (h *WhatsApp) HandleTranscript(text, role string) {}

// HandleAgentSpeaking is a no-op on the messenger leg.
func (h *WhatsApp) HandleAgentSpeaking() {}

// HandleAgentListening is a no-op on the messenger leg.
func (h *WhatsApp) HandleAgentListening() {}

// HandleUserInterrupted drops agent audio queued in the WebRTC subsystem.
func (h *WhatsApp) HandleUserInterrupted() {
	if h.cfg.RTC != nil {
		h.cfg.RTC.ClearAudioQueue(h.CallID())
	}
}

// End tears down the WebRTC session and emits [CallEnded]. Idempotent.
func (h *WhatsApp) End(reason string) {
	h.endOnce.Do(func() {
		h.SetActive(false)
		if h.cfg.RTC != nil {
			h.cfg.RTC.EndSession(h.CallID())
		}
		h.EmitCallEnded(reason)
	})
}
