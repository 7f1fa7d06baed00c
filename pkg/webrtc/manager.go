package webrtc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/audio/pace"
)

const (
	outputSampleRate = 48000
	outputChannels   = 2
	frameDuration    = 20 * time.Millisecond

	// One 20 ms stereo PCM16 frame at 48 kHz.
	outputFrameBytes = outputSampleRate / 50 * outputChannels * 2

	rtpReadBufferSize    = 1500
	maxConsecutiveErrors = 10
)

// Frame is one chunk of caller audio delivered to the OnAudio callback.
// Opus tracks arrive decoded to mono PCM16 at 48 kHz; other codecs carry
// the raw RTP payload with the codec's native rate.
type Frame struct {
	CallID     string
	Audio      []byte
	Codec      string
	SampleRate int
}

// Config configures a Manager.
type Config struct {
	ICEServers []string
	OnAudio    func(Frame)
	Logger     *slog.Logger
}

// SessionOptions carries per-call negotiation hints. Zero values are
// derived from the offer.
type SessionOptions struct {
	AudioCodec      string
	AudioSampleRate int
}

// SessionInfo is the result of a successful negotiation.
type SessionInfo struct {
	SDPAnswer  string
	Codec      string
	SampleRate int
}

// Manager owns one peer connection per active call.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	api    *webrtc.API

	mu       sync.Mutex
	sessions map[string]*callSession
}

type callSession struct {
	callID  string
	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticSample
	queue   *pace.Queue
	encoder *audio.OpusEncoder
	closed  atomic.Bool
}

// NewManager builds the shared pion API with Opus support and default
// interceptors.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("webrtc: register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("webrtc: register interceptors: %w", err)
	}

	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
		),
		sessions: make(map[string]*callSession),
	}, nil
}

// CreateSession negotiates a peer connection for the given offer and
// returns the answer with ICE candidates already gathered, so the caller
// can relay a single complete SDP to the carrier.
func (m *Manager) CreateSession(callID, sdpOffer string, opts SessionOptions) (*SessionInfo, error) {
	if v := ValidateSDPOffer(sdpOffer); !v.Valid {
		return nil, fmt.Errorf("webrtc: invalid offer for call %s: %s", callID, strings.Join(v.Issues, "; "))
	}

	codec := opts.AudioCodec
	if codec == "" {
		codec = PreferredAudioCodec(sdpOffer)
	}
	sampleRate := opts.AudioSampleRate
	if sampleRate == 0 {
		sampleRate = CodecSampleRate(codec)
	}

	m.mu.Lock()
	if _, exists := m.sessions[callID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("webrtc: session already exists for call %s", callID)
	}
	m.mu.Unlock()

	iceServers := make([]webrtc.ICEServer, 0, len(m.cfg.ICEServers))
	for _, url := range m.cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("webrtc: create peer connection: %w", err)
	}

	encoder, err := audio.NewOpusEncoder(outputSampleRate, outputChannels)
	if err != nil {
		pc.Close()
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: outputSampleRate,
		Channels:  outputChannels,
	}, "audio", "voxgate-audio")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: create local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: add track: %w", err)
	}

	sess := &callSession{
		callID:  callID,
		pc:      pc,
		track:   track,
		encoder: encoder,
	}
	sess.queue = pace.New(pace.Config{
		SendInterval: frameDuration,
		ChunkSize:    outputFrameBytes,
		SampleRate:   outputSampleRate,
		OnChunk:      func(chunk []byte) { m.writeFrame(sess, chunk) },
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		m.logger.Info("remote audio track",
			slog.String("call_id", callID),
			slog.String("codec", remote.Codec().MimeType))
		go m.readRemoteTrack(sess, remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Info("peer connection state",
			slog.String("call_id", callID),
			slog.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed {
			go m.EndSession(callID)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdpOffer,
	}); err != nil {
		sess.close()
		return nil, fmt.Errorf("webrtc: set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		sess.close()
		return nil, fmt.Errorf("webrtc: create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		sess.close()
		return nil, fmt.Errorf("webrtc: set local description: %w", err)
	}
	<-gathered

	m.mu.Lock()
	m.sessions[callID] = sess
	m.mu.Unlock()

	return &SessionInfo{
		SDPAnswer:  pc.LocalDescription().SDP,
		Codec:      codec,
		SampleRate: sampleRate,
	}, nil
}

// SendAudio enqueues stereo PCM16 at 48 kHz for paced delivery to the
// caller. Unknown calls and closed sessions drop the audio silently.
func (m *Manager) SendAudio(callID string, stereoPCM []byte) {
	m.mu.Lock()
	sess := m.sessions[callID]
	m.mu.Unlock()
	if sess == nil || sess.closed.Load() {
		return
	}
	sess.queue.Enqueue(stereoPCM)
}

// ClearAudioQueue drops any audio not yet delivered to the caller.
func (m *Manager) ClearAudioQueue(callID string) {
	m.mu.Lock()
	sess := m.sessions[callID]
	m.mu.Unlock()
	if sess != nil {
		sess.queue.Clear()
	}
}

// EndSession tears down the call's peer connection. Idempotent.
func (m *Manager) EndSession(callID string) {
	m.mu.Lock()
	sess := m.sessions[callID]
	delete(m.sessions, callID)
	m.mu.Unlock()
	if sess != nil {
		sess.close()
	}
}

// ActiveCalls returns the callIDs with a live session.
func (m *Manager) ActiveCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown ends every active session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*callSession)
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

func (s *callSession) close() {
	if s.closed.Swap(true) {
		return
	}
	s.queue.Close()
	s.pc.Close()
}

// writeFrame encodes one paced chunk to Opus and writes it on the local
// track. Short residual chunks are zero-padded to a full frame.
func (m *Manager) writeFrame(sess *callSession, chunk []byte) {
	if sess.closed.Load() {
		return
	}
	if len(chunk) < outputFrameBytes {
		padded := make([]byte, outputFrameBytes)
		copy(padded, chunk)
		chunk = padded
	}
	packet, err := sess.encoder.Encode(chunk, 20)
	if err != nil {
		m.logger.Warn("opus encode failed",
			slog.String("call_id", sess.callID),
			slog.String("error", err.Error()))
		return
	}
	if err := sess.track.WriteSample(media.Sample{Data: packet, Duration: frameDuration}); err != nil {
		m.logger.Warn("track write failed",
			slog.String("call_id", sess.callID),
			slog.String("error", err.Error()))
	}
}

// readRemoteTrack pumps caller audio: RTP in, Opus decoded to mono PCM16
// at 48 kHz, delivered through OnAudio. Non-Opus payloads pass through
// untouched with their native rate.
func (m *Manager) readRemoteTrack(sess *callSession, remote *webrtc.TrackRemote) {
	codecName := trackCodecName(remote.Codec().MimeType)
	isOpus := strings.EqualFold(codecName, "opus")

	var decoder *audio.OpusDecoder
	if isOpus {
		var err error
		decoder, err = audio.NewOpusDecoder(outputSampleRate, 1)
		if err != nil {
			m.logger.Error("opus decoder unavailable",
				slog.String("call_id", sess.callID),
				slog.String("error", err.Error()))
			return
		}
	}
	rate := CodecSampleRate(codecName)

	buf := make([]byte, rtpReadBufferSize)
	errCount := 0
	for {
		if sess.closed.Load() {
			return
		}
		n, _, err := remote.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			errCount++
			if errCount >= maxConsecutiveErrors {
				return
			}
			continue
		}
		errCount = 0

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil || len(pkt.Payload) == 0 {
			continue
		}

		pcm := pkt.Payload
		if isOpus {
			pcm, err = decoder.Decode(pkt.Payload, 20)
			if err != nil {
				continue
			}
		}
		if m.cfg.OnAudio != nil {
			m.cfg.OnAudio(Frame{
				CallID:     sess.callID,
				Audio:      pcm,
				Codec:      codecName,
				SampleRate: rate,
			})
		}
	}
}

func trackCodecName(mimeType string) string {
	_, name, ok := strings.Cut(mimeType, "/")
	if !ok {
		return mimeType
	}
	return name
}
