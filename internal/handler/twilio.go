package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/audio/pace"
)

const telephonyRate = 8000

// twilioFrame mirrors the carrier's media-stream envelope, keyed by Event.
type twilioFrame struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Start     *twilioStart `json:"start,omitempty"`
	Media     *twilioMedia `json:"media,omitempty"`
	Mark      *twilioMark  `json:"mark,omitempty"`
}

type twilioStart struct {
	StreamSid   string   `json:"streamSid"`
	CallSid     string   `json:"callSid"`
	Tracks      []string `json:"tracks"`
	MediaFormat struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type twilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type twilioMark struct {
	Name string `json:"name"`
}

// TwilioConfig configures a telephony handler for one media stream.
type TwilioConfig struct {
	Conn      *websocket.Conn
	SessionID string
	CallID    string
	// ProviderRate is the executor's input rate; inbound µ-law at 8 kHz is
	// resampled up to it and outbound audio back down.
	ProviderRate int
	Logger       *slog.Logger
}

// Twilio serves a carrier media stream: µ-law at 8 kHz both ways on the
// wire, PCM16 at the provider rate toward the executor.
type Twilio struct {
	*Base
	conn         *websocket.Conn
	logger       *slog.Logger
	queue        *pace.Queue
	providerRate int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	streamSid string
	callSid   string
	markSeq   int

	writeMu sync.Mutex
	endOnce sync.Once
}

var _ Handler = (*Twilio)(nil)

// NewTwilio wraps an accepted media-stream connection.
func NewTwilio(cfg TwilioConfig) *Twilio {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProviderRate <= 0 {
		cfg.ProviderRate = 24000
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Twilio{
		Base:         NewBase(cfg.SessionID, cfg.CallID),
		conn:         cfg.Conn,
		logger:       cfg.Logger,
		providerRate: cfg.ProviderRate,
		ctx:          ctx,
		cancel:       cancel,
	}
	t.queue = pace.New(pace.Config{
		SendInterval: 20 * time.Millisecond,
		SampleRate:   cfg.ProviderRate,
		ChunkSize:    cfg.ProviderRate / 50 * 2, // 20 ms PCM16 mono
		OnChunk:      t.writeMediaChunk,
		OnPlaybackStopped: func() {
			t.sendMark()
		},
	})
	return t
}

// Start activates the handler and begins the read loop. The call is not
// bound to an executor until the carrier's start event arrives.
func (t *Twilio) Start() error {
	t.SetActive(true)
	go t.readLoop()
	return nil
}

func (t *Twilio) readLoop() {
	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			t.End("Stream disconnected")
			return
		}
		var frame twilioFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Debug("media stream frame not JSON", slog.String("session_id", t.SessionID()))
			continue
		}
		switch frame.Event {
		case "connected":
			t.logger.Info("media stream connected", slog.String("session_id", t.SessionID()))
		case "start":
			if frame.Start == nil {
				continue
			}
			t.mu.Lock()
			t.streamSid = frame.Start.StreamSid
			t.callSid = frame.Start.CallSid
			t.mu.Unlock()
			t.logger.Info("media stream started",
				slog.String("session_id", t.SessionID()),
				slog.String("stream_sid", frame.Start.StreamSid),
				slog.String("call_sid", frame.Start.CallSid))
			t.EmitCallStarted()
		case "media":
			if frame.Media == nil {
				continue
			}
			t.handleMediaPayload(frame.Media.Payload)
		case "stop":
			t.End("Call completed")
			return
		case "mark":
			// Playback position ack; nothing to do.
		default:
			t.logger.Debug("unknown media stream event",
				slog.String("session_id", t.SessionID()),
				slog.String("event", frame.Event))
		}
	}
}

func (t *Twilio) handleMediaPayload(payload string) {
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(ulaw) == 0 {
		return
	}
	pcm := audio.MulawToPCM16(ulaw)
	t.EmitAudioReceived(audio.ResampleMono16(pcm, telephonyRate, t.providerRate))
}

// HandleAudio injects base64 µ-law as if it arrived in a media event.
func (t *Twilio) HandleAudio(data []byte) {
	t.handleMediaPayload(string(data))
}

// SendAudio queues provider PCM16 for paced delivery; each chunk is
// downsampled and µ-law encoded on the way out.
func (t *Twilio) SendAudio(pcm []byte) {
	if !t.IsActive() {
		return
	}
	t.queue.Enqueue(pcm)
}

func (t *Twilio) writeMediaChunk(chunk []byte) {
	down := audio.ResampleMono16(chunk, t.providerRate, telephonyRate)
	t.writeFrame(func(streamSid string) twilioFrame {
		return twilioFrame{
			Event:     "media",
			StreamSid: streamSid,
			Media:     &twilioMedia{Payload: base64.StdEncoding.EncodeToString(audio.PCM16ToMulaw(down))},
		}
	})
}

// sendMark lets the carrier report back when queued audio finished playing.
func (t *Twilio) sendMark() {
	t.mu.Lock()
	t.markSeq++
	seq := t.markSeq
	t.mu.Unlock()
	t.writeFrame(func(streamSid string) twilioFrame {
		return twilioFrame{
			Event:     "mark",
			StreamSid: streamSid,
			Mark:      &twilioMark{Name: fmt.Sprintf("playback-%d", seq)},
		}
	})
}

// HandleTranscript is a no-op; the phone leg has no transcript channel.
func (t *Twilio) HandleTranscript(text, role string) {}

// HandleAgentSpeaking drops audio left over from the previous turn.
func (t *Twilio) HandleAgentSpeaking() {
	t.queue.Clear()
}

// HandleAgentListening is a no-op on the phone leg.
func (t *Twilio) HandleAgentListening() {}

// HandleUserInterrupted drops queued audio and flushes the carrier's own
// playback buffer.
func (t *Twilio) HandleUserInterrupted() {
	t.queue.Interrupt()
	t.writeFrame(func(streamSid string) twilioFrame {
		return twilioFrame{Event: "clear", StreamSid: streamSid}
	})
}

// End closes the media stream and emits [CallEnded]. Idempotent.
func (t *Twilio) End(reason string) {
	t.endOnce.Do(func() {
		t.SetActive(false)
		t.queue.Close()
		t.conn.Close(websocket.StatusNormalClosure, "call ended")
		t.cancel()
		t.EmitCallEnded(reason)
	})
}

// writeFrame sends one outbound frame. Nothing is written before the start
// event has populated streamSid or after the transport closed.
func (t *Twilio) writeFrame(build func(streamSid string) twilioFrame) {
	t.mu.Lock()
	streamSid := t.streamSid
	t.mu.Unlock()
	if streamSid == "" || !t.IsActive() {
		return
	}
	data, err := json.Marshal(build(streamSid))
	if err != nil {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(t.ctx, 5*time.Second)
	defer cancel()
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.logger.Debug("media stream write failed", slog.String("session_id", t.SessionID()))
	}
}
