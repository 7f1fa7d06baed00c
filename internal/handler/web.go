package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/audio/pace"
)

// Inbound and outbound frame types on the widget WebSocket.
const (
	webStartCall = "start_call"
	webAudioData = "audio_data"
	webEndCall   = "end_call"

	webStatus            = "status"
	webCallStarted       = "call_started"
	webCallEnded         = "call_ended"
	webAudioResponse     = "audio_response"
	webTranscript        = "transcript"
	webAgentSpeaking     = "agent_speaking"
	webAgentListening    = "agent_listening"
	webStopAudio         = "stop_audio"
	webError             = "error"
	webEscalationStarted = "escalation_started"
)

// webFrame is the JSON envelope for all widget messages, keyed by Type.
// audio_data and call_started carry their payload in Data; the remaining
// frame types use the flat fields.
type webFrame struct {
	Type      string   `json:"type"`
	Data      *webData `json:"data,omitempty"`
	Audio     string   `json:"audio,omitempty"`
	Text      string   `json:"text,omitempty"`
	Role      string   `json:"role,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Urgency   string   `json:"urgency,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Message   string   `json:"message,omitempty"`
	CallID    string   `json:"callId,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// webData is the nested payload of audio_data and call_started frames.
type webData struct {
	Audio     string `json:"audio,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	CallID    string `json:"callId,omitempty"`
}

// WebConfig configures a widget handler for one accepted connection.
type WebConfig struct {
	Conn      *websocket.Conn
	SessionID string
	CallID    string
	// SampleRate is the provider's output rate, used to pace playback.
	SampleRate int
	Logger     *slog.Logger
}

// Web serves a browser widget over WebSocket. Audio passes through both
// ways as base64 PCM16 at the provider's rates with no conversion.
type Web struct {
	*Base
	conn   *websocket.Conn
	logger *slog.Logger
	queue  *pace.Queue

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	endOnce sync.Once
}

var _ Handler = (*Web)(nil)
var _ Escalator = (*Web)(nil)

// NewWeb wraps an accepted widget connection.
func NewWeb(cfg WebConfig) *Web {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Web{
		Base:   NewBase(cfg.SessionID, cfg.CallID),
		conn:   cfg.Conn,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	w.queue = pace.New(pace.Config{
		SampleRate: cfg.SampleRate,
		ChunkSize:  pace.ChunkSizeFor(cfg.SampleRate, false),
		OnChunk:    w.writeAudioChunk,
	})
	return w
}

// Start activates the handler and begins the read loop.
func (w *Web) Start() error {
	w.SetActive(true)
	w.writeFrame(webFrame{Type: webStatus, Message: "ready"})
	go w.readLoop()
	return nil
}

func (w *Web) readLoop() {
	for {
		_, data, err := w.conn.Read(w.ctx)
		if err != nil {
			w.End("Client disconnected")
			return
		}
		var frame webFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.logger.Debug("widget frame not JSON", slog.String("session_id", w.SessionID()))
			continue
		}
		switch frame.Type {
		case webStartCall:
			w.writeFrame(webFrame{
				Type:      webCallStarted,
				Data:      &webData{SessionID: w.SessionID(), CallID: w.CallID()},
				Timestamp: nowMs(),
			})
			w.EmitCallStarted()
		case webAudioData:
			if frame.Data == nil {
				w.logger.Debug("widget audio_data without data payload", slog.String("session_id", w.SessionID()))
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(frame.Data.Audio)
			if err != nil {
				w.logger.Debug("widget audio not base64", slog.String("session_id", w.SessionID()))
				continue
			}
			w.EmitAudioReceived(pcm)
		case webEndCall:
			w.End("User ended call")
			return
		default:
			w.logger.Debug("unknown widget frame",
				slog.String("session_id", w.SessionID()),
				slog.String("type", frame.Type))
		}
	}
}

// HandleAudio injects raw PCM16 as if it arrived on the socket.
func (w *Web) HandleAudio(data []byte) {
	w.EmitAudioReceived(data)
}

// SendAudio queues provider PCM16 for paced delivery to the widget.
func (w *Web) SendAudio(pcm []byte) {
	if !w.IsActive() {
		return
	}
	w.queue.Enqueue(pcm)
}

func (w *Web) writeAudioChunk(chunk []byte) {
	w.writeFrame(webFrame{
		Type:  webAudioResponse,
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// HandleTranscript forwards a transcript line to the widget.
func (w *Web) HandleTranscript(text, role string) {
	w.writeFrame(webFrame{Type: webTranscript, Text: text, Role: role, Timestamp: nowMs()})
}

// HandleAgentSpeaking notifies the widget that the agent started talking.
// Anything still queued belongs to the previous turn and is dropped.
func (w *Web) HandleAgentSpeaking() {
	w.queue.Clear()
	w.writeFrame(webFrame{Type: webAgentSpeaking})
}

// HandleAgentListening notifies the widget that the agent finished talking.
func (w *Web) HandleAgentListening() {
	w.writeFrame(webFrame{Type: webAgentListening})
}

// HandleUserInterrupted stops local playback in the widget and drops any
// audio still queued on our side.
func (w *Web) HandleUserInterrupted() {
	w.queue.Interrupt()
	w.writeFrame(webFrame{Type: webStopAudio, Reason: "user_interrupted"})
}

// HandleEscalation tells the widget a human takeover has begun.
func (w *Web) HandleEscalation(reason, urgency, summary string) {
	w.writeFrame(webFrame{
		Type:      webEscalationStarted,
		Reason:    reason,
		Urgency:   urgency,
		Summary:   summary,
		Message:   "Connecting you with a human agent",
		Timestamp: nowMs(),
	})
}

// End sends the final call_ended frame, closes the socket, and emits
// [CallEnded]. Idempotent.
func (w *Web) End(reason string) {
	w.endOnce.Do(func() {
		w.writeFrame(webFrame{
			Type:      webCallEnded,
			Reason:    reason,
			CallID:    w.CallID(),
			Timestamp: nowMs(),
		})
		w.SetActive(false)
		w.queue.Close()
		w.conn.Close(websocket.StatusGoingAway, "call ended")
		w.cancel()
		w.EmitCallEnded(reason)
	})
}

// writeFrame marshals and sends one frame, dropping it silently when the
// transport is gone.
func (w *Web) writeFrame(frame webFrame) {
	if !w.IsActive() {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(w.ctx, 5*time.Second)
	defer cancel()
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		w.logger.Debug("widget write failed",
			slog.String("session_id", w.SessionID()),
			slog.String("type", frame.Type))
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
