// Package openai implements the executor.Executor interface for the OpenAI
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz in both directions;
// tool calls are dispatched through the configured tool registry and their
// results round-tripped as function_call_output items. Barge-in is handled
// via response.cancel with a short error-suppression window.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxgate/voxgate/pkg/executor"
	"github.com/voxgate/voxgate/pkg/tool"
)

// Compile-time assertion that Executor satisfies the executor interface.
var _ executor.Executor = (*Executor)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	sampleRate = 24000

	transcriptionModel = "whisper-1"

	// cancelSuppressWindow is how long after response.cancel provider error
	// events are treated as races with the cancelled response.
	cancelSuppressWindow = time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Executor.
type Option func(*Executor)

// WithModel overrides the default realtime model.
func WithModel(model string) Option {
	return func(e *Executor) { e.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(e *Executor) { e.baseURL = url }
}

// ── Executor ───────────────────────────────────────────────────────────────────

// Executor speaks the OpenAI Realtime WebSocket protocol for one chatbot.
// It is single-use: after the connection closes for good a fresh Executor
// must be created (the cache does this on lookup).
type Executor struct {
	*executor.Base

	apiKey  string
	model   string
	baseURL string
	cfg     executor.Config

	// conversationID is synthesized once per connection and scopes tool
	// executions and escalations.
	conversationID string

	mu                sync.Mutex
	conn              *websocket.Conn
	currentResponseID string

	// currentTranscript accumulates response.audio_transcript.delta text
	// until the matching done event.
	currentTranscript string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an OpenAI Realtime executor. Call Connect before use.
func New(apiKey string, cfg executor.Config, opts ...Option) *Executor {
	e := &Executor{
		Base:    executor.NewBase(),
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		cfg:     cfg,
	}
	if cfg.Voice.Model != "" {
		e.model = cfg.Voice.Model
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// InputSampleRate returns the PCM16 rate expected by SendAudio.
func (e *Executor) InputSampleRate() int { return sampleRate }

// OutputSampleRate returns the PCM16 rate of emitted audio deltas.
func (e *Executor) OutputSampleRate() int { return sampleRate }

// ConversationID returns the per-connection conversation identifier.
func (e *Executor) ConversationID() string { return e.conversationID }

// Connect dials the Realtime endpoint, sends the session configuration and
// starts the receive loop. No-op when already connected.
func (e *Executor) Connect(ctx context.Context) error {
	if e.IsConnected() {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, executor.ConnectTimeout)
	defer cancel()

	wsURL := fmt.Sprintf("%s?model=%s", e.baseURL, e.model)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + e.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("openai: dial: %w", err)
	}

	e.conversationID = uuid.NewString()

	sessCtx, sessCancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.conn = conn
	e.ctx = sessCtx
	e.cancel = sessCancel
	e.mu.Unlock()

	if err := e.sendSessionUpdate(); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return fmt.Errorf("openai: session update: %w", err)
	}

	e.SetConnected(true)
	go e.receiveLoop()
	return nil
}

// Disconnect closes the provider connection. Idempotent; the receive loop
// emits the final ConnectionClosed event.
func (e *Executor) Disconnect() error {
	e.mu.Lock()
	conn := e.conn
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}

// SendAudio delivers a PCM16 mono 24 kHz chunk as a base64 buffer append.
func (e *Executor) SendAudio(pcm []byte) error {
	if !e.IsConnected() {
		return executor.ErrNotConnected
	}
	if len(pcm) == 0 {
		return nil
	}
	return e.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CancelResponse interrupts the in-flight model response. It marks the
// cancellation window, sends response.cancel and clears the speaking state;
// provider errors within the next second are suppressed as races.
func (e *Executor) CancelResponse() error {
	if !e.IsConnected() {
		return executor.ErrNotConnected
	}

	e.BeginCancel()
	e.mu.Lock()
	e.currentResponseID = ""
	e.mu.Unlock()
	time.AfterFunc(cancelSuppressWindow, e.EndCancel)

	return e.writeJSON(map[string]string{"type": "response.cancel"})
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *transcriptionCfg   `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionCfg   `json:"turn_detection,omitempty"`
	Tools                   []realtimeTool      `json:"tools,omitempty"`
	ToolChoice              string              `json:"tool_choice,omitempty"`
	Temperature             float64             `json:"temperature"`
	MaxResponseOutputTokens int                 `json:"max_response_output_tokens"`
}

type transcriptionCfg struct {
	Model string `json:"model"`
}

type turnDetectionCfg struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type realtimeTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.created / response.done
	Response *responseInfo `json:"response,omitempty"`

	// response.audio.delta / response.audio_transcript.delta
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseInfo struct {
	ID string `json:"id"`
}

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Session configuration ──────────────────────────────────────────────────────

func (e *Executor) sendSessionUpdate() error {
	params := sessionParams{
		Modalities:              []string{"text", "audio"},
		Instructions:            e.cfg.Prompt(),
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionCfg{Model: transcriptionModel},
		ToolChoice:              "auto",
		Temperature:             0.8,
		MaxResponseOutputTokens: 4096,
	}
	if e.cfg.Voice.Voice != "" {
		params.Voice = e.cfg.Voice.Voice
	}
	params.TurnDetection = &turnDetectionCfg{
		Type:              "server_vad",
		Threshold:         e.cfg.Voice.VADThreshold,
		PrefixPaddingMs:   e.cfg.Voice.PrefixPaddingMs,
		SilenceDurationMs: e.cfg.Voice.SilenceDurationMs,
	}
	if defs := e.cfg.Tools.Definitions(); len(defs) > 0 {
		params.Tools = toRealtimeTools(defs)
	}
	return e.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

func toRealtimeTools(defs []tool.Definition) []realtimeTool {
	out := make([]realtimeTool, len(defs))
	for i, d := range defs {
		out[i] = realtimeTool{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (e *Executor) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	e.mu.Lock()
	conn, ctx := e.conn, e.ctx
	e.mu.Unlock()
	if conn == nil {
		return executor.ErrNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── Receive loop ───────────────────────────────────────────────────────────────

// receiveLoop reads events from the WebSocket until the connection dies,
// then emits ConnectionClosed and closes the event stream.
func (e *Executor) receiveLoop() {
	var closeErr error
	defer func() { e.EmitConnectionClosed(closeErr) }()

	for {
		_, data, err := e.conn.Read(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				closeErr = err
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		e.handleServerEvent(&evt)
	}
}

func (e *Executor) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		if g := e.cfg.Voice.CallGreeting; g != "" {
			e.sendGreeting(g)
		}

	case "response.created":
		e.mu.Lock()
		if evt.Response != nil {
			e.currentResponseID = evt.Response.ID
		}
		e.mu.Unlock()
		e.EmitAgentSpeaking()

	case "response.audio.delta":
		if evt.Delta == "" || e.staleResponse(evt.ResponseID) {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		e.EmitAudioDelta(pcm)

	case "response.audio_transcript.delta":
		if e.staleResponse(evt.ResponseID) {
			return
		}
		e.mu.Lock()
		e.currentTranscript += evt.Delta
		e.mu.Unlock()
		e.EmitTranscriptDelta("assistant", evt.Delta, false)

	case "response.audio_transcript.done":
		e.mu.Lock()
		text := evt.Transcript
		if text == "" {
			text = e.currentTranscript
		}
		e.currentTranscript = ""
		e.mu.Unlock()
		e.EmitTranscriptDelta("assistant", text, true)

	case "conversation.item.input_audio_transcription.completed":
		e.EmitTranscriptDelta("user", evt.Transcript, true)

	case "response.done":
		e.mu.Lock()
		e.currentResponseID = ""
		e.currentTranscript = ""
		e.mu.Unlock()
		e.EmitAgentListening()
		e.EmitTurnComplete()

	case "input_audio_buffer.speech_started":
		if !e.IsSpeaking() {
			return
		}
		if !e.DebounceInterruption() {
			return
		}
		_ = e.CancelResponse()
		e.EmitUserInterrupted()

	case "response.function_call_arguments.done":
		// Tool execution happens off the receive loop so long-running tools
		// never stall audio delivery.
		go e.executeFunctionCall(evt.Name, evt.Arguments, evt.CallID)

	case "error":
		if e.InCancelWindow(cancelSuppressWindow) {
			return
		}
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		e.EmitError(fmt.Errorf("openai: %s", msg))
	}
}

// staleResponse reports whether a delta belongs to a response that has been
// cancelled or superseded. Deltas without a response_id are kept.
func (e *Executor) staleResponse(responseID string) bool {
	if responseID == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentResponseID != responseID
}

// sendGreeting injects the configured call greeting as an assistant message
// and triggers a response so the agent speaks first.
func (e *Executor) sendGreeting(greeting string) {
	_ = e.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "assistant",
			Content: []conversationPart{
				{Type: "text", Text: greeting},
			},
		},
	})
	_ = e.writeJSON(map[string]string{"type": "response.create"})
}

// executeFunctionCall dispatches a tool call, returns the result as a
// function_call_output item and resumes the model turn. Escalation results
// additionally surface as Escalate events.
func (e *Executor) executeFunctionCall(name, arguments, callID string) {
	e.EmitFunctionCall(name, arguments, callID)

	agent := e.cfg.AgentContext(e.conversationID)
	res := e.cfg.Tools.Dispatch(e.ctx, name, arguments, agent)

	_ = e.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: tool.MarshalResult(res),
		},
	})
	_ = e.writeJSON(map[string]string{"type": "response.create"})

	if req, ok := res.Escalation(e.conversationID); ok {
		e.EmitEscalate(req.Reason, req.Urgency, req.Summary, req.ConversationID)
	}
}
