// Package gemini implements the executor.Executor interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Input audio is PCM16 at 16 kHz, output audio PCM16 at 24 kHz, both base64.
// Turn detection is automatic on the provider side; the numeric VAD threshold
// from the chatbot config is mapped onto the Live API sensitivity enum.
package gemini

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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	defaultVoice = "Kore"

	inputRate  = 16000
	outputRate = 24000

	inputMIMEType = "audio/pcm;rate=16000"

	defaultPrefixPaddingMs   = 300
	defaultSilenceDurationMs = 700

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// vadSensitivity maps a numeric VAD threshold onto the Live API sensitivity
// enum. Lower thresholds mean more eager speech detection.
func vadSensitivity(t float64) string {
	switch {
	case t <= 0.3:
		return "HIGH"
	case t <= 0.6:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Executor.
type Option func(*Executor)

// WithModel overrides the default Live model.
func WithModel(model string) Option {
	return func(e *Executor) { e.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(e *Executor) { e.baseURL = url }
}

// ── Executor ───────────────────────────────────────────────────────────────────

// Executor speaks the Gemini Live BidiGenerateContent protocol for one
// chatbot. Single-use after the connection closes for good.
type Executor struct {
	*executor.Base

	apiKey  string
	model   string
	baseURL string
	cfg     executor.Config

	conversationID string

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gemini Live executor. Call Connect before use.
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
func (e *Executor) InputSampleRate() int { return inputRate }

// OutputSampleRate returns the PCM16 rate of emitted audio deltas.
func (e *Executor) OutputSampleRate() int { return outputRate }

// ConversationID returns the per-connection conversation identifier.
func (e *Executor) ConversationID() string { return e.conversationID }

// Connect dials the Live endpoint, sends the setup message and starts the
// receive and keepalive loops. No-op when already connected.
func (e *Executor) Connect(ctx context.Context) error {
	if e.IsConnected() {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, executor.ConnectTimeout)
	defer cancel()

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		e.baseURL, e.apiKey,
	)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return fmt.Errorf("gemini: dial: %w", err)
	}

	e.conversationID = uuid.NewString()

	sessCtx, sessCancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.conn = conn
	e.ctx = sessCtx
	e.cancel = sessCancel
	e.mu.Unlock()

	if err := e.sendSetup(); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return fmt.Errorf("gemini: setup: %w", err)
	}

	e.SetConnected(true)
	go e.receiveLoop()
	go e.keepaliveLoop()
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

// SendAudio delivers a PCM16 mono 16 kHz chunk as a realtime media chunk.
func (e *Executor) SendAudio(pcm []byte) error {
	if !e.IsConnected() {
		return executor.ErrNotConnected
	}
	if len(pcm) == 0 {
		return nil
	}
	return e.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: inputMIMEType, Data: base64.StdEncoding.EncodeToString(pcm)},
			},
		},
	})
}

// CancelResponse clears the local speaking state. The Live API performs
// barge-in server-side and reports it via the interrupted flag, so there is
// no cancel message to send.
func (e *Executor) CancelResponse() error {
	if !e.IsConnected() {
		return executor.ErrNotConnected
	}
	e.BeginCancel()
	e.EndCancel()
	return nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model               string             `json:"model"`
	GenerationConfig    generationConfig   `json:"generationConfig"`
	SystemInstruction   *systemInstruction `json:"systemInstruction,omitempty"`
	Tools               []liveTool         `json:"tools,omitempty"`
	RealtimeInputConfig *realtimeInputCfg  `json:"realtimeInputConfig,omitempty"`
	InputTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type liveTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputCfg struct {
	AutomaticActivityDetection automaticActivityDetection `json:"automaticActivityDetection"`
}

type automaticActivityDetection struct {
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs"`
	SilenceDurationMs        int    `json:"silenceDurationMs"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	Error         *liveError       `json:"error,omitempty"`
}

type liveError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── Session setup ──────────────────────────────────────────────────────────────

// sendSetup sends the initial BidiGenerateContent setup message: audio-only
// response modality, system instruction, voice, transcription on both
// directions, tool declarations and automatic VAD configuration.
func (e *Executor) sendSetup() error {
	voice := e.cfg.Voice.Voice
	if voice == "" {
		voice = defaultVoice
	}
	prefixPadding := e.cfg.Voice.PrefixPaddingMs
	if prefixPadding <= 0 {
		prefixPadding = defaultPrefixPaddingMs
	}
	silenceDuration := e.cfg.Voice.SilenceDurationMs
	if silenceDuration <= 0 {
		silenceDuration = defaultSilenceDurationMs
	}
	sensitivity := vadSensitivity(e.cfg.Voice.VADThreshold)

	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", e.model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
			SystemInstruction: &systemInstruction{
				Parts: []part{{Text: e.cfg.Prompt()}},
			},
			RealtimeInputConfig: &realtimeInputCfg{
				AutomaticActivityDetection: automaticActivityDetection{
					StartOfSpeechSensitivity: "START_SENSITIVITY_" + sensitivity,
					EndOfSpeechSensitivity:   "END_SENSITIVITY_" + sensitivity,
					PrefixPaddingMs:          prefixPadding,
					SilenceDurationMs:        silenceDuration,
				},
			},
			InputTranscription:  &struct{}{},
			OutputTranscription: &struct{}{},
		},
	}

	if defs := e.cfg.Tools.Definitions(); len(defs) > 0 {
		decls := make([]functionDeclaration, len(defs))
		for i, d := range defs {
			decls[i] = functionDeclaration{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			}
		}
		msg.Setup.Tools = []liveTool{{FunctionDeclarations: decls}}
	}

	return e.writeJSON(msg)
}

// sendGreeting instructs the model to open the call with the exact configured
// phrase. The Live API has no assistant-item injection, so the greeting is
// delivered as an initial user turn.
func (e *Executor) sendGreeting(greeting string) {
	_ = e.writeJSON(clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{
					Role: "user",
					Parts: []part{{
						Text: fmt.Sprintf(
							"Greet the caller now by saying exactly: %q. Say nothing else.",
							greeting,
						),
					}},
				},
			},
			TurnComplete: true,
		},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (e *Executor) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		e.handleServerMessage(&msg)
	}
}

func (e *Executor) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil {
		if g := e.cfg.Voice.CallGreeting; g != "" {
			e.sendGreeting(g)
		}
	}
	if msg.Error != nil {
		text := "unknown error"
		if msg.Error.Message != "" {
			text = msg.Error.Message
		}
		e.EmitError(fmt.Errorf("gemini: %s", text))
	}
	if msg.ServerContent != nil {
		e.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		go e.handleToolCall(msg.ToolCall)
	}
}

func (e *Executor) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		if e.DebounceInterruption() {
			e.EmitAgentListening()
			e.EmitUserInterrupted()
		}
		return
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue
			}
			if !e.IsSpeaking() {
				e.EmitAgentSpeaking()
			}
			e.EmitAudioDelta(pcm)
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		e.EmitTranscriptDelta("user", sc.InputTranscription.Text, true)
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		e.EmitTranscriptDelta("assistant", sc.OutputTranscription.Text, sc.TurnComplete)
	}

	if sc.TurnComplete {
		e.EmitAgentListening()
		e.EmitTurnComplete()
	}
}

// handleToolCall dispatches each requested function through the registry and
// answers with a toolResponse message. Escalation results additionally
// surface as Escalate events.
func (e *Executor) handleToolCall(tc *toolCallMsg) {
	agent := e.cfg.AgentContext(e.conversationID)

	responses := make([]functionResponse, 0, len(tc.FunctionCalls))
	for _, fc := range tc.FunctionCalls {
		argsJSON, err := json.Marshal(fc.Args)
		if err != nil {
			argsJSON = []byte("{}")
		}
		e.EmitFunctionCall(fc.Name, string(argsJSON), fc.ID)

		res := e.cfg.Tools.Dispatch(e.ctx, fc.Name, string(argsJSON), agent)

		var respObj map[string]any
		if err := json.Unmarshal([]byte(tool.MarshalResult(res)), &respObj); err != nil {
			respObj = map[string]any{"output": tool.MarshalResult(res)}
		}
		responses = append(responses, functionResponse{
			ID:       fc.ID,
			Name:     fc.Name,
			Response: respObj,
		})

		if req, ok := res.Escalation(e.conversationID); ok {
			e.EmitEscalate(req.Reason, req.Urgency, req.Summary, req.ConversationID)
		}
	}

	if len(responses) > 0 {
		_ = e.writeJSON(toolResponseMessage{
			ToolResponse: toolResponse{FunctionResponses: responses},
		})
	}
}

// keepaliveLoop sends WebSocket pings so long Live sessions survive idle
// periods between turns.
func (e *Executor) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(e.ctx, keepaliveTimeout)
			_ = e.conn.Ping(pingCtx)
			cancel()
		}
	}
}
