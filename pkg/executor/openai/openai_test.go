package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/executor"
	"github.com/voxgate/voxgate/pkg/executor/openai"
	"github.com/voxgate/voxgate/pkg/tool"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test ends.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// waitEvent drains the event stream until an event of type T arrives.
func waitEvent[T executor.Event](t *testing.T, events <-chan executor.Event) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed before expected event")
			}
			if want, is := ev.(T); is {
				return want
			}
		case <-deadline:
			var zero T
			t.Fatalf("timeout waiting for %T", zero)
			return *new(T)
		}
	}
}

// ── Connection setup ──────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Modalities   []string `json:"modalities"`
			Voice        string   `json:"voice"`
			Instructions string   `json:"instructions"`
			Tools        []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
			InputAudioFormat        string `json:"input_audio_format"`
			OutputAudioFormat       string `json:"output_audio_format"`
			InputAudioTranscription struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
			TurnDetection struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				PrefixPaddingMs   int     `json:"prefix_padding_ms"`
				SilenceDurationMs int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
			ToolChoice              string  `json:"tool_choice"`
			Temperature             float64 `json:"temperature"`
			MaxResponseOutputTokens int     `json:"max_response_output_tokens"`
		} `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := executor.Config{
		ChatbotID:    "bot-1",
		SystemPrompt: "You are a support agent.",
		Voice: executor.VoiceConfig{
			Voice:             "alloy",
			VADThreshold:      0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		Tools: tool.NewRegistry(tool.Tool{
			Definition: tool.Definition{Name: "search_knowledge"},
			Execute: func(context.Context, map[string]any, tool.AgentContext) tool.Result {
				return tool.Result{Success: true}
			},
		}),
	}
	exec := openai.New("key", cfg, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if len(msg.Session.Modalities) != 2 {
			t.Errorf("modalities = %v; want [text audio]", msg.Session.Modalities)
		}
		if msg.Session.Voice != "alloy" {
			t.Errorf("voice = %q; want alloy", msg.Session.Voice)
		}
		if msg.Session.Instructions != "You are a support agent." {
			t.Errorf("instructions = %q", msg.Session.Instructions)
		}
		if msg.Session.InputAudioFormat != "pcm16" || msg.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("audio formats = %q/%q; want pcm16/pcm16",
				msg.Session.InputAudioFormat, msg.Session.OutputAudioFormat)
		}
		if msg.Session.InputAudioTranscription.Model != "whisper-1" {
			t.Errorf("transcription model = %q; want whisper-1", msg.Session.InputAudioTranscription.Model)
		}
		if msg.Session.TurnDetection.Type != "server_vad" {
			t.Errorf("turn_detection.type = %q; want server_vad", msg.Session.TurnDetection.Type)
		}
		if msg.Session.TurnDetection.Threshold != 0.5 {
			t.Errorf("threshold = %v; want 0.5", msg.Session.TurnDetection.Threshold)
		}
		if msg.Session.ToolChoice != "auto" {
			t.Errorf("tool_choice = %q; want auto", msg.Session.ToolChoice)
		}
		if msg.Session.Temperature != 0.8 {
			t.Errorf("temperature = %v; want 0.8", msg.Session.Temperature)
		}
		if msg.Session.MaxResponseOutputTokens != 4096 {
			t.Errorf("max_response_output_tokens = %d; want 4096", msg.Session.MaxResponseOutputTokens)
		}
		if len(msg.Session.Tools) != 1 || msg.Session.Tools[0].Name != "search_knowledge" {
			t.Errorf("tools = %v; want [search_knowledge]", msg.Session.Tools)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestConnect_SendsAuthHeaders(t *testing.T) {
	t.Parallel()

	authHeader := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("my-secret-token", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	select {
	case auth := <-authHeader:
		if auth != "Bearer my-secret-token" {
			t.Errorf("Authorization = %q; want Bearer my-secret-token", auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestWithModel_SetsModelInURL(t *testing.T) {
	t.Parallel()

	modelInURL := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		modelInURL <- r.URL.Query().Get("model")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{},
		openai.WithModel("gpt-4o-mini-realtime"), openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	select {
	case m := <-modelInURL:
		if m != "gpt-4o-mini-realtime" {
			t.Errorf("model in URL = %q; want gpt-4o-mini-realtime", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := exec.Connect(ctx); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
	if exec.IsConnected() {
		t.Error("IsConnected should be false after failed Connect")
	}
}

// ── Greeting ──────────────────────────────────────────────────────────────────

func TestSessionCreated_SendsGreeting(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}

	greetingItem := make(chan itemMsg, 1)
	responseCreate := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{"type": "session.created"})

		var item itemMsg
		readJSON(t, conn, &item)
		greetingItem <- item

		var trigger struct {
			Type string `json:"type"`
		}
		readJSON(t, conn, &trigger)
		responseCreate <- trigger.Type

		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := executor.Config{
		Voice: executor.VoiceConfig{CallGreeting: "Hi, thanks for calling!"},
	}
	exec := openai.New("key", cfg, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	select {
	case item := <-greetingItem:
		if item.Type != "conversation.item.create" {
			t.Errorf("type = %q; want conversation.item.create", item.Type)
		}
		if item.Item.Role != "assistant" {
			t.Errorf("role = %q; want assistant", item.Item.Role)
		}
		if len(item.Item.Content) == 0 || item.Item.Content[0].Text != "Hi, thanks for calling!" {
			t.Errorf("content = %v; want greeting text", item.Item.Content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for greeting item")
	}

	select {
	case typ := <-responseCreate:
		if typ != "response.create" {
			t.Errorf("follow-up type = %q; want response.create", typ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}
}

// ── Audio path ────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}

	audioMsg := make(chan appendMsg, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		var msg appendMsg
		readJSON(t, conn, &msg)
		audioMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	wantPCM := []byte{0x10, 0x20, 0x30, 0x40}
	if err := exec.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q; want input_audio_buffer.append", msg.Type)
		}
		got, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append message")
	}
}

func TestSendAudio_NotConnected_ReturnsError(t *testing.T) {
	t.Parallel()

	exec := openai.New("key", executor.Config{})
	if err := exec.SendAudio([]byte{1, 2, 3}); err != executor.ErrNotConnected {
		t.Fatalf("SendAudio = %v; want ErrNotConnected", err)
	}
}

func TestAudioDelta_EmitsDecodedPCM(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp-1"},
		})
		writeJSON(t, conn, map[string]any{
			"type":        "response.audio.delta",
			"response_id": "resp-1",
			"delta":       encoded,
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	waitEvent[executor.AgentSpeaking](t, exec.Events())
	if !exec.IsSpeaking() {
		t.Error("IsSpeaking should be true after response.created")
	}

	delta := waitEvent[executor.AudioDelta](t, exec.Events())
	if string(delta.PCM) != string(wantPCM) {
		t.Errorf("audio delta = %v; want %v", delta.PCM, wantPCM)
	}
}

func TestResponseDone_EmitsListeningAndTurnComplete(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp-1"},
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})

		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	waitEvent[executor.AgentSpeaking](t, exec.Events())
	waitEvent[executor.AgentListening](t, exec.Events())
	waitEvent[executor.TurnComplete](t, exec.Events())

	if exec.IsSpeaking() {
		t.Error("IsSpeaking should be false after response.done")
	}
}

// ── Transcripts ───────────────────────────────────────────────────────────────

func TestTranscripts_AssistantDeltasAndDone(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "r1"},
		})
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.delta", "response_id": "r1", "delta": "Hello ",
		})
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.delta", "response_id": "r1", "delta": "world!",
		})
		writeJSON(t, conn, map[string]any{
			"type": "response.audio_transcript.done", "transcript": "Hello world!",
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	first := waitEvent[executor.TranscriptDelta](t, exec.Events())
	if first.Role != "assistant" || first.IsFinal {
		t.Errorf("first delta = %+v; want non-final assistant", first)
	}
	if first.Content != "Hello " {
		t.Errorf("first delta content = %q; want %q", first.Content, "Hello ")
	}

	final := waitEvent[executor.TranscriptDelta](t, exec.Events())
	for !final.IsFinal {
		final = waitEvent[executor.TranscriptDelta](t, exec.Events())
	}
	if final.Content != "Hello world!" {
		t.Errorf("final transcript = %q; want %q", final.Content, "Hello world!")
	}
}

func TestTranscripts_UserSpeechFinal(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "What are your opening hours?",
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	delta := waitEvent[executor.TranscriptDelta](t, exec.Events())
	if delta.Role != "user" || !delta.IsFinal {
		t.Errorf("delta = %+v; want final user transcript", delta)
	}
	if delta.Content != "What are your opening hours?" {
		t.Errorf("content = %q", delta.Content)
	}
}

// ── Interruption ──────────────────────────────────────────────────────────────

func TestSpeechStarted_WhileSpeaking_CancelsAndEmitsInterrupted(t *testing.T) {
	t.Parallel()

	cancelReceived := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp-1"},
		})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})

		var cancel struct {
			Type string `json:"type"`
		}
		readJSON(t, conn, &cancel)
		cancelReceived <- cancel.Type

		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	waitEvent[executor.AgentSpeaking](t, exec.Events())
	waitEvent[executor.UserInterrupted](t, exec.Events())

	select {
	case typ := <-cancelReceived:
		if typ != "response.cancel" {
			t.Errorf("cancel message type = %q; want response.cancel", typ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.cancel")
	}
	if exec.IsSpeaking() {
		t.Error("IsSpeaking should be false after interruption")
	}
}

func TestSpeechStarted_WhileListening_Ignored(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		// No response in flight: speech_started must not trigger a cancel.
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp-1"},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	// The first observable event must be AgentSpeaking, not UserInterrupted.
	ev := <-exec.Events()
	if _, ok := ev.(executor.AgentSpeaking); !ok {
		t.Errorf("first event = %T; want AgentSpeaking", ev)
	}
}

func TestErrorDuringCancel_Suppressed(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp-1"},
		})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})

		// Read the response.cancel, then send the race error.
		var cancel map[string]any
		readJSON(t, conn, &cancel)
		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "response_cancel_not_active",
				"message": "Cancellation failed: no active response found",
			},
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})

		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	// Drain until TurnComplete; no ErrorEvent may appear along the way.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-exec.Events():
			if !ok {
				t.Fatal("event stream closed early")
			}
			switch ev.(type) {
			case executor.ErrorEvent:
				t.Fatalf("error during cancel window should be suppressed, got %+v", ev)
			case executor.TurnComplete:
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for TurnComplete")
		}
	}
}

func TestError_OutsideCancelWindow_Emitted(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "audio_unintelligible",
				"message": "Could not understand audio.",
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	ev := waitEvent[executor.ErrorEvent](t, exec.Events())
	if !strings.Contains(ev.Err.Error(), "Could not understand audio") {
		t.Errorf("error = %v; want audio_unintelligible message", ev.Err)
	}
}

// ── Stale deltas after cancel ─────────────────────────────────────────────────

func TestAudioDelta_FromCancelledResponse_Dropped(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp-1"},
		})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})

		var cancel map[string]any
		readJSON(t, conn, &cancel)

		// Straggler delta from the cancelled response, then a fresh turn.
		writeJSON(t, conn, map[string]any{
			"type":        "response.audio.delta",
			"response_id": "resp-1",
			"delta":       base64.StdEncoding.EncodeToString([]byte("stale")),
		})
		writeJSON(t, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp-2"},
		})
		writeJSON(t, conn, map[string]any{
			"type":        "response.audio.delta",
			"response_id": "resp-2",
			"delta":       base64.StdEncoding.EncodeToString([]byte("fresh")),
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	delta := waitEvent[executor.AudioDelta](t, exec.Events())
	if string(delta.PCM) != "fresh" {
		t.Errorf("first delivered delta = %q; want %q (stale one dropped)", delta.PCM, "fresh")
	}
}

// ── Function calls ────────────────────────────────────────────────────────────

func TestFunctionCall_DispatchesAndRoundTrips(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}

	resultItem := make(chan itemMsg, 1)
	resumeType := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"name":      "lookup_order",
			"arguments": `{"order_id":"A-17"}`,
			"call_id":   "call-42",
		})

		var item itemMsg
		readJSON(t, conn, &item)
		resultItem <- item

		var trigger struct {
			Type string `json:"type"`
		}
		readJSON(t, conn, &trigger)
		resumeType <- trigger.Type

		<-conn.CloseRead(context.Background()).Done()
	})

	executed := make(chan map[string]any, 1)
	cfg := executor.Config{
		ChatbotID: "bot-1",
		CompanyID: "co-1",
		Tools: tool.NewRegistry(tool.Tool{
			Definition: tool.Definition{Name: "lookup_order"},
			Execute: func(_ context.Context, args map[string]any, agent tool.AgentContext) tool.Result {
				executed <- args
				if agent.AgentID != "bot-1" || agent.CompanyID != "co-1" {
					t.Errorf("agent context = %+v", agent)
				}
				return tool.Result{Success: true, Data: map[string]any{"status": "shipped"}}
			},
		}),
	}
	exec := openai.New("key", cfg, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	fc := waitEvent[executor.FunctionCall](t, exec.Events())
	if fc.Name != "lookup_order" || fc.CallID != "call-42" {
		t.Errorf("function call = %+v", fc)
	}

	select {
	case args := <-executed:
		if args["order_id"] != "A-17" {
			t.Errorf("args = %v; want order_id A-17", args)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool execution")
	}

	select {
	case item := <-resultItem:
		if item.Item.Type != "function_call_output" {
			t.Errorf("item type = %q; want function_call_output", item.Item.Type)
		}
		if item.Item.CallID != "call-42" {
			t.Errorf("call_id = %q; want call-42", item.Item.CallID)
		}
		if !strings.Contains(item.Item.Output, "shipped") {
			t.Errorf("output = %q; want status shipped", item.Item.Output)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for function_call_output")
	}

	select {
	case typ := <-resumeType:
		if typ != "response.create" {
			t.Errorf("resume type = %q; want response.create", typ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}
}

func TestFunctionCall_EscalationResult_EmitsEscalate(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"name":      "escalate_to_human",
			"arguments": `{"reason":"billing dispute"}`,
			"call_id":   "call-7",
		})

		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	cfg := executor.Config{
		Tools: tool.NewRegistry(tool.Tool{
			Definition: tool.Definition{Name: "escalate_to_human"},
			Execute: func(_ context.Context, args map[string]any, _ tool.AgentContext) tool.Result {
				return tool.Result{Success: true, Data: map[string]any{
					"action":  "escalate",
					"reason":  args["reason"],
					"urgency": "high",
				}}
			},
		}),
	}
	exec := openai.New("key", cfg, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	esc := waitEvent[executor.Escalate](t, exec.Events())
	if esc.Reason != "billing dispute" || esc.Urgency != "high" {
		t.Errorf("escalate = %+v", esc)
	}
	if esc.ConversationID == "" {
		t.Error("escalate should carry the conversation id")
	}
}

func TestFunctionCall_UnknownTool_ReturnsErrorOutput(t *testing.T) {
	t.Parallel()

	output := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"name":      "no_such_tool",
			"arguments": `{}`,
			"call_id":   "c1",
		})

		var item struct {
			Item struct {
				Output string `json:"output"`
			} `json:"item"`
		}
		readJSON(t, conn, &item)
		output <- item.Item.Output

		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{Tools: tool.NewRegistry()},
		openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	select {
	case out := <-output:
		if !strings.Contains(out, "Unknown function: no_such_tool") {
			t.Errorf("output = %q; want unknown-function error", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for function_call_output")
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestDisconnect_EmitsFinalConnectionClosed(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !exec.IsConnected() {
		t.Fatal("IsConnected should be true after Connect")
	}

	if err := exec.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := exec.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	waitEvent[executor.ConnectionClosed](t, exec.Events())
	if exec.IsConnected() {
		t.Error("IsConnected should be false after ConnectionClosed")
	}

	// ConnectionClosed is the final event; the stream goes quiet but stays
	// open so late emitters never race a close.
	select {
	case ev := <-exec.Events():
		t.Errorf("unexpected event after ConnectionClosed: %T", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSampleRates(t *testing.T) {
	t.Parallel()

	exec := openai.New("key", executor.Config{})
	if got := exec.InputSampleRate(); got != 24000 {
		t.Errorf("InputSampleRate = %d; want 24000", got)
	}
	if got := exec.OutputSampleRate(); got != 24000 {
		t.Errorf("OutputSampleRate = %d; want 24000", got)
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	exec := openai.New("key", executor.Config{}, openai.WithBaseURL(wsURL(srv)))
	if err := exec.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer exec.Disconnect()

	const goroutines = 8
	const chunksPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range chunksPerGoroutine {
				_ = exec.SendAudio([]byte{0xCA, 0xFE, 0xBA, 0xBE})
			}
		})
	}
	wg.Wait()
}
