package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/voxgate/voxgate/internal/runner"
)

const (
	testVerifyToken = "verify-me"
	testAppSecret   = "topsecret"
	testPhoneID     = "15550001111"
)

// graphRecorder captures carrier API calls made by the webhook.
type graphRecorder struct {
	ts *httptest.Server

	mu      sync.Mutex
	actions []map[string]any
}

func newGraphRecorder(t *testing.T) *graphRecorder {
	t.Helper()
	rec := &graphRecorder{}
	rec.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		rec.actions = append(rec.actions, payload)
		rec.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}))
	t.Cleanup(rec.ts.Close)
	return rec
}

func (g *graphRecorder) recorded() []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]any(nil), g.actions...)
}

func (g *graphRecorder) client() *GraphClient {
	return NewGraphClient("token", testPhoneID, WithGraphBaseURL(g.ts.URL))
}

// newWebhookFixture wires a webhook over the shared runner fixture. The
// resolver answers testPhoneID with chatbotID; anything else is unknown.
func newWebhookFixture(t *testing.T, bots map[string]*runner.Chatbot, chatbotID string, graph *GraphClient) *fixture {
	t.Helper()
	return newFixture(t, bots, func(fx *fixture, cfg *Config) {
		fx.wh = NewWebhook(WebhookConfig{
			VerifyToken: testVerifyToken,
			AppSecret:   testAppSecret,
			Runner:      fx.run,
			Graph:       graph,
			ResolveChatbot: func(_ context.Context, phoneNumberID string) (string, error) {
				if phoneNumberID == testPhoneID {
					return chatbotID, nil
				}
				return "", nil
			},
			Logger: slog.New(slog.DiscardHandler),
		})
		cfg.Webhook = fx.wh
	})
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// callsEnvelope builds the carrier's delivery envelope around call events.
func callsEnvelope(phoneNumberID string, calls ...map[string]any) []byte {
	env := map[string]any{
		"object": "whatsapp_business_account",
		"entry": []map[string]any{{
			"id": "entry-1",
			"changes": []map[string]any{{
				"field": "calls",
				"value": map[string]any{
					"metadata": map[string]any{"phone_number_id": phoneNumberID},
					"calls":    calls,
				},
			}},
		}},
	}
	body, _ := json.Marshal(env)
	return body
}

func postWebhook(t *testing.T, fx *fixture, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, fx.ts.URL+"/api/whatsapp/webhook", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("x-hub-signature-256", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebhookVerify(t *testing.T) {
	t.Parallel()
	fx := newWebhookFixture(t, nil, "", nil)

	resp, err := http.Get(fx.ts.URL + "/api/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=" + testVerifyToken + "&hub.challenge=12345")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "12345" {
		t.Errorf("challenge = %q", body)
	}
}

func TestWebhookVerify_WrongToken(t *testing.T) {
	t.Parallel()
	fx := newWebhookFixture(t, nil, "", nil)

	resp, err := http.Get(fx.ts.URL + "/api/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d; want 403", resp.StatusCode)
	}
}

func TestWebhookReceive_BadSignature(t *testing.T) {
	t.Parallel()
	fx := newWebhookFixture(t, map[string]*runner.Chatbot{"bot-1": testBot("bot-1")}, "bot-1", nil)

	body := callsEnvelope(testPhoneID, map[string]any{
		"id": "wacid.1", "from": "491701234567", "event": "connect",
	})
	resp := postWebhook(t, fx, body, "sha256=invalid")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d; want 401", resp.StatusCode)
	}
	var errBody map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errBody["error"] != "Invalid signature" {
		t.Errorf("error = %q", errBody["error"])
	}
	if fx.run.ActiveSessionCount() != 0 {
		t.Error("session created despite rejected delivery")
	}
}

func TestWebhookReceive_MissingSignature(t *testing.T) {
	t.Parallel()
	fx := newWebhookFixture(t, nil, "bot-1", nil)

	resp := postWebhook(t, fx, callsEnvelope(testPhoneID), "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d; want 401", resp.StatusCode)
	}
}

func TestWebhookReceive_ConnectStartsCall(t *testing.T) {
	t.Parallel()
	graph := newGraphRecorder(t)
	fx := newWebhookFixture(t, map[string]*runner.Chatbot{"bot-1": testBot("bot-1")}, "bot-1", graph.client())

	body := callsEnvelope(testPhoneID, map[string]any{
		"id":        "wacid.1",
		"from":      "491701234567",
		"to":        testPhoneID,
		"event":     "connect",
		"direction": "user_initiated",
	})
	resp := postWebhook(t, fx, body, sign(testAppSecret, body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	var ok map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ok["status"] != "ok" {
		t.Errorf("body = %v", ok)
	}

	if fx.run.ActiveSessionCount() != 1 {
		t.Fatalf("active sessions = %d; want 1", fx.run.ActiveSessionCount())
	}

	// The offerless connect has no SDP answer, so nothing reaches the
	// carrier API.
	if got := graph.recorded(); len(got) != 0 {
		t.Errorf("graph calls = %v; want none", got)
	}
}

func TestWebhookReceive_MediaAndTerminate(t *testing.T) {
	t.Parallel()
	fx := newWebhookFixture(t, map[string]*runner.Chatbot{"bot-1": testBot("bot-1")}, "bot-1", nil)

	connect := callsEnvelope(testPhoneID, map[string]any{
		"id": "wacid.2", "from": "491701234567", "event": "connect",
	})
	postWebhook(t, fx, connect, sign(testAppSecret, connect))
	waitFor(t, "call start", func() bool { return fx.run.ActiveSessionCount() == 1 })

	pcm := bytes.Repeat([]byte{0x01, 0x02}, 480)
	media := callsEnvelope(testPhoneID, map[string]any{
		"id": "wacid.2", "event": "media",
		"media": map[string]any{"chunk": base64.StdEncoding.EncodeToString(pcm)},
	})
	postWebhook(t, fx, media, sign(testAppSecret, media))
	waitFor(t, "executor audio", func() bool { return fx.exec.audioCount() == 1 })

	terminate := callsEnvelope(testPhoneID, map[string]any{
		"id": "wacid.2", "event": "terminate", "reason": "Caller hung up",
	})
	postWebhook(t, fx, terminate, sign(testAppSecret, terminate))
	waitFor(t, "session teardown", func() bool { return fx.run.ActiveSessionCount() == 0 })
}

func TestWebhookReceive_UnresolvableConnectRejects(t *testing.T) {
	t.Parallel()
	graph := newGraphRecorder(t)
	fx := newWebhookFixture(t, nil, "", graph.client())

	body := callsEnvelope(testPhoneID, map[string]any{
		"id": "wacid.3", "from": "491701234567", "event": "connect",
	})
	resp := postWebhook(t, fx, body, sign(testAppSecret, body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}

	waitFor(t, "carrier reject", func() bool { return len(graph.recorded()) == 1 })
	action := graph.recorded()[0]
	if action["action"] != "reject" {
		t.Errorf("action = %v", action["action"])
	}
	if action["reason"] != "no_chatbot" {
		t.Errorf("reason = %v", action["reason"])
	}
	if action["call_id"] != "wacid.3" {
		t.Errorf("call_id = %v", action["call_id"])
	}
	if fx.run.ActiveSessionCount() != 0 {
		t.Error("session created for unresolvable call")
	}
}

func TestMapCallEvent_ReportsUnknownFields(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"id":"wacid.4","event":"connect","biz_opaque_callback_data":"x","session":{"sdp_type":"offer","sdp":"v=0"}}`)
	ev, unknown := mapCallEvent(raw)
	if ev.ID != "wacid.4" || ev.Event != "connect" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Session == nil || ev.Session.SDP != "v=0" {
		t.Errorf("session = %+v", ev.Session)
	}
	if len(unknown) != 1 || unknown[0] != "biz_opaque_callback_data" {
		t.Errorf("unknown = %v", unknown)
	}
}
