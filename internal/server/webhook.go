package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/voxgate/voxgate/internal/handler"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/runner"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/pkg/webrtc"
)

// ChatbotResolver maps the business phone number a call arrived on to the
// chatbot that should answer it. An empty chatbotID means no chatbot is
// configured for that number.
type ChatbotResolver func(ctx context.Context, phoneNumberID string) (chatbotID string, err error)

// WebhookConfig wires the messenger webhook's collaborators.
type WebhookConfig struct {
	// VerifyToken answers the subscription handshake. Empty disables GET
	// verification.
	VerifyToken string

	// AppSecret verifies payload signatures. Empty skips verification.
	AppSecret string

	Runner         *runner.Runner
	RTC            handler.RTCManager
	Graph          *GraphClient
	ResolveChatbot ChatbotResolver

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Webhook handles the carrier's calling webhook: subscription
// verification, signed event delivery, and the connect/terminate/media
// call events that drive the WebRTC leg.
type Webhook struct {
	cfg     WebhookConfig
	logger  *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	byWaID   map[string]*waBinding // carrier call id
	byCallID map[string]*waBinding // internal call id, for frame routing
}

// waBinding ties a carrier call to its session and transport handler.
type waBinding struct {
	waCallID  string
	sessionID string
	handler   *handler.WhatsApp
}

// NewWebhook creates the webhook handler.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Webhook{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		byWaID:   make(map[string]*waBinding),
		byCallID: make(map[string]*waBinding),
	}
}

// Register adds the webhook routes to mux.
func (wh *Webhook) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/whatsapp/webhook", wh.Verify)
	mux.HandleFunc("POST /api/whatsapp/webhook", wh.Receive)
}

// OnFrame routes one decoded WebRTC audio frame to the call it belongs
// to. Wire this as the WebRTC manager's OnAudio callback.
func (wh *Webhook) OnFrame(f webrtc.Frame) {
	wh.mu.Lock()
	b := wh.byCallID[f.CallID]
	wh.mu.Unlock()
	if b != nil {
		b.handler.HandleFrame(f)
	}
}

// Verify answers the carrier's subscription handshake: the challenge is
// echoed only when the token matches.
func (wh *Webhook) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if wh.cfg.VerifyToken != "" &&
		q.Get("hub.mode") == "subscribe" &&
		q.Get("hub.verify_token") == wh.cfg.VerifyToken {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, q.Get("hub.challenge"))
		return
	}
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// Receive handles one signed event delivery. The carrier retries non-200
// responses, so recognised-but-unactionable events still return ok.
func (wh *Webhook) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}
	if wh.cfg.AppSecret != "" && !wh.validSignature(body, r.Header.Get("x-hub-signature-256")) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}

	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, raw := range change.Value.Calls {
				ev, unknown := mapCallEvent(raw)
				if len(unknown) > 0 {
					wh.logger.Debug("webhook call event carries unrecognised fields",
						slog.String("call_id", ev.ID),
						slog.String("fields", strings.Join(unknown, ",")))
				}
				wh.dispatch(r.Context(), change.Value.Metadata.PhoneNumberID, ev)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// validSignature checks the HMAC-SHA256 of the raw body against the
// sha256=<hex> header value.
func (wh *Webhook) validSignature(body []byte, header string) bool {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(wh.cfg.AppSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// ── Envelope ─────────────────────────────────────────────────────────────

type webhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Calls []json.RawMessage `json:"calls"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// waCallEvent is the narrow view of one value.calls[] element.
type waCallEvent struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Event     string `json:"event"`
	Direction string `json:"direction"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`

	Session *struct {
		SDPType string `json:"sdp_type"`
		SDP     string `json:"sdp"`
	} `json:"session"`

	Media *struct {
		Chunk string `json:"chunk"`
	} `json:"media"`
}

// knownCallFields are the value.calls[] keys the mapper consumes.
var knownCallFields = map[string]struct{}{
	"id": {}, "from": {}, "to": {}, "event": {}, "direction": {},
	"timestamp": {}, "reason": {}, "status": {}, "session": {}, "media": {},
}

// mapCallEvent decodes one calls[] element and reports the field names it
// did not recognise. The carrier's envelope shape drifts across versions,
// so unknowns are surfaced instead of silently dropped.
func mapCallEvent(raw json.RawMessage) (waCallEvent, []string) {
	var ev waCallEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ev, nil
	}
	var unknown []string
	for k := range fields {
		if _, ok := knownCallFields[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	return ev, unknown
}

// ── Event dispatch ───────────────────────────────────────────────────────

func (wh *Webhook) dispatch(ctx context.Context, phoneNumberID string, ev waCallEvent) {
	wh.metrics.RecordWebhookEvent(ctx, ev.Event)

	switch ev.Event {
	case "connect":
		wh.handleConnect(ctx, phoneNumberID, ev)
	case "terminate":
		wh.handleTerminate(ev)
	case "media":
		wh.handleMedia(ev)
	case "status":
		wh.handleStatus(ev)
	default:
		wh.logger.Debug("ignoring webhook call event",
			slog.String("call_id", ev.ID),
			slog.String("event", ev.Event))
	}
}

// handleConnect resolves the chatbot for the dialled number, reserves a
// session, negotiates the WebRTC leg, and answers the call. Calls that
// cannot be served are rejected at the carrier with a reason.
func (wh *Webhook) handleConnect(ctx context.Context, phoneNumberID string, ev waCallEvent) {
	chatbotID, err := wh.cfg.ResolveChatbot(ctx, phoneNumberID)
	if err != nil || chatbotID == "" {
		if err != nil {
			wh.logger.Warn("chatbot resolution failed",
				slog.String("phone_number_id", phoneNumberID),
				slog.String("error", err.Error()))
		}
		wh.reject(ctx, ev.ID, "no_chatbot")
		return
	}

	sess, err := wh.cfg.Runner.CreateSession(ctx, runner.CreateParams{
		ChatbotID: chatbotID,
		EndUserID: ev.From,
		Source:    session.SourceWhatsApp,
	})
	if err != nil || sess == nil {
		if err != nil {
			wh.logger.Error("whatsapp session reservation failed",
				slog.String("chatbot_id", chatbotID),
				slog.String("error", err.Error()))
		}
		wh.reject(ctx, ev.ID, "no_chatbot")
		return
	}

	var offer string
	if ev.Session != nil {
		offer = ev.Session.SDP
	}
	inRate, _ := providerRates(sess.Provider)
	h := handler.NewWhatsApp(handler.WhatsAppConfig{
		SessionID:    sess.ID,
		CallID:       sess.CallID,
		Phone:        ev.From,
		SDPOffer:     offer,
		ProviderRate: inRate,
		RTC:          wh.cfg.RTC,
		Logger:       wh.logger,
	})
	if err := h.Start(); err != nil {
		wh.logger.Warn("whatsapp negotiation failed",
			slog.String("call_id", ev.ID),
			slog.String("error", err.Error()))
		wh.cfg.Runner.EndCall(sess.ID, "Failed: invalid SDP offer")
		wh.reject(ctx, ev.ID, "connection_error")
		return
	}

	b := &waBinding{waCallID: ev.ID, sessionID: sess.ID, handler: h}
	wh.track(b)
	go func() {
		<-h.Done()
		wh.release(b)
	}()

	if err := wh.cfg.Runner.StartCall(sess.ID, h); err != nil {
		wh.logger.Error("whatsapp start call failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
		wh.cfg.Runner.EndCall(sess.ID, "Failed to start call")
		wh.reject(ctx, ev.ID, "connection_error")
		return
	}

	if answer := h.SDPAnswer(); answer != "" && wh.cfg.Graph != nil {
		if err := wh.cfg.Graph.PreAccept(ctx, ev.ID, answer); err != nil {
			wh.logger.Warn("pre-accept failed",
				slog.String("call_id", ev.ID),
				slog.String("error", err.Error()))
		}
		if err := wh.cfg.Graph.Accept(ctx, ev.ID, answer); err != nil {
			wh.logger.Error("accept failed",
				slog.String("call_id", ev.ID),
				slog.String("error", err.Error()))
			wh.cfg.Runner.EndCall(sess.ID, "Failed: carrier accept rejected")
			return
		}
	}

	wh.logger.Info("whatsapp call accepted",
		slog.String("call_id", ev.ID),
		slog.String("session_id", sess.ID),
		slog.String("from", ev.From))
}

func (wh *Webhook) handleTerminate(ev waCallEvent) {
	b := wh.lookup(ev.ID)
	if b == nil {
		wh.logger.Debug("terminate for unknown call", slog.String("call_id", ev.ID))
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = "Caller hung up"
	}
	wh.cfg.Runner.EndCall(b.sessionID, reason)
}

// handleMedia injects webhook-delivered audio chunks on calls without a
// negotiated media path.
func (wh *Webhook) handleMedia(ev waCallEvent) {
	b := wh.lookup(ev.ID)
	if b == nil || ev.Media == nil {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(ev.Media.Chunk)
	if err != nil {
		wh.logger.Debug("media chunk not base64", slog.String("call_id", ev.ID))
		return
	}
	b.handler.HandleAudio(pcm)
}

func (wh *Webhook) handleStatus(ev waCallEvent) {
	b := wh.lookup(ev.ID)
	if b == nil {
		return
	}
	b.handler.HandleStatus(ev.Status)
}

func (wh *Webhook) reject(ctx context.Context, waCallID, reason string) {
	if wh.cfg.Graph == nil {
		return
	}
	if err := wh.cfg.Graph.Reject(ctx, waCallID, reason); err != nil {
		wh.logger.Warn("reject failed",
			slog.String("call_id", waCallID),
			slog.String("error", err.Error()))
	}
}

// ── Call registry ────────────────────────────────────────────────────────

func (wh *Webhook) track(b *waBinding) {
	wh.mu.Lock()
	wh.byWaID[b.waCallID] = b
	wh.byCallID[b.handler.CallID()] = b
	wh.mu.Unlock()
}

func (wh *Webhook) release(b *waBinding) {
	wh.mu.Lock()
	delete(wh.byWaID, b.waCallID)
	delete(wh.byCallID, b.handler.CallID())
	wh.mu.Unlock()
}

func (wh *Webhook) lookup(waCallID string) *waBinding {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	return wh.byWaID[waCallID]
}
