// Package server exposes the call core over HTTP: WebSocket upgrade
// paths for the browser widget and telephony media streams, the messenger
// webhook, session reservation, and the health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/handler"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/runner"
	"github.com/voxgate/voxgate/internal/session"
)

// Application close codes on the widget and telephony sockets. 1001 and
// 1011 retain their RFC 6455 meaning.
const (
	closeMissingSession websocket.StatusCode = 4000
	closeUnknownSession websocket.StatusCode = 4001
	closeDuplicate      websocket.StatusCode = 4002
)

const shutdownTimeout = 10 * time.Second

// Checker is a named readiness probe evaluated on each /readyz request.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config wires a Server's collaborators.
type Config struct {
	// ListenAddr is the TCP address to listen on, e.g. ":8080".
	ListenAddr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	Runner   *runner.Runner
	Sessions *session.Manager

	// Webhook serves the messenger calling webhook. Nil disables the
	// webhook routes.
	Webhook *Webhook

	// Checkers feed /readyz. /healthz is independent of them.
	Checkers []Checker

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server is the HTTP front of the call core. One handler per session is
// enforced by the connection table.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics

	httpServer *http.Server

	mu    sync.Mutex
	bound map[string]struct{} // sessionIDs with a live transport
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Runner == nil || cfg.Sessions == nil {
		return nil, errors.New("server: Runner and Sessions are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		bound:   make(map[string]struct{}),
	}, nil
}

// Handler returns the composed HTTP handler, wrapped with the tracing and
// metrics middleware. Exposed for tests; Run uses it internally.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/widget/call/session", s.handleCreateSession)
	mux.HandleFunc("GET /api/widget/call/ws", s.handleWidgetWS)
	mux.HandleFunc("GET /api/widget/call/twilio/stream", s.handleTwilioWS)

	if s.cfg.Webhook != nil {
		s.cfg.Webhook.Register(mux)
	}

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
// Live calls are ended by the runner's own shutdown, not here.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	s.logger.Info("server listening", slog.String("addr", s.cfg.ListenAddr))
	return g.Wait()
}

// ── Session reservation ──────────────────────────────────────────────────

type createSessionRequest struct {
	ChatbotID string `json:"chatbotId"`
	CompanyID string `json:"companyId,omitempty"`
	EndUserID string `json:"endUserId,omitempty"`
	Source    string `json:"source,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
	CallID    string `json:"callId"`
	Provider  string `json:"provider"`
}

// handleCreateSession reserves a session for a chatbot that can take
// calls. The returned sessionId is what the widget presents on upgrade.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	if req.ChatbotID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chatbotId is required"})
		return
	}
	source := session.Source(req.Source)
	if source == "" {
		source = session.SourceWeb
	}

	sess, err := s.cfg.Runner.CreateSession(r.Context(), runner.CreateParams{
		ChatbotID: req.ChatbotID,
		CompanyID: req.CompanyID,
		EndUserID: req.EndUserID,
		Source:    source,
	})
	if err != nil {
		s.logger.Error("session reservation failed",
			slog.String("chatbot_id", req.ChatbotID),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Provider connection failed"})
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Chatbot cannot take calls"})
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		CallID:    sess.CallID,
		Provider:  string(sess.Provider),
	})
}

// ── WebSocket upgrades ───────────────────────────────────────────────────

// handleWidgetWS upgrades a browser widget connection and binds it to its
// reserved session.
func (s *Server) handleWidgetWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("widget upgrade failed", slog.String("error", err.Error()))
		return
	}

	sess, ok := s.admit(conn, r)
	if !ok {
		return
	}
	defer s.unbind(r.Context(), sess)

	_, outRate := providerRates(sess.Provider)
	h := handler.NewWeb(handler.WebConfig{
		Conn:       conn,
		SessionID:  sess.ID,
		CallID:     sess.CallID,
		SampleRate: outRate,
		Logger:     s.logger,
	})
	s.serveCall(conn, sess, h)
}

// handleTwilioWS upgrades a carrier media-stream connection.
func (s *Server) handleTwilioWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("media stream upgrade failed", slog.String("error", err.Error()))
		return
	}

	sess, ok := s.admit(conn, r)
	if !ok {
		return
	}
	defer s.unbind(r.Context(), sess)

	inRate, _ := providerRates(sess.Provider)
	h := handler.NewTwilio(handler.TwilioConfig{
		Conn:         conn,
		SessionID:    sess.ID,
		CallID:       sess.CallID,
		ProviderRate: inRate,
		Logger:       s.logger,
	})
	s.serveCall(conn, sess, h)
}

// admit validates the sessionId query parameter and claims the session in
// the connection table. On rejection the socket is closed with the
// matching application code and ok is false.
func (s *Server) admit(conn *websocket.Conn, r *http.Request) (session.Session, bool) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		conn.Close(closeMissingSession, "Missing sessionId")
		return session.Session{}, false
	}
	sess, ok := s.cfg.Sessions.Get(sessionID)
	if !ok {
		conn.Close(closeUnknownSession, "Unknown session")
		return session.Session{}, false
	}
	if !s.bind(r.Context(), sess) {
		conn.Close(closeDuplicate, "Session already connected")
		return session.Session{}, false
	}
	return sess, true
}

// serveCall starts the handler, hands it to the runner on the transport's
// callStarted, and holds the connection until teardown. Events consumed
// here are those emitted before the runner owns the stream.
func (s *Server) serveCall(conn *websocket.Conn, sess session.Session, h handler.Handler) {
	if err := h.Start(); err != nil {
		s.logger.Error("handler start failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "call setup failed")
		return
	}

	for {
		ev, ok := <-h.Events()
		if !ok {
			return
		}
		switch ev.(type) {
		case handler.CallStarted:
			if err := s.cfg.Runner.StartCall(sess.ID, h); err != nil {
				s.logger.Error("start call failed",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()))
				conn.Close(websocket.StatusInternalError, "call setup failed")
				h.End("Internal error")
				return
			}
			// The runner's pump owns the event stream from here.
			<-done(h)
			return
		case handler.CallEnded:
			return
		default:
			// Audio before the transport's own start message is dropped.
		}
	}
}

// doneCloser is satisfied by all handlers built on [handler.Base].
type doneCloser interface {
	Done() <-chan struct{}
}

func done(h handler.Handler) <-chan struct{} {
	if d, ok := h.(doneCloser); ok {
		return d.Done()
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// ── Connection table ─────────────────────────────────────────────────────

// bind claims the session for one transport. Returns false when another
// handler already owns it.
func (s *Server) bind(ctx context.Context, sess session.Session) bool {
	s.mu.Lock()
	if _, taken := s.bound[sess.ID]; taken {
		s.mu.Unlock()
		return false
	}
	s.bound[sess.ID] = struct{}{}
	s.mu.Unlock()

	if s.cfg.Runner.Attached(sess.ID) {
		s.mu.Lock()
		delete(s.bound, sess.ID)
		s.mu.Unlock()
		return false
	}

	s.metrics.ActiveCalls.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("source", string(sess.Source))))
	return true
}

func (s *Server) unbind(ctx context.Context, sess session.Session) {
	s.mu.Lock()
	delete(s.bound, sess.ID)
	s.mu.Unlock()

	s.metrics.ActiveCalls.Add(ctx, -1,
		metric.WithAttributes(observe.Attr("source", string(sess.Source))))
	s.cfg.Runner.EndCall(sess.ID, "Client disconnected")
}

// providerRates returns the executor's input and output PCM16 sample
// rates for a session's provider.
func providerRates(p session.Provider) (in, out int) {
	if p == session.ProviderGemini {
		return 16000, 24000
	}
	return 24000, 24000
}

// writeJSON encodes v with the given status code. Encoding failures fall
// back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
