// Package runner orchestrates one live call end to end: it loads and
// caches provider executors per chatbot, creates sessions, and pumps
// events between the transport handler and the executor.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/excache"
	"github.com/voxgate/voxgate/internal/handler"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/store"
	"github.com/voxgate/voxgate/pkg/executor"
	"github.com/voxgate/voxgate/pkg/executor/gemini"
	"github.com/voxgate/voxgate/pkg/executor/openai"
	"github.com/voxgate/voxgate/pkg/tool"
)

// Chatbot is the external configuration of one tenant bot, as served by
// the platform's configuration collaborator.
type Chatbot struct {
	ChatbotID string
	CompanyID string

	// EnabledCall gates voice calls for this bot.
	EnabledCall bool
	// CallAIProvider selects the executor variant: "openai" or "gemini".
	CallAIProvider string

	SystemPrompt        string
	Voice               executor.VoiceConfig
	KnowledgeCategories []string
	KnowledgeThreshold  float64
	Tools               *tool.Registry
}

// ConfigProvider resolves chatbot configuration.
type ConfigProvider interface {
	GetChatbot(ctx context.Context, chatbotID string) (*Chatbot, error)
}

// AudioRecorder captures call audio out of band. Optional.
type AudioRecorder interface {
	Start(callID string) error
	Stop(callID string) error
	Cancel(callID string) error
}

// Config wires a Runner's collaborators.
type Config struct {
	Sessions    *session.Manager
	Cache       *excache.Cache
	Chatbots    ConfigProvider
	Persistence store.CallPersistence
	Recorder    AudioRecorder
	Breakers    *resilience.Set
	Metrics     *observe.Metrics

	OpenAIKey string
	GeminiKey string

	// ExecutorFactory overrides executor construction, mainly for tests.
	// Nil selects the built-in OpenAI and Gemini executors by provider name.
	ExecutorFactory func(provider, apiKey string, cfg executor.Config) (executor.Executor, error)

	Logger *slog.Logger
}

// Runner drives live calls. Safe for concurrent use.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	calls map[string]*liveCall  // by sessionID
	idle  map[string]*idleDrain // parked-executor drainers, by chatbotID
}

// idleDrain tracks one goroutine discarding a cached executor's events
// between calls.
type idleDrain struct {
	stop    chan struct{}
	stopped chan struct{}
}

// liveCall is the binding between one session, its handler, and its
// executor for the duration of a call.
type liveCall struct {
	handler handler.Handler
	exec    executor.Executor
	cancel  context.CancelFunc

	inProgress sync.Once
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.NewSet(resilience.BreakerConfig{Logger: cfg.Logger})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Runner{
		cfg:    cfg,
		logger: cfg.Logger,
		calls:  make(map[string]*liveCall),
		idle:   make(map[string]*idleDrain),
	}
}

// LoadExecutor returns a connected executor for the chatbot, reusing the
// cache when possible. A nil executor with nil error means the chatbot has
// calls disabled or no provider configured.
func (r *Runner) LoadExecutor(ctx context.Context, chatbotID string) (executor.Executor, error) {
	if cached, ok := r.cfg.Cache.Get(chatbotID); ok && cached.IsConnected() {
		return cached, nil
	}

	cb, err := r.cfg.Chatbots.GetChatbot(ctx, chatbotID)
	if err != nil {
		return nil, fmt.Errorf("runner: load chatbot %s: %w", chatbotID, err)
	}
	if cb == nil || !cb.EnabledCall || cb.CallAIProvider == "" {
		return nil, nil
	}

	excfg := executor.Config{
		ChatbotID:           cb.ChatbotID,
		CompanyID:           cb.CompanyID,
		SystemPrompt:        cb.SystemPrompt,
		Voice:               cb.Voice,
		Tools:               cb.Tools,
		KnowledgeCategories: cb.KnowledgeCategories,
		KnowledgeThreshold:  cb.KnowledgeThreshold,
	}

	var apiKey string
	switch cb.CallAIProvider {
	case "openai":
		apiKey = r.cfg.OpenAIKey
	case "gemini":
		apiKey = r.cfg.GeminiKey
	default:
		r.logger.Warn("unknown call provider",
			slog.String("chatbot_id", chatbotID),
			slog.String("provider", cb.CallAIProvider))
		return nil, nil
	}
	if apiKey == "" {
		return nil, fmt.Errorf("runner: %s provider selected but no API key configured", cb.CallAIProvider)
	}

	exec, err := r.newExecutor(cb.CallAIProvider, apiKey, excfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	err = r.cfg.Breakers.For(cb.CallAIProvider).Execute(func() error {
		return exec.Connect(ctx)
	})
	if err != nil {
		r.cfg.Metrics.RecordProviderRequest(ctx, cb.CallAIProvider, "error")
		return nil, fmt.Errorf("runner: connect %s executor for %s: %w", cb.CallAIProvider, chatbotID, err)
	}
	r.cfg.Metrics.RecordProviderRequest(ctx, cb.CallAIProvider, "ok")
	r.cfg.Metrics.RecordConnectDuration(ctx, cb.CallAIProvider, time.Since(start).Seconds())

	r.cfg.Cache.Set(chatbotID, exec)
	return exec, nil
}

func (r *Runner) newExecutor(provider, apiKey string, cfg executor.Config) (executor.Executor, error) {
	if r.cfg.ExecutorFactory != nil {
		return r.cfg.ExecutorFactory(provider, apiKey, cfg)
	}
	switch provider {
	case "openai":
		return openai.New(apiKey, cfg), nil
	case "gemini":
		return gemini.New(apiKey, cfg), nil
	}
	return nil, fmt.Errorf("runner: unknown provider %q", provider)
}

// CreateParams carries the caller-supplied fields of a new call session.
type CreateParams struct {
	ChatbotID string
	CompanyID string
	EndUserID string
	Source    session.Source
}

// CreateSession loads the chatbot's executor and registers a new session.
// Returns nil without error when the chatbot cannot take calls.
func (r *Runner) CreateSession(ctx context.Context, p CreateParams) (*session.Session, error) {
	cb, err := r.cfg.Chatbots.GetChatbot(ctx, p.ChatbotID)
	if err != nil {
		return nil, fmt.Errorf("runner: load chatbot %s: %w", p.ChatbotID, err)
	}
	if cb == nil || !cb.EnabledCall || cb.CallAIProvider == "" {
		return nil, nil
	}

	exec, err := r.LoadExecutor(ctx, p.ChatbotID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, nil
	}

	companyID := p.CompanyID
	if companyID == "" {
		companyID = cb.CompanyID
	}
	sess := r.cfg.Sessions.Create(session.Params{
		ID:        uuid.NewString(),
		CallID:    uuid.NewString(),
		ChatbotID: p.ChatbotID,
		CompanyID: companyID,
		EndUserID: p.EndUserID,
		Source:    p.Source,
		Provider:  session.Provider(cb.CallAIProvider),
	})

	if r.cfg.Persistence != nil {
		rec := store.CallRecord{
			CallID:    sess.CallID,
			SessionID: sess.ID,
			ChatbotID: sess.ChatbotID,
			CompanyID: sess.CompanyID,
			EndUserID: sess.EndUserID,
			Source:    string(sess.Source),
			Provider:  string(sess.Provider),
			Status:    string(sess.Status),
			StartedAt: sess.StartedAt,
		}
		go func() {
			if err := r.cfg.Persistence.RecordCall(context.Background(), rec); err != nil {
				r.logger.Error("record call failed",
					slog.String("call_id", rec.CallID),
					slog.String("error", err.Error()))
			}
		}()
	}
	return &sess, nil
}

// StartCall binds a handler to a session's executor and starts pumping
// events both ways.
func (r *Runner) StartCall(sessionID string, h handler.Handler) error {
	sess, ok := r.cfg.Sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("runner: start call: unknown session %s", sessionID)
	}

	exec, err := r.LoadExecutor(context.Background(), sess.ChatbotID)
	if err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("runner: start call: chatbot %s cannot take calls", sess.ChatbotID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc := &liveCall{handler: h, exec: exec, cancel: cancel}

	r.mu.Lock()
	if _, exists := r.calls[sessionID]; exists {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("runner: session %s already has a handler", sessionID)
	}
	r.calls[sessionID] = lc
	r.mu.Unlock()

	r.cfg.Sessions.UpdateStatus(sessionID, session.StatusConnecting)

	if r.cfg.Recorder != nil {
		if err := r.cfg.Recorder.Start(sess.CallID); err != nil {
			r.logger.Warn("audio recorder start failed",
				slog.String("call_id", sess.CallID),
				slog.String("error", err.Error()))
		}
	}

	r.claimExecutor(sess.ChatbotID)

	go r.pumpExecutor(ctx, sess, lc)
	go r.pumpHandler(ctx, sess, lc)

	r.logger.Info("call started",
		slog.String("session_id", sessionID),
		slog.String("call_id", sess.CallID),
		slog.String("provider", string(sess.Provider)))
	return nil
}

// pumpExecutor forwards executor events to the transport handler.
func (r *Runner) pumpExecutor(ctx context.Context, sess session.Session, lc *liveCall) {
	for {
		var ev executor.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-lc.exec.Events():
			if !ok {
				r.EndCall(sess.ID, "Provider connection closed")
				return
			}
		}

		switch ev := ev.(type) {
		case executor.AudioDelta:
			lc.handler.SendAudio(ev.PCM)
		case executor.TranscriptDelta:
			lc.handler.HandleTranscript(ev.Content, ev.Role)
			if ev.IsFinal && r.cfg.Persistence != nil {
				line := store.TranscriptLine{
					CallID:      sess.CallID,
					Role:        ev.Role,
					Content:     ev.Content,
					TimestampMs: ev.TimestampMs,
				}
				go func() {
					if err := r.cfg.Persistence.RecordTranscript(context.Background(), line); err != nil {
						r.logger.Warn("record transcript failed",
							slog.String("call_id", sess.CallID),
							slog.String("error", err.Error()))
					}
				}()
			}
		case executor.AgentSpeaking:
			r.markInProgress(sess.ID, lc)
			lc.handler.HandleAgentSpeaking()
		case executor.AgentListening:
			lc.handler.HandleAgentListening()
		case executor.UserInterrupted:
			lc.handler.HandleUserInterrupted()
		case executor.TurnComplete:
			r.cfg.Sessions.Touch(sess.ID)
		case executor.FunctionCall:
			r.cfg.Metrics.RecordToolCall(ctx, ev.Name, "requested")
			r.logger.Info("tool call",
				slog.String("session_id", sess.ID),
				slog.String("name", ev.Name))
		case executor.Escalate:
			r.cfg.Metrics.RecordEscalation(ctx, sess.ChatbotID)
			if esc, ok := lc.handler.(handler.Escalator); ok {
				esc.HandleEscalation(ev.Reason, ev.Urgency, ev.Summary)
			}
		case executor.ErrorEvent:
			r.cfg.Metrics.RecordProviderError(ctx, string(sess.Provider))
			r.logger.Error("executor error",
				slog.String("session_id", sess.ID),
				slog.String("error", ev.Err.Error()))
			r.cfg.Sessions.UpdateStatus(sess.ID, session.StatusFailed)
			r.EndCall(sess.ID, "Provider error: "+ev.Err.Error())
			return
		case executor.ConnectionClosed:
			if ev.Err != nil {
				r.cfg.Metrics.RecordProviderError(ctx, string(sess.Provider))
				r.cfg.Sessions.UpdateStatus(sess.ID, session.StatusFailed)
			}
			r.EndCall(sess.ID, "Provider connection closed")
			return
		}
	}
}

// pumpHandler forwards transport events to the executor.
func (r *Runner) pumpHandler(ctx context.Context, sess session.Session, lc *liveCall) {
	for {
		var ev handler.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-lc.handler.Events():
			if !ok {
				return
			}
		}

		switch ev := ev.(type) {
		case handler.AudioReceived:
			r.markInProgress(sess.ID, lc)
			r.cfg.Sessions.Touch(sess.ID)
			if err := lc.exec.SendAudio(ev.PCM); err != nil {
				r.logger.Debug("send audio failed",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()))
			}
		case handler.CallStarted:
			// Transport finished setup; binding already happened.
		case handler.CallEnded:
			r.EndCall(sess.ID, ev.Reason)
			return
		case handler.ErrorEvent:
			r.logger.Warn("handler error",
				slog.String("session_id", sess.ID),
				slog.String("error", ev.Err.Error()))
		}
	}
}

func (r *Runner) markInProgress(sessionID string, lc *liveCall) {
	lc.inProgress.Do(func() {
		r.cfg.Sessions.UpdateStatus(sessionID, session.StatusInProgress)
	})
}

// SendAudio forwards caller audio to the session's executor and refreshes
// the activity timestamp. Unknown sessions are a no-op.
func (r *Runner) SendAudio(sessionID string, pcm []byte) {
	r.mu.Lock()
	lc := r.calls[sessionID]
	r.mu.Unlock()
	if lc == nil {
		return
	}
	r.cfg.Sessions.Touch(sessionID)
	if err := lc.exec.SendAudio(pcm); err != nil {
		r.logger.Debug("send audio failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

// EndCall finishes a session: the handler is closed and the session is
// removed, but the executor stays cached for the next call. Idempotent.
func (r *Runner) EndCall(sessionID, reason string) {
	r.mu.Lock()
	lc := r.calls[sessionID]
	delete(r.calls, sessionID)
	r.mu.Unlock()

	sess, ok := r.cfg.Sessions.Get(sessionID)
	if lc == nil && !ok {
		return
	}

	if lc != nil {
		lc.cancel()
		if lc.handler.IsActive() {
			lc.handler.End(reason)
		}
	}
	if !ok {
		return
	}

	status := sess.Status
	if !status.IsTerminal() {
		status = statusForReason(reason)
		r.cfg.Sessions.UpdateStatus(sessionID, status)
	}

	if lc != nil {
		// The provider keeps the session alive between calls; whatever it
		// emits while no call is bound must never reach the next handler.
		r.parkExecutor(sess.ChatbotID, lc.exec)
	}

	duration := int(time.Since(sess.StartedAt).Seconds())
	r.cfg.Metrics.RecordCallDuration(context.Background(), string(sess.Provider), string(sess.Source), time.Since(sess.StartedAt).Seconds())
	if r.cfg.Persistence != nil {
		go func() {
			if err := r.cfg.Persistence.UpdateCallStatus(context.Background(), sess.CallID, string(status), duration); err != nil {
				r.logger.Warn("update call status failed",
					slog.String("call_id", sess.CallID),
					slog.String("error", err.Error()))
			}
		}()
	}
	if r.cfg.Recorder != nil {
		if err := r.cfg.Recorder.Stop(sess.CallID); err != nil {
			r.logger.Warn("audio recorder stop failed",
				slog.String("call_id", sess.CallID),
				slog.String("error", err.Error()))
		}
	}

	r.cfg.Sessions.End(sessionID)
	r.logger.Info("call ended",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
		slog.String("status", string(status)),
		slog.Int("duration_s", duration))
}

// statusForReason maps an end reason onto the terminal session status.
func statusForReason(reason string) session.Status {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "timeout"):
		return session.StatusTimeout
	case strings.Contains(lower, "error"), strings.Contains(lower, "fail"):
		return session.StatusFailed
	default:
		return session.StatusCompleted
	}
}

// parkExecutor starts a goroutine that discards everything a cached
// executor emits while no call is bound, so buffered events from one call
// never leak into the next. The drainer runs until the executor is claimed
// by the next call or the provider session closes.
func (r *Runner) parkExecutor(chatbotID string, exec executor.Executor) {
	d := &idleDrain{stop: make(chan struct{}), stopped: make(chan struct{})}
	r.mu.Lock()
	if old := r.idle[chatbotID]; old != nil {
		close(old.stop)
	}
	r.idle[chatbotID] = d
	r.mu.Unlock()

	go func() {
		defer close(d.stopped)
		for {
			select {
			case <-d.stop:
				return
			case ev, ok := <-exec.Events():
				if !ok {
					return
				}
				if _, closed := ev.(executor.ConnectionClosed); closed {
					return
				}
			}
		}
	}()
}

// claimExecutor stops the chatbot's idle drainer and waits for it to exit,
// so the new call's pump becomes the sole consumer of the event stream.
func (r *Runner) claimExecutor(chatbotID string) {
	r.mu.Lock()
	d := r.idle[chatbotID]
	delete(r.idle, chatbotID)
	r.mu.Unlock()
	if d == nil {
		return
	}
	close(d.stop)
	<-d.stopped
}

// Attached reports whether a handler is already bound to the session.
func (r *Runner) Attached(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.calls[sessionID]
	return ok
}

// InvalidateExecutor disconnects and evicts a chatbot's cached executor.
func (r *Runner) InvalidateExecutor(chatbotID string) {
	r.cfg.Cache.Invalidate(chatbotID)
}

// ClearCache disconnects and evicts every cached executor.
func (r *Runner) ClearCache() {
	r.cfg.Cache.Clear()
}

// CacheStats returns the executor cache statistics.
func (r *Runner) CacheStats() excache.Stats {
	return r.cfg.Cache.Stats()
}

// ActiveSessionCount returns the number of non-terminal sessions.
func (r *Runner) ActiveSessionCount() int {
	return r.cfg.Sessions.Count()
}

// Shutdown ends every live call and tears down the cache and session
// table.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.calls))
	for id := range r.calls {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.EndCall(id, "Server shutting down")
	}

	r.mu.Lock()
	for id, d := range r.idle {
		close(d.stop)
		delete(r.idle, id)
	}
	r.mu.Unlock()

	r.cfg.Cache.Close()
	r.cfg.Sessions.Shutdown()
}
