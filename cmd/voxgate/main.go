// Command voxgate is the realtime voice call server: it terminates the
// widget, telephony, and messenger transports and bridges them to the
// realtime voice-AI providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/excache"
	"github.com/voxgate/voxgate/internal/knowledge"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/runner"
	"github.com/voxgate/voxgate/internal/server"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/store"
	"github.com/voxgate/voxgate/pkg/executor"
	"github.com/voxgate/voxgate/pkg/tool"
	"github.com/voxgate/voxgate/pkg/webrtc"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"chatbots", len(cfg.Chatbots),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxgate",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Call persistence ──────────────────────────────────────────────────────
	var persistence store.CallPersistence
	var pg *store.Postgres
	if cfg.Database.DSN != "" {
		pg, err = store.NewPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			slog.Error("failed to connect to database", "err", err)
			return 1
		}
		defer pg.Close()
		persistence = pg
		slog.Info("call records persisted to postgres")
	} else {
		persistence = store.NewMemory()
	}

	// ── Tool registry ─────────────────────────────────────────────────────────
	tools := []tool.Tool{knowledge.EscalateTool()}
	if pg != nil && cfg.Providers.OpenAI.APIKey != "" {
		embedder, err := knowledge.NewOpenAIEmbedder(cfg.Providers.OpenAI.APIKey, cfg.Knowledge.EmbeddingModel)
		if err != nil {
			slog.Error("failed to create embedder", "err", err)
			return 1
		}
		index, err := knowledge.NewPGIndex(ctx, pg.Pool(), cfg.Knowledge.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to migrate knowledge index", "err", err)
			return 1
		}
		tools = append(tools, knowledge.SearchTool(knowledge.NewService(embedder, index, logger)))
		slog.Info("knowledge search enabled",
			"model", cfg.Knowledge.EmbeddingModel,
			"dimensions", cfg.Knowledge.EmbeddingDimensions)
	} else {
		slog.Info("knowledge search disabled; requires a database and an OpenAI key")
	}
	registry := tool.NewRegistry(tools...)

	dir := newDirectory(cfg.Chatbots, registry)

	// ── Call core ─────────────────────────────────────────────────────────────
	// The manager's timeout hook closes over the runner, which is built
	// after it.
	var callRunner *runner.Runner
	sessions := session.NewManager(session.ManagerConfig{
		SilenceTimeout: cfg.Sessions.SilenceTimeout,
		StaleAfter:     cfg.Sessions.StaleAfter,
		SweepInterval:  cfg.Sessions.SweepInterval,
		OnTimeout: func(sessionID string) {
			if callRunner != nil {
				callRunner.EndCall(sessionID, "timeout")
			}
		},
		Logger: logger,
	})
	cache := excache.New(excache.Config{
		MaxSize:         cfg.Cache.MaxExecutors,
		InactivityTTL:   cfg.Cache.InactivityTTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
		Logger:          logger,
	})
	callRunner = runner.New(runner.Config{
		Sessions:    sessions,
		Cache:       cache,
		Chatbots:    dir,
		Persistence: persistence,
		OpenAIKey:   cfg.Providers.OpenAI.APIKey,
		GeminiKey:   cfg.Providers.Gemini.APIKey,
		Logger:      logger,
	})

	// ── Messenger leg ─────────────────────────────────────────────────────────
	var webhook *server.Webhook
	rtc, err := webrtc.NewManager(webrtc.Config{
		ICEServers: cfg.WhatsApp.ICEServers,
		OnAudio: func(f webrtc.Frame) {
			if webhook != nil {
				webhook.OnFrame(f)
			}
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("failed to initialise webrtc", "err", err)
		return 1
	}
	if cfg.WhatsApp.VerifyToken != "" {
		webhook = server.NewWebhook(server.WebhookConfig{
			VerifyToken:    cfg.WhatsApp.VerifyToken,
			AppSecret:      cfg.WhatsApp.AppSecret,
			Runner:         callRunner,
			RTC:            rtc,
			Graph:          server.NewGraphClient(cfg.WhatsApp.AccessToken, cfg.WhatsApp.PhoneNumberID),
			ResolveChatbot: dir.ResolveByPhoneNumber,
			Logger:         logger,
		})
		slog.Info("whatsapp webhook enabled", "phone_number_id", cfg.WhatsApp.PhoneNumberID)
	} else {
		slog.Info("whatsapp webhook disabled; no verify token configured")
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	var checkers []server.Checker
	if pg != nil {
		checkers = append(checkers, server.Checker{
			Name:  "database",
			Check: func(ctx context.Context) error { return pg.Pool().Ping(ctx) },
		})
	}

	serverCfg := server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Runner:     callRunner,
		Sessions:   sessions,
		Webhook:    webhook,
		Checkers:   checkers,
		Logger:     logger,
	}
	if cfg.Server.TLS != nil {
		serverCfg.CertFile = cfg.Server.TLS.CertFile
		serverCfg.KeyFile = cfg.Server.TLS.KeyFile
	}
	srv, err := server.New(serverCfg)
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	callRunner.Shutdown()
	rtc.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// ── Chatbot directory ─────────────────────────────────────────────────────────

// directory is the static chatbot lookup built from the config file. In a
// multi-tenant deployment this would be a client of the platform's
// configuration service.
type directory struct {
	bots    map[string]*runner.Chatbot
	byPhone map[string]string
}

func newDirectory(entries []config.ChatbotConfig, tools *tool.Registry) *directory {
	d := &directory{
		bots:    make(map[string]*runner.Chatbot, len(entries)),
		byPhone: make(map[string]string),
	}
	for _, e := range entries {
		d.bots[e.ID] = &runner.Chatbot{
			ChatbotID:      e.ID,
			CompanyID:      e.CompanyID,
			EnabledCall:    e.EnabledCall,
			CallAIProvider: e.Provider,
			SystemPrompt:   e.SystemPrompt,
			Voice: executor.VoiceConfig{
				Voice:        e.Voice,
				Model:        e.Model,
				VADThreshold: e.VADThreshold,
				CallGreeting: e.Greeting,
			},
			KnowledgeCategories: e.KnowledgeCategories,
			KnowledgeThreshold:  e.KnowledgeThreshold,
			Tools:               tools,
		}
		if e.PhoneNumberID != "" {
			d.byPhone[e.PhoneNumberID] = e.ID
		}
	}
	return d
}

// GetChatbot implements [runner.ConfigProvider].
func (d *directory) GetChatbot(_ context.Context, chatbotID string) (*runner.Chatbot, error) {
	return d.bots[chatbotID], nil
}

// ResolveByPhoneNumber maps a business phone number to its chatbot.
func (d *directory) ResolveByPhoneNumber(_ context.Context, phoneNumberID string) (string, error) {
	return d.byPhone[phoneNumberID], nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
