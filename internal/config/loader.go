package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays secrets from the environment onto cfg. Environment
// values win over YAML so credentials never need to live in the file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.Providers.Gemini.APIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("WHATSAPP_WEBHOOK_VERIFY_TOKEN"); v != "" {
		cfg.WhatsApp.VerifyToken = v
	}
	if v := os.Getenv("WHATSAPP_APP_SECRET"); v != "" {
		cfg.WhatsApp.AppSecret = v
	}
	if v := os.Getenv("WHATSAPP_ACCESS_TOKEN"); v != "" {
		cfg.WhatsApp.AccessToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Knowledge.EmbeddingModel == "" {
		cfg.Knowledge.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Knowledge.EmbeddingDimensions <= 0 {
		cfg.Knowledge.EmbeddingDimensions = 1536
	}
}

// Validate checks that cfg contains a coherent set of values. Missing
// credentials are warnings, not errors: a provider without a key only
// fails calls routed to that provider.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Sessions.SilenceTimeout < 0 || cfg.Sessions.StaleAfter < 0 || cfg.Sessions.SweepInterval < 0 {
		errs = append(errs, errors.New("sessions durations must not be negative"))
	}
	if cfg.Cache.MaxExecutors < 0 {
		errs = append(errs, fmt.Errorf("cache.max_executors %d must not be negative", cfg.Cache.MaxExecutors))
	}

	seen := make(map[string]struct{}, len(cfg.Chatbots))
	for i, cb := range cfg.Chatbots {
		if cb.ID == "" {
			errs = append(errs, fmt.Errorf("chatbots[%d] is missing an id", i))
			continue
		}
		if _, dup := seen[cb.ID]; dup {
			errs = append(errs, fmt.Errorf("chatbots[%d] duplicates id %q", i, cb.ID))
		}
		seen[cb.ID] = struct{}{}
		switch cb.Provider {
		case "", "openai", "gemini":
		default:
			errs = append(errs, fmt.Errorf("chatbots[%d] provider %q is invalid; valid values: openai, gemini", i, cb.Provider))
		}
	}

	if cfg.Providers.OpenAI.APIKey == "" {
		slog.Warn("no OpenAI API key configured; calls for chatbots on the openai provider will fail")
	}
	if cfg.Providers.Gemini.APIKey == "" {
		slog.Warn("no Gemini API key configured; calls for chatbots on the gemini provider will fail")
	}

	if cfg.WhatsApp.VerifyToken == "" || cfg.WhatsApp.AppSecret == "" {
		slog.Warn("WhatsApp webhook credentials incomplete; the webhook endpoints will reject requests")
	}
	if cfg.Database.DSN == "" {
		slog.Warn("database.dsn is empty; call records are kept in memory only")
	}

	return errors.Join(errs...)
}
