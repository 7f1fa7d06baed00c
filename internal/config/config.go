// Package config provides the configuration schema and loader for the
// voxgate call server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// secrets come from the environment via [ApplyEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Cache     CacheConfig     `yaml:"cache"`
	Database  DatabaseConfig  `yaml:"database"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Chatbots  []ChatbotConfig `yaml:"chatbots"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig holds credentials and model overrides per realtime
// voice-AI backend. A chatbot configured for a provider whose key is
// missing fails to start calls; other providers are unaffected.
type ProvidersConfig struct {
	OpenAI ProviderEntry `yaml:"openai"`
	Gemini ProviderEntry `yaml:"gemini"`
}

// ProviderEntry is the common configuration block shared by both providers.
type ProviderEntry struct {
	// APIKey authenticates against the provider. Usually injected from the
	// environment rather than written in the YAML file.
	APIKey string `yaml:"api_key"`

	// Model overrides the provider's default realtime model.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`
}

// WhatsAppConfig holds the Meta webhook and calling credentials.
type WhatsAppConfig struct {
	// VerifyToken answers the webhook subscription handshake.
	VerifyToken string `yaml:"verify_token"`

	// AppSecret signs webhook payloads (HMAC-SHA256).
	AppSecret string `yaml:"app_secret"`

	// AccessToken authenticates Graph API calls (pre-accept, terminate).
	AccessToken string `yaml:"access_token"`

	// PhoneNumberID is the business phone number the calls arrive on.
	PhoneNumberID string `yaml:"phone_number_id"`

	// ICEServers lists STUN/TURN URLs for the WebRTC leg.
	ICEServers []string `yaml:"ice_servers"`
}

// SessionsConfig tunes the live session table. Zero durations select the
// session package defaults (3 min silence, 10 min stale, 1 min sweep).
type SessionsConfig struct {
	SilenceTimeout time.Duration `yaml:"silence_timeout"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// CacheConfig tunes the executor cache. Zero values select the cache
// package defaults (100 executors, 3 h TTL, 15 min cleanup).
type CacheConfig struct {
	MaxExecutors    int           `yaml:"max_executors"`
	InactivityTTL   time.Duration `yaml:"inactivity_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DatabaseConfig points at the PostgreSQL instance used for call records
// and the knowledge index. An empty DSN keeps everything in memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// ChatbotConfig declares one tenant bot served from the config file. The
// chatbot directory is normally an external platform service; the static
// list covers single-tenant and development deployments.
type ChatbotConfig struct {
	ID        string `yaml:"id"`
	CompanyID string `yaml:"company_id"`

	// EnabledCall gates voice calls for this bot.
	EnabledCall bool `yaml:"enabled_call"`

	// Provider selects the realtime backend: "openai" or "gemini".
	Provider string `yaml:"provider"`

	SystemPrompt string `yaml:"system_prompt"`

	// Voice and Model override the provider defaults.
	Voice string `yaml:"voice"`
	Model string `yaml:"model"`

	// Greeting is spoken by the agent as the call opens.
	Greeting string `yaml:"greeting"`

	// VADThreshold is the voice-activity threshold in [0, 1].
	VADThreshold float64 `yaml:"vad_threshold"`

	KnowledgeCategories []string `yaml:"knowledge_categories"`
	KnowledgeThreshold  float64  `yaml:"knowledge_threshold"`

	// PhoneNumberID routes incoming messenger calls on that business
	// number to this bot.
	PhoneNumberID string `yaml:"phone_number_id"`
}

// KnowledgeConfig tunes the semantic knowledge index.
type KnowledgeConfig struct {
	// EmbeddingModel is the OpenAI embedding model name.
	EmbeddingModel string `yaml:"embedding_model"`

	// EmbeddingDimensions is the vector dimension of the embeddings column.
	// Must match the configured model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}
