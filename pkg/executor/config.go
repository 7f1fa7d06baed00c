package executor

import "github.com/voxgate/voxgate/pkg/tool"

// VoiceConfig tunes the provider's speech and turn-detection behaviour.
// Fields with zero values fall back to provider defaults.
type VoiceConfig struct {
	// Voice selects the provider voice (e.g. "alloy", "Kore").
	Voice string

	// Model overrides the provider's default realtime model.
	Model string

	// VADThreshold is the numeric voice-activity threshold in [0, 1].
	// The Live-API executor maps it onto its sensitivity enum.
	VADThreshold float64

	// PrefixPaddingMs is audio retained before detected speech.
	PrefixPaddingMs int

	// SilenceDurationMs is the silence that ends a user turn.
	SilenceDurationMs int

	// CallGreeting, when set, is spoken by the agent as the call opens.
	CallGreeting string
}

// Config is the immutable per-(chatbot, provider) executor configuration.
type Config struct {
	// ChatbotID and CompanyID scope tool executions and logging.
	ChatbotID string
	CompanyID string

	// SystemPrompt defaults to [DefaultSystemPrompt] when empty.
	SystemPrompt string

	Voice VoiceConfig

	// Tools is the capability table exposed to the model. May be nil.
	Tools *tool.Registry

	// KnowledgeCategories filters knowledge search in tool executions.
	KnowledgeCategories []string

	// KnowledgeThreshold defaults to [DefaultKnowledgeThreshold] when zero.
	KnowledgeThreshold float64
}

// Prompt returns the effective system prompt.
func (c Config) Prompt() string {
	if c.SystemPrompt == "" {
		return DefaultSystemPrompt
	}
	return c.SystemPrompt
}

// Threshold returns the effective knowledge relevance threshold.
func (c Config) Threshold() float64 {
	if c.KnowledgeThreshold <= 0 {
		return DefaultKnowledgeThreshold
	}
	return c.KnowledgeThreshold
}

// AgentContext builds the tool execution context for one call.
func (c Config) AgentContext(conversationID string) tool.AgentContext {
	return tool.AgentContext{
		ConversationID:      conversationID,
		CompanyID:           c.CompanyID,
		AgentID:             c.ChatbotID,
		Channel:             "web",
		KnowledgeCategories: c.KnowledgeCategories,
		KnowledgeThreshold:  c.Threshold(),
	}
}
