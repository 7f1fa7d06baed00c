// Package tool defines the capability table exposed to provider executors.
//
// Tools are dispatched by name at runtime: each registered tool pairs a
// JSON-schema declaration (sent to the AI provider) with an execute function
// invoked when the model calls it. A [Registry] is owned by the executor
// config and treated as immutable for the lifetime of an executor instance.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// ActionEscalate is the Result.Data action value that requests a handover to
// a human agent.
const ActionEscalate = "escalate"

// Definition is the provider-facing declaration of a tool.
type Definition struct {
	// Name is the function name the model calls.
	Name string `json:"name"`

	// Description tells the model when to use the tool.
	Description string `json:"description,omitempty"`

	// Parameters is the JSON-schema object describing the arguments.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Result is the outcome of a tool execution, round-tripped to the provider
// as JSON so the model can continue the turn.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// EscalationRequest reports a tool result that asked for human handover.
type EscalationRequest struct {
	Reason         string
	Urgency        string
	Summary        string
	ConversationID string
}

// Escalation extracts an escalation request from the result, if its Data
// carries action == "escalate". The second return is false otherwise.
func (r Result) Escalation(conversationID string) (EscalationRequest, bool) {
	action, _ := r.Data["action"].(string)
	if action != ActionEscalate {
		return EscalationRequest{}, false
	}
	req := EscalationRequest{ConversationID: conversationID}
	req.Reason, _ = r.Data["reason"].(string)
	req.Urgency, _ = r.Data["urgency"].(string)
	req.Summary, _ = r.Data["summary"].(string)
	return req, true
}

// AgentContext carries per-call tenant scope into tool executions.
type AgentContext struct {
	// ConversationID is synthesized once per call.
	ConversationID string

	// CompanyID is the owning tenant.
	CompanyID string

	// AgentID is the chatbot the call belongs to.
	AgentID string

	// Channel identifies the transport kind (e.g. "web").
	Channel string

	// KnowledgeCategories filters knowledge search, empty means all.
	KnowledgeCategories []string

	// KnowledgeThreshold is the minimum relevance for knowledge results.
	KnowledgeThreshold float64
}

// ExecuteFunc runs a tool with decoded arguments and the call's context.
// Implementations must be safe for concurrent use and should respect ctx
// cancellation; long-running work is executed off the audio path by the
// caller.
type ExecuteFunc func(ctx context.Context, args map[string]any, agent AgentContext) Result

// Tool pairs a declaration with its executor.
type Tool struct {
	Definition Definition
	Execute    ExecuteFunc
}

// Registry is an immutable name → tool lookup map. Build it once with
// [NewRegistry]; executors only read it.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry builds a registry from the given tools. Later duplicates of a
// name replace earlier ones.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, exists := r.tools[t.Definition.Name]; !exists {
			r.order = append(r.order, t.Definition.Name)
		}
		r.tools[t.Definition.Name] = t
	}
	return r
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the declarations in registration order, for inclusion
// in a provider session config.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}

// Dispatch parses argsJSON, looks up name, and executes the tool. A parse
// failure falls back to empty arguments; an unknown name returns a failure
// Result without error — the provider still receives a round-trippable
// output so the turn can progress (tool errors never end a call).
func (r *Registry) Dispatch(ctx context.Context, name, argsJSON string, agent AgentContext) Result {
	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			args = map[string]any{}
		}
	}

	t, ok := r.Get(name)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("Unknown function: %s", name)}
	}
	return t.Execute(ctx, args, agent)
}

// MarshalResult encodes a Result as the JSON string sent back to providers.
// Marshal failures degrade to a generic error payload rather than breaking
// the turn.
func MarshalResult(res Result) string {
	data, err := json.Marshal(res)
	if err != nil {
		return `{"success":false,"error":"result serialization failed"}`
	}
	return string(data)
}
