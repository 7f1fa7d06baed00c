package knowledge

import (
	"context"
	"log/slog"
	"strings"

	"github.com/voxgate/voxgate/pkg/tool"
)

// DefaultThreshold is the minimum relevance score when the chatbot config
// does not override it.
const DefaultThreshold = 0.3

// DefaultTopK caps search_knowledge results.
const DefaultTopK = 5

// Service binds an embedder and an index into the search path used by the
// search_knowledge tool.
type Service struct {
	embedder Embedder
	index    Index
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(embedder Embedder, index Index, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{embedder: embedder, index: index, logger: logger}
}

// Search embeds the query and runs it against the agent's scoped corpus.
func (s *Service) Search(ctx context.Context, agent tool.AgentContext, query string, topK int) ([]Result, error) {
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	threshold := agent.KnowledgeThreshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return s.index.Search(ctx, embedding, SearchParams{
		ChatbotID:  agent.AgentID,
		Categories: agent.KnowledgeCategories,
		Threshold:  threshold,
		TopK:       topK,
	})
}

// SearchTool builds the search_knowledge tool backed by svc.
func SearchTool(svc *Service) tool.Tool {
	return tool.Tool{
		Definition: tool.Definition{
			Name:        "search_knowledge",
			Description: "Search the company knowledge base for information relevant to the user's question. Use this before answering factual questions about products, policies, or services.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query, phrased as the information need.",
					},
				},
				"required": []string{"query"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any, agent tool.AgentContext) tool.Result {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return tool.Result{Success: false, Error: "query is required"}
			}

			results, err := svc.Search(ctx, agent, query, DefaultTopK)
			if err != nil {
				svc.logger.Warn("knowledge search failed",
					slog.String("chatbot_id", agent.AgentID),
					slog.String("error", err.Error()))
				return tool.Result{Success: false, Error: "knowledge search failed"}
			}

			items := make([]map[string]any, 0, len(results))
			for _, r := range results {
				items = append(items, map[string]any{
					"title":    r.Entry.Title,
					"content":  r.Entry.Content,
					"category": r.Entry.Category,
					"score":    r.Score,
				})
			}
			return tool.Result{Success: true, Data: map[string]any{
				"results": items,
				"count":   len(items),
			}}
		},
	}
}

// EscalateTool builds the escalate_to_human tool. The executor detects the
// escalate action in the result and surfaces it as a handover event.
func EscalateTool() tool.Tool {
	return tool.Tool{
		Definition: tool.Definition{
			Name:        "escalate_to_human",
			Description: "Transfer the conversation to a human agent. Use when the user explicitly asks for a person or when you cannot resolve their request.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Why the handover is needed.",
					},
					"urgency": map[string]any{
						"type": "string",
						"enum": []string{"low", "medium", "high"},
					},
					"summary": map[string]any{
						"type":        "string",
						"description": "Short summary of the conversation so far.",
					},
				},
				"required": []string{"reason"},
			},
		},
		Execute: func(_ context.Context, args map[string]any, _ tool.AgentContext) tool.Result {
			reason, _ := args["reason"].(string)
			if reason == "" {
				reason = "User requested human assistance"
			}
			urgency, _ := args["urgency"].(string)
			if urgency == "" {
				urgency = "medium"
			}
			summary, _ := args["summary"].(string)

			return tool.Result{Success: true, Data: map[string]any{
				"action":  tool.ActionEscalate,
				"reason":  reason,
				"urgency": urgency,
				"summary": summary,
				"message": "Escalation request received. A human agent will join shortly.",
			}}
		},
	}
}
