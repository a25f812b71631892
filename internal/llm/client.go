package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	envProvider = "LLM_PROVIDER" // "anthropic" or "openai"

	defaultMaxTokens = 1200
	maxRetries       = 3
	maxRequestSize   = 200000
)

// Client is a text-in, text-out planner oracle.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Response struct {
	Text string
}

// NewClientWithLogger creates a client for the provider named by
// LLM_PROVIDER, defaulting to Anthropic.
func NewClientWithLogger(logger zerolog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv(envProvider)))
	if provider == "" {
		provider = "anthropic"
	}

	switch provider {
	case "openai":
		return NewOpenAIWithLogger(logger)
	case "anthropic":
		return NewAnthropicWithLogger(logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'anthropic' or 'openai')", provider)
	}
}

// truncate keeps oversized prompts under the request size limit.
func truncate(req Request, logger zerolog.Logger) Request {
	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)
	for i, m := range msgs {
		if len(m.Content) > maxRequestSize {
			logger.Warn().Int("message_idx", i).Int("size", len(m.Content)).Msg("message too large, truncating")
			msgs[i].Content = cut(m.Content, maxRequestSize)
		}
	}
	req.Messages = msgs
	if len(req.System) > maxRequestSize {
		logger.Warn().Int("size", len(req.System)).Msg("system prompt too large, truncating")
		req.System = cut(req.System, maxRequestSize)
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	return req
}

// cut keeps at most n bytes of s without splitting a rune.
func cut(s string, n int) string {
	return strings.ToValidUTF8(s[:n], "") + "... [truncated]"
}

func envOr(key, def string) string {
	v := strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
	if v == "" {
		return def
	}
	return v
}
