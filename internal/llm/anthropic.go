package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
)

const (
	envAPIKey    = "ANTHROPIC_API_KEY"
	envModel     = "ANTHROPIC_MODEL"
	defaultModel = "claude-sonnet-4-5-20250929"
)

// MessagesAPI is the subset of the Anthropic SDK used here. It is satisfied
// by *sdk.MessageService.
type MessagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

type anthropicClient struct {
	msgs   MessagesAPI
	model  string
	logger zerolog.Logger
}

// NewAnthropic wraps an Anthropic messages client.
func NewAnthropic(msgs MessagesAPI, model string, logger zerolog.Logger) (Client, error) {
	if msgs == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if model == "" {
		model = defaultModel
	}
	return &anthropicClient{msgs: msgs, model: model, logger: logger}, nil
}

// NewAnthropicWithLogger reads ANTHROPIC_API_KEY and ANTHROPIC_MODEL.
func NewAnthropicWithLogger(logger zerolog.Logger) (Client, error) {
	key := strings.TrimSpace(os.Getenv(envAPIKey))
	if key == "" {
		return nil, fmt.Errorf("missing %s", envAPIKey)
	}
	ac := sdk.NewClient(option.WithAPIKey(key), option.WithMaxRetries(maxRetries))
	return NewAnthropic(&ac.Messages, envOr(envModel, defaultModel), logger)
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}
	req = truncate(req, c.logger)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, sdk.NewUserMessage(block))
		}
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("messages", len(params.Messages)).
		Int("max_tokens", req.MaxTokens).
		Msg("Anthropic API request")

	msg, err := c.msgs.New(ctx, params)
	if err != nil {
		c.logger.Error().Err(err).Msg("Anthropic API error")
		return Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var buf strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			buf.WriteString(block.Text)
		}
	}
	c.logger.Debug().Int("response_length", buf.Len()).Msg("Anthropic API success")
	return Response{Text: buf.String()}, nil
}
