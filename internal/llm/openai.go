package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

const (
	envOpenAIAPIKey    = "OPENAI_API_KEY"
	envOpenAIModel     = "OPENAI_MODEL"
	defaultOpenAIModel = "gpt-4o-mini"
)

// CompletionsAPI is the subset of the OpenAI SDK used here. It is satisfied
// by *openai.ChatCompletionService.
type CompletionsAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type openAIClient struct {
	chat   CompletionsAPI
	model  string
	logger zerolog.Logger
}

// NewOpenAI wraps an OpenAI chat completions client.
func NewOpenAI(chat CompletionsAPI, model string, logger zerolog.Logger) (Client, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIClient{chat: chat, model: model, logger: logger}, nil
}

// NewOpenAIWithLogger reads OPENAI_API_KEY and OPENAI_MODEL.
func NewOpenAIWithLogger(logger zerolog.Logger) (Client, error) {
	key := strings.TrimSpace(os.Getenv(envOpenAIAPIKey))
	if key == "" {
		return nil, fmt.Errorf("missing %s", envOpenAIAPIKey)
	}
	oc := openai.NewClient(option.WithAPIKey(key), option.WithMaxRetries(maxRetries))
	return NewOpenAI(&oc.Chat.Completions, envOr(envOpenAIModel, defaultOpenAIModel), logger)
}

func (c *openAIClient) Name() string { return c.model }

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}
	req = truncate(req, c.logger)

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(int64(req.MaxTokens)),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("messages", len(msgs)).
		Int("max_tokens", req.MaxTokens).
		Msg("OpenAI API request")

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		c.logger.Error().Err(err).Msg("OpenAI API error")
		return Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("openai: no choices in response")
	}
	text := resp.Choices[0].Message.Content
	c.logger.Debug().Int("response_length", len(text)).Msg("OpenAI API success")
	return Response{Text: text}, nil
}
