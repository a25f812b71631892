package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	sdk "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessages struct {
	params sdk.MessageNewParams
	reply  string
	err    error
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...anthropicoption.RequestOption) (*sdk.Message, error) {
	f.params = body
	if f.err != nil {
		return nil, f.err
	}
	var msg sdk.Message
	raw := `{"id":"msg_1","type":"message","role":"assistant","model":"m","content":[{"type":"text","text":` + quote(f.reply) + `}]}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

type fakeCompletions struct {
	params openai.ChatCompletionNewParams
	reply  string
}

func (f *fakeCompletions) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.params = body
	var out openai.ChatCompletion
	raw := `{"id":"c1","object":"chat.completion","model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` + quote(f.reply) + `}}]}`
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestAnthropicGenerate(t *testing.T) {
	fake := &fakeMessages{reply: `{"actions":[]}`}
	c, err := NewAnthropic(fake, "", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, defaultModel, c.Name())

	resp, err := c.Generate(context.Background(), Request{
		System:   "sys",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"actions":[]}`, resp.Text)
	assert.Equal(t, int64(defaultMaxTokens), fake.params.MaxTokens)
	require.Len(t, fake.params.System, 1)
	assert.Equal(t, "sys", fake.params.System[0].Text)
	assert.Len(t, fake.params.Messages, 1)
}

func TestAnthropicGenerateErrors(t *testing.T) {
	c, err := NewAnthropic(&fakeMessages{err: errors.New("overloaded")}, "m", zerolog.Nop())
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), Request{})
	assert.Error(t, err)

	_, err = c.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	assert.ErrorContains(t, err, "overloaded")

	_, err = NewAnthropic(nil, "m", zerolog.Nop())
	assert.Error(t, err)
}

func TestOpenAIGenerate(t *testing.T) {
	fake := &fakeCompletions{reply: "done"}
	c, err := NewOpenAI(fake, "gpt-test", zerolog.Nop())
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), Request{
		System:   "sys",
		Messages: []Message{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Len(t, fake.params.Messages, 3)
	assert.Equal(t, "gpt-test", string(fake.params.Model))
}

func TestTruncate(t *testing.T) {
	big := strings.Repeat("x", maxRequestSize+10)
	orig := []Message{{Role: "user", Content: big}}
	out := truncate(Request{System: big, Messages: orig}, zerolog.Nop())
	assert.True(t, strings.HasSuffix(out.System, "[truncated]"))
	assert.True(t, strings.HasSuffix(out.Messages[0].Content, "[truncated]"))
	assert.Equal(t, big, orig[0].Content, "caller's messages must not change")
	assert.Equal(t, defaultMaxTokens, out.MaxTokens)
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	// one leading byte shifts every two-byte rune across the cut
	big := "x" + strings.Repeat("ж", maxRequestSize)
	out := truncate(Request{Messages: []Message{{Role: "user", Content: big}}}, zerolog.Nop())
	got := out.Messages[0].Content
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "... [truncated]"))
	assert.LessOrEqual(t, len(got), maxRequestSize+len("... [truncated]"))
}

type countingClient struct{ calls int }

func (c *countingClient) Name() string { return "counting" }

func (c *countingClient) Generate(context.Context, Request) (Response, error) {
	c.calls++
	return Response{Text: "ok"}, nil
}

func TestRateLimited(t *testing.T) {
	inner := &countingClient{}
	assert.Same(t, Client(inner), RateLimited(inner, 0, 1))

	c := RateLimited(inner, 1000, 2)
	assert.Equal(t, "counting", c.Name())
	for i := 0; i < 3; i++ {
		_, err := c.Generate(context.Background(), Request{})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, inner.calls)

	slow := RateLimited(&countingClient{}, 0.001, 1)
	_, err := slow.Generate(context.Background(), Request{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = slow.Generate(ctx, Request{})
	assert.ErrorContains(t, err, "rate limit")
}
