package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-autopilot/internal/browser"
)

type fakeBrowser struct {
	browser.Controller
	calls    []string
	clicked  browser.ClickOptions
	timeouts []time.Duration
	text     string
	err      error
}

func (f *fakeBrowser) Click(_ context.Context, sel string, opts browser.ClickOptions) error {
	f.calls = append(f.calls, "click "+sel)
	f.clicked = opts
	return f.err
}

func (f *fakeBrowser) Fill(_ context.Context, sel, text string, timeout time.Duration) error {
	f.calls = append(f.calls, "fill "+sel+"="+text)
	f.timeouts = append(f.timeouts, timeout)
	return f.err
}

func (f *fakeBrowser) Hover(_ context.Context, sel string, timeout time.Duration) error {
	f.calls = append(f.calls, "hover "+sel)
	f.timeouts = append(f.timeouts, timeout)
	return f.err
}

func (f *fakeBrowser) TypeSequentially(_ context.Context, sel, text string, _, timeout time.Duration) error {
	f.calls = append(f.calls, "type_slow "+sel+"="+text)
	f.timeouts = append(f.timeouts, timeout)
	return f.err
}

func (f *fakeBrowser) SelectOption(_ context.Context, sel, value string, timeout time.Duration) error {
	f.calls = append(f.calls, "select "+sel+"="+value)
	f.timeouts = append(f.timeouts, timeout)
	return f.err
}

func (f *fakeBrowser) Press(_ context.Context, sel, key string) error {
	f.calls = append(f.calls, "press "+sel+" "+key)
	return f.err
}

func (f *fakeBrowser) Read(_ context.Context, sel string, timeout time.Duration) (string, error) {
	f.calls = append(f.calls, "read "+sel)
	f.timeouts = append(f.timeouts, timeout)
	return f.text, f.err
}

func (f *fakeBrowser) Navigate(_ context.Context, url string) error {
	f.calls = append(f.calls, "navigate "+url)
	return f.err
}

func TestDescribe(t *testing.T) {
	tb := New(&fakeBrowser{}, nil)
	names := map[string]bool{}
	for _, tool := range tb.Describe() {
		names[tool.Name] = true
		assert.Equal(t, "object", tool.InputSchema["type"])
	}
	for _, want := range []string{
		"navigate", "click", "double_click", "right_click", "hover", "force_click", "hover_click",
		"type", "clear", "focus", "blur", "press_key", "type_slow", "type_keyboard", "select",
		"scroll", "wait", "go_back", "refresh", "search", "extract_text", "solve_captcha",
	} {
		assert.True(t, names[want], want)
	}

	described := tb.Describe()
	described[0].Name = "mutated"
	assert.Equal(t, "navigate", tb.Describe()[0].Name)
}

func TestInvokeClickAndType(t *testing.T) {
	b := &fakeBrowser{}
	tb := New(b, nil)

	_, err := tb.Invoke(context.Background(), "force_click", map[string]any{"selector": " #go\n", "timeout_ms": float64(20000)})
	require.NoError(t, err)
	assert.Equal(t, browser.ClickOptions{Force: true, Timeout: 20 * time.Second}, b.clicked)

	_, err = tb.Invoke(context.Background(), "type", map[string]any{"selector": "#q", "text": "shoes", "enter": "true"})
	require.NoError(t, err)
	assert.Equal(t, []string{"click #go", "fill #q=shoes", "press #q Enter"}, b.calls)
}

func TestInvokeExtractText(t *testing.T) {
	tb := New(&fakeBrowser{text: "  Total: $42 \n"}, nil)
	res, err := tb.Invoke(context.Background(), "extract_text", map[string]any{"selector": ".total"})
	require.NoError(t, err)
	assert.Equal(t, "Total: $42", res.Metadata["extracted"])
}

func TestInvokeErrors(t *testing.T) {
	tb := New(&fakeBrowser{}, nil)

	_, err := tb.Invoke(context.Background(), "click", map[string]any{"selector": "  \t"})
	assert.ErrorContains(t, err, "field selector empty")
	_, err = tb.Invoke(context.Background(), "teleport", nil)
	assert.ErrorContains(t, err, "cannot execute unknown tool")
	_, err = tb.Invoke(context.Background(), "solve_captcha", nil)
	assert.ErrorContains(t, err, "permission denied")

	tb = New(&fakeBrowser{err: errors.New("net::ERR_NAME_NOT_RESOLVED")}, nil)
	_, err = tb.Invoke(context.Background(), "navigate", map[string]any{"url": "https://nowhere"})
	assert.ErrorContains(t, err, "net::ERR")
}

func TestSolveCaptchaPromptsUser(t *testing.T) {
	var asked string
	tb := New(&fakeBrowser{}, func(_ context.Context, msg string) (string, error) {
		asked = msg
		return "done", nil
	})
	res, err := tb.Invoke(context.Background(), "solve_captcha", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Observation)
	assert.Contains(t, asked, "solve the captcha")
}

func TestTimeoutReachesBrowser(t *testing.T) {
	b := &fakeBrowser{text: "ok"}
	tb := New(b, nil)
	longer := map[string]any{"selector": "#q", "text": "x", "value": "a", "query": "q", "timeout_ms": float64(20000)}

	for _, name := range []string{"type", "type_slow", "select", "hover", "search", "extract_text"} {
		_, err := tb.Invoke(context.Background(), name, longer)
		require.NoError(t, err, name)
	}
	require.Len(t, b.timeouts, 6)
	for i, d := range b.timeouts {
		assert.Equal(t, 20*time.Second, d, b.calls[i])
	}

	_, err := tb.Invoke(context.Background(), "hover_click", longer)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, b.clicked.Timeout)

	b.timeouts = nil
	_, err = tb.Invoke(context.Background(), "type", map[string]any{"selector": "#q", "text": "x"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{0}, b.timeouts)
}
