package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-autopilot/internal/session"
)

func TestClassify(t *testing.T) {
	cases := map[string]Category{
		"Could not establish connection. Receiving end does not exist.": Communication,
		"element not found: #msg-box":                                   Selector,
		"Element is not interactable":                                   Selector,
		"playwright: Timeout 10000ms exceeded. waiting for locator('#a')": Selector,
		"navigation timed out":                                          Timeout,
		"context deadline exceeded":                                     Timeout,
		"Failed to fetch":                                               Network,
		"net::ERR_NAME_NOT_RESOLVED":                                    Network,
		"Cannot access a chrome:// URL":                                 Permission,
		"This page is restricted":                                       Permission,
		"something odd happened":                                        Communication,
		"":                                                              Communication,
	}
	for msg, want := range cases {
		assert.Equal(t, want, Classify(msg), msg)
	}
}

func TestStrategyFor(t *testing.T) {
	assert.Equal(t, ReconnectAndRetry, StrategyFor(Communication))
	assert.Equal(t, AlternativeSelector, StrategyFor(Selector))
	assert.Equal(t, IncreaseTimeout, StrategyFor(Timeout))
	assert.Equal(t, ExponentialBackoff, StrategyFor(Network))
	assert.Equal(t, Skip, StrategyFor(Permission))
	assert.False(t, Permission.Retryable())
}

func TestAlternativesForSelectorFailure(t *testing.T) {
	a := session.Action{Tool: "type", Params: map[string]any{"selector": "#msg-box", "text": "hello"}}
	alts := Alternatives(a, Classify("element not found: #msg-box"))
	require.Len(t, alts, MaxAlternatives)
	assert.Equal(t, `[id*="msg-box"]`, alts[0].Steps[0].Selector())
	assert.Equal(t, "hello", alts[0].Steps[0].Param("text"))
	assert.Equal(t, "#msg-box", a.Selector(), "original action must not be mutated")
}

func TestAlternativesForTypeAndClick(t *testing.T) {
	typing := session.Action{Tool: "type", Params: map[string]any{"selector": "#msg", "text": "hi"}}
	alts := Alternatives(typing, Timeout)
	require.Len(t, alts, 3)
	assert.Equal(t, "click then type", alts[0].Label)
	assert.Equal(t, []string{"focus", "clear", "type"}, tools(alts[1].Steps))
	assert.Equal(t, "type_slow", alts[2].Steps[0].Tool)

	click := session.Action{Tool: "click", Params: map[string]any{"selector": "#go"}}
	alts = Alternatives(click, Communication)
	require.Len(t, alts, 3)
	assert.Equal(t, []string{"double_click", "right_click", "hover_click"},
		[]string{alts[0].Steps[0].Tool, alts[1].Steps[0].Tool, alts[2].Steps[0].Tool})

	assert.Empty(t, Alternatives(click, Permission))
}

func TestDerivedSelectors(t *testing.T) {
	got := DerivedSelectors(`.send-button`)
	assert.Contains(t, got, `[class*="send-button"]`)
	assert.Contains(t, got, `[class$="send-button"]`)
	assert.Contains(t, got, `[aria-label*="send-button"]`)

	got = DerivedSelectors(`[data-testid="compose"]`)
	assert.Equal(t, `[data-testid*="compose"]`, got[0])
	assert.Contains(t, got, `[data-testid~="compose"]`)
	assert.Contains(t, got, `[name*="compose"]`)

	got = DerivedSelectors(`a[href="#top"]`)
	for _, s := range got {
		assert.NotContains(t, s, `[id*="top"]`)
	}

	assert.Contains(t, DerivedSelectors("submit"), `[title*="submit"]`)
	assert.Empty(t, DerivedSelectors("div > span:nth-child(2)"))
}

func tools(steps []session.Action) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Tool)
	}
	return out
}

type scriptedExecutor struct {
	mu    sync.Mutex
	calls []session.Action
	fn    func(n int, tool string, params map[string]any) (session.ActionResult, error)
}

func (e *scriptedExecutor) Execute(_ context.Context, tool string, params map[string]any) (session.ActionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, session.Action{Tool: tool, Params: params})
	return e.fn(len(e.calls), tool, params)
}

func newTestPipeline(exec Executor, reconnect func(context.Context) error) *Pipeline {
	p := NewPipeline(DefaultConfig(), exec, reconnect, zerolog.Nop())
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestPipelineSuccessFirstTry(t *testing.T) {
	exec := &scriptedExecutor{fn: func(int, string, map[string]any) (session.ActionResult, error) {
		return session.ActionResult{Success: true}, nil
	}}
	out := newTestPipeline(exec, nil).Run(context.Background(), session.Action{Tool: "click", Params: map[string]any{"selector": "#a"}})
	assert.True(t, out.Result.Success)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, out.Alternative)
}

func TestPipelinePermissionIsNeverRetried(t *testing.T) {
	exec := &scriptedExecutor{fn: func(int, string, map[string]any) (session.ActionResult, error) {
		return session.ActionResult{}, errors.New("cannot execute script on restricted page")
	}}
	out := newTestPipeline(exec, nil).Run(context.Background(), session.Action{Tool: "click", Params: map[string]any{"selector": "#a"}})
	assert.False(t, out.Result.Success)
	assert.Equal(t, Permission, out.Category)
	assert.Len(t, exec.calls, 1)
}

func TestPipelineSelectorFallsBackToDerivedSelector(t *testing.T) {
	exec := &scriptedExecutor{fn: func(_ int, _ string, params map[string]any) (session.ActionResult, error) {
		if params["selector"] == `[id^="msg-box"]` {
			return session.ActionResult{Success: true}, nil
		}
		return session.ActionResult{Success: false, Error: "element not found: #msg-box"}, nil
	}}
	a := session.Action{Tool: "type", Params: map[string]any{"selector": "#msg-box", "text": "hi"}}
	out := newTestPipeline(exec, nil).Run(context.Background(), a)

	require.True(t, out.Result.Success)
	assert.Equal(t, Selector, out.Category)
	assert.Equal(t, `selector [id^="msg-box"]`, out.Alternative)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, exec.calls, 3)
}

func TestPipelineReportsOriginalFailureWhenAlternativesFail(t *testing.T) {
	exec := &scriptedExecutor{fn: func(n int, _ string, _ map[string]any) (session.ActionResult, error) {
		if n == 1 {
			return session.ActionResult{}, errors.New("element not found: #msg-box")
		}
		return session.ActionResult{}, errors.New("element not found: alternative")
	}}
	a := session.Action{Tool: "type", Params: map[string]any{"selector": "#msg-box", "text": "hi"}}
	out := newTestPipeline(exec, nil).Run(context.Background(), a)

	assert.False(t, out.Result.Success)
	assert.Equal(t, "element not found: #msg-box", out.Result.Error)
	assert.Equal(t, 1+MaxAlternatives, out.Attempts)
	assert.Len(t, exec.calls, 1+MaxAlternatives)
}

func TestPipelineReconnectsOnCommunicationFailure(t *testing.T) {
	reconnects := 0
	exec := &scriptedExecutor{fn: func(n int, _ string, _ map[string]any) (session.ActionResult, error) {
		if n == 1 {
			return session.ActionResult{}, errors.New("Could not establish connection")
		}
		return session.ActionResult{Success: true}, nil
	}}
	out := newTestPipeline(exec, func(context.Context) error { reconnects++; return nil }).
		Run(context.Background(), session.Action{Tool: "scroll"})

	assert.True(t, out.Result.Success)
	assert.Equal(t, 1, reconnects)
	assert.Equal(t, ReconnectAndRetry, out.Strategy)
}

func TestPipelineIncreasesTimeout(t *testing.T) {
	exec := &scriptedExecutor{fn: func(n int, _ string, params map[string]any) (session.ActionResult, error) {
		if n < 3 {
			return session.ActionResult{}, errors.New("navigation timed out")
		}
		return session.ActionResult{Success: true}, nil
	}}
	out := newTestPipeline(exec, nil).Run(context.Background(), session.Action{Tool: "navigate", Params: map[string]any{"url": "https://x"}})

	require.True(t, out.Result.Success)
	assert.Equal(t, float64(20000), exec.calls[1].Params["timeout_ms"])
	assert.Equal(t, float64(40000), exec.calls[2].Params["timeout_ms"])
	assert.Nil(t, exec.calls[0].Params["timeout_ms"])
}

func TestPipelineBacksOffOnNetworkFailure(t *testing.T) {
	var delays []time.Duration
	exec := &scriptedExecutor{fn: func(int, string, map[string]any) (session.ActionResult, error) {
		return session.ActionResult{}, errors.New("network error")
	}}
	p := newTestPipeline(exec, nil)
	p.Sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	out := p.Run(context.Background(), session.Action{Tool: "refresh"})

	assert.False(t, out.Result.Success)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, delays)
}
