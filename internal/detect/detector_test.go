package detect

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-autopilot/internal/session"
)

func newSession() *session.Session {
	s := session.New("s1", "tab-1", "find the price", time.Now())
	s.LastDigest = "d0"
	s.LastURL = "https://shop"
	return s
}

func record(s *session.Session, tool string, params map[string]any, ok bool) {
	res := session.ActionResult{Success: ok}
	if !ok {
		res.Error = "element not found"
	}
	s.RecordAction(session.ActionRecord{At: time.Now(), Tool: tool, Params: params, Result: res, Iteration: s.Iteration})
}

func TestObserveIncrementsWhenUnchanged(t *testing.T) {
	d := New(DefaultThresholds())
	s := newSession()
	for i := 1; i <= 5; i++ {
		s.Iteration = i
		changed, urlChanged := d.Observe(s, "d0", "https://shop")
		assert.False(t, changed)
		assert.False(t, urlChanged)
		assert.Equal(t, i, s.StuckCounter)
	}

	changed, _ := d.Observe(s, "d1", "https://shop")
	assert.True(t, changed)
	assert.Equal(t, 0, s.StuckCounter)
	assert.Equal(t, "d1", s.LastDigest)
}

func TestObserveResetsOnURLChange(t *testing.T) {
	d := New(DefaultThresholds())
	s := newSession()
	s.StuckCounter = 6
	_, urlChanged := d.Observe(s, "d0", "https://shop/cart")
	assert.True(t, urlChanged)
	assert.Equal(t, 0, s.StuckCounter)
}

func TestObserveToleratesUniqueTypingStreak(t *testing.T) {
	d := New(DefaultThresholds())
	s := newSession()
	record(s, "focus", map[string]any{"selector": "#name"}, true)
	record(s, "type", map[string]any{"selector": "#name", "text": "Ann"}, true)
	record(s, "type", map[string]any{"selector": "#email", "text": "a@b.c"}, true)

	d.Observe(s, "d0", "https://shop")
	assert.Equal(t, 0, s.StuckCounter)
}

func TestObserveCountsRepeatedTyping(t *testing.T) {
	d := New(DefaultThresholds())
	s := newSession()
	params := map[string]any{"selector": "#name", "text": "Ann"}
	record(s, "clear", map[string]any{"selector": "#name"}, true)
	record(s, "type", params, true)
	record(s, "type", params, true)

	d.Observe(s, "d0", "https://shop")
	assert.Equal(t, 1, s.StuckCounter)
}

func TestScenarioRepeatedClickIsStuckAndHigh(t *testing.T) {
	d := New(DefaultThresholds())
	s := newSession()
	click := map[string]any{"selector": "#next"}
	for i := 1; i <= 3; i++ {
		s.Iteration = i
		d.Observe(s, "d0", "https://shop")
		s.RecordState(session.StateSnapshot{URL: "https://shop", Digest: "d0"})
		record(s, "click", click, true)
	}

	require.Equal(t, 3, s.StuckCounter)
	a := d.Analyze(s)
	assert.True(t, a.Stuck)
	assert.True(t, a.Has(PatternRepetitiveActions))
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.NotEmpty(t, a.Strategies)
}

func TestAnalyzeCyclingStates(t *testing.T) {
	d := New(DefaultThresholds())
	s := newSession()
	for _, dg := range []string{"a", "b", "a", "b"} {
		s.RecordState(session.StateSnapshot{Digest: dg})
	}
	a := d.Analyze(s)
	assert.True(t, a.Has(PatternCyclingStates))
	assert.Equal(t, SeverityMedium, a.Severity)

	s.RecordState(session.StateSnapshot{Digest: "c"})
	assert.False(t, d.Analyze(s).Has(PatternCyclingStates))
}

func TestAnalyzeFailingSameElementAndNoProgress(t *testing.T) {
	d := New(DefaultThresholds())
	s := newSession()
	record(s, "click", map[string]any{"selector": "#buy"}, false)
	record(s, "double_click", map[string]any{"selector": "#buy"}, false)
	record(s, "scroll", map[string]any{"direction": "down"}, true)
	record(s, "type", map[string]any{"selector": "#q", "text": "x"}, false)

	a := d.Analyze(s)
	assert.True(t, a.Has(PatternFailingSameElement))
	assert.True(t, a.Has(PatternNoProgress))
	assert.False(t, a.Has(PatternRepetitiveActions))
	assert.Equal(t, SeverityHigh, a.Severity)
}

func TestAnalyzeHealthySession(t *testing.T) {
	d := New(DefaultThresholds())
	s := newSession()
	record(s, "navigate", map[string]any{"url": "https://shop"}, true)
	record(s, "click", map[string]any{"selector": "#a"}, true)
	a := d.Analyze(s)
	assert.Equal(t, SeverityNone, a.Severity)
	assert.Empty(t, a.Patterns)
	assert.False(t, a.Stuck)
}

func TestHarmfulRepetition(t *testing.T) {
	d := New(DefaultThresholds())
	click := []session.Action{{Tool: "click", Params: map[string]any{"selector": "#next"}}}
	search := []session.Action{{Tool: "search", Params: map[string]any{"selector": "#q", "query": "x"}}}
	failing := []session.ActionRecord{
		{Tool: "click", Result: session.ActionResult{Success: false}},
		{Tool: "click", Result: session.ActionResult{Success: false}},
	}
	healthy := []session.ActionRecord{
		{Tool: "click", Result: session.ActionResult{Success: true}},
	}
	loopURLs := []session.URLVisit{{URL: "https://a"}, {URL: "https://b"}, {URL: "https://a"}}
	straightURLs := []session.URLVisit{{URL: "https://a"}, {URL: "https://b"}, {URL: "https://c"}}

	assert.False(t, d.HarmfulRepetition(click, 2, failing, loopURLs), "two repeats are always fine")
	assert.False(t, d.HarmfulRepetition(search, 4, failing, loopURLs), "progress indicators get more room")
	assert.True(t, d.HarmfulRepetition(search, 5, failing, straightURLs))
	assert.False(t, d.HarmfulRepetition(click, 5, healthy, loopURLs), "low failure rate tolerates up to five")
	assert.True(t, d.HarmfulRepetition(click, 3, failing, loopURLs), "url loop")
	assert.False(t, d.HarmfulRepetition(click, 4, failing, straightURLs))
	assert.True(t, d.HarmfulRepetition(click, 5, failing, straightURLs))
	assert.True(t, d.HarmfulRepetition(click, 6, healthy, straightURLs))
}

func TestSubmitClickIsProgress(t *testing.T) {
	batch := []session.Action{{Tool: "click", Params: map[string]any{"selector": "button[type=submit]"}}}
	assert.True(t, hasProgressIndicator(batch))
	batch = []session.Action{{Tool: "type", Params: map[string]any{"selector": "#msg", "text": "hi", "enter": true}}}
	assert.True(t, hasProgressIndicator(batch))
	batch = []session.Action{{Tool: "scroll"}}
	assert.False(t, hasProgressIndicator(batch))
}

func TestBackoff(t *testing.T) {
	d := New(DefaultThresholds())
	assert.Equal(t, time.Second, d.Backoff(0))
	assert.Equal(t, 2*time.Second, d.Backoff(1))
	assert.Equal(t, 8*time.Second, d.Backoff(3))
	assert.Equal(t, 10*time.Second, d.Backoff(4))
	assert.Equal(t, 10*time.Second, d.Backoff(1000))
	assert.Equal(t, time.Second, d.Backoff(-3))
}

func TestBackoffProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	th := DefaultThresholds()

	properties.Property("delay never exceeds the cap", prop.ForAll(
		func(n int) bool {
			return Backoff(n, th.BaseDelay, th.MaxDelay) <= th.MaxDelay
		},
		gen.IntRange(-10, 10000),
	))

	properties.Property("delay is non-decreasing in the stuck counter", prop.ForAll(
		func(n int) bool {
			return Backoff(n, th.BaseDelay, th.MaxDelay) <= Backoff(n+1, th.BaseDelay, th.MaxDelay)
		},
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

func TestStuckCounterProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("n unchanged iterations add n", prop.ForAll(
		func(start, n int) bool {
			d := New(DefaultThresholds())
			s := newSession()
			s.StuckCounter = start
			for i := 0; i < n; i++ {
				d.Observe(s, "d0", "https://shop")
			}
			return s.StuckCounter == start+n
		},
		gen.IntRange(0, 20), gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
