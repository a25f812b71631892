// Package detect decides whether a session is making progress: it tracks the
// stuck counter, recognises repetitive patterns in recent history and judges
// whether a repeated action batch is harmful.
package detect

import (
	"sort"
	"strings"
	"time"

	"github.com/polzovatel/browser-autopilot/internal/session"
)

// Thresholds are empirically chosen cut-offs. They are tunable and carry no
// derivation beyond "worked in practice".
type Thresholds struct {
	ActionWindow int `yaml:"action_window"`
	StateWindow  int `yaml:"state_window"`
	URLWindow    int `yaml:"url_window"`
	TypingWindow int `yaml:"typing_window"`

	RepeatedPair      int     `yaml:"repeated_pair"`
	CyclingMinStates  int     `yaml:"cycling_min_states"`
	CyclingMaxDigests int     `yaml:"cycling_max_digests"`
	FailingSelector   int     `yaml:"failing_selector"`
	MinSuccessRate    float64 `yaml:"min_success_rate"`

	HarmlessRepeats         int     `yaml:"harmless_repeats"`
	ProgressRepeats         int     `yaml:"progress_repeats"`
	LowFailureRepeats       int     `yaml:"low_failure_repeats"`
	LowFailureRate          float64 `yaml:"low_failure_rate"`
	URLLoopRepeats          int     `yaml:"url_loop_repeats"`
	URLLoopOccurrences      int     `yaml:"url_loop_occurrences"`
	HarmfulRepeatsThreshold int     `yaml:"harmful_repeats"`

	Stuck              int `yaml:"stuck"`
	ImplicitCompletion int `yaml:"implicit_completion"`
	Abort              int `yaml:"abort"`

	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// DefaultThresholds returns the values the controller ships with.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ActionWindow: 10,
		StateWindow:  5,
		URLWindow:    3,
		TypingWindow: 3,

		RepeatedPair:      3,
		CyclingMinStates:  4,
		CyclingMaxDigests: 2,
		FailingSelector:   2,
		MinSuccessRate:    0.3,

		HarmlessRepeats:         2,
		ProgressRepeats:         4,
		LowFailureRepeats:       5,
		LowFailureRate:          0.3,
		URLLoopRepeats:          3,
		URLLoopOccurrences:      2,
		HarmfulRepeatsThreshold: 4,

		Stuck:              3,
		ImplicitCompletion: 4,
		Abort:              8,

		BaseDelay: time.Second,
		MaxDelay:  10 * time.Second,
	}
}

// Severity orders pattern findings.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "none"
	}
}

// PatternKind names a detected loop pattern.
type PatternKind string

const (
	PatternRepetitiveActions  PatternKind = "repetitive-actions"
	PatternCyclingStates      PatternKind = "cycling-states"
	PatternFailingSameElement PatternKind = "failing-same-element"
	PatternNoProgress         PatternKind = "no-progress"
)

type Pattern struct {
	Kind     PatternKind
	Severity Severity
	Detail   string
}

// Analysis is the detector verdict for one iteration.
type Analysis struct {
	Stuck      bool
	Severity   Severity
	Patterns   []Pattern
	Strategies []string
}

// Has reports whether a pattern of kind was found.
func (a Analysis) Has(kind PatternKind) bool {
	for _, p := range a.Patterns {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

type Detector struct {
	th Thresholds
}

func New(th Thresholds) *Detector {
	return &Detector{th: th}
}

func (d *Detector) Thresholds() Thresholds { return d.th }

var fastInputTools = map[string]bool{
	"type":          true,
	"type_slow":     true,
	"type_keyboard": true,
	"clear":         true,
	"select":        true,
	"focus":         true,
	"blur":          true,
	"enter":         true,
	"press_key":     true,
	"keypress":      true,
}

// Observe applies the unchanged-state rule for a freshly read page, stores
// digest and url as the last known ones, and returns whether either changed.
// A change resets the stuck counter.
// An unchanged page bumps it unless the last actions are a typing streak
// without exact repeats.
func (d *Detector) Observe(s *session.Session, digest, url string) (digestChanged, urlChanged bool) {
	digestChanged = digest != s.LastDigest
	urlChanged = url != s.LastURL
	s.LastDigest, s.LastURL = digest, url
	if digestChanged || urlChanged {
		s.ResetStuck()
		return digestChanged, urlChanged
	}
	if !d.inTypingStreak(s.RecentActions(d.th.TypingWindow)) {
		s.IncrementStuck()
	}
	return false, false
}

func (d *Detector) inTypingStreak(recent []session.ActionRecord) bool {
	if len(recent) < d.th.TypingWindow {
		return false
	}
	seen := make(map[string]int, len(recent))
	for _, a := range recent {
		if !fastInputTools[a.Tool] {
			return false
		}
		key := PairKey(a.Tool, a.Params)
		seen[key]++
		if seen[key] >= 2 {
			return false
		}
	}
	return true
}

// Analyze inspects recent history for loop patterns. It does not mutate s.
func (d *Detector) Analyze(s *session.Session) Analysis {
	recent := s.RecentActions(d.th.ActionWindow)
	res := Analysis{Stuck: s.StuckCounter >= d.th.Stuck}

	if tool, n := mostRepeatedPair(recent); n >= d.th.RepeatedPair {
		res.add(Pattern{Kind: PatternRepetitiveActions, Severity: SeverityHigh, Detail: tool + " repeated with identical parameters"})
	}

	states := s.RecentStates(d.th.StateWindow)
	if len(states) >= d.th.CyclingMinStates {
		distinct := make(map[string]struct{}, len(states))
		for _, st := range states {
			distinct[st.Digest] = struct{}{}
		}
		if len(distinct) <= d.th.CyclingMaxDigests {
			res.add(Pattern{Kind: PatternCyclingStates, Severity: SeverityMedium, Detail: "page alternates between the same states"})
		}
	}

	if sel, n := mostFailedSelector(recent); n >= d.th.FailingSelector {
		res.add(Pattern{Kind: PatternFailingSameElement, Severity: SeverityHigh, Detail: sel + " keeps failing"})
	}

	if len(recent) > 0 && SuccessRate(recent) < d.th.MinSuccessRate {
		res.add(Pattern{Kind: PatternNoProgress, Severity: SeverityHigh, Detail: "most recent actions failed"})
	}

	res.Strategies = strategiesFor(res)
	return res
}

func (a *Analysis) add(p Pattern) {
	a.Patterns = append(a.Patterns, p)
	if p.Severity > a.Severity {
		a.Severity = p.Severity
	}
}

func strategiesFor(a Analysis) []string {
	var out []string
	if a.Has(PatternRepetitiveActions) {
		out = append(out, "stop repeating the same action; choose a different element or approach")
	}
	if a.Has(PatternFailingSameElement) {
		out = append(out, "the failing selector is wrong; pick another selector from the current elements")
	}
	if a.Has(PatternCyclingStates) {
		out = append(out, "the page cycles between states; navigate elsewhere or use search")
	}
	if a.Has(PatternNoProgress) {
		out = append(out, "most actions fail; scroll to reveal content or use keyboard navigation")
	}
	if a.Stuck && len(out) == 0 {
		out = append(out, "the page has not changed; try an alternative strategy")
	}
	return out
}

// HarmfulRepetition judges whether re-running batch for the repeatCount-th
// time on the same page is a loop worth breaking.
func (d *Detector) HarmfulRepetition(batch []session.Action, repeatCount int, recent []session.ActionRecord, urls []session.URLVisit) bool {
	if repeatCount <= d.th.HarmlessRepeats {
		return false
	}
	if hasProgressIndicator(batch) && repeatCount <= d.th.ProgressRepeats {
		return false
	}
	if len(recent) > 0 && 1-SuccessRate(recent) < d.th.LowFailureRate && repeatCount <= d.th.LowFailureRepeats {
		return false
	}
	if repeatCount >= d.th.URLLoopRepeats && urlRecurs(urls, d.th.URLWindow, d.th.URLLoopOccurrences) {
		return true
	}
	return repeatCount > d.th.HarmfulRepeatsThreshold
}

// Backoff is the delay before the next iteration: base doubled per stuck
// step and capped.
func (d *Detector) Backoff(stuckCounter int) time.Duration {
	return Backoff(stuckCounter, d.th.BaseDelay, d.th.MaxDelay)
}

// Backoff is monotonically non-decreasing in stuckCounter and never exceeds max.
func Backoff(stuckCounter int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if stuckCounter < 0 {
		stuckCounter = 0
	}
	delay := base
	for i := 0; i < stuckCounter; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// SuccessRate is the share of successful actions.
func SuccessRate(actions []session.ActionRecord) float64 {
	if len(actions) == 0 {
		return 1
	}
	ok := 0
	for _, a := range actions {
		if a.Result.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(actions))
}

func hasProgressIndicator(batch []session.Action) bool {
	for _, a := range batch {
		switch a.Tool {
		case "navigate", "search", "refresh", "solve_captcha":
			return true
		case "type":
			if a.Param("enter") == "true" || strings.Contains(a.Param("text"), "\n") {
				return true
			}
		case "enter":
			return true
		}
		if IsClick(a.Tool) && ElementKind(a.Selector()) == "submit" {
			return true
		}
	}
	return false
}

func urlRecurs(urls []session.URLVisit, window, occurrences int) bool {
	if len(urls) > window {
		urls = urls[len(urls)-window:]
	}
	counts := make(map[string]int, len(urls))
	for _, u := range urls {
		counts[u.URL]++
		if counts[u.URL] >= occurrences {
			return true
		}
	}
	return false
}

func mostRepeatedPair(actions []session.ActionRecord) (string, int) {
	counts := make(map[string]int, len(actions))
	tools := make(map[string]string, len(actions))
	for _, a := range actions {
		key := PairKey(a.Tool, a.Params)
		counts[key]++
		tools[key] = a.Tool
	}
	return maxEntry(counts, tools)
}

func mostFailedSelector(actions []session.ActionRecord) (string, int) {
	counts := make(map[string]int)
	names := make(map[string]string)
	for _, a := range actions {
		if a.Result.Success {
			continue
		}
		if sel := session.ParamString(a.Params, "selector"); sel != "" {
			counts[sel]++
			names[sel] = sel
		}
	}
	return maxEntry(counts, names)
}

func maxEntry(counts map[string]int, names map[string]string) (string, int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, n := "", 0
	for _, k := range keys {
		if counts[k] > n {
			best, n = names[k], counts[k]
		}
	}
	return best, n
}
