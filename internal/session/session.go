// Package session holds the per-task record mutated by the controller loop
// and the store that owns those records while they are live.
package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusErrored   Status = "errored"
	StatusStuck     Status = "stuck"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

const (
	maxRecentErrors    = 3
	maxRecentSequences = 5
)

// Action is one planned step: a tool name and its parameters.
type Action struct {
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Param returns params[key] as a string, or "" when absent or not scalar.
func (a Action) Param(key string) string {
	return ParamString(a.Params, key)
}

// ParamString returns params[key] rendered as a string.
func ParamString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool, int, int64, float64:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

// Selector returns the selector parameter, if any.
func (a Action) Selector() string {
	return a.Param("selector")
}

// ActionResult is the outcome of executing one action.
type ActionResult struct {
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ActionRecord is one executed action. Immutable once appended.
type ActionRecord struct {
	At          time.Time      `json:"at"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params,omitempty"`
	Result      ActionResult   `json:"result"`
	Iteration   int            `json:"iteration"`
	Alternative string         `json:"alternative,omitempty"`
}

// StateSnapshot is one observed page state. Immutable once appended.
type StateSnapshot struct {
	At           time.Time `json:"at"`
	URL          string    `json:"url"`
	Digest       string    `json:"digest"`
	ElementCount int       `json:"elementCount"`
}

// FailureRecord groups repeated failures of the same action signature.
type FailureRecord struct {
	Tool         string
	Params       map[string]any
	Count        int
	RecentErrors []string
	FirstAt      time.Time
	LastAt       time.Time
}

// URLVisit is one entry of the url history.
type URLVisit struct {
	URL       string    `json:"url"`
	At        time.Time `json:"at"`
	Iteration int       `json:"iteration"`
}

// Session is the mutable record of one task invocation. It is only mutated
// by the goroutine running that session's loop.
type Session struct {
	ID        string
	Handle    string
	Task      string
	StartedAt time.Time

	Status       Status
	Iteration    int
	StuckCounter int

	Actions         []ActionRecord
	States          []StateSnapshot
	Failures        map[string]*FailureRecord
	SequenceRepeats map[string]int
	RecentSequences []string
	URLHistory      []URLVisit

	LastDigest string
	LastURL    string
}

// New returns a running session.
func New(id, handle, task string, now time.Time) *Session {
	return &Session{
		ID:              id,
		Handle:          handle,
		Task:            task,
		StartedAt:       now,
		Status:          StatusRunning,
		Failures:        make(map[string]*FailureRecord),
		SequenceRepeats: make(map[string]int),
	}
}

// RecordAction appends rec. Iterations older than the last record are raised
// so the history stays ordered.
func (s *Session) RecordAction(rec ActionRecord) {
	if n := len(s.Actions); n > 0 && rec.Iteration < s.Actions[n-1].Iteration {
		rec.Iteration = s.Actions[n-1].Iteration
	}
	s.Actions = append(s.Actions, rec)
}

// RecordState appends snap.
func (s *Session) RecordState(snap StateSnapshot) {
	s.States = append(s.States, snap)
}

// RecordVisit appends url to the history when it differs from the last entry.
func (s *Session) RecordVisit(url string, at time.Time) {
	if n := len(s.URLHistory); n > 0 && s.URLHistory[n-1].URL == url {
		return
	}
	s.URLHistory = append(s.URLHistory, URLVisit{URL: url, At: at, Iteration: s.Iteration})
}

// RecordFailure creates or bumps the failure record for signature.
func (s *Session) RecordFailure(signature, tool string, params map[string]any, errMsg string, at time.Time) *FailureRecord {
	rec, ok := s.Failures[signature]
	if !ok {
		rec = &FailureRecord{Tool: tool, Params: params, FirstAt: at}
		s.Failures[signature] = rec
	}
	rec.Count++
	rec.LastAt = at
	rec.RecentErrors = append(rec.RecentErrors, errMsg)
	if len(rec.RecentErrors) > maxRecentErrors {
		rec.RecentErrors = rec.RecentErrors[len(rec.RecentErrors)-maxRecentErrors:]
	}
	return rec
}

// BumpSequence increments and returns the repeat count for key, and keeps
// signature in the bounded list of recent sequences.
func (s *Session) BumpSequence(key, signature string) int {
	s.SequenceRepeats[key]++
	s.RecentSequences = append(s.RecentSequences, signature)
	if len(s.RecentSequences) > maxRecentSequences {
		s.RecentSequences = s.RecentSequences[len(s.RecentSequences)-maxRecentSequences:]
	}
	return s.SequenceRepeats[key]
}

// IncrementStuck bumps the stuck counter.
func (s *Session) IncrementStuck() {
	s.StuckCounter++
}

// ResetStuck clears the stuck counter after an observed change.
func (s *Session) ResetStuck() {
	s.StuckCounter = 0
}

// RecentActions returns at most the last n actions.
func (s *Session) RecentActions(n int) []ActionRecord {
	return tail(s.Actions, n)
}

// RecentStates returns at most the last n state snapshots.
func (s *Session) RecentStates(n int) []StateSnapshot {
	return tail(s.States, n)
}

// RecentURLs returns at most the last n url visits.
func (s *Session) RecentURLs(n int) []URLVisit {
	return tail(s.URLHistory, n)
}

// URLChanges counts navigations after the first observed url.
func (s *Session) URLChanges() int {
	if len(s.URLHistory) == 0 {
		return 0
	}
	return len(s.URLHistory) - 1
}

func tail[T any](items []T, n int) []T {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
