// Package agent runs automation sessions: the plan-act-observe loop
// that turns a natural-language task into page actions.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polzovatel/browser-autopilot/internal/completion"
	"github.com/polzovatel/browser-autopilot/internal/config"
	"github.com/polzovatel/browser-autopilot/internal/detect"
	"github.com/polzovatel/browser-autopilot/internal/recovery"
	"github.com/polzovatel/browser-autopilot/internal/session"
	"github.com/polzovatel/browser-autopilot/internal/snapshot"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidTask        = errors.New("invalid task")
	ErrSurfaceUnavailable = errors.New("surface unavailable")
)

const (
	contextItems  = 5
	timeoutMargin = 5 * time.Second
	finishedRuns  = 64
)

// Request starts a session for Task on the surface identified by Handle.
type Request struct {
	Task     string
	Handle   string
	Settings map[string]any
}

// Outcome is the terminal state of a session.
type Outcome struct {
	SessionID  string
	Status     session.Status
	Result     string
	Full       bool
	Error      string
	Iterations int
}

type Option func(*Controller)

// WithTracer sets the tracer for iteration and action spans. The global
// provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleep replaces the wait between iterations and between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

func WithIDs(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// Controller owns the live sessions and runs one loop goroutine per session.
type Controller struct {
	planner   Planner
	surface   Surface
	notifier  Notifier
	th        config.Thresholds
	detector  *detect.Detector
	validator *completion.Validator
	store     *session.Store
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	newID     func() string

	mu       sync.Mutex
	runs     map[string]*run
	finished []string
	retain   int
}

// run is the loop-private state of one session.
type run struct {
	cancel   context.CancelFunc
	done     chan struct{}
	outcome  Outcome
	finished bool
	settings map[string]any
	pipeline *recovery.Pipeline

	forceAlternative bool
	feedback         string
}

func NewController(planner Planner, surface Surface, notifier Notifier, th config.Thresholds, logger zerolog.Logger, opts ...Option) *Controller {
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	c := &Controller{
		planner:   planner,
		surface:   surface,
		notifier:  notifier,
		th:        th,
		detector:  detect.New(th.Detect),
		validator: completion.NewValidator(th.Completion),
		store:     session.NewStore(),
		logger:    logger,
		tracer:    otel.Tracer("github.com/polzovatel/browser-autopilot/agent"),
		now:       time.Now,
		sleep:     sleepCtx,
		newID:     uuid.NewString,
		runs:      make(map[string]*run),
		retain:    finishedRuns,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.th.Loop.MaxIterations <= 0 {
		c.th.Loop = config.DefaultLoop()
	}
	return c
}

// Start validates the request, registers a session and starts its loop. The
// session runs until it terminates, Stop is called or ctx is cancelled.
func (c *Controller) Start(ctx context.Context, req Request) (string, error) {
	_, id, err := c.start(ctx, req)
	return id, err
}

// Run starts a session and waits for its outcome.
func (c *Controller) Run(ctx context.Context, req Request) (Outcome, error) {
	r, _, err := c.start(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	<-r.done
	return r.outcome, nil
}

// Wait blocks until session id ends or ctx is done. Outcomes of ended
// sessions stay available until they age out of the retention window.
func (c *Controller) Wait(ctx context.Context, id string) (Outcome, error) {
	c.mu.Lock()
	r, ok := c.runs[id]
	c.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Stop ends session id. The loop notices at its next suspension point and
// finishes as Stopped without validating anything.
func (c *Controller) Stop(id string) bool {
	removed := c.store.Remove(id)
	c.mu.Lock()
	r := c.runs[id]
	c.mu.Unlock()
	if r != nil {
		r.cancel()
	}
	return removed
}

// Sessions returns the ids of the running sessions.
func (c *Controller) Sessions() []string {
	return c.store.IDs()
}

func (c *Controller) start(ctx context.Context, req Request) (*run, string, error) {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return nil, "", fmt.Errorf("%w: empty task", ErrInvalidTask)
	}
	handle := strings.TrimSpace(req.Handle)
	if handle == "" {
		return nil, "", fmt.Errorf("%w: missing surface handle", ErrInvalidTask)
	}
	if err := c.ensureSurface(ctx, handle); err != nil {
		return nil, "", err
	}

	id := c.newID()
	s := session.New(id, handle, task, c.now())
	if err := c.store.Insert(s); err != nil {
		return nil, "", fmt.Errorf("register session: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{}), settings: req.Settings}
	log := c.logger.With().Str("session", id).Logger()
	r.pipeline = recovery.NewPipeline(c.th.Recovery, c.executor(handle), c.reconnector(handle, log), log)
	r.pipeline.Sleep = c.sleep

	c.mu.Lock()
	c.runs[id] = r
	for i, done := range c.finished {
		if done == id {
			c.finished = append(c.finished[:i], c.finished[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	log.Info().Str("handle", handle).Str("task", task).Msg("session started")
	go c.loop(runCtx, s, r, log)
	return r, id, nil
}

func (c *Controller) ensureSurface(ctx context.Context, handle string) error {
	if err := c.surface.HealthCheck(ctx, handle); err == nil {
		return nil
	}
	if err := c.surface.Reconnect(ctx, handle); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSurfaceUnavailable, handle, err)
	}
	if err := c.surface.HealthCheck(ctx, handle); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSurfaceUnavailable, handle, err)
	}
	return nil
}

func (c *Controller) loop(ctx context.Context, s *session.Session, r *run, log zerolog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("iteration panicked")
			c.finish(s, r, session.StatusErrored, fmt.Sprintf("internal error: %v", p), false, log)
		}
		r.cancel()
		c.retire(s.ID)
		close(r.done)
	}()

	for {
		if !c.live(ctx, s) {
			c.finish(s, r, session.StatusStopped, "", false, log)
			return
		}
		if c.iterate(ctx, s, r, log) {
			return
		}
		delay := c.detector.Backoff(s.StuckCounter)
		log.Debug().Dur("delay", delay).Int("stuck", s.StuckCounter).Msg("next iteration scheduled")
		_ = c.sleep(ctx, delay)
	}
}

// retire keeps the run of an ended session for Wait and drops the oldest
// ones beyond the retention window.
func (c *Controller) retire(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, id)
	for len(c.finished) > c.retain {
		delete(c.runs, c.finished[0])
		c.finished = c.finished[1:]
	}
}

func (c *Controller) live(ctx context.Context, s *session.Session) bool {
	return ctx.Err() == nil && c.store.Has(s.ID)
}

// iterate runs one plan-act-observe round and reports whether the
// session reached a terminal status.
func (c *Controller) iterate(ctx context.Context, s *session.Session, r *run, log zerolog.Logger) bool {
	if s.Iteration >= c.th.Loop.MaxIterations {
		c.finish(s, r, session.StatusStuck, completion.Summarize(s, "iteration limit reached"), false, log)
		return true
	}
	s.Iteration++
	ctx, span := c.tracer.Start(ctx, "session.iteration", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.Int("session.iteration", s.Iteration),
	))
	defer span.End()

	state, err := c.readState(ctx, s.Handle, log)
	if !c.live(ctx, s) {
		c.finish(s, r, session.StatusStopped, "", false, log)
		return true
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read page state failed")
		c.finish(s, r, session.StatusErrored, fmt.Sprintf("read page state: %v", err), false, log)
		return true
	}

	now := c.now()
	digest := snapshot.Digest(state)
	digestChanged, urlChanged := c.detector.Observe(s, digest, state.URL)
	s.RecordState(session.StateSnapshot{At: now, URL: state.URL, Digest: digest, ElementCount: len(state.Elements)})
	s.RecordVisit(state.URL, now)
	analysis := c.detector.Analyze(s)

	ev := log.Info()
	if analysis.Severity >= detect.SeverityHigh || analysis.Stuck {
		ev = log.Warn()
	}
	ev.Int("iteration", s.Iteration).
		Str("url", state.URL).
		Int("elements", len(state.Elements)).
		Bool("changed", digestChanged || urlChanged).
		Int("stuck", s.StuckCounter).
		Str("severity", analysis.Severity.String()).
		Msg("observed")

	planCtx, cancel := context.WithTimeout(ctx, c.th.Loop.PlanTimeout)
	plan, err := c.planner.Plan(planCtx, c.planRequest(s, r, state, analysis, digestChanged, urlChanged))
	cancel()
	if !c.live(ctx, s) {
		c.finish(s, r, session.StatusStopped, "", false, log)
		return true
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "planner failed")
		c.finish(s, r, session.StatusErrored, fmt.Sprintf("planner error: %v", err), false, log)
		return true
	}
	r.feedback = ""
	if plan.CurrentStep != "" {
		c.notifier.Progress(s.ID, plan.CurrentStep)
	}

	actions, guarded := guardCaptcha(state, plan.Actions)
	if guarded {
		log.Warn().Str("url", state.URL).Msg("clicks on captcha page replaced by solve_captcha")
	}
	repeats := 0
	if len(actions) > 0 {
		sig := detect.SequenceSignature(actions)
		repeats = s.BumpSequence(detect.RepeatKey(sig, state.URL), sig)
	}

	if !c.execute(ctx, s, r, actions, log) {
		c.finish(s, r, session.StatusStopped, "", false, log)
		return true
	}

	th := c.th.Detect
	r.forceAlternative = repeats > 0 &&
		c.detector.HarmfulRepetition(actions, repeats, s.RecentActions(th.ActionWindow), s.RecentURLs(th.URLWindow))
	if r.forceAlternative {
		log.Warn().Int("repeats", repeats).Msg("harmful repetition, forcing an alternative strategy")
	}

	if s.StuckCounter >= th.ImplicitCompletion {
		if result, ok := c.validator.ImplicitResult(s); ok {
			log.Info().Str("result", result).Msg("implicit completion from repeated extraction")
			c.finish(s, r, session.StatusCompleted, result, true, log)
			return true
		}
	}
	if s.StuckCounter >= th.Abort {
		c.finish(s, r, session.StatusStuck, completion.Summarize(s, "no progress"), false, log)
		return true
	}

	if plan.TaskComplete {
		d := c.validator.Validate(completion.Claim{Complete: true, Result: plan.Result}, s)
		if d.Accept {
			c.finish(s, r, session.StatusCompleted, plan.Result, true, log)
			return true
		}
		log.Info().Str("reason", d.Reason).Msg("completion claim rejected")
		r.feedback = d.Reason
	}
	return false
}

// execute runs the batch strictly in order and stops at the first failure.
// It reports false when the session was stopped meanwhile.
func (c *Controller) execute(ctx context.Context, s *session.Session, r *run, actions []session.Action, log zerolog.Logger) bool {
	for i, a := range actions {
		if !c.live(ctx, s) {
			return false
		}
		actx, span := c.tracer.Start(ctx, "session.action", trace.WithAttributes(
			attribute.String("action.tool", a.Tool),
			attribute.Int("action.index", i),
		))
		out := r.pipeline.Run(actx, a)
		if !out.Result.Success {
			span.SetStatus(codes.Error, out.Result.Error)
		}
		span.SetAttributes(attribute.Int("action.attempts", out.Attempts))
		span.End()
		if !c.live(ctx, s) {
			return false
		}

		now := c.now()
		s.RecordAction(session.ActionRecord{
			At:          now,
			Tool:        a.Tool,
			Params:      a.Params,
			Result:      out.Result,
			Iteration:   s.Iteration,
			Alternative: out.Alternative,
		})
		if !out.Result.Success {
			rec := s.RecordFailure(detect.ActionSignature(a.Tool, a.Params), a.Tool, a.Params, out.Result.Error, now)
			log.Warn().
				Str("tool", a.Tool).
				Str("category", string(out.Category)).
				Int("failures", rec.Count).
				Int("skipped", len(actions)-i-1).
				Str("error", out.Result.Error).
				Msg("action failed")
			return true
		}
		log.Debug().Str("tool", a.Tool).Str("alternative", out.Alternative).Msg("action ok")

		if a.Tool == "navigate" {
			if err := c.surface.WaitStable(ctx, s.Handle, c.th.Loop.SettleTimeout); err != nil {
				log.Debug().Err(err).Msg("wait for stable DOM after navigate")
			}
		}
	}
	return true
}

func (c *Controller) readState(ctx context.Context, handle string, log zerolog.Logger) (snapshot.State, error) {
	read := func() (snapshot.State, error) {
		rctx, cancel := context.WithTimeout(ctx, c.th.Loop.ReadTimeout)
		defer cancel()
		return c.surface.ReadState(rctx, handle)
	}
	state, err := read()
	if err == nil || ctx.Err() != nil {
		return state, err
	}
	if hErr := c.surface.HealthCheck(ctx, handle); hErr != nil {
		log.Warn().Err(hErr).Msg("surface unhealthy, reconnecting")
		if rErr := c.surface.Reconnect(ctx, handle); rErr != nil {
			return snapshot.State{}, fmt.Errorf("%w: %w", err, rErr)
		}
	}
	return read()
}

// reconnector re-establishes the surface only when a health check says it
// is degraded. A healthy page keeps its state.
func (c *Controller) reconnector(handle string, log zerolog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		err := c.surface.HealthCheck(ctx, handle)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Msg("surface unhealthy after action failure, reconnecting")
		return c.surface.Reconnect(ctx, handle)
	}
}

func (c *Controller) executor(handle string) recovery.Executor {
	return recovery.ExecutorFunc(func(ctx context.Context, tool string, params map[string]any) (session.ActionResult, error) {
		if tool == "solve_captcha" {
			return c.surface.Execute(ctx, handle, tool, params)
		}
		timeout := c.th.Loop.ActionTimeout
		if d := paramDuration(params, "timeout_ms") + timeoutMargin; d > timeout {
			timeout = d
		}
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return c.surface.Execute(actx, handle, tool, params)
	})
}

func (c *Controller) planRequest(s *session.Session, r *run, state snapshot.State, a detect.Analysis, digestChanged, urlChanged bool) PlanRequest {
	patterns := make([]string, 0, len(a.Patterns))
	for _, p := range a.Patterns {
		patterns = append(patterns, fmt.Sprintf("%s (%s): %s", p.Kind, p.Severity, p.Detail))
	}
	return PlanRequest{
		Task:     s.Task,
		State:    state,
		Settings: r.settings,
		Context: PlanContext{
			Iteration:         s.Iteration,
			CurrentURL:        state.URL,
			RecentActions:     s.RecentActions(c.th.Detect.ActionWindow),
			Stuck:             a.Stuck,
			StuckCounter:      s.StuckCounter,
			DigestChanged:     digestChanged,
			URLChanged:        urlChanged,
			Failures:          failureSummaries(s.Failures, contextItems),
			ForceAlternative:  r.forceAlternative,
			RecentURLs:        s.RecentURLs(contextItems),
			RepeatedSequences: repeatedSequences(s.SequenceRepeats, contextItems),
			RecentSequences:   s.RecentSequences,
			Patterns:          patterns,
			Strategies:        a.Strategies,
			Feedback:          r.feedback,
		},
	}
}

// finish moves s to a terminal status once, removes it from the store and
// notifies listeners.
func (c *Controller) finish(s *session.Session, r *run, status session.Status, msg string, full bool, log zerolog.Logger) {
	if r.finished {
		return
	}
	r.finished = true
	c.store.Remove(s.ID)
	s.Status = status

	out := Outcome{SessionID: s.ID, Status: status, Iterations: s.Iteration}
	switch status {
	case session.StatusCompleted:
		out.Result, out.Full = msg, full
		c.notifier.Completed(s.ID, msg, full)
	case session.StatusStuck:
		out.Result = msg
		c.notifier.Completed(s.ID, msg, false)
	case session.StatusErrored:
		out.Error = msg
		c.notifier.Failed(s.ID, msg)
	case session.StatusStopped:
		c.notifier.Progress(s.ID, "session stopped")
	}
	r.outcome = out
	log.Info().Str("status", string(status)).Int("iterations", s.Iteration).Msg("session finished")
}

func failureSummaries(failures map[string]*session.FailureRecord, n int) []FailureSummary {
	out := make([]FailureSummary, 0, len(failures))
	for sig, f := range failures {
		fs := FailureSummary{Signature: sig, Tool: f.Tool, Count: f.Count}
		if k := len(f.RecentErrors); k > 0 {
			fs.LastError = f.RecentErrors[k-1]
		}
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Signature < out[j].Signature
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func repeatedSequences(repeats map[string]int, n int) []SequenceSummary {
	var out []SequenceSummary
	for key, count := range repeats {
		if count >= 2 {
			out = append(out, SequenceSummary{Key: key, Count: count})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func paramDuration(params map[string]any, key string) time.Duration {
	switch v := params[key].(type) {
	case float64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
