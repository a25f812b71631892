package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-autopilot/internal/session"
)

// Executor runs a single action against the page.
type Executor interface {
	Execute(ctx context.Context, tool string, params map[string]any) (session.ActionResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, tool string, params map[string]any) (session.ActionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, tool string, params map[string]any) (session.ActionResult, error) {
	return f(ctx, tool, params)
}

// Config bounds local retries.
type Config struct {
	RetryBudget    int           `yaml:"retry_budget"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

func DefaultConfig() Config {
	return Config{
		RetryBudget:    2,
		BackoffBase:    500 * time.Millisecond,
		DefaultTimeout: 10 * time.Second,
	}
}

// Outcome is the result of running an action through the pipeline.
type Outcome struct {
	Action      session.Action
	Result      session.ActionResult
	Category    Category
	Strategy    Strategy
	Attempts    int
	Alternative string
}

// Pipeline executes one action with classification-driven recovery:
// classify, retry per strategy, try alternatives, record the outcome.
type Pipeline struct {
	cfg       Config
	exec      Executor
	reconnect func(ctx context.Context) error
	logger    zerolog.Logger

	// Sleep waits between backoff retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(cfg Config, exec Executor, reconnect func(ctx context.Context) error, logger zerolog.Logger) *Pipeline {
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	return &Pipeline{
		cfg:       cfg,
		exec:      exec,
		reconnect: reconnect,
		logger:    logger,
		Sleep:     sleep,
	}
}

// Run executes a. On success the outcome carries the original result; when an
// alternative rescued it, Alternative names it and Action is the last step
// that ran. When nothing works the first failure is reported.
func (p *Pipeline) Run(ctx context.Context, a session.Action) Outcome {
	res := p.try(ctx, a)
	out := Outcome{Action: a, Result: res, Attempts: 1}
	if res.Success {
		return out
	}

	out.Category = Classify(res.Error)
	out.Strategy = StrategyFor(out.Category)
	log := p.logger.With().Str("tool", a.Tool).Str("category", string(out.Category)).Logger()

	if out.Strategy == Skip {
		log.Warn().Str("error", res.Error).Msg("non-retryable failure")
		return out
	}

	if res, ok := p.retry(ctx, a, &out, log); ok {
		out.Result = res
		return out
	}

	for _, alt := range Alternatives(a, out.Category) {
		if ctx.Err() != nil {
			break
		}
		out.Attempts++
		last, ok := p.runSteps(ctx, alt.Steps)
		if ok {
			log.Info().Str("alternative", alt.Label).Msg("alternative succeeded")
			out.Result = last
			out.Alternative = alt.Label
			out.Action = alt.Steps[len(alt.Steps)-1]
			return out
		}
		log.Debug().Str("alternative", alt.Label).Str("error", last.Error).Msg("alternative failed")
	}
	return out
}

func (p *Pipeline) retry(ctx context.Context, a session.Action, out *Outcome, log zerolog.Logger) (session.ActionResult, bool) {
	if out.Strategy == AlternativeSelector {
		return session.ActionResult{}, false
	}
	params := a.Params
	for attempt := 1; attempt <= p.cfg.RetryBudget; attempt++ {
		switch out.Strategy {
		case ReconnectAndRetry:
			if p.reconnect != nil {
				if err := p.reconnect(ctx); err != nil {
					log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
				}
			}
		case IncreaseTimeout:
			params = withTimeout(params, p.cfg.DefaultTimeout<<attempt)
		case ExponentialBackoff:
			if err := p.Sleep(ctx, p.cfg.BackoffBase<<(attempt-1)); err != nil {
				return session.ActionResult{}, false
			}
		}
		out.Attempts++
		retried := session.Action{Tool: a.Tool, Params: params, Description: a.Description}
		res := p.try(ctx, retried)
		if res.Success {
			log.Info().Int("attempt", attempt).Str("strategy", string(out.Strategy)).Msg("retry succeeded")
			out.Action = retried
			return res, true
		}
		if c := Classify(res.Error); c == Permission || c == Selector {
			// the page answered; retrying the same thing will not help
			break
		}
	}
	return session.ActionResult{}, false
}

func (p *Pipeline) runSteps(ctx context.Context, steps []session.Action) (session.ActionResult, bool) {
	var last session.ActionResult
	for _, step := range steps {
		last = p.try(ctx, step)
		if !last.Success {
			return last, false
		}
	}
	return last, true
}

func (p *Pipeline) try(ctx context.Context, a session.Action) session.ActionResult {
	res, err := p.exec.Execute(ctx, a.Tool, a.Params)
	if err != nil {
		return session.ActionResult{Success: false, Error: err.Error(), Metadata: res.Metadata}
	}
	if !res.Success && res.Error == "" {
		res.Error = "action reported failure"
	}
	return res
}

func withTimeout(params map[string]any, d time.Duration) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["timeout_ms"] = float64(d.Milliseconds())
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
