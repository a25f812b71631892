// Package surface exposes browser pages to the session controller: it reads
// page state, dispatches tools and keeps track of page health.
package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-autopilot/internal/browser"
	"github.com/polzovatel/browser-autopilot/internal/session"
	"github.com/polzovatel/browser-autopilot/internal/snapshot"
	"github.com/polzovatel/browser-autopilot/internal/tools"
)

var ErrUnknownHandle = errors.New("unknown surface handle")

type page struct {
	ctrl  browser.Controller
	tools tools.Toolbox
}

// Playwright serves pages driven by playwright, one per handle.
type Playwright struct {
	mu     sync.RWMutex
	pages  map[string]page
	health *HealthRegistry
	logger zerolog.Logger

	// collect reads page state; tests replace it.
	collect func(ctx context.Context, ctrl browser.Controller) (snapshot.State, error)
}

func NewPlaywright(logger zerolog.Logger) *Playwright {
	return &Playwright{
		pages:   make(map[string]page),
		health:  NewHealthRegistry(),
		logger:  logger.With().Str("comp", "surface").Logger(),
		collect: snapshot.Collect,
	}
}

// Attach registers ctrl under handle, replacing any previous page.
func (p *Playwright) Attach(handle string, ctrl browser.Controller, tb tools.Toolbox) {
	p.mu.Lock()
	p.pages[handle] = page{ctrl: ctrl, tools: tb}
	p.mu.Unlock()
	p.logger.Debug().Str("handle", handle).Msg("page attached")
}

func (p *Playwright) Detach(handle string) {
	p.mu.Lock()
	delete(p.pages, handle)
	p.mu.Unlock()
	p.health.Forget(handle)
}

func (p *Playwright) lookup(handle string) (page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pg, ok := p.pages[handle]
	if !ok {
		return page{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return pg, nil
}

func (p *Playwright) ReadState(ctx context.Context, handle string) (snapshot.State, error) {
	pg, err := p.lookup(handle)
	if err != nil {
		return snapshot.State{}, err
	}
	return p.collect(ctx, pg.ctrl)
}

// Execute runs one tool. Tool errors come back as errors so the caller can
// classify them; the observation is kept in the metadata.
func (p *Playwright) Execute(ctx context.Context, handle, tool string, params map[string]any) (session.ActionResult, error) {
	pg, err := p.lookup(handle)
	if err != nil {
		return session.ActionResult{}, err
	}
	start := time.Now()
	res, err := pg.tools.Invoke(ctx, tool, params)
	log := p.logger.Debug().Str("handle", handle).Str("tool", tool).Dur("took", time.Since(start))
	if err != nil {
		log.Err(err).Msg("tool failed")
		return session.ActionResult{}, err
	}
	log.Msg("tool ok")

	meta := make(map[string]any, len(res.Metadata)+1)
	for k, v := range res.Metadata {
		meta[k] = v
	}
	if res.Observation != "" {
		meta["observation"] = res.Observation
	}
	return session.ActionResult{Success: true, Metadata: meta}, nil
}

func (p *Playwright) HealthCheck(ctx context.Context, handle string) error {
	pg, err := p.lookup(handle)
	if err != nil {
		return err
	}
	err = pg.ctrl.Alive(ctx)
	if h := p.health.Record(handle, err); !h.Healthy {
		p.logger.Warn().Str("handle", handle).Str("error", h.Error).Msg("page unhealthy")
	}
	return err
}

func (p *Playwright) Reconnect(ctx context.Context, handle string) error {
	pg, err := p.lookup(handle)
	if err != nil {
		return err
	}
	p.health.Reconnected(handle)
	if err := pg.ctrl.Reopen(ctx); err != nil {
		h := p.health.Record(handle, err)
		p.logger.Warn().Str("handle", handle).Int("reconnects", h.Reconnects).Err(err).Msg("reopen failed")
		return fmt.Errorf("reconnect %s: %w", handle, err)
	}
	h := p.health.Record(handle, nil)
	p.logger.Info().Str("handle", handle).Int("reconnects", h.Reconnects).Msg("page reopened")
	return nil
}

// LogHealth reports every page whose last health check failed.
func (p *Playwright) LogHealth() {
	for _, handle := range p.health.Unhealthy() {
		h, ok := p.health.Get(handle)
		if !ok {
			continue
		}
		p.logger.Warn().
			Str("handle", handle).
			Str("error", h.Error).
			Int("reconnects", h.Reconnects).
			Time("checked_at", h.CheckedAt).
			Msg("page left unhealthy")
	}
}

func (p *Playwright) WaitStable(ctx context.Context, handle string, timeout time.Duration) error {
	pg, err := p.lookup(handle)
	if err != nil {
		return err
	}
	return pg.ctrl.WaitForStableDOM(ctx, timeout)
}
