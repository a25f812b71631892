package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-autopilot/internal/session"
	"github.com/polzovatel/browser-autopilot/internal/snapshot"
)

// Surface is the page the controller automates, addressed by handle.
type Surface interface {
	ReadState(ctx context.Context, handle string) (snapshot.State, error)
	Execute(ctx context.Context, handle, tool string, params map[string]any) (session.ActionResult, error)
	HealthCheck(ctx context.Context, handle string) error
	Reconnect(ctx context.Context, handle string) error
	WaitStable(ctx context.Context, handle string, timeout time.Duration) error
}

// Notifier receives session lifecycle events. Calls must not block.
type Notifier interface {
	Progress(sessionID, msg string)
	Completed(sessionID, result string, full bool)
	Failed(sessionID, msg string)
}

// LogNotifier writes lifecycle events to a logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Progress(id, msg string) {
	n.Logger.Info().Str("session", id).Msg(msg)
}

func (n LogNotifier) Completed(id, result string, full bool) {
	n.Logger.Info().Str("session", id).Bool("full", full).Str("result", result).Msg("session completed")
}

func (n LogNotifier) Failed(id, msg string) {
	n.Logger.Error().Str("session", id).Str("error", msg).Msg("session failed")
}
