// Package recovery classifies action failures and tries to get past them by
// retrying or by substituting alternative actions and selectors.
package recovery

import "strings"

// Category is the failure taxonomy.
type Category string

const (
	Communication Category = "communication"
	Selector      Category = "selector"
	Timeout       Category = "timeout"
	Network       Category = "network"
	Permission    Category = "permission"
)

// Strategy is what to do about a failure of a given category.
type Strategy string

const (
	ReconnectAndRetry   Strategy = "reconnect-and-retry"
	AlternativeSelector Strategy = "alternative-selector"
	IncreaseTimeout     Strategy = "increase-timeout"
	ExponentialBackoff  Strategy = "exponential-backoff"
	Skip                Strategy = "skip"
)

// phrases are matched case-insensitively, in table order. Permission comes
// first so that a disallowed operation is never mistaken for a retryable one.
var phrases = []struct {
	category Category
	list     []string
}{
	{Permission, []string{
		"restricted", "permission", "cannot execute", "not allowed", "access denied",
		"cannot access", "chrome://", "forbidden",
	}},
	{Communication, []string{
		"could not establish connection", "receiving end does not exist", "page is closed",
		"target closed", "has been closed", "connection closed", "disconnected",
		"message port closed", "context invalidated",
	}},
	{Selector, []string{
		"element not found", "not interactable", "no element", "not visible", "not attached",
		"strict mode violation", "waiting for locator", "is not a valid selector",
		"failed to find element", "intercepts pointer events", "outside of the viewport",
		"selector is invalid",
	}},
	{Timeout, []string{
		"timed out", "timeout", "deadline exceeded",
	}},
	{Network, []string{
		"network", "fetch", "net::err", "connection refused", "connection reset",
		"econnrefused", "socket hang up", "dns",
	}},
}

// Classify maps an error message to a category, defaulting to Communication.
func Classify(msg string) Category {
	lower := strings.ToLower(msg)
	for _, group := range phrases {
		for _, p := range group.list {
			if strings.Contains(lower, p) {
				return group.category
			}
		}
	}
	return Communication
}

// StrategyFor returns the single retry strategy of c.
func StrategyFor(c Category) Strategy {
	switch c {
	case Selector:
		return AlternativeSelector
	case Timeout:
		return IncreaseTimeout
	case Network:
		return ExponentialBackoff
	case Permission:
		return Skip
	default:
		return ReconnectAndRetry
	}
}

// Retryable reports whether failures of c may be retried or substituted.
func (c Category) Retryable() bool {
	return StrategyFor(c) != Skip
}
