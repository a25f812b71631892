package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type limitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// RateLimited paces calls to next at rps requests per second with the given
// burst. Concurrent sessions share one limiter. A non-positive rps disables
// pacing.
func RateLimited(next Client, rps float64, burst int) Client {
	if next == nil || rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &limitedClient{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (c *limitedClient) Name() string { return c.next.Name() }

func (c *limitedClient) Generate(ctx context.Context, req Request) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limit: %w", err)
	}
	return c.next.Generate(ctx, req)
}
