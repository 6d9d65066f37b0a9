// Package forge is the Forge Client: the control plane's only outbound
// path to the code-hosting API. It wraps google/go-github's Actions
// service with a circuit breaker, a shared rate-limit ledger, a
// priority-aware pacing strategy, capped exponential retry, and a
// tagged response cache.
package forge

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/google/go-github/v32/github"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/config"
)

// Priority tiers for outbound Forge calls, highest last.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// retryableStatus reports whether an HTTP status code should be retried
// with backoff rather than surfaced immediately.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client is the shared Forge API client. One Client is constructed at
// startup and handed to the Orchestrator.
type Client struct {
	gh      *github.Client
	cb      *gobreaker.CircuitBreaker
	limiter *RateLimiter
	cache   *ResponseCache
	org     string
	logger  *zap.Logger
}

// New builds a Client against cfg's forge settings, pacing calls through
// limiter and caching responses in cache.
func New(cfg config.Config, limiter *RateLimiter, cache *ResponseCache, logger *zap.Logger) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.ForgeToken})
	httpClient := oauth2.NewClient(context.Background(), ts)

	gh := github.NewClient(httpClient)
	if cfg.ForgeBaseURL != "" && cfg.ForgeBaseURL != "https://api.github.com" {
		if u, err := gh.BaseURL.Parse(cfg.ForgeBaseURL + "/"); err == nil {
			gh.BaseURL = u
		}
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "forge-client",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("forge circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Client{
		gh:      gh,
		cb:      cb,
		limiter: limiter,
		cache:   cache,
		org:     cfg.ForgeOrganization,
		logger:  logger.Named("forge"),
	}
}

// do executes fn under the circuit breaker, with capped exponential
// backoff retry on retryable statuses and rate-limit-aware waiting on 403
// responses carrying a rate-limit marker. fn must perform exactly one
// logical API call and return the *github.Response alongside any error.
func (c *Client) do(ctx context.Context, priority Priority, fn func() (*github.Response, error)) error {
	if err := c.limiter.Wait(ctx, priority); err != nil {
		return fmt.Errorf("forge: rate limiter: %w", err)
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	const maxAttempts = 6

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, err := c.cb.Execute(func() (any, error) {
			resp, callErr := fn()
			if resp != nil {
				c.limiter.Observe(resp.Rate)
			}
			return resp, callErr
		})
		if err == nil {
			return nil
		}

		rlErr, isRateLimit := err.(*github.RateLimitError)
		if isRateLimit {
			wait := time.Until(rlErr.Rate.Reset.Time)
			if wait > 0 {
				c.logger.Warn("forge rate limit exhausted, waiting for reset", zap.Duration("wait", wait))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
		}

		ghErr, isGHErr := err.(*github.ErrorResponse)
		if isGHErr && ghErr.Response != nil && !retryableStatus(ghErr.Response.StatusCode) {
			return fmt.Errorf("forge: non-retryable: %w", err)
		}
		if isBreakerOpen(err) {
			return fmt.Errorf("forge: circuit open: %w", err)
		}

		if attempt == maxAttempts {
			return fmt.Errorf("forge: exhausted retries: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(math.Min(float64(backoff)*2, float64(maxBackoff)))
	}

	return fmt.Errorf("forge: unreachable")
}

func isBreakerOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
