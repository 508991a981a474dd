package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/maheshrc27/postflow-analytics/internal/metrics"
	"github.com/maheshrc27/postflow-analytics/internal/models"
)

// GuardConfig paces and trips calls to one platform. A zero
// RequestsPerSecond disables pacing.
type GuardConfig struct {
	RequestsPerSecond   float64
	Burst               int
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerInterval     time.Duration
	BreakerOpenTimeout  time.Duration
}

type guard struct {
	platform string
	limiter  *rate.Limiter
	cb       *gobreaker.CircuitBreaker[any]
}

func newGuard(platform models.Platform, cfg GuardConfig) *guard {
	name := string(platform)
	if cfg.BreakerMinRequests == 0 {
		cfg.BreakerMinRequests = 10
	}
	if cfg.BreakerFailureRatio == 0 {
		cfg.BreakerFailureRatio = 0.6
	}
	if cfg.BreakerInterval == 0 {
		cfg.BreakerInterval = time.Minute
	}
	if cfg.BreakerOpenTimeout == 0 {
		cfg.BreakerOpenTimeout = 2 * time.Minute
	}

	g := &guard{platform: name}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	g.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRatio
		},
		// Deleted subjects and one account's expired token say nothing
		// about the platform's health.
		IsSuccessful: func(err error) bool {
			switch Classify(err) {
			case "", KindNotFound, KindAuthExpired:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("provider circuit state change", "platform", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return g
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

func (g *guard) call(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, NewError(KindTransient, op, err)
		}
	}

	start := time.Now()
	res, err := g.cb.Execute(fn)
	metrics.ProviderCallDuration.WithLabelValues(g.platform, op).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = string(Classify(err))
	}
	metrics.ProviderCallsTotal.WithLabelValues(g.platform, op, result).Inc()

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, NewError(KindTransient, op, err)
	}
	return res, err
}

func castResult[T any](res any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	typed, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("provider guard: unexpected result type %T", res)
	}
	return typed, nil
}

type guardedClient struct {
	inner Client
	g     *guard
}

func (c *guardedClient) FetchAccountMetrics(ctx context.Context, accountID string, window Window) (*AccountMetricResult, error) {
	return castResult[*AccountMetricResult](c.g.call(ctx, "fetch_account_metrics", func() (any, error) {
		return c.inner.FetchAccountMetrics(ctx, accountID, window)
	}))
}

func (c *guardedClient) ListPosts(ctx context.Context, accountID string, window Window, limit int) ([]PostRef, error) {
	return castResult[[]PostRef](c.g.call(ctx, "list_posts", func() (any, error) {
		return c.inner.ListPosts(ctx, accountID, window, limit)
	}))
}

func (c *guardedClient) FetchPostMetrics(ctx context.Context, ref PostRef) (*PostMetricResult, error) {
	return castResult[*PostMetricResult](c.g.call(ctx, "fetch_post_metrics", func() (any, error) {
		return c.inner.FetchPostMetrics(ctx, ref)
	}))
}

func (c *guardedClient) ValidateCredentials(ctx context.Context, accountID string) (*CredentialStatus, error) {
	return castResult[*CredentialStatus](c.g.call(ctx, "validate_credentials", func() (any, error) {
		return c.inner.ValidateCredentials(ctx, accountID)
	}))
}
