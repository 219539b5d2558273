// Package providers decorates embedding and generation clients with
// client-side rate limiting and a circuit breaker, so one misbehaving
// upstream cannot stall the task workers.
package providers

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/agentmem/memory-service/internal/registry/embed"
	"github.com/agentmem/memory-service/internal/registry/llm"
)

// Limits holds the client-side call limits applied to a provider.
type Limits struct {
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

func newLimiter(l Limits) *rate.Limiter {
	rps := l.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := l.Burst
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type guardedEmbedder struct {
	inner   embed.Embedder
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// GuardEmbedder wraps an embedder with rate limiting, a per-call timeout,
// and a circuit breaker.
func GuardEmbedder(inner embed.Embedder, l Limits) embed.Embedder {
	return &guardedEmbedder{
		inner:   inner,
		limiter: newLimiter(l),
		breaker: newBreaker("embed-" + inner.ModelName()),
		timeout: l.Timeout,
	}
}

func (g *guardedEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := g.breaker.Execute(func() (any, error) {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return g.inner.EmbedTexts(callCtx, texts)
	})
	if err != nil {
		return nil, err
	}
	return out.([][]float32), nil
}

func (g *guardedEmbedder) ModelName() string { return g.inner.ModelName() }
func (g *guardedEmbedder) Dimension() int    { return g.inner.Dimension() }

type guardedChat struct {
	inner   llm.ChatClient
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// GuardChat wraps a chat client with rate limiting, a per-call timeout,
// and a circuit breaker.
func GuardChat(inner llm.ChatClient, l Limits) llm.ChatClient {
	return &guardedChat{
		inner:   inner,
		limiter: newLimiter(l),
		breaker: newBreaker("llm-" + inner.Name()),
		timeout: l.Timeout,
	}
}

func (g *guardedChat) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.breaker.Execute(func() (any, error) {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return fn(callCtx)
	})
}

func (g *guardedChat) Generate(ctx context.Context, req llm.Request) (string, error) {
	out, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.inner.Generate(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (g *guardedChat) Classify(ctx context.Context, text string, labels []string, topK int) ([]string, error) {
	out, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.inner.Classify(ctx, text, labels, topK)
	})
	if err != nil {
		return nil, err
	}
	return out.([]string), nil
}

func (g *guardedChat) Name() string { return g.inner.Name() }
