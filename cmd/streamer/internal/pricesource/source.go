// Package pricesource wraps the external quote provider behind the shared
// rate limiter so that every upstream call first pays a token.
package pricesource

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/ratelimit"
	"github.com/marketlens/portfolio-stream/pkg/models"
)

// Provider is the upstream integration boundary. Individual symbol failures
// come back as unavailable quotes inside the map, never as errors; an error
// means the whole batch failed (provider unreachable, malformed response).
type Provider interface {
	Fetch(ctx context.Context, symbols []string) (map[string]models.Quote, error)
}

// TokenAcquirer is the slice of the rate limiter the source needs.
type TokenAcquirer interface {
	Acquire(ctx context.Context, cost int) error
}

// Fetcher is what topic workers consume.
type Fetcher interface {
	Fetch(ctx context.Context, symbols []string) (map[string]models.Quote, error)
}

type Source struct {
	provider       Provider
	limiter        TokenAcquirer
	acquireTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

func New(provider Provider, limiter TokenAcquirer, acquireTimeout time.Duration, logger *zap.Logger) *Source {
	return &Source{
		provider:       provider,
		limiter:        limiter,
		acquireTimeout: acquireTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// Fetch acquires one token and queries the provider for the batch. A limiter
// timeout degrades the whole batch to unavailable quotes instead of erroring,
// so one starved cycle never kills a worker. Symbols the provider omitted are
// filled in as unavailable.
func (s *Source) Fetch(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if len(symbols) == 0 {
		return map[string]models.Quote{}, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	err := s.limiter.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		if errors.Is(err, ratelimit.ErrAcquireTimeout) {
			s.logger.Warn("Rate limiter starved, degrading cycle to unavailable",
				zap.Int("symbols", len(symbols)))
			return s.unavailable(symbols), nil
		}
		return nil, err
	}

	quotes, err := s.provider.Fetch(ctx, symbols)
	if err != nil {
		return nil, err
	}

	at := s.now()
	out := make(map[string]models.Quote, len(symbols))
	for _, sym := range symbols {
		if q, ok := quotes[sym]; ok {
			out[sym] = q
		} else {
			out[sym] = models.Unavailable(sym, at)
		}
	}
	return out, nil
}

func (s *Source) unavailable(symbols []string) map[string]models.Quote {
	at := s.now()
	out := make(map[string]models.Quote, len(symbols))
	for _, sym := range symbols {
		out[sym] = models.Unavailable(sym, at)
	}
	return out
}
