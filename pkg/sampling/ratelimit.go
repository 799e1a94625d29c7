// Package sampling provides samplers backed by external state, for gates
// that must agree across processes. Pure in-process samplers live in
// pkg/trace.
package sampling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/instantcocoa/weft/pkg/trace"
)

// RateLimitedConfig tunes the distributed rate-limit sampler.
type RateLimitedConfig struct {
	// PerSecond is the maximum number of traces sampled per second
	// across every process sharing the Redis instance.
	PerSecond int64
	// KeyPrefix namespaces the counter keys. Defaults to "weft:sampling".
	KeyPrefix string
	// Timeout bounds each counter round trip. Defaults to 50ms so a slow
	// Redis cannot stall request handling.
	Timeout time.Duration
	// Fallback decides when Redis is unreachable. Nil fails open to
	// AlwaysSample: losing the limiter must not lose traces.
	Fallback trace.Sampler
}

// RateLimited is a sampler that admits at most PerSecond trace roots per
// wall-clock second, coordinated through a shared Redis counter.
type RateLimited struct {
	client *redis.Client
	cfg    RateLimitedConfig
	logger *slog.Logger
}

// NewRateLimited creates a rate-limited sampler on client.
func NewRateLimited(client *redis.Client, cfg RateLimitedConfig, logger *slog.Logger) *RateLimited {
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 1
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "weft:sampling"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 50 * time.Millisecond
	}
	if cfg.Fallback == nil {
		cfg.Fallback = trace.AlwaysSample()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimited{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "sampling"),
	}
}

// ShouldSample admits the trace if the current second's counter is still
// under the limit. A Redis failure defers to the fallback sampler.
func (s *RateLimited) ShouldSample(p trace.SamplingParameters) trace.SamplingResult {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	key := fmt.Sprintf("%s:%d", s.cfg.KeyPrefix, time.Now().Unix())

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.logger.Warn("rate limiter unavailable, using fallback sampler",
			"sampler", s.cfg.Fallback.Description(), "error", err)
		return s.cfg.Fallback.ShouldSample(p)
	}
	if count == 1 {
		// Window keys expire on their own; two seconds covers clock skew
		// between participants.
		s.client.Expire(ctx, key, 2*time.Second)
	}

	if count > s.cfg.PerSecond {
		return trace.SamplingResult{Decision: trace.Drop}
	}
	return trace.SamplingResult{
		Decision:   trace.RecordAndSample,
		Attributes: []trace.Attribute{trace.Bool("sampling.rate_limited", true)},
	}
}

// Description identifies the sampler in logs.
func (s *RateLimited) Description() string {
	return fmt.Sprintf("RateLimited{%d/s}", s.cfg.PerSecond)
}

var _ trace.Sampler = (*RateLimited)(nil)
