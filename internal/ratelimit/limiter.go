package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/signflow/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	keyPublicRoute = "signflow:ratelimit:public:%s"
	maxLocalKeys   = 10000
)

// PublicLimiter guards the anonymous signing and payment routes. It draws from
// the shared redis bucket when one is configured and falls back to a
// per-process bucket when redis is absent or failing.
type PublicLimiter struct {
	enabled bool
	rate    float64
	burst   int
	bucket  *TokenBucket
	log     *zap.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewPublicLimiter(cfg config.Config, bucket *TokenBucket, log *zap.Logger) *PublicLimiter {
	limitCfg := cfg.RateLimit
	if log == nil {
		log = zap.NewNop()
	}
	return &PublicLimiter{
		enabled: limitCfg.Enabled && limitCfg.PublicRate > 0 && limitCfg.PublicBurst > 0,
		rate:    limitCfg.PublicRate,
		burst:   limitCfg.PublicBurst,
		bucket:  bucket,
		log:     log.Named("ratelimit"),
		local:   make(map[string]*rate.Limiter),
	}
}

func (l *PublicLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow spends one token for key, usually the client IP.
func (l *PublicLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyPublicRoute, key), l.rate, l.burst)
		if err == nil {
			return res, nil
		}
		l.log.Warn("shared rate limit unavailable, using local bucket", zap.Error(err))
	}
	return l.allowLocal(key, time.Now()), nil
}

func (l *PublicLimiter) allowLocal(key string, now time.Time) *RateLimitResult {
	l.mu.Lock()
	limiter, ok := l.local[key]
	if !ok {
		if len(l.local) >= maxLocalKeys {
			l.local = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rate.Limit(l.rate), l.burst)
		l.local[key] = limiter
	}
	l.mu.Unlock()

	allowed := limiter.AllowN(now, 1)
	return localResult(allowed, l.burst, limiter.TokensAt(now), l.rate, now)
}
