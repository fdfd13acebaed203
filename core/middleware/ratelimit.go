package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/searchktools/nimble/config"
	"github.com/searchktools/nimble/core"
	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/http"
)

// maxLimiters bounds the per-client limiter table. Idle limiters are swept
// when it is reached.
const maxLimiters = 10000

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	RPS   float64
	Burst int
	// Key picks the client key. It defaults to the client IP.
	Key func(c *http.Context) string
}

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	if len(p.m) >= maxLimiters {
		p.sweep()
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

// sweep drops limiters whose bucket has refilled, which is state a new
// limiter reproduces.
func (p *limiterPool) sweep() {
	for k, l := range p.m {
		if l.Tokens() >= float64(p.burst) {
			delete(p.m, k)
		}
	}
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// RateLimit applies a token bucket per client. Over the limit it fails with
// TooManyRequests and sets Retry-After to the seconds until a token frees up.
func RateLimit(cfg RateLimitConfig) http.MiddlewareFunc {
	pool := newLimiterPool(cfg.RPS, cfg.Burst)
	key := cfg.Key
	if key == nil {
		key = func(c *http.Context) string { return c.IP() }
	}
	return func(c *http.Context, next http.Next) error {
		r := pool.get(key(c)).Reserve()
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			c.Response().SetHeader(core.HeaderRetryAfter, retryAfter(delay))
			c.Logger().Debug("rate limited", "ip", c.IP(), "retry_after", delay)
			return apperr.TooManyRequests("rate limit exceeded")
		}
		next(nil)
		return nil
	}
}

func retryAfter(d time.Duration) string {
	if d == rate.InfDuration {
		return "60"
	}
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}

// RateLimitPlugin installs RateLimit as global middleware. Options: rps,
// burst.
type RateLimitPlugin struct{}

func (RateLimitPlugin) Name() string { return NameRateLimit }

func (RateLimitPlugin) Load(e *core.Engine, opts config.Options) error {
	cfg := RateLimitConfig{
		RPS:   opts.GetFloat("rps", 100),
		Burst: opts.GetInt("burst", 200),
	}
	if cfg.RPS <= 0 {
		return apperr.Newf(apperr.KindInvalidPlugin, "rate-limit: rps must be positive, got %v", cfg.RPS)
	}
	e.Use(RateLimit(cfg))
	return nil
}
