package ingest

import (
	"net/netip"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/time/rate"
)

// ipRateLimiter caps admissions per source address over a trailing window.
// Buckets live in a size-bounded LRU with per-entry expiry, so memory stays
// bounded no matter how many addresses probe the server.
type ipRateLimiter struct {
	cache  gcache.Cache
	limit  rate.Limit
	burst  int
	window time.Duration
}

func newIPRateLimiter(perWindow uint64, window time.Duration, maxEntries int) *ipRateLimiter {
	return &ipRateLimiter{
		cache:  gcache.New(maxEntries).LRU().Build(),
		limit:  rate.Limit(float64(perWindow) / window.Seconds()),
		burst:  int(perWindow),
		window: window,
	}
}

func (rl *ipRateLimiter) IsAllowed(ip netip.Addr) bool {
	if i, err := rl.cache.Get(ip); err == nil {
		return i.(*rate.Limiter).Allow() //nolint:forcetypeassert //.
	}

	l := rate.NewLimiter(rl.limit, rl.burst)
	_ = rl.cache.SetWithExpire(ip, l, rl.window)

	return l.Allow()
}

func (rl *ipRateLimiter) Len() int {
	return rl.cache.Len(false)
}

// RetainRecent drops expired buckets; the accept loop calls it once the
// table grows past the cleanup threshold.
func (rl *ipRateLimiter) RetainRecent() {
	_ = rl.cache.Len(true)
}

// globalRateLimiter protects against aggregate floods independent of source
// diversity.
type globalRateLimiter struct {
	limiter *rate.Limiter
}

func newGlobalRateLimiter(perSecond uint64) *globalRateLimiter {
	return &globalRateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(perSecond)),
	}
}

func (rl *globalRateLimiter) IsAllowed() bool {
	return rl.limiter.Allow()
}
