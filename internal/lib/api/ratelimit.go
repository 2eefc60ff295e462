package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
)

// limiters beyond this count trigger a sweep of idle identities
const maxTrackedIdentities = 10_000

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles mutating requests per authenticated identity.
type RateLimiter struct {
	limit rate.Limit
	burst int
	clock ledger.Clock

	mu       sync.Mutex
	visitors map[ledger.Identity]*rateEntry
}

// NewRateLimiter returns nil, meaning unlimited, when perSecond is zero.
func NewRateLimiter(perSecond float64, burst int, clock ledger.Clock) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    max(burst, 1),
		clock:    clock,
		visitors: map[ledger.Identity]*rateEntry{},
	}
}

func (r *RateLimiter) Allow(id ledger.Identity) bool {
	if r == nil {
		return true
	}
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.visitors[id]
	if !ok {
		if len(r.visitors) >= maxTrackedIdentities {
			r.sweep(now)
		}
		entry = &rateEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.visitors[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweep drops identities whose bucket has had time to refill completely.
func (r *RateLimiter) sweep(now time.Time) {
	idle := time.Duration(float64(r.burst)/float64(r.limit)*float64(time.Second)) + time.Minute
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > idle {
			delete(r.visitors, id)
		}
	}
}

func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id, _ := IdentityFrom(req.Context())
		if !r.Allow(id) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", fmt.Errorf("too many requests for %s", id))
			return
		}
		next.ServeHTTP(w, req)
	})
}
