package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/upb/trading-auth/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// IPThrottle applies a token bucket per client address
type IPThrottle struct {
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
	logger  *zap.Logger
	mu      sync.Mutex
	clients map[string]*throttleEntry

	stop     chan struct{}
	stopOnce sync.Once
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPThrottle allows perSecond requests per address with the given burst.
// Buckets unused for idle are dropped by Sweep.
func NewIPThrottle(perSecond float64, burst int, idle time.Duration, logger *zap.Logger) *IPThrottle {
	if burst <= 0 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IPThrottle{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		logger:  logger,
		clients: make(map[string]*throttleEntry),
		stop:    make(chan struct{}),
	}
}

// Allow consumes one token for ip
func (t *IPThrottle) Allow(ip string) bool {
	ok, _ := t.reserve(ip)
	return ok
}

func (t *IPThrottle) reserve(ip string) (bool, time.Duration) {
	now := t.now()

	t.mu.Lock()
	entry, ok := t.clients[ip]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[ip] = entry
	}
	entry.lastSeen = now
	t.mu.Unlock()

	r := entry.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Handler rejects requests over the limit with 429
func (t *IPThrottle) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		ok, wait := t.reserve(ip)
		if !ok {
			t.logger.Warn("request throttled",
				zap.String("request_id", GetRequestIDFromContext(r.Context())),
				zap.String("ip_address", ip),
				zap.String("path", r.URL.Path))
			if wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
			_ = utils.WriteTooManyRequests(w, "", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sweep drops idle buckets and returns how many were removed
func (t *IPThrottle) Sweep() int {
	cutoff := t.now().Add(-t.idle)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for ip, entry := range t.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(t.clients, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked addresses
func (t *IPThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// Start sweeps idle buckets every interval until Stop
func (t *IPThrottle) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := t.Sweep(); n > 0 {
					t.logger.Debug("swept idle throttle buckets", zap.Int("removed", n))
				}
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop halts the sweeper
func (t *IPThrottle) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}
