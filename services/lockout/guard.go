// Package lockout counts failed authentication attempts per key and locks
// keys that cross a threshold within a fixed window.
package lockout

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Policy selects how long successive lockouts last
type Policy string

const (
	// PolicyFixed always locks for the base duration
	PolicyFixed Policy = "fixed"
	// PolicyExponential doubles the duration on every repeated lockout, up to the cap
	PolicyExponential Policy = "exponential"
)

const (
	// DefaultThreshold is the number of failures that triggers a lockout
	DefaultThreshold = 5
	// DefaultWindow is the failure counting window
	DefaultWindow = 15 * time.Minute
	// DefaultLockoutDuration is the base lockout duration
	DefaultLockoutDuration = 15 * time.Minute
	// DefaultMaxLockout caps exponential backoff
	DefaultMaxLockout = 24 * time.Hour

	shardCount = 32
)

// PrincipalKey returns the lockout key for a login name
func PrincipalKey(username string) string {
	return "principal:" + strings.ToLower(strings.TrimSpace(username))
}

// AddressKey returns the lockout key for a source address
func AddressKey(ip string) string {
	return "address:" + ip
}

// TokenKey returns the key for session token failures from a source
// address. It is kept apart from AddressKey so stale or forged tokens
// never lock a source out of login.
func TokenKey(ip string) string {
	return "token:" + ip
}

// State is the failure record of one key
type State struct {
	Failures    int
	WindowStart time.Time
	LockedUntil time.Time
	Lockouts    int
	LastSeen    time.Time

	// Triggered is set on the copy returned by the failure that caused the lockout
	Triggered bool
}

// Locked reports whether the key is locked at now
func (s State) Locked(now time.Time) bool {
	return now.Before(s.LockedUntil)
}

// Option configures a Guard
type Option func(*Guard)

// WithThreshold sets the failure count that triggers a lockout
func WithThreshold(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.threshold = n
		}
	}
}

// WithWindow sets the failure counting window
func WithWindow(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.window = d
		}
	}
}

// WithLockoutDuration sets the base lockout duration
func WithLockoutDuration(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.duration = d
		}
	}
}

// WithMaxLockout caps exponential backoff
func WithMaxLockout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.maxDuration = d
		}
	}
}

// WithPolicy selects the backoff policy
func WithPolicy(p Policy) Option {
	return func(g *Guard) {
		if p == PolicyFixed || p == PolicyExponential {
			g.policy = p
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*State
}

// Guard tracks failures per key. Every read-modify-write of a key happens
// under that key's shard lock, so concurrent failures are never lost.
type Guard struct {
	threshold   int
	window      time.Duration
	duration    time.Duration
	maxDuration time.Duration
	policy      Policy
	now         func() time.Time
	logger      *zap.Logger

	shards [shardCount]shard

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGuard creates a Guard with the given options
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		threshold:   DefaultThreshold,
		window:      DefaultWindow,
		duration:    DefaultLockoutDuration,
		maxDuration: DefaultMaxLockout,
		policy:      PolicyFixed,
		now:         time.Now,
		logger:      zap.NewNop(),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.maxDuration < g.duration {
		g.maxDuration = g.duration
	}
	for i := range g.shards {
		g.shards[i].entries = make(map[string]*State)
	}
	return g
}

func (g *Guard) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &g.shards[h.Sum32()%shardCount]
}

// RecordFailure counts a failed attempt for key and returns the resulting state
func (g *Guard) RecordFailure(key string) State {
	now := g.now()
	sh := g.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.entries[key]
	if !ok {
		st = &State{}
		sh.entries[key] = st
	}
	st.LastSeen = now

	// Failures while locked extend nothing; the lock simply holds.
	if st.Locked(now) {
		return *st
	}

	if st.WindowStart.IsZero() || !now.Before(st.WindowStart.Add(g.window)) {
		st.WindowStart = now
		st.Failures = 0
	}
	st.Failures++

	out := *st
	if st.Failures >= g.threshold {
		st.Lockouts++
		st.LockedUntil = now.Add(g.backoff(st.Lockouts))
		st.Failures = 0
		st.WindowStart = time.Time{}
		out = *st
		out.Triggered = true
		g.logger.Warn("lockout triggered",
			zap.String("key", key),
			zap.Int("lockouts", st.Lockouts),
			zap.Time("locked_until", st.LockedUntil))
	}
	return out
}

// RecordSuccess clears the failure counter and any lockout for key
func (g *Guard) RecordSuccess(key string) {
	sh := g.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, key)
}

// IsLocked reports whether key is locked and until when
func (g *Guard) IsLocked(key string) (bool, time.Time) {
	now := g.now()
	sh := g.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.entries[key]
	if !ok || !st.Locked(now) {
		return false, time.Time{}
	}
	return true, st.LockedUntil
}

// Snapshot returns a copy of the state for key
func (g *Guard) Snapshot(key string) (State, bool) {
	sh := g.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.entries[key]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// backoff returns the lock duration for the n-th lockout of a key
func (g *Guard) backoff(lockouts int) time.Duration {
	if g.policy != PolicyExponential || lockouts <= 1 {
		return g.duration
	}
	d := g.duration
	for i := 1; i < lockouts; i++ {
		d *= 2
		if d >= g.maxDuration {
			return g.maxDuration
		}
	}
	return d
}

// Sweep drops entries that are neither locked nor inside an open window.
// Lockout history (used for exponential backoff) is kept until the entry
// has been idle for the longest lockout.
func (g *Guard) Sweep() int {
	now := g.now()
	idle := g.maxDuration
	if g.window > idle {
		idle = g.window
	}
	removed := 0
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.Lock()
		for key, st := range sh.entries {
			if st.Locked(now) {
				continue
			}
			if now.Sub(st.LastSeen) >= idle || (st.Lockouts == 0 && !now.Before(st.WindowStart.Add(g.window))) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys
func (g *Guard) Len() int {
	n := 0
	for i := range g.shards {
		g.shards[i].mu.Lock()
		n += len(g.shards[i].entries)
		g.shards[i].mu.Unlock()
	}
	return n
}

// Start launches the background sweeper
func (g *Guard) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				if n := g.Sweep(); n > 0 {
					g.logger.Debug("swept idle lockout entries", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}
