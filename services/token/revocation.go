package token

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RevocationSet records token ids that must be rejected until their natural
// expiry. Entries older than their expiry are irrelevant and may be pruned.
type RevocationSet interface {
	// Revoke marks id as revoked until the given time
	Revoke(ctx context.Context, id string, until time.Time) error

	// Consume revokes id and reports whether it was still unrevoked. Used
	// for single-use refresh tokens: exactly one caller wins.
	Consume(ctx context.Context, id string, until time.Time) (bool, error)

	// IsRevoked reports whether id has been revoked
	IsRevoked(ctx context.Context, id string) (bool, error)

	// Prune drops entries whose expiry is at or before now and returns the count
	Prune(now time.Time) int
}

// MemoryRevocationSet is a process-local RevocationSet. Lookups take a read
// lock so concurrent verifications never serialize behind each other.
type MemoryRevocationSet struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	logger  *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryRevocationSet creates an empty in-memory revocation set
func NewMemoryRevocationSet(logger *zap.Logger) *MemoryRevocationSet {
	return &MemoryRevocationSet{
		entries: make(map[string]time.Time),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Revoke marks id as revoked until the given time
func (m *MemoryRevocationSet) Revoke(ctx context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[id]; !ok || until.After(existing) {
		m.entries[id] = until
	}
	return nil
}

// Consume revokes id and reports whether this call performed the revocation
func (m *MemoryRevocationSet) Consume(ctx context.Context, id string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok {
		return false, nil
	}
	m.entries[id] = until
	return true, nil
}

// IsRevoked reports whether id has been revoked
func (m *MemoryRevocationSet) IsRevoked(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok, nil
}

// Prune drops entries whose expiry is at or before now
func (m *MemoryRevocationSet) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, until := range m.entries {
		if !until.After(now) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked entries
func (m *MemoryRevocationSet) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Start launches the background janitor pruning expired entries every interval
func (m *MemoryRevocationSet) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case now := <-ticker.C:
				if n := m.Prune(now); n > 0 {
					m.logger.Debug("pruned revoked tokens", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop halts the janitor and waits for it to exit
func (m *MemoryRevocationSet) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}
