package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/repositories"
)

// AuditRepository keeps audit entries in memory, newest last
type AuditRepository struct {
	mu   sync.RWMutex
	logs []*models.AuditLog
}

// NewAuditRepository creates an empty audit repository
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Insert appends an entry
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

// InsertBatch appends all entries at once
func (r *AuditRepository) InsertBatch(ctx context.Context, logs []*models.AuditLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, logs...)
	return nil
}

// List returns matching entries newest first
func (r *AuditRepository) List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditLog, error) {
	r.mu.RLock()
	var out []*models.AuditLog
	for _, log := range r.logs {
		if filter.PrincipalID != "" && (log.PrincipalID == nil || *log.PrincipalID != filter.PrincipalID) {
			continue
		}
		if filter.Action != "" && log.Action != filter.Action {
			continue
		}
		if !filter.Since.IsZero() && log.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, log)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Len returns the number of stored entries
func (r *AuditRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logs)
}
