package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/repositories"
	"go.uber.org/zap"
)

const auditColumns = `id, action, outcome, principal_id, username, token_id, reason,
	details, ip_address, user_agent, request_id, path, timestamp`

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	txMgr  repositories.TransactionManager
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		txMgr:  NewTransactionManager(db, logger),
		logger: logger,
	}
}

// Insert inserts a new audit log entry
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	var details interface{}
	if len(log.Details) > 0 {
		details = []byte(log.Details)
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		log.ID,
		log.Action,
		log.Outcome,
		log.PrincipalID,
		log.Username,
		log.TokenID,
		log.Reason,
		details,
		log.IPAddress,
		log.UserAgent,
		log.RequestID,
		log.Path,
		log.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted", zap.String("id", log.ID.String()), zap.String("action", string(log.Action)))
	return nil
}

// InsertBatch inserts all entries in one transaction
func (r *AuditRepository) InsertBatch(ctx context.Context, logs []*models.AuditLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.txMgr.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		for _, log := range logs {
			if err := r.Insert(txCtx, log); err != nil {
				return err
			}
		}
		return nil
	})
}

// List retrieves audit logs newest first
func (r *AuditRepository) List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditLog, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.PrincipalID != "" {
		args = append(args, filter.PrincipalID)
		where = append(where, fmt.Sprintf("principal_id = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, fmt.Sprintf("timestamp >= $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return r.queryAuditLogs(ctx, query, args...)
}

// queryAuditLogs is a helper method to query multiple audit logs
func (r *AuditRepository) queryAuditLogs(ctx context.Context, query string, args ...interface{}) ([]*models.AuditLog, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		log := &models.AuditLog{}
		var details []byte
		err := rows.Scan(
			&log.ID,
			&log.Action,
			&log.Outcome,
			&log.PrincipalID,
			&log.Username,
			&log.TokenID,
			&log.Reason,
			&details,
			&log.IPAddress,
			&log.UserAgent,
			&log.RequestID,
			&log.Path,
			&log.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.Details = details
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}
