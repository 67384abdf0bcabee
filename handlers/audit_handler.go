package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/upb/trading-auth/middleware"
	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/repositories"
	"github.com/upb/trading-auth/services"
	"github.com/upb/trading-auth/utils"
	"go.uber.org/zap"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 500
)

// AuditLister reads the audit trail
type AuditLister interface {
	List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditLog, error)
}

// AuditListQuery holds the query parameters of an audit listing
type AuditListQuery struct {
	PrincipalID string `json:"principal_id" validate:"omitempty,uuid"`
	Action      string `json:"action" validate:"omitempty,oneof=login_success login_failure lockout_triggered token_issued token_refreshed token_revoked access_denied logout system_failure"`
	Limit       int    `json:"limit" validate:"gte=0,lte=500"`
	Offset      int    `json:"offset" validate:"gte=0"`
}

// AuditListResponse is a page of audit entries
type AuditListResponse struct {
	Entries []*models.AuditLog `json:"entries"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// AuditHandler exposes the audit trail to administrators
type AuditHandler struct {
	logs   AuditLister
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(logs AuditLister, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{
		logs:   logs,
		logger: logger,
	}
}

// HandleList handles GET /api/v1/audit
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)
	params := r.URL.Query()

	query := AuditListQuery{
		PrincipalID: params.Get("principal_id"),
		Action:      params.Get("action"),
		Limit:       defaultAuditPageSize,
	}

	var err error
	if v := params.Get("limit"); v != "" {
		if query.Limit, err = strconv.Atoi(v); err != nil {
			_ = utils.WriteBadRequest(w, "Invalid limit", map[string]interface{}{"limit": "limit must be an integer"})
			return
		}
	}
	if v := params.Get("offset"); v != "" {
		if query.Offset, err = strconv.Atoi(v); err != nil {
			_ = utils.WriteBadRequest(w, "Invalid offset", map[string]interface{}{"offset": "offset must be an integer"})
			return
		}
	}
	if err := utils.ValidateStruct(&query); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	filter := repositories.AuditFilter{
		PrincipalID: query.PrincipalID,
		Action:      models.AuditAction(query.Action),
		Limit:       query.Limit,
		Offset:      query.Offset,
	}
	if filter.Limit == 0 || filter.Limit > maxAuditPageSize {
		filter.Limit = defaultAuditPageSize
	}
	if v := params.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			_ = utils.WriteBadRequest(w, "Invalid since", map[string]interface{}{"since": "since must be an RFC3339 timestamp"})
			return
		}
		filter.Since = since
	}

	entries, err := h.logs.List(ctx, filter)
	if err != nil {
		h.logger.Error("failed to list audit logs",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, services.WrapUnavailable(err), h.logger)
		return
	}
	if entries == nil {
		entries = []*models.AuditLog{}
	}

	_ = utils.WriteOK(w, AuditListResponse{
		Entries: entries,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
}
