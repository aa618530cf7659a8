package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/quota"
	"github.com/BaSui01/spanflow/types"
)

// UsageReader 用量查询
type UsageReader interface {
	Usage(ctx context.Context, orgID uuid.UUID) (*quota.Usage, error)
}

// SubscriptionWriter 订阅写入
type SubscriptionWriter interface {
	UpsertSubscription(ctx context.Context, sub quota.Subscription) error
}

// UsageHandler 组织用量与订阅
type UsageHandler struct {
	usage   UsageReader
	subs    SubscriptionWriter
	catalog quota.Catalog
	logger  *zap.Logger
}

// NewUsageHandler 创建 UsageHandler。subs 为 nil 时订阅更新返回 503。
func NewUsageHandler(usage UsageReader, subs SubscriptionWriter, catalog quota.Catalog, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{usage: usage, subs: subs, catalog: catalog, logger: logger.With(zap.String("handler", "usage"))}
}

// HandleGetUsage GET /api/v1/usage
func (h *UsageHandler) HandleGetUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	orgID, ok := types.OrganizationID(r.Context())
	if !ok {
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "organization not resolved", h.logger)
		return
	}

	usage, err := h.usage.Usage(r.Context(), orgID)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to read usage").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, usage)
}

// updateSubscriptionRequest 更新订阅请求体
type updateSubscriptionRequest struct {
	Plan      string `json:"plan"`
	AnchorDay int    `json:"anchor_day"`
}

// HandlePutSubscription PUT /api/v1/subscription
func (h *UsageHandler) HandlePutSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}
	if h.subs == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "subscriptions are not configured", h.logger)
		return
	}

	orgID, ok := types.OrganizationID(r.Context())
	if !ok {
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "organization not resolved", h.logger)
		return
	}

	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req updateSubscriptionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if _, ok := h.catalog.Lookup(req.Plan); !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "unknown plan", h.logger)
		return
	}
	if req.AnchorDay < 0 || req.AnchorDay > 31 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "anchor_day must be between 0 and 31", h.logger)
		return
	}

	sub := quota.Subscription{OrganizationID: orgID, Plan: req.Plan, AnchorDay: req.AnchorDay}
	if err := h.subs.UpsertSubscription(r.Context(), sub); err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to update subscription").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, sub)
}
