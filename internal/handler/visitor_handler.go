package handler

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/isaaclee0/letmypeoplegrow-sub008/internal/errors"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/service"
	"go.uber.org/zap"
)

const maxVisitorBody = 64 << 10

// VisitorEventRequest is the body of POST /v1/events/visitors
type VisitorEventRequest struct {
	GatheringID int64                  `json:"gathering_id"`
	Date        string                 `json:"date"`
	Kind        string                 `json:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// VisitorEventResponse reports how many connections the event reached
type VisitorEventResponse struct {
	Delivered int `json:"delivered"`
}

// VisitorHandler lets the HTTP tier announce visitor list changes to the
// tenant's live connections
type VisitorHandler struct {
	auth         *service.AuthService
	fanout       *service.FanoutService
	errorHandler *ErrorHandler
	logger       *zap.Logger
}

// NewVisitorHandler creates a new visitor event handler
func NewVisitorHandler(auth *service.AuthService, fanout *service.FanoutService, logger *zap.Logger) *VisitorHandler {
	return &VisitorHandler{
		auth:         auth,
		fanout:       fanout,
		errorHandler: NewErrorHandler(logger),
		logger:       logger,
	}
}

// PublishVisitorEvent handles POST /v1/events/visitors
func (h *VisitorHandler) PublishVisitorEvent(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.AuthenticateBearer(r.Context(), r)
	if err != nil {
		h.errorHandler.WriteError(w, r, err)
		return
	}

	var req VisitorEventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxVisitorBody)).Decode(&req); err != nil {
		h.errorHandler.WriteError(w, r, apperrors.InvalidPayload("invalid request body"))
		return
	}
	if err := validateVisitorEvent(&req); err != nil {
		h.errorHandler.WriteError(w, r, err)
		return
	}

	// the tenant always comes from the credential
	delivered := h.fanout.PublishVisitorUpdate(identity.TenantID, &model.VisitorUpdateEvent{
		GatheringID: req.GatheringID,
		Date:        req.Date,
		Kind:        req.Kind,
		Payload:     req.Payload,
		UpdatedBy:   identity.UserID,
	})

	h.logger.Debug("Visitor event published",
		zap.Int64("tenant_id", identity.TenantID),
		zap.Int64("gathering_id", req.GatheringID),
		zap.String("date", req.Date),
		zap.String("kind", req.Kind),
		zap.Int("delivered", delivered))

	writeJSON(w, http.StatusAccepted, &VisitorEventResponse{Delivered: delivered})
}

func validateVisitorEvent(req *VisitorEventRequest) error {
	if req.GatheringID <= 0 {
		return apperrors.InvalidPayload("gathering_id must be positive")
	}
	if !model.IsValidDate(req.Date) {
		return apperrors.InvalidPayload("date must be YYYY-MM-DD")
	}
	if !model.IsValidVisitorKind(req.Kind) {
		return apperrors.InvalidPayload("kind must be added, updated or removed")
	}
	return nil
}
