// Package handler provides the websocket and HTTP handlers of the sync server.
package handler

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/isaaclee0/letmypeoplegrow-sub008/internal/errors"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"go.uber.org/zap"
)

// ErrorHandler writes error responses in the outbound envelope format
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// WriteError maps err to an HTTP status and writes the JSON error envelope
func (h *ErrorHandler) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if se, ok := apperrors.AsSyncError(err); ok {
		status = se.HTTPStatus()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.Error(err))
	}
	h.WriteErrorResponse(w, status, ErrorPayload(err), r.Header.Get("X-Request-ID"))
}

// WriteErrorResponse writes an error envelope with the given status
func (h *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, status int, payload *model.ErrorPayload, requestID string) {
	failed := false
	writeJSON(w, status, &model.OutboundMessage{
		Type:      model.TypeError,
		RequestID: requestID,
		Success:   &failed,
		Error:     payload,
	})
}

// ErrorPayload converts an error into its wire form. Causes are not exposed.
func ErrorPayload(err error) *model.ErrorPayload {
	if se, ok := apperrors.AsSyncError(err); ok {
		return &model.ErrorPayload{Code: string(se.Code), Message: se.Message}
	}
	return &model.ErrorPayload{Code: string(apperrors.ErrCodeInternal), Message: "internal error"}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
