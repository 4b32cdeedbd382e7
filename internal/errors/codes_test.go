package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncError_ErrorAndUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := StorageUnavailable("failed to commit attendance", cause)

	assert.Equal(t, "failed to commit attendance: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "invalid or expired credential", InvalidCredential(nil).Error())
}

func TestGetCode_ThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("failed to authenticate: %w", IdentityMismatch("church_id"))

	assert.Equal(t, ErrCodeIdentityMismatch, GetCode(wrapped))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))

	se, ok := AsSyncError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "church_id", se.Details["field"])
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *SyncError
		want int
	}{
		{MissingCredential(), http.StatusUnauthorized},
		{InvalidCredential(nil), http.StatusUnauthorized},
		{UnknownUser(1, 2), http.StatusForbidden},
		{IdentityMismatch("user_id"), http.StatusForbidden},
		{InvalidPayload("bad"), http.StatusBadRequest},
		{ReferentialViolation("bad", nil), http.StatusUnprocessableEntity},
		{RateLimited(), http.StatusTooManyRequests},
		{StorageUnavailable("down", nil), http.StatusServiceUnavailable},
		{InternalError("boom", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}
