package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/client"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/config"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const e2eSecret = "e2e-secret"

type runningApp struct {
	app    *App
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startApp(t *testing.T) *runningApp {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = e2eSecret
	cfg.Store.Backend = "memory"
	cfg.Metrics.Enabled = false
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Seed = config.SeedConfig{
		Users: []config.SeedUser{
			{ID: 5, ChurchID: 1, Email: "a@example.org", Role: "admin", Active: true},
			{ID: 9, ChurchID: 2, Email: "c@example.org", Role: "admin", Active: true},
			{ID: 11, ChurchID: 1, Email: "gone@example.org", Role: "coordinator", Active: false},
		},
		Gatherings:  []config.SeedGathering{{ID: 7, ChurchID: 1}, {ID: 8, ChurchID: 2}},
		Individuals: []config.SeedIndividual{{ID: 42, ChurchID: 1}, {ID: 99, ChurchID: 2}},
	}
	require.NoError(t, cfg.Validate())

	app, err := NewApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.Close)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &runningApp{app: app, addr: l.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- app.Run(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func signToken(t *testing.T, tenantID, userID int64) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, service.Claims{
		UserID:   userID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(e2eSecret))
	require.NoError(t, err)
	return signed
}

func (r *runningApp) dial(t *testing.T, tenantID, userID int64) *client.SyncClient {
	t.Helper()
	c, err := client.New(client.Options{
		URL:            "ws://" + r.addr + "/ws",
		Token:          signToken(t, tenantID, userID),
		RequestTimeout: 2 * time.Second,
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func nextEvent(c *client.SyncClient, eventType string, wait time.Duration) *client.Frame {
	timeout := time.After(wait)
	for {
		select {
		case f, ok := <-c.Events():
			if !ok {
				return nil
			}
			if f.Type == eventType {
				return f
			}
		case <-timeout:
			return nil
		}
	}
}

func TestEndToEnd_AttendanceBroadcast(t *testing.T) {
	r := startApp(t)

	tabA := r.dial(t, 1, 5)
	tabB := r.dial(t, 1, 5)
	otherChurch := r.dial(t, 2, 9)

	result, err := tabA.RecordAttendance(context.Background(), 7, "2025-01-21", []model.RecordInput{{IndividualID: 42, Present: true}})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.True(t, result.Records[0].Present)

	// a retry inside the dedup window is acknowledged without a second write
	retry, err := tabA.RecordAttendance(context.Background(), 7, "2025-01-21", []model.RecordInput{{IndividualID: 42, Present: true}})
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)

	for name, c := range map[string]*client.SyncClient{"tab A": tabA, "tab B": tabB} {
		f := nextEvent(c, model.TypeAttendanceUpdate, 2*time.Second)
		require.NotNil(t, f, name)
		var event model.AttendanceUpdateEvent
		require.NoError(t, f.DecodeData(&event))
		assert.Equal(t, int64(7), event.GatheringID, name)
		assert.Equal(t, "2025-01-21", event.Date, name)
		assert.Equal(t, int64(5), event.UpdatedBy, name)
	}
	assert.Nil(t, nextEvent(otherChurch, model.TypeAttendanceUpdate, 200*time.Millisecond), "no delivery across churches")

	snapshot, err := tabB.LoadAttendance(context.Background(), 7, "2025-01-21")
	require.NoError(t, err)
	require.Len(t, snapshot.Records, 1)
	assert.Equal(t, int64(42), snapshot.Records[0].IndividualID)

	// tenant 2 cannot write to tenant 1's gathering
	_, err = otherChurch.RecordAttendance(context.Background(), 7, "2025-01-21", []model.RecordInput{{IndividualID: 99, Present: true}})
	require.Error(t, err)
}

func TestEndToEnd_HealthAndRouting(t *testing.T) {
	r := startApp(t)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusOK},
		{"/nothing-here", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get("http://" + r.addr + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestEndToEnd_ShutdownClosesConnections(t *testing.T) {
	r := startApp(t)
	c := r.dial(t, 1, 5)
	require.Eventually(t, func() bool { return r.app.Registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
		r.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}

	assert.Zero(t, r.app.Registry.Count())
	assert.Eventually(t, func() bool { return c.State() != client.StateConnected }, time.Second, 10*time.Millisecond)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	r := startApp(t)

	rec := httptest.NewRecorder()
	r.app.Server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/health/live", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body struct {
		Type  string              `json:"type"`
		Error *model.ErrorPayload `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.TypeError, body.Type)
	require.NotNil(t, body.Error)
}

func TestEndToEnd_SeededMemoryStoreHandshake(t *testing.T) {
	r := startApp(t)

	tests := []struct {
		name       string
		tenantID   int64
		userID     int64
		wantStatus int
		wantCode   string
	}{
		{name: "seeded active user", tenantID: 1, userID: 5, wantStatus: http.StatusSwitchingProtocols},
		{name: "seeded inactive user", tenantID: 1, userID: 11, wantStatus: http.StatusForbidden, wantCode: "UNKNOWN_OR_INACTIVE_USER"},
		{name: "user of another church", tenantID: 2, userID: 5, wantStatus: http.StatusForbidden, wantCode: "UNKNOWN_OR_INACTIVE_USER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			header.Set("Authorization", "Bearer "+signToken(t, tt.tenantID, tt.userID))
			conn, resp, err := websocket.DefaultDialer.Dial("ws://"+r.addr+"/ws", header)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantCode == "" {
				require.NoError(t, err)
				conn.Close()
				return
			}
			require.Error(t, err)
			var body struct {
				Error *model.ErrorPayload `json:"error"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.wantCode, body.Error.Code)
		})
	}
}
