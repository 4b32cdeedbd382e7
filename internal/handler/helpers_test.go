package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/codec"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/metrics"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/service"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "handler-test-secret"

type testEnv struct {
	server   *httptest.Server
	store    *store.MemoryAttendanceStore
	registry *service.ConnectionRegistry
	fanout   *service.FanoutService
	metrics  *metrics.Metrics
	ws       *WebSocketHandler
}

type envOption func(*WebSocketOptions, *bool)

func withRateLimit(perSecond float64, burst int) envOption {
	return func(o *WebSocketOptions, _ *bool) {
		o.MessagesPerSecond = perSecond
		o.MessageBurst = burst
	}
}

func withoutPresence() envOption {
	return func(_ *WebSocketOptions, presence *bool) {
		*presence = false
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewMetricsWithRegisterer(prometheus.NewRegistry())

	s := store.NewMemoryAttendanceStore(logger)
	s.AddGathering(1, 7)
	s.AddGathering(2, 8)
	s.AddIndividual(1, 42)
	s.AddIndividual(1, 43)
	s.AddIndividual(2, 99)
	s.AddUser(&model.User{ID: 5, TenantID: 1, Email: "a@example.org", Role: "admin", Active: true})
	s.AddUser(&model.User{ID: 6, TenantID: 1, Email: "b@example.org", Role: "coordinator", Active: true})
	s.AddUser(&model.User{ID: 9, TenantID: 2, Email: "c@example.org", Role: "admin", Active: true})

	cache := store.NewInMemoryCache(100, time.Minute, logger)
	t.Cleanup(cache.Close)
	users := service.NewUserService(s, cache, time.Minute, logger)
	auth := service.NewAuthService(service.NewHMACKeySource(testSecret), users, service.AuthOptions{}, m, logger)

	registry := service.NewConnectionRegistry(m, logger)
	fanout := service.NewFanoutService(registry, m, logger)
	dedup := service.NewDedupService(store.NewMemoryFingerprintStore(1000, logger), service.DedupConfig{
		Window:        500 * time.Millisecond,
		Retention:     5 * time.Second,
		SweepInterval: time.Minute,
	}, m, logger)
	attendance := service.NewAttendanceService(s, dedup, fanout, service.AttendanceConfig{
		MutationTimeout:    time.Second,
		MaxBatchSize:       50,
		LastAttendedPolicy: store.LastAttendedMonotonic,
	}, m, logger)

	options := WebSocketOptions{
		PingInterval:   time.Second,
		PongWait:       3 * time.Second,
		WriteWait:      time.Second,
		MaxMessageSize: 64 << 10,
		SendBuffer:     32,
	}
	presenceEnabled := true
	for _, opt := range opts {
		opt(&options, &presenceEnabled)
	}
	var presence service.Presence = service.DisabledPresence{}
	if presenceEnabled {
		presence = service.NewPresenceService(fanout, m, logger)
	}

	ws := NewWebSocketHandler(auth, registry, attendance, presence, options, m, logger)
	visitors := NewVisitorHandler(auth, fanout, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.HandleFunc("/v1/events/visitors", visitors.PublishVisitorEvent)

	env := &testEnv{
		server:   httptest.NewServer(mux),
		store:    s,
		registry: registry,
		fanout:   fanout,
		metrics:  m,
		ws:       ws,
	}
	t.Cleanup(func() {
		registry.CloseAll()
		env.server.Close()
	})
	return env
}

func token(t *testing.T, tenantID, userID int64) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, service.Claims{
		UserID:   userID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
}

func (e *testEnv) dial(t *testing.T, tok, subprotocol string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
		Subprotocols:     []string{subprotocol},
	}
	return dialer.Dial(e.wsURL(), header)
}

// connect dials as the given user and consumes the connected event
func (e *testEnv) connect(t *testing.T, tenantID, userID int64) *websocket.Conn {
	t.Helper()
	ws, _, err := e.dial(t, token(t, tenantID, userID), codec.JSONSubprotocol)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	f := readFrame(t, ws)
	require.Equal(t, model.TypeConnected, f.Type)
	return ws
}

type testFrame struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id"`
	Success   *bool               `json:"success"`
	Error     *model.ErrorPayload `json:"error"`
	Data      json.RawMessage     `json:"data"`
}

func readFrame(t *testing.T, ws *websocket.Conn) testFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var f testFrame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

// readUntil skips frames until one of the given type arrives
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) testFrame {
	t.Helper()
	for i := 0; i < 10; i++ {
		f := readFrame(t, ws)
		if f.Type == msgType {
			return f
		}
	}
	t.Fatalf("no %s frame received", msgType)
	return testFrame{}
}

// expectSilence asserts no frame arrives within d. The connection is not
// usable afterwards.
func expectSilence(t *testing.T, ws *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(d)))
	_, raw, err := ws.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", raw)
}

func send(t *testing.T, ws *websocket.Conn, msg interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}
