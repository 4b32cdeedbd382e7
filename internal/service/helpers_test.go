package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/codec"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/metrics"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegisterer(prometheus.NewRegistry())
}

func newTestConn(tenantID, userID int64) *Connection {
	return NewConnection(model.Identity{TenantID: tenantID, UserID: userID}, codec.JSON, 16)
}

// testFrame mirrors the outbound envelope with a raw data field
type testFrame struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id"`
	Success   *bool               `json:"success"`
	Error     *model.ErrorPayload `json:"error"`
	Data      json.RawMessage     `json:"data"`
}

// drain returns every frame currently queued on conn
func drain(t *testing.T, conn *Connection) []testFrame {
	t.Helper()
	var frames []testFrame
	for {
		select {
		case raw := <-conn.Outbound():
			var f testFrame
			require.NoError(t, json.Unmarshal(raw, &f))
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// MockAttendanceStore is a mock implementation of AttendanceStore
type MockAttendanceStore struct {
	mock.Mock
}

func (m *MockAttendanceStore) RecordAttendance(ctx context.Context, batch *store.RecordBatch) (*model.AttendanceSession, []model.AttendanceRecord, error) {
	args := m.Called(ctx, batch)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*model.AttendanceSession), args.Get(1).([]model.AttendanceRecord), args.Error(2)
}

func (m *MockAttendanceStore) LoadAttendance(ctx context.Context, tenantID, gatheringID int64, date string) (*model.AttendanceSnapshot, error) {
	args := m.Called(ctx, tenantID, gatheringID, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AttendanceSnapshot), args.Error(1)
}

func (m *MockAttendanceStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockAttendanceStore) Close() {}

// MockFingerprintStore is a mock implementation of FingerprintStore
type MockFingerprintStore struct {
	mock.Mock
}

func (m *MockFingerprintStore) CheckAndRecord(ctx context.Context, fingerprint string, now time.Time, window time.Duration) (bool, error) {
	args := m.Called(ctx, fingerprint, now, window)
	return args.Bool(0), args.Error(1)
}

func (m *MockFingerprintStore) Forget(ctx context.Context, fingerprint string) error {
	args := m.Called(ctx, fingerprint)
	return args.Error(0)
}

func (m *MockFingerprintStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockFingerprintStore) Close() error {
	return nil
}

// pipeline wires the attendance path on an in-memory store
type pipeline struct {
	store      *store.MemoryAttendanceStore
	registry   *ConnectionRegistry
	dedup      *DedupService
	fanout     *FanoutService
	attendance *AttendanceService
	clock      *fakeClock
}

func newPipeline(policy store.LastAttendedPolicy) *pipeline {
	logger := zap.NewNop()
	m := newTestMetrics()

	s := store.NewMemoryAttendanceStore(logger)
	s.AddGathering(1, 7)
	s.AddGathering(2, 8)
	s.AddIndividual(1, 42)
	s.AddIndividual(1, 43)
	s.AddIndividual(2, 99)

	clock := &fakeClock{now: time.Unix(1737446400, 0)}
	dedup := NewDedupService(store.NewMemoryFingerprintStore(10000, logger), DedupConfig{
		Window:        500 * time.Millisecond,
		Retention:     5 * time.Second,
		SweepInterval: 30 * time.Second,
	}, m, logger)
	dedup.now = clock.Now

	registry := NewConnectionRegistry(m, logger)
	fanout := NewFanoutService(registry, m, logger)
	attendance := NewAttendanceService(s, dedup, fanout, AttendanceConfig{
		MutationTimeout:    time.Second,
		MaxBatchSize:       10,
		LastAttendedPolicy: policy,
	}, m, logger)

	return &pipeline{
		store:      s,
		registry:   registry,
		dedup:      dedup,
		fanout:     fanout,
		attendance: attendance,
		clock:      clock,
	}
}
