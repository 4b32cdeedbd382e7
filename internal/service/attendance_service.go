package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/isaaclee0/letmypeoplegrow-sub008/internal/errors"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/metrics"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// AttendanceConfig holds mutation pipeline settings
type AttendanceConfig struct {
	MutationTimeout    time.Duration
	MaxBatchSize       int
	LastAttendedPolicy store.LastAttendedPolicy
}

// RecordRequest is a validated-on-entry attendance submission
type RecordRequest struct {
	GatheringID int64
	Date        string
	Records     []model.RecordInput
}

// AttendanceService runs submissions through dedup, the record store and fanout
type AttendanceService struct {
	store    store.AttendanceStore
	inflight singleflight.Group
	dedup   *DedupService
	fanout  *FanoutService
	config  AttendanceConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAttendanceService creates a new attendance service
func NewAttendanceService(
	attendanceStore store.AttendanceStore,
	dedup *DedupService,
	fanout *FanoutService,
	config AttendanceConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AttendanceService {
	if config.MutationTimeout <= 0 {
		config.MutationTimeout = 10 * time.Second
	}
	if config.LastAttendedPolicy == "" {
		config.LastAttendedPolicy = store.LastAttendedMonotonic
	}
	return &AttendanceService{
		store:   attendanceStore,
		dedup:   dedup,
		fanout:  fanout,
		config:  config,
		metrics: m,
		logger:  logger,
	}
}

// RecordAttendance applies a batch for the verified identity. On success the
// committed records are broadcast to the whole tenant, submitter included.
// A duplicate inside the dedup window succeeds without touching the store.
// A duplicate that arrives while the original is still committing waits for
// it and shares its outcome, failure included.
func (s *AttendanceService) RecordAttendance(ctx context.Context, identity model.Identity, req *RecordRequest) (*model.AttendanceResult, error) {
	records, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	fingerprint := s.dedup.Fingerprint(identity.UserID, req.GatheringID, req.Date, records)
	leader := false
	v, err, _ := s.inflight.Do(fingerprint, func() (interface{}, error) {
		leader = true
		if s.dedup.IsDuplicate(ctx, fingerprint) {
			return duplicateResult(), nil
		}
		return s.commit(ctx, identity, req, records, fingerprint)
	})
	if err != nil {
		return nil, err
	}
	if !leader {
		s.metrics.DedupHits.Inc()
		s.logger.Debug("Duplicate submission joined in-flight commit", zap.String("fingerprint", fingerprint))
		return duplicateResult(), nil
	}
	return v.(*model.AttendanceResult), nil
}

func duplicateResult() *model.AttendanceResult {
	return &model.AttendanceResult{Duplicate: true, Records: []model.AttendanceRecord{}}
}

// commit writes the batch, releasing the fingerprint on failure and
// broadcasting on success
func (s *AttendanceService) commit(ctx context.Context, identity model.Identity, req *RecordRequest, records []model.RecordInput, fingerprint string) (*model.AttendanceResult, error) {
	// The commit must not be abandoned when the submitter disconnects.
	mutationCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.MutationTimeout)
	defer cancel()

	start := time.Now()
	session, written, err := s.store.RecordAttendance(mutationCtx, &store.RecordBatch{
		TenantID:    identity.TenantID,
		UserID:      identity.UserID,
		GatheringID: req.GatheringID,
		Date:        req.Date,
		Records:     records,
		Policy:      s.config.LastAttendedPolicy,
	})
	if err != nil {
		s.metrics.RecordMutation("failure", len(records), time.Since(start))
		s.dedup.Forget(mutationCtx, fingerprint)
		s.logger.Warn("Attendance mutation failed",
			zap.Int64("tenant_id", identity.TenantID),
			zap.Int64("user_id", identity.UserID),
			zap.Int64("gathering_id", req.GatheringID),
			zap.String("date", req.Date),
			zap.Error(err))
		return nil, mapStoreError(err)
	}
	s.metrics.RecordMutation("success", len(written), time.Since(start))

	s.logger.Info("Attendance recorded",
		zap.Int64("tenant_id", identity.TenantID),
		zap.Int64("user_id", identity.UserID),
		zap.Int64("gathering_id", req.GatheringID),
		zap.String("date", req.Date),
		zap.Int64("session_id", session.ID),
		zap.Int("records", len(written)))

	s.fanout.PublishAttendanceUpdate(identity.TenantID, &model.AttendanceUpdateEvent{
		GatheringID: req.GatheringID,
		Date:        req.Date,
		Records:     written,
		UpdatedBy:   identity.UserID,
		UpdatedAt:   time.Now().UnixMilli(),
	})

	return &model.AttendanceResult{
		SessionID: session.ID,
		Records:   written,
	}, nil
}

// LoadAttendance returns the current state of a session for the identity's tenant
func (s *AttendanceService) LoadAttendance(ctx context.Context, identity model.Identity, gatheringID int64, date string) (*model.AttendanceSnapshot, error) {
	if err := validateSessionKey(gatheringID, date); err != nil {
		return nil, err
	}

	snapshot, err := s.store.LoadAttendance(ctx, identity.TenantID, gatheringID, date)
	if err != nil {
		s.logger.Warn("Attendance load failed",
			zap.Int64("tenant_id", identity.TenantID),
			zap.Int64("gathering_id", gatheringID),
			zap.String("date", date),
			zap.Error(err))
		return nil, mapStoreError(err)
	}
	return snapshot, nil
}

// validate checks the request and collapses identical duplicate records
func (s *AttendanceService) validate(req *RecordRequest) ([]model.RecordInput, error) {
	if req == nil {
		return nil, apperrors.InvalidPayload("request body is required")
	}
	if err := validateSessionKey(req.GatheringID, req.Date); err != nil {
		return nil, err
	}
	if len(req.Records) == 0 {
		return nil, apperrors.InvalidPayload("records must not be empty")
	}
	if s.config.MaxBatchSize > 0 && len(req.Records) > s.config.MaxBatchSize {
		return nil, apperrors.InvalidPayload(fmt.Sprintf("batch of %d records exceeds maximum %d", len(req.Records), s.config.MaxBatchSize)).
			WithDetail("max_batch_size", s.config.MaxBatchSize)
	}

	seen := make(map[int64]bool, len(req.Records))
	records := make([]model.RecordInput, 0, len(req.Records))
	for _, r := range req.Records {
		if r.IndividualID <= 0 {
			return nil, apperrors.InvalidPayload("individual_id must be a positive integer")
		}
		if present, dup := seen[r.IndividualID]; dup {
			if present != r.Present {
				return nil, apperrors.InvalidPayload(fmt.Sprintf("conflicting records for individual %d", r.IndividualID)).
					WithDetail("individual_id", r.IndividualID)
			}
			continue
		}
		seen[r.IndividualID] = r.Present
		records = append(records, r)
	}
	return records, nil
}

func mapStoreError(err error) error {
	if _, ok := apperrors.AsSyncError(err); ok {
		return err
	}
	if errors.Is(err, store.ErrReferentialViolation) {
		return apperrors.ReferentialViolation("gathering or individual not found in this church", err)
	}
	return apperrors.StorageUnavailable("record store unavailable", err)
}
