package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"go.uber.org/zap"
)

// MemoryAttendanceStore implements AttendanceStore and UserStore in process.
// It backs the memory store backend and tests.
type MemoryAttendanceStore struct {
	mu          sync.Mutex
	gatherings  map[int64]int64 // gathering id -> tenant id
	individuals map[int64]*memoryIndividual
	users       map[int64]*model.User
	sessions    map[model.SessionKey]*model.AttendanceSession
	records     map[int64]map[int64]*model.AttendanceRecord // session id -> individual id -> record
	nextSession int64
	failNext    error
	now         func() time.Time
	logger      *zap.Logger
}

type memoryIndividual struct {
	tenantID     int64
	lastAttended string
}

// NewMemoryAttendanceStore creates an empty in-memory store
func NewMemoryAttendanceStore(logger *zap.Logger) *MemoryAttendanceStore {
	return &MemoryAttendanceStore{
		gatherings:  make(map[int64]int64),
		individuals: make(map[int64]*memoryIndividual),
		users:       make(map[int64]*model.User),
		sessions:    make(map[model.SessionKey]*model.AttendanceSession),
		records:     make(map[int64]map[int64]*model.AttendanceRecord),
		now:         time.Now,
		logger:      logger,
	}
}

// AddGathering registers a gathering owned by tenantID
func (s *MemoryAttendanceStore) AddGathering(tenantID, gatheringID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gatherings[gatheringID] = tenantID
}

// AddIndividual registers an individual owned by tenantID
func (s *MemoryAttendanceStore) AddIndividual(tenantID, individualID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.individuals[individualID] = &memoryIndividual{tenantID: tenantID}
}

// AddUser registers an account
func (s *MemoryAttendanceStore) AddUser(user *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := *user
	s.users[user.ID] = &u
}

// LastAttended returns the last-attended date of an individual
func (s *MemoryAttendanceStore) LastAttended(individualID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ind, ok := s.individuals[individualID]
	if !ok || ind.lastAttended == "" {
		return "", false
	}
	return ind.lastAttended, true
}

// FailNext makes the next RecordAttendance call fail with err
func (s *MemoryAttendanceStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// SessionCount returns the number of sessions created so far
func (s *MemoryAttendanceStore) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RecordAttendance applies the batch atomically. Every check runs before
// any state is touched so a failure leaves the store unchanged.
func (s *MemoryAttendanceStore) RecordAttendance(ctx context.Context, batch *RecordBatch) (*model.AttendanceSession, []model.AttendanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return nil, nil, err
	}

	if owner, ok := s.gatherings[batch.GatheringID]; !ok || owner != batch.TenantID {
		return nil, nil, fmt.Errorf("gathering %d: %w", batch.GatheringID, ErrReferentialViolation)
	}
	for _, id := range batch.IndividualIDs() {
		ind, ok := s.individuals[id]
		if !ok || ind.tenantID != batch.TenantID {
			return nil, nil, fmt.Errorf("individual %d: %w", id, ErrReferentialViolation)
		}
	}

	now := s.now().UTC()
	key := model.SessionKey{TenantID: batch.TenantID, GatheringID: batch.GatheringID, Date: batch.Date}
	session, ok := s.sessions[key]
	if !ok {
		s.nextSession++
		session = &model.AttendanceSession{
			ID:          s.nextSession,
			TenantID:    batch.TenantID,
			GatheringID: batch.GatheringID,
			Date:        batch.Date,
			CreatedBy:   batch.UserID,
			CreatedAt:   now,
		}
		s.sessions[key] = session
		s.records[session.ID] = make(map[int64]*model.AttendanceRecord)
	}

	bySession := s.records[session.ID]
	for _, r := range batch.Records {
		bySession[r.IndividualID] = &model.AttendanceRecord{
			SessionID:    session.ID,
			IndividualID: r.IndividualID,
			Present:      r.Present,
			TenantID:     batch.TenantID,
			UpdatedAt:    now,
		}
	}

	for _, id := range batch.PresentIDs() {
		ind := s.individuals[id]
		switch batch.Policy {
		case LastAttendedOverwrite:
			ind.lastAttended = batch.Date
		default:
			// dates are YYYY-MM-DD so lexical order is chronological
			if batch.Date > ind.lastAttended {
				ind.lastAttended = batch.Date
			}
		}
	}

	written := make([]model.AttendanceRecord, 0, len(batch.Records))
	for _, id := range batch.IndividualIDs() {
		written = append(written, *bySession[id])
	}

	sessionCopy := *session
	return &sessionCopy, written, nil
}

// LoadAttendance returns the current state of a session
func (s *MemoryAttendanceStore) LoadAttendance(ctx context.Context, tenantID, gatheringID int64, date string) (*model.AttendanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := &model.AttendanceSnapshot{
		GatheringID: gatheringID,
		Date:        date,
		Records:     []model.AttendanceRecord{},
	}

	session, ok := s.sessions[model.SessionKey{TenantID: tenantID, GatheringID: gatheringID, Date: date}]
	if !ok {
		return snapshot, nil
	}

	sessionCopy := *session
	snapshot.Session = &sessionCopy
	for _, r := range s.records[session.ID] {
		snapshot.Records = append(snapshot.Records, *r)
	}
	sort.Slice(snapshot.Records, func(i, j int) bool {
		return snapshot.Records[i].IndividualID < snapshot.Records[j].IndividualID
	})

	return snapshot, nil
}

// GetUser retrieves an account scoped to its tenant
func (s *MemoryAttendanceStore) GetUser(ctx context.Context, tenantID, userID int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok || user.TenantID != tenantID {
		return nil, ErrNotFound
	}
	u := *user
	return &u, nil
}

// Ping always succeeds
func (s *MemoryAttendanceStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryAttendanceStore) Close() {}
