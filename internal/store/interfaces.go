package store

import (
	"context"
	"errors"
	"time"

	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// ErrReferentialViolation is returned when a gathering or individual does
// not exist or belongs to another tenant
var ErrReferentialViolation = errors.New("referential violation")

// LastAttendedPolicy controls how last_attendance_date is updated for
// individuals marked present
type LastAttendedPolicy string

const (
	// LastAttendedMonotonic never moves the date backwards
	LastAttendedMonotonic LastAttendedPolicy = "monotonic"
	// LastAttendedOverwrite always sets the date of the submitted session
	LastAttendedOverwrite LastAttendedPolicy = "overwrite"
)

// RecordBatch is one all-or-nothing attendance mutation
type RecordBatch struct {
	TenantID    int64
	UserID      int64
	GatheringID int64
	Date        string
	Records     []model.RecordInput
	Policy      LastAttendedPolicy
}

// IndividualIDs returns the distinct individual ids of the batch in submission order
func (b *RecordBatch) IndividualIDs() []int64 {
	seen := make(map[int64]struct{}, len(b.Records))
	ids := make([]int64, 0, len(b.Records))
	for _, r := range b.Records {
		if _, ok := seen[r.IndividualID]; ok {
			continue
		}
		seen[r.IndividualID] = struct{}{}
		ids = append(ids, r.IndividualID)
	}
	return ids
}

// PresentIDs returns the distinct individual ids marked present
func (b *RecordBatch) PresentIDs() []int64 {
	seen := make(map[int64]struct{}, len(b.Records))
	ids := make([]int64, 0, len(b.Records))
	for _, r := range b.Records {
		if !r.Present {
			continue
		}
		if _, ok := seen[r.IndividualID]; ok {
			continue
		}
		seen[r.IndividualID] = struct{}{}
		ids = append(ids, r.IndividualID)
	}
	return ids
}

// AttendanceStore is the relational record store boundary. Every query is
// scoped by the verified tenant id.
type AttendanceStore interface {
	// RecordAttendance applies the batch in a single transaction: get or
	// create the session, upsert every record, update last-attended dates.
	RecordAttendance(ctx context.Context, batch *RecordBatch) (*model.AttendanceSession, []model.AttendanceRecord, error)
	// LoadAttendance returns the session and all its records. Session is
	// nil when nobody has recorded attendance for the key yet.
	LoadAttendance(ctx context.Context, tenantID, gatheringID int64, date string) (*model.AttendanceSnapshot, error)

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// UserStore looks up accounts allowed to connect
type UserStore interface {
	GetUser(ctx context.Context, tenantID, userID int64) (*model.User, error)
}

// FingerprintStore holds recently seen submission fingerprints
type FingerprintStore interface {
	// CheckAndRecord reports whether fingerprint was recorded within window
	// of now. When it was not, it is recorded at now.
	CheckAndRecord(ctx context.Context, fingerprint string, now time.Time, window time.Duration) (bool, error)
	// Forget removes a fingerprint so the same submission can be retried
	Forget(ctx context.Context, fingerprint string) error
	Ping(ctx context.Context) error
	Close() error
}

// Sweeper is implemented by fingerprint stores that expire entries themselves
type Sweeper interface {
	Sweep(now time.Time, retention time.Duration) int
	Len() int
}

// Cache interface for in-memory caching
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
