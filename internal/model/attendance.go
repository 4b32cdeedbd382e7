package model

import (
	"fmt"
	"time"
)

// DateLayout is the calendar date format used for session dates
const DateLayout = "2006-01-02"

// IsValidDate reports whether date is a real calendar date in DateLayout
func IsValidDate(date string) bool {
	if len(date) != len(DateLayout) {
		return false
	}
	_, err := time.Parse(DateLayout, date)
	return err == nil
}

// Identity is the verified (tenant, user) pair bound to a connection.
// It is established once during the handshake and never changes.
type Identity struct {
	TenantID int64
	UserID   int64
	Role     string
	Email    string
}

// User represents an account that may open sync connections
type User struct {
	ID       int64
	TenantID int64
	Email    string
	Role     string
	Active   bool
}

// SessionKey identifies the attendance session of a gathering on a date
type SessionKey struct {
	TenantID    int64
	GatheringID int64
	Date        string
}

// String returns the canonical "church:<t>:gathering:<g>:date:<d>" form
func (k SessionKey) String() string {
	return fmt.Sprintf("church:%d:gathering:%d:date:%s", k.TenantID, k.GatheringID, k.Date)
}

// AttendanceSession represents one occurrence of a gathering on a date
type AttendanceSession struct {
	ID          int64     `json:"id" cbor:"id"`
	TenantID    int64     `json:"church_id" cbor:"church_id"`
	GatheringID int64     `json:"gathering_id" cbor:"gathering_id"`
	Date        string    `json:"date" cbor:"date"`
	CreatedBy   int64     `json:"created_by" cbor:"created_by"`
	CreatedAt   time.Time `json:"created_at" cbor:"created_at"`
}

// RecordInput is one (individual, present) pair submitted by a client
type RecordInput struct {
	IndividualID int64 `json:"individual_id" cbor:"individual_id"`
	Present      bool  `json:"present" cbor:"present"`
}

// AttendanceRecord is the persisted presence flag of an individual in a session
type AttendanceRecord struct {
	SessionID    int64     `json:"session_id" cbor:"session_id"`
	IndividualID int64     `json:"individual_id" cbor:"individual_id"`
	Present      bool      `json:"present" cbor:"present"`
	TenantID     int64     `json:"church_id" cbor:"church_id"`
	UpdatedAt    time.Time `json:"updated_at" cbor:"updated_at"`
}

// AttendanceSnapshot is the full state of a session, used for reloads
type AttendanceSnapshot struct {
	GatheringID int64              `json:"gathering_id" cbor:"gathering_id"`
	Date        string             `json:"date" cbor:"date"`
	Session     *AttendanceSession `json:"session,omitempty" cbor:"session,omitempty"`
	Records     []AttendanceRecord `json:"records" cbor:"records"`
}

// AttendanceResult is returned to the submitter after a successful commit
type AttendanceResult struct {
	SessionID int64              `json:"session_id" cbor:"session_id"`
	Records   []AttendanceRecord `json:"records" cbor:"records"`
	Duplicate bool               `json:"duplicate,omitempty" cbor:"duplicate,omitempty"`
}
