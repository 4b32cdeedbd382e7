package model

// Inbound message types
const (
	TypeRecordAttendance = "record_attendance"
	TypeLoadAttendance   = "load_attendance"
	TypeJoinRoom         = "join_room"
	TypeLeaveRoom        = "leave_room"
	TypePing             = "ping"
)

// Outbound message types
const (
	TypeConnected        = "connected"
	TypeAttendanceUpdate = "attendance_update"
	TypeVisitorUpdate    = "visitor_update"
	TypeRoomUsersUpdate  = "room_users_update"
	TypeAck              = "ack"
	TypeError            = "error"
	TypePong             = "pong"
)

// InboundMessage is the envelope of every frame a client sends
type InboundMessage struct {
	Type        string        `json:"type" cbor:"type"`
	RequestID   string        `json:"request_id,omitempty" cbor:"request_id,omitempty"`
	GatheringID int64         `json:"gathering_id,omitempty" cbor:"gathering_id,omitempty"`
	Date        string        `json:"date,omitempty" cbor:"date,omitempty"`
	Records     []RecordInput `json:"records,omitempty" cbor:"records,omitempty"`
}

// OutboundMessage is the envelope of every frame the server sends.
// Data carries the event body for broadcasts and the result for acks.
type OutboundMessage struct {
	Type      string        `json:"type" cbor:"type"`
	RequestID string        `json:"request_id,omitempty" cbor:"request_id,omitempty"`
	Success   *bool         `json:"success,omitempty" cbor:"success,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty" cbor:"error,omitempty"`
	Data      interface{}   `json:"data,omitempty" cbor:"data,omitempty"`
}

// ErrorPayload is the error body of a failed ack or a handshake rejection
type ErrorPayload struct {
	Code    string `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
}

// ConnectedEvent is sent once after a successful handshake
type ConnectedEvent struct {
	ConnectionID string `json:"connection_id" cbor:"connection_id"`
	TenantID     int64  `json:"church_id" cbor:"church_id"`
	UserID       int64  `json:"user_id" cbor:"user_id"`
	Presence     bool   `json:"presence" cbor:"presence"`
}

// AttendanceUpdateEvent is broadcast to the whole tenant after a commit
type AttendanceUpdateEvent struct {
	GatheringID int64              `json:"gathering_id" cbor:"gathering_id"`
	Date        string             `json:"date" cbor:"date"`
	Records     []AttendanceRecord `json:"records" cbor:"records"`
	UpdatedBy   int64              `json:"updated_by" cbor:"updated_by"`
	UpdatedAt   int64              `json:"updated_at" cbor:"updated_at"`
}

// VisitorUpdateEvent is broadcast when the visitor list of a session changes
type VisitorUpdateEvent struct {
	GatheringID int64                  `json:"gathering_id" cbor:"gathering_id"`
	Date        string                 `json:"date" cbor:"date"`
	Kind        string                 `json:"kind" cbor:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty" cbor:"payload,omitempty"`
	UpdatedBy   int64                  `json:"updated_by" cbor:"updated_by"`
}

// RoomUsersUpdateEvent lists the distinct users viewing a room
type RoomUsersUpdateEvent struct {
	Room        string  `json:"room" cbor:"room"`
	GatheringID int64   `json:"gathering_id" cbor:"gathering_id"`
	Date        string  `json:"date" cbor:"date"`
	ActiveUsers []int64 `json:"active_users" cbor:"active_users"`
}

// Visitor update kinds
const (
	VisitorAdded   = "added"
	VisitorUpdated = "updated"
	VisitorRemoved = "removed"
)

// IsValidVisitorKind reports whether kind is a known visitor update kind
func IsValidVisitorKind(kind string) bool {
	switch kind {
	case VisitorAdded, VisitorUpdated, VisitorRemoved:
		return true
	default:
		return false
	}
}
