package service

import (
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/isaaclee0/letmypeoplegrow-sub008/internal/errors"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/metrics"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"go.uber.org/zap"
)

// Presence tracks which connections are viewing which session. It never
// filters attendance delivery.
type Presence interface {
	Enabled() bool
	Join(conn *Connection, gatheringID int64, date string) ([]int64, error)
	Leave(conn *Connection, gatheringID int64, date string) error
	LeaveAll(conn *Connection)
	ActiveUsers(tenantID, gatheringID int64, date string) []int64
}

// RoomName returns the presence room of a session
func RoomName(tenantID, gatheringID int64, date string) string {
	return model.SessionKey{TenantID: tenantID, GatheringID: gatheringID, Date: date}.String()
}

type room struct {
	key     model.SessionKey
	members map[string]*Connection
}

// PresenceService implements Presence with process-local rooms
type PresenceService struct {
	mu      sync.Mutex
	rooms   map[string]*room
	fanout  *FanoutService
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPresenceService creates a new presence tracker
func NewPresenceService(fanout *FanoutService, m *metrics.Metrics, logger *zap.Logger) *PresenceService {
	return &PresenceService{
		rooms:   make(map[string]*room),
		fanout:  fanout,
		metrics: m,
		logger:  logger,
	}
}

// Enabled reports true
func (s *PresenceService) Enabled() bool { return true }

// Join adds conn to the session room and notifies the room
func (s *PresenceService) Join(conn *Connection, gatheringID int64, date string) ([]int64, error) {
	if err := validateSessionKey(gatheringID, date); err != nil {
		return nil, err
	}

	tenantID := conn.Identity.TenantID
	name := RoomName(tenantID, gatheringID, date)

	s.mu.Lock()
	r, ok := s.rooms[name]
	if !ok {
		r = &room{
			key:     model.SessionKey{TenantID: tenantID, GatheringID: gatheringID, Date: date},
			members: make(map[string]*Connection),
		}
		s.rooms[name] = r
	}
	r.members[conn.ID] = conn
	conn.addRoom(name)
	users := activeUsers(r)
	members := snapshot(r.members)
	s.metrics.RoomsActive.Set(float64(len(s.rooms)))
	s.mu.Unlock()

	s.logger.Debug("Joined room",
		zap.String("connection_id", conn.ID),
		zap.String("room", name))

	s.broadcast(r.key, name, members, users)
	return users, nil
}

// Leave removes conn from the session room and notifies remaining members
func (s *PresenceService) Leave(conn *Connection, gatheringID int64, date string) error {
	if err := validateSessionKey(gatheringID, date); err != nil {
		return err
	}
	s.leave(conn, RoomName(conn.Identity.TenantID, gatheringID, date))
	return nil
}

// LeaveAll removes conn from every room it joined; called on disconnect
func (s *PresenceService) LeaveAll(conn *Connection) {
	for _, name := range conn.Rooms() {
		s.leave(conn, name)
	}
}

// ActiveUsers returns the distinct users viewing a session
func (s *PresenceService) ActiveUsers(tenantID, gatheringID int64, date string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[RoomName(tenantID, gatheringID, date)]
	if !ok {
		return []int64{}
	}
	return activeUsers(r)
}

// RoomCount returns the number of non-empty rooms
func (s *PresenceService) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *PresenceService) leave(conn *Connection, name string) {
	conn.removeRoom(name)

	s.mu.Lock()
	r, ok := s.rooms[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, member := r.members[conn.ID]; !member {
		s.mu.Unlock()
		return
	}
	delete(r.members, conn.ID)
	if len(r.members) == 0 {
		delete(s.rooms, name)
		s.metrics.RoomsActive.Set(float64(len(s.rooms)))
		s.mu.Unlock()
		s.logger.Debug("Room removed", zap.String("room", name))
		return
	}
	users := activeUsers(r)
	members := snapshot(r.members)
	s.mu.Unlock()

	s.broadcast(r.key, name, members, users)
}

func (s *PresenceService) broadcast(key model.SessionKey, name string, members []*Connection, users []int64) {
	s.fanout.PublishToConnections(key.TenantID, members, &model.OutboundMessage{
		Type: model.TypeRoomUsersUpdate,
		Data: &model.RoomUsersUpdateEvent{
			Room:        name,
			GatheringID: key.GatheringID,
			Date:        key.Date,
			ActiveUsers: users,
		},
	})
}

func activeUsers(r *room) []int64 {
	seen := make(map[int64]struct{}, len(r.members))
	users := make([]int64, 0, len(r.members))
	for _, c := range r.members {
		if _, ok := seen[c.Identity.UserID]; ok {
			continue
		}
		seen[c.Identity.UserID] = struct{}{}
		users = append(users, c.Identity.UserID)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// DisabledPresence answers every room request with FEATURE_DISABLED
type DisabledPresence struct{}

// Enabled reports false
func (DisabledPresence) Enabled() bool { return false }

// Join always fails
func (DisabledPresence) Join(*Connection, int64, string) ([]int64, error) {
	return nil, apperrors.FeatureDisabled("presence")
}

// Leave always fails
func (DisabledPresence) Leave(*Connection, int64, string) error {
	return apperrors.FeatureDisabled("presence")
}

// LeaveAll does nothing
func (DisabledPresence) LeaveAll(*Connection) {}

// ActiveUsers returns no users
func (DisabledPresence) ActiveUsers(int64, int64, string) []int64 { return []int64{} }

func validateSessionKey(gatheringID int64, date string) error {
	if gatheringID <= 0 {
		return apperrors.InvalidPayload("gathering_id must be a positive integer")
	}
	if !model.IsValidDate(date) {
		return apperrors.InvalidPayload(fmt.Sprintf("date %q must be formatted as YYYY-MM-DD", date))
	}
	return nil
}
