package service

import (
	"sync"

	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/metrics"
	"go.uber.org/zap"
)

type userKey struct {
	tenantID int64
	userID   int64
}

// ConnectionRegistry indexes live connections by tenant and by (tenant, user).
// A live connection is in exactly one bucket of each index; empty buckets
// are removed.
type ConnectionRegistry struct {
	mu       sync.RWMutex
	byID     map[string]*Connection
	byTenant map[int64]map[string]*Connection
	byUser   map[userKey]map[string]*Connection
	closed   bool
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewConnectionRegistry creates an empty registry
func NewConnectionRegistry(m *metrics.Metrics, logger *zap.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		byID:     make(map[string]*Connection),
		byTenant: make(map[int64]map[string]*Connection),
		byUser:   make(map[userKey]map[string]*Connection),
		metrics:  m,
		logger:   logger,
	}
}

// Enroll adds conn to both indexes. Enrolling the same id twice is a no-op.
// After CloseAll the connection is closed instead of enrolled.
func (r *ConnectionRegistry) Enroll(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		conn.Close()
		r.logger.Debug("Rejected enrollment after shutdown", zap.String("connection_id", conn.ID))
		return false
	}

	if _, exists := r.byID[conn.ID]; exists {
		return false
	}

	tenantID := conn.Identity.TenantID
	uk := userKey{tenantID: tenantID, userID: conn.Identity.UserID}

	r.byID[conn.ID] = conn
	if r.byTenant[tenantID] == nil {
		r.byTenant[tenantID] = make(map[string]*Connection)
	}
	r.byTenant[tenantID][conn.ID] = conn
	if r.byUser[uk] == nil {
		r.byUser[uk] = make(map[string]*Connection)
	}
	r.byUser[uk][conn.ID] = conn

	r.metrics.ConnectionsActive.Set(float64(len(r.byID)))
	r.logger.Debug("Connection enrolled",
		zap.String("connection_id", conn.ID),
		zap.Int64("tenant_id", tenantID),
		zap.Int64("user_id", conn.Identity.UserID),
		zap.Int("tenant_connections", len(r.byTenant[tenantID])))

	return true
}

// Evict removes conn from both indexes, deleting buckets left empty
func (r *ConnectionRegistry) Evict(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[conn.ID]; !exists {
		return false
	}
	delete(r.byID, conn.ID)

	tenantID := conn.Identity.TenantID
	if bucket := r.byTenant[tenantID]; bucket != nil {
		delete(bucket, conn.ID)
		if len(bucket) == 0 {
			delete(r.byTenant, tenantID)
		}
	}

	uk := userKey{tenantID: tenantID, userID: conn.Identity.UserID}
	if bucket := r.byUser[uk]; bucket != nil {
		delete(bucket, conn.ID)
		if len(bucket) == 0 {
			delete(r.byUser, uk)
		}
	}

	r.metrics.ConnectionsActive.Set(float64(len(r.byID)))
	r.logger.Debug("Connection evicted",
		zap.String("connection_id", conn.ID),
		zap.Int64("tenant_id", tenantID),
		zap.Int64("user_id", conn.Identity.UserID))

	return true
}

// Get returns a live connection by id
func (r *ConnectionRegistry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[id]
	return conn, ok
}

// TenantConnections returns a snapshot of the tenant's connections
func (r *ConnectionRegistry) TenantConnections(tenantID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byTenant[tenantID])
}

// UserConnections returns a snapshot of one user's connections in a tenant
func (r *ConnectionRegistry) UserConnections(tenantID, userID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byUser[userKey{tenantID: tenantID, userID: userID}])
}

// HasTenant reports whether the tenant bucket exists
func (r *ConnectionRegistry) HasTenant(tenantID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byTenant[tenantID]
	return ok
}

// HasUser reports whether the (tenant, user) bucket exists
func (r *ConnectionRegistry) HasUser(tenantID, userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userKey{tenantID: tenantID, userID: userID}]
	return ok
}

// Count returns the number of live connections
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// TenantCount returns the number of tenants with at least one connection
func (r *ConnectionRegistry) TenantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTenant)
}

// CloseAll closes every live connection and every later enrollment; used
// on shutdown
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	conns := snapshot(r.byID)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func snapshot(bucket map[string]*Connection) []*Connection {
	conns := make([]*Connection, 0, len(bucket))
	for _, c := range bucket {
		conns = append(conns, c)
	}
	return conns
}
