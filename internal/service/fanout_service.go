package service

import (
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/metrics"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"go.uber.org/zap"
)

// FanoutService delivers events to the live connections of one tenant
type FanoutService struct {
	registry *ConnectionRegistry
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewFanoutService creates a new fanout service
func NewFanoutService(registry *ConnectionRegistry, m *metrics.Metrics, logger *zap.Logger) *FanoutService {
	return &FanoutService{
		registry: registry,
		metrics:  m,
		logger:   logger,
	}
}

// PublishToTenant sends msg to every connection in the tenant bucket and
// returns the number of connections it was queued on. Nothing outside the
// bucket is ever considered.
func (s *FanoutService) PublishToTenant(tenantID int64, msg *model.OutboundMessage) int {
	return s.deliver(tenantID, s.registry.TenantConnections(tenantID), msg)
}

// PublishToConnections sends msg to an explicit set of connections of one tenant
func (s *FanoutService) PublishToConnections(tenantID int64, conns []*Connection, msg *model.OutboundMessage) int {
	return s.deliver(tenantID, conns, msg)
}

// PublishAttendanceUpdate broadcasts a committed batch to the tenant
func (s *FanoutService) PublishAttendanceUpdate(tenantID int64, event *model.AttendanceUpdateEvent) int {
	return s.PublishToTenant(tenantID, &model.OutboundMessage{
		Type: model.TypeAttendanceUpdate,
		Data: event,
	})
}

// PublishVisitorUpdate broadcasts a visitor list change to the tenant
func (s *FanoutService) PublishVisitorUpdate(tenantID int64, event *model.VisitorUpdateEvent) int {
	return s.PublishToTenant(tenantID, &model.OutboundMessage{
		Type: model.TypeVisitorUpdate,
		Data: event,
	})
}

func (s *FanoutService) deliver(tenantID int64, conns []*Connection, msg *model.OutboundMessage) int {
	// encode once per codec
	frames := make(map[string][]byte, 2)
	delivered, dropped := 0, 0

	for _, conn := range conns {
		if conn.Identity.TenantID != tenantID {
			s.logger.Error("Dropping cross-tenant delivery",
				zap.String("connection_id", conn.ID),
				zap.Int64("tenant_id", tenantID),
				zap.Int64("connection_tenant_id", conn.Identity.TenantID),
				zap.String("type", msg.Type))
			dropped++
			continue
		}

		frame, ok := frames[conn.Codec.Name()]
		if !ok {
			encoded, err := conn.Codec.Marshal(msg)
			if err != nil {
				s.logger.Error("Failed to encode event",
					zap.String("type", msg.Type),
					zap.String("codec", conn.Codec.Name()),
					zap.Error(err))
				dropped++
				continue
			}
			frame = encoded
			frames[conn.Codec.Name()] = frame
		}

		queued, tripped := conn.offer(frame)
		if queued {
			delivered++
			continue
		}
		dropped++
		if tripped {
			s.metrics.SlowConsumers.Inc()
			s.logger.Warn("Closed slow consumer",
				zap.String("connection_id", conn.ID),
				zap.Int64("tenant_id", tenantID))
		}
	}

	s.metrics.RecordFanout(msg.Type, delivered, dropped)
	s.logger.Debug("Event fanned out",
		zap.String("type", msg.Type),
		zap.Int64("tenant_id", tenantID),
		zap.Int("delivered", delivered),
		zap.Int("dropped", dropped))

	return delivered
}
