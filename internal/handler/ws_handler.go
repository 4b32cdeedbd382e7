package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/codec"
	apperrors "github.com/isaaclee0/letmypeoplegrow-sub008/internal/errors"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/metrics"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/middleware"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/service"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WebSocketOptions configures framing, liveness and per-connection limits
type WebSocketOptions struct {
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
	MaxMessageSize    int64
	SendBuffer        int
	AllowedOrigins    []string
	MessagesPerSecond float64
	MessageBurst      int
}

// WebSocketHandler upgrades authenticated requests and runs the per
// connection read and write loops
type WebSocketHandler struct {
	upgrader     websocket.Upgrader
	auth         *service.AuthService
	registry     *service.ConnectionRegistry
	attendance   *service.AttendanceService
	presence     service.Presence
	errorHandler *ErrorHandler
	options      WebSocketOptions
	metrics      *metrics.Metrics
	logger       *zap.Logger
	active       sync.WaitGroup
}

// NewWebSocketHandler creates a new websocket handler
func NewWebSocketHandler(
	auth *service.AuthService,
	registry *service.ConnectionRegistry,
	attendance *service.AttendanceService,
	presence service.Presence,
	options WebSocketOptions,
	m *metrics.Metrics,
	logger *zap.Logger,
) *WebSocketHandler {
	if options.PingInterval <= 0 {
		options.PingInterval = 25 * time.Second
	}
	if options.PongWait <= options.PingInterval {
		options.PongWait = options.PingInterval * 12 / 5
	}
	if options.WriteWait <= 0 {
		options.WriteWait = 10 * time.Second
	}
	if options.SendBuffer <= 0 {
		options.SendBuffer = 256
	}

	h := &WebSocketHandler{
		auth:         auth,
		registry:     registry,
		attendance:   attendance,
		presence:     presence,
		errorHandler: NewErrorHandler(logger),
		options:      options,
		metrics:      m,
		logger:       logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    codec.Subprotocols(),
	}
	if len(options.AllowedOrigins) > 0 {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || middleware.OriginAllowed(options.AllowedOrigins, origin)
		}
	}
	return h
}

// ServeHTTP authenticates before upgrading; a rejected handshake gets a
// JSON error body and never becomes a connection
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		h.errorHandler.WriteError(w, r, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		h.logger.Warn("Websocket upgrade failed",
			zap.Int64("tenant_id", identity.TenantID),
			zap.Int64("user_id", identity.UserID),
			zap.Error(err))
		return
	}

	c, err := codec.ForSubprotocol(ws.Subprotocol())
	if err != nil {
		_ = ws.Close()
		return
	}

	conn := service.NewConnection(*identity, c, h.options.SendBuffer)
	h.active.Add(1)
	defer h.active.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.metrics.ConnectionsTotal.WithLabelValues(c.Name()).Inc()
	h.logger.Info("Connection opened",
		zap.String("connection_id", conn.ID),
		zap.Int64("tenant_id", identity.TenantID),
		zap.Int64("user_id", identity.UserID),
		zap.String("codec", c.Name()),
		zap.String("request_id", middleware.RequestIDFromContext(r.Context())))

	h.send(conn, &model.OutboundMessage{
		Type: model.TypeConnected,
		Data: &model.ConnectedEvent{
			ConnectionID: conn.ID,
			TenantID:     identity.TenantID,
			UserID:       identity.UserID,
			Presence:     h.presence.Enabled(),
		},
	})

	// enrolled after connected is queued so it is always the first frame
	h.registry.Enroll(conn)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ws, conn)
	}()

	h.readPump(ctx, ws, conn)

	conn.Close()
	<-writerDone
	h.presence.LeaveAll(conn)
	h.registry.Evict(conn)

	h.logger.Info("Connection closed",
		zap.String("connection_id", conn.ID),
		zap.Int64("tenant_id", identity.TenantID),
		zap.Int64("user_id", identity.UserID),
		zap.Bool("slow_consumer", conn.SlowConsumer()),
		zap.Duration("duration", time.Since(conn.ConnectedAt)))
}

// Wait blocks until every connection served by h has been cleaned up
func (h *WebSocketHandler) Wait() {
	h.active.Wait()
}

// readPump processes inbound frames one at a time, preserving per
// connection submission order
func (h *WebSocketHandler) readPump(ctx context.Context, ws *websocket.Conn, conn *service.Connection) {
	if h.options.MaxMessageSize > 0 {
		ws.SetReadLimit(h.options.MaxMessageSize)
	}
	_ = ws.SetReadDeadline(time.Now().Add(h.options.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.options.PongWait))
	})

	var limiter *rate.Limiter
	if h.options.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.options.MessagesPerSecond), h.options.MessageBurst)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("Connection read ended",
					zap.String("connection_id", conn.ID),
					zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.options.PongWait))

		var msg model.InboundMessage
		if err := conn.Codec.Unmarshal(data, &msg); err != nil {
			h.reply(conn, &msg, nil, apperrors.InvalidPayload("malformed message"))
			continue
		}
		h.metrics.MessagesReceived.WithLabelValues(messageLabel(msg.Type)).Inc()

		if limiter != nil && !limiter.Allow() {
			h.reply(conn, &msg, nil, apperrors.RateLimited())
			continue
		}

		h.dispatch(ctx, conn, &msg)
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, conn *service.Connection, msg *model.InboundMessage) {
	switch msg.Type {
	case model.TypeRecordAttendance:
		result, err := h.attendance.RecordAttendance(ctx, conn.Identity, &service.RecordRequest{
			GatheringID: msg.GatheringID,
			Date:        msg.Date,
			Records:     msg.Records,
		})
		h.reply(conn, msg, result, err)

	case model.TypeLoadAttendance:
		snapshot, err := h.attendance.LoadAttendance(ctx, conn.Identity, msg.GatheringID, msg.Date)
		h.reply(conn, msg, snapshot, err)

	case model.TypeJoinRoom:
		users, err := h.presence.Join(conn, msg.GatheringID, msg.Date)
		if err != nil {
			h.reply(conn, msg, nil, err)
			return
		}
		h.reply(conn, msg, &model.RoomUsersUpdateEvent{
			Room:        service.RoomName(conn.Identity.TenantID, msg.GatheringID, msg.Date),
			GatheringID: msg.GatheringID,
			Date:        msg.Date,
			ActiveUsers: users,
		}, nil)

	case model.TypeLeaveRoom:
		err := h.presence.Leave(conn, msg.GatheringID, msg.Date)
		h.reply(conn, msg, nil, err)

	case model.TypePing:
		h.send(conn, &model.OutboundMessage{Type: model.TypePong, RequestID: msg.RequestID})

	default:
		h.reply(conn, msg, nil, apperrors.UnknownEvent(msg.Type))
	}
}

// reply sends a success ack or an error to the submitting connection only
func (h *WebSocketHandler) reply(conn *service.Connection, msg *model.InboundMessage, data interface{}, err error) {
	if err != nil {
		payload := ErrorPayload(err)
		h.metrics.RecordMessageError(messageLabel(msg.Type), payload.Code)
		failed := false
		h.send(conn, &model.OutboundMessage{
			Type:      model.TypeError,
			RequestID: msg.RequestID,
			Success:   &failed,
			Error:     payload,
		})
		return
	}

	ok := true
	h.send(conn, &model.OutboundMessage{
		Type:      model.TypeAck,
		RequestID: msg.RequestID,
		Success:   &ok,
		Data:      data,
	})
}

func (h *WebSocketHandler) send(conn *service.Connection, msg *model.OutboundMessage) {
	if conn.Send(msg) {
		h.metrics.MessagesSent.WithLabelValues(msg.Type).Inc()
	}
}

// writePump is the only goroutine writing to ws
func (h *WebSocketHandler) writePump(ws *websocket.Conn, conn *service.Connection) {
	ticker := time.NewTicker(h.options.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(h.options.WriteWait))
			if err := ws.WriteMessage(conn.Codec.FrameType(), frame); err != nil {
				conn.Close()
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(h.options.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-conn.Done():
			code, reason := websocket.CloseNormalClosure, ""
			if conn.SlowConsumer() {
				code, reason = websocket.CloseTryAgainLater, "send queue full"
			}
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(h.options.WriteWait))
			return
		}
	}
}

// messageLabel bounds the metric label set to known inbound types
func messageLabel(msgType string) string {
	switch msgType {
	case model.TypeRecordAttendance, model.TypeLoadAttendance, model.TypeJoinRoom,
		model.TypeLeaveRoom, model.TypePing:
		return msgType
	default:
		return "unknown"
	}
}
