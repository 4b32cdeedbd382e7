// Package client is a Go client for the attendance sync websocket. It
// correlates acks with requests, reconnects with backoff and reloads the
// sessions it watches after every reconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/codec"
	apperrors "github.com/isaaclee0/letmypeoplegrow-sub008/internal/errors"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"go.uber.org/zap"
)

// EventSnapshot is emitted locally with a reloaded session after a reconnect
const EventSnapshot = "attendance_snapshot"

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrDisconnected = errors.New("client: connection lost before reply")
	ErrClosed       = errors.New("client: closed")
)

// Frame is a server message with its data left encoded
type Frame struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id,omitempty"`
	Success   *bool               `json:"success,omitempty"`
	Error     *model.ErrorPayload `json:"error,omitempty"`
	Data      json.RawMessage     `json:"data,omitempty"`
}

// DecodeData unmarshals the frame data into v
func (f *Frame) DecodeData(v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Type)
	}
	return json.Unmarshal(f.Data, v)
}

// Options configures a SyncClient
type Options struct {
	URL              string
	Token            string
	Header           http.Header
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Backoff          Backoff
	EventBuffer      int
	Logger           *zap.Logger
}

type sessionKey struct {
	gatheringID int64
	date        string
}

// SyncClient is a reconnecting client of the sync server. It is safe for
// concurrent use.
type SyncClient struct {
	opts   Options
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	pending map[string]chan *Frame
	watches map[sessionKey]struct{}
	rooms   map[sessionKey]struct{}

	writeMu   sync.Mutex
	events    chan *Frame
	closed    chan struct{}
	closeOnce sync.Once
	seq       atomic.Uint64
	wg        sync.WaitGroup
}

// New creates a client. Call Connect to open the socket.
func New(opts Options) (*SyncClient, error) {
	if opts.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = NewExponentialBackoff()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &SyncClient{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			Subprotocols:     []string{codec.JSONSubprotocol},
		},
		logger:  opts.Logger,
		state:   StateDisconnected,
		pending: make(map[string]chan *Frame),
		watches: make(map[sessionKey]struct{}),
		rooms:   make(map[sessionKey]struct{}),
		events:  make(chan *Frame, opts.EventBuffer),
		closed:  make(chan struct{}),
	}, nil
}

// Connect opens the socket. Once connected, a lost socket is re-dialled in
// the background until Close or the backoff gives up.
func (c *SyncClient) Connect(ctx context.Context) error {
	if err := c.transitionTo(StateConnecting); err != nil {
		return err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		_ = c.transitionTo(StateDisconnected)
		return err
	}
	if err := c.attach(conn); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// State returns the current lifecycle state
func (c *SyncClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events delivers broadcasts and other frames not tied to a request. It is
// closed by Close.
func (c *SyncClient) Events() <-chan *Frame {
	return c.events
}

// RecordAttendance submits a batch and waits for its ack
func (c *SyncClient) RecordAttendance(ctx context.Context, gatheringID int64, date string, records []model.RecordInput) (*model.AttendanceResult, error) {
	f, err := c.request(ctx, &model.InboundMessage{
		Type:        model.TypeRecordAttendance,
		GatheringID: gatheringID,
		Date:        date,
		Records:     records,
	})
	if err != nil {
		return nil, err
	}
	var result model.AttendanceResult
	if err := f.DecodeData(&result); err != nil {
		return nil, fmt.Errorf("failed to decode attendance result: %w", err)
	}
	return &result, nil
}

// LoadAttendance fetches the current state of a session
func (c *SyncClient) LoadAttendance(ctx context.Context, gatheringID int64, date string) (*model.AttendanceSnapshot, error) {
	f, err := c.request(ctx, &model.InboundMessage{
		Type:        model.TypeLoadAttendance,
		GatheringID: gatheringID,
		Date:        date,
	})
	if err != nil {
		return nil, err
	}
	var snapshot model.AttendanceSnapshot
	if err := f.DecodeData(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode attendance snapshot: %w", err)
	}
	return &snapshot, nil
}

// Watch loads a session and marks it for reload after every reconnect
func (c *SyncClient) Watch(ctx context.Context, gatheringID int64, date string) (*model.AttendanceSnapshot, error) {
	c.mu.Lock()
	c.watches[sessionKey{gatheringID: gatheringID, date: date}] = struct{}{}
	c.mu.Unlock()
	return c.LoadAttendance(ctx, gatheringID, date)
}

// Unwatch stops reloading a session on reconnect
func (c *SyncClient) Unwatch(gatheringID int64, date string) {
	c.mu.Lock()
	delete(c.watches, sessionKey{gatheringID: gatheringID, date: date})
	c.mu.Unlock()
}

// JoinRoom joins the presence room of a session, rejoined after reconnects
func (c *SyncClient) JoinRoom(ctx context.Context, gatheringID int64, date string) ([]int64, error) {
	f, err := c.request(ctx, &model.InboundMessage{
		Type:        model.TypeJoinRoom,
		GatheringID: gatheringID,
		Date:        date,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.rooms[sessionKey{gatheringID: gatheringID, date: date}] = struct{}{}
	c.mu.Unlock()

	var room model.RoomUsersUpdateEvent
	if err := f.DecodeData(&room); err != nil {
		return nil, fmt.Errorf("failed to decode room: %w", err)
	}
	return room.ActiveUsers, nil
}

// LeaveRoom leaves the presence room of a session
func (c *SyncClient) LeaveRoom(ctx context.Context, gatheringID int64, date string) error {
	c.mu.Lock()
	delete(c.rooms, sessionKey{gatheringID: gatheringID, date: date})
	c.mu.Unlock()

	_, err := c.request(ctx, &model.InboundMessage{
		Type:        model.TypeLeaveRoom,
		GatheringID: gatheringID,
		Date:        date,
	})
	return err
}

// Ping round-trips an application level ping
func (c *SyncClient) Ping(ctx context.Context) error {
	_, err := c.request(ctx, &model.InboundMessage{Type: model.TypePing})
	return err
}

// Close closes the socket, fails outstanding requests and stops reconnecting
func (c *SyncClient) Close() error {
	var conn *websocket.Conn
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		conn = c.conn
		c.conn = nil
		c.failPendingLocked()
		c.mu.Unlock()

		close(c.closed)
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}

		c.wg.Wait()
		close(c.events)
	})
	return nil
}

func (c *SyncClient) transitionTo(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(next)
}

func (c *SyncClient) transitionLocked(next State) error {
	if err := c.state.validateTransitionTo(next); err != nil {
		return err
	}
	c.logger.Debug("Client state transitioned",
		zap.Stringer("from", c.state),
		zap.Stringer("to", next))
	c.state = next
	return nil
}

func (c *SyncClient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := c.opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			if rejected := handshakeError(resp); rejected != nil {
				return nil, rejected
			}
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// handshakeError decodes the server's rejection body, if any
func handshakeError(resp *http.Response) error {
	defer resp.Body.Close()
	var f Frame
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil || f.Error == nil {
		return nil
	}
	return apperrors.NewSyncError(apperrors.ErrorCode(f.Error.Code), f.Error.Message, nil).
		WithDetail("status", resp.StatusCode)
}

func (c *SyncClient) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	if err := c.transitionLocked(StateConnected); err != nil {
		c.mu.Unlock()
		return err
	}
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *SyncClient) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("Dropping undecodable frame", zap.Error(err))
			continue
		}
		if f.RequestID != "" && c.resolve(&f) {
			continue
		}
		c.emit(&f)
	}
}

func (c *SyncClient) resolve(f *Frame) bool {
	c.mu.Lock()
	reply, ok := c.pending[f.RequestID]
	if ok {
		delete(c.pending, f.RequestID)
	}
	c.mu.Unlock()

	if ok {
		reply <- f
	}
	return ok
}

func (c *SyncClient) emit(f *Frame) {
	select {
	case c.events <- f:
	default:
		c.logger.Warn("Event buffer full, dropping frame", zap.String("type", f.Type))
	}
}

func (c *SyncClient) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPendingLocked()
	if err := c.transitionLocked(StateReconnecting); err != nil {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("Connection lost, reconnecting", zap.Error(cause))
	go c.reconnectLoop()
}

func (c *SyncClient) reconnectLoop() {
	defer c.wg.Done()

	for attempt := 0; ; attempt++ {
		delay, ok := c.opts.Backoff.NextDelay(attempt)
		if !ok {
			c.giveUp("backoff exhausted")
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-c.closed:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			if isPermanent(err) {
				c.giveUp(err.Error())
				return
			}
			c.logger.Debug("Reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		if err := c.attach(conn); err != nil {
			// closed while dialling
			_ = conn.Close()
			return
		}
		c.logger.Info("Reconnected", zap.Int("attempts", attempt+1))
		c.resync()
		return
	}
}

func (c *SyncClient) giveUp(reason string) {
	c.mu.Lock()
	err := c.transitionLocked(StateDisconnected)
	c.mu.Unlock()
	if err == nil {
		c.logger.Warn("Giving up reconnecting", zap.String("reason", reason))
	}
}

// resync rejoins rooms and reloads watched sessions. Updates missed while
// disconnected are never replayed, so the reload is the source of truth.
func (c *SyncClient) resync() {
	c.mu.Lock()
	rooms := make([]sessionKey, 0, len(c.rooms))
	for k := range c.rooms {
		rooms = append(rooms, k)
	}
	watches := make([]sessionKey, 0, len(c.watches))
	for k := range c.watches {
		watches = append(watches, k)
	}
	c.mu.Unlock()

	ctx := context.Background()
	for _, k := range rooms {
		if _, err := c.JoinRoom(ctx, k.gatheringID, k.date); err != nil {
			c.logger.Warn("Failed to rejoin room",
				zap.Int64("gathering_id", k.gatheringID),
				zap.String("date", k.date),
				zap.Error(err))
		}
	}
	for _, k := range watches {
		f, err := c.request(ctx, &model.InboundMessage{
			Type:        model.TypeLoadAttendance,
			GatheringID: k.gatheringID,
			Date:        k.date,
		})
		if err != nil {
			c.logger.Warn("Failed to reload session",
				zap.Int64("gathering_id", k.gatheringID),
				zap.String("date", k.date),
				zap.Error(err))
			continue
		}
		c.emit(&Frame{Type: EventSnapshot, RequestID: f.RequestID, Success: f.Success, Data: f.Data})
	}
}

func (c *SyncClient) failPendingLocked() {
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
}

func (c *SyncClient) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *SyncClient) request(ctx context.Context, msg *model.InboundMessage) (*Frame, error) {
	msg.RequestID = strconv.FormatUint(c.seq.Add(1), 10)
	reply := make(chan *Frame, 1)

	c.mu.Lock()
	switch {
	case c.state == StateClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.conn == nil:
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.pending[msg.RequestID] = reply
	c.mu.Unlock()
	defer c.forget(msg.RequestID)

	if err := c.write(conn, msg); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	select {
	case f, ok := <-reply:
		if !ok {
			return nil, ErrDisconnected
		}
		if f.Type == model.TypeError {
			return f, replyError(f)
		}
		return f, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s request %s: %w", msg.Type, msg.RequestID, ctx.Err())
	}
}

func (c *SyncClient) write(conn *websocket.Conn, msg *model.InboundMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func replyError(f *Frame) error {
	if f.Error == nil {
		return apperrors.InternalError("error reply without payload", nil)
	}
	return apperrors.NewSyncError(apperrors.ErrorCode(f.Error.Code), f.Error.Message, nil)
}

// isPermanent reports whether a dial error will not go away by retrying
func isPermanent(err error) bool {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeMissingCredential, apperrors.ErrCodeInvalidCredential,
		apperrors.ErrCodeUnknownUser, apperrors.ErrCodeIdentityMismatch:
		return true
	default:
		return false
	}
}
