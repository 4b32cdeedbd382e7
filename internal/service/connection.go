package service

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/codec"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
)

// Connection is one authenticated client socket as seen by the services.
// The websocket itself stays in the handler; services only enqueue frames.
type Connection struct {
	ID          string
	Identity    model.Identity
	ConnectedAt time.Time
	Codec       codec.Codec

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	slow      bool

	mu    sync.Mutex
	rooms map[string]struct{}
}

// NewConnection creates a connection with an outbound queue of sendBuffer frames
func NewConnection(identity model.Identity, c codec.Codec, sendBuffer int) *Connection {
	if c == nil {
		c = codec.JSON
	}
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	return &Connection{
		ID:          uuid.New().String(),
		Identity:    identity,
		ConnectedAt: time.Now(),
		Codec:       c,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		rooms:       make(map[string]struct{}),
	}
}

// Send encodes msg with the connection codec and enqueues it
func (c *Connection) Send(msg *model.OutboundMessage) bool {
	frame, err := c.Codec.Marshal(msg)
	if err != nil {
		return false
	}
	return c.Enqueue(frame)
}

// Enqueue queues an already encoded frame without blocking. A full queue
// closes the connection: the client reconnects and reloads state.
func (c *Connection) Enqueue(frame []byte) bool {
	queued, _ := c.offer(frame)
	return queued
}

// offer is Enqueue that also reports whether this call closed the
// connection as a slow consumer
func (c *Connection) offer(frame []byte) (queued, tripped bool) {
	select {
	case <-c.done:
		return false, false
	default:
	}

	select {
	case c.send <- frame:
		return true, false
	case <-c.done:
		return false, false
	default:
		c.mu.Lock()
		tripped = !c.slow
		c.slow = true
		c.mu.Unlock()
		c.Close()
		return false, tripped
	}
}

// Outbound is drained by the single writer goroutine of the connection
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Done is closed when the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// IsClosed reports whether Close was called
func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SlowConsumer reports whether the connection was closed for a full queue
func (c *Connection) SlowConsumer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slow
}

func (c *Connection) addRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

func (c *Connection) removeRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}

// Rooms returns the presence rooms the connection has joined
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}
