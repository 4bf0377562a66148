// Package realtime provides the live push channel: the connection registry
// that tracks room membership and the WebSocket server that feeds it.
//
// Delivery is best-effort. A dropped or undeliverable event is not retried;
// clients recover through the pull path, which is authoritative.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ostapchuk/crmsync/internal/record"
)

// Conn is the transport a client is reachable over. Production wraps a
// WebSocket connection; tests substitute recorders.
type Conn interface {
	// Write delivers one serialized event frame.
	Write(ctx context.Context, data []byte) error
	// Close tears the transport down.
	Close() error
}

// Event is the wire frame pushed to clients.
type Event struct {
	Event      string    `json:"event"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Client is one live authenticated connection and its room memberships.
type Client struct {
	ID        string
	Principal record.Principal

	conn  Conn
	rooms []string
	send  chan []byte
}

// Registry tracks live connections and their room memberships. Membership is
// derived from the principal at connect time and never stored durably; a
// reconnect re-derives it from the fresh handshake.
//
// Room membership is shared mutable state touched by every connection task;
// all access goes through the RWMutex. Broadcasts send to per-client buffered
// channels under the read lock, so a slow consumer never blocks fan-out and a
// client mid-teardown can never be written to.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}

	sendBuffer   int
	writeTimeout time.Duration
	logger       *log.Logger
}

// NewRegistry creates an empty connection registry.
// If logger is nil, log.Default() is used.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		rooms:        make(map[string]map[*Client]struct{}),
		sendBuffer:   64,
		writeTimeout: 5 * time.Second,
		logger:       logger,
	}
}

// Connect registers a new client for the principal, joining the rooms its
// role derives, and starts the client's writer. The principal must already be
// verified; Connect performs no authentication.
func (r *Registry) Connect(p record.Principal, conn Conn) (*Client, error) {
	rooms, err := p.Rooms()
	if err != nil {
		return nil, err
	}

	c := &Client{
		ID:        uuid.NewString(),
		Principal: p,
		conn:      conn,
		rooms:     rooms,
		send:      make(chan []byte, r.sendBuffer),
	}

	r.mu.Lock()
	for _, room := range rooms {
		members, ok := r.rooms[room]
		if !ok {
			members = make(map[*Client]struct{})
			r.rooms[room] = members
		}
		members[c] = struct{}{}
	}
	r.mu.Unlock()

	go r.writeLoop(c)

	r.logger.Printf("Client %s connected (role=%s, rooms=%v)", c.ID, p.Role, rooms)
	return c, nil
}

// Disconnect removes the client from all rooms and closes its transport.
// Safe to call more than once; nothing about the client survives.
func (r *Registry) Disconnect(c *Client) {
	r.mu.Lock()
	removed := false
	for _, room := range c.rooms {
		members, ok := r.rooms[room]
		if !ok {
			continue
		}
		if _, ok := members[c]; ok {
			delete(members, c)
			removed = true
		}
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if removed {
		close(c.send)
	}
	r.mu.Unlock()

	if removed {
		_ = c.conn.Close()
		r.logger.Printf("Client %s disconnected", c.ID)
	}
}

// Broadcast delivers an event to every connection currently in the room.
// A room with zero members is a silent no-op. Delivery is best-effort: a
// client whose outbound buffer is full has the event dropped (logged), to be
// recovered via the pull path.
func (r *Registry) Broadcast(room, event string, payload any) {
	frame := Event{
		Event:      event,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}

	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Printf("Failed to marshal event %s: %v", event, err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.rooms[room] {
		select {
		case c.send <- data:
		default:
			r.logger.Printf("Client %s send buffer full, dropping %s", c.ID, event)
		}
	}
}

// writeLoop drains the client's outbound channel onto its transport.
// A write failure tears the client down; the loop ends when Disconnect
// closes the channel.
func (r *Registry) writeLoop(c *Client) {
	for data := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err := c.conn.Write(ctx, data)
		cancel()

		if err != nil {
			r.logger.Printf("Failed to send to client %s: %v", c.ID, err)
			r.Disconnect(c)
			return
		}
	}
}

// DisconnectAll tears down every live connection. Called at server shutdown,
// which otherwise leaves upgraded connections untouched.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	clients := make([]*Client, 0)
	seen := make(map[*Client]struct{})
	for _, members := range r.rooms {
		for c := range members {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			clients = append(clients, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range clients {
		r.Disconnect(c)
	}
}

// ClientCount returns the number of distinct live connections.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, members := range r.rooms {
		for c := range members {
			seen[c] = struct{}{}
		}
	}
	return len(seen)
}

// RoomSize returns the current number of connections in a room.
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}
