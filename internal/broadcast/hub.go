package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/consultq/internal/domain"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
	cmdBufferSize  = 256
)

// Metrics observes the realtime layer.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessagePublished()
	SlowClientDropped()
	InboundEvent(eventType, result string)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()           {}
func (noopMetrics) ConnectionClosed()           {}
func (noopMetrics) MessagePublished()           {}
func (noopMetrics) SlowClientDropped()          {}
func (noopMetrics) InboundEvent(string, string) {}

// client is one authenticated connection. rooms is owned by the hub goroutine.
type client struct {
	caller domain.Caller
	writer *connWriter
	rooms  map[domain.Room]struct{}
}

func newClient(caller domain.Caller, writer *connWriter) *client {
	return &client{caller: caller, writer: writer, rooms: make(map[domain.Room]struct{})}
}

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	client *client
	errCh  chan error
}

type unregisterCmd struct {
	baseHubCmd
	client *client
}

type joinCmd struct {
	baseHubCmd
	client *client
	room   domain.Room
	reply  chan []domain.Room
}

type leaveCmd struct {
	baseHubCmd
	client *client
	room   domain.Room
}

type publishCmd struct {
	baseHubCmd
	room     domain.Room
	audience domain.Audience
	payload  []byte
}

type countCmd struct {
	baseHubCmd
	room  domain.Room
	reply chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub owns every connection and room of this instance. All state lives in one
// goroutine fed by a command channel; there are no locks.
type Hub struct {
	cmdCh          chan hubCmd
	clock          clockwork.Clock
	clients        map[*client]struct{}
	rooms          map[domain.Room]map[*client]struct{}
	maxConnections int
	metrics        Metrics
	done           chan struct{}
}

var _ domain.EventPublisher = (*Hub)(nil)

// NewHub starts the hub goroutine. maxConnections <= 0 means unlimited; m may be nil.
func NewHub(clock clockwork.Clock, maxConnections int, m Metrics) *Hub {
	if m == nil {
		m = noopMetrics{}
	}
	h := &Hub{
		cmdCh:          make(chan hubCmd, cmdBufferSize),
		clock:          clock,
		clients:        make(map[*client]struct{}),
		rooms:          make(map[domain.Room]map[*client]struct{}),
		maxConnections: maxConnections,
		metrics:        m,
		done:           make(chan struct{}),
	}
	go h.run()
	return h
}

// send delivers cmd unless the hub has stopped.
func (h *Hub) send(cmd hubCmd) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) register(c *client) error {
	errCh := make(chan error, 1)
	if !h.send(registerCmd{client: c, errCh: errCh}) {
		return fmt.Errorf("hub stopped")
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

func (h *Hub) unregister(c *client) {
	h.send(unregisterCmd{client: c})
}

// join adds c to room and returns the rooms c is now a member of.
func (h *Hub) join(c *client, room domain.Room) []domain.Room {
	reply := make(chan []domain.Room, 1)
	if !h.send(joinCmd{client: c, room: room, reply: reply}) {
		return nil
	}
	select {
	case rooms := <-reply:
		return rooms
	case <-h.done:
		return nil
	}
}

func (h *Hub) leave(c *client, room domain.Room) {
	h.send(leaveCmd{client: c, room: room})
}

// Publish fans events out to their room, or to every connection in their audience.
// A room without members is a no-op.
func (h *Hub) Publish(ctx context.Context, events ...domain.Event) error {
	for _, e := range events {
		payload, err := encodeEvent(e)
		if err != nil {
			return fmt.Errorf("failed to encode %s event: %w", e.Name, err)
		}

		select {
		case h.cmdCh <- publishCmd{room: e.Room, audience: e.Audience, payload: payload}:
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RoomSize returns the number of members of room, or -1 when the hub does not answer in time.
func (h *Hub) RoomSize(room domain.Room) int {
	reply := make(chan int, 1)
	if !h.send(countCmd{room: room, reply: reply}) {
		return -1
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-timer.Chan():
		slog.Warn("RoomSize timed out", "timeout", commandTimeout)
		return -1
	}
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	return h.RoomSize("")
}

// Stop closes every connection with a close frame and waits for the hub to exit.
func (h *Hub) Stop() {
	if !h.send(stopCmd{}) {
		return
	}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.closeAll(websocket.CloseInternalServerErr, "hub failure")
		}
	}()

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			c.errCh <- h.handleRegister(c.client)
		case unregisterCmd:
			h.handleUnregister(c.client)
		case joinCmd:
			c.reply <- h.handleJoin(c.client, c.room)
		case leaveCmd:
			h.handleLeave(c.client, c.room)
		case publishCmd:
			h.handlePublish(c)
		case countCmd:
			if c.room == "" {
				c.reply <- len(h.clients)
			} else {
				c.reply <- len(h.rooms[c.room])
			}
		case stopCmd:
			slog.Info("Hub shutting down", "connections", len(h.clients), "rooms", len(h.rooms))
			h.closeAll(websocket.CloseGoingAway, "Server shutting down")
			return
		default:
			slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) handleRegister(c *client) error {
	if h.maxConnections > 0 && len(h.clients) >= h.maxConnections {
		slog.Warn("Rejecting connection: max connections reached", "max_connections", h.maxConnections)
		return fmt.Errorf("max connections (%d) reached", h.maxConnections)
	}
	h.clients[c] = struct{}{}
	h.metrics.ConnectionOpened()
	slog.Debug("Client registered", "caller_id", c.caller.ID.String(), "role", c.caller.Role, "total_clients", len(h.clients))
	return nil
}

func (h *Hub) handleUnregister(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.drop(c)
	if c.writer != nil {
		go c.writer.stop()
	}
}

// drop forgets c without touching its connection.
func (h *Hub) drop(c *client) {
	for room := range c.rooms {
		members := h.rooms[room]
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	clear(c.rooms)
	delete(h.clients, c)
	h.metrics.ConnectionClosed()
	slog.Debug("Client unregistered", "caller_id", c.caller.ID.String(), "remaining_clients", len(h.clients))
}

func (h *Hub) handleJoin(c *client, room domain.Room) []domain.Room {
	if _, ok := h.clients[c]; !ok {
		return nil
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}

	joined := make([]domain.Room, 0, len(c.rooms))
	for r := range c.rooms {
		joined = append(joined, r)
	}
	return joined
}

func (h *Hub) handleLeave(c *client, room domain.Room) {
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	delete(c.rooms, room)
}

func (h *Hub) handlePublish(cmd publishCmd) {
	h.metrics.MessagePublished()

	var slow []*client
	deliver := func(c *client) {
		if !c.writer.enqueue(cmd.payload) {
			slow = append(slow, c)
		}
	}

	if cmd.room != "" {
		for c := range h.rooms[cmd.room] {
			deliver(c)
		}
	} else {
		for c := range h.clients {
			if cmd.audience.Includes(c.caller.Role) {
				deliver(c)
			}
		}
	}

	for _, c := range slow {
		slog.Warn("Disconnecting slow client", "caller_id", c.caller.ID.String())
		h.metrics.SlowClientDropped()
		h.drop(c)
		go c.writer.stopGraceful(websocket.ClosePolicyViolation, "client too slow")
	}
}

func (h *Hub) closeAll(code int, reason string) {
	for c := range h.clients {
		h.drop(c)
		if c.writer != nil {
			c.writer.stopGraceful(code, reason)
		}
	}
}
