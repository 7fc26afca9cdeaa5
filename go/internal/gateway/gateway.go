package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/auth"
	"github.com/mcdev12/arena/go/internal/events"
	"github.com/mcdev12/arena/go/internal/latency"
	"github.com/mcdev12/arena/go/internal/matchmaking"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/session"
)

// Config holds transport and policy settings for the gateway.
type Config struct {
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	ReapInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	MaxChatLength   int

	// Message-rate budget over a rolling window; violations beyond the
	// limit force-close the connection.
	RateLimitWindow        time.Duration
	RateLimitBudget        int
	RateLimitMaxViolations int

	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		IdleTimeout:     90 * time.Second,
		ReapInterval:    15 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		MaxChatLength:   500,

		RateLimitWindow:        time.Second,
		RateLimitBudget:        20,
		RateLimitMaxViolations: 3,

		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// Gateway owns the live connection set: it authenticates connections,
// routes inbound messages to the queue, registry, and schedulers, and fans
// outbound events back to participants and spectators. It holds no session
// business logic of its own.
type Gateway struct {
	cfg      Config
	clock    clockwork.Clock
	upgrader websocket.Upgrader

	verifier auth.Verifier
	registry *session.Registry
	queue    *matchmaking.Queue
	latency  *latency.Tracker
	catalog  map[string]models.GameType

	mu       sync.RWMutex
	conns    map[uuid.UUID]*Conn
	byPlayer map[string]*Conn
	// sessionConns holds each session's receivers in insertion order:
	// participants as they were bound, spectators as they joined.
	sessionConns map[uuid.UUID][]*Conn
}

func New(cfg Config, verifier auth.Verifier, registry *session.Registry, queue *matchmaking.Queue, lat *latency.Tracker, catalog map[string]models.GameType, clock clockwork.Clock) *Gateway {
	g := &Gateway{
		cfg:   cfg,
		clock: clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		verifier:     verifier,
		registry:     registry,
		queue:        queue,
		latency:      lat,
		catalog:      catalog,
		conns:        make(map[uuid.UUID]*Conn),
		byPlayer:     make(map[string]*Conn),
		sessionConns: make(map[uuid.UUID][]*Conn),
	}
	registry.SetBroadcaster(g)
	return g
}

// Run drives the idle-connection reaper until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	log.Info().Msg("gateway started")
	ticker := g.clock.NewTicker(g.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway shutting down")
			return
		case <-ticker.Chan():
			g.reapIdle()
		}
	}
}

// reapIdle force-closes connections that have not shown liveness within the
// idle window. The close is handled as an implicit disconnect.
func (g *Gateway) reapIdle() {
	now := g.clock.Now()

	g.mu.RLock()
	var stale []*Conn
	for _, c := range g.conns {
		c.mu.Lock()
		idle := now.Sub(c.lastSeen)
		c.mu.Unlock()
		if idle > g.cfg.IdleTimeout {
			stale = append(stale, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range stale {
		log.Info().
			Str("connection_id", c.ID.String()).
			Msg("reaping idle connection")
		g.forceClose(c)
	}
}

// accept registers a freshly upgraded websocket and acknowledges it with
// its connection id.
func (g *Gateway) accept(ws *websocket.Conn) *Conn {
	now := g.clock.Now()
	c := &Conn{
		ID:          uuid.New(),
		ws:          ws,
		gw:          g,
		send:        make(chan []byte, g.cfg.SendBufferSize),
		lastSeen:    now,
		connectedAt: now,
	}

	g.mu.Lock()
	g.conns[c.ID] = c
	total := len(g.conns)
	g.mu.Unlock()

	go c.writePump()
	go c.readPump()

	g.sendEvent(c, events.New("", events.TypeConnected, events.ConnectedPayload{
		ConnectionID: c.ID.String(),
	}))

	log.Info().
		Str("connection_id", c.ID.String()).
		Int("total_connections", total).
		Msg("connection established")
	return c
}

// allowMessage applies the rolling-window rate budget. It returns false
// when the connection has exhausted its violation allowance and must close.
func (g *Gateway) allowMessage(c *Conn) bool {
	now := g.clock.Now()

	c.mu.Lock()
	if now.Sub(c.rateStart) > g.cfg.RateLimitWindow {
		c.rateStart = now
		c.rateCount = 0
	}
	c.rateCount++
	over := c.rateCount > g.cfg.RateLimitBudget
	var violations int
	if over {
		c.rateViolations++
		violations = c.rateViolations
		c.rateStart = now
		c.rateCount = 0
	}
	c.mu.Unlock()

	if !over {
		return true
	}

	if violations >= g.cfg.RateLimitMaxViolations {
		log.Warn().
			Str("connection_id", c.ID.String()).
			Int("violations", violations).
			Msg("rate limit exceeded, closing connection")
		g.sendError(c, events.CodeTransport, "message rate exceeded, closing connection")
		g.forceClose(c)
		return false
	}

	g.sendError(c, events.CodeTransport, "message rate exceeded, slow down")
	return true
}

// forceClose tears down the transport; the read pump's disconnect handling
// does the bookkeeping.
func (g *Gateway) forceClose(c *Conn) {
	if c.markClosed() {
		c.ws.Close()
	}
}

// handleDisconnect is the single exit path for a connection: it is removed
// from every structure it appears in, its queue entry is dropped, and its
// session sees a disconnect.
func (g *Gateway) handleDisconnect(c *Conn) {
	c.markClosed()

	g.mu.Lock()
	if _, ok := g.conns[c.ID]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.conns, c.ID)
	player := c.playerID
	if player != "" && g.byPlayer[player] == c {
		delete(g.byPlayer, player)
	}
	g.unbindLocked(c)
	g.mu.Unlock()

	g.queue.Dequeue(c.ID)
	if player != "" {
		g.registry.Disconnect(player)
		g.latency.Forget(player)
	}

	log.Info().
		Str("connection_id", c.ID.String()).
		Str("player_id", player).
		Msg("connection closed")
}

// unbindLocked removes the connection from any session fan-out lists.
// Caller holds g.mu.
func (g *Gateway) unbindLocked(c *Conn) {
	for _, sid := range []uuid.UUID{c.sessionID, c.spectating} {
		if sid == uuid.Nil {
			continue
		}
		list := g.sessionConns[sid]
		for i, other := range list {
			if other == c {
				g.sessionConns[sid] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(g.sessionConns[sid]) == 0 {
			delete(g.sessionConns, sid)
		}
	}
	c.mu.Lock()
	c.sessionID = uuid.Nil
	c.spectating = uuid.Nil
	c.mu.Unlock()
}

// bindSession attaches a participant connection to a session's fan-out
// list.
func (g *Gateway) bindSession(c *Conn, sessionID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
	g.sessionConns[sessionID] = append(g.sessionConns[sessionID], c)
}

// bindSpectator attaches a spectator connection to a session's fan-out
// list. Compatible with an existing participant binding.
func (g *Gateway) bindSpectator(c *Conn, sessionID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c.mu.Lock()
	c.spectating = sessionID
	c.mu.Unlock()
	g.sessionConns[sessionID] = append(g.sessionConns[sessionID], c)
}

// unbindSpectator removes only the spectator binding.
func (g *Gateway) unbindSpectator(c *Conn) uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()

	c.mu.Lock()
	sid := c.spectating
	c.spectating = uuid.Nil
	c.mu.Unlock()
	if sid == uuid.Nil {
		return uuid.Nil
	}

	list := g.sessionConns[sid]
	for i, other := range list {
		if other == c {
			g.sessionConns[sid] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(g.sessionConns[sid]) == 0 {
		delete(g.sessionConns, sid)
	}
	return sid
}

// BroadcastToSession delivers an event to every connection bound to the
// session, in insertion order. Delivery is fire-and-forget per connection.
func (g *Gateway) BroadcastToSession(sessionID uuid.UUID, ev *events.Event) {
	g.broadcastExcept(sessionID, ev, uuid.Nil)
}

func (g *Gateway) broadcastExcept(sessionID uuid.UUID, ev *events.Event, exclude uuid.UUID) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal broadcast event")
		return
	}

	for _, c := range g.sessionSnapshot(sessionID) {
		if c.ID == exclude {
			continue
		}
		c.trySend(data)
	}
}

// BroadcastPerViewer builds one event per receiver so hidden state can be
// masked for each viewer. Spectator connections get an empty viewer id.
func (g *Gateway) BroadcastPerViewer(sessionID uuid.UUID, build func(viewerID string) *events.Event) {
	for _, c := range g.sessionSnapshot(sessionID) {
		viewer := ""
		if c.SessionID() == sessionID {
			viewer = c.PlayerID()
		}
		ev := build(viewer)
		if ev == nil {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Msg("failed to marshal broadcast event")
			continue
		}
		c.trySend(data)
	}
}

// SessionClosed drops every binding for a terminated session.
func (g *Gateway) SessionClosed(sessionID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, c := range g.sessionConns[sessionID] {
		c.mu.Lock()
		if c.sessionID == sessionID {
			c.sessionID = uuid.Nil
		}
		if c.spectating == sessionID {
			c.spectating = uuid.Nil
		}
		c.mu.Unlock()
	}
	delete(g.sessionConns, sessionID)
}

// sessionSnapshot copies the receiver list so a disconnect triggered by a
// send cannot corrupt the iteration.
func (g *Gateway) sessionSnapshot(sessionID uuid.UUID) []*Conn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	list := g.sessionConns[sessionID]
	out := make([]*Conn, len(list))
	copy(out, list)
	return out
}

// sendEvent marshals and queues an event for one connection.
func (g *Gateway) sendEvent(c *Conn, ev *events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event")
		return
	}
	c.trySend(data)
}

// sendError surfaces a failure to the offending connection only.
func (g *Gateway) sendError(c *Conn, code, message string) {
	g.sendEvent(c, events.New("", events.TypeError, events.ErrorPayload{
		Code:    code,
		Message: message,
	}))
}

// Stats reports connection counts for the operational endpoint.
func (g *Gateway) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]int{
		"total_connections": len(g.conns),
		"active_sessions":   len(g.sessionConns),
	}
}
