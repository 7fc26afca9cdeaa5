package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Conn is one live websocket connection. Transport reads and writes run on
// the connection's own pump goroutines; the identity/session bindings are
// guarded by the connection's mutex and mutated only by the gateway.
type Conn struct {
	ID uuid.UUID
	ws *websocket.Conn
	gw *Gateway

	send chan []byte

	mu         sync.Mutex
	closed     bool
	playerID   string
	sessionID  uuid.UUID
	spectating uuid.UUID
	lastSeen   time.Time
	pingSentAt time.Time

	rateStart      time.Time
	rateCount      int
	rateViolations int

	connectedAt time.Time
}

func (c *Conn) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

func (c *Conn) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) Spectating() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spectating
}

// trySend queues a message without blocking. A full or closed peer is
// dropped rather than allowed to stall other deliveries.
func (c *Conn) trySend(message []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- message:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		log.Warn().
			Str("connection_id", c.ID.String()).
			Msg("send buffer full, closing connection")
		c.gw.forceClose(c)
	}
}

// markClosed flips the closed flag exactly once. The caller that wins closes
// the send channel.
func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// writePump drains the send channel to the websocket and emits liveness
// pings. Runs until the send channel closes or a write fails.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.gw.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID.String()).
					Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			c.pingSentAt = c.gw.clock.Now()
			c.mu.Unlock()
			c.ws.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames and routes them. A pong inside the
// window refreshes liveness and yields a round-trip sample for the latency
// tracker.
func (c *Conn) readPump() {
	defer func() {
		c.gw.handleDisconnect(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.gw.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.gw.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.gw.cfg.PongTimeout))
		c.mu.Lock()
		c.lastSeen = c.gw.clock.Now()
		sample := c.lastSeen.Sub(c.pingSentAt)
		player := c.playerID
		pinged := !c.pingSentAt.IsZero()
		c.mu.Unlock()
		if pinged && player != "" {
			c.gw.latency.Record(player, sample)
		}
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID.String()).
					Msg("unexpected websocket close")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.gw.cfg.PongTimeout))

		c.mu.Lock()
		c.lastSeen = c.gw.clock.Now()
		c.mu.Unlock()

		if !c.gw.allowMessage(c) {
			return
		}
		c.gw.route(c, message)
	}
}
