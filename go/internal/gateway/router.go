package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/events"
	"github.com/mcdev12/arena/go/internal/matchmaking"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/session"
	"github.com/mcdev12/arena/go/internal/turn"
)

const authTimeout = 5 * time.Second

// inboundMessage is the envelope every client frame uses.
type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// route dispatches one inbound frame. Every message other than
// authenticate requires an authenticated connection.
func (g *Gateway) route(c *Conn, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.sendError(c, events.CodeValidation, "malformed message")
		return
	}

	if msg.Type == "authenticate" {
		g.handleAuthenticate(c, msg.Payload)
		return
	}
	if c.PlayerID() == "" {
		g.sendError(c, events.CodeAuth, "authentication required")
		return
	}

	switch msg.Type {
	case "join_queue":
		g.handleJoinQueue(c, msg.Payload)
	case "leave_queue":
		g.handleLeaveQueue(c)
	case "game_action":
		g.handleGameAction(c, msg.Payload)
	case "end_game":
		g.handleEndGame(c, msg.Payload)
	case "leave":
		g.handleLeave(c)
	case "spectate":
		g.handleSpectate(c, msg.Payload)
	case "stop_spectating":
		g.handleStopSpectating(c)
	case "chat":
		g.handleChat(c, msg.Payload)
	default:
		g.sendError(c, events.CodeValidation, "unknown message type: "+msg.Type)
	}
}

func (g *Gateway) handleAuthenticate(c *Conn, payload json.RawMessage) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Token == "" {
		g.sendError(c, events.CodeValidation, "token is required")
		return
	}
	if c.PlayerID() != "" {
		g.sendError(c, events.CodeStateConflict, "connection already authenticated")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()
	playerID, err := g.verifier.Verify(ctx, req.Token)
	if err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", c.ID.String()).
			Msg("authentication failed")
		g.sendError(c, events.CodeAuth, "invalid credentials")
		return
	}

	g.mu.Lock()
	if prev, ok := g.byPlayer[playerID]; ok && prev != c {
		g.mu.Unlock()
		g.sendError(c, events.CodeStateConflict, "player already connected")
		return
	}
	g.byPlayer[playerID] = c
	g.mu.Unlock()

	c.mu.Lock()
	c.playerID = playerID
	c.mu.Unlock()

	log.Info().
		Str("connection_id", c.ID.String()).
		Str("player_id", playerID).
		Msg("connection authenticated")

	g.sendEvent(c, events.New("", events.TypeAuthenticated, events.AuthenticatedPayload{
		PlayerID: playerID,
	}))
}

func (g *Gateway) handleJoinQueue(c *Conn, payload json.RawMessage) {
	var req struct {
		GameID string `json:"gameId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.GameID == "" {
		g.sendError(c, events.CodeValidation, "gameId is required")
		return
	}
	gt, ok := g.catalog[req.GameID]
	if !ok {
		g.sendError(c, events.CodeValidation, "unknown game type: "+req.GameID)
		return
	}

	position, matched, err := g.queue.Enqueue(gt, c.PlayerID(), c.ID)
	if err != nil {
		switch {
		case errors.Is(err, matchmaking.ErrAlreadyQueued),
			errors.Is(err, matchmaking.ErrAlreadyInSession):
			g.sendError(c, events.CodeStateConflict, err.Error())
		default:
			g.sendError(c, events.CodeInternal, "failed to join queue")
		}
		return
	}

	// The joiner always learns their position, even when the join completes
	// a match.
	g.sendEvent(c, events.New("", events.TypeQueueJoined, events.QueueJoinedPayload{
		GameID:   req.GameID,
		Position: position,
	}))

	if matched != nil {
		g.startMatch(gt, matched)
	}
}

// startMatch turns a formed queue batch into a running session: create the
// session, bind the matched connections in queue order, then announce.
func (g *Gateway) startMatch(gt models.GameType, matched []models.QueueEntry) {
	players := make([]string, len(matched))
	conns := make([]*Conn, len(matched))
	for i, e := range matched {
		players[i] = e.PlayerID
		g.mu.RLock()
		conns[i] = g.conns[e.ConnectionID]
		g.mu.RUnlock()
	}

	active, err := g.registry.Create(gt, players)
	if err != nil {
		log.Error().
			Err(err).
			Str("game_type", gt.ID).
			Strs("players", players).
			Msg("failed to create session for formed match")
		for _, c := range conns {
			if c != nil {
				g.sendError(c, events.CodeInternal, "failed to start session")
			}
		}
		return
	}

	// Participants must be bound before the start broadcast or they would
	// miss it. A connection that vanished mid-formation is bound as absent
	// and surfaces as a disconnect.
	for i, c := range conns {
		if c == nil {
			g.registry.Disconnect(players[i])
			continue
		}
		g.bindSession(c, active.Session.ID)
	}

	g.registry.Start(active)
}

func (g *Gateway) handleLeaveQueue(c *Conn) {
	g.queue.Dequeue(c.ID)
	g.sendEvent(c, events.New("", events.TypeQueueLeft, events.QueueLeftPayload{}))
}

func (g *Gateway) handleGameAction(c *Conn, payload json.RawMessage) {
	var req struct {
		Action    json.RawMessage `json:"action"`
		Timestamp int64           `json:"timestamp,omitempty"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Action) == 0 {
		g.sendError(c, events.CodeValidation, "action is required")
		return
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(req.Action, &probe); err != nil || probe.Type == "" {
		g.sendError(c, events.CodeValidation, "action.type is required")
		return
	}

	var clientTime time.Time
	if req.Timestamp > 0 {
		clientTime = time.UnixMilli(req.Timestamp)
	}

	if err := g.registry.HandleAction(c.PlayerID(), req.Action, clientTime); err != nil {
		g.sendActionError(c, err)
	}
}

// sendActionError maps engine errors onto the wire error taxonomy.
func (g *Gateway) sendActionError(c *Conn, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, turn.ErrDeadlinePassed):
		g.sendError(c, events.CodeStateConflict, err.Error())
	case errors.Is(err, turn.ErrUnknownPlayer):
		g.sendError(c, events.CodeUnauthorized, err.Error())
	case errors.Is(err, session.ErrRejectedByRules),
		errors.Is(err, turn.ErrCommitPhaseOver),
		errors.Is(err, turn.ErrNoCommitment),
		errors.Is(err, turn.ErrCommitmentMismatch),
		errors.Is(err, turn.ErrWrongMode):
		g.sendError(c, events.CodeValidation, err.Error())
	default:
		g.sendError(c, events.CodeValidation, err.Error())
	}
}

func (g *Gateway) handleEndGame(c *Conn, payload json.RawMessage) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		g.sendError(c, events.CodeValidation, "malformed payload")
		return
	}
	sid, err := uuid.Parse(req.SessionID)
	if err != nil {
		g.sendError(c, events.CodeValidation, "sessionId must be a uuid")
		return
	}

	if _, err := g.registry.End(c.PlayerID(), sid); err != nil {
		switch {
		case errors.Is(err, session.ErrUnauthorized):
			g.sendError(c, events.CodeUnauthorized, err.Error())
		case errors.Is(err, session.ErrNotFound):
			g.sendError(c, events.CodeStateConflict, err.Error())
		default:
			g.sendError(c, events.CodeInternal, "failed to end session")
		}
	}
}

// handleLeave is the voluntary exit: the leaver is unbound before the
// registry broadcasts so they do not receive their own player_left.
func (g *Gateway) handleLeave(c *Conn) {
	player := c.PlayerID()
	g.queue.RemovePlayer(player)

	g.mu.Lock()
	sid := c.SessionID()
	if sid != uuid.Nil {
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
		c.mu.Lock()
		c.sessionID = uuid.Nil
		c.mu.Unlock()
	}
	g.mu.Unlock()

	g.registry.Leave(player)
	g.sendEvent(c, events.New("", events.TypeSessionLeft, nil))
}

func (g *Gateway) handleSpectate(c *Conn, payload json.RawMessage) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		g.sendError(c, events.CodeValidation, "malformed payload")
		return
	}
	sid, err := uuid.Parse(req.SessionID)
	if err != nil {
		g.sendError(c, events.CodeValidation, "sessionId must be a uuid")
		return
	}
	if c.Spectating() != uuid.Nil {
		g.sendError(c, events.CodeStateConflict, "already spectating a session")
		return
	}
	if c.SessionID() == sid {
		g.sendError(c, events.CodeStateConflict, "already a participant of this session")
		return
	}

	view, ok := g.registry.SpectatorView(sid)
	if !ok {
		g.sendError(c, events.CodeStateConflict, "session not found")
		return
	}

	g.bindSpectator(c, sid)
	g.sendEvent(c, events.New(sid.String(), events.TypeSpectating, events.SpectatingPayload{
		SessionID: sid.String(),
		GameID:    view.GameType.ID,
		Players:   view.Players,
		State:     view.State,
		Turn:      view.Turn,
	}))

	log.Debug().
		Str("connection_id", c.ID.String()).
		Str("session_id", sid.String()).
		Msg("spectator joined")
}

func (g *Gateway) handleStopSpectating(c *Conn) {
	sid := g.unbindSpectator(c)
	if sid == uuid.Nil {
		g.sendError(c, events.CodeStateConflict, "not spectating a session")
		return
	}
	g.sendEvent(c, events.New(sid.String(), events.TypeStoppedSpectating, events.StoppedSpectatingPayload{
		SessionID: sid.String(),
	}))
}

func (g *Gateway) handleChat(c *Conn, payload json.RawMessage) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Message == "" {
		g.sendError(c, events.CodeValidation, "message is required")
		return
	}
	if len(req.Message) > g.cfg.MaxChatLength {
		g.sendError(c, events.CodeValidation, "message too long")
		return
	}

	sid := c.SessionID()
	if sid == uuid.Nil {
		sid = c.Spectating()
	}
	if sid == uuid.Nil {
		g.sendError(c, events.CodeStateConflict, "not in a session")
		return
	}

	g.BroadcastToSession(sid, events.New(sid.String(), events.TypeChat, events.ChatPayload{
		From:    c.PlayerID(),
		Message: html.EscapeString(req.Message),
		SentAt:  g.clock.Now().UTC(),
	}))
}
