package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjy919100-del/synapse-proto/internal/identity"
	"github.com/cjy919100-del/synapse-proto/internal/protocol"
)

const (
	maxFrameBytes  = 1 << 20
	authGrace      = 30 * time.Second
	sendQueueDepth = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Session is one duplex connection. It holds no market state beyond its
// challenge nonce and, after a successful handshake, the bound agent
// identity; the identity outlives the session.
type Session struct {
	x    *Exchange
	conn *websocket.Conn

	nonce   string
	agentID string // set under x.mu on successful auth

	send chan []byte
	done chan struct{}
}

func (s *Session) authed() bool { return s.agentID != "" }

// enqueue hands a frame to the session's writer without blocking; a stalled
// client loses frames rather than stalling the exchange.
func (s *Session) enqueue(raw []byte) {
	select {
	case s.send <- raw:
	default:
	}
}

func (s *Session) sendMsg(msg any) {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		s.x.log.Error("marshal session message", "error", err)
		return
	}
	s.enqueue(raw)
}

func (s *Session) sendErr(code protocol.ErrorCode) {
	s.sendMsg(newError(code))
}

// HandleWS upgrades a connection, issues the challenge, and serves the
// session until the socket closes. Market state survives the disconnect.
func (x *Exchange) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		x.log.Error("websocket upgrade failed", "error", err)
		return
	}
	nonce, err := identity.NewNonce()
	if err != nil {
		x.log.Error("challenge nonce generation failed", "error", err)
		conn.Close()
		return
	}

	s := &Session{
		x:     x,
		conn:  conn,
		nonce: nonce,
		send:  make(chan []byte, sendQueueDepth),
		done:  make(chan struct{}),
	}
	x.mu.Lock()
	x.sessions[s] = struct{}{}
	x.mu.Unlock()

	go s.writePump()
	s.sendMsg(newChallenge(nonce, nowMs()))
	s.readLoop()

	x.mu.Lock()
	delete(x.sessions, s)
	x.mu.Unlock()
	close(s.done)
	conn.Close()
}

func (s *Session) writePump() {
	for {
		select {
		case raw := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxFrameBytes)
	// Half-authed sessions are not kept around indefinitely.
	_ = s.conn.SetReadDeadline(time.Now().Add(authGrace))
	graceCleared := false

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.x.log.Debug("websocket read ended", "error", err)
			}
			return
		}
		s.dispatch(raw)
		if s.authed() && !graceCleared {
			_ = s.conn.SetReadDeadline(time.Time{})
			graceCleared = true
		}
	}
}

// dispatch validates one inbound frame and routes it to its handler.
// Handlers run with the exchange lock held, atomically from first read to
// last write; per-connection ordering follows from the single read loop.
func (s *Session) dispatch(raw []byte) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.sendErr(protocol.ErrInvalidMessage)
		return
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.V != protocol.Version || env.Type == "" {
		s.sendErr(protocol.ErrInvalidMessage)
		return
	}
	if !s.x.validator.Known(env.Type) {
		s.sendErr(protocol.ErrUnknownType)
		return
	}
	if !s.authed() && env.Type != protocol.TypeAuth {
		s.sendErr(protocol.ErrNotAuthenticated)
		return
	}
	if err := s.x.validator.Validate(env.Type, doc); err != nil {
		s.sendErr(protocol.ErrInvalidMessage)
		return
	}

	var code protocol.ErrorCode
	switch env.Type {
	case protocol.TypeAuth:
		var msg protocol.Auth
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendErr(protocol.ErrInvalidMessage)
			return
		}
		code = s.handleAuth(msg)
	case protocol.TypePostJob:
		var msg protocol.PostJob
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendErr(protocol.ErrInvalidMessage)
			return
		}
		code = s.locked(func(x *Exchange) protocol.ErrorCode { return x.handlePostJob(s, msg) })
	case protocol.TypeBid:
		var msg protocol.Bid
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendErr(protocol.ErrInvalidMessage)
			return
		}
		code = s.locked(func(x *Exchange) protocol.ErrorCode { return x.handleBid(s, msg) })
	case protocol.TypeAward:
		var msg protocol.Award
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendErr(protocol.ErrInvalidMessage)
			return
		}
		code = s.locked(func(x *Exchange) protocol.ErrorCode { return x.handleAward(s, msg) })
	case protocol.TypeCounterOffer:
		var msg protocol.CounterOffer
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendErr(protocol.ErrInvalidMessage)
			return
		}
		code = s.locked(func(x *Exchange) protocol.ErrorCode { return x.handleCounterOffer(s, msg) })
	case protocol.TypeWorkerCounter:
		var msg protocol.WorkerCounter
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendErr(protocol.ErrInvalidMessage)
			return
		}
		code = s.locked(func(x *Exchange) protocol.ErrorCode { return x.handleWorkerCounter(s, msg) })
	case protocol.TypeOfferDecision:
		var msg protocol.OfferDecision
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendErr(protocol.ErrInvalidMessage)
			return
		}
		code = s.locked(func(x *Exchange) protocol.ErrorCode { return x.handleOfferDecision(s, msg) })
	case protocol.TypeSubmit:
		var msg protocol.Submit
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendErr(protocol.ErrInvalidMessage)
			return
		}
		code = s.locked(func(x *Exchange) protocol.ErrorCode { return x.handleSubmit(s, msg) })
	case protocol.TypeReview:
		var msg protocol.Review
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendErr(protocol.ErrInvalidMessage)
			return
		}
		code = s.locked(func(x *Exchange) protocol.ErrorCode { return x.handleReview(s, msg) })
	default:
		s.sendErr(protocol.ErrUnknownType)
		return
	}
	if code != "" {
		s.sendErr(code)
	}
}

func (s *Session) locked(fn func(x *Exchange) protocol.ErrorCode) protocol.ErrorCode {
	s.x.mu.Lock()
	defer s.x.mu.Unlock()
	return fn(s.x)
}

// handleAuth runs the signed-nonce handshake and binds the session to the
// durable identity derived from the client's public key.
func (s *Session) handleAuth(msg protocol.Auth) protocol.ErrorCode {
	name := strings.TrimSpace(msg.AgentName)
	if name == "" {
		return protocol.ErrBadAgentName
	}
	if msg.Nonce != s.nonce {
		return protocol.ErrBadNonce
	}
	if err := identity.VerifyAuth(protocol.Version, msg.Nonce, msg.AgentName, msg.PublicKey, msg.Signature); err != nil {
		return protocol.ErrSignatureFailed
	}
	agentID := identity.AgentIDFromPublicKey(msg.PublicKey)

	x := s.x
	x.mu.Lock()
	defer x.mu.Unlock()

	agent, newAgent := x.agents[agentID], false
	if agent == nil {
		agent = &Agent{ID: agentID, Name: name, PublicKey: msg.PublicKey, CreatedAtMs: nowMs()}
		x.agents[agentID] = agent
		newAgent = true
	}
	acc, newAccount := x.ensureAccount(agentID, x.cfg.StartingCredits)
	rep := x.ensureReputation(agentID)

	if x.store != nil {
		if err := x.persistAuth(agent, acc, rep); err != nil {
			// Auth persistence is fatal for this handshake: roll the session
			// back so the client may retry against a consistent store.
			x.log.Error("auth persistence failed", "agent_id", agentID, "error", err)
			if newAgent {
				delete(x.agents, agentID)
			}
			if newAccount {
				delete(x.accounts, agentID)
				delete(x.reps, agentID)
			}
			return protocol.ErrDBAuth
		}
	}

	s.agentID = agentID
	s.sendMsg(newAuthed(agentID, acc.Credits))
	x.tape.Publish(TapeEvent{Kind: TapeAgentAuthed, Payload: map[string]any{
		"agentId": agentID, "name": name, "credits": acc.Credits,
	}})
	x.persist("event", func(ctx context.Context) error {
		return x.store.AppendEvent(ctx, TapeAgentAuthed, map[string]any{"agentId": agentID, "name": name})
	})
	return ""
}

// persistAuth writes identity, ledger, and reputation as one atomic attempt.
func (x *Exchange) persistAuth(agent *Agent, acc *Account, rep *Reputation) error {
	ctx := context.Background()
	if err := x.store.UpsertAgent(ctx, agentRow(agent)); err != nil {
		return err
	}
	if err := x.store.UpsertLedger(ctx, ledgerRow(acc)); err != nil {
		return err
	}
	return x.store.UpsertReputation(ctx, reputationRow(rep))
}
