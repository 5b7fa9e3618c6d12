package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oppihq/oppid/internal/fanout"
	"github.com/oppihq/oppid/internal/gate"
	"github.com/oppihq/oppid/internal/supervisor"
	"github.com/oppihq/oppid/internal/turns"
	"github.com/oppihq/oppid/pkg/protocol"
)

const maxInboundBytes = 1 << 20

// Client is one websocket connection. The read loop demuxes client
// messages to supervisors; per-session pump goroutines forward sequenced
// events into the outbound queue; a single writer drains the queue. A
// client that cannot keep up with its queue is disconnected rather than
// allowed to stall publishers.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server
	log  *slog.Logger

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}

	mu   sync.Mutex
	subs map[string]*clientSub // sessionID → active subscription
}

type clientSub struct {
	sessionID string
	sub       *fanout.Subscriber
	stop      chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, srv *Server) *Client {
	id := uuid.NewString()
	queue := srv.cfg.Gateway.SendQueueSize
	if queue <= 0 {
		queue = 256
	}
	return &Client{
		id:   id,
		conn: conn,
		srv:  srv,
		log:  slog.With("component", "gateway", "client", id),
		send: make(chan []byte, queue),
		done: make(chan struct{}),
		subs: make(map[string]*clientSub),
	}
}

// Run drives the connection until the peer disconnects or the client is
// torn down.
func (c *Client) Run(ctx context.Context) {
	go c.writeLoop()
	c.readLoop(ctx)
}

// Close detaches all subscriptions and closes the connection. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := make([]*clientSub, 0, len(c.subs))
		for _, cs := range c.subs {
			subs = append(subs, cs)
		}
		c.subs = make(map[string]*clientSub)
		c.mu.Unlock()

		for _, cs := range subs {
			c.detach(cs)
		}
		c.conn.Close()
	})
}

func (c *Client) detach(cs *clientSub) {
	close(cs.stop)
	if sess, err := c.srv.registry.Get(cs.sessionID); err == nil {
		sess.Broker().Unsubscribe(cs.sub)
	}
}

func (c *Client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxInboundBytes)
	if wait := c.pongWait(); wait > 0 {
		c.conn.SetReadDeadline(time.Now().Add(wait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read failed", "error", err)
			}
			return
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("unparseable message", "error", err)
			continue
		}

		if lim := c.srv.rateLimiter; lim.Enabled() && !lim.Allow(c.id) {
			c.reject(msg, "rate_limited")
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Client) pongWait() time.Duration {
	gw := c.srv.cfg.Gateway
	if gw.PingIntervalS <= 0 {
		return 0
	}
	return gw.PingInterval() + gw.PongTimeout()
}

func (c *Client) writeLoop() {
	var ping *time.Ticker
	var pingC <-chan time.Time
	if iv := c.srv.cfg.Gateway.PingInterval(); iv > 0 {
		ping = time.NewTicker(iv)
		pingC = ping.C
		defer ping.Stop()
	}

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-pingC:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue pushes a frame into the outbound queue. A full queue means the
// client has stopped draining; tear it down instead of blocking a
// publisher.
func (c *Client) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal outbound frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn("send queue overflow, disconnecting")
		c.Close()
	}
}

func (c *Client) result(requestID string, payload any) {
	if requestID == "" {
		return
	}
	c.enqueue(protocol.NewCommandResult(requestID, payload))
}

func (c *Client) reject(msg protocol.ClientMessage, reason string) {
	if msg.RequestID == "" {
		return
	}
	c.enqueue(protocol.NewCommandError(msg.RequestID, reason))
}

func (c *Client) resolveSession(msg protocol.ClientMessage) (*supervisor.Session, bool) {
	if msg.SessionID == "" {
		c.reject(msg, "invalid_request: sessionId required")
		return nil, false
	}
	sess, err := c.srv.registry.Get(msg.SessionID)
	if err != nil {
		c.reject(msg, "session_not_found")
		return nil, false
	}
	return sess, true
}

func (c *Client) dispatch(ctx context.Context, msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.MsgSubscribe:
		c.handleSubscribe(msg)
	case protocol.MsgUnsubscribe:
		c.handleUnsubscribe(msg)
	case protocol.MsgSessionNew:
		c.handleSessionNew(ctx, msg)
	case protocol.MsgSessionsList:
		c.result(msg.RequestID, c.srv.registry.List())
	case protocol.MsgSessionStatus:
		c.handleSessionStatus(msg)
	case protocol.MsgPrompt:
		c.handleTurn(msg, false)
	case protocol.MsgFollowUp:
		c.handleTurn(msg, true)
	case protocol.MsgSteer:
		c.handleSteer(ctx, msg)
	case protocol.MsgAbort:
		c.handleAbort(ctx, msg)
	case protocol.MsgPermissionRespond:
		c.handlePermissionRespond(ctx, msg)
	case protocol.MsgExtensionUIResult:
		c.handleExtensionUIResult(msg)
	case protocol.MsgPing:
		c.result(msg.RequestID, map[string]any{"protocol": protocol.ProtocolVersion})
	default:
		// Forward compatibility: newer clients may speak message types this
		// server predates.
		c.log.Warn("unknown message type, skipping", "type", msg.Type)
	}
}

func (c *Client) handleSubscribe(msg protocol.ClientMessage) {
	sess, ok := c.resolveSession(msg)
	if !ok {
		return
	}
	level := msg.Level
	if level == "" {
		level = protocol.LevelFull
	}
	if level != protocol.LevelFull && level != protocol.LevelNotifications {
		c.reject(msg, "invalid_request: unknown level")
		return
	}

	broker := sess.Broker()
	// Absent sinceSeq means live-only: anchor at the current head. An
	// explicit value requests replay of everything after it.
	since := broker.CurrentSeq()
	if msg.SinceSeq != nil {
		since = *msg.SinceSeq
	}
	backlog, sub, truncated := broker.Subscribe(since, level)

	cs := &clientSub{sessionID: sess.ID, sub: sub, stop: make(chan struct{})}
	c.mu.Lock()
	if old, exists := c.subs[sess.ID]; exists {
		c.mu.Unlock()
		c.detach(old)
		c.mu.Lock()
	}
	c.subs[sess.ID] = cs
	c.mu.Unlock()

	c.result(msg.RequestID, map[string]any{"currentSeq": broker.CurrentSeq()})

	// A reconnecting client gets a synthetic state baseline before
	// anything replays, then the gap notice when its anchor predates the
	// ring. Both are per-subscriber frames and carry no seq. An anchor of
	// 0 against an intact ring replays the full history, so no baseline
	// is needed there.
	if truncated || (msg.SinceSeq != nil && *msg.SinceSeq > 0) {
		c.enqueue(sess.StateEvent())
	}
	if truncated {
		c.enqueue(protocol.SessionEvent{
			Type:      protocol.EventError,
			SessionID: sess.ID,
			Payload:   protocol.ErrorPayload{Kind: protocol.ErrCatchupTruncated},
		})
	}
	for _, ev := range backlog {
		c.enqueue(ev)
	}
	go c.pump(sess.ID, cs)
}

func (c *Client) handleUnsubscribe(msg protocol.ClientMessage) {
	sess, ok := c.resolveSession(msg)
	if !ok {
		return
	}
	c.mu.Lock()
	cs, exists := c.subs[sess.ID]
	if exists {
		delete(c.subs, sess.ID)
	}
	c.mu.Unlock()
	if exists {
		c.detach(cs)
	}
	c.result(msg.RequestID, nil)
}

// pump forwards live events for one subscription until it is detached or
// the broker drops it for falling behind.
func (c *Client) pump(sessionID string, cs *clientSub) {
	for {
		select {
		case ev, ok := <-cs.sub.C():
			if !ok {
				if cs.sub.Overflowed() {
					c.enqueue(protocol.SessionEvent{
						Type:      protocol.EventError,
						SessionID: sessionID,
						Payload:   protocol.ErrorPayload{Kind: protocol.ErrOverflow, Message: "event stream overflow, resubscribe to resync"},
					})
					c.mu.Lock()
					if c.subs[sessionID] == cs {
						delete(c.subs, sessionID)
					}
					c.mu.Unlock()
				}
				return
			}
			c.enqueue(ev)
		case <-cs.stop:
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleSessionNew(ctx context.Context, msg protocol.ClientMessage) {
	sess, err := c.srv.registry.Create(ctx, msg.WorkspaceID, msg.Model)
	if err != nil {
		c.reject(msg, "session_start_failed: "+err.Error())
		return
	}
	c.result(msg.RequestID, map[string]any{"sessionId": sess.ID})
}

func (c *Client) handleSessionStatus(msg protocol.ClientMessage) {
	sess, ok := c.resolveSession(msg)
	if !ok {
		return
	}
	c.result(msg.RequestID, map[string]any{
		"state":              sess.StatePayload(),
		"currentSeq":         sess.Broker().CurrentSeq(),
		"pendingPermissions": sess.Gate().Pending(),
	})
}

func (c *Client) handleTurn(msg protocol.ClientMessage, followUp bool) {
	sess, ok := c.resolveSession(msg)
	if !ok {
		return
	}
	var err error
	if followUp {
		err = sess.Scheduler().FollowUp(msg.RequestID, msg.ClientTurnID, msg.Message, msg.Attachments)
	} else {
		err = sess.Scheduler().Prompt(msg.RequestID, msg.ClientTurnID, msg.Message, msg.Attachments)
	}
	if err != nil {
		c.reject(msg, "invalid_request: "+err.Error())
		return
	}
	// Admitted; scheduling progress continues on the turn_ack stream.
	c.result(msg.RequestID, nil)
}

func (c *Client) handleSteer(ctx context.Context, msg protocol.ClientMessage) {
	sess, ok := c.resolveSession(msg)
	if !ok {
		return
	}
	c.turnOpResult(msg, sess.Scheduler().Steer(ctx, msg.ClientTurnID, msg.Message))
}

func (c *Client) handleAbort(ctx context.Context, msg protocol.ClientMessage) {
	sess, ok := c.resolveSession(msg)
	if !ok {
		return
	}
	c.turnOpResult(msg, sess.Scheduler().Abort(ctx, msg.ClientTurnID))
}

// turnOpResult acknowledges a steer or abort. Precondition failures are
// not transport errors: the scheduler has already acked them as dropped
// on the event stream, so the command itself still succeeds.
func (c *Client) turnOpResult(msg protocol.ClientMessage, err error) {
	switch {
	case err == nil,
		errors.Is(err, turns.ErrNoActiveTurn),
		errors.Is(err, turns.ErrSessionTerminal):
		c.result(msg.RequestID, nil)
	default:
		c.reject(msg, "internal: "+err.Error())
	}
}

func (c *Client) handlePermissionRespond(ctx context.Context, msg protocol.ClientMessage) {
	sess, ok := c.resolveSession(msg)
	if !ok {
		return
	}
	res, _, err := sess.Gate().Respond(ctx, msg.PermissionID, msg.Action, msg.Scope)
	if err != nil {
		if errors.Is(err, gate.ErrPermissionNotFound) {
			c.reject(msg, "permission_not_found")
		} else {
			c.reject(msg, "invalid_request: "+err.Error())
		}
		return
	}
	c.result(msg.RequestID, map[string]any{"action": res.Action, "reason": res.Reason})
}

func (c *Client) handleExtensionUIResult(msg protocol.ClientMessage) {
	sess, ok := c.resolveSession(msg)
	if !ok {
		return
	}
	// Extension UI flows are engine-owned; the core just threads the
	// response back onto the session stream where the engine adapter
	// observes it.
	sess.Broker().Publish(protocol.SessionEvent{
		Type:    protocol.EventExtensionUIResult,
		Payload: json.RawMessage(msg.Value),
	})
	c.result(msg.RequestID, nil)
}
