package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/wireclaw/wireclaw/internal/bus"
	"github.com/wireclaw/wireclaw/internal/canvas"
	"github.com/wireclaw/wireclaw/internal/identity"
	"github.com/wireclaw/wireclaw/internal/scope"
)

// connState is one step of the connection lifecycle. Transitions only
// move forward; Closed is terminal.
type connState int

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateActive
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// sendQueueSize bounds the per-connection outbound queue. RPC responses
// block on a full queue (the id invariant forbids dropping them);
// pushed notifications are dropped instead.
const sendQueueSize = 128

// connection owns one accepted WebSocket for its lifetime.
type connection struct {
	id              string
	sessionID       string
	clientName      string
	deviceID        string
	protocolVersion string
	connectedAt     time.Time

	ws     *websocket.Conn
	logger *slog.Logger

	identity *identity.Identity
	scopes   []scope.Scope

	sendCh chan *rpcResponse
	sub    *bus.Subscription
	canvas *canvas.State

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     connState
	inFlight  map[string]struct{}
	malformed int
}

func newConnection(parent context.Context, ws *websocket.Conn, logger *slog.Logger) *connection {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &connection{
		id:          id,
		sessionID:   uuid.NewString(),
		connectedAt: time.Now(),
		ws:          ws,
		logger:      logger.With("conn_id", id),
		sendCh:      make(chan *rpcResponse, sendQueueSize),
		canvas:      canvas.NewState(),
		ctx:         ctx,
		cancel:      cancel,
		state:       stateConnecting,
		inFlight:    map[string]struct{}{},
	}
}

var validTransitions = map[connState][]connState{
	stateConnecting:     {stateAuthenticating, stateClosing},
	stateAuthenticating: {stateActive, stateClosing},
	stateActive:         {stateClosing},
	stateClosing:        {stateClosed},
}

func (c *connection) transition(to connState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, next := range validTransitions[c.state] {
		if next == to {
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", c.state, to)
}

func (c *connection) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) grantedScopes() []scope.Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scopes
}

func (c *connection) setIdentity(ident *identity.Identity) {
	c.mu.Lock()
	c.identity = ident
	c.scopes = ident.Scopes
	c.mu.Unlock()
}

func (c *connection) subject() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return ""
	}
	return c.identity.Subject
}

// beginRequest registers an in-flight request id. A duplicate id among
// currently in-flight requests is a shape violation.
func (c *connection) beginRequest(id json.RawMessage) error {
	key := string(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[key]; busy {
		return fmt.Errorf("id %s already in flight", key)
	}
	c.inFlight[key] = struct{}{}
	return nil
}

func (c *connection) endRequest(id json.RawMessage) {
	c.mu.Lock()
	delete(c.inFlight, string(id))
	c.mu.Unlock()
}

// recordMalformed counts shape errors on this connection and reports
// whether the tolerance is exhausted.
func (c *connection) recordMalformed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.malformed++
	return c.malformed >= 5
}

// send enqueues an RPC response. It blocks when the queue is full, since
// a connected client must receive exactly one response per request id.
func (c *connection) send(msg *rpcResponse) error {
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// sendEvent enqueues a pushed notification, dropping it when the queue
// is full so one stalled reader never blocks the rest of the gateway.
func (c *connection) sendEvent(msg *rpcResponse) bool {
	select {
	case c.sendCh <- msg:
		return true
	case <-c.ctx.Done():
		return false
	default:
		c.logger.Warn("send queue full, event dropped", "method", msg.Method)
		return false
	}
}

// writeLoop is the only goroutine that writes to the socket, so pushed
// notifications and responses interleave without racing.
func (c *connection) writeLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			writeCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, c.ws, msg)
			cancel()
			if err != nil {
				c.logger.Debug("write failed, stopping writer", "error", err)
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// forwardEvents drains the connection's bus subscription, wrapping each
// event in a gateway.event envelope. Canvas events additionally mutate
// the connection's canvas table and go out as canvas.update.
func (c *connection) forwardEvents() {
	if c.sub == nil {
		return
	}
	for {
		select {
		case evt, ok := <-c.sub.Ch():
			if !ok {
				return
			}
			c.deliver(evt)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *connection) deliver(evt bus.Event) {
	// Approval-required events are only visible to connections that could
	// act on them.
	if evt.Type == bus.TypeApprovalRequired && !scope.Allows(c.grantedScopes(), scope.Approvals) {
		return
	}
	if evt.Type == bus.TypeCanvasUpdate {
		c.applyCanvasEvent(evt)
		return
	}
	c.sendEvent(notification("gateway.event", map[string]any{
		"type":    evt.Type,
		"payload": evt.Payload,
		"ts":      evt.Time.UTC().Format(time.RFC3339Nano),
	}))
}

func (c *connection) applyCanvasEvent(evt bus.Event) {
	payload, ok := evt.Payload.(map[string]any)
	if !ok {
		c.logger.Warn("malformed canvas event payload, dropped")
		return
	}
	action, _ := payload["action"].(string)
	parsed, err := canvas.ParseAction(action)
	if err != nil {
		c.logger.Warn("canvas event with bad action, dropped", "action", action)
		return
	}
	rawContent, hasContent := payload["content"].(map[string]any)
	var content canvas.Content
	switch parsed {
	case canvas.ActionDestroy:
		// Destroy names the canvas and carries no body.
		if hasContent {
			c.logger.Warn("canvas destroy with content, dropped")
			return
		}
		content.CanvasID, _ = payload["canvas_id"].(string)
		if content.CanvasID == "" {
			c.logger.Warn("canvas destroy without canvas_id, dropped")
			return
		}
	default:
		if !hasContent {
			c.logger.Warn("canvas event without content, dropped", "action", action)
			return
		}
		raw, err := json.Marshal(rawContent)
		if err != nil {
			c.logger.Warn("canvas content not serializable, dropped", "error", err)
			return
		}
		if err := canvas.ValidateContent(raw); err != nil {
			c.logger.Warn("canvas content rejected, dropped", "action", action, "error", err)
			return
		}
		if err := json.Unmarshal(raw, &content); err != nil {
			c.logger.Warn("canvas content not decodable, dropped", "error", err)
			return
		}
	}
	if err := c.canvas.Apply(parsed, content); err != nil {
		c.logger.Debug("canvas event not applicable", "action", action, "canvas_id", content.CanvasID, "error", err)
		return
	}
	c.sendEvent(notification("canvas.update", payload))
}

// close tears the connection down exactly once.
func (c *connection) close(status websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	if c.state != stateClosing {
		c.state = stateClosing
	}
	c.state = stateClosed
	c.mu.Unlock()

	c.cancel()
	_ = c.ws.Close(status, reason)
}
