package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/wireclaw/wireclaw/internal/agent"
	"github.com/wireclaw/wireclaw/internal/approval"
	"github.com/wireclaw/wireclaw/internal/audit"
	"github.com/wireclaw/wireclaw/internal/bus"
	"github.com/wireclaw/wireclaw/internal/config"
	"github.com/wireclaw/wireclaw/internal/persistence"
	"github.com/wireclaw/wireclaw/internal/scope"
)

// AgentRunner is the boundary to the hosted agent. The engine treats
// response generation as opaque; the loopback runner is the reference
// implementation.
type AgentRunner interface {
	List() []agent.Info
	Status(agentID string) (agent.Status, error)
	Send(ctx context.Context, sessionID, message string) (string, error)
	Stream(ctx context.Context, sessionID, message string, emit func(chunk string, done bool) error) error
	Abort(sessionID string) error
	HandleCanvasInteraction(ctx context.Context, canvasID, eventType, elementID string, data json.RawMessage) error
}

// NodeInvoker forwards an invocation to a paired device. Nil means the
// deployment has no device transport.
type NodeInvoker interface {
	Invoke(ctx context.Context, nodeID, method string, params json.RawMessage) (any, error)
}

// methodScopes is the complete method registry, fixed at startup. A
// method absent here cannot be called, whatever handler code exists.
func methodScopes() map[string]scope.Scope {
	return map[string]scope.Scope{
		"chat.send":          scope.Write,
		"chat.stream":        scope.Write,
		"agent.list":         scope.Read,
		"agent.status":       scope.Read,
		"agent.abort":        scope.Write,
		"node.pair":          scope.Pairing,
		"node.list":          scope.Read,
		"node.invoke":        scope.Pairing,
		"canvas.interact":    scope.Write,
		"approval.request":   scope.Write,
		"approval.approve":   scope.Approvals,
		"approval.deny":      scope.Approvals,
		"approval.list":      scope.Read,
		"config.get":         scope.Read,
		"config.set":         scope.Admin,
		"config.subscribe":   scope.Read,
		"config.unsubscribe": scope.Read,
		"admin.status":       scope.Admin,
		"admin.connections":  scope.Admin,
		"admin.shutdown":     scope.Admin,
	}
}

func (s *Server) registerHandlers() {
	r := s.router
	r.register("chat.send", s.handleChatSend)
	r.register("chat.stream", s.handleChatStream)
	r.register("agent.list", s.handleAgentList)
	r.register("agent.status", s.handleAgentStatus)
	r.register("agent.abort", s.handleAgentAbort)
	r.register("node.pair", s.handleNodePair)
	r.register("node.list", s.handleNodeList)
	r.register("node.invoke", s.handleNodeInvoke)
	r.register("canvas.interact", s.handleCanvasInteract)
	r.register("approval.request", s.handleApprovalRequest)
	r.register("approval.approve", s.handleApprovalApprove)
	r.register("approval.deny", s.handleApprovalDeny)
	r.register("approval.list", s.handleApprovalList)
	r.register("config.get", s.handleConfigGet)
	r.register("config.set", s.handleConfigSet)
	r.register("config.subscribe", s.handleConfigSubscribe)
	r.register("config.unsubscribe", s.handleConfigUnsubscribe)
	r.register("admin.status", s.handleAdminStatus)
	r.register("admin.connections", s.handleAdminConnections)
	r.register("admin.shutdown", s.handleAdminShutdown)
}

func invalidParams(msg string) *rpcError {
	return &rpcError{Code: ErrCodeInvalidParams, Message: msg}
}

// --- chat ---

func (s *Server) handleChatSend(ctx context.Context, c *connection, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Message == "" {
		return nil, invalidParams("chat.send requires message")
	}
	if p.SessionID == "" {
		p.SessionID = c.sessionID
	}
	reply, err := s.cfg.Runner.Send(ctx, p.SessionID, p.Message)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, &rpcError{Code: ErrCodeTimeout, Message: "chat run cancelled"}
		}
		return nil, &rpcError{Code: ErrCodeConflict, Message: err.Error()}
	}
	return map[string]any{"session_id": p.SessionID, "reply": reply}, nil
}

// handleChatStream delivers the reply as chat.stream notifications and
// returns a completion result once the final chunk went out.
func (s *Server) handleChatStream(ctx context.Context, c *connection, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Message == "" {
		return nil, invalidParams("chat.stream requires message")
	}
	if p.SessionID == "" {
		p.SessionID = c.sessionID
	}
	err := s.cfg.Runner.Stream(ctx, p.SessionID, p.Message, func(chunk string, done bool) error {
		return c.send(notification("chat.stream", map[string]any{
			"session_id": p.SessionID,
			"chunk":      chunk,
			"done":       done,
		}))
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, &rpcError{Code: ErrCodeTimeout, Message: "stream cancelled"}
		}
		return nil, &rpcError{Code: ErrCodeConflict, Message: err.Error()}
	}
	return map[string]any{"session_id": p.SessionID, "status": "complete"}, nil
}

// --- agent ---

func (s *Server) handleAgentList(ctx context.Context, _ *connection, _ json.RawMessage) (any, *rpcError) {
	return map[string]any{"agents": s.cfg.Runner.List()}, nil
}

func (s *Server) handleAgentStatus(ctx context.Context, _ *connection, params json.RawMessage) (any, *rpcError) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("agent.status params")
		}
	}
	st, err := s.cfg.Runner.Status(p.AgentID)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeNotFound, Message: err.Error()}
	}
	return st, nil
}

func (s *Server) handleAgentAbort(ctx context.Context, c *connection, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, invalidParams("agent.abort requires session_id")
	}
	if err := s.cfg.Runner.Abort(p.SessionID); err != nil {
		return nil, &rpcError{Code: ErrCodeNotFound, Message: err.Error()}
	}
	return map[string]any{"session_id": p.SessionID, "status": "aborted"}, nil
}

// --- nodes ---

func (s *Server) handleNodePair(ctx context.Context, c *connection, params json.RawMessage) (any, *rpcError) {
	if s.cfg.Store == nil {
		return nil, &rpcError{Code: ErrCodeUnsupported, Message: "node pairing not available"}
	}
	var p struct {
		Name     string   `json:"name"`
		DeviceID string   `json:"device_id"`
		Scopes   []string `json:"scopes"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" || p.DeviceID == "" {
		return nil, invalidParams("node.pair requires name and device_id")
	}
	if len(p.Scopes) == 0 {
		p.Scopes = []string{string(scope.Pairing)}
	}
	if _, err := scope.ParseList(p.Scopes); err != nil {
		return nil, invalidParams(err.Error())
	}
	node := persistence.Node{
		NodeID:   uuid.NewString(),
		DeviceID: p.DeviceID,
		Name:     p.Name,
		Token:    uuid.NewString(),
		Scopes:   p.Scopes,
		PairedBy: c.subject(),
		PairedAt: time.Now(),
	}
	if err := s.cfg.Store.PairNode(ctx, node); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			return nil, &rpcError{Code: ErrCodeConflict, Message: "device already paired"}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: "pairing failed"}
	}
	s.cfg.Bus.Publish(bus.Event{
		Type:    bus.TypeSystemNotice,
		Payload: map[string]any{"notice": "node paired", "node_id": node.NodeID, "name": node.Name},
		Time:    time.Now(),
	})
	// The token is shown exactly once, at pairing time.
	return map[string]any{"node_id": node.NodeID, "token": node.Token}, nil
}

func (s *Server) handleNodeList(ctx context.Context, _ *connection, _ json.RawMessage) (any, *rpcError) {
	if s.cfg.Store == nil {
		return map[string]any{"nodes": []persistence.Node{}}, nil
	}
	nodes, err := s.cfg.Store.ListNodes(ctx)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "listing nodes failed"}
	}
	if nodes == nil {
		nodes = []persistence.Node{}
	}
	return map[string]any{"nodes": nodes}, nil
}

func (s *Server) handleNodeInvoke(ctx context.Context, _ *connection, params json.RawMessage) (any, *rpcError) {
	if s.cfg.Store == nil {
		return nil, &rpcError{Code: ErrCodeUnsupported, Message: "node invocation not available"}
	}
	var p struct {
		NodeID string          `json:"node_id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" || p.Method == "" {
		return nil, invalidParams("node.invoke requires node_id and method")
	}
	if _, err := s.cfg.Store.NodeByID(ctx, p.NodeID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeDeviceNotPaired, Message: "device not paired: " + p.NodeID}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: "node lookup failed"}
	}
	if s.cfg.Nodes == nil {
		return nil, &rpcError{Code: ErrCodeUnsupported, Message: "no device transport configured"}
	}
	result, err := s.cfg.Nodes.Invoke(ctx, p.NodeID, p.Method, p.Params)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeTimeout, Message: err.Error()}
	}
	return result, nil
}

// --- canvas ---

// handleCanvasInteract acknowledges the interaction after forwarding it
// to the owning agent; the agent's eventual response arrives later as an
// event, not in this result.
func (s *Server) handleCanvasInteract(ctx context.Context, c *connection, params json.RawMessage) (any, *rpcError) {
	var p struct {
		CanvasID  string          `json:"canvas_id"`
		EventType string          `json:"event_type"`
		ElementID string          `json:"element_id"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.CanvasID == "" || p.EventType == "" {
		return nil, invalidParams("canvas.interact requires canvas_id and event_type")
	}
	if _, ok := c.canvas.Get(p.CanvasID); !ok {
		return nil, &rpcError{Code: ErrCodeNotFound, Message: "unknown canvas: " + p.CanvasID}
	}
	if err := s.cfg.Runner.HandleCanvasInteraction(ctx, p.CanvasID, p.EventType, p.ElementID, p.Data); err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "interaction forwarding failed"}
	}
	return map[string]any{"canvas_id": p.CanvasID, "status": "forwarded"}, nil
}

// --- approvals ---

func (s *Server) handleApprovalRequest(ctx context.Context, c *connection, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Operation string `json:"operation"`
		Details   string `json:"details"`
		RiskLevel string `json:"risk_level"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Operation == "" {
		return nil, invalidParams("approval.request requires operation")
	}
	origin := c.subject()
	out, err := s.cfg.Approvals.Request(ctx, origin, p.Operation, p.Details, p.RiskLevel)
	if err != nil {
		if errors.Is(err, approval.ErrTimeout) {
			return nil, &rpcError{
				Code:    ErrCodeTimeout,
				Message: "approval timed out",
				Data:    map[string]any{"approval_id": out.ApprovalID},
			}
		}
		if errors.Is(err, context.Canceled) {
			return nil, &rpcError{Code: ErrCodeTimeout, Message: "approval request cancelled"}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: "approval request failed"}
	}
	return out, nil
}

func (s *Server) handleApprovalApprove(ctx context.Context, c *connection, params json.RawMessage) (any, *rpcError) {
	return s.resolveApproval(c, params, approval.Approved)
}

func (s *Server) handleApprovalDeny(ctx context.Context, c *connection, params json.RawMessage) (any, *rpcError) {
	return s.resolveApproval(c, params, approval.Denied)
}

func (s *Server) resolveApproval(c *connection, params json.RawMessage, decision approval.Decision) (any, *rpcError) {
	var p struct {
		ApprovalID string `json:"approval_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ApprovalID == "" {
		return nil, invalidParams("approval_id is required")
	}
	err := s.cfg.Approvals.Resolve(p.ApprovalID, decision, c.subject())
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return nil, &rpcError{Code: ErrCodeNotFound, Message: "unknown approval: " + p.ApprovalID}
	case errors.Is(err, approval.ErrConflict):
		return nil, &rpcError{Code: ErrCodeConflict, Message: "approval already resolved"}
	case err != nil:
		return nil, invalidParams(err.Error())
	}
	return map[string]any{"approval_id": p.ApprovalID, "decision": string(decision)}, nil
}

// handleApprovalList merges the live coordinator view with persisted
// history, the in-memory snapshot winning on id collisions.
func (s *Server) handleApprovalList(ctx context.Context, _ *connection, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Limit int `json:"limit"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	live := s.cfg.Approvals.List()
	seen := make(map[string]bool, len(live))
	items := make([]map[string]any, 0, len(live))
	for _, snap := range live {
		seen[snap.ApprovalID] = true
		items = append(items, map[string]any{
			"approval_id": snap.ApprovalID,
			"origin":      snap.Origin,
			"operation":   snap.Operation,
			"details":     snap.Details,
			"risk_level":  string(snap.Risk),
			"status":      snap.Status,
			"resolved_by": snap.ResolvedBy,
			"created_at":  snap.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	if s.cfg.Store != nil {
		records, err := s.cfg.Store.ListApprovals(ctx, p.Limit)
		if err == nil {
			for _, rec := range records {
				if seen[rec.ApprovalID] {
					continue
				}
				items = append(items, map[string]any{
					"approval_id": rec.ApprovalID,
					"origin":      rec.Origin,
					"operation":   rec.Operation,
					"details":     rec.Details,
					"risk_level":  rec.RiskLevel,
					"status":      rec.Status,
					"resolved_by": rec.ResolvedBy,
					"created_at":  rec.CreatedAt.UTC().Format(time.RFC3339),
				})
			}
		}
	}
	return map[string]any{"items": items}, nil
}

// --- config ---

// handleConfigGet returns the operator-visible configuration. Secrets
// never leave the process.
func (s *Server) handleConfigGet(ctx context.Context, _ *connection, _ json.RawMessage) (any, *rpcError) {
	cfg := s.currentConfig()
	return map[string]any{
		"bind_addr": cfg.BindAddr,
		"log_level": cfg.LogLevel,
		"rate_limit": map[string]any{
			"enabled":             cfg.RateLimit.Enabled,
			"requests_per_minute": cfg.RateLimit.RequestsPerMinute,
			"burst_size":          cfg.RateLimit.BurstSize,
		},
		"approvals": map[string]any{
			"auto_approve_max": cfg.Approvals.AutoApproveMax,
			"retention_hours":  cfg.Approvals.RetentionHours,
		},
		"fingerprint": cfg.Fingerprint(),
	}, nil
}

func (s *Server) handleConfigSet(ctx context.Context, c *connection, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		return nil, invalidParams("config.set requires key and value")
	}
	if err := config.Set(s.cfg.HomeDir, p.Key, fmt.Sprint(p.Value)); err != nil {
		return nil, invalidParams(err.Error())
	}
	s.cfg.Bus.Publish(bus.Event{
		Type:    bus.TypeSystemNotice,
		Payload: map[string]any{"notice": "config changed", "key": p.Key, "changed_by": c.subject()},
		Time:    time.Now(),
	})
	return map[string]any{"key": p.Key, "status": "ok"}, nil
}

func (s *Server) handleConfigSubscribe(ctx context.Context, c *connection, params json.RawMessage) (any, *rpcError) {
	types, rpcErr := parseTypesParam(params, "config.subscribe")
	if rpcErr != nil {
		return nil, rpcErr
	}
	current := c.sub.Types()
	for _, t := range types {
		found := false
		for _, existing := range current {
			if existing == t {
				found = true
				break
			}
		}
		if !found {
			current = append(current, t)
		}
	}
	c.sub.SetTypes(current)
	return map[string]any{"types": current}, nil
}

func (s *Server) handleConfigUnsubscribe(ctx context.Context, c *connection, params json.RawMessage) (any, *rpcError) {
	types, rpcErr := parseTypesParam(params, "config.unsubscribe")
	if rpcErr != nil {
		return nil, rpcErr
	}
	drop := make(map[string]bool, len(types))
	for _, t := range types {
		drop[t] = true
	}
	var kept []string
	for _, existing := range c.sub.Types() {
		if !drop[existing] {
			kept = append(kept, existing)
		}
	}
	c.sub.SetTypes(kept)
	if kept == nil {
		kept = []string{}
	}
	return map[string]any{"types": kept}, nil
}

func parseTypesParam(params json.RawMessage, method string) ([]string, *rpcError) {
	var p struct {
		Types []string `json:"types"`
	}
	if err := json.Unmarshal(params, &p); err != nil || len(p.Types) == 0 {
		return nil, invalidParams(method + " requires types")
	}
	return p.Types, nil
}

// --- admin ---

func (s *Server) handleAdminStatus(ctx context.Context, _ *connection, _ json.RawMessage) (any, *rpcError) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	dbOK := true
	if s.cfg.Store != nil {
		dbOK = s.cfg.Store.Healthy(ctx)
	}
	return map[string]any{
		"server_version":     serverVersion,
		"protocol_version":   protocolCurrent,
		"config_fingerprint": s.currentConfig().Fingerprint(),
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"connections":        s.connectionCount(),
		"subscribers":        s.cfg.Bus.SubscriberCount(),
		"pending_approvals":  s.cfg.Approvals.PendingCount(),
		"authz_denials":      audit.DenyCount(),
		"broadcast_drops":    s.dropCount.Load(),
		"db_ok":              dbOK,
		"alloc_bytes":        mem.Alloc,
	}, nil
}

func (s *Server) handleAdminConnections(ctx context.Context, _ *connection, _ json.RawMessage) (any, *rpcError) {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	items := make([]map[string]any, 0, len(s.conns))
	for _, c := range s.conns {
		item := map[string]any{
			"connection_id":    c.id,
			"session_id":       c.sessionID,
			"subject":          c.subject(),
			"client":           c.clientName,
			"device_id":        c.deviceID,
			"protocol_version": c.protocolVersion,
			"state":            c.currentState().String(),
			"connected_at":     c.connectedAt.UTC().Format(time.RFC3339),
			"canvases":         c.canvas.Len(),
		}
		if c.sub != nil {
			item["subscriptions"] = c.sub.Types()
			item["dropped_events"] = c.sub.Dropped()
		}
		items = append(items, item)
	}
	return map[string]any{"connections": items}, nil
}

func (s *Server) handleAdminShutdown(ctx context.Context, c *connection, _ json.RawMessage) (any, *rpcError) {
	s.logger.Warn("shutdown requested over rpc", "subject", c.subject(), "conn_id", c.id)
	s.requestShutdown()
	return map[string]any{"status": "shutting_down"}, nil
}
