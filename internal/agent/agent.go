// Package agent ships the loopback runner, a reference implementation of
// the gateway's agent collaborator. It echoes chat back to the caller and
// emits lifecycle events, which is enough to exercise every engine path
// without a model provider.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wireclaw/wireclaw/internal/bus"
)

// ErrNoActiveRun is returned by Abort when the session has nothing running.
var ErrNoActiveRun = errors.New("agent: no active run")

// Info describes one hosted agent.
type Info struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	Kind        string `json:"kind"`
	State       string `json:"state"`
}

// Status is a point-in-time view of one agent.
type Status struct {
	AgentID    string        `json:"agent_id"`
	State      string        `json:"state"`
	ActiveRuns int           `json:"active_runs"`
	Processed  int64         `json:"processed"`
	Uptime     time.Duration `json:"uptime_seconds"`
}

// Loopback is the built-in echo agent.
type Loopback struct {
	id      string
	bus     *bus.Bus
	logger  *slog.Logger
	started time.Time

	processed atomic.Int64

	mu   sync.Mutex
	runs map[string]context.CancelFunc // session id → abort
}

func NewLoopback(b *bus.Bus, logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		id:      "loopback",
		bus:     b,
		logger:  logger,
		started: time.Now(),
		runs:    map[string]context.CancelFunc{},
	}
}

func (l *Loopback) List() []Info {
	return []Info{{
		AgentID:     l.id,
		DisplayName: "Loopback",
		Kind:        "echo",
		State:       "running",
	}}
}

func (l *Loopback) Status(agentID string) (Status, error) {
	if agentID != "" && agentID != l.id {
		return Status{}, fmt.Errorf("agent: unknown agent %q", agentID)
	}
	l.mu.Lock()
	active := len(l.runs)
	l.mu.Unlock()
	return Status{
		AgentID:    l.id,
		State:      "running",
		ActiveRuns: active,
		Processed:  l.processed.Load(),
		Uptime:     time.Since(l.started),
	}, nil
}

// Send runs one echo turn for the session and returns the reply.
func (l *Loopback) Send(ctx context.Context, sessionID, message string) (string, error) {
	runCtx, done, err := l.beginRun(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer done()

	select {
	case <-runCtx.Done():
		return "", runCtx.Err()
	default:
	}
	l.processed.Add(1)
	return "echo: " + message, nil
}

// Stream runs one echo turn delivering the reply word by word through emit.
// The final call has done=true and an empty chunk.
func (l *Loopback) Stream(ctx context.Context, sessionID, message string, emit func(chunk string, done bool) error) error {
	runCtx, finish, err := l.beginRun(ctx, sessionID)
	if err != nil {
		return err
	}
	defer finish()

	for _, word := range strings.Fields("echo: " + message) {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		default:
		}
		if err := emit(word+" ", false); err != nil {
			return err
		}
	}
	l.processed.Add(1)
	return emit("", true)
}

// Abort cancels the session's in-flight run, if any.
func (l *Loopback) Abort(sessionID string) error {
	l.mu.Lock()
	cancel, ok := l.runs[sessionID]
	l.mu.Unlock()
	if !ok {
		return ErrNoActiveRun
	}
	cancel()
	l.logger.Info("agent run aborted", "agent_id", l.id, "session_id", sessionID)
	return nil
}

// HandleCanvasInteraction receives a forwarded canvas interaction. The
// loopback agent only acknowledges it as an event.
func (l *Loopback) HandleCanvasInteraction(ctx context.Context, canvasID, eventType, elementID string, data json.RawMessage) error {
	l.publishState("interaction")
	l.logger.Debug("canvas interaction forwarded",
		"agent_id", l.id, "canvas_id", canvasID, "event_type", eventType, "element_id", elementID)
	return nil
}

func (l *Loopback) beginRun(ctx context.Context, sessionID string) (context.Context, func(), error) {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if _, busy := l.runs[sessionID]; busy {
		l.mu.Unlock()
		cancel()
		return nil, nil, fmt.Errorf("agent: session %s already has a run in flight", sessionID)
	}
	l.runs[sessionID] = cancel
	l.mu.Unlock()
	l.publishState("busy")

	return runCtx, func() {
		cancel()
		l.mu.Lock()
		delete(l.runs, sessionID)
		l.mu.Unlock()
		l.publishState("idle")
	}, nil
}

func (l *Loopback) publishState(state string) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(bus.Event{
		Type:    bus.TypeAgentStatus,
		Payload: map[string]any{"agent_id": l.id, "state": state},
		Time:    time.Now(),
	})
}
