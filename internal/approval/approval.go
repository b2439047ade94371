// Package approval coordinates human-in-the-loop sign-off for risky
// operations. A requester blocks until an operator resolves the request,
// the per-risk timeout fires, or the requester gives up.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wireclaw/wireclaw/internal/bus"
	"github.com/wireclaw/wireclaw/internal/otel"
	"github.com/wireclaw/wireclaw/internal/persistence"
)

var (
	// ErrNotFound is returned when no approval with the given id exists.
	ErrNotFound = errors.New("approval: not found")
	// ErrConflict is returned when the approval was already resolved.
	ErrConflict = errors.New("approval: already resolved")
	// ErrTimeout is returned to the requester when nobody answered in time.
	ErrTimeout = errors.New("approval: timed out")
)

// RiskLevel orders operations by blast radius. Higher levels get longer
// response windows before the default-deny timeout fires.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// ParseRiskLevel maps a string onto a level. Unrecognized input lands on
// medium rather than failing, so a misdeclared request still requires a
// human answer.
func ParseRiskLevel(s string) RiskLevel {
	lvl := RiskLevel(s)
	if _, ok := riskRank[lvl]; ok {
		return lvl
	}
	return RiskMedium
}

func (r RiskLevel) atMost(ceiling RiskLevel) bool {
	cr, ok := riskRank[ceiling]
	if !ok {
		return false
	}
	return riskRank[r] <= cr
}

var defaultTimeouts = map[RiskLevel]time.Duration{
	RiskLow:      30 * time.Second,
	RiskMedium:   60 * time.Second,
	RiskHigh:     120 * time.Second,
	RiskCritical: 300 * time.Second,
}

// Decision is a terminal state of an approval request.
type Decision string

const (
	Approved Decision = "approved"
	Denied   Decision = "denied"
	TimedOut Decision = "timed_out"
)

const statusPending = "pending"

var operationRisk = map[string]RiskLevel{
	// read-only surfaces
	"read":       RiskLow,
	"list":       RiskLow,
	"get":        RiskLow,
	"status":     RiskLow,
	"search":     RiskLow,
	// mutations with a ready undo
	"send":       RiskMedium,
	"update":     RiskMedium,
	"create":     RiskMedium,
	// mutations that touch shared state
	"write":      RiskHigh,
	"file_write": RiskHigh,
	"exec":       RiskHigh,
	"deploy":     RiskHigh,
	"pair":       RiskHigh,
	// destructive or irreversible
	"delete":     RiskCritical,
	"drop":       RiskCritical,
	"purge":      RiskCritical,
	"shutdown":   RiskCritical,
	"format":     RiskCritical,
}

// Classify assigns a risk level to an operation name. Unknown operations
// are medium so they neither auto-approve nor get the longest window.
func Classify(operation string) RiskLevel {
	if lvl, ok := operationRisk[operation]; ok {
		return lvl
	}
	return RiskMedium
}

// Outcome is what the blocked requester receives once the request reaches
// a terminal state.
type Outcome struct {
	ApprovalID string    `json:"approval_id"`
	Decision   Decision  `json:"decision"`
	Risk       RiskLevel `json:"risk_level"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
}

// Snapshot is a point-in-time view of a tracked approval.
type Snapshot struct {
	ApprovalID string    `json:"approval_id"`
	Origin     string    `json:"origin"`
	Operation  string    `json:"operation"`
	Details    string    `json:"details,omitempty"`
	Risk       RiskLevel `json:"risk_level"`
	Status     string    `json:"status"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type resolution struct {
	decision Decision
	by       string
}

type request struct {
	snap       Snapshot
	resolvedAt time.Time
	done       chan resolution // buffered 1, written exactly once
}

// History persists approval records. Persistence failures are logged and
// otherwise ignored so a broken disk never blocks an approval.
type History interface {
	InsertApproval(ctx context.Context, rec persistence.ApprovalRecord) error
	ResolveApproval(ctx context.Context, approvalID, status, resolvedBy string) error
}

// Coordinator tracks in-flight approval requests and fans resolutions
// back to their blocked requesters. First resolution wins.
type Coordinator struct {
	bus     *bus.Bus
	history History
	logger  *slog.Logger
	metrics *otel.Metrics

	// AutoApproveMax is the highest risk level resolved without a human.
	// Empty disables auto-approval entirely.
	autoApproveMax RiskLevel

	timeouts map[RiskLevel]time.Duration

	mu      sync.Mutex
	pending map[string]*request
}

type Options struct {
	Bus            *bus.Bus
	History        History
	Logger         *slog.Logger
	Metrics        *otel.Metrics
	AutoApproveMax string
	// Timeouts overrides the per-level response windows. Nil keeps defaults.
	Timeouts map[RiskLevel]time.Duration
}

func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeouts := opts.Timeouts
	if timeouts == nil {
		timeouts = defaultTimeouts
	}
	var ceiling RiskLevel
	if opts.AutoApproveMax != "" {
		if _, ok := riskRank[RiskLevel(opts.AutoApproveMax)]; ok {
			ceiling = RiskLevel(opts.AutoApproveMax)
		}
	}
	return &Coordinator{
		bus:            opts.Bus,
		history:        opts.History,
		logger:         logger,
		metrics:        opts.Metrics,
		autoApproveMax: ceiling,
		timeouts:       timeouts,
		pending:        map[string]*request{},
	}
}

// Request registers an approval request and blocks until it is resolved,
// times out, or ctx is cancelled. A timeout resolves to TimedOut and also
// returns ErrTimeout; requester cancellation resolves to Denied.
func (c *Coordinator) Request(ctx context.Context, origin, operation, details, declaredRisk string) (Outcome, error) {
	risk := Classify(operation)
	if declaredRisk != "" {
		declared := ParseRiskLevel(declaredRisk)
		// A caller may escalate its own risk but never lower it.
		if riskRank[declared] > riskRank[risk] {
			risk = declared
		}
	}

	id := uuid.NewString()
	now := time.Now()
	snap := Snapshot{
		ApprovalID: id,
		Origin:     origin,
		Operation:  operation,
		Details:    details,
		Risk:       risk,
		Status:     statusPending,
		CreatedAt:  now,
	}

	if c.autoApproveMax != "" && risk.atMost(c.autoApproveMax) {
		// Resolved before anyone could see it; history is the only record.
		snap.Status = string(Approved)
		snap.ResolvedBy = "auto"
		c.record(snap, true)
		c.countOutcome(Approved)
		c.logger.Debug("approval auto-approved", "approval_id", id, "operation", operation, "risk", risk)
		return Outcome{ApprovalID: id, Decision: Approved, Risk: risk, ResolvedBy: "auto"}, nil
	}

	req := &request{snap: snap, done: make(chan resolution, 1)}
	c.mu.Lock()
	c.pending[id] = req
	c.mu.Unlock()
	c.record(snap, false)
	if c.metrics != nil {
		c.metrics.ApprovalsPending.Add(context.Background(), 1)
	}

	c.publish(bus.TypeApprovalRequired, map[string]any{
		"approval_id": id,
		"origin":      origin,
		"operation":   operation,
		"details":     details,
		"risk_level":  string(risk),
		"created_at":  now.UTC().Format(time.RFC3339),
	})
	c.logger.Info("approval requested", "approval_id", id, "operation", operation, "risk", risk)

	timeout := c.timeouts[risk]
	if timeout <= 0 {
		timeout = defaultTimeouts[risk]
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.done:
		return Outcome{ApprovalID: id, Decision: res.decision, Risk: risk, ResolvedBy: res.by}, nil
	case <-timer.C:
		if c.finalize(id, TimedOut, "timeout") {
			c.logger.Warn("approval timed out", "approval_id", id, "operation", operation, "risk", risk)
			return Outcome{ApprovalID: id, Decision: TimedOut, Risk: risk, ResolvedBy: "timeout"}, ErrTimeout
		}
		// An operator raced the timer. Their answer wins.
		res := <-req.done
		return Outcome{ApprovalID: id, Decision: res.decision, Risk: risk, ResolvedBy: res.by}, nil
	case <-ctx.Done():
		if c.finalize(id, Denied, "requester_cancelled") {
			return Outcome{ApprovalID: id, Decision: Denied, Risk: risk, ResolvedBy: "requester_cancelled"}, ctx.Err()
		}
		res := <-req.done
		return Outcome{ApprovalID: id, Decision: res.decision, Risk: risk, ResolvedBy: res.by}, nil
	}
}

// Resolve records an operator decision. The first resolution wins; a
// second attempt reports ErrConflict, an unknown id ErrNotFound.
func (c *Coordinator) Resolve(id string, decision Decision, by string) error {
	if decision != Approved && decision != Denied {
		return errors.New("approval: decision must be approved or denied")
	}
	if !c.finalize(id, decision, by) {
		c.mu.Lock()
		_, known := c.pending[id]
		c.mu.Unlock()
		if !known {
			return ErrNotFound
		}
		return ErrConflict
	}
	c.logger.Info("approval resolved", "approval_id", id, "decision", decision, "resolved_by", by)
	return nil
}

// finalize transitions a pending request to its terminal state, signals
// the blocked requester, and broadcasts the result. Returns false if the
// request was missing or already resolved.
func (c *Coordinator) finalize(id string, decision Decision, by string) bool {
	c.mu.Lock()
	req, ok := c.pending[id]
	if !ok || req.snap.Status != statusPending {
		c.mu.Unlock()
		return false
	}
	req.snap.Status = string(decision)
	req.snap.ResolvedBy = by
	req.resolvedAt = time.Now()
	snap := req.snap
	c.mu.Unlock()

	if req.done != nil {
		req.done <- resolution{decision: decision, by: by}
	}
	if c.metrics != nil {
		c.metrics.ApprovalsPending.Add(context.Background(), -1)
	}
	c.record(snap, true)
	c.countOutcome(decision)
	c.publish(bus.TypeApprovalResolved, map[string]any{
		"approval_id": id,
		"decision":    string(decision),
		"resolved_by": by,
	})
	return true
}

// List returns the approvals tracked by this process, newest first.
func (c *Coordinator) List() []Snapshot {
	c.mu.Lock()
	out := make([]Snapshot, 0, len(c.pending))
	for _, req := range c.pending {
		out = append(out, req.snap)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// PurgeResolved drops terminal entries older than retention from the
// tracking table so it stays bounded over the process lifetime. Recently
// resolved entries are kept so a second resolution attempt still reports
// a conflict; sqlite history keeps the durable record. Returns the number
// of entries removed.
func (c *Coordinator) PurgeResolved(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, req := range c.pending {
		if req.snap.Status == statusPending {
			continue
		}
		if req.resolvedAt.Before(cutoff) {
			delete(c.pending, id)
			n++
		}
	}
	return n
}

// PendingCount reports how many requests are still awaiting an answer.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, req := range c.pending {
		if req.snap.Status == statusPending {
			n++
		}
	}
	return n
}

func (c *Coordinator) countOutcome(decision Decision) {
	if c.metrics == nil {
		return
	}
	c.metrics.ApprovalOutcomes.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("decision", string(decision))))
}

func (c *Coordinator) publish(eventType string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Type: eventType, Payload: payload, Time: time.Now()})
}

func (c *Coordinator) record(snap Snapshot, resolved bool) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !resolved {
		err := c.history.InsertApproval(ctx, persistence.ApprovalRecord{
			ApprovalID: snap.ApprovalID,
			Origin:     snap.Origin,
			Operation:  snap.Operation,
			Details:    snap.Details,
			RiskLevel:  string(snap.Risk),
			Status:     snap.Status,
			CreatedAt:  snap.CreatedAt,
		})
		if err != nil {
			c.logger.Warn("approval history insert failed", "approval_id", snap.ApprovalID, "error", err)
		}
		return
	}
	if snap.ResolvedBy == "auto" {
		err := c.history.InsertApproval(ctx, persistence.ApprovalRecord{
			ApprovalID: snap.ApprovalID,
			Origin:     snap.Origin,
			Operation:  snap.Operation,
			Details:    snap.Details,
			RiskLevel:  string(snap.Risk),
			Status:     snap.Status,
			CreatedAt:  snap.CreatedAt,
		})
		if err != nil {
			c.logger.Warn("approval history insert failed", "approval_id", snap.ApprovalID, "error", err)
		}
		return
	}
	if err := c.history.ResolveApproval(ctx, snap.ApprovalID, snap.Status, snap.ResolvedBy); err != nil {
		c.logger.Warn("approval history update failed", "approval_id", snap.ApprovalID, "error", err)
	}
}
