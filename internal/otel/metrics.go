package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all WireClaw gateway metric instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	RequestErrors     metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	BroadcastDrops    metric.Int64Counter
	ApprovalsPending  metric.Int64UpDownCounter
	ApprovalOutcomes  metric.Int64Counter
	AuthzDenials      metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("wireclaw.rpc.duration",
		metric.WithDescription("RPC dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestErrors, err = meter.Int64Counter("wireclaw.rpc.errors",
		metric.WithDescription("RPC responses carrying an error object"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("wireclaw.connections.active",
		metric.WithDescription("Currently open operator connections"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastDrops, err = meter.Int64Counter("wireclaw.broadcast.drops",
		metric.WithDescription("Events dropped for slow subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsPending, err = meter.Int64UpDownCounter("wireclaw.approvals.pending",
		metric.WithDescription("Approval requests awaiting an operator decision"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalOutcomes, err = meter.Int64Counter("wireclaw.approvals.outcomes",
		metric.WithDescription("Resolved approval requests by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthzDenials, err = meter.Int64Counter("wireclaw.authz.denials",
		metric.WithDescription("Scope authorization denials"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("wireclaw.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
