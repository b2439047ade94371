package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wireclaw/wireclaw/internal/audit"
	"github.com/wireclaw/wireclaw/internal/otel"
	"github.com/wireclaw/wireclaw/internal/scope"
	"github.com/wireclaw/wireclaw/internal/shared"
)

// handlerFunc runs one method call. It returns either a result or an
// rpcError; returning both nil is a handler bug and maps to an internal
// error.
type handlerFunc func(ctx context.Context, c *connection, params json.RawMessage) (any, *rpcError)

// router holds the immutable method registry and enforces, in order:
// shape, method existence, rate limit, scope, then handler dispatch.
// Every authorization decision lands in the audit sink.
type router struct {
	table    *scope.Table
	handlers map[string]handlerFunc
	limiter  *limiter
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
}

func newRouter(table *scope.Table, lim *limiter, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *router {
	return &router{
		table:    table,
		handlers: map[string]handlerFunc{},
		limiter:  lim,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// register wires a handler. Every registered method must have a scope
// table entry; a missing entry fails closed at dispatch time.
func (r *router) register(method string, h handlerFunc) {
	r.handlers[method] = h
}

// dispatch produces exactly one response for a request with an id, and
// nil for notifications. It never panics the connection task.
func (r *router) dispatch(ctx context.Context, c *connection, req *rpcRequest) *rpcResponse {
	start := time.Now()
	respond := func(resp *rpcResponse) *rpcResponse {
		r.observe(ctx, req.Method, resp, time.Since(start))
		if req.isNotification() {
			return nil
		}
		return resp
	}

	if rpcErr := validateShape(req); rpcErr != nil {
		return respond(&rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
	}

	required, known := r.table.Required(req.Method)
	handler, wired := r.handlers[req.Method]
	if !known || !wired {
		// Unknown methods and server-only notification methods invoked as
		// calls resolve identically.
		return respond(errorResponse(req.ID, ErrCodeMethodNotFound, "method not found: "+req.Method))
	}

	subject := c.subject()
	if ok, retryAfter := r.limiter.allow(subject); !ok {
		if r.metrics != nil {
			r.metrics.RateLimitRejects.Add(ctx, 1)
		}
		return respond(errorResponseData(req.ID, ErrCodeRateLimited, "rate limit exceeded",
			map[string]any{"retry_after": retryAfter}))
	}

	granted := c.grantedScopes()
	if subject == "" {
		audit.Record("deny", req.Method, string(required), "", "unauthenticated")
		return respond(errorResponse(req.ID, ErrCodeUnauthorized, "authentication required"))
	}
	if !scope.Allows(granted, required) {
		audit.Record("deny", req.Method, string(required), subject, "scope not granted")
		if r.metrics != nil {
			r.metrics.AuthzDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("method", req.Method)))
		}
		return respond(errorResponse(req.ID, ErrCodePermissionDenied, "insufficient scope for "+req.Method))
	}
	audit.Record("allow", req.Method, string(required), subject, "")

	result, rpcErr := r.invoke(ctx, c, req.Method, handler, req.Params)
	if rpcErr != nil {
		return respond(&rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
	}
	return respond(resultResponse(req.ID, result))
}

// invoke runs the handler with panic containment.
func (r *router) invoke(ctx context.Context, c *connection, method string, h handlerFunc, params json.RawMessage) (result any, rpcErr *rpcError) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "gateway.dispatch",
			trace.WithAttributes(attribute.String("rpc.method", method)))
		defer span.End()
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic",
				"method", method, "panic", rec, "trace_id", shared.TraceID(ctx))
			result = nil
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: "internal error"}
		}
	}()
	result, rpcErr = h(ctx, c, params)
	if result == nil && rpcErr == nil {
		rpcErr = &rpcError{Code: ErrCodeInternal, Message: "handler returned nothing"}
	}
	return result, rpcErr
}

func (r *router) observe(ctx context.Context, method string, resp *rpcResponse, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("method", method))
	r.metrics.RequestDuration.Record(ctx, elapsed.Seconds(), attrs)
	if resp != nil && resp.Error != nil {
		r.metrics.RequestErrors.Add(ctx, 1, attrs)
	}
}
