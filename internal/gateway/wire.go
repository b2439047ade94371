package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// serverVersion is the daemon release reported in system.welcome.
	serverVersion = "0.4.0"

	// protocolCurrent is the newest protocol revision this server speaks.
	protocolCurrent = "3.2"
)

// supportedMajors are the protocol major versions this server accepts.
// A missing version header negotiates the oldest supported major.
var supportedMajors = map[int]bool{2: true, 3: true}

const protocolOldest = "2.0"

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Engine-specific taxonomy, custom range below -32000.
	ErrCodeUnauthorized      = -32001
	ErrCodePermissionDenied  = -32002
	ErrCodeDeviceNotPaired   = -32003
	ErrCodeNotFound          = -32004
	ErrCodeConflict          = -32005
	ErrCodeTimeout           = -32006
	ErrCodeRateLimited       = -32007
	ErrCodeResourceExhausted = -32008
	ErrCodeUnsupported       = -32009
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the request carries no id and therefore
// expects no response.
func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcResponse doubles as the envelope for responses (ID plus exactly one
// of Result/Error) and server-initiated notifications (Method plus Params,
// no ID).
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
}

func resultResponse(id json.RawMessage, result any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func errorResponseData(id json.RawMessage, code int, message string, data any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
}

func notification(method string, params any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", Method: method, Params: params}
}

var methodNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// validateShape enforces the envelope rules before any routing happens:
// jsonrpc must be exactly "2.0", method must be a namespaced name, and id,
// when present, must be a JSON string or number.
func validateShape(req *rpcRequest) *rpcError {
	if req.JSONRPC != "2.0" {
		return &rpcError{Code: ErrCodeInvalidRequest, Message: "jsonrpc must be \"2.0\""}
	}
	if req.Method == "" {
		return &rpcError{Code: ErrCodeInvalidRequest, Message: "method is required"}
	}
	if !methodNamePattern.MatchString(req.Method) {
		return &rpcError{Code: ErrCodeInvalidRequest, Message: "method must be namespace.verb"}
	}
	if !req.isNotification() {
		if err := validateID(req.ID); err != nil {
			return &rpcError{Code: ErrCodeInvalidRequest, Message: err.Error()}
		}
	}
	return nil
}

func validateID(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '{', '[':
		return fmt.Errorf("id must be a string or number")
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return fmt.Errorf("id is not valid JSON")
	}
	switch v.(type) {
	case string, float64, nil:
		return nil
	default:
		return fmt.Errorf("id must be a string or number")
	}
}

// negotiateVersion applies the handshake version policy: empty input
// negotiates the oldest supported major, a matching major accepts the
// client's requested version (minor is advisory), anything else fails
// the handshake.
func negotiateVersion(requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return protocolOldest, nil
	}
	parts := strings.SplitN(requested, ".", 2)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", fmt.Errorf("malformed protocol version %q", requested)
	}
	if len(parts) == 2 {
		if _, err := strconv.Atoi(parts[1]); err != nil {
			return "", fmt.Errorf("malformed protocol version %q", requested)
		}
	}
	if !supportedMajors[major] {
		return "", fmt.Errorf("unsupported protocol major %d", major)
	}
	if len(parts) == 1 {
		return fmt.Sprintf("%d.0", major), nil
	}
	return requested, nil
}
