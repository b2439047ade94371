// Package audit is the sink for authorization decisions and approval
// outcomes. Every record is appended to logs/audit.jsonl and, when a
// database is configured, mirrored into the audit_log table. Recording
// never blocks or fails the calling operation.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wireclaw/wireclaw/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Method    string `json:"method"`
	Scope     string `json:"scope,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one authorization decision. decision is "allow" or "deny";
// method is the RPC method, requiredScope the scope the table demanded,
// identity the authenticated subject, reason a short machine-readable tag.
func Record(decision, method, requiredScope, identity, reason string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	// Secrets never reach the sink.
	identity = shared.Redact(identity)
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			Method:    method,
			Scope:     requiredScope,
			Identity:  identity,
			Reason:    reason,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (method, required_scope, decision, identity, reason)
			VALUES (?, ?, ?, ?, ?);
		`, method, requiredScope, decision, identity, reason)
	}
}
