// Package persistence is the sqlite-backed store for state that must
// survive a daemon restart: paired nodes, approval history, and the
// audit_log table the audit sink mirrors into.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wireclaw/wireclaw/internal/scope"
)

const (
	schemaVersion  = 2
	schemaChecksum = "wc-v2-pairing-approvals-audit"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("persistence: not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("persistence: conflict")
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema. The returned store is safe for concurrent use.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for the audit sink's audit_log writes.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Healthy reports whether the database answers a trivial query.
func (s *Store) Healthy(ctx context.Context) bool {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one) == nil
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS schema_ledger (
	version INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE TABLE IF NOT EXISTS paired_nodes (
	node_id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	token TEXT NOT NULL UNIQUE,
	scopes TEXT NOT NULL,
	paired_by TEXT NOT NULL,
	paired_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE TABLE IF NOT EXISTS approvals (
	approval_id TEXT PRIMARY KEY,
	origin TEXT NOT NULL,
	operation TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	risk_level TEXT NOT NULL,
	status TEXT NOT NULL,
	resolved_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	resolved_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	method TEXT NOT NULL,
	required_scope TEXT NOT NULL,
	decision TEXT NOT NULL,
	identity TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_ledger WHERE version = ? AND checksum = ?",
		schemaVersion, schemaChecksum).Scan(&count); err != nil {
		return fmt.Errorf("read schema ledger: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO schema_ledger (version, checksum) VALUES (?, ?)",
			schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("write schema ledger: %w", err)
		}
	}
	return nil
}

// --- paired nodes ---

type Node struct {
	NodeID   string    `json:"node_id"`
	DeviceID string    `json:"device_id"`
	Name     string    `json:"name"`
	Token    string    `json:"-"`
	Scopes   []string  `json:"scopes"`
	PairedBy string    `json:"paired_by"`
	PairedAt time.Time `json:"paired_at"`
}

// PairNode persists a newly paired node. A duplicate device_id or token
// reports ErrConflict.
func (s *Store) PairNode(ctx context.Context, n Node) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paired_nodes (node_id, device_id, name, token, scopes, paired_by, paired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.NodeID, n.DeviceID, n.Name, n.Token,
		strings.Join(n.Scopes, ","), n.PairedBy,
		n.PairedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrConflict
		}
		return fmt.Errorf("pair node: %w", err)
	}
	return nil
}

// NodeByID fetches one paired node.
func (s *Store) NodeByID(ctx context.Context, nodeID string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, device_id, name, token, scopes, paired_by, paired_at
		FROM paired_nodes WHERE node_id = ?`, nodeID)
	return scanNode(row)
}

// ListNodes returns all paired nodes, newest first.
func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, device_id, name, token, scopes, paired_by, paired_at
		FROM paired_nodes ORDER BY paired_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// RemoveNode deletes a paired node.
func (s *Store) RemoveNode(ctx context.Context, nodeID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM paired_nodes WHERE node_id = ?", nodeID)
	if err != nil {
		return fmt.Errorf("remove node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LookupDeviceToken implements identity.DeviceLookup for the DeviceToken
// handshake scheme.
func (s *Store) LookupDeviceToken(ctx context.Context, token string) (string, []scope.Scope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, scopes FROM paired_nodes WHERE token = ?`, token)
	var nodeID, rawScopes string
	if err := row.Scan(&nodeID, &rawScopes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("lookup device token: %w", err)
	}
	scopes, err := scope.ParseList(strings.Split(rawScopes, ","))
	if err != nil {
		return "", nil, fmt.Errorf("stored scopes for %s: %w", nodeID, err)
	}
	return "node:" + nodeID, scopes, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var rawScopes, pairedAt string
	if err := row.Scan(&n.NodeID, &n.DeviceID, &n.Name, &n.Token, &rawScopes, &n.PairedBy, &pairedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	if rawScopes != "" {
		n.Scopes = strings.Split(rawScopes, ",")
	}
	if t, err := time.Parse(time.RFC3339Nano, pairedAt); err == nil {
		n.PairedAt = t
	}
	return &n, nil
}

// --- approvals ---

type ApprovalRecord struct {
	ApprovalID string     `json:"approval_id"`
	Origin     string     `json:"origin"`
	Operation  string     `json:"operation"`
	Details    string     `json:"details,omitempty"`
	RiskLevel  string     `json:"risk_level"`
	Status     string     `json:"status"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// InsertApproval records a newly created approval request.
func (s *Store) InsertApproval(ctx context.Context, rec ApprovalRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, origin, operation, details, risk_level, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ApprovalID, rec.Origin, rec.Operation, rec.Details, rec.RiskLevel,
		rec.Status, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// ResolveApproval stores the terminal status of an approval.
func (s *Store) ResolveApproval(ctx context.Context, approvalID, status, resolvedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE approval_id = ?`,
		status, resolvedBy, time.Now().UTC().Format(time.RFC3339Nano), approvalID)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	return nil
}

// ListApprovals returns the most recent approvals up to limit.
func (s *Store) ListApprovals(ctx context.Context, limit int) ([]ApprovalRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT approval_id, origin, operation, details, risk_level, status, resolved_by, created_at, resolved_at
		FROM approvals ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	var out []ApprovalRecord
	for rows.Next() {
		var rec ApprovalRecord
		var createdAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&rec.ApprovalID, &rec.Origin, &rec.Operation, &rec.Details,
			&rec.RiskLevel, &rec.Status, &rec.ResolvedBy, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}
		if resolvedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
				rec.ResolvedAt = &t
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkStalePendingTimedOut flips pending approvals left over from a previous
// process to timed_out. Called once at startup.
func (s *Store) MarkStalePendingTimedOut(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'timed_out', resolved_at = ?
		WHERE status = 'pending'`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("mark stale approvals: %w", err)
	}
	return res.RowsAffected()
}

// PurgeResolvedApprovals deletes resolved approvals older than the
// retention window. Run by the maintenance schedule.
func (s *Store) PurgeResolvedApprovals(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM approvals WHERE status != 'pending' AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge approvals: %w", err)
	}
	return res.RowsAffected()
}

// AuditCount returns the number of audit_log rows, for health reporting.
func (s *Store) AuditCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit rows: %w", err)
	}
	return n, nil
}
