package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/wireclaw/wireclaw/internal/scope"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "wireclaw.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPairAndLookupNode(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	n := Node{
		NodeID:   "node-1",
		DeviceID: "dev-abc",
		Name:     "kitchen-pi",
		Token:    "tok-secret",
		Scopes:   []string{"pairing", "read"},
		PairedBy: "alice",
		PairedAt: time.Now(),
	}
	if err := s.PairNode(ctx, n); err != nil {
		t.Fatalf("PairNode: %v", err)
	}

	got, err := s.NodeByID(ctx, "node-1")
	if err != nil {
		t.Fatalf("NodeByID: %v", err)
	}
	if got.Name != "kitchen-pi" || got.DeviceID != "dev-abc" {
		t.Errorf("unexpected node: %+v", got)
	}

	subject, scopes, err := s.LookupDeviceToken(ctx, "tok-secret")
	if err != nil {
		t.Fatalf("LookupDeviceToken: %v", err)
	}
	if subject != "node:node-1" {
		t.Errorf("subject = %q", subject)
	}
	if !scope.Allows(scopes, scope.Pairing) {
		t.Errorf("scopes %v should allow pairing", scopes)
	}
}

func TestPairNodeDuplicateDeviceConflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	base := Node{NodeID: "a", DeviceID: "dev-1", Name: "n", Token: "t1", Scopes: []string{"pairing"}, PairedBy: "x", PairedAt: time.Now()}
	if err := s.PairNode(ctx, base); err != nil {
		t.Fatalf("first pair: %v", err)
	}
	dup := base
	dup.NodeID = "b"
	dup.Token = "t2"
	if err := s.PairNode(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate device_id error = %v, want ErrConflict", err)
	}
}

func TestLookupUnknownDeviceToken(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.LookupDeviceToken(t.Context(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestRemoveNode(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()
	n := Node{NodeID: "gone", DeviceID: "d", Name: "n", Token: "t", Scopes: []string{"read"}, PairedBy: "x", PairedAt: time.Now()}
	if err := s.PairNode(ctx, n); err != nil {
		t.Fatalf("PairNode: %v", err)
	}
	if err := s.RemoveNode(ctx, "gone"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if err := s.RemoveNode(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove error = %v, want ErrNotFound", err)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	rec := ApprovalRecord{
		ApprovalID: "ap-1",
		Origin:     "agent:main",
		Operation:  "file_write",
		Details:    "/etc/hosts",
		RiskLevel:  "high",
		Status:     "pending",
		CreatedAt:  time.Now(),
	}
	if err := s.InsertApproval(ctx, rec); err != nil {
		t.Fatalf("InsertApproval: %v", err)
	}
	if err := s.ResolveApproval(ctx, "ap-1", "approved", "alice"); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}

	list, err := s.ListApprovals(ctx, 10)
	if err != nil {
		t.Fatalf("ListApprovals: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d approvals, want 1", len(list))
	}
	got := list[0]
	if got.Status != "approved" || got.ResolvedBy != "alice" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}
}

func TestStalePendingMarkedTimedOut(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"p1", "p2"} {
		rec := ApprovalRecord{ApprovalID: id, Origin: "o", Operation: "op", RiskLevel: "medium", Status: "pending", CreatedAt: time.Now()}
		if err := s.InsertApproval(ctx, rec); err != nil {
			t.Fatalf("InsertApproval: %v", err)
		}
	}
	n, err := s.MarkStalePendingTimedOut(ctx)
	if err != nil {
		t.Fatalf("MarkStalePendingTimedOut: %v", err)
	}
	if n != 2 {
		t.Errorf("marked %d, want 2", n)
	}
	list, _ := s.ListApprovals(ctx, 10)
	for _, rec := range list {
		if rec.Status != "timed_out" {
			t.Errorf("approval %s status = %q", rec.ApprovalID, rec.Status)
		}
	}
}

func TestPurgeResolvedApprovals(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	old := ApprovalRecord{ApprovalID: "old", Origin: "o", Operation: "op", RiskLevel: "low", Status: "approved", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := ApprovalRecord{ApprovalID: "fresh", Origin: "o", Operation: "op", RiskLevel: "low", Status: "approved", CreatedAt: time.Now()}
	pending := ApprovalRecord{ApprovalID: "pend", Origin: "o", Operation: "op", RiskLevel: "low", Status: "pending", CreatedAt: time.Now().Add(-48 * time.Hour)}
	for _, rec := range []ApprovalRecord{old, fresh, pending} {
		if err := s.InsertApproval(ctx, rec); err != nil {
			t.Fatalf("InsertApproval: %v", err)
		}
	}

	n, err := s.PurgeResolvedApprovals(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeResolvedApprovals: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	list, _ := s.ListApprovals(ctx, 10)
	ids := map[string]bool{}
	for _, rec := range list {
		ids[rec.ApprovalID] = true
	}
	if ids["old"] || !ids["fresh"] || !ids["pend"] {
		t.Errorf("unexpected survivors: %v", ids)
	}
}

func TestHealthyAndMigrateIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wireclaw.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if !s1.Healthy(t.Context()) {
		t.Error("store not healthy")
	}
	_ = s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
	if !s2.Healthy(t.Context()) {
		t.Error("reopened store not healthy")
	}
}
