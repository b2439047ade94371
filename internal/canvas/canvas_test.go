package canvas

import (
	"errors"
	"strings"
	"testing"
)

func TestParseAction(t *testing.T) {
	for _, good := range []string{"create", "update", "destroy"} {
		if _, err := ParseAction(good); err != nil {
			t.Errorf("ParseAction(%q): %v", good, err)
		}
	}
	if _, err := ParseAction("teleport"); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestCreateUpdateDestroy(t *testing.T) {
	s := NewState()
	c := Content{CanvasID: "main", Title: "Dashboard", HTML: "<h1>hi</h1>"}

	if err := s.Apply(ActionCreate, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Apply(ActionCreate, c); !errors.Is(err, ErrExists) {
		t.Errorf("second create error = %v, want ErrExists", err)
	}

	c.Title = "Updated"
	if err := s.Apply(ActionUpdate, c); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, ok := s.Get("main")
	if !ok || got.Title != "Updated" {
		t.Errorf("Get = %+v, %t", got, ok)
	}

	if err := s.Apply(ActionDestroy, Content{CanvasID: "main"}); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, ok := s.Get("main"); ok {
		t.Error("canvas survived destroy")
	}
	if err := s.Apply(ActionDestroy, Content{CanvasID: "main"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("destroy missing error = %v, want ErrNotFound", err)
	}
}

func TestUpdateMissingCanvas(t *testing.T) {
	s := NewState()
	err := s.Apply(ActionUpdate, Content{CanvasID: "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListOrdered(t *testing.T) {
	s := NewState()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if err := s.Apply(ActionCreate, Content{CanvasID: id}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	list := s.List()
	if len(list) != 3 {
		t.Fatalf("len = %d", len(list))
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i, c := range list {
		if c.CanvasID != want[i] {
			t.Errorf("list[%d] = %q, want %q", i, c.CanvasID, want[i])
		}
	}
}

func TestValidateContent(t *testing.T) {
	good := `{"canvas_id":"main","title":"T","html":"<p>ok</p>"}`
	if err := ValidateContent([]byte(good)); err != nil {
		t.Errorf("valid content rejected: %v", err)
	}

	missing := `{"title":"no id"}`
	if err := ValidateContent([]byte(missing)); err == nil {
		t.Error("content without canvas_id accepted")
	}

	extra := `{"canvas_id":"main","frames":9}`
	if err := ValidateContent([]byte(extra)); err == nil {
		t.Error("unknown property accepted")
	}

	huge := `{"canvas_id":"main","css":"` + strings.Repeat("a", 70000) + `"}`
	if err := ValidateContent([]byte(huge)); err == nil {
		t.Error("oversized css accepted")
	}

	if err := ValidateContent([]byte("not json")); err == nil {
		t.Error("malformed JSON accepted")
	}
}
