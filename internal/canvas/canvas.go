// Package canvas holds the per-connection visual workspace state. Each
// connection owns an isolated set of canvases keyed by canvas_id; nothing
// here outlives the connection.
package canvas

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrNotFound is returned for operations on a canvas that does not exist.
	ErrNotFound = errors.New("canvas: not found")
	// ErrExists is returned when creating a canvas whose id is taken.
	ErrExists = errors.New("canvas: already exists")
)

// Action is a mutation verb accepted by canvas.interact.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDestroy Action = "destroy"
)

// ParseAction validates the verb.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionCreate, ActionUpdate, ActionDestroy:
		return a, nil
	default:
		return "", fmt.Errorf("canvas: unknown action %q", s)
	}
}

// Content is the renderable body of one canvas.
type Content struct {
	CanvasID string `json:"canvas_id"`
	Title    string `json:"title,omitempty"`
	HTML     string `json:"html,omitempty"`
	CSS      string `json:"css,omitempty"`
	JS       string `json:"js,omitempty"`
}

// contentSchema bounds what a client may push into a canvas. Sizes are
// capped so one connection cannot hold megabytes of markup hostage.
const contentSchema = `{
	"type": "object",
	"properties": {
		"canvas_id": {"type": "string", "minLength": 1, "maxLength": 128},
		"title": {"type": "string", "maxLength": 256},
		"html": {"type": "string", "maxLength": 262144},
		"css": {"type": "string", "maxLength": 65536},
		"js": {"type": "string", "maxLength": 131072}
	},
	"required": ["canvas_id"],
	"additionalProperties": false
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(contentSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal canvas schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("canvas.json", doc); err != nil {
			schemaErr = fmt.Errorf("add canvas schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("canvas.json")
	})
	return schema, schemaErr
}

// ValidateContent checks a raw content document against the canvas schema.
func ValidateContent(raw []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("canvas: invalid content JSON: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("canvas: content rejected: %w", err)
	}
	return nil
}

// State is one connection's canvas table.
type State struct {
	mu       sync.Mutex
	canvases map[string]Content
}

func NewState() *State {
	return &State{canvases: map[string]Content{}}
}

// Apply performs one action. Create fails on an existing id, update on a
// missing one, destroy removes the canvas.
func (s *State) Apply(action Action, content Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch action {
	case ActionCreate:
		if _, ok := s.canvases[content.CanvasID]; ok {
			return ErrExists
		}
		s.canvases[content.CanvasID] = content
	case ActionUpdate:
		if _, ok := s.canvases[content.CanvasID]; !ok {
			return ErrNotFound
		}
		s.canvases[content.CanvasID] = content
	case ActionDestroy:
		if _, ok := s.canvases[content.CanvasID]; !ok {
			return ErrNotFound
		}
		delete(s.canvases, content.CanvasID)
	default:
		return fmt.Errorf("canvas: unknown action %q", action)
	}
	return nil
}

// Get returns a copy of one canvas.
func (s *State) Get(canvasID string) (Content, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.canvases[canvasID]
	return c, ok
}

// List returns all canvases ordered by id.
func (s *State) List() []Content {
	s.mu.Lock()
	out := make([]Content, 0, len(s.canvases))
	for _, c := range s.canvases {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CanvasID < out[j].CanvasID })
	return out
}

// Len reports how many canvases the connection holds.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.canvases)
}
