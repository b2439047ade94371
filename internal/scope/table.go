package scope

// Table is an immutable mapping from fully-qualified method name to the
// scope required to call it. It is built once at startup and never mutated,
// so lookups need no locking. A method absent from the table is not
// callable: dispatch fails closed with method-not-found.
type Table struct {
	required map[string]Scope
}

// NewTable builds a Table from a method→scope map. The map is copied.
func NewTable(entries map[string]Scope) *Table {
	required := make(map[string]Scope, len(entries))
	for method, sc := range entries {
		required[method] = sc
	}
	return &Table{required: required}
}

// Required returns the scope needed for a method, or false if the method
// is not registered.
func (t *Table) Required(method string) (Scope, bool) {
	sc, ok := t.required[method]
	return sc, ok
}

// Methods returns the number of registered methods.
func (t *Table) Methods() int {
	return len(t.required)
}
