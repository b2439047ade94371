// Package scope defines the capability scopes granted to authenticated
// identities and the per-method scope requirements enforced by the gateway
// router. admin dominates every other scope; each non-admin scope grants
// itself plus read.
package scope

import (
	"fmt"
	"strings"
)

// Scope is a named capability granted to an authenticated identity.
type Scope string

const (
	Read      Scope = "read"
	Write     Scope = "write"
	Approvals Scope = "approvals"
	Pairing   Scope = "pairing"
	Admin     Scope = "admin"
)

// All lists every known scope.
var All = []Scope{Read, Write, Approvals, Pairing, Admin}

// Parse converts a string into a known Scope.
func Parse(s string) (Scope, error) {
	sc := Scope(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if sc == known {
			return sc, nil
		}
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// ParseList converts a list of scope strings, skipping empty entries.
func ParseList(items []string) ([]Scope, error) {
	out := make([]Scope, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item) == "" {
			continue
		}
		sc, err := Parse(item)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// grants reports whether a single granted scope satisfies required.
// admin satisfies everything; every scope satisfies itself; every
// non-admin scope additionally satisfies read. There is no transitivity
// across unrelated scopes: write does not imply approvals.
func grants(granted, required Scope) bool {
	if granted == Admin {
		return true
	}
	if granted == required {
		return true
	}
	return required == Read
}

// Allows reports whether any of the granted scopes satisfies required.
func Allows(granted []Scope, required Scope) bool {
	for _, g := range granted {
		if grants(g, required) {
			return true
		}
	}
	return false
}

// Strings renders scopes for logs and wire payloads.
func Strings(scopes []Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}
