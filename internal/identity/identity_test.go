package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/wireclaw/wireclaw/internal/scope"
)

func TestTokenModeAcceptsMatchingToken(t *testing.T) {
	r := &Resolver{Mode: "token", Token: "shared-secret", TokenScopes: []scope.Scope{scope.Write}}
	id, err := r.Resolve(context.Background(), Credentials{
		Scheme:     "Bearer",
		Token:      "shared-secret",
		ClientName: "wireclaw-cli/0.3",
		DeviceID:   "dev-1",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Subject != "wireclaw-cli/0.3" || id.DeviceID != "dev-1" {
		t.Fatalf("identity = %+v", id)
	}
	if !scope.Allows(id.Scopes, scope.Write) {
		t.Fatal("token scopes not granted")
	}
}

func TestTokenModeRejectsMismatch(t *testing.T) {
	r := &Resolver{Mode: "token", Token: "shared-secret"}
	for _, tok := range []string{"", "wrong", "shared-secret "} {
		if _, err := r.Resolve(context.Background(), Credentials{Scheme: "Bearer", Token: tok}); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("token %q: expected ErrUnauthorized, got %v", tok, err)
		}
	}
}

func TestJWTRoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	signed, err := SignJWT(secret, "alex@ops", []scope.Scope{scope.Approvals, scope.Read})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	r := &Resolver{Mode: "jwt", JWTSecret: secret}
	id, err := r.Resolve(context.Background(), Credentials{Scheme: "Bearer", Token: signed})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Subject != "alex@ops" {
		t.Fatalf("subject = %q", id.Subject)
	}
	if !scope.Allows(id.Scopes, scope.Approvals) || scope.Allows(id.Scopes, scope.Admin) {
		t.Fatalf("scopes = %v", id.Scopes)
	}
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	signed, err := SignJWT([]byte("secret-a-secret-a-secret-a-secret"), "x", []scope.Scope{scope.Read})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	r := &Resolver{Mode: "jwt", JWTSecret: []byte("secret-b-secret-b-secret-b-secret")}
	if _, err := r.Resolve(context.Background(), Credentials{Scheme: "Bearer", Token: signed}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestJWTRejectsUnknownScope(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	// Hand-roll a resolver against a token carrying a bogus scope name.
	signed, err := SignJWT(secret, "x", []scope.Scope{"root"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	r := &Resolver{Mode: "jwt", JWTSecret: secret}
	if _, err := r.Resolve(context.Background(), Credentials{Scheme: "Bearer", Token: signed}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNoneModeGrantsAdmin(t *testing.T) {
	r := &Resolver{Mode: "none"}
	id, err := r.Resolve(context.Background(), Credentials{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Subject != "anonymous" || !scope.Allows(id.Scopes, scope.Admin) {
		t.Fatalf("identity = %+v", id)
	}
}

type fakeDevices struct {
	token   string
	subject string
}

func (f *fakeDevices) LookupDeviceToken(_ context.Context, token string) (string, []scope.Scope, error) {
	if token != f.token {
		return "", nil, errors.New("not paired")
	}
	return f.subject, []scope.Scope{scope.Pairing}, nil
}

func TestDeviceTokenScheme(t *testing.T) {
	r := &Resolver{Mode: "token", Token: "unused", Devices: &fakeDevices{token: "node-token", subject: "node:kitchen-pi"}}

	id, err := r.Resolve(context.Background(), Credentials{Scheme: "DeviceToken", Token: "node-token"})
	if err != nil {
		t.Fatalf("resolve device: %v", err)
	}
	if id.Subject != "node:kitchen-pi" || !scope.Allows(id.Scopes, scope.Pairing) {
		t.Fatalf("identity = %+v", id)
	}

	if _, err := r.Resolve(context.Background(), Credentials{Scheme: "DeviceToken", Token: "stale"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for stale device token, got %v", err)
	}
}
