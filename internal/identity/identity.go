// Package identity resolves handshake credentials to an authenticated
// identity and its granted scopes. The gateway treats the result as an
// opaque grant set; everything scope-related downstream goes through the
// scope package.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wireclaw/wireclaw/internal/scope"
)

// ErrUnauthorized is returned for any rejected credential. The cause is
// deliberately not distinguished to the caller.
var ErrUnauthorized = errors.New("identity: credentials rejected")

// Identity is an authenticated principal with its grant set.
type Identity struct {
	Subject  string
	DeviceID string
	Scopes   []scope.Scope
}

// Credentials carries the parsed handshake authorization material.
type Credentials struct {
	// Scheme is "Bearer" or "DeviceToken".
	Scheme string
	Token  string

	ClientName string
	DeviceID   string
}

// Provider resolves credentials during the connection handshake.
type Provider interface {
	Resolve(ctx context.Context, creds Credentials) (*Identity, error)
}

// DeviceLookup resolves a paired-device token. Implemented by the
// persistence store.
type DeviceLookup interface {
	LookupDeviceToken(ctx context.Context, token string) (subject string, scopes []scope.Scope, err error)
}

// Resolver is the standard Provider: a shared bearer token, HMAC-signed
// JWTs, or open access, selected by Mode, plus paired-device tokens via
// the optional Devices lookup.
type Resolver struct {
	// Mode is "token", "jwt", or "none".
	Mode string

	Token       string
	TokenScopes []scope.Scope

	JWTSecret []byte

	Devices DeviceLookup
}

type jwtClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (*Identity, error) {
	if strings.EqualFold(creds.Scheme, "DeviceToken") {
		return r.resolveDevice(ctx, creds)
	}

	switch r.Mode {
	case "none":
		return &Identity{
			Subject:  anonymousSubject(creds),
			DeviceID: creds.DeviceID,
			Scopes:   []scope.Scope{scope.Admin},
		}, nil
	case "token":
		if creds.Token == "" || r.Token == "" {
			return nil, ErrUnauthorized
		}
		if subtle.ConstantTimeCompare([]byte(creds.Token), []byte(r.Token)) != 1 {
			return nil, ErrUnauthorized
		}
		scopes := r.TokenScopes
		if len(scopes) == 0 {
			scopes = []scope.Scope{scope.Admin}
		}
		return &Identity{
			Subject:  subjectFor(creds),
			DeviceID: creds.DeviceID,
			Scopes:   scopes,
		}, nil
	case "jwt":
		return r.resolveJWT(creds)
	default:
		return nil, fmt.Errorf("identity: unknown auth mode %q", r.Mode)
	}
}

func (r *Resolver) resolveJWT(creds Credentials) (*Identity, error) {
	if creds.Token == "" || len(r.JWTSecret) == 0 {
		return nil, ErrUnauthorized
	}
	claims := &jwtClaims{}
	token, err := jwt.ParseWithClaims(creds.Token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.JWTSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}
	scopes, err := scope.ParseList(claims.Scopes)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if len(scopes) == 0 {
		scopes = []scope.Scope{scope.Read}
	}
	subject := claims.Subject
	if subject == "" {
		subject = subjectFor(creds)
	}
	return &Identity{
		Subject:  subject,
		DeviceID: creds.DeviceID,
		Scopes:   scopes,
	}, nil
}

func (r *Resolver) resolveDevice(ctx context.Context, creds Credentials) (*Identity, error) {
	if r.Devices == nil || creds.Token == "" {
		return nil, ErrUnauthorized
	}
	subject, scopes, err := r.Devices.LookupDeviceToken(ctx, creds.Token)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if len(scopes) == 0 {
		scopes = []scope.Scope{scope.Pairing}
	}
	return &Identity{
		Subject:  subject,
		DeviceID: creds.DeviceID,
		Scopes:   scopes,
	}, nil
}

func subjectFor(creds Credentials) string {
	if creds.ClientName != "" {
		return creds.ClientName
	}
	return "operator"
}

func anonymousSubject(creds Credentials) string {
	if creds.ClientName != "" {
		return creds.ClientName
	}
	return "anonymous"
}

// SignJWT mints an HMAC-signed token carrying subject and scopes. Used by
// the CLI pairing flow and by tests.
func SignJWT(secret []byte, subject string, scopes []scope.Scope) (string, error) {
	claims := jwtClaims{
		Scopes: scope.Strings(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
