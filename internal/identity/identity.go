// Package identity resolves who is asking: a verified principal carried by a
// bearer token, or a durable anonymous identifier with the client IP as the
// quota key.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Principal is a verified identity. Subject is the token's `sub` claim.
type Principal struct {
	Subject string
}

type ctxKey struct{}

// WithPrincipal attaches a verified principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFromContext returns the verified principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && p.Subject != ""
}

// AnonymousIDPrefix marks client-generated anonymous identifiers.
const AnonymousIDPrefix = "anon_"

// NewAnonymousID mints a durable anonymous identifier. It carries no
// server-verified principal behind it.
func NewAnonymousID() string {
	return AnonymousIDPrefix + uuid.NewString()
}

// Verifier checks bearer tokens. Issuance happens elsewhere; tokens are
// consumed here as an opaque capability.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// FromRequest parses and verifies the Authorization header. A missing header
// is not an error; an invalid token is.
func (v *Verifier) FromRequest(r *http.Request) (Principal, bool, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return Principal{}, false, nil
	}
	if len(v.secret) == 0 {
		// No verification key means no authenticated path. An HS256 token
		// signed with the empty key would otherwise verify against an
		// empty-secret verifier, letting anyone mint a principal.
		return Principal{}, false, errors.New("bearer token presented but token verification is disabled")
	}
	raw := header
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = raw[7:]
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, false, fmt.Errorf("invalid bearer token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Principal{}, false, fmt.Errorf("token missing subject claim")
	}
	return Principal{Subject: sub}, true, nil
}

// Middleware attaches the verified principal to the request context when a
// valid bearer token is present. Requests without a token pass through
// unauthenticated; requests with a broken token are rejected so a caller
// never silently downgrades to anonymous.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok, err := v.FromRequest(r)
		if err != nil {
			http.Error(w, `{"error":"invalid token","code":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if ok {
			r = r.WithContext(WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the originating client address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
