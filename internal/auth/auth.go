// Package auth resolves the current user from an HTTP request. The service
// never authenticates users itself; it trusts a Provider to name the caller
// and partitions all state by that identifier.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwt"
)

// ErrNotAuthenticated is returned when a request carries no usable identity.
var ErrNotAuthenticated = errors.New("auth: not authenticated")

// DefaultHeader is the header HeaderProvider reads when none is configured.
const DefaultHeader = "X-User-ID"

// Provider names the user behind a request.
type Provider interface {
	// Authenticate returns the caller's user ID, or an error wrapping
	// ErrNotAuthenticated.
	Authenticate(r *http.Request) (string, error)
}

// HeaderProvider trusts an upstream proxy to have authenticated the caller
// and put the user ID in a request header.
type HeaderProvider struct {
	Header string
}

func (h HeaderProvider) Authenticate(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = DefaultHeader
	}
	uid := strings.TrimSpace(r.Header.Get(name))
	if uid == "" {
		return "", fmt.Errorf("%w: missing %s header", ErrNotAuthenticated, name)
	}
	return uid, nil
}

// JWTProvider accepts HS256 bearer tokens and uses the subject claim as the
// user ID. Expiry and not-before claims are enforced.
type JWTProvider struct {
	secret []byte
}

// NewJWTProvider creates a provider verifying tokens with secret.
func NewJWTProvider(secret []byte) (*JWTProvider, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: jwt secret must not be empty")
	}
	return &JWTProvider{secret: secret}, nil
}

func (p *JWTProvider) Authenticate(r *http.Request) (string, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return "", fmt.Errorf("%w: missing bearer token", ErrNotAuthenticated)
	}
	tok, err := jwt.ParseString(raw, jwt.WithVerify(jwa.HS256, p.secret), jwt.WithValidate(true))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}
	if tok.Subject() == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrNotAuthenticated)
	}
	return tok.Subject(), nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

type ctxKey struct{}

// WithUserID returns a context carrying uid.
func WithUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, ctxKey{}, uid)
}

// UserID returns the user ID stored in ctx, or ErrNotAuthenticated.
func UserID(ctx context.Context) (string, error) {
	uid, _ := ctx.Value(ctxKey{}).(string)
	if uid == "" {
		return "", ErrNotAuthenticated
	}
	return uid, nil
}

// Middleware resolves the caller with p and stores the user ID in the request
// context. Unauthenticated requests pass through without an identity; the
// operations that need one reject them.
func Middleware(p Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, err := p.Authenticate(r)
			if err != nil {
				slog.Debug("request not authenticated", "path", r.URL.Path, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), uid)))
		})
	}
}
