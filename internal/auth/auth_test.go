package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/papertrade/internal/auth"
)

var secret = []byte("test-secret")

func signToken(t *testing.T, key []byte, claims map[string]any) string {
	t.Helper()
	tok := jwt.New()
	for k, v := range claims {
		require.NoError(t, tok.Set(k, v))
	}
	signed, err := jwt.Sign(tok, jwa.HS256, key)
	require.NoError(t, err)
	return string(signed)
}

func TestHeaderProvider(t *testing.T) {
	p := auth.HeaderProvider{}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-User-ID", " alice ")
	uid, err := p.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)

	_, err = p.Authenticate(httptest.NewRequest("GET", "/", nil))
	assert.ErrorIs(t, err, auth.ErrNotAuthenticated)
}

func TestHeaderProvider_CustomHeader(t *testing.T) {
	p := auth.HeaderProvider{Header: "X-Forwarded-User"}
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-User", "bob")
	uid, err := p.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "bob", uid)
}

func TestJWTProvider(t *testing.T) {
	p, err := auth.NewJWTProvider(secret)
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		wantUID string
	}{
		{
			name:    "valid token",
			header:  "Bearer " + signToken(t, secret, map[string]any{jwt.SubjectKey: "alice", jwt.ExpirationKey: time.Now().Add(time.Hour)}),
			wantUID: "alice",
		},
		{
			name:   "expired token",
			header: "Bearer " + signToken(t, secret, map[string]any{jwt.SubjectKey: "alice", jwt.ExpirationKey: time.Now().Add(-time.Hour)}),
		},
		{
			name:   "wrong key",
			header: "Bearer " + signToken(t, []byte("other"), map[string]any{jwt.SubjectKey: "alice"}),
		},
		{
			name:   "no subject",
			header: "Bearer " + signToken(t, secret, map[string]any{jwt.IssuerKey: "papertrade"}),
		},
		{name: "not a bearer", header: "Basic YWxpY2U6cGFzcw=="},
		{name: "garbage", header: "Bearer not.a.jwt"},
		{name: "missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			uid, err := p.Authenticate(r)
			if tt.wantUID == "" {
				assert.ErrorIs(t, err, auth.ErrNotAuthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUID, uid)
		})
	}
}

func TestNewJWTProvider_EmptySecret(t *testing.T) {
	_, err := auth.NewJWTProvider(nil)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	var seen string
	var seenErr error
	h := auth.Middleware(auth.HeaderProvider{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, seenErr = auth.UserID(r.Context())
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-User-ID", "carol")
	h.ServeHTTP(httptest.NewRecorder(), r)
	require.NoError(t, seenErr)
	assert.Equal(t, "carol", seen)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	assert.ErrorIs(t, seenErr, auth.ErrNotAuthenticated)
}
