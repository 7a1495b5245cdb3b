package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/papertrade/internal/config"
	"github.com/atmx/papertrade/internal/store"
	"github.com/atmx/papertrade/internal/trade"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	return cfg
}

func TestRouter_HealthAndSession(t *testing.T) {
	cfg := testConfig(t)

	b, err := openStore(context.Background(), cfg.Store)
	require.NoError(t, err)
	defer b.Close()
	_, ok := b.store.(*store.MemoryStore)
	assert.True(t, ok)

	quotes, err := newQuoteSource(cfg.Quotes)
	require.NoError(t, err)
	provider, err := newAuthProvider(cfg.Auth)
	require.NoError(t, err)

	svc := trade.NewService(b.store, quotes, newLimiter(cfg.Limits), nil, nil, trade.Config{})
	h := newRouter(svc, provider)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"papertrade"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session", nil)
	req.Header.Set("X-User-ID", "alice")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alice"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/orders", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "X-User-ID"))
}

func TestOpenStore_SQLite(t *testing.T) {
	b, err := openStore(context.Background(), config.StoreConfig{SQLitePath: "file::memory:"})
	require.NoError(t, err)
	defer b.Close()

	_, ok := b.store.(*store.SQLiteStore)
	assert.True(t, ok)
	assert.NoError(t, b.migrate(context.Background()))
}

func TestNewAuthProvider_JWTNeedsSecret(t *testing.T) {
	_, err := newAuthProvider(config.AuthConfig{Mode: config.AuthJWT})
	assert.Error(t, err)
}
