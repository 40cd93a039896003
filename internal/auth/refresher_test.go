package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelpool/modelpool/internal/account"
)

func newTestStore(t *testing.T) *account.Store {
	t.Helper()
	dir := t.TempDir()
	store := account.NewStore(
		filepath.Join(dir, "accounts.json"),
		filepath.Join(dir, "auth.json"),
	)
	store.Load()
	return store
}

func tokenHandler(calls *int32, response map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func TestAccessTokenOpenAICompat(t *testing.T) {
	store := newTestStore(t)
	acc, err := store.AddAccount(account.Account{
		Provider: account.ProviderOpenAICompat,
		Email:    "k@x.com",
		APIKey:   "sk-test",
		Enabled:  true,
	})
	require.NoError(t, err)

	refresher := NewRefresher(store)
	token, err := refresher.AccessToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", token)
}

func TestCodexFreshTokenSkipsRefresh(t *testing.T) {
	store := newTestStore(t)
	var calls int32
	server := httptest.NewServer(tokenHandler(&calls, map[string]any{
		"access_token": "new-at", "expires_in": 3600,
	}))
	defer server.Close()

	acc, err := store.AddAccount(account.Account{
		Provider:     account.ProviderCodex,
		Email:        "c@x.com",
		AccessToken:  "fresh-at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		Enabled:      true,
	})
	require.NoError(t, err)

	refresher := NewRefresher(store, WithCodexTokenURL(server.URL))
	token, err := refresher.AccessToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, "fresh-at", token)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCodexRefreshPersistsNewTokens(t *testing.T) {
	store := newTestStore(t)
	var calls int32
	server := httptest.NewServer(tokenHandler(&calls, map[string]any{
		"access_token":  "new-at",
		"refresh_token": "new-rt",
		"expires_in":    3600,
	}))
	defer server.Close()

	acc, err := store.AddAccount(account.Account{
		Provider:     account.ProviderCodex,
		Email:        "c@x.com",
		AccessToken:  "old-at",
		RefreshToken: "old-rt",
		ExpiresAt:    time.Now().Add(-time.Hour).UnixMilli(),
		Enabled:      true,
	})
	require.NoError(t, err)

	refresher := NewRefresher(store, WithCodexTokenURL(server.URL))
	token, err := refresher.AccessToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, "new-at", token)

	got, ok := store.GetAccount(acc.ID)
	require.True(t, ok)
	assert.Equal(t, "new-at", got.AccessToken)
	assert.Equal(t, "new-rt", got.RefreshToken)
	assert.Greater(t, got.ExpiresAt, time.Now().UnixMilli())
}

func TestCodexRefreshFailureFallsBackToStaleToken(t *testing.T) {
	store := newTestStore(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	acc, err := store.AddAccount(account.Account{
		Provider:     account.ProviderCodex,
		Email:        "c@x.com",
		AccessToken:  "stale-at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(-time.Hour).UnixMilli(),
		Enabled:      true,
	})
	require.NoError(t, err)

	refresher := NewRefresher(store, WithCodexTokenURL(server.URL))
	token, err := refresher.AccessToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, "stale-at", token)
}

func TestAntigravityRefreshCachedAndDeduplicated(t *testing.T) {
	store := newTestStore(t)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond) // widen the dedup window
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "ag-at", "expires_in": 3600,
		})
	}))
	defer server.Close()

	acc, err := store.AddAccount(account.Account{
		Provider:     account.ProviderAntigravity,
		Email:        "g@x.com",
		RefreshToken: "rt",
		Enabled:      true,
	})
	require.NoError(t, err)

	refresher := NewRefresher(store, WithGoogleTokenURL(server.URL))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := refresher.AccessToken(context.Background(), acc)
			assert.NoError(t, err)
			assert.Equal(t, "ag-at", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// A later call hits the cache, not the endpoint.
	_, err = refresher.AccessToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAntigravityRefreshPersistsRotatedRefreshToken(t *testing.T) {
	store := newTestStore(t)
	var calls int32
	server := httptest.NewServer(tokenHandler(&calls, map[string]any{
		"access_token":  "ag-at",
		"refresh_token": "rotated-rt",
		"expires_in":    3600,
	}))
	defer server.Close()

	acc, err := store.AddAccount(account.Account{
		Provider:     account.ProviderAntigravity,
		Email:        "g@x.com",
		RefreshToken: "old-rt",
		Enabled:      true,
	})
	require.NoError(t, err)

	refresher := NewRefresher(store, WithGoogleTokenURL(server.URL))
	_, err = refresher.AccessToken(context.Background(), acc)
	require.NoError(t, err)

	got, ok := store.GetAccount(acc.ID)
	require.True(t, ok)
	assert.Equal(t, "rotated-rt", got.RefreshToken)
	// Antigravity access tokens are never persisted.
	assert.Empty(t, got.AccessToken)
}

func TestInvalidateAccessForcesRefresh(t *testing.T) {
	store := newTestStore(t)
	var calls int32
	server := httptest.NewServer(tokenHandler(&calls, map[string]any{
		"access_token": "ag-at", "expires_in": 3600,
	}))
	defer server.Close()

	acc, err := store.AddAccount(account.Account{
		Provider:     account.ProviderAntigravity,
		Email:        "g@x.com",
		RefreshToken: "rt",
		Enabled:      true,
	})
	require.NoError(t, err)

	refresher := NewRefresher(store, WithGoogleTokenURL(server.URL))
	_, err = refresher.AccessToken(context.Background(), acc)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	refresher.InvalidateAccess(acc.ID)

	_, err = refresher.AccessToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAntigravityRefreshErrorSurfaces(t *testing.T) {
	store := newTestStore(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	acc, err := store.AddAccount(account.Account{
		Provider:     account.ProviderAntigravity,
		Email:        "g@x.com",
		RefreshToken: "rt",
		Enabled:      true,
	})
	require.NoError(t, err)

	refresher := NewRefresher(store, WithGoogleTokenURL(server.URL))
	_, err = refresher.AccessToken(context.Background(), acc)
	assert.Error(t, err)
}
