// Package auth refreshes provider credentials on demand. Refreshes are
// deduplicated per account so concurrent requests trigger at most one
// upstream token call.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/modelpool/modelpool/internal/account"
	"github.com/modelpool/modelpool/internal/config"
	"github.com/modelpool/modelpool/internal/utils"
)

// cachedToken is a short-lived antigravity access token. Antigravity
// access tokens are never persisted; only the refresh token lives in the
// accounts file.
type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// Refresher exchanges refresh tokens for access tokens and caches the
// results. All methods are safe for concurrent use.
type Refresher struct {
	store *account.Store
	http  *http.Client
	now   func() time.Time
	group singleflight.Group

	googleTokenURL string
	codexTokenURL  string

	mu    sync.Mutex
	cache map[string]cachedToken
}

// RefresherOption configures a Refresher at construction.
type RefresherOption func(*Refresher)

// WithHTTPClient replaces the HTTP client used for token calls.
func WithHTTPClient(client *http.Client) RefresherOption {
	return func(r *Refresher) { r.http = client }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// WithGoogleTokenURL overrides the Google token endpoint.
func WithGoogleTokenURL(u string) RefresherOption {
	return func(r *Refresher) { r.googleTokenURL = u }
}

// WithCodexTokenURL overrides the codex token endpoint.
func WithCodexTokenURL(u string) RefresherOption {
	return func(r *Refresher) { r.codexTokenURL = u }
}

// NewRefresher creates a Refresher backed by the given store.
func NewRefresher(store *account.Store, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:          store,
		http:           &http.Client{Timeout: 30 * time.Second},
		now:            time.Now,
		googleTokenURL: config.GoogleOAuthConfig.TokenURL,
		codexTokenURL:  config.CodexOAuthConfig.TokenURL,
		cache:          make(map[string]cachedToken),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AccessToken returns a usable bearer credential for the account,
// refreshing first when the stored or cached token is within the expiry
// skew. For codex a failed refresh falls back to the stale stored token so
// a flaky token endpoint does not take the account out of rotation.
func (r *Refresher) AccessToken(ctx context.Context, acc account.Account) (string, error) {
	switch acc.Provider {
	case account.ProviderOpenAICompat:
		return acc.APIKey, nil
	case account.ProviderCodex:
		return r.codexToken(ctx, acc)
	case account.ProviderAntigravity:
		return r.antigravityToken(ctx, acc)
	}
	return "", fmt.Errorf("unknown provider %s", acc.Provider)
}

// InvalidateAccess drops any cached access token for the account so the
// next AccessToken call refreshes. Used after upstream auth failures.
func (r *Refresher) InvalidateAccess(accountID string) {
	r.mu.Lock()
	delete(r.cache, accountID)
	r.mu.Unlock()

	r.store.InvalidateAccessToken(accountID)
}

func (r *Refresher) stale(expiresAtMs int64) bool {
	if expiresAtMs == 0 {
		return true
	}
	return time.UnixMilli(expiresAtMs).Add(-config.TokenRefreshSkew).Before(r.now())
}

// tokenResponse is the OAuth token endpoint response shape shared by both
// the Google and codex grants.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (r *Refresher) codexToken(ctx context.Context, acc account.Account) (string, error) {
	if acc.AccessToken != "" && !r.stale(acc.ExpiresAt) {
		return acc.AccessToken, nil
	}
	if acc.RefreshToken == "" {
		if acc.AccessToken != "" {
			return acc.AccessToken, nil
		}
		return "", fmt.Errorf("codex account %s has no credentials", acc.DisplayName())
	}

	result, err, _ := r.group.Do("codex:"+acc.ID, func() (interface{}, error) {
		// Re-read under dedup: a concurrent caller may have refreshed already.
		if fresh, ok := r.store.GetAccount(acc.ID); ok &&
			fresh.AccessToken != "" && !r.stale(fresh.ExpiresAt) {
			return fresh.AccessToken, nil
		}
		return r.refreshCodex(ctx, acc)
	})
	if err != nil {
		if acc.AccessToken != "" {
			utils.Warn("[Auth] Codex refresh failed for %s, using stale token: %v", acc.DisplayName(), err)
			return acc.AccessToken, nil
		}
		return "", err
	}
	return result.(string), nil
}

func (r *Refresher) refreshCodex(ctx context.Context, acc account.Account) (string, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":     config.CodexOAuthConfig.ClientID,
		"grant_type":    "refresh_token",
		"refresh_token": acc.RefreshToken,
		"scope":         "openid profile email",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.codexTokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	tok, err := r.doTokenRequest(req)
	if err != nil {
		return "", err
	}

	expiresAt := r.now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	if err := r.store.UpdateCodexTokens(acc.ID, tok.AccessToken, tok.RefreshToken, expiresAt); err != nil {
		utils.Warn("[Auth] Failed to persist refreshed codex tokens for %s: %v", acc.DisplayName(), err)
	}

	utils.Debug("[Auth] Refreshed codex token for %s", acc.DisplayName())
	return tok.AccessToken, nil
}

func (r *Refresher) antigravityToken(ctx context.Context, acc account.Account) (string, error) {
	r.mu.Lock()
	cached, ok := r.cache[acc.ID]
	r.mu.Unlock()
	if ok && cached.expiresAt.Add(-config.TokenRefreshSkew).After(r.now()) {
		return cached.accessToken, nil
	}

	result, err, _ := r.group.Do("antigravity:"+acc.ID, func() (interface{}, error) {
		r.mu.Lock()
		cached, ok := r.cache[acc.ID]
		r.mu.Unlock()
		if ok && cached.expiresAt.Add(-config.TokenRefreshSkew).After(r.now()) {
			return cached.accessToken, nil
		}
		return r.refreshAntigravity(ctx, acc)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *Refresher) refreshAntigravity(ctx context.Context, acc account.Account) (string, error) {
	form := url.Values{
		"client_id":     {config.GoogleOAuthConfig.ClientID},
		"client_secret": {config.GoogleOAuthConfig.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {acc.RefreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.googleTokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	tok, err := r.doTokenRequest(req)
	if err != nil {
		return "", err
	}

	// Google may rotate the refresh token; persist the new one immediately
	// or the account is dead after the access token expires.
	if tok.RefreshToken != "" && tok.RefreshToken != acc.RefreshToken {
		if err := r.store.UpdateRefreshToken(acc.ID, tok.RefreshToken); err != nil {
			utils.Warn("[Auth] Failed to persist rotated refresh token for %s: %v", acc.DisplayName(), err)
		}
	}

	expiresAt := r.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	r.mu.Lock()
	r.cache[acc.ID] = cachedToken{accessToken: tok.AccessToken, expiresAt: expiresAt}
	r.mu.Unlock()

	utils.Debug("[Auth] Refreshed antigravity token for %s", acc.DisplayName())
	return tok.AccessToken, nil
}

func (r *Refresher) doTokenRequest(req *http.Request) (*tokenResponse, error) {
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &tok, nil
}
