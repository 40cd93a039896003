// Package router drives requests across the account pool: it selects an
// account, attaches credentials, classifies upstream failures, and rotates
// to another account with backoff until the retry budget runs out.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelpool/modelpool/internal/account"
	"github.com/modelpool/modelpool/internal/auth"
	"github.com/modelpool/modelpool/internal/config"
	apperrors "github.com/modelpool/modelpool/internal/errors"
	"github.com/modelpool/modelpool/internal/utils"
)

// Request is one upstream call. Payload is passed through opaque; the
// router never inspects or rewrites the request body.
type Request struct {
	Provider account.Provider
	Model    string
	Payload  json.RawMessage
	Stream   bool
}

// Response is the upstream result. For streaming requests Stream is the
// live response body and the caller must close it; Body is nil. For
// non-streaming requests Body holds the full response and Stream is nil.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser

	// AccountID identifies which pool account served the request.
	AccountID string
}

// Session is everything needed to issue one upstream request on a
// specific account.
type Session struct {
	Account     account.Account
	AccessToken string
	HeaderStyle account.HeaderStyle
	ProjectID   string
	Endpoint    string
}

// Router coordinates account selection, credential refresh, and retry.
type Router struct {
	store     *account.Store
	refresher *auth.Refresher
	http      *http.Client
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	maxRetries int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// RouterOption configures a Router at construction.
type RouterOption func(*Router)

// WithHTTPClient replaces the upstream HTTP client.
func WithHTTPClient(client *http.Client) RouterOption {
	return func(r *Router) { r.http = client }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// WithSleep replaces the retry sleep. Tests use this to run without
// real delays while still observing the requested durations.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RouterOption {
	return func(r *Router) { r.sleep = sleep }
}

// WithRand seeds the jitter source deterministically.
func WithRand(rng *rand.Rand) RouterOption {
	return func(r *Router) { r.rng = rng }
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) RouterOption {
	return func(r *Router) { r.maxRetries = n }
}

// NewRouter creates a Router over the given store and refresher.
func NewRouter(store *account.Store, refresher *auth.Refresher, opts ...RouterOption) *Router {
	r := &Router{
		store:      store,
		refresher:  refresher,
		http:       &http.Client{Timeout: config.GetRequestTimeout()},
		now:        time.Now,
		maxRetries: config.GetMaxRetries(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sleep == nil {
		r.sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	return r
}

func (r *Router) randDuration(f func(rng *rand.Rand) time.Duration) time.Duration {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return f(r.rng)
}

// Do runs the request against the pool, rotating accounts on retryable
// failures. It returns the first successful response, the first terminal
// error, or the last error once the retry budget is spent.
func (r *Router) Do(ctx context.Context, req Request) (*Response, error) {
	family := config.GetModelFamily(req.Model)
	attempts := r.maxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		acc, ok := r.store.Select(req.Provider, family)
		if !ok {
			return nil, apperrors.ErrNoAccounts
		}

		sess, err := r.Session(ctx, acc, family)
		if err != nil {
			lastErr = err
			utils.Warn("[Router] Failed to build session for %s: %v", acc.DisplayName(), err)
			// A flaky token endpoint is not the account's fault; a hard
			// rejection of the refresh token is.
			if !apperrors.IsNetworkError(err) {
				r.store.MarkFailure(acc.ID)
			}
			if attempt < attempts {
				if serr := r.backoffSleep(ctx, attempt); serr != nil {
					return nil, serr
				}
			}
			continue
		}

		resp, err := r.attempt(ctx, req, sess)
		if err == nil {
			r.store.MarkSuccess(acc.ID)
			resp.AccountID = acc.ID
			return resp, nil
		}
		lastErr = err

		switch e := err.(type) {
		case *apperrors.RateLimitError:
			cooldown := r.MarkRateLimited(acc.ID, RateLimitEvent{
				Model:      req.Model,
				Style:      sess.HeaderStyle,
				Reason:     e.Reason,
				RetryAfter: e.RetryAfter,
			})
			// No point pausing when there is no attempt left to benefit.
			if attempt < attempts {
				pause := cooldown
				if pause > config.OuterSleepCap {
					pause = config.OuterSleepCap
				}
				if serr := r.sleep(ctx, pause); serr != nil {
					return nil, serr
				}
			}

		case *apperrors.HTTPStatusError:
			if apperrors.IsAuthStatus(e.StatusCode) {
				utils.Warn("[Router] Auth failure (%d) on %s, invalidating access", e.StatusCode, acc.DisplayName())
				r.store.MarkFailure(acc.ID)
				r.refresher.InvalidateAccess(acc.ID)
			} else if e.StatusCode >= 500 {
				r.store.MarkFailure(acc.ID)
			} else {
				// Other 4xx is the caller's problem, not the account's.
				return nil, err
			}
			if attempt < attempts {
				if serr := r.backoffSleep(ctx, attempt); serr != nil {
					return nil, serr
				}
			}

		case *apperrors.TransportError:
			utils.Warn("[Router] Transport error on %s: %v", acc.DisplayName(), e.Err)
			if attempt < attempts {
				if serr := r.backoffSleep(ctx, attempt); serr != nil {
					return nil, serr
				}
			}

		default:
			return nil, err
		}
	}

	return nil, fmt.Errorf("all %d attempt(s) failed: %w", attempts, lastErr)
}

func (r *Router) backoffSleep(ctx context.Context, attempt int) error {
	d := r.randDuration(func(rng *rand.Rand) time.Duration {
		return expBackoff(attempt, rng)
	})
	return r.sleep(ctx, d)
}

// Session resolves the credentials, request path, and endpoint to use for
// one request on the given account.
func (r *Router) Session(ctx context.Context, acc account.Account, family config.ModelFamily) (Session, error) {
	token, err := r.refresher.AccessToken(ctx, acc)
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		Account:     acc,
		AccessToken: token,
		HeaderStyle: account.HeaderStyleAntigravity,
	}

	switch acc.Provider {
	case account.ProviderAntigravity:
		style, _ := r.store.ResolveHeaderStyle(acc.ID, family)
		sess.HeaderStyle = style
		sess.ProjectID = acc.ProjectID
		if sess.ProjectID == "" {
			sess.ProjectID = acc.ManagedProjectID
		}
		sess.Endpoint = antigravityURL(config.ResolveAntigravityEndpoint(string(style)), false)
	case account.ProviderCodex:
		sess.Endpoint = config.ResolveCodexEndpoint()
	case account.ProviderOpenAICompat:
		sess.Endpoint = strings.TrimRight(acc.BaseURL, "/")
		if sess.Endpoint == "" {
			sess.Endpoint = config.OpenAICompatDefaultEndpoint
		}
	}

	return sess, nil
}

func antigravityURL(base string, stream bool) string {
	if stream {
		return base + "/v1internal:streamGenerateContent?alt=sse"
	}
	return base + "/v1internal:generateContent"
}

// attempt issues one HTTP request and classifies the outcome. Streaming
// responses are classified on the initial status line only; mid-stream
// failures belong to the caller consuming the stream.
func (r *Router) attempt(ctx context.Context, req Request, sess Session) (*Response, error) {
	endpoint := sess.Endpoint
	if sess.Account.Provider == account.ProviderAntigravity {
		endpoint = antigravityURL(config.ResolveAntigravityEndpoint(string(sess.HeaderStyle)), req.Stream)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	if sess.Account.Provider == account.ProviderAntigravity {
		var headers map[string]string
		if sess.HeaderStyle == account.HeaderStyleGeminiCLI {
			headers = config.GetGeminiCLIHeaders()
		} else {
			userAgent := ""
			if sess.Account.Fingerprint != nil {
				userAgent = sess.Account.Fingerprint.UserAgent
			}
			headers = config.GetAntigravityHeaders(userAgent)
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return nil, &apperrors.TransportError{Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if req.Stream {
			return &Response{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Stream:     resp.Body,
			}, nil
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &apperrors.TransportError{Err: err}
		}
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		}, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	if apperrors.IsRateLimitStatus(resp.StatusCode) {
		return nil, &apperrors.RateLimitError{
			StatusCode: resp.StatusCode,
			Reason:     apperrors.ParseRateLimitReason(string(body)),
			RetryAfter: parseRetryAfter(resp.Header, r.now()),
			Body:       string(body),
		}
	}
	return nil, &apperrors.HTTPStatusError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}

// RateLimitEvent describes one upstream rate-limit response for cooldown
// bookkeeping.
type RateLimitEvent struct {
	Model      string
	Style      account.HeaderStyle
	Reason     apperrors.RateLimitReason
	RetryAfter time.Duration
}

// MarkRateLimited records a rate limit against the account, cooling down
// the affected window, and returns the cooldown applied.
func (r *Router) MarkRateLimited(accountID string, event RateLimitEvent) time.Duration {
	// The streak is incremented by the mark below; size the ladder step by
	// what the streak is about to become.
	failures := r.store.ConsecutiveFailures(accountID) + 1

	cooldown := r.randDuration(func(rng *rand.Rand) time.Duration {
		return reasonBackoff(event.Reason, event.RetryAfter, failures, rng)
	})

	family := config.GetModelFamily(event.Model)
	until := r.now().Add(cooldown)
	r.store.MarkRateLimited(accountID, family, event.Style, until)
	return cooldown
}

// GetAccessToken selects an account for the provider and returns a usable
// bearer credential for it.
func (r *Router) GetAccessToken(ctx context.Context, provider account.Provider) (string, error) {
	acc, ok := r.store.Select(provider, config.ModelFamilyUnknown)
	if !ok {
		return "", apperrors.ErrNoAccounts
	}
	return r.refresher.AccessToken(ctx, acc)
}

// GetCurrentAccount returns the provider's pinned current account.
func (r *Router) GetCurrentAccount(provider account.Provider) (account.Account, bool) {
	return r.store.CurrentAccount(provider)
}

// GetAntigravitySession selects an antigravity account for the model and
// returns a ready-to-use session: credentials, request path, project, and
// endpoint.
func (r *Router) GetAntigravitySession(ctx context.Context, model string) (Session, error) {
	family := config.GetModelFamily(model)
	acc, ok := r.store.Select(account.ProviderAntigravity, family)
	if !ok {
		return Session{}, apperrors.ErrNoAccounts
	}
	return r.Session(ctx, acc, family)
}

// MarkRequestSuccess records a successful request against the account.
func (r *Router) MarkRequestSuccess(accountID string) {
	r.store.MarkSuccess(accountID)
}

// MarkRequestFailure records a hard failure against the account.
func (r *Router) MarkRequestFailure(accountID string) {
	r.store.MarkFailure(accountID)
}

// InvalidateAccess drops the account's cached access token.
func (r *Router) InvalidateAccess(accountID string) {
	r.refresher.InvalidateAccess(accountID)
}
