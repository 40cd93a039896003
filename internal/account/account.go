// Package account handles the multi-provider account pool: persistence,
// normalization, health/quota tracking, and load-balanced selection.
package account

import (
	"fmt"
	"runtime"
)

// Provider identifies the upstream backend an account belongs to.
type Provider string

const (
	ProviderCodex        Provider = "codex"
	ProviderAntigravity  Provider = "antigravity"
	ProviderOpenAICompat Provider = "openai-compatible"
)

// ParseProvider validates a provider string.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(s) {
	case ProviderCodex, ProviderAntigravity, ProviderOpenAICompat:
		return Provider(s), true
	}
	return "", false
}

// Strategy is the load-balancing policy used by account selection.
type Strategy string

const (
	StrategyStick      Strategy = "stick"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyHybrid     Strategy = "hybrid"
)

// ParseStrategy validates a strategy string.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategyStick, StrategyRoundRobin, StrategyHybrid:
		return Strategy(s), true
	}
	return "", false
}

// HeaderStyle is the request path used against an antigravity account.
// Gemini-family traffic can go through either style; claude-family traffic
// always uses the antigravity style.
type HeaderStyle string

const (
	HeaderStyleAntigravity HeaderStyle = "antigravity"
	HeaderStyleGeminiCLI   HeaderStyle = "gemini-cli"
)

// Rate-limit window keys for antigravity accounts.
const (
	WindowClaude            = "claude"
	WindowGeminiAntigravity = "gemini-antigravity"
	WindowGeminiCLI         = "gemini-cli"
)

// Fingerprint is the stable simulated client identity presented by an
// antigravity account. Generated once and persisted so the same account
// always looks like the same client.
type Fingerprint struct {
	UserAgent string `json:"userAgent"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
}

func newFingerprint() *Fingerprint {
	return &Fingerprint{
		UserAgent: fmt.Sprintf("antigravity/1.11.5 %s/%s", runtime.GOOS, runtime.GOARCH),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Account is a stored credential set for one upstream provider. The
// Provider field discriminates which variant-specific fields are valid;
// normalizeRecord enforces the per-provider credential invariants so an
// Account in the pool is always a valid member of its variant.
type Account struct {
	ID          string   `json:"id"`
	Provider    Provider `json:"provider"`
	Email       string   `json:"email,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	AddedAt     int64    `json:"addedAt,omitempty"`  // epoch ms
	LastUsed    int64    `json:"lastUsed,omitempty"` // epoch ms
	Enabled     bool     `json:"enabled"`
	HealthScore int      `json:"healthScore"`

	// codex
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"` // epoch ms

	// antigravity
	ProjectID           string           `json:"projectId,omitempty"`
	ManagedProjectID    string           `json:"managedProjectId,omitempty"`
	RateLimitResetTimes map[string]int64 `json:"rateLimitResetTimes,omitempty"` // window key -> epoch ms
	Fingerprint         *Fingerprint     `json:"fingerprint,omitempty"`

	// openai-compatible
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`

	// RateLimitedUntil is the single cooldown window used by codex and
	// openai-compatible accounts (epoch ms).
	RateLimitedUntil int64 `json:"rateLimitedUntil,omitempty"`
}

// DisplayName returns the best human identity for logs and CLI output.
func (a *Account) DisplayName() string {
	if a.Email != "" {
		return a.Email
	}
	if a.UserID != "" {
		return a.UserID
	}
	return a.ID
}

// matchesIdentifier reports whether the account is addressed by the given
// identifier (id, email, or userId).
func (a *Account) matchesIdentifier(identifier string) bool {
	return identifier != "" &&
		(a.ID == identifier || a.Email == identifier || a.UserID == identifier)
}

// sameIdentity reports whether two accounts of the same provider describe
// the same upstream identity. Used to upsert instead of duplicating.
func (a *Account) sameIdentity(other *Account) bool {
	if a.Provider != other.Provider {
		return false
	}
	if a.Email != "" && a.Email == other.Email {
		return true
	}
	if a.UserID != "" && a.UserID == other.UserID {
		return true
	}
	return false
}

// clone returns a deep copy safe to hand to callers outside the store lock.
func (a *Account) clone() Account {
	out := *a
	if a.RateLimitResetTimes != nil {
		windows := make(map[string]int64, len(a.RateLimitResetTimes))
		for k, v := range a.RateLimitResetTimes {
			windows[k] = v
		}
		out.RateLimitResetTimes = windows
	}
	if a.Fingerprint != nil {
		fp := *a.Fingerprint
		out.Fingerprint = &fp
	}
	return out
}

// ConfigFile is the persisted v2 shape of the accounts file.
type ConfigFile struct {
	Version                    int                 `json:"version"`
	Accounts                   []Account           `json:"accounts"`
	Strategy                   Strategy            `json:"strategy"`
	CurrentAccountID           string              `json:"currentAccountId,omitempty"`
	CurrentAccountIDByProvider map[Provider]string `json:"currentAccountIdByProvider"`
	RoundRobinIndex            int                 `json:"roundRobinIndex,omitempty"`
	RoundRobinIndexByProvider  map[Provider]int    `json:"roundRobinIndexByProvider"`
}

// ConfigVersion is the current accounts file version.
const ConfigVersion = 2
