// Package config contains configuration constants for modelpool.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Retry and backoff configuration for the request router.
const (
	// MaxRetries is the number of retries after the first attempt,
	// so a single outer call makes at most MaxRetries+1 attempts.
	MaxRetries = 3

	BackoffBase   = 500 * time.Millisecond
	BackoffJitter = 250 * time.Millisecond
	BackoffCap    = 8 * time.Second

	// OuterSleepCap bounds how long the retry loop itself sleeps after a
	// rate limit. The window marking is what keeps the limited account
	// from being reselected; the loop only needs a short pause.
	OuterSleepCap = 2 * time.Second

	// MinRetryAfter is the floor applied to server-supplied retry-after values.
	MinRetryAfter = 2 * time.Second
)

// Rate-limit backoff durations keyed by upstream reason code.
const (
	RateLimitExceededBackoff  = 30 * time.Second
	ModelCapacityBackoffBase  = 45 * time.Second
	ModelCapacityJitter       = 15 * time.Second
	ServiceUnavailableBackoff = 60 * time.Second
	ServiceUnavailableJitter  = 15 * time.Second
	UnknownReasonBackoff      = 60 * time.Second
)

// QuotaExhaustedLadder is the backoff ladder for QUOTA_EXHAUSTED responses,
// indexed by the account's consecutive-failure count and clamped to the
// last entry.
var QuotaExhaustedLadder = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// Health score tracker parameters.
const (
	HealthScoreMax         = 1000
	HealthScoreMin         = -1000
	HealthSuccessDelta     = 1
	HealthRateLimitDelta   = -10
	HealthFailureDelta     = -20
	HealthRecoveryInterval = 5 * time.Minute
	HealthRecoveryStep     = 10
)

// Token bucket parameters.
const (
	BucketCapacity       = 50
	BucketRefillTokens   = 6
	BucketRefillInterval = 60 * time.Second
)

// TokenRefreshSkew is how long before expiry a credential is considered
// stale and refreshed.
const TokenRefreshSkew = 5 * time.Minute

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GoogleOAuthConfig contains the OAuth 2.0 client settings used for
// antigravity refresh-token grants.
var GoogleOAuthConfig = struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}{
	ClientID:     getEnvOrDefault("GOOGLE_CLIENT_ID", "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"),
	ClientSecret: getEnvOrDefault("GOOGLE_CLIENT_SECRET", "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"),
	TokenURL:     "https://oauth2.googleapis.com/token",
}

// CodexOAuthConfig contains the OAuth 2.0 client settings used for
// codex refresh-token grants. Codex does not use a client secret.
var CodexOAuthConfig = struct {
	ClientID string
	TokenURL string
}{
	ClientID: getEnvOrDefault("CODEX_CLIENT_ID", "app_EMoamEEZ73f0CkXaXp7hrann"),
	TokenURL: "https://auth.openai.com/oauth/token",
}

// Antigravity Cloud Code endpoints. The daily endpoint serves
// antigravity-style traffic, the prod endpoint serves gemini-cli-style
// traffic by default.
const (
	AntigravityDailyEndpoint = "https://daily-cloudcode-pa.googleapis.com"
	AntigravityProdEndpoint  = "https://cloudcode-pa.googleapis.com"
)

// Default endpoints for the remaining providers.
const (
	CodexDefaultEndpoint        = "https://chatgpt.com/backend-api/codex/responses"
	OpenAICompatDefaultEndpoint = "https://api.openai.com/v1/chat/completions"
)

// ResolveAntigravityEndpoint picks the Cloud Code endpoint for a request.
// Precedence: ANTIGRAVITY_ENDPOINT (explicit URL) > ANTIGRAVITY_ENDPOINT_MODE
// ("daily" or "prod") > the default for the header style.
func ResolveAntigravityEndpoint(headerStyle string) string {
	if override := os.Getenv("ANTIGRAVITY_ENDPOINT"); override != "" {
		return strings.TrimRight(override, "/")
	}
	switch strings.ToLower(os.Getenv("ANTIGRAVITY_ENDPOINT_MODE")) {
	case "daily":
		return AntigravityDailyEndpoint
	case "prod":
		return AntigravityProdEndpoint
	}
	if headerStyle == "gemini-cli" {
		return AntigravityProdEndpoint
	}
	return AntigravityDailyEndpoint
}

// ResolveCodexEndpoint returns the codex completions endpoint, honoring
// the CODEX_ENDPOINT override.
func ResolveCodexEndpoint() string {
	return getEnvOrDefault("CODEX_ENDPOINT", CodexDefaultEndpoint)
}

// GetAntigravityHeaders returns the header set for antigravity-style
// requests. The user agent comes from the account's stored fingerprint so
// one account always presents the same client identity.
func GetAntigravityHeaders(userAgent string) map[string]string {
	if userAgent == "" {
		userAgent = "antigravity/1.11.5 linux/amd64"
	}
	return map[string]string{
		"User-Agent":        userAgent,
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`,
	}
}

// GetGeminiCLIHeaders returns the header set for gemini-cli-style requests,
// the alternate request path against the same antigravity account.
func GetGeminiCLIHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        "GeminiCLI/0.8.1 (linux; x64)",
		"X-Goog-Api-Client": "gl-node/22.0.0",
		"Client-Metadata":   `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI_CLI"}`,
	}
}

// GetAccountsPath returns the path to the accounts file.
// Can be overridden with MODELPOOL_ACCOUNTS_PATH.
func GetAccountsPath() string {
	if envPath := os.Getenv("MODELPOOL_ACCOUNTS_PATH"); envPath != "" {
		return envPath
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config/modelpool/accounts.json")
}

// GetLegacyAuthPath returns the path of the legacy single-account file
// that is migrated into the accounts file on first load.
func GetLegacyAuthPath() string {
	if envPath := os.Getenv("MODELPOOL_LEGACY_AUTH_PATH"); envPath != "" {
		return envPath
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config/modelpool/auth.json")
}

// ModelFamily represents the family of a model.
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily returns the model family from the model name.
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}
