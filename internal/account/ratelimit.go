package account

import (
	"github.com/modelpool/modelpool/internal/config"
)

// windowKeyFor maps a model family and header style to the antigravity
// rate-limit window it cools down.
func windowKeyFor(family config.ModelFamily, style HeaderStyle) string {
	if family == config.ModelFamilyGemini {
		if style == HeaderStyleGeminiCLI {
			return WindowGeminiCLI
		}
		return WindowGeminiAntigravity
	}
	return WindowClaude
}

// clearExpiredWindows drops cooldowns whose reset time has passed.
// Returns the number of windows cleared.
func clearExpiredWindows(acc *Account, nowMs int64) int {
	cleared := 0

	if acc.RateLimitedUntil != 0 && acc.RateLimitedUntil <= nowMs {
		acc.RateLimitedUntil = 0
		cleared++
	}

	for key, until := range acc.RateLimitResetTimes {
		if until <= nowMs {
			delete(acc.RateLimitResetTimes, key)
			cleared++
		}
	}

	return cleared
}

// isRateLimited reports whether the account is unavailable for the given
// model family right now. An antigravity account is gemini-available while
// at least one of its two gemini paths is open. An empty/unknown family
// never counts as limited.
func isRateLimited(acc *Account, family config.ModelFamily, nowMs int64) bool {
	if acc.Provider != ProviderAntigravity {
		return acc.RateLimitedUntil > nowMs
	}

	switch family {
	case config.ModelFamilyClaude:
		return acc.RateLimitResetTimes[WindowClaude] > nowMs
	case config.ModelFamilyGemini:
		return acc.RateLimitResetTimes[WindowGeminiAntigravity] > nowMs &&
			acc.RateLimitResetTimes[WindowGeminiCLI] > nowMs
	default:
		return false
	}
}

// headerStyleFor resolves the request path to use against an antigravity
// account. Claude traffic always uses antigravity-style headers; gemini
// traffic prefers the antigravity path and falls back to the gemini-cli
// path while the first is cooling down.
func headerStyleFor(acc *Account, family config.ModelFamily, nowMs int64) (HeaderStyle, bool) {
	if family != config.ModelFamilyGemini {
		if acc.RateLimitResetTimes[WindowClaude] > nowMs {
			return HeaderStyleAntigravity, false
		}
		return HeaderStyleAntigravity, true
	}

	if acc.RateLimitResetTimes[WindowGeminiAntigravity] <= nowMs {
		return HeaderStyleAntigravity, true
	}
	if acc.RateLimitResetTimes[WindowGeminiCLI] <= nowMs {
		return HeaderStyleGeminiCLI, true
	}
	return HeaderStyleAntigravity, false
}

// markWindow stamps the cooldown for the specific account/family/path.
func markWindow(acc *Account, family config.ModelFamily, style HeaderStyle, untilMs int64) {
	if acc.Provider != ProviderAntigravity {
		acc.RateLimitedUntil = untilMs
		return
	}

	if acc.RateLimitResetTimes == nil {
		acc.RateLimitResetTimes = make(map[string]int64)
	}
	acc.RateLimitResetTimes[windowKeyFor(family, style)] = untilMs
}
