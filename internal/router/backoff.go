package router

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/modelpool/modelpool/internal/config"
	apperrors "github.com/modelpool/modelpool/internal/errors"
)

// expBackoff returns the sleep before retry attempt n (1-based):
// base * 2^(n-1) plus jitter, capped.
func expBackoff(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := config.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= config.BackoffCap {
			d = config.BackoffCap
			break
		}
	}
	d += time.Duration(rng.Int63n(int64(config.BackoffJitter) + 1))
	if d > config.BackoffCap {
		d = config.BackoffCap
	}
	return d
}

// reasonBackoff returns how long an account should cool down after a rate
// limit, from the upstream reason code and the account's failure streak.
// A server-supplied retry-after always wins, floored so a zero or tiny
// value cannot cause a hot retry loop.
func reasonBackoff(reason apperrors.RateLimitReason, retryAfter time.Duration, consecutiveFailures int, rng *rand.Rand) time.Duration {
	if retryAfter > 0 {
		if retryAfter < config.MinRetryAfter {
			return config.MinRetryAfter
		}
		return retryAfter
	}

	switch reason {
	case apperrors.ReasonQuotaExhausted:
		idx := consecutiveFailures - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(config.QuotaExhaustedLadder) {
			idx = len(config.QuotaExhaustedLadder) - 1
		}
		return config.QuotaExhaustedLadder[idx]
	case apperrors.ReasonRateLimitExceeded:
		return config.RateLimitExceededBackoff
	case apperrors.ReasonModelCapacityExhausted:
		return jittered(config.ModelCapacityBackoffBase, config.ModelCapacityJitter, rng)
	case apperrors.ReasonServiceUnavailable:
		return jittered(config.ServiceUnavailableBackoff, config.ServiceUnavailableJitter, rng)
	default:
		return config.UnknownReasonBackoff
	}
}

// jittered returns base +/- jitter, uniformly.
func jittered(base, jitter time.Duration, rng *rand.Rand) time.Duration {
	return base - jitter + time.Duration(rng.Int63n(int64(2*jitter)+1))
}

// parseRetryAfter reads a Retry-After header as delay seconds or an HTTP
// date. Returns zero when absent or unparseable.
func parseRetryAfter(header http.Header, now time.Time) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
