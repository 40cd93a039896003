package account

import (
	"sort"

	"github.com/modelpool/modelpool/internal/config"
	"github.com/modelpool/modelpool/internal/utils"
)

// Select picks the account to serve the next request for a provider and
// model family, applying the configured strategy. Selection degrades
// rather than blocks: when every account is cooling down, the least-bad
// account is returned so the caller can still attempt the request.
// The second return is false only when no enabled account exists at all.
func (s *Store) Select(provider Provider, family config.ModelFamily) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.nowMs()
	cleared := 0
	for i := range s.cfg.Accounts {
		cleared += clearExpiredWindows(&s.cfg.Accounts[i], nowMs)
	}
	if cleared > 0 {
		s.persistLocked()
	}

	enabled := s.enabledLocked(provider)
	if len(enabled) == 0 {
		return Account{}, false
	}

	var picked *Account
	switch s.cfg.Strategy {
	case StrategyRoundRobin:
		picked = s.selectRoundRobinLocked(provider, family, enabled, nowMs)
	case StrategyHybrid:
		picked = s.selectHybridLocked(provider, family, enabled, nowMs)
	default:
		picked = s.selectStickLocked(provider, family, enabled, nowMs)
	}

	return picked.clone(), true
}

// selectStickLocked keeps serving the pinned current account until it is
// rate limited, then advances the pin to the next available account.
func (s *Store) selectStickLocked(provider Provider, family config.ModelFamily, enabled []*Account, nowMs int64) *Account {
	var current *Account
	if id := s.cfg.CurrentAccountIDByProvider[provider]; id != "" {
		for _, acc := range enabled {
			if acc.ID == id {
				current = acc
				break
			}
		}
	}

	if current != nil && !isRateLimited(current, family, nowMs) {
		return current
	}

	for _, acc := range enabled {
		if isRateLimited(acc, family, nowMs) {
			continue
		}
		if current != nil {
			utils.Info("[AccountSelector] Switching from %s to %s", current.DisplayName(), acc.DisplayName())
		}
		s.setCurrentLocked(provider, acc.ID)
		s.persistLocked()
		return acc
	}

	// Everyone is cooling down. A degraded attempt on the first enabled
	// account beats blocking; the pin is left alone.
	return enabled[0]
}

// selectRoundRobinLocked advances a per-provider cursor over the available
// accounts. When all accounts are cooling down the cursor walks the full
// enabled pool instead.
func (s *Store) selectRoundRobinLocked(provider Provider, family config.ModelFamily, enabled []*Account, nowMs int64) *Account {
	candidates := make([]*Account, 0, len(enabled))
	for _, acc := range enabled {
		if !isRateLimited(acc, family, nowMs) {
			candidates = append(candidates, acc)
		}
	}
	if len(candidates) == 0 {
		candidates = enabled
	}

	idx := s.cfg.RoundRobinIndexByProvider[provider] % len(candidates)
	picked := candidates[idx]

	s.cfg.RoundRobinIndexByProvider[provider] = (idx + 1) % len(candidates)
	s.setCurrentLocked(provider, picked.ID)
	s.persistLocked()
	return picked
}

// selectHybridLocked ranks available accounts by bucket balance, then
// health score, then least-recently-used, and eagerly charges the winner
// one bucket token.
func (s *Store) selectHybridLocked(provider Provider, family config.ModelFamily, enabled []*Account, nowMs int64) *Account {
	candidates := make([]*Account, 0, len(enabled))
	for _, acc := range enabled {
		if !isRateLimited(acc, family, nowMs) {
			candidates = append(candidates, acc)
		}
	}
	if len(candidates) == 0 {
		candidates = enabled
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		aTokens := s.buckets.HasTokens(a.ID, 1)
		bTokens := s.buckets.HasTokens(b.ID, 1)
		if aTokens != bTokens {
			return aTokens
		}

		aScore := s.health.Score(a.ID)
		bScore := s.health.Score(b.ID)
		if aScore != bScore {
			return aScore > bScore
		}

		return a.LastUsed < b.LastUsed
	})

	picked := candidates[0]
	s.buckets.Consume(picked.ID, 1)
	picked.LastUsed = nowMs

	s.setCurrentLocked(provider, picked.ID)
	s.persistLocked()
	return picked
}
