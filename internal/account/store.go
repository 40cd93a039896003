package account

import (
	"fmt"
	"sync"
	"time"

	"github.com/modelpool/modelpool/internal/config"
	"github.com/modelpool/modelpool/internal/utils"
)

// Store owns the persisted account pool and its in-memory trackers.
// Every mutating call persists the whole config synchronously; persistence
// failures on tracker updates are logged rather than surfaced, since
// losing a health-score update is non-fatal.
type Store struct {
	mu         sync.Mutex
	storage    *Storage
	legacyPath string
	now        func() time.Time
	cfg        ConfigFile
	health     *HealthTracker
	buckets    *BucketTracker
	loaded     bool
}

// Option configures a Store at construction.
type Option func(*Store)

// WithClock replaces the wall clock. Tests use this instead of sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store over the given accounts file. legacyPath is the
// pre-v2 single-account file checked once when the accounts file does not
// exist yet.
func NewStore(path, legacyPath string, opts ...Option) *Store {
	s := &Store{
		storage:    NewStorage(path),
		legacyPath: legacyPath,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.health = NewHealthTracker(s.now)
	s.buckets = NewBucketTracker(s.now)
	return s
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

// Load reads, normalizes, and (once) migrates the accounts file. It never
// fails: missing or corrupt state degrades to an empty pool.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return
	}

	nowMs := s.nowMs()
	raw, exists := s.storage.Load()

	if !exists {
		if legacy, ok := LoadLegacy(s.legacyPath); ok {
			if cfg, ok := migrateLegacy(legacy, nowMs); ok {
				s.cfg = cfg
				utils.Info("[AccountStore] Migrated legacy auth file into %s", s.storage.Path())
				s.persistLocked()
				s.finishLoadLocked()
				return
			}
		}
	}

	s.cfg = normalizeConfig(raw, nowMs)
	s.finishLoadLocked()
}

func (s *Store) finishLoadLocked() {
	nowMs := s.nowMs()
	for i := range s.cfg.Accounts {
		acc := &s.cfg.Accounts[i]
		clearExpiredWindows(acc, nowMs)
		s.health.Seed(acc.ID, acc.HealthScore)
	}
	s.loaded = true
	utils.Info("[AccountStore] Loaded %d account(s)", len(s.cfg.Accounts))
}

// persistLocked writes the whole config. Callers that must surface write
// failures (CLI mutations) check the returned error; tracker updates
// ignore it beyond the log line.
func (s *Store) persistLocked() error {
	if err := s.storage.Save(&s.cfg); err != nil {
		utils.Error("[AccountStore] Failed to save accounts file: %v", err)
		return err
	}
	return nil
}

func (s *Store) findLocked(identifier string) *Account {
	for i := range s.cfg.Accounts {
		if s.cfg.Accounts[i].matchesIdentifier(identifier) {
			return &s.cfg.Accounts[i]
		}
	}
	return nil
}

func (s *Store) enabledLocked(provider Provider) []*Account {
	out := make([]*Account, 0, len(s.cfg.Accounts))
	for i := range s.cfg.Accounts {
		acc := &s.cfg.Accounts[i]
		if acc.Provider == provider && acc.Enabled {
			out = append(out, acc)
		}
	}
	return out
}

func (s *Store) setCurrentLocked(provider Provider, id string) {
	s.cfg.CurrentAccountIDByProvider[provider] = id
	s.cfg.CurrentAccountID = id
}

// ListAccounts returns copies of all accounts, or only those of the given
// provider when it is non-empty.
func (s *Store) ListAccounts(provider Provider) []Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Account, 0, len(s.cfg.Accounts))
	for i := range s.cfg.Accounts {
		if provider != "" && s.cfg.Accounts[i].Provider != provider {
			continue
		}
		out = append(out, s.cfg.Accounts[i].clone())
	}
	return out
}

// GetAccount looks up an account by id, email, or userId.
func (s *Store) GetAccount(identifier string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc := s.findLocked(identifier); acc != nil {
		return acc.clone(), true
	}
	return Account{}, false
}

// CurrentAccount returns the provider's pinned current account, if any.
func (s *Store) CurrentAccount(provider Provider) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.cfg.CurrentAccountIDByProvider[provider]
	if id == "" {
		return Account{}, false
	}
	if acc := s.findLocked(id); acc != nil {
		return acc.clone(), true
	}
	return Account{}, false
}

// Strategy returns the active load-balancing strategy.
func (s *Store) Strategy() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Strategy
}

// SetStrategy changes the load-balancing strategy and persists it.
func (s *Store) SetStrategy(strategy Strategy) error {
	if _, ok := ParseStrategy(string(strategy)); !ok {
		return fmt.Errorf("unknown strategy %q", strategy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Strategy = strategy
	return s.persistLocked()
}

// AddAccount validates and adds an account. An account whose identity
// (email or userId) matches an existing account of the same provider
// updates that record in place instead of duplicating it. The account
// becomes its provider's current account either way.
func (s *Store) AddAccount(acc Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.nowMs()
	normalized, ok := normalizeRecord(accountRecord{
		ID:               acc.ID,
		Provider:         string(acc.Provider),
		Email:            acc.Email,
		UserID:           acc.UserID,
		Enabled:          &acc.Enabled,
		AccessToken:      acc.AccessToken,
		RefreshToken:     acc.RefreshToken,
		ExpiresAt:        acc.ExpiresAt,
		ProjectID:        acc.ProjectID,
		ManagedProjectID: acc.ManagedProjectID,
		Fingerprint:      acc.Fingerprint,
		APIKey:           acc.APIKey,
		BaseURL:          acc.BaseURL,
	}, nowMs)
	if !ok {
		return Account{}, fmt.Errorf("account is missing the mandatory credential for provider %s", acc.Provider)
	}

	for i := range s.cfg.Accounts {
		existing := &s.cfg.Accounts[i]
		if existing.sameIdentity(&normalized) {
			// Refresh credentials and identity in place; keep the stable id
			// and history.
			normalized.ID = existing.ID
			normalized.AddedAt = existing.AddedAt
			normalized.LastUsed = existing.LastUsed
			normalized.HealthScore = existing.HealthScore
			normalized.RateLimitResetTimes = existing.RateLimitResetTimes
			normalized.RateLimitedUntil = existing.RateLimitedUntil
			*existing = normalized

			s.setCurrentLocked(existing.Provider, existing.ID)
			if err := s.persistLocked(); err != nil {
				return Account{}, err
			}
			utils.Success("[AccountStore] Updated account: %s", existing.DisplayName())
			return existing.clone(), nil
		}
	}

	s.cfg.Accounts = append(s.cfg.Accounts, normalized)
	s.setCurrentLocked(normalized.Provider, normalized.ID)
	if err := s.persistLocked(); err != nil {
		s.cfg.Accounts = s.cfg.Accounts[:len(s.cfg.Accounts)-1]
		return Account{}, err
	}

	utils.Success("[AccountStore] Added account: %s", normalized.DisplayName())
	return normalized.clone(), nil
}

// RemoveAccount removes an account and clears its tracker state.
func (s *Store) RemoveAccount(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cfg.Accounts {
		if !s.cfg.Accounts[i].matchesIdentifier(identifier) {
			continue
		}

		removed := s.cfg.Accounts[i]
		s.cfg.Accounts = append(s.cfg.Accounts[:i], s.cfg.Accounts[i+1:]...)

		s.health.Forget(removed.ID)
		s.buckets.Forget(removed.ID)

		if s.cfg.CurrentAccountIDByProvider[removed.Provider] == removed.ID {
			delete(s.cfg.CurrentAccountIDByProvider, removed.Provider)
		}
		if s.cfg.CurrentAccountID == removed.ID {
			s.cfg.CurrentAccountID = ""
		}

		// Keep the cursor inside the shrunken pool.
		if count := len(s.enabledLocked(removed.Provider)); count > 0 {
			s.cfg.RoundRobinIndexByProvider[removed.Provider] %= count
		} else {
			delete(s.cfg.RoundRobinIndexByProvider, removed.Provider)
		}

		if err := s.persistLocked(); err != nil {
			return err
		}
		utils.Success("[AccountStore] Removed account: %s", removed.DisplayName())
		return nil
	}

	return fmt.Errorf("account %s not found", identifier)
}

// SetCurrentAccount pins a provider's current account (used by stick).
func (s *Store) SetCurrentAccount(provider Provider, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findLocked(identifier)
	if acc == nil || acc.Provider != provider {
		return fmt.Errorf("no %s account matching %s", provider, identifier)
	}

	s.setCurrentLocked(provider, acc.ID)
	return s.persistLocked()
}

// MarkSuccess records a successful request: stamps lastUsed, bumps the
// health score, and persists the mirrored score.
func (s *Store) MarkSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findLocked(id)
	if acc == nil {
		return
	}

	acc.LastUsed = s.nowMs()
	s.health.RecordSuccess(acc.ID)
	acc.HealthScore = s.health.Score(acc.ID)
	s.persistLocked()
}

// MarkFailure records a hard request failure against the account.
func (s *Store) MarkFailure(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findLocked(id)
	if acc == nil {
		return
	}

	s.health.RecordFailure(acc.ID)
	acc.HealthScore = s.health.Score(acc.ID)
	s.persistLocked()
}

// MarkRateLimited cools down the specific account/family/path window until
// the given time and records the rate-limit event against the health score.
func (s *Store) MarkRateLimited(id string, family config.ModelFamily, style HeaderStyle, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findLocked(id)
	if acc == nil {
		return
	}

	markWindow(acc, family, style, until.UnixMilli())
	s.health.RecordRateLimit(acc.ID)
	acc.HealthScore = s.health.Score(acc.ID)

	utils.Warn("[AccountStore] Rate limited: %s (%s/%s) until %s",
		acc.DisplayName(), family, style, until.UTC().Format(time.RFC3339))
	s.persistLocked()
}

// ResolveHeaderStyle returns the open request path for an account and
// family. For non-gemini traffic this is always the antigravity style.
func (s *Store) ResolveHeaderStyle(id string, family config.ModelFamily) (HeaderStyle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findLocked(id)
	if acc == nil {
		return HeaderStyleAntigravity, false
	}
	clearExpiredWindows(acc, s.nowMs())
	return headerStyleFor(acc, family, s.nowMs())
}

// UpdateCodexTokens stores refreshed codex credentials and persists them.
func (s *Store) UpdateCodexTokens(id, accessToken, refreshToken string, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findLocked(id)
	if acc == nil || acc.Provider != ProviderCodex {
		return fmt.Errorf("no codex account %s", id)
	}

	acc.AccessToken = accessToken
	if refreshToken != "" {
		acc.RefreshToken = refreshToken
	}
	acc.ExpiresAt = expiresAt
	return s.persistLocked()
}

// UpdateRefreshToken persists a rotated refresh token for an account.
func (s *Store) UpdateRefreshToken(id, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findLocked(id)
	if acc == nil {
		return fmt.Errorf("no account %s", id)
	}

	acc.RefreshToken = refreshToken
	return s.persistLocked()
}

// InvalidateAccessToken forces a refresh on the account's next request by
// expiring its stored access token. The token itself is kept so it can
// still serve as a stale fallback if the refresh fails.
func (s *Store) InvalidateAccessToken(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findLocked(id)
	if acc == nil || acc.Provider != ProviderCodex {
		return
	}

	acc.ExpiresAt = 0
	s.persistLocked()
}

// ConsecutiveFailures returns the account's current failure streak.
func (s *Store) ConsecutiveFailures(id string) int {
	return s.health.ConsecutiveFailures(id)
}

// HealthScore returns the account's current health score with passive
// recovery applied.
func (s *Store) HealthScore(id string) int {
	return s.health.Score(id)
}

// TokensAvailable returns the account's current token-bucket balance.
func (s *Store) TokensAvailable(id string) int {
	return s.buckets.Tokens(id)
}

// ResetTrackers restores a clean slate for an account's health and quota
// state without touching its credentials.
func (s *Store) ResetTrackers(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.health.Reset(id)
	s.buckets.Reset(id)
	if acc := s.findLocked(id); acc != nil {
		acc.HealthScore = 0
		s.persistLocked()
	}
}
