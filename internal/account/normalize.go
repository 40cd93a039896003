package account

import (
	"github.com/google/uuid"

	"github.com/modelpool/modelpool/internal/utils"
)

// accountRecord is the raw on-disk account shape before validation.
// Enabled is a pointer so an absent field defaults to true rather than
// false.
type accountRecord struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	Email       string `json:"email"`
	UserID      string `json:"userId"`
	AddedAt     int64  `json:"addedAt"`
	LastUsed    int64  `json:"lastUsed"`
	Enabled     *bool  `json:"enabled"`
	HealthScore int    `json:"healthScore"`

	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`

	ProjectID           string           `json:"projectId"`
	ManagedProjectID    string           `json:"managedProjectId"`
	RateLimitResetTimes map[string]int64 `json:"rateLimitResetTimes"`
	Fingerprint         *Fingerprint     `json:"fingerprint"`

	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseURL"`

	RateLimitedUntil int64 `json:"rateLimitedUntil"`
}

// fileConfig is the raw on-disk accounts file shape before validation.
type fileConfig struct {
	Version                    int               `json:"version"`
	Accounts                   []accountRecord   `json:"accounts"`
	Strategy                   string            `json:"strategy"`
	CurrentAccountID           string            `json:"currentAccountId"`
	CurrentAccountIDByProvider map[string]string `json:"currentAccountIdByProvider"`
	RoundRobinIndex            int               `json:"roundRobinIndex"`
	RoundRobinIndexByProvider  map[string]int    `json:"roundRobinIndexByProvider"`
}

// legacyAuthFile is the pre-v2 single-account file shape.
type legacyAuthFile struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	UserID       string `json:"userId"`
	Email        string `json:"email"`
}

// normalizeRecord turns a raw record into a valid Account, or reports that
// the record must be dropped. A record missing its provider's mandatory
// credential is never admitted to the pool.
func normalizeRecord(rec accountRecord, nowMs int64) (Account, bool) {
	provider, ok := ParseProvider(rec.Provider)
	if !ok {
		utils.Warn("[AccountStore] Dropping account with unknown provider %q", rec.Provider)
		return Account{}, false
	}

	acc := Account{
		ID:                  rec.ID,
		Provider:            provider,
		Email:               rec.Email,
		UserID:              rec.UserID,
		AddedAt:             rec.AddedAt,
		LastUsed:            rec.LastUsed,
		Enabled:             rec.Enabled == nil || *rec.Enabled,
		HealthScore:         clampScore(rec.HealthScore),
		AccessToken:         rec.AccessToken,
		RefreshToken:        rec.RefreshToken,
		ExpiresAt:           rec.ExpiresAt,
		ProjectID:           rec.ProjectID,
		ManagedProjectID:    rec.ManagedProjectID,
		RateLimitResetTimes: rec.RateLimitResetTimes,
		Fingerprint:         rec.Fingerprint,
		APIKey:              rec.APIKey,
		BaseURL:             rec.BaseURL,
		RateLimitedUntil:    rec.RateLimitedUntil,
	}

	switch provider {
	case ProviderCodex:
		if acc.AccessToken == "" && acc.RefreshToken == "" {
			utils.Warn("[AccountStore] Dropping codex account %s: no credentials", acc.DisplayName())
			return Account{}, false
		}
	case ProviderAntigravity:
		if acc.RefreshToken == "" {
			utils.Warn("[AccountStore] Dropping antigravity account %s: no refresh token", acc.DisplayName())
			return Account{}, false
		}
		if acc.RateLimitResetTimes == nil {
			acc.RateLimitResetTimes = make(map[string]int64)
		}
		if acc.Fingerprint == nil {
			acc.Fingerprint = newFingerprint()
		}
	case ProviderOpenAICompat:
		if acc.APIKey == "" {
			utils.Warn("[AccountStore] Dropping openai-compatible account %s: no API key", acc.DisplayName())
			return Account{}, false
		}
	}

	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if acc.AddedAt == 0 {
		acc.AddedAt = nowMs
	}

	return acc, true
}

// normalizeConfig validates a raw file into the in-memory config, dropping
// invalid records and repairing the selection state.
func normalizeConfig(raw *fileConfig, nowMs int64) ConfigFile {
	cfg := ConfigFile{
		Version:                    ConfigVersion,
		Accounts:                   make([]Account, 0, len(raw.Accounts)),
		Strategy:                   StrategyStick,
		CurrentAccountID:           raw.CurrentAccountID,
		CurrentAccountIDByProvider: make(map[Provider]string),
		RoundRobinIndex:            raw.RoundRobinIndex,
		RoundRobinIndexByProvider:  make(map[Provider]int),
	}

	if strategy, ok := ParseStrategy(raw.Strategy); ok {
		cfg.Strategy = strategy
	}

	seen := make(map[string]bool)
	for _, rec := range raw.Accounts {
		acc, ok := normalizeRecord(rec, nowMs)
		if !ok {
			continue
		}
		if seen[acc.ID] {
			utils.Warn("[AccountStore] Dropping duplicate account id %s", acc.ID)
			continue
		}
		seen[acc.ID] = true
		cfg.Accounts = append(cfg.Accounts, acc)
	}

	for providerStr, id := range raw.CurrentAccountIDByProvider {
		provider, ok := ParseProvider(providerStr)
		if !ok || !seen[id] {
			continue
		}
		cfg.CurrentAccountIDByProvider[provider] = id
	}

	for providerStr, idx := range raw.RoundRobinIndexByProvider {
		provider, ok := ParseProvider(providerStr)
		if !ok || idx < 0 {
			continue
		}
		cfg.RoundRobinIndexByProvider[provider] = idx
	}

	// Clamp round-robin cursors to the enabled-account count.
	for provider, idx := range cfg.RoundRobinIndexByProvider {
		count := 0
		for i := range cfg.Accounts {
			if cfg.Accounts[i].Provider == provider && cfg.Accounts[i].Enabled {
				count++
			}
		}
		if count == 0 {
			delete(cfg.RoundRobinIndexByProvider, provider)
		} else if idx >= count {
			cfg.RoundRobinIndexByProvider[provider] = idx % count
		}
	}

	return cfg
}

// migrateLegacy converts a legacy single-account auth file into a v2
// config. The legacy file only ever held codex credentials.
func migrateLegacy(legacy *legacyAuthFile, nowMs int64) (ConfigFile, bool) {
	rec := accountRecord{
		Provider:     string(ProviderCodex),
		Email:        legacy.Email,
		UserID:       legacy.UserID,
		AccessToken:  legacy.AccessToken,
		RefreshToken: legacy.RefreshToken,
		ExpiresAt:    legacy.ExpiresAt,
	}

	acc, ok := normalizeRecord(rec, nowMs)
	if !ok {
		return ConfigFile{}, false
	}

	cfg := ConfigFile{
		Version:  ConfigVersion,
		Accounts: []Account{acc},
		Strategy: StrategyStick,
		CurrentAccountIDByProvider: map[Provider]string{
			ProviderCodex: acc.ID,
		},
		RoundRobinIndexByProvider: make(map[Provider]int),
	}
	return cfg, true
}

func clampScore(score int) int {
	if score > 1000 {
		return 1000
	}
	if score < -1000 {
		return -1000
	}
	return score
}
