package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelpool/modelpool/internal/config"
)

func addCodexPool(t *testing.T, store *Store, emails ...string) map[string]string {
	t.Helper()
	ids := make(map[string]string, len(emails))
	for _, email := range emails {
		acc, err := store.AddAccount(codexAccount(email))
		require.NoError(t, err)
		ids[email] = acc.ID
	}
	return ids
}

func TestSelectNoAccounts(t *testing.T) {
	store, _ := newTestStore(t)
	store.Load()

	_, ok := store.Select(ProviderCodex, config.ModelFamilyUnknown)
	assert.False(t, ok)
}

func TestSelectStickStaysOnCurrent(t *testing.T) {
	store, _ := newTestStore(t)
	store.Load()
	ids := addCodexPool(t, store, "a@x.com", "b@x.com")

	require.NoError(t, store.SetCurrentAccount(ProviderCodex, ids["a@x.com"]))

	for i := 0; i < 5; i++ {
		acc, ok := store.Select(ProviderCodex, config.ModelFamilyUnknown)
		require.True(t, ok)
		assert.Equal(t, ids["a@x.com"], acc.ID)
	}
}

func TestSelectStickSwitchesWhenRateLimited(t *testing.T) {
	store, clock := newTestStore(t)
	store.Load()
	ids := addCodexPool(t, store, "a@x.com", "b@x.com")

	require.NoError(t, store.SetCurrentAccount(ProviderCodex, ids["a@x.com"]))
	store.MarkRateLimited(ids["a@x.com"], config.ModelFamilyUnknown,
		HeaderStyleAntigravity, clock.Now().Add(time.Minute))

	acc, ok := store.Select(ProviderCodex, config.ModelFamilyUnknown)
	require.True(t, ok)
	assert.Equal(t, ids["b@x.com"], acc.ID)

	// The pin moved: b stays current even after a's window would matter.
	current, ok := store.CurrentAccount(ProviderCodex)
	require.True(t, ok)
	assert.Equal(t, ids["b@x.com"], current.ID)

	// The window expires lazily; a becomes selectable again but the pin
	// stays on b.
	clock.Advance(2 * time.Minute)
	acc, ok = store.Select(ProviderCodex, config.ModelFamilyUnknown)
	require.True(t, ok)
	assert.Equal(t, ids["b@x.com"], acc.ID)
}

func TestSelectStickDegradesWhenAllLimited(t *testing.T) {
	store, clock := newTestStore(t)
	store.Load()
	ids := addCodexPool(t, store, "a@x.com", "b@x.com")

	until := clock.Now().Add(time.Minute)
	store.MarkRateLimited(ids["a@x.com"], config.ModelFamilyUnknown, HeaderStyleAntigravity, until)
	store.MarkRateLimited(ids["b@x.com"], config.ModelFamilyUnknown, HeaderStyleAntigravity, until)

	// Selection never blocks: it degrades to the first enabled account.
	acc, ok := store.Select(ProviderCodex, config.ModelFamilyUnknown)
	require.True(t, ok)
	assert.Equal(t, ids["a@x.com"], acc.ID)
}

func TestSelectRoundRobinRotates(t *testing.T) {
	store, _ := newTestStore(t)
	store.Load()
	addCodexPool(t, store, "a@x.com", "b@x.com", "c@x.com")
	require.NoError(t, store.SetStrategy(StrategyRoundRobin))

	counts := make(map[string]int)
	for i := 0; i < 6; i++ {
		acc, ok := store.Select(ProviderCodex, config.ModelFamilyUnknown)
		require.True(t, ok)
		counts[acc.Email]++
	}

	// Two full cycles visit every account exactly twice.
	assert.Equal(t, map[string]int{
		"a@x.com": 2,
		"b@x.com": 2,
		"c@x.com": 2,
	}, counts)
}

func TestSelectRoundRobinSkipsLimited(t *testing.T) {
	store, clock := newTestStore(t)
	store.Load()
	ids := addCodexPool(t, store, "a@x.com", "b@x.com", "c@x.com")
	require.NoError(t, store.SetStrategy(StrategyRoundRobin))

	store.MarkRateLimited(ids["b@x.com"], config.ModelFamilyUnknown,
		HeaderStyleAntigravity, clock.Now().Add(time.Minute))

	for i := 0; i < 4; i++ {
		acc, ok := store.Select(ProviderCodex, config.ModelFamilyUnknown)
		require.True(t, ok)
		assert.NotEqual(t, ids["b@x.com"], acc.ID)
	}
}

func TestSelectRoundRobinDegradesWhenAllLimited(t *testing.T) {
	store, clock := newTestStore(t)
	store.Load()
	ids := addCodexPool(t, store, "a@x.com", "b@x.com")
	require.NoError(t, store.SetStrategy(StrategyRoundRobin))

	until := clock.Now().Add(time.Minute)
	store.MarkRateLimited(ids["a@x.com"], config.ModelFamilyUnknown, HeaderStyleAntigravity, until)
	store.MarkRateLimited(ids["b@x.com"], config.ModelFamilyUnknown, HeaderStyleAntigravity, until)

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		acc, ok := store.Select(ProviderCodex, config.ModelFamilyUnknown)
		require.True(t, ok)
		seen[acc.ID] = true
	}
	// Still rotates over the full pool.
	assert.Len(t, seen, 2)
}

func TestSelectHybridAvoidsLimitedAccount(t *testing.T) {
	store, clock := newTestStore(t)
	store.Load()
	ids := addCodexPool(t, store, "a@x.com", "b@x.com")
	require.NoError(t, store.SetStrategy(StrategyHybrid))

	store.MarkRateLimited(ids["a@x.com"], config.ModelFamilyUnknown,
		HeaderStyleAntigravity, clock.Now().Add(time.Minute))

	for i := 0; i < 5; i++ {
		acc, ok := store.Select(ProviderCodex, config.ModelFamilyUnknown)
		require.True(t, ok)
		assert.Equal(t, ids["b@x.com"], acc.ID)
	}
}

func TestSelectHybridPrefersHealthierAccount(t *testing.T) {
	store, _ := newTestStore(t)
	store.Load()
	ids := addCodexPool(t, store, "a@x.com", "b@x.com")
	require.NoError(t, store.SetStrategy(StrategyHybrid))

	// Tank a's health without opening a cooldown window.
	store.MarkFailure(ids["a@x.com"])
	store.MarkFailure(ids["a@x.com"])

	acc, ok := store.Select(ProviderCodex, config.ModelFamilyUnknown)
	require.True(t, ok)
	assert.Equal(t, ids["b@x.com"], acc.ID)
}

func TestSelectHybridConsumesBucketToken(t *testing.T) {
	store, _ := newTestStore(t)
	store.Load()
	ids := addCodexPool(t, store, "a@x.com")
	require.NoError(t, store.SetStrategy(StrategyHybrid))

	before := store.TokensAvailable(ids["a@x.com"])
	_, ok := store.Select(ProviderCodex, config.ModelFamilyUnknown)
	require.True(t, ok)
	assert.Equal(t, before-1, store.TokensAvailable(ids["a@x.com"]))
}

func TestSelectHybridSpreadsByLastUsed(t *testing.T) {
	store, _ := newTestStore(t)
	store.Load()
	addCodexPool(t, store, "a@x.com", "b@x.com")
	require.NoError(t, store.SetStrategy(StrategyHybrid))

	// Equal buckets and equal health: least-recently-used wins, and the
	// winner's lastUsed stamp moves it behind the other for the next pick.
	first, ok := store.Select(ProviderCodex, config.ModelFamilyUnknown)
	require.True(t, ok)
	second, ok := store.Select(ProviderCodex, config.ModelFamilyUnknown)
	require.True(t, ok)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSelectProvidersAreIsolated(t *testing.T) {
	store, _ := newTestStore(t)
	store.Load()
	addCodexPool(t, store, "a@x.com")
	_, err := store.AddAccount(antigravityAccount("g@x.com"))
	require.NoError(t, err)

	acc, ok := store.Select(ProviderAntigravity, config.ModelFamilyClaude)
	require.True(t, ok)
	assert.Equal(t, ProviderAntigravity, acc.Provider)

	acc, ok = store.Select(ProviderCodex, config.ModelFamilyUnknown)
	require.True(t, ok)
	assert.Equal(t, ProviderCodex, acc.Provider)
}
