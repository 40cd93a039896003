package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/modelpool/modelpool/internal/account"
	"github.com/modelpool/modelpool/internal/config"
	"github.com/modelpool/modelpool/internal/utils"
)

// accountsCmd represents the accounts command
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the account pool",
	Long: `Manage the pool of provider accounts.

Providers:
  codex             - ChatGPT Codex (OAuth refresh token)
  antigravity       - Google Cloud Code (OAuth refresh token)
  openai-compatible - Any OpenAI-compatible API (API key)

Multiple accounts enable load balancing and failover when rate limits are hit.`,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new account",
	Long: `Add a new account to the pool.

If no --provider flag is specified, you will be prompted to select one.
Credentials are entered interactively and never echoed.

Examples:
  modelpool accounts add                                # Interactive provider selection
  modelpool accounts add --provider codex               # Add codex account
  modelpool accounts add --provider antigravity         # Add antigravity account
  modelpool accounts add --provider openai-compatible   # Add API-key account`,
	RunE: runAccountsAdd,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	RunE:  runAccountsList,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove [id|email]",
	Short: "Remove an account",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAccountsRemove,
}

var accountsUseCmd = &cobra.Command{
	Use:   "use <id|email>",
	Short: "Pin a provider's current account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsUse,
}

var accountsStrategyCmd = &cobra.Command{
	Use:   "strategy [stick|round-robin|hybrid]",
	Short: "Show or set the load-balancing strategy",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAccountsStrategy,
}

var (
	providerArg string
)

func init() {
	rootCmd.AddCommand(accountsCmd)

	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	accountsCmd.AddCommand(accountsUseCmd)
	accountsCmd.AddCommand(accountsStrategyCmd)

	accountsAddCmd.Flags().StringVar(&providerArg, "provider", "", "Provider type (codex, antigravity, or openai-compatible)")
}

func openStore() *account.Store {
	store := account.NewStore(config.GetAccountsPath(), config.GetLegacyAuthPath())
	store.Load()
	return store
}

// readSecret reads a credential without echoing when stdin is a terminal.
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	// Fallback for non-terminal input (e.g., piped).
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(input), nil
}

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(input), nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	providerStr := strings.ToLower(providerArg)

	if providerStr == "" {
		var err error
		providerStr, err = selectProvider()
		if err != nil {
			if err.Error() == "cancelled" {
				fmt.Println("Account addition cancelled.")
				return nil
			}
			return err
		}
		utils.Info("Selected provider: %s", providerStr)
	}

	provider, ok := account.ParseProvider(providerStr)
	if !ok {
		return fmt.Errorf("invalid provider: %s (must be 'codex', 'antigravity', or 'openai-compatible')", providerStr)
	}

	utils.Info("Adding new %s account...", provider)

	switch provider {
	case account.ProviderCodex:
		return addCodexAccount()
	case account.ProviderAntigravity:
		return addAntigravityAccount()
	default:
		return addOpenAICompatAccount()
	}
}

func addCodexAccount() error {
	refreshToken, err := readSecret("Enter codex refresh token: ")
	if err != nil {
		return err
	}
	if refreshToken == "" {
		return fmt.Errorf("refresh token is required for codex accounts")
	}

	email, err := readLine("Account email (optional): ")
	if err != nil {
		return err
	}

	store := openStore()
	added, err := store.AddAccount(account.Account{
		Provider:     account.ProviderCodex,
		Email:        email,
		RefreshToken: refreshToken,
		Enabled:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to add account: %w", err)
	}

	utils.Success("Successfully added codex account: %s", added.DisplayName())
	return nil
}

func addAntigravityAccount() error {
	refreshToken, err := readSecret("Enter antigravity refresh token: ")
	if err != nil {
		return err
	}
	if refreshToken == "" {
		return fmt.Errorf("refresh token is required for antigravity accounts")
	}

	email, err := readLine("Account email (optional): ")
	if err != nil {
		return err
	}
	projectID, err := readLine("Project ID (optional): ")
	if err != nil {
		return err
	}

	store := openStore()
	added, err := store.AddAccount(account.Account{
		Provider:     account.ProviderAntigravity,
		Email:        email,
		RefreshToken: refreshToken,
		ProjectID:    projectID,
		Enabled:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to add account: %w", err)
	}

	utils.Success("Successfully added antigravity account: %s", added.DisplayName())
	if added.ProjectID != "" {
		utils.Info("Project ID: %s", added.ProjectID)
	}
	return nil
}

func addOpenAICompatAccount() error {
	apiKey, err := readSecret("Enter API key: ")
	if err != nil {
		return err
	}
	if apiKey == "" {
		return fmt.Errorf("API key is required for openai-compatible accounts")
	}

	baseURL, err := readLine("Base URL (optional, defaults to api.openai.com): ")
	if err != nil {
		return err
	}
	email, err := readLine("Account label (optional): ")
	if err != nil {
		return err
	}

	store := openStore()
	added, err := store.AddAccount(account.Account{
		Provider: account.ProviderOpenAICompat,
		Email:    email,
		APIKey:   apiKey,
		BaseURL:  baseURL,
		Enabled:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to add account: %w", err)
	}

	utils.Success("Successfully added openai-compatible account: %s", added.DisplayName())
	return nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	store := openStore()

	accounts := store.ListAccounts("")
	if len(accounts) == 0 {
		fmt.Println("No accounts configured.")
		fmt.Println()
		fmt.Println("To add an account, run:")
		fmt.Println("  modelpool accounts add")
		return nil
	}

	fmt.Printf("Configured accounts (%d), strategy: %s\n\n", len(accounts), store.Strategy())

	now := time.Now().UnixMilli()
	for i, acc := range accounts {
		status := "OK"
		statusColor := "\033[32m" // green

		if !acc.Enabled {
			status = "DISABLED"
			statusColor = "\033[31m" // red
		} else if wait := rateLimitWait(&acc, now); wait > 0 {
			status = fmt.Sprintf("RATE-LIMITED (%s)", utils.FormatDuration(wait))
			statusColor = "\033[33m" // yellow
		}

		fmt.Printf("  %d. %s\n", i+1, acc.DisplayName())
		fmt.Printf("     Provider: %s\n", acc.Provider)
		fmt.Printf("     Status: %s%s\033[0m\n", statusColor, status)
		fmt.Printf("     Health: %d  Tokens: %d\n", store.HealthScore(acc.ID), store.TokensAvailable(acc.ID))
		if acc.ProjectID != "" {
			fmt.Printf("     Project: %s\n", acc.ProjectID)
		}
		if acc.LastUsed != 0 {
			fmt.Printf("     Last used: %s\n", time.UnixMilli(acc.LastUsed).Format(time.RFC3339))
		}
		fmt.Println()
	}

	return nil
}

// rateLimitWait returns the longest remaining cooldown across the
// account's windows, zero when none are active.
func rateLimitWait(acc *account.Account, nowMs int64) time.Duration {
	maxUntil := acc.RateLimitedUntil
	for _, until := range acc.RateLimitResetTimes {
		if until > maxUntil {
			maxUntil = until
		}
	}
	if maxUntil <= nowMs {
		return 0
	}
	return time.Duration(maxUntil-nowMs) * time.Millisecond
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	store := openStore()

	accounts := store.ListAccounts("")
	if len(accounts) == 0 {
		fmt.Println("No accounts to remove.")
		return nil
	}

	var identifier string

	if len(args) > 0 {
		identifier = args[0]
	} else {
		// Interactive selection
		fmt.Println("Select an account to remove:")
		fmt.Println()

		for i, acc := range accounts {
			fmt.Printf("  %d. %s (%s)\n", i+1, acc.DisplayName(), acc.Provider)
		}

		fmt.Println()
		input, err := readLine("Enter account number (or 'q' to cancel): ")
		if err != nil {
			return err
		}
		if input == "q" || input == "" {
			fmt.Println("Cancelled.")
			return nil
		}

		var num int
		if _, err := fmt.Sscanf(input, "%d", &num); err != nil || num < 1 || num > len(accounts) {
			return fmt.Errorf("invalid selection: %s", input)
		}

		identifier = accounts[num-1].ID
	}

	if err := store.RemoveAccount(identifier); err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}

	utils.Success("Removed account: %s", identifier)
	return nil
}

func runAccountsUse(cmd *cobra.Command, args []string) error {
	store := openStore()

	acc, ok := store.GetAccount(args[0])
	if !ok {
		return fmt.Errorf("no account matching %s", args[0])
	}

	if err := store.SetCurrentAccount(acc.Provider, acc.ID); err != nil {
		return fmt.Errorf("failed to set current account: %w", err)
	}

	utils.Success("Current %s account is now %s", acc.Provider, acc.DisplayName())
	return nil
}

func runAccountsStrategy(cmd *cobra.Command, args []string) error {
	store := openStore()

	if len(args) == 0 {
		fmt.Printf("Current strategy: %s\n", store.Strategy())
		return nil
	}

	strategy, ok := account.ParseStrategy(args[0])
	if !ok {
		return fmt.Errorf("invalid strategy: %s (must be 'stick', 'round-robin', or 'hybrid')", args[0])
	}

	if err := store.SetStrategy(strategy); err != nil {
		return fmt.Errorf("failed to set strategy: %w", err)
	}

	utils.Success("Strategy set to %s", strategy)
	return nil
}

// selectProvider shows an interactive menu to select a provider.
func selectProvider() (string, error) {
	providers := []struct {
		name        string
		description string
	}{
		{"codex", "ChatGPT Codex (OAuth refresh token)"},
		{"antigravity", "Google Cloud Code (OAuth refresh token)"},
		{"openai-compatible", "Any OpenAI-compatible API (API key)"},
	}

	fmt.Println("Select a provider to add:")
	fmt.Println()

	for i, p := range providers {
		fmt.Printf("  %d. %s - %s\n", i+1, p.name, p.description)
	}

	fmt.Println()
	input, err := readLine("Enter provider number (or 'q' to cancel): ")
	if err != nil {
		return "", err
	}
	if input == "q" || input == "" {
		return "", fmt.Errorf("cancelled")
	}

	var num int
	if _, err := fmt.Sscanf(input, "%d", &num); err != nil || num < 1 || num > len(providers) {
		return "", fmt.Errorf("invalid selection: %s (must be 1-%d)", input, len(providers))
	}

	return providers[num-1].name, nil
}
