package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/lonelyclick/agentkeeper/internal/config"
	"github.com/lonelyclick/agentkeeper/internal/logger"
	"github.com/lonelyclick/agentkeeper/pkg/accounts"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage credential accounts",
	Long: `List the configured credential accounts with their cached usage
windows, or switch the active account manually.`,
	RunE: runAccountsList,
}

var accountsSelectCmd = &cobra.Command{
	Use:   "select <id>",
	Short: "Switch the active account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsSelect,
}

func init() {
	accountsCmd.AddCommand(accountsSelectCmd)
	rootCmd.AddCommand(accountsCmd)
}

func openAccounts() (*accounts.Store, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	acctStore, err := accounts.OpenStore(cfg.Accounts.File)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open accounts store: %w", err)
	}
	return acctStore, cfg, nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	acctStore, _, err := openAccounts()
	if err != nil {
		return err
	}

	list := acctStore.List()
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No accounts configured.")
		return nil
	}

	log, err := logger.New(logger.DefaultConfig())
	if err != nil {
		return err
	}
	defer log.Close()
	cache := accounts.NewUsageCache(accounts.FileUsageAPI{}, defaultUsageTTL, clock.New(), log.GetZerolog())

	active, _ := acctStore.Active()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACTIVE\tWEIGHT\tSHORT\tLONG\tLAST USED")
	for _, account := range list {
		short, long := "-", "-"
		if snap, _ := cache.Get(cmd.Context(), account); snap.Valid() {
			short = fmt.Sprintf("%.0f%%", snap.ShortUtilization()*100)
			long = fmt.Sprintf("%.0f%%", snap.LongUtilization()*100)
		}
		marker := ""
		if account.ID == active.ID {
			marker = "*"
		}
		lastUsed := "-"
		if !account.LastUsedAt.IsZero() {
			lastUsed = account.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\t%s\t%s\n",
			account.ID, account.Name, marker, account.EffectiveWeight(), short, long, lastUsed)
	}
	return w.Flush()
}

func runAccountsSelect(cmd *cobra.Command, args []string) error {
	acctStore, _, err := openAccounts()
	if err != nil {
		return err
	}
	id := args[0]
	if err := acctStore.SetActive(id); err != nil {
		return fmt.Errorf("failed to activate account: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Active account: %s\n", id)
	return nil
}
