package cmd

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"ledger-ingestion-service/internal/store"
)

const dateLayout = "2006-01-02"

func newLedgerCommand(a *app) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and edit the ledger",
	}

	var (
		from, to       string
		includeDeleted bool
		limit          int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := store.ListOptions{IncludeDeleted: includeDeleted, Limit: limit}
			var err error
			if opts.From, err = parseDate(from, false); err != nil {
				return err
			}
			if opts.To, err = parseDate(to, true); err != nil {
				return err
			}
			if !opts.From.IsZero() && !opts.To.IsZero() && opts.From.After(opts.To) {
				return fmt.Errorf("--from cannot be after --to")
			}

			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := db.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			rg, err := a.reportGenerator()
			if err != nil {
				return err
			}
			return rg.WriteLedger(entries, cmd.OutOrStdout())
		},
	}
	listCmd.Flags().StringVar(&from, "from", "", "first day to list (YYYY-MM-DD)")
	listCmd.Flags().StringVar(&to, "to", "", "last day to list (YYYY-MM-DD)")
	listCmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include deleted entries")
	listCmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (0: all)")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a ledger entry",
		Long: `Delete marks an entry as deleted. The entry stays in the database so a
later scan of the same message does not bring it back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid entry id: %s", args[0])
			}

			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.SoftDelete(cmd.Context(), id); err != nil {
				if stderrors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("ledger entry %d not found", id)
				}
				return err
			}
			// Summaries include the entry until refreshed.
			if err := db.SetFlag(cmd.Context(), store.SummaryDirtyFlag, true); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Deleted ledger entry %d\n", id)
			return nil
		},
	}

	var confirmed bool
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove every ledger entry and balance snapshot",
		Long: `Reset empties the ledger and the balance history and clears the scan
state, so the next scan starts over. Deleted entries are removed too, which
means their messages will be saved again by the next scan.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("reset removes all ledger data; pass --yes to confirm")
			}

			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if err := db.DeleteAll(ctx); err != nil {
				return err
			}
			if err := db.DeleteAllBalances(ctx); err != nil {
				return err
			}
			state, err := db.LoadScanState(ctx)
			if err != nil {
				return err
			}
			state.LastScanTimestamp = time.Time{}
			state.LastScanPeriodDays = 0
			if err := db.SaveScanState(ctx, state); err != nil {
				return err
			}
			if err := db.SetFlag(ctx, store.SummaryDirtyFlag, true); err != nil {
				return err
			}
			a.log.Info("Ledger reset")
			printf(cmd.OutOrStdout(), "Ledger reset\n")
			return nil
		},
	}
	resetCmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the reset")

	ledgerCmd.AddCommand(listCmd, deleteCmd, resetCmd)
	return ledgerCmd
}

func newBalancesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "Show the latest balance of every account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			snapshots, err := db.CurrentBalances(cmd.Context())
			if err != nil {
				return err
			}
			rg, err := a.reportGenerator()
			if err != nil {
				return err
			}
			return rg.WriteBalances(snapshots, cmd.OutOrStdout())
		},
	}
}

func newCardsCommand(a *app) *cobra.Command {
	cardsCmd := &cobra.Command{
		Use:   "cards",
		Short: "List cards and link debit cards to accounts",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known cards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			cards, err := db.ListCards(cmd.Context())
			if err != nil {
				return err
			}
			rg, err := a.reportGenerator()
			if err != nil {
				return err
			}
			return rg.WriteCards(cards, cmd.OutOrStdout())
		},
	}

	linkCmd := &cobra.Command{
		Use:   "link <card-id> <account-last4>",
		Short: "Link a debit card to the account it draws from",
		Long: `Link ties a debit card to a bank account. Later card transactions update
the balance of the linked account.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid card id: %s", args[0])
			}
			account := args[1]
			if len(account) != 4 {
				return fmt.Errorf("account must be the last 4 digits, got %q", account)
			}
			if _, err := strconv.Atoi(account); err != nil {
				return fmt.Errorf("account must be the last 4 digits, got %q", account)
			}

			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.LinkCard(cmd.Context(), id, account); err != nil {
				if stderrors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("card %d not found", id)
				}
				return err
			}
			printf(cmd.OutOrStdout(), "Linked card %d to account x%s\n", id, account)
			return nil
		},
	}

	cardsCmd.AddCommand(listCmd, linkCmd)
	return cardsCmd
}

// parseDate reads YYYY-MM-DD in UTC; endOfDay moves to the last millisecond
// of that day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}
