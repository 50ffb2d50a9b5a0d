package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ledger-ingestion-service/internal/rules"
	"ledger-ingestion-service/pkg/logger"
)

func newUnrecognizedCommand(a *app) *cobra.Command {
	unrecognizedCmd := &cobra.Command{
		Use:   "unrecognized",
		Short: "Review messages no bank parser understood",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List unrecognized messages, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			msgs, err := db.ListUnrecognized(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rg, err := a.reportGenerator()
			if err != nil {
				return err
			}
			return rg.WriteUnrecognized(msgs, cmd.OutOrStdout())
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 100, "maximum messages (0: all)")

	var (
		olderThanDays int
		maxRows       int
	)
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old unrecognized messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThanDays <= 0 {
				return fmt.Errorf("--older-than-days must be positive")
			}
			if maxRows < 0 {
				return fmt.Errorf("--max-rows cannot be negative")
			}

			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
			removed, err := db.CleanupUnrecognized(cmd.Context(), cutoff, maxRows)
			if err != nil {
				return err
			}
			a.log.WithFields(logger.Fields{
				"removed":  removed,
				"cutoff":   cutoff.Format(time.RFC3339),
				"max_rows": maxRows,
			}).Info("Unrecognized messages cleaned up")
			printf(cmd.OutOrStdout(), "Removed %d unrecognized messages\n", removed)
			return nil
		},
	}
	cleanupCmd.Flags().IntVar(&olderThanDays, "older-than-days", 30, "remove messages received before this many days ago")
	cleanupCmd.Flags().IntVar(&maxRows, "max-rows", 500, "keep at most this many messages (0: no cap)")

	unrecognizedCmd.AddCommand(listCmd, cleanupCmd)
	return unrecognizedCmd
}

func newRulesCommand(a *app) *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage blocking and rewrite rules",
	}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import rules from a YAML file",
		Long: `Import reads a YAML document with a top-level "rules" list and stores
each rule. Rules with an existing id are replaced.

Example file:
  rules:
    - id: block-otp-wallet
      name: Ignore wallet top-ups
      priority: 10
      transaction_type: EXPENSE
      conditions:
        - {field: merchant, operator: contains, value: wallet}
      actions:
        - {type: BLOCK}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			loaded, err := rules.LoadRules(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			for _, r := range loaded {
				if err := db.SaveRule(cmd.Context(), r); err != nil {
					return err
				}
			}
			printf(cmd.OutOrStdout(), "Imported %d rules\n", len(loaded))
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List rules by priority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			stored, err := db.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			rg, err := a.reportGenerator()
			if err != nil {
				return err
			}
			return rg.WriteRules(stored, cmd.OutOrStdout())
		},
	}

	rulesCmd.AddCommand(importCmd, listCmd)
	return rulesCmd
}

func newCategoriesCommand(a *app) *cobra.Command {
	categoriesCmd := &cobra.Command{
		Use:   "categories",
		Short: "Manage merchant categories",
	}

	setCmd := &cobra.Command{
		Use:   "set <merchant> <category>",
		Short: "Assign a category to a merchant",
		Long: `Set stores a merchant to category mapping. It applies to transactions
saved by later scans; merchant names are matched case-insensitively.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			merchant, category := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
			if merchant == "" || category == "" {
				return fmt.Errorf("merchant and category cannot be empty")
			}

			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.SetMapping(cmd.Context(), merchant, category); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s -> %s\n", merchant, category)
			return nil
		},
	}

	categoriesCmd.AddCommand(setCmd)
	return categoriesCmd
}

func newSubscriptionsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "subscriptions",
		Short: "List recurring payments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			subs, err := db.ListSubscriptions(cmd.Context())
			if err != nil {
				return err
			}
			rg, err := a.reportGenerator()
			if err != nil {
				return err
			}
			return rg.WriteSubscriptions(subs, cmd.OutOrStdout())
		},
	}
}
