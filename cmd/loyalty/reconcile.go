package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/loyalty-engine/loyalty"
)

func reconcileCmd() *cobra.Command {
	var (
		user    string
		card    string
		asJSON  bool
		failAny bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check balances against their movement history",
		Long: `Fold every account's movements and compare with the stored balance.

Examples:
  loyalty reconcile
  loyalty reconcile --user u-42 --card c-1
  loyalty reconcile --json --fail`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if user != "" && card != "" {
				key := loyalty.AccountKey{UserID: user, CardID: card}
				ok, err := a.ledger.Reconcile(ctx, key)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s consistent=%t\n", key, ok)
				if !ok && failAny {
					return fmt.Errorf("account %s is inconsistent", key)
				}
				return nil
			}

			ds, err := a.ledger.ReconcileAll(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(ds); err != nil {
					return err
				}
			} else if len(ds) == 0 {
				fmt.Fprintln(out, "All balances match their movements")
			} else {
				for _, d := range ds {
					fmt.Fprintln(out, d.String())
				}
			}
			if len(ds) > 0 && failAny {
				return fmt.Errorf("%d inconsistent accounts", len(ds))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "check one account (with --card)")
	cmd.Flags().StringVar(&card, "card", "", "check one account (with --user)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output discrepancies as JSON")
	cmd.Flags().BoolVar(&failAny, "fail", false, "exit non-zero when any account is inconsistent")
	return cmd
}
