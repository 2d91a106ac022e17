package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricing-cli/internal/ledger"
	"github.com/sells-group/pricing-cli/internal/model"
)

var (
	txnsSite  string
	txnsDate  string
	txnsState string
	txnsLimit int
)

var transactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "List publish transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("publish"); err != nil {
			return err
		}
		l, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck
		if err := l.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate ledger")
		}

		filter := ledger.TxnFilter{
			SiteID: txnsSite,
			State:  model.TxnState(txnsState),
			Limit:  txnsLimit,
		}
		if txnsDate != "" {
			if filter.CycleDate, err = model.ParseCycleDate(txnsDate); err != nil {
				return err
			}
		}

		txns, err := l.ListTransactions(ctx, filter)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(txns)
	},
}

func init() {
	transactionsCmd.Flags().StringVar(&txnsSite, "site", "", "site id")
	transactionsCmd.Flags().StringVar(&txnsDate, "date", "", "cycle date YYYY-MM-DD")
	transactionsCmd.Flags().StringVar(&txnsState, "state", "", "filter by state, e.g. pending_manual_review")
	transactionsCmd.Flags().IntVar(&txnsLimit, "limit", 50, "maximum transactions")
	rootCmd.AddCommand(transactionsCmd)
}
