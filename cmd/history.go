package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricing-cli/internal/ledger"
)

var (
	historySite     string
	historyCategory string
	historyReason   string
	historyFrom     string
	historyTo       string
	historyLimit    int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the audit trail for a site",
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

		filter := ledger.HistoryFilter{
			SiteID:     historySite,
			CategoryID: historyCategory,
			Reason:     historyReason,
			Limit:      historyLimit,
		}
		if historyFrom != "" {
			if filter.From, err = time.Parse(time.DateOnly, historyFrom); err != nil {
				return eris.Wrapf(err, "invalid --from %q", historyFrom)
			}
		}
		if historyTo != "" {
			if filter.To, err = time.Parse(time.DateOnly, historyTo); err != nil {
				return eris.Wrapf(err, "invalid --to %q", historyTo)
			}
		}

		records, err := l.History(ctx, filter)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historySite, "site", "", "site id (required)")
	historyCmd.Flags().StringVar(&historyCategory, "category", "", "category id")
	historyCmd.Flags().StringVar(&historyReason, "reason", "", "filter by reason, e.g. committed")
	historyCmd.Flags().StringVar(&historyFrom, "from", "", "start date YYYY-MM-DD")
	historyCmd.Flags().StringVar(&historyTo, "to", "", "end date YYYY-MM-DD")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 100, "maximum records")
	_ = historyCmd.MarkFlagRequired("site")
	rootCmd.AddCommand(historyCmd)
}
