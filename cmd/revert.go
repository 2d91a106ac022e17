package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-cli/internal/model"
)

var (
	revertDate    string
	revertSite    string
	revertMode    string
	revertValues  []string
	revertConfirm bool
)

var revertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Roll a site back to a computed or explicit set of prices",
	Long:  "Computes revert targets from the audit ledger (previous_cycle or rolling_average) or takes them from --value flags (manual), then publishes them through the normal transactional pipeline. Exits zero only when the revert committed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cycleDate, err := resolveCycleDate(revertDate)
		if err != nil {
			return err
		}
		manual, err := parseManualValues(revertValues)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "revert", promptConfirm)
		if err != nil {
			return err
		}
		defer env.Close()

		sc := cfg.Site(revertSite)
		if sc == nil {
			return eris.Errorf("site %s is not configured", revertSite)
		}
		rules, err := cfg.RuleSetFor(*sc)
		if err != nil {
			return err
		}

		reverted, err := env.Revert.Revert(ctx, model.RevertRequest{
			SiteID:              revertSite,
			CycleDate:           cycleDate,
			Mode:                model.RevertMode(revertMode),
			ManualValues:        manual,
			RequireConfirmation: !revertConfirm,
		}, rules)
		if err != nil {
			return err
		}
		if reverted.State != model.TxnCommitted {
			return eris.Errorf("revert ended in state %s", reverted.State)
		}

		zap.L().Info("revert committed",
			zap.String("site_id", revertSite),
			zap.String("transaction_id", reverted.ID),
			zap.String("revert_of", reverted.RevertOf),
		)
		return nil
	},
}

// promptConfirm asks the operator to approve the revert on the terminal.
func promptConfirm(summary string) bool {
	fmt.Fprintf(os.Stderr, "%s\nProceed? [y/N] ", summary)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// parseManualValues parses repeated --value category=price flags.
func parseManualValues(flags []string) (map[string]decimal.Decimal, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	values := make(map[string]decimal.Decimal, len(flags))
	for _, f := range flags {
		cat, raw, ok := strings.Cut(f, "=")
		if !ok || cat == "" {
			return nil, eris.Errorf("invalid --value %q, expected category=price", f)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid price in --value %q", f)
		}
		values[cat] = v
	}
	return values, nil
}

func init() {
	revertCmd.Flags().StringVar(&revertDate, "date", "", "cycle date to revert YYYY-MM-DD (default today)")
	revertCmd.Flags().StringVar(&revertSite, "site", "", "site to revert (required)")
	revertCmd.Flags().StringVar(&revertMode, "mode", string(model.RevertPreviousCycle), "previous_cycle, rolling_average, or manual")
	revertCmd.Flags().StringArrayVar(&revertValues, "value", nil, "manual mode target, category=price (repeatable)")
	revertCmd.Flags().BoolVar(&revertConfirm, "confirm", false, "skip the interactive confirmation prompt")
	_ = revertCmd.MarkFlagRequired("site")
	rootCmd.AddCommand(revertCmd)
}
