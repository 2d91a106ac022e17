package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-cli/internal/config"
	"github.com/sells-group/pricing-cli/internal/cycle"
	"github.com/sells-group/pricing-cli/internal/model"
)

var (
	publishDate     string
	publishSite     string
	publishAllSites bool
	publishDryRun   bool
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Run a pricing cycle and publish the consensus",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cycleDate, err := resolveCycleDate(publishDate)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "publish", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		sites, err := selectSites(publishSite, publishAllSites)
		if err != nil {
			return err
		}

		results, runErr := env.Runner.Run(ctx, cycleDate, sites, publishDryRun)
		for _, res := range results {
			switch {
			case res.Err != nil:
				zap.L().Error("site publish failed",
					zap.String("site_id", res.SiteID),
					zap.Error(res.Err),
				)
			case res.Txn == nil:
				zap.L().Warn("site skipped, no votes", zap.String("site_id", res.SiteID))
			default:
				zap.L().Info("site publish finished",
					zap.String("site_id", res.SiteID),
					zap.String("transaction_id", res.Txn.ID),
					zap.String("state", string(res.Txn.State)),
				)
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return eris.Wrap(err, "encode results")
		}
		return runErr
	},
}

// resolveCycleDate parses the --date flag, defaulting to today (UTC).
func resolveCycleDate(flag string) (model.CycleDate, error) {
	if flag == "" {
		return model.CycleDateOf(time.Now()), nil
	}
	return model.ParseCycleDate(flag)
}

// selectSites resolves the --site / --all-sites flags against config.
func selectSites(siteID string, all bool) ([]cycle.Site, error) {
	if all {
		if len(cfg.Sites) == 0 {
			return nil, eris.New("no sites configured")
		}
		sites := make([]cycle.Site, 0, len(cfg.Sites))
		for _, sc := range cfg.Sites {
			site, err := toCycleSite(sc)
			if err != nil {
				return nil, err
			}
			sites = append(sites, site)
		}
		return sites, nil
	}

	if siteID == "" {
		return nil, eris.New("either --site or --all-sites is required")
	}
	sc := cfg.Site(siteID)
	if sc == nil {
		return nil, eris.Errorf("site %s is not configured", siteID)
	}
	site, err := toCycleSite(*sc)
	if err != nil {
		return nil, err
	}
	return []cycle.Site{site}, nil
}

func toCycleSite(sc config.SiteConfig) (cycle.Site, error) {
	rules, err := cfg.RuleSetFor(sc)
	if err != nil {
		return cycle.Site{}, err
	}
	return cycle.Site{ID: sc.ID, Categories: sc.Categories, Rules: rules}, nil
}

func init() {
	publishCmd.Flags().StringVar(&publishDate, "date", "", "cycle date YYYY-MM-DD (default today)")
	publishCmd.Flags().StringVar(&publishSite, "site", "", "site to publish")
	publishCmd.Flags().BoolVar(&publishAllSites, "all-sites", false, "publish every configured site")
	publishCmd.Flags().BoolVar(&publishDryRun, "dry-run", false, "compute and record the consensus without pushing")
	rootCmd.AddCommand(publishCmd)
}
