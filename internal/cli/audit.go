package cli

import (
	"fmt"
	"time"

	"github.com/layer-3/votechain/adapters/store"
	"github.com/layer-3/votechain/core"
	"github.com/layer-3/votechain/service"
	"github.com/spf13/cobra"
)

// NewAuditCommand creates the audit command.
func NewAuditCommand(opts *RootOptions) *cobra.Command {
	var (
		failOnCritical bool
		history        int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Reconcile committed votes against ledger events",
		Long:  "Checks every committed vote with a ledger reference for a matching VoteCast event and prints the integrity report.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if history > 0 {
				return printAuditHistory(cmd, cfg.Database.Path, history, opts.Format)
			}

			app, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.Audit(cmd.Context())
			if err != nil {
				return exitError(ExitCommandError, "audit failed", err)
			}

			if err := service.Render(cmd.OutOrStdout(), result, opts.Format); err != nil {
				return exitError(ExitCommandError, "failed to render report", err)
			}

			if failOnCritical && result.Classification == core.Critical {
				return exitError(ExitFailure, "ledger integrity is critical", nil)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failOnCritical, "fail-on-critical", false, "exit 1 when the integrity classification is critical")
	cmd.Flags().IntVar(&history, "history", 0, "print the last N recorded audit runs instead of running one")

	return cmd
}

func printAuditHistory(cmd *cobra.Command, dbPath string, limit int, format string) error {
	db, err := store.OpenSQLite(dbPath)
	if err != nil {
		return exitError(ExitCommandError, "failed to open database", err)
	}
	defer db.Close()

	runs, err := db.AuditRuns(cmd.Context(), limit)
	if err != nil {
		return exitError(ExitCommandError, "failed to list audit runs", err)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		if runs == nil {
			runs = []core.AuditResult{}
		}
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "no audit runs recorded")
		return err
	}
	for _, r := range runs {
		fmt.Fprintf(out, "%s  %6.2f%%  %-8s  checked %d, mismatches %d, orphans %d\n",
			r.GeneratedAt.Format(time.RFC3339), r.IntegrityPercentage, r.Classification,
			r.TotalChecked, r.MismatchCount, r.OrphanedCount)
	}
	return nil
}
