package cmd

import (
	"context"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"grimm.is/portguard/internal/audit"
	"grimm.is/portguard/internal/clock"
	"grimm.is/portguard/internal/config"
	"grimm.is/portguard/internal/firewall"
	"grimm.is/portguard/internal/logging"
	"grimm.is/portguard/internal/ui"
)

func newHistoryCmd(g *globalOptions) *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "history",
		Short: "List recent deployment sessions",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return exitCode(runHistory(c.Context(), g, limit))
		},
	}
	c.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")
	return c
}

func runHistory(_ context.Context, g *globalOptions, limit int) int {
	cfg, _, err := setup(g)
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}
	if !cfg.HistoryEnabled() {
		Printer.Fprintf(g.stdout, "session history is disabled\n")
		return firewall.ExitOK
	}

	store, err := audit.NewStore(cfg.HistoryDB, cfg.HistoryRetentionDays)
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}
	defer store.Close()

	records, err := store.Recent(limit)
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}
	if len(records) == 0 {
		Printer.Fprintf(g.stdout, "no sessions recorded in %s\n", cfg.HistoryDB)
		return firewall.ExitOK
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			humanize.Time(r.FinishedAt),
			r.User,
			r.State,
			r.Summary,
			r.Reason,
			strconv.Itoa(r.ExitCode),
			r.SessionID,
		})
	}
	Printer.Fprintf(g.stdout, "%s\n", ui.Table([]string{"FINISHED", "USER", "STATE", "SUMMARY", "REASON", "EXIT", "SESSION"}, rows))
	return firewall.ExitOK
}

// recordHistory stores the finished session and prunes old records.
// Failures are logged; they never change the exit code.
func recordHistory(cfg *config.Config, res *firewall.Result, started time.Time, logger *logging.Logger) {
	if !cfg.HistoryEnabled() {
		return
	}
	store, err := audit.NewStore(cfg.HistoryDB, cfg.HistoryRetentionDays)
	if err != nil {
		logger.Warn("session history unavailable", "path", cfg.HistoryDB, "error", err)
		return
	}
	defer store.Close()

	now := clock.Now()
	rec := audit.Record{
		SessionID:  res.SessionID,
		User:       audit.CurrentUser(),
		StartedAt:  started,
		FinishedAt: now,
		State:      res.State.String(),
		Reason:     res.Reason,
		Summary:    res.Summary,
		ExitCode:   res.ExitCode(),
		Inserted:   res.Inserted,
		Await:      res.AwaitDuration,
	}
	if res.Outcome != firewall.OutcomeUnset {
		rec.Outcome = res.Outcome.String()
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := store.Write(rec); err != nil {
		logger.Warn("failed to record session", "error", err)
		return
	}
	if n, err := store.Prune(now); err != nil {
		logger.Warn("failed to prune session history", "error", err)
	} else if n > 0 {
		logger.Debug("pruned session history", "removed", n)
	}
}
