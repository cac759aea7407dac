package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"grimm.is/portguard/internal/firewall"
	"grimm.is/portguard/internal/lock"
	"grimm.is/portguard/internal/ui"
)

func newRecoverCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Restore the rule set saved by an interrupted session",
		Long: `A session that was killed between apply and its final transition leaves
its snapshot files in the backup directory. recover restores each family
from them and removes the files.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return exitCode(runRecover(c.Context(), g))
		},
	}
}

func runRecover(ctx context.Context, g *globalOptions) int {
	cfg, logger, err := setup(g)
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}

	stale, err := firewall.FindStaleBackups(cfg.BackupDir)
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}
	if len(stale) == 0 {
		Printer.Fprintf(g.stdout, "%s no stale backups in %s\n", ui.OK("OK"), cfg.BackupDir)
		return firewall.ExitOK
	}

	set, err := firewall.RuleSetFromConfig(cfg)
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}

	id := uuid.NewString()
	lk, err := lock.Acquire(cfg.LockFile, id)
	if err != nil {
		Printer.Fprintf(g.stderr, "%s cannot take session lock: %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}
	defer lk.Release()

	host, err := newHost()
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}

	store := firewall.NewSnapshotStore(host, cfg.BackupDir, id, nil, logger.WithComponent("recover"))
	code := firewall.ExitOK
	for _, b := range stale {
		size := "?"
		if info, err := os.Stat(b.Path); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		if err := store.Recover(ctx, b, set); err != nil {
			Printer.Fprintf(g.stdout, "%s %s from %s: %v\n", refused(), b.Family, b.Path, err)
			var rb *firewall.RollbackError
			if errors.As(err, &rb) {
				Printer.Fprintf(g.stdout, "%s\n", ui.Box(rb.Commands...))
				code = firewall.ExitRollbackFailed
			} else if code == firewall.ExitOK {
				code = firewall.ExitVerifyFailed
			}
			continue
		}
		Printer.Fprintf(g.stdout, "%s %s restored from %s (%s)\n", ui.OK("OK"), b.Family, b.Path, size)
	}
	return code
}
