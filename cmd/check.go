package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"grimm.is/portguard/internal/firewall"
)

func newCheckCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the environment verification only",
		Long: `Runs every pre-deploy check and prints the planned rules. Nothing on the
host is changed. Exits 0 when a deploy would proceed, 1 otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return exitCode(runCheck(c.Context(), g))
		},
	}
}

func runCheck(ctx context.Context, g *globalOptions) int {
	cfg, logger, err := setup(g)
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}
	set, sc, err := sessionInputs(cfg, &deployOptions{})
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}
	host, err := newHost()
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}

	verifyCfg := sc.Verify
	verifyCfg.ExtraCommands = firewall.NewPersister(host, sc.Persist, logger).RequiredCommands()
	report, err := firewall.NewVerifier(host, set, verifyCfg, logger).Verify(ctx)
	if report != nil {
		printReport(g.stdout, report)
	}
	if err != nil {
		Printer.Fprintf(g.stdout, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}

	printPlan(g.stdout, set)
	Printer.Fprintf(g.stdout, "Deadline %s, persistence via %s.\n", sc.Deadline, sc.Persist.Mode)
	return firewall.ExitOK
}
