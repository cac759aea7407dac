package cmd

import (
	"io"
	"strconv"
	"time"

	"grimm.is/portguard/internal/firewall"
	"grimm.is/portguard/internal/ui"
)

func refused() string { return ui.Refused("REFUSED") }

// stateObserver is notified of every session state change.
type stateObserver interface {
	Transition(firewall.State)
}

// consoleReporter prints session progress for the operator. With a host
// it also shows the live INPUT chains once the rules are applied.
type consoleReporter struct {
	out      io.Writer
	observer stateObserver
	host     *firewall.Host
}

func newConsoleReporter(out io.Writer, observer stateObserver, host *firewall.Host) *consoleReporter {
	return &consoleReporter{out: out, observer: observer, host: host}
}

func (r *consoleReporter) VerificationReport(report *firewall.Report) {
	printReport(r.out, report)
}

func printReport(out io.Writer, report *firewall.Report) {
	Printer.Fprintf(out, "%s\n", ui.Title("Environment verification"))
	for _, c := range report.Checks {
		Printer.Fprintf(out, "  %-14s %s  %s\n", c.Name, ui.Status(c.OK, "OK", "REFUSED"), c.Detail)
	}
	if failed := report.Failed(); failed != nil && failed.Name == firewall.CheckBackups {
		Printer.Fprintf(out, "  %s\n", ui.Muted("a previous session did not finish; run 'portguard recover' first"))
	}
	Printer.Fprintln(out)
}

func (r *consoleReporter) PlannedRules(set *firewall.RuleSet) {
	printPlan(r.out, set)
}

func printPlan(out io.Writer, set *firewall.RuleSet) {
	var rows [][]string
	for _, f := range set.Families() {
		for i, rule := range set.For(f) {
			rows = append(rows, []string{f.String(), strconv.Itoa(i + 1), rule.String(), rule.Description})
		}
	}
	Printer.Fprintf(out, "%s\n", ui.Title("Planned rules"))
	Printer.Fprintf(out, "Inserting %d DROP entries at the head of %s/%s:\n",
		set.Entries(), firewall.TableFilter, firewall.ChainInput)
	Printer.Fprintf(out, "%s\n\n", ui.Table([]string{"FAMILY", "POS", "RULE", "DESCRIPTION"}, rows))
}

func (r *consoleReporter) StateChanged(s firewall.State) {
	if r.observer != nil {
		r.observer.Transition(s)
	}
	switch s {
	case firewall.StateApplied:
		if r.host != nil {
			printLive(r.out, r.host)
		}
	case firewall.StateAwaitingConfirmation:
		Printer.Fprintf(r.out, "%s Rules are live. Press Ctrl-C to keep them; anything else reverts them.\n",
			ui.Warn("CONFIRM"))
	}
}

// printLive shows `-S INPUT` of every family as the kernel now has it.
func printLive(out io.Writer, host *firewall.Host) {
	Printer.Fprintf(out, "%s\n", ui.Title("Current rules"))
	for _, f := range firewall.AllFamilies {
		Printer.Fprintf(out, "%s -S %s\n", f.Command(), firewall.ChainInput)
		table, err := host.Table(f)
		if err != nil {
			Printer.Fprintf(out, "  %s\n", ui.Muted(err.Error()))
			continue
		}
		lines, err := table.List()
		if err != nil {
			Printer.Fprintf(out, "  %s\n", ui.Muted("listing failed: "+err.Error()))
			continue
		}
		for _, line := range lines {
			Printer.Fprintf(out, "  %s\n", line)
		}
	}
	Printer.Fprintln(out)
}

func (r *consoleReporter) Countdown(remaining time.Duration) {
	Printer.Fprintf(r.out, "  reverting in %s\n", remaining.Round(time.Second))
}

func (r *consoleReporter) Final(res *firewall.Result) {
	ok := res.ExitCode() == firewall.ExitOK
	Printer.Fprintf(r.out, "\n%s %s: %s\n", ui.Status(ok, "DONE", "FAILED"), res.State, res.Summary)
	if res.Reason != "" {
		Printer.Fprintf(r.out, "  outcome: %s after %s\n", res.Reason, res.AwaitDuration.Round(time.Second))
	}
	if res.Err != nil {
		Printer.Fprintf(r.out, "  error: %v\n", res.Err)
	}
	if res.PersistErr != nil {
		Printer.Fprintf(r.out, "%s rules are live but were not saved: %v\n", ui.Warn("WARNING"), res.PersistErr)
	}
	if len(res.RecoveryCommands) > 0 {
		Printer.Fprintf(r.out, "%s restore the previous rules by hand:\n%s\n",
			ui.Refused("MANUAL RECOVERY"), ui.Box(res.RecoveryCommands...))
	}
	Printer.Fprintf(r.out, "  session %s\n", ui.Muted(res.SessionID))
}
