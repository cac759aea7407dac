package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"grimm.is/portguard/internal/clock"
	"grimm.is/portguard/internal/config"
	"grimm.is/portguard/internal/firewall"
	"grimm.is/portguard/internal/lock"
	"grimm.is/portguard/internal/logging"
	"grimm.is/portguard/internal/metrics"
)

type deployOptions struct {
	deadline  time.Duration
	countdown time.Duration
	metrics   string
}

func addDeployFlags(c *cobra.Command, o *deployOptions) {
	fs := c.Flags()
	fs.DurationVar(&o.deadline, "deadline", 0, "confirmation window before automatic rollback (default from config, 5m)")
	fs.DurationVar(&o.countdown, "countdown", 0, "interval between countdown lines (default from config, 30s)")
	fs.StringVar(&o.metrics, "metrics-textfile", "", "write session metrics to this Prometheus textfile")
}

func newDeployCmd(g *globalOptions) *cobra.Command {
	o := &deployOptions{}
	c := &cobra.Command{
		Use:   "deploy",
		Short: "Verify, apply and await confirmation (default)",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return exitCode(runDeploy(c.Context(), g, o))
		},
	}
	addDeployFlags(c, o)
	return c
}

// newHost builds the host a command runs against.
var newHost = firewall.NewLinuxHost

func runDeploy(ctx context.Context, g *globalOptions, o *deployOptions) int {
	cfg, logger, err := setup(g)
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}

	set, sc, err := sessionInputs(cfg, o)
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}

	sessionID := uuid.NewString()
	lk, err := lock.Acquire(cfg.LockFile, sessionID)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			Printer.Fprintf(g.stderr, "%s another session is running (%s holds %s)\n", refused(), held.Owner, held.Path)
		} else {
			Printer.Fprintf(g.stderr, "%s cannot take session lock: %v\n", refused(), err)
		}
		return firewall.ExitVerifyFailed
	}
	defer func() {
		if err := lk.Release(); err != nil {
			logger.Warn("failed to release session lock", "path", lk.Path(), "error", err)
		}
	}()

	host, err := newHost()
	if err != nil {
		Printer.Fprintf(g.stderr, "%s %v\n", refused(), err)
		return firewall.ExitVerifyFailed
	}

	gate := newSignalGate(logger)
	defer gate.Stop()
	reporter := newConsoleReporter(g.stdout, gate, host)

	opts := []firewall.SessionOption{
		firewall.WithSessionID(sessionID),
		firewall.WithLogger(logger),
		firewall.WithReporter(reporter),
	}
	if len(sc.ProbeTargets) > 0 {
		timeout, _ := cfg.ProbeTimeoutDuration()
		opts = append(opts, firewall.WithProber(firewall.NewICMPProber(timeout)))
	}

	started := clock.Now()
	res := firewall.NewSession(host, set, sc, opts...).Run(ctx, gate.Signals())
	recordHistory(cfg, res, started, logger)

	textfile := cfg.MetricsTextfile
	if o.metrics != "" {
		textfile = o.metrics
	}
	recordMetrics(textfile, res, logger)

	return res.ExitCode()
}

// sessionInputs turns the loaded config and flag overrides into the rule
// set and session settings.
func sessionInputs(cfg *config.Config, o *deployOptions) (*firewall.RuleSet, firewall.SessionConfig, error) {
	set, err := firewall.RuleSetFromConfig(cfg)
	if err != nil {
		return nil, firewall.SessionConfig{}, err
	}
	sc, err := firewall.SessionConfigFromConfig(cfg)
	if err != nil {
		return nil, sc, err
	}
	if o.deadline > 0 {
		sc.Deadline = o.deadline
	}
	if o.countdown > 0 {
		sc.CountdownInterval = o.countdown
	}
	return set, sc, nil
}

func recordMetrics(path string, res *firewall.Result, logger *logging.Logger) {
	if path == "" {
		return
	}
	reg := metrics.New()
	reg.Record(metrics.Session{
		State:    res.State.String(),
		ExitCode: res.ExitCode(),
		Inserted: res.Inserted,
		Await:    res.AwaitDuration,
		Finished: clock.Now(),
	})
	if err := reg.WriteTextfile(path); err != nil {
		logger.Warn("failed to write metrics textfile", "path", path, "error", err)
		return
	}
	logger.Debug("metrics written", "path", path)
}
