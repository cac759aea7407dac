package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"grimm.is/portguard/internal/brand"
	"grimm.is/portguard/internal/config"
	"grimm.is/portguard/internal/firewall"
	"grimm.is/portguard/internal/i18n"
	"grimm.is/portguard/internal/logging"
)

// Printer is the locale-aware printer for operator output.
var Printer = i18n.NewCLIPrinter()

type globalOptions struct {
	configPath string
	logLevel   string
	jsonLogs   bool

	stdout io.Writer
	stderr io.Writer
}

// exitError carries a process exit status through cobra. The message has
// already been shown to the operator.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitCode(code int) error {
	if code == firewall.ExitOK {
		return nil
	}
	return &exitError{code: code}
}

func newRootCmd(g *globalOptions) *cobra.Command {
	deploy := &deployOptions{}

	root := &cobra.Command{
		Use:   brand.BinaryName,
		Short: "Deploy inbound deny rules with automatic rollback",
		Long: `Inserts DROP rules for the configured ports at the head of the INPUT chain
of both iptables families, then waits for confirmation. Without a Ctrl-C
before the deadline the previous rule set is restored.`,
		Version:       brand.VersionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return exitCode(runDeploy(c.Context(), g, deploy))
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "configuration file (default "+brand.DefaultConfigPath()+")")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&g.jsonLogs, "json-logs", false, "emit logs as JSON")

	addDeployFlags(root, deploy)
	root.AddCommand(newDeployCmd(g), newCheckCmd(g), newRecoverCmd(g), newHistoryCmd(g))
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	g := &globalOptions{stdout: stdout, stderr: stderr}
	root := newRootCmd(g)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return firewall.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	Printer.Fprintf(stderr, "Error: %v\n", err)
	return firewall.ExitVerifyFailed
}

// setup loads the configuration and installs the logger. Flags override
// the file.
func setup(g *globalOptions) (*config.Config, *logging.Logger, error) {
	path, explicit := config.ResolvePath(g.configPath)
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration %s: %w", path, err)
	}

	levelName := cfg.LogLevel
	if g.logLevel != "" {
		levelName = g.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Config{
		Level:  level,
		Output: g.stderr,
		JSON:   g.jsonLogs,
	})
	logging.SetDefault(logger)
	logger.Debug("configuration loaded", "path", path, "explicit", explicit, "rules", len(cfg.Rules))
	return cfg, logger, nil
}
