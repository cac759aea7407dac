package firewall

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/portguard/internal/logging"
)

// PersistMode selects how committed rules survive a reboot.
type PersistMode string

const (
	// PersistNetfilter runs `netfilter-persistent save`.
	PersistNetfilter PersistMode = "netfilter-persistent"
	// PersistFiles writes *-save dumps to the files the boot loader reads.
	PersistFiles PersistMode = "files"
)

// ParsePersistMode validates a configured mode.
func ParsePersistMode(s string) (PersistMode, error) {
	switch PersistMode(s) {
	case "", PersistNetfilter:
		return PersistNetfilter, nil
	case PersistFiles:
		return PersistFiles, nil
	}
	return "", fmt.Errorf("unsupported persist mode %q (want %s or %s)", s, PersistNetfilter, PersistFiles)
}

// PersistConfig configures the PersistenceWriter.
type PersistConfig struct {
	Mode    PersistMode
	Command string
	RulesV4 string
	RulesV6 string
}

// DefaultPersistConfig matches a stock iptables-persistent install.
func DefaultPersistConfig() PersistConfig {
	return PersistConfig{
		Mode:    PersistNetfilter,
		Command: "netfilter-persistent",
		RulesV4: "/etc/iptables/rules.v4",
		RulesV6: "/etc/iptables/rules.v6",
	}
}

// Persister writes the committed live rule set to boot storage.
type Persister struct {
	host   *Host
	cfg    PersistConfig
	logger *logging.Logger
}

// NewPersister returns a persister for cfg.
func NewPersister(host *Host, cfg PersistConfig, logger *logging.Logger) *Persister {
	if cfg.Command == "" {
		cfg.Command = DefaultPersistConfig().Command
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Persister{host: host, cfg: cfg, logger: logger.WithComponent("persist")}
}

// RequiredCommands lists binaries Commit will run beyond the *-save tools.
func (p *Persister) RequiredCommands() []string {
	if p.cfg.Mode == PersistFiles {
		return nil
	}
	return []string{p.cfg.Command}
}

// Target describes where rules are persisted, for messages.
func (p *Persister) Target() string {
	if p.cfg.Mode == PersistFiles {
		return fmt.Sprintf("%s, %s", p.cfg.RulesV4, p.cfg.RulesV6)
	}
	return p.cfg.Command
}

func (p *Persister) pathFor(f Family) string {
	if f == FamilyIPv6 {
		return p.cfg.RulesV6
	}
	return p.cfg.RulesV4
}

// Commit saves the live rules. The live tables are never touched; on
// failure the returned PersistError leaves them as they are.
func (p *Persister) Commit(ctx context.Context, families []Family) error {
	switch p.cfg.Mode {
	case PersistFiles:
		for _, f := range families {
			path := p.pathFor(f)
			if path == "" {
				return &PersistError{Target: f.String(), Err: fmt.Errorf("no rules file configured")}
			}
			raw, err := p.host.Runner.Output(ctx, f.SaveCommand())
			if err != nil {
				return &PersistError{Target: path, Err: err}
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return &PersistError{Target: path, Err: err}
			}
			if err := writeFileAtomic(path, raw, 0o640); err != nil {
				return &PersistError{Target: path, Err: err}
			}
			p.logger.Audit("persist", path, map[string]any{"family": f.String()})
		}
		return nil

	default:
		if err := p.host.Runner.Run(ctx, p.cfg.Command, "save"); err != nil {
			return &PersistError{Target: p.cfg.Command, Err: err}
		}
		p.logger.Audit("persist", p.cfg.Command, nil)
		return nil
	}
}
