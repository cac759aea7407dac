package firewall

import (
	"fmt"

	"grimm.is/portguard/internal/config"
)

// RuleSetFromConfig builds the RuleSet from the configured rule blocks,
// keeping file order.
func RuleSetFromConfig(g *config.Config) (*RuleSet, error) {
	specs := make([]RuleSpec, 0, len(g.Rules))
	for _, r := range g.Rules {
		proto, err := ParseProtocol(r.Protocol)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		family, err := ParseAddressFamily(r.Family)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		desc := r.Description
		if desc == "" {
			desc = r.Name
		}
		specs = append(specs, RuleSpec{Port: r.Port, Protocol: proto, Family: family, Description: desc})
	}
	return NewRuleSet(specs...)
}

// SessionConfigFromConfig extracts the session settings from the global config.
func SessionConfigFromConfig(g *config.Config) (SessionConfig, error) {
	var sc SessionConfig

	deadline, err := g.DeadlineDuration()
	if err != nil {
		return sc, err
	}
	interval, err := g.CountdownDuration()
	if err != nil {
		return sc, err
	}
	backend, err := ParseBackend(g.Backend)
	if err != nil {
		return sc, err
	}

	persist := DefaultPersistConfig()
	if g.Persist != nil {
		mode, err := ParsePersistMode(g.Persist.Mode)
		if err != nil {
			return sc, err
		}
		persist.Mode = mode
		if g.Persist.Command != "" {
			persist.Command = g.Persist.Command
		}
		if g.Persist.RulesV4 != "" {
			persist.RulesV4 = g.Persist.RulesV4
		}
		if g.Persist.RulesV6 != "" {
			persist.RulesV6 = g.Persist.RulesV6
		}
	}

	return SessionConfig{
		Deadline:          deadline,
		CountdownInterval: interval,
		ProbeTargets:      g.ProbeTargets,
		BackupDir:         g.BackupDir,
		Verify: VerifyConfig{
			Backend:              backend,
			AllowForeignNFTables: g.AllowForeignNFTables,
			BackupDir:            g.BackupDir,
		},
		Persist: persist,
	}, nil
}
