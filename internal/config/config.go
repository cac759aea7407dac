package config

import (
	"fmt"
	"path/filepath"
	"time"

	"grimm.is/portguard/internal/brand"
)

// Config is the top-level portguard configuration.
type Config struct {
	// Deadline is how long the operator has to confirm, e.g. "5m".
	Deadline string `hcl:"deadline,optional" json:"deadline,omitempty"`
	// CountdownInterval spaces the countdown lines until the last 10 seconds.
	CountdownInterval string `hcl:"countdown_interval,optional" json:"countdown_interval,omitempty"`
	// Backend is auto, nf_tables or legacy.
	Backend              string `hcl:"backend,optional" json:"backend,omitempty"`
	AllowForeignNFTables bool   `hcl:"allow_foreign_nftables,optional" json:"allow_foreign_nftables,omitempty"`

	BackupDir       string `hcl:"backup_dir,optional" json:"backup_dir,omitempty"`
	LockFile        string `hcl:"lock_file,optional" json:"lock_file,omitempty"`
	MetricsTextfile string `hcl:"metrics_textfile,optional" json:"metrics_textfile,omitempty"`
	LogLevel        string `hcl:"log_level,optional" json:"log_level,omitempty"`

	// HistoryDB records every finished session. "off" disables it.
	HistoryDB            string `hcl:"history_db,optional" json:"history_db,omitempty"`
	HistoryRetentionDays int    `hcl:"history_retention_days,optional" json:"history_retention_days,omitempty"`

	// ProbeTargets are pinged after apply; if none answers the session
	// rolls back without waiting for the deadline.
	ProbeTargets []string `hcl:"probe_targets,optional" json:"probe_targets,omitempty"`
	ProbeTimeout string   `hcl:"probe_timeout,optional" json:"probe_timeout,omitempty"`

	Persist *PersistConfig `hcl:"persist,block" json:"persist,omitempty"`
	Rules   []Rule         `hcl:"rule,block" json:"rules,omitempty"`
}

// PersistConfig selects how committed rules are saved.
type PersistConfig struct {
	// Mode is "netfilter-persistent" or "files".
	Mode    string `hcl:"mode,optional" json:"mode,omitempty"`
	Command string `hcl:"command,optional" json:"command,omitempty"`
	RulesV4 string `hcl:"rules_v4,optional" json:"rules_v4,omitempty"`
	RulesV6 string `hcl:"rules_v6,optional" json:"rules_v6,omitempty"`
}

// Rule is one inbound deny rule.
type Rule struct {
	Name        string `hcl:"name,label" json:"name"`
	Port        int    `hcl:"port" json:"port"`
	Protocol    string `hcl:"protocol" json:"protocol"`
	Family      string `hcl:"family,optional" json:"family,omitempty"`
	Description string `hcl:"description,optional" json:"description,omitempty"`
}

// Defaults.
const (
	DefaultDeadline          = "5m"
	DefaultCountdownInterval = "30s"
	DefaultBackend           = "auto"
	DefaultProbeTimeout      = "2s"
	DefaultLogLevel          = "info"
	DefaultHistoryRetention  = 90
	HistoryDisabled          = "off"
	DefaultPersistMode       = "netfilter-persistent"
	DefaultPersistCommand    = "netfilter-persistent"
	DefaultRulesV4           = "/etc/iptables/rules.v4"
	DefaultRulesV6           = "/etc/iptables/rules.v6"
)

// DefaultRules close the VMware Workstation host services to the network.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "vmware-authd", Port: 902, Protocol: "tcp", Family: "both", Description: "VMware authorization daemon"},
		{Name: "vmware-authd-udp", Port: 902, Protocol: "udp", Family: "both", Description: "VMware authorization daemon"},
		{Name: "vmware-authd-alt", Port: 912, Protocol: "tcp", Family: "both", Description: "VMware authorization daemon (alternate)"},
		{Name: "vmware-server", Port: 8222, Protocol: "tcp", Family: "both", Description: "VMware Workstation Server"},
		{Name: "vmware-server-https", Port: 8333, Protocol: "tcp", Family: "both", Description: "VMware Workstation Server (HTTPS)"},
	}
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Deadline == "" {
		c.Deadline = DefaultDeadline
	}
	if c.CountdownInterval == "" {
		c.CountdownInterval = DefaultCountdownInterval
	}
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.ProbeTimeout == "" {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.BackupDir == "" {
		c.BackupDir = brand.DefaultBackupDir()
	}
	if c.LockFile == "" {
		c.LockFile = brand.DefaultLockPath()
	}
	if c.HistoryDB == "" {
		c.HistoryDB = brand.DefaultHistoryPath()
	}
	if c.HistoryRetentionDays == 0 {
		c.HistoryRetentionDays = DefaultHistoryRetention
	}
	if c.Persist == nil {
		c.Persist = &PersistConfig{}
	}
	if c.Persist.Mode == "" {
		c.Persist.Mode = DefaultPersistMode
	}
	if c.Persist.Command == "" {
		c.Persist.Command = DefaultPersistCommand
	}
	if c.Persist.RulesV4 == "" {
		c.Persist.RulesV4 = DefaultRulesV4
	}
	if c.Persist.RulesV6 == "" {
		c.Persist.RulesV6 = DefaultRulesV6
	}
	if len(c.Rules) == 0 {
		c.Rules = DefaultRules()
	}
	for i := range c.Rules {
		if c.Rules[i].Family == "" {
			c.Rules[i].Family = "both"
		}
	}
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// DeadlineDuration parses Deadline.
func (c *Config) DeadlineDuration() (time.Duration, error) {
	return parseDuration("deadline", c.Deadline)
}

// CountdownDuration parses CountdownInterval.
func (c *Config) CountdownDuration() (time.Duration, error) {
	return parseDuration("countdown_interval", c.CountdownInterval)
}

// ProbeTimeoutDuration parses ProbeTimeout.
func (c *Config) ProbeTimeoutDuration() (time.Duration, error) {
	return parseDuration("probe_timeout", c.ProbeTimeout)
}

// PathRelativeTo resolves a relative path against the config file's directory.
func PathRelativeTo(configPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

// HistoryEnabled reports whether sessions are recorded.
func (c *Config) HistoryEnabled() bool {
	return c.HistoryDB != "" && c.HistoryDB != HistoryDisabled
}
