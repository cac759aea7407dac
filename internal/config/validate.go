package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

var (
	validBackends     = []string{"auto", "nf_tables", "nft", "nftables", "legacy"}
	validPersistModes = []string{"netfilter-persistent", "files"}
	validProtocols    = []string{"tcp", "udp"}
	validFamilies     = []string{"v4", "ipv4", "v6", "ipv6", "both"}
	validLogLevels    = []string{"debug", "info", "warn", "warning", "error"}
)

func oneOf(v string, allowed []string) bool {
	v = strings.ToLower(v)
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if d, err := c.DeadlineDuration(); err != nil {
		errs.add("deadline", "%v", err)
	} else if d <= 0 {
		errs.add("deadline", "must be positive, got %s", c.Deadline)
	}
	if d, err := c.CountdownDuration(); err != nil {
		errs.add("countdown_interval", "%v", err)
	} else if d < time.Second {
		errs.add("countdown_interval", "must be at least 1s, got %s", c.CountdownInterval)
	}
	if d, err := c.ProbeTimeoutDuration(); err != nil {
		errs.add("probe_timeout", "%v", err)
	} else if d <= 0 {
		errs.add("probe_timeout", "must be positive, got %s", c.ProbeTimeout)
	}

	if !oneOf(c.Backend, validBackends) {
		errs.add("backend", "unsupported backend %q", c.Backend)
	}
	if !oneOf(c.LogLevel, validLogLevels) {
		errs.add("log_level", "unsupported level %q", c.LogLevel)
	}
	if c.BackupDir == "" {
		errs.add("backup_dir", "must not be empty")
	}
	if c.LockFile == "" {
		errs.add("lock_file", "must not be empty")
	}

	if c.HistoryRetentionDays < 0 {
		errs.add("history_retention_days", "must not be negative, got %d", c.HistoryRetentionDays)
	}

	if c.Persist != nil {
		if !oneOf(c.Persist.Mode, validPersistModes) {
			errs.add("persist.mode", "unsupported mode %q", c.Persist.Mode)
		}
		if c.Persist.Mode == "files" && (c.Persist.RulesV4 == "" || c.Persist.RulesV6 == "") {
			errs.add("persist", "files mode needs rules_v4 and rules_v6")
		}
	}

	if len(c.Rules) == 0 {
		errs.add("rule", "at least one rule is required")
	}
	names := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		field := fmt.Sprintf("rule %q", r.Name)
		if names[r.Name] {
			errs.add(field, "duplicate rule name")
		}
		names[r.Name] = true
		if r.Port < 1 || r.Port > 65535 {
			errs.add(field, "port %d out of range 1-65535", r.Port)
		}
		if !oneOf(r.Protocol, validProtocols) {
			errs.add(field, "unsupported protocol %q", r.Protocol)
		}
		if r.Family != "" && !oneOf(r.Family, validFamilies) {
			errs.add(field, "unsupported family %q", r.Family)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
