package firewall

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"grimm.is/portguard/internal/logging"
)

// Backend is the kernel interface the iptables binaries drive.
type Backend string

const (
	BackendAuto     Backend = "auto"
	BackendNFTables Backend = "nf_tables"
	BackendLegacy   Backend = "legacy"
)

// ParseBackend accepts auto, nf_tables (or nft) and legacy.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return BackendAuto, nil
	case "nf_tables", "nft", "nftables":
		return BackendNFTables, nil
	case "legacy":
		return BackendLegacy, nil
	}
	return "", fmt.Errorf("unsupported backend %q (want auto, nf_tables or legacy)", s)
}

// Check names, in the order Verify runs them.
const (
	CheckRoot       = "root"
	CheckCommands   = "commands"
	CheckBackend    = "backend"
	CheckFormat     = "chain format"
	CheckBackups    = "stale backups"
	CheckIdempotent = "rules absent"
)

// CheckResult is one line of a verification report.
type CheckResult struct {
	Name   string
	OK     bool
	Detail string
}

// Report lists the checks Verify ran. Checks after the first failure are
// not run.
type Report struct {
	Checks  []CheckResult
	Backend Backend
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return len(r.Checks) > 0
}

// Failed returns the failing check, if any.
func (r *Report) Failed() *CheckResult {
	for i := range r.Checks {
		if !r.Checks[i].OK {
			return &r.Checks[i]
		}
	}
	return nil
}

// VerifyConfig tunes the EnvironmentVerifier.
type VerifyConfig struct {
	Backend              Backend
	AllowForeignNFTables bool
	BackupDir            string
	// ExtraCommands must also be on $PATH (the persistence command).
	ExtraCommands []string
}

// Verifier checks every precondition of a deployment. It never mutates
// the host.
type Verifier struct {
	host    *Host
	set     *RuleSet
	cfg     VerifyConfig
	logger  *logging.Logger
	geteuid func() int
}

// NewVerifier returns a verifier for deploying set on host.
func NewVerifier(host *Host, set *RuleSet, cfg VerifyConfig, logger *logging.Logger) *Verifier {
	if cfg.Backend == "" {
		cfg.Backend = BackendAuto
	}
	if logger == nil {
		logger = logging.Default()
	}
	geteuid := unix.Geteuid
	if host.Geteuid != nil {
		geteuid = host.Geteuid
	}
	return &Verifier{
		host:    host,
		set:     set,
		cfg:     cfg,
		logger:  logger.WithComponent("verify"),
		geteuid: geteuid,
	}
}

// Verify runs the checks in order and stops at the first failure, which is
// returned as a *ConfigurationError alongside the partial report.
func (v *Verifier) Verify(ctx context.Context) (*Report, error) {
	report := &Report{}
	checks := []struct {
		name string
		fn   func(context.Context, *Report) (string, error)
	}{
		{CheckRoot, v.checkRoot},
		{CheckCommands, v.checkCommands},
		{CheckBackend, v.checkBackend},
		{CheckFormat, v.checkFormat},
		{CheckBackups, v.checkBackups},
		{CheckIdempotent, v.checkAbsent},
	}

	for _, c := range checks {
		detail, err := c.fn(ctx, report)
		if err != nil {
			report.Checks = append(report.Checks, CheckResult{Name: c.name, Detail: err.Error()})
			v.logger.Warn("verification refused", "check", c.name, "reason", err)
			return report, &ConfigurationError{Check: c.name, Err: err}
		}
		report.Checks = append(report.Checks, CheckResult{Name: c.name, OK: true, Detail: detail})
		v.logger.Debug("check passed", "check", c.name, "detail", detail)
	}
	return report, nil
}

func (v *Verifier) checkRoot(context.Context, *Report) (string, error) {
	if uid := v.geteuid(); uid != 0 {
		return "", fmt.Errorf("must run as root (euid %d)", uid)
	}
	return "running as root", nil
}

// RequiredCommands lists every binary a deployment runs.
func RequiredCommands(extra ...string) []string {
	var cmds []string
	for _, f := range AllFamilies {
		cmds = append(cmds, f.Command(), f.SaveCommand(), f.RestoreCommand())
	}
	return append(cmds, extra...)
}

func (v *Verifier) checkCommands(context.Context, *Report) (string, error) {
	var missing []string
	cmds := RequiredCommands(v.cfg.ExtraCommands...)
	for _, name := range cmds {
		if _, err := v.host.Runner.LookPath(name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("required commands not found: %s", strings.Join(missing, ", "))
	}
	return fmt.Sprintf("%d commands found", len(cmds)), nil
}

// parseBackend extracts the backend from `iptables --version` output,
// e.g. "iptables v1.8.7 (nf_tables)".
func parseBackend(out string) (Backend, error) {
	out = strings.TrimSpace(out)
	lo, hi := strings.LastIndex(out, "("), strings.LastIndex(out, ")")
	if lo < 0 || hi < lo {
		if strings.HasPrefix(out, "iptables v") || strings.HasPrefix(out, "ip6tables v") {
			// Versions before 1.8 only had the legacy backend and did not say so.
			return BackendLegacy, nil
		}
		return "", fmt.Errorf("unrecognised version output %q", out)
	}
	switch Backend(out[lo+1 : hi]) {
	case BackendNFTables:
		return BackendNFTables, nil
	case BackendLegacy:
		return BackendLegacy, nil
	}
	return "", fmt.Errorf("unknown backend %q", out[lo+1:hi])
}

func (v *Verifier) checkBackend(ctx context.Context, report *Report) (string, error) {
	var backend Backend
	for _, f := range AllFamilies {
		out, err := v.host.Runner.Output(ctx, f.Command(), "--version")
		if err != nil {
			return "", fmt.Errorf("%s --version: %w", f.Command(), err)
		}
		b, err := parseBackend(string(out))
		if err != nil {
			return "", fmt.Errorf("%s: %w", f.Command(), err)
		}
		if backend != "" && b != backend {
			return "", fmt.Errorf("iptables uses %s but ip6tables uses %s", backend, b)
		}
		backend = b
	}
	if v.cfg.Backend != BackendAuto && v.cfg.Backend != backend {
		return "", fmt.Errorf("backend is %s, configured %s", backend, v.cfg.Backend)
	}
	report.Backend = backend

	if backend == BackendNFTables && v.host.NFTables != nil {
		foreign, err := foreignNFTables(v.host.NFTables)
		if err != nil {
			return "", fmt.Errorf("list nftables tables: %w", err)
		}
		if len(foreign) > 0 {
			names := make([]string, len(foreign))
			for i, t := range foreign {
				names[i] = t.Family + " " + t.Name
			}
			if !v.cfg.AllowForeignNFTables {
				return "", fmt.Errorf("native nftables tables present that iptables-save does not capture: %s",
					strings.Join(names, ", "))
			}
			return fmt.Sprintf("%s (foreign tables allowed: %s)", backend, strings.Join(names, ", ")), nil
		}
	}
	return string(backend), nil
}

// checkListing validates `-S INPUT` output: policy first, then appends.
func checkListing(lines []string) error {
	if len(lines) == 0 {
		return errors.New("empty listing")
	}
	policy := strings.Fields(lines[0])
	if len(policy) != 3 || policy[0] != "-P" || policy[1] != ChainInput {
		return fmt.Errorf("first line is not the %s policy: %q", ChainInput, lines[0])
	}
	if policy[2] != "ACCEPT" && policy[2] != TargetDrop {
		return fmt.Errorf("unsupported %s policy %q", ChainInput, policy[2])
	}
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, "-A "+ChainInput+" ") {
			return fmt.Errorf("unexpected line %q", line)
		}
	}
	return nil
}

func (v *Verifier) checkFormat(context.Context, *Report) (string, error) {
	var parts []string
	for _, f := range AllFamilies {
		table, err := v.host.Table(f)
		if err != nil {
			return "", err
		}
		lines, err := table.List()
		if err != nil {
			return "", fmt.Errorf("%s -S %s: %w", f.Command(), ChainInput, err)
		}
		if err := checkListing(lines); err != nil {
			return "", fmt.Errorf("%s -S %s: %w", f.Command(), ChainInput, err)
		}
		parts = append(parts, fmt.Sprintf("%s %d rules", f, len(lines)-1))
	}
	return strings.Join(parts, ", "), nil
}

func (v *Verifier) checkBackups(context.Context, *Report) (string, error) {
	stale, err := FindStaleBackups(v.cfg.BackupDir)
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", v.cfg.BackupDir, err)
	}
	if len(stale) > 0 {
		paths := make([]string, len(stale))
		for i, b := range stale {
			paths[i] = b.Path
		}
		return "", fmt.Errorf("backups from an unfinished session exist (run `recover` or remove them): %s",
			strings.Join(paths, ", "))
	}
	return "none", nil
}

func (v *Verifier) checkAbsent(context.Context, *Report) (string, error) {
	var present []string
	for _, f := range AllFamilies {
		rules := v.set.For(f)
		if len(rules) == 0 {
			continue
		}
		table, err := v.host.Table(f)
		if err != nil {
			return "", err
		}
		lines, err := table.List()
		if err != nil {
			return "", fmt.Errorf("%s -S %s: %w", f.Command(), ChainInput, err)
		}
		for _, rule := range rules {
			for _, line := range lines {
				if rule.MatchesListing(line) {
					present = append(present, fmt.Sprintf("%s %s", f, rule))
					break
				}
			}
		}
	}
	if len(present) > 0 {
		return "", fmt.Errorf("rules already present: %s", strings.Join(present, ", "))
	}
	return fmt.Sprintf("%d entries to insert", v.set.Entries()), nil
}
