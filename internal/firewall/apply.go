package firewall

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"grimm.is/portguard/internal/logging"
)

// Insertion records one rule placed in a live chain.
type Insertion struct {
	Family   Family
	Position int
	Rule     RuleSpec
}

// Applied is what a successful Apply left in the live tables.
type Applied struct {
	Insertions []Insertion
}

// For returns the rules inserted into f, in insertion order.
func (a *Applied) For(f Family) []RuleSpec {
	if a == nil {
		return nil
	}
	var out []RuleSpec
	for _, ins := range a.Insertions {
		if ins.Family == f {
			out = append(out, ins.Rule)
		}
	}
	return out
}

// Len is the number of live entries inserted.
func (a *Applied) Len() int {
	if a == nil {
		return 0
	}
	return len(a.Insertions)
}

// Applier inserts a RuleSet into the head of both INPUT chains.
type Applier struct {
	host   *Host
	retry  RetryConfig
	logger *logging.Logger
}

// NewApplier returns an applier bound to host.
func NewApplier(host *Host, logger *logging.Logger) *Applier {
	if logger == nil {
		logger = logging.Default()
	}
	return &Applier{
		host:   host,
		retry:  DefaultRetryConfig(),
		logger: logger.WithComponent("apply"),
	}
}

// SetRetry overrides the retry policy used when reverting a partial apply.
func (a *Applier) SetRetry(cfg RetryConfig) {
	a.retry = cfg
}

// Apply inserts every spec at positions 1..n of filter/INPUT, IPv4 first.
// Either all entries end up live, or none do: on the first failed insert
// every earlier insert of this call is deleted in reverse order and an
// ApplyError is returned. If that cleanup fails the error is a RollbackError
// and the returned Applied lists every insert made, so the caller can fall
// back to a snapshot restore. Apply does not check whether the rules
// already exist.
func (a *Applier) Apply(ctx context.Context, set *RuleSet) (*Applied, error) {
	applied := &Applied{}
	for _, f := range AllFamilies {
		rules := set.For(f)
		if len(rules) == 0 {
			continue
		}
		table, err := a.host.Table(f)
		if err != nil {
			return a.fail(ctx, applied, f, rules[0], err)
		}
		for i, rule := range rules {
			pos := i + 1
			if err := table.Insert(pos, rule.Args()); err != nil {
				a.logger.Error("insert failed", "family", f.String(), "rule", rule.String(), "position", pos, "error", err)
				return a.fail(ctx, applied, f, rule, err)
			}
			applied.Insertions = append(applied.Insertions, Insertion{Family: f, Position: pos, Rule: rule})
			a.logger.Audit("insert", f.String()+"/"+TableFilter+"/"+ChainInput, map[string]any{
				"rule":     rule.String(),
				"position": pos,
			})
		}
	}
	return applied, nil
}

func (a *Applier) fail(ctx context.Context, applied *Applied, f Family, rule RuleSpec, cause error) (*Applied, error) {
	err := a.revert(ctx, applied, f, rule, cause)
	var rb *RollbackError
	if errors.As(err, &rb) {
		return applied, err
	}
	return nil, err
}

// revert deletes every insertion made so far, newest first.
func (a *Applier) revert(ctx context.Context, applied *Applied, f Family, rule RuleSpec, cause error) error {
	var errs []error
	var commands []string
	var families []Family
	seen := make(map[Family]bool)

	for i := len(applied.Insertions) - 1; i >= 0; i-- {
		ins := applied.Insertions[i]
		table, err := a.host.Table(ins.Family)
		if err == nil {
			err = Retry(ctx, a.retry, func(int) error {
				return table.Delete(ins.Rule.Args())
			})
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("remove %s from %s: %w", ins.Rule, ins.Family, err))
			commands = append(commands, deleteCommand(ins.Family, ins.Rule))
			if !seen[ins.Family] {
				seen[ins.Family] = true
				families = append(families, ins.Family)
			}
			continue
		}
		a.logger.Audit("delete", ins.Family.String()+"/"+TableFilter+"/"+ChainInput, map[string]any{
			"rule":   ins.Rule.String(),
			"reason": "partial apply",
		})
	}

	if len(errs) > 0 {
		return &RollbackError{
			Families: families,
			Err:      errors.Join(append([]error{cause}, errs...)...),
			Commands: commands,
		}
	}
	return &ApplyError{Family: f, Rule: rule, Reverted: len(applied.Insertions), Err: cause}
}

// deleteCommand is the shell form of removing r from f's INPUT chain.
func deleteCommand(f Family, r RuleSpec) string {
	return fmt.Sprintf("sudo %s -t %s -D %s %s",
		f.Command(), TableFilter, ChainInput, strings.Join(r.Args(), " "))
}
