package firewall

import (
	"fmt"
)

// RuleTable is the live filter/INPUT chain of one address family.
// Positions are 1-based, as in `iptables -I INPUT <pos>`.
type RuleTable interface {
	Family() Family
	// List returns the chain in `iptables -S INPUT` form, policy line first.
	List() ([]string, error)
	Insert(pos int, args []string) error
	Exists(args []string) (bool, error)
	// Delete removes one exact rule; it fails if the rule is absent.
	Delete(args []string) error
}

// Host bundles everything a session touches on the machine it runs on.
type Host struct {
	Runner CommandRunner
	Tables map[Family]RuleTable
	// NFTables lists native nftables tables. Nil when unavailable.
	NFTables TableLister
	// Geteuid reports the effective uid the session runs with. Nil means
	// the current process.
	Geteuid func() int
}

// Table returns the rule table for f.
func (h *Host) Table(f Family) (RuleTable, error) {
	t, ok := h.Tables[f]
	if !ok || t == nil {
		return nil, fmt.Errorf("no %s rule table configured", f)
	}
	return t, nil
}
