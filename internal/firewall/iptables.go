package firewall

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
)

// iptablesWaitSeconds bounds how long a rule command waits for the xtables lock.
const iptablesWaitSeconds = 10

// IPTablesTable drives one family's INPUT chain through go-iptables.
type IPTablesTable struct {
	family Family
	ipt    *iptables.IPTables
}

// NewIPTablesTable opens the iptables or ip6tables binary for f.
func NewIPTablesTable(f Family) (*IPTablesTable, error) {
	proto := iptables.ProtocolIPv4
	if f == FamilyIPv6 {
		proto = iptables.ProtocolIPv6
	}
	ipt, err := iptables.New(iptables.IPFamily(proto), iptables.Timeout(iptablesWaitSeconds))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Command(), err)
	}
	return &IPTablesTable{family: f, ipt: ipt}, nil
}

func (t *IPTablesTable) Family() Family { return t.family }

func (t *IPTablesTable) List() ([]string, error) {
	return t.ipt.List(TableFilter, ChainInput)
}

func (t *IPTablesTable) Insert(pos int, args []string) error {
	return t.ipt.Insert(TableFilter, ChainInput, pos, args...)
}

func (t *IPTablesTable) Exists(args []string) (bool, error) {
	return t.ipt.Exists(TableFilter, ChainInput, args...)
}

func (t *IPTablesTable) Delete(args []string) error {
	return t.ipt.Delete(TableFilter, ChainInput, args...)
}

// Version reports the binary's version triple, e.g. 1.8.7.
func (t *IPTablesTable) Version() (int, int, int) {
	return t.ipt.GetIptablesVersion()
}

// NewLinuxHost wires the real iptables binaries, the exec runner and,
// where the kernel allows it, a netlink nftables connection.
func NewLinuxHost() (*Host, error) {
	host := &Host{
		Runner: DefaultCommandRunner,
		Tables: make(map[Family]RuleTable, len(AllFamilies)),
	}
	for _, f := range AllFamilies {
		t, err := NewIPTablesTable(f)
		if err != nil {
			return nil, err
		}
		host.Tables[f] = t
	}
	host.NFTables = openNFTables()
	return host, nil
}
