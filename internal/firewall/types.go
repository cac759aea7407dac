package firewall

import (
	"fmt"
	"strconv"
	"strings"
)

// Every rule portguard manages lives in the filter table's INPUT chain and
// carries the same comment so it can be told apart from hand-written rules.
const (
	TableFilter = "filter"
	ChainInput  = "INPUT"
	TargetDrop  = "DROP"
	CommentTag  = "portguard"
)

// Family is a single packet-filter address family.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// AllFamilies lists families in apply order: IPv4 first, then IPv6.
var AllFamilies = []Family{FamilyIPv4, FamilyIPv6}

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// Command is the rule manipulation binary for the family.
func (f Family) Command() string {
	if f == FamilyIPv6 {
		return "ip6tables"
	}
	return "iptables"
}

// SaveCommand dumps every table of the family in one invocation.
func (f Family) SaveCommand() string {
	return f.Command() + "-save"
}

// RestoreCommand atomically replaces tables from a save dump on stdin.
func (f Family) RestoreCommand() string {
	return f.Command() + "-restore"
}

// Protocol is a transport protocol a RuleSpec can match.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ParseProtocol accepts "tcp" or "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case ProtocolTCP:
		return ProtocolTCP, nil
	case ProtocolUDP:
		return ProtocolUDP, nil
	}
	return "", fmt.Errorf("unsupported protocol %q (want tcp or udp)", s)
}

// AddressFamily selects which families a RuleSpec is inserted into.
type AddressFamily string

const (
	AddressV4   AddressFamily = "v4"
	AddressV6   AddressFamily = "v6"
	AddressBoth AddressFamily = "both"
)

// ParseAddressFamily accepts v4, v6, both (and ipv4/ipv6 spellings).
func ParseAddressFamily(s string) (AddressFamily, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "v4", "ipv4", "4":
		return AddressV4, nil
	case "v6", "ipv6", "6":
		return AddressV6, nil
	case "", "both", "all":
		return AddressBoth, nil
	}
	return "", fmt.Errorf("unsupported address family %q (want v4, v6 or both)", s)
}

// Includes reports whether rules of this address family go into f.
func (a AddressFamily) Includes(f Family) bool {
	switch a {
	case AddressBoth:
		return true
	case AddressV4:
		return f == FamilyIPv4
	case AddressV6:
		return f == FamilyIPv6
	}
	return false
}

// RuleSpec describes one inbound deny rule. It is a value type; callers
// never mutate one after it has been placed in a RuleSet.
type RuleSpec struct {
	Port        int
	Protocol    Protocol
	Family      AddressFamily
	Description string
}

// Validate checks port range, protocol and family.
func (r RuleSpec) Validate() error {
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", r.Port)
	}
	if _, err := ParseProtocol(string(r.Protocol)); err != nil {
		return err
	}
	switch r.Family {
	case AddressV4, AddressV6, AddressBoth:
	default:
		return fmt.Errorf("unsupported address family %q", r.Family)
	}
	return nil
}

func (r RuleSpec) String() string {
	return fmt.Sprintf("%d/%s", r.Port, r.Protocol)
}

// Args renders the iptables rulespec, excluding table and chain.
func (r RuleSpec) Args() []string {
	proto := string(r.Protocol)
	return []string{
		"-p", proto,
		"-m", proto,
		"--dport", strconv.Itoa(r.Port),
		"-m", "comment", "--comment", CommentTag,
		"-j", TargetDrop,
	}
}

// MatchesListing reports whether a line of `iptables -S INPUT` drops the
// same protocol and destination port, regardless of comment or match order.
func (r RuleSpec) MatchesListing(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "-A" || fields[1] != ChainInput {
		return false
	}
	var proto, dport, target string
	for i := 2; i < len(fields)-1; i++ {
		switch fields[i] {
		case "-p", "--protocol":
			proto = fields[i+1]
		case "--dport", "--destination-port":
			dport = fields[i+1]
		case "-j", "--jump":
			target = fields[i+1]
		}
	}
	return proto == string(r.Protocol) && dport == strconv.Itoa(r.Port) && target == TargetDrop
}

type ruleKey struct {
	port     int
	protocol Protocol
	family   Family
}

// RuleSet is the ordered set of rules one deployment session inserts.
// Order is insertion order; two specs that would insert the same
// (port, protocol) pair into the same family are rejected.
type RuleSet struct {
	rules []RuleSpec
}

// NewRuleSet validates specs and rejects duplicates.
func NewRuleSet(specs ...RuleSpec) (*RuleSet, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("rule set is empty")
	}
	seen := make(map[ruleKey]int, len(specs)*2)
	rules := make([]RuleSpec, 0, len(specs))
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i+1, spec, err)
		}
		for _, f := range AllFamilies {
			if !spec.Family.Includes(f) {
				continue
			}
			key := ruleKey{spec.Port, spec.Protocol, f}
			if prev, dup := seen[key]; dup {
				return nil, fmt.Errorf("rule %d (%s) duplicates rule %d for %s", i+1, spec, prev+1, f)
			}
			seen[key] = i
		}
		rules = append(rules, spec)
	}
	return &RuleSet{rules: rules}, nil
}

// Rules returns a copy of the specs in insertion order.
func (s *RuleSet) Rules() []RuleSpec {
	out := make([]RuleSpec, len(s.rules))
	copy(out, s.rules)
	return out
}

// Len is the number of specs.
func (s *RuleSet) Len() int {
	return len(s.rules)
}

// For returns the specs that go into family f, in insertion order.
func (s *RuleSet) For(f Family) []RuleSpec {
	var out []RuleSpec
	for _, r := range s.rules {
		if r.Family.Includes(f) {
			out = append(out, r)
		}
	}
	return out
}

// Families returns the families touched by at least one spec.
func (s *RuleSet) Families() []Family {
	var out []Family
	for _, f := range AllFamilies {
		if len(s.For(f)) > 0 {
			out = append(out, f)
		}
	}
	return out
}

// Entries is the number of live rules a full apply inserts.
func (s *RuleSet) Entries() int {
	n := 0
	for _, f := range AllFamilies {
		n += len(s.For(f))
	}
	return n
}
