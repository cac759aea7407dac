package firewall

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// fakeHost is an in-memory filter table for both families. It implements
// CommandRunner (the *-save/-restore binaries) and backs the RuleTables
// returned by host().
type fakeHost struct {
	mu sync.Mutex

	policy map[Family]string
	input  map[Family][][]string
	// forward holds -A FORWARD lines that only appear in save dumps.
	forward map[Family][]string

	version  string
	missing  map[string]bool
	saves    map[Family]int
	restores map[Family]int
	runs     [][]string

	// failInsertAt fails the nth insert (1-based) into a family.
	failInsertAt map[Family]int
	inserts      map[Family]int
	deleteErr    error
	// restoreFailures fails that many restores before succeeding; -1 fails all.
	restoreFailures int
	saveErr         error
	runErr          error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		policy:       map[Family]string{FamilyIPv4: "ACCEPT", FamilyIPv6: "ACCEPT"},
		input:        map[Family][][]string{},
		forward:      map[Family][]string{},
		version:      "v1.8.7 (nf_tables)",
		missing:      map[string]bool{},
		saves:        map[Family]int{},
		restores:     map[Family]int{},
		failInsertAt: map[Family]int{},
		inserts:      map[Family]int{},
	}
}

// seed appends an existing rule to a family's INPUT chain.
func (h *fakeHost) seed(f Family, args ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.input[f] = append(h.input[f], args)
}

func (h *fakeHost) host() *Host {
	return &Host{
		Runner: h,
		Tables: map[Family]RuleTable{
			FamilyIPv4: &fakeTable{h: h, f: FamilyIPv4},
			FamilyIPv6: &fakeTable{h: h, f: FamilyIPv6},
		},
	}
}

// chain returns a copy of the INPUT rules of f.
func (h *fakeHost) chain(f Family) [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]string, len(h.input[f]))
	for i, r := range h.input[f] {
		out[i] = slices.Clone(r)
	}
	return out
}

func familyOf(cmd string) Family {
	if strings.HasPrefix(cmd, "ip6tables") {
		return FamilyIPv6
	}
	return FamilyIPv4
}

// dump renders an iptables-save style document. Counters change on every
// call so callers must normalise before comparing.
func (h *fakeHost) dump(f Family) []byte {
	h.saves[f]++
	n := h.saves[f]
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Generated by %s v1.8.7 on call %d\n", f.SaveCommand(), n)
	b.WriteString("*filter\n")
	fmt.Fprintf(&b, ":%s %s [%d:%d]\n", ChainInput, h.policy[f], n*3, n*300)
	b.WriteString(":FORWARD DROP [0:0]\n")
	b.WriteString(":OUTPUT ACCEPT [0:0]\n")
	for _, r := range h.input[f] {
		fmt.Fprintf(&b, "-A %s %s\n", ChainInput, strings.Join(r, " "))
	}
	for _, line := range h.forward[f] {
		b.WriteString(line + "\n")
	}
	b.WriteString("COMMIT\n")
	fmt.Fprintf(&b, "# Completed on call %d\n", n)
	return b.Bytes()
}

func (h *fakeHost) load(f Family, input []byte) error {
	var (
		policy  string
		rules   [][]string
		forward []string
	)
	sc := bufio.NewScanner(bytes.NewReader(input))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, ":"+ChainInput+" "):
			policy = strings.Fields(line)[1]
		case strings.HasPrefix(line, "-A "+ChainInput+" "):
			rules = append(rules, strings.Fields(line)[2:])
		case strings.HasPrefix(line, "-A "):
			forward = append(forward, line)
		}
	}
	if policy == "" {
		return errors.New("restore: no INPUT chain in input")
	}
	h.policy[f] = policy
	h.input[f] = rules
	h.forward[f] = forward
	return nil
}

func (h *fakeHost) Run(_ context.Context, name string, args ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, append([]string{name}, args...))
	return h.runErr
}

func (h *fakeHost) RunInput(_ context.Context, input []byte, name string, args ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !strings.HasSuffix(name, "-restore") {
		return fmt.Errorf("unexpected command %s", name)
	}
	f := familyOf(name)
	h.restores[f]++
	if h.restoreFailures < 0 || h.restores[f] <= h.restoreFailures {
		return fmt.Errorf("%s: line 3 failed", name)
	}
	return h.load(f, input)
}

func (h *fakeHost) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case strings.HasSuffix(name, "-save"):
		if h.saveErr != nil {
			return nil, h.saveErr
		}
		return h.dump(familyOf(name)), nil
	case len(args) == 1 && args[0] == "--version":
		return []byte(fmt.Sprintf("%s %s\n", name, h.version)), nil
	}
	return nil, fmt.Errorf("unexpected command %s %v", name, args)
}

func (h *fakeHost) LookPath(name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.missing[name] {
		return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
	}
	return "/usr/sbin/" + name, nil
}

type fakeTable struct {
	h *fakeHost
	f Family
}

func (t *fakeTable) Family() Family { return t.f }

func (t *fakeTable) List() ([]string, error) {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	lines := []string{fmt.Sprintf("-P %s %s", ChainInput, t.h.policy[t.f])}
	for _, r := range t.h.input[t.f] {
		lines = append(lines, fmt.Sprintf("-A %s %s", ChainInput, strings.Join(r, " ")))
	}
	return lines, nil
}

func (t *fakeTable) Insert(pos int, args []string) error {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	t.h.inserts[t.f]++
	if at := t.h.failInsertAt[t.f]; at > 0 && t.h.inserts[t.f] == at {
		return fmt.Errorf("%s: RULE_INSERT failed (Invalid argument)", t.f.Command())
	}
	chain := t.h.input[t.f]
	if pos < 1 || pos > len(chain)+1 {
		return fmt.Errorf("%s: index of insertion too big", t.f.Command())
	}
	t.h.input[t.f] = slices.Insert(chain, pos-1, slices.Clone(args))
	return nil
}

func (t *fakeTable) Exists(args []string) (bool, error) {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	for _, r := range t.h.input[t.f] {
		if slices.Equal(r, args) {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeTable) Delete(args []string) error {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	if t.h.deleteErr != nil {
		return t.h.deleteErr
	}
	for i, r := range t.h.input[t.f] {
		if slices.Equal(r, args) {
			t.h.input[t.f] = slices.Delete(t.h.input[t.f], i, i+1)
			return nil
		}
	}
	return fmt.Errorf("%s: Bad rule (does a matching rule exist in that chain?)", t.f.Command())
}

// fastRetry keeps retry loops in tests short.
var fastRetry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

var sshAllow = []string{"-p", "tcp", "-m", "tcp", "--dport", "22", "-j", "ACCEPT"}

func vmwareRuleSet() (*RuleSet, error) {
	return NewRuleSet(
		RuleSpec{Port: 902, Protocol: ProtocolTCP, Family: AddressBoth, Description: "VMware auth daemon"},
		RuleSpec{Port: 902, Protocol: ProtocolUDP, Family: AddressBoth, Description: "VMware auth daemon"},
		RuleSpec{Port: 912, Protocol: ProtocolTCP, Family: AddressBoth, Description: "VMware auth daemon (alt)"},
		RuleSpec{Port: 8222, Protocol: ProtocolTCP, Family: AddressBoth, Description: "VMware Workstation Server"},
		RuleSpec{Port: 8333, Protocol: ProtocolTCP, Family: AddressBoth, Description: "VMware Workstation Server (HTTPS)"},
	)
}
