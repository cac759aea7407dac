package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"grimm.is/portguard/internal/firewall"
)

// memHost is an in-memory filter table for both families, enough to drive
// a whole session through the CLI.
type memHost struct {
	mu       sync.Mutex
	policy   map[firewall.Family]string
	input    map[firewall.Family][][]string
	saves    int
	restores map[firewall.Family]int
	runs     [][]string
}

func newMemHost() *memHost {
	return &memHost{
		policy:   map[firewall.Family]string{firewall.FamilyIPv4: "ACCEPT", firewall.FamilyIPv6: "ACCEPT"},
		input:    map[firewall.Family][][]string{},
		restores: map[firewall.Family]int{},
	}
}

// install makes newHost return h for the rest of the test.
func (h *memHost) install(t *testing.T) {
	t.Helper()
	prev := newHost
	newHost = func() (*firewall.Host, error) {
		return &firewall.Host{
			Runner: h,
			Tables: map[firewall.Family]firewall.RuleTable{
				firewall.FamilyIPv4: &memTable{h: h, f: firewall.FamilyIPv4},
				firewall.FamilyIPv6: &memTable{h: h, f: firewall.FamilyIPv6},
			},
			Geteuid: func() int { return 0 },
		}, nil
	}
	t.Cleanup(func() { newHost = prev })
}

func (h *memHost) seed(f firewall.Family, args ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.input[f] = append(h.input[f], args)
}

func (h *memHost) chain(f firewall.Family) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.input[f]))
	for i, r := range h.input[f] {
		out[i] = strings.Join(r, " ")
	}
	return out
}

func (h *memHost) restoreCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restores[firewall.FamilyIPv4] + h.restores[firewall.FamilyIPv6]
}

func memFamily(cmd string) firewall.Family {
	if strings.HasPrefix(cmd, "ip6tables") {
		return firewall.FamilyIPv6
	}
	return firewall.FamilyIPv4
}

func (h *memHost) dump(f firewall.Family) []byte {
	h.saves++
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Generated by %s on call %d\n", f.SaveCommand(), h.saves)
	b.WriteString("*filter\n")
	fmt.Fprintf(&b, ":%s %s [%d:0]\n", firewall.ChainInput, h.policy[f], h.saves)
	b.WriteString(":FORWARD ACCEPT [0:0]\n:OUTPUT ACCEPT [0:0]\n")
	for _, r := range h.input[f] {
		fmt.Fprintf(&b, "-A %s %s\n", firewall.ChainInput, strings.Join(r, " "))
	}
	b.WriteString("COMMIT\n")
	return b.Bytes()
}

func (h *memHost) Run(_ context.Context, name string, args ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, append([]string{name}, args...))
	return nil
}

func (h *memHost) RunInput(_ context.Context, input []byte, name string, _ ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := memFamily(name)
	h.restores[f]++
	var (
		policy string
		rules  [][]string
	)
	sc := bufio.NewScanner(bytes.NewReader(input))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, ":"+firewall.ChainInput+" "):
			policy = strings.Fields(line)[1]
		case strings.HasPrefix(line, "-A "+firewall.ChainInput+" "):
			rules = append(rules, strings.Fields(line)[2:])
		}
	}
	if policy == "" {
		return errors.New("restore: no INPUT chain in input")
	}
	h.policy[f] = policy
	h.input[f] = rules
	return nil
}

func (h *memHost) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case strings.HasSuffix(name, "-save"):
		return h.dump(memFamily(name)), nil
	case len(args) == 1 && args[0] == "--version":
		return []byte(name + " v1.8.9 (nf_tables)\n"), nil
	}
	return nil, fmt.Errorf("unexpected command %s %v", name, args)
}

func (h *memHost) LookPath(name string) (string, error) {
	return "/usr/sbin/" + name, nil
}

type memTable struct {
	h *memHost
	f firewall.Family
}

func (t *memTable) Family() firewall.Family { return t.f }

func (t *memTable) List() ([]string, error) {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	lines := []string{fmt.Sprintf("-P %s %s", firewall.ChainInput, t.h.policy[t.f])}
	for _, r := range t.h.input[t.f] {
		lines = append(lines, fmt.Sprintf("-A %s %s", firewall.ChainInput, strings.Join(r, " ")))
	}
	return lines, nil
}

func (t *memTable) Insert(pos int, args []string) error {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	chain := t.h.input[t.f]
	if pos < 1 || pos > len(chain)+1 {
		return fmt.Errorf("%s: index of insertion too big", t.f.Command())
	}
	t.h.input[t.f] = slices.Insert(chain, pos-1, slices.Clone(args))
	return nil
}

func (t *memTable) Exists(args []string) (bool, error) {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	for _, r := range t.h.input[t.f] {
		if slices.Equal(r, args) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTable) Delete(args []string) error {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	for i, r := range t.h.input[t.f] {
		if slices.Equal(r, args) {
			t.h.input[t.f] = slices.Delete(t.h.input[t.f], i, i+1)
			return nil
		}
	}
	return fmt.Errorf("%s: Bad rule (does a matching rule exist in that chain?)", t.f.Command())
}

// syncBuffer is written by the session goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
