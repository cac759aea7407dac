package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    RuleSpec
		wantErr bool
	}{
		{"valid tcp", RuleSpec{Port: 902, Protocol: ProtocolTCP, Family: AddressBoth}, false},
		{"valid udp v6", RuleSpec{Port: 65535, Protocol: ProtocolUDP, Family: AddressV6}, false},
		{"port zero", RuleSpec{Port: 0, Protocol: ProtocolTCP, Family: AddressBoth}, true},
		{"port too high", RuleSpec{Port: 65536, Protocol: ProtocolTCP, Family: AddressBoth}, true},
		{"bad protocol", RuleSpec{Port: 80, Protocol: "icmp", Family: AddressBoth}, true},
		{"bad family", RuleSpec{Port: 80, Protocol: ProtocolTCP, Family: "v5"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRuleSpecArgs(t *testing.T) {
	spec := RuleSpec{Port: 8333, Protocol: ProtocolTCP, Family: AddressBoth}
	assert.Equal(t, []string{
		"-p", "tcp", "-m", "tcp", "--dport", "8333",
		"-m", "comment", "--comment", "portguard",
		"-j", "DROP",
	}, spec.Args())
	assert.Equal(t, "8333/tcp", spec.String())
}

func TestRuleSpecMatchesListing(t *testing.T) {
	spec := RuleSpec{Port: 902, Protocol: ProtocolUDP, Family: AddressBoth}

	tests := []struct {
		line string
		want bool
	}{
		{"-A INPUT -p udp -m udp --dport 902 -m comment --comment portguard -j DROP", true},
		{"-A INPUT -p udp -m udp --dport 902 -j DROP", true},
		{"-A INPUT -p tcp -m tcp --dport 902 -j DROP", false},
		{"-A INPUT -p udp -m udp --dport 902 -j ACCEPT", false},
		{"-A INPUT -p udp -m udp --dport 9020 -j DROP", false},
		{"-A FORWARD -p udp -m udp --dport 902 -j DROP", false},
		{"-P INPUT ACCEPT", false},
	}
	for _, tt := range tests {
		if got := spec.MatchesListing(tt.line); got != tt.want {
			t.Errorf("MatchesListing(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestParseProtocolAndFamily(t *testing.T) {
	p, err := ParseProtocol(" TCP ")
	require.NoError(t, err)
	assert.Equal(t, ProtocolTCP, p)

	_, err = ParseProtocol("sctp")
	assert.Error(t, err)

	for in, want := range map[string]AddressFamily{
		"v4": AddressV4, "ipv6": AddressV6, "both": AddressBoth, "": AddressBoth,
	} {
		got, err := ParseAddressFamily(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err = ParseAddressFamily("ipx")
	assert.Error(t, err)

	assert.True(t, AddressBoth.Includes(FamilyIPv6))
	assert.True(t, AddressV4.Includes(FamilyIPv4))
	assert.False(t, AddressV4.Includes(FamilyIPv6))
}

func TestNewRuleSet(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := NewRuleSet()
		assert.Error(t, err)
	})

	t.Run("duplicate in overlapping family", func(t *testing.T) {
		_, err := NewRuleSet(
			RuleSpec{Port: 902, Protocol: ProtocolTCP, Family: AddressBoth},
			RuleSpec{Port: 902, Protocol: ProtocolTCP, Family: AddressV6},
		)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicates rule 1")
	})

	t.Run("same port different family", func(t *testing.T) {
		set, err := NewRuleSet(
			RuleSpec{Port: 902, Protocol: ProtocolTCP, Family: AddressV4},
			RuleSpec{Port: 902, Protocol: ProtocolTCP, Family: AddressV6},
		)
		require.NoError(t, err)
		assert.Equal(t, 2, set.Entries())
	})

	t.Run("invalid member", func(t *testing.T) {
		_, err := NewRuleSet(RuleSpec{Port: 70000, Protocol: ProtocolTCP, Family: AddressBoth})
		assert.Error(t, err)
	})

	t.Run("vmware set", func(t *testing.T) {
		set, err := vmwareRuleSet()
		require.NoError(t, err)
		assert.Equal(t, 5, set.Len())
		assert.Equal(t, 10, set.Entries())
		assert.Equal(t, []Family{FamilyIPv4, FamilyIPv6}, set.Families())
		assert.Equal(t, set.Rules(), set.For(FamilyIPv6))
	})

	t.Run("v4 only touches one family", func(t *testing.T) {
		set, err := NewRuleSet(RuleSpec{Port: 53, Protocol: ProtocolUDP, Family: AddressV4})
		require.NoError(t, err)
		assert.Equal(t, []Family{FamilyIPv4}, set.Families())
		assert.Empty(t, set.For(FamilyIPv6))
	})
}

func TestFamilyCommands(t *testing.T) {
	assert.Equal(t, "iptables-save", FamilyIPv4.SaveCommand())
	assert.Equal(t, "ip6tables-restore", FamilyIPv6.RestoreCommand())
	assert.Equal(t, "ipv6", FamilyIPv6.String())
}
