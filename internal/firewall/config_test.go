package firewall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/portguard/internal/config"
)

func TestRuleSetFromDefaultConfig(t *testing.T) {
	set, err := RuleSetFromConfig(config.Default())
	require.NoError(t, err)

	want, err := vmwareRuleSet()
	require.NoError(t, err)
	assert.Equal(t, want.Len(), set.Len())
	assert.Equal(t, 10, set.Entries())
	for i, r := range set.Rules() {
		assert.Equal(t, want.Rules()[i].Port, r.Port)
		assert.Equal(t, want.Rules()[i].Protocol, r.Protocol)
	}
}

func TestRuleSetFromConfigRejectsOverlap(t *testing.T) {
	g := config.Default()
	g.Rules = []config.Rule{
		{Name: "a", Port: 53, Protocol: "udp", Family: "both"},
		{Name: "b", Port: 53, Protocol: "udp", Family: "v4"},
	}
	_, err := RuleSetFromConfig(g)
	assert.Error(t, err)
}

func TestSessionConfigFromConfig(t *testing.T) {
	g, err := config.LoadBytes("t.hcl", []byte(`
deadline = "2m"
backend = "nft"
allow_foreign_nftables = true
backup_dir = "/tmp/pg"
persist {
  mode = "files"
  rules_v4 = "/tmp/r4"
}
`))
	require.NoError(t, err)

	sc, err := SessionConfigFromConfig(g)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, sc.Deadline)
	assert.Equal(t, DefaultCountdownInterval, sc.CountdownInterval)
	assert.Equal(t, BackendNFTables, sc.Verify.Backend)
	assert.True(t, sc.Verify.AllowForeignNFTables)
	assert.Equal(t, "/tmp/pg", sc.BackupDir)
	assert.Equal(t, PersistFiles, sc.Persist.Mode)
	assert.Equal(t, "/tmp/r4", sc.Persist.RulesV4)
	assert.Equal(t, "/etc/iptables/rules.v6", sc.Persist.RulesV6)
}
