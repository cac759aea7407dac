package firewall

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/portguard/internal/clock"
	"grimm.is/portguard/internal/logging"
)

func newTestStore(t *testing.T, fh *fakeHost, dir string) *SnapshotStore {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewSnapshotStore(fh.host(), dir, "test-session", clk, logging.Discard())
	s.SetRetry(fastRetry)
	return s
}

func TestCaptureSingleInvocationAndBackup(t *testing.T) {
	fh := newFakeHost()
	fh.seed(FamilyIPv4, sshAllow...)
	dir := filepath.Join(t.TempDir(), "backups")
	store := newTestStore(t, fh, dir)

	snap, err := store.Capture(t.Context(), FamilyIPv4)
	require.NoError(t, err)

	assert.Equal(t, 1, fh.saves[FamilyIPv4])
	assert.Equal(t, 0, fh.saves[FamilyIPv6])
	assert.Equal(t, FamilyIPv4, snap.Family)
	assert.Equal(t, BackupPath(dir, "test-session", FamilyIPv4), snap.Path)

	data, err := os.ReadFile(snap.Path)
	require.NoError(t, err)
	assert.Equal(t, snap.Raw, data)

	info, err := os.Stat(snap.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCaptureFailure(t *testing.T) {
	fh := newFakeHost()
	fh.saveErr = assert.AnError
	store := newTestStore(t, fh, t.TempDir())

	_, err := store.Capture(t.Context(), FamilyIPv6)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestNormalizeDump(t *testing.T) {
	a := "# Generated by iptables-save v1.8.7 on Mon\n*filter\n:INPUT ACCEPT [10:2000]\n-A INPUT -j DROP  \nCOMMIT\n# Completed\n"
	b := "# Generated by iptables-save v1.8.7 on Tue\n*filter\n:INPUT ACCEPT [99:12345]\n-A INPUT -j DROP\nCOMMIT\n"
	assert.Equal(t, normalizeDump([]byte(a)), normalizeDump([]byte(b)))
	assert.Equal(t, "*filter\n:INPUT ACCEPT [0:0]\n-A INPUT -j DROP\nCOMMIT\n", normalizeDump([]byte(a)))
}

// Snapshot, change, restore, snapshot again: the two dumps must match.
func TestSnapshotRoundTrip(t *testing.T) {
	fh := newFakeHost()
	fh.seed(FamilyIPv4, sshAllow...)
	fh.forward[FamilyIPv4] = []string{"-A FORWARD -i docker0 -j ACCEPT"}
	store := newTestStore(t, fh, t.TempDir())
	ctx := t.Context()

	before, err := store.Capture(ctx, FamilyIPv4)
	require.NoError(t, err)

	spec := RuleSpec{Port: 902, Protocol: ProtocolTCP, Family: AddressBoth}
	require.NoError(t, fh.host().Tables[FamilyIPv4].Insert(1, spec.Args()))
	fh.policy[FamilyIPv4] = "DROP"

	require.NoError(t, store.Restore(ctx, before, []RuleSpec{spec}))

	after, err := store.Capture(ctx, FamilyIPv4)
	require.NoError(t, err)
	assert.Equal(t, before.Normalized(), after.Normalized())
	assert.Equal(t, [][]string{sshAllow}, fh.chain(FamilyIPv4))
	assert.Equal(t, 1, fh.restores[FamilyIPv4])
}

func TestRestoreFallsBackToDelete(t *testing.T) {
	fh := newFakeHost()
	fh.seed(FamilyIPv6, sshAllow...)
	fh.restoreFailures = -1
	store := newTestStore(t, fh, t.TempDir())
	ctx := t.Context()

	snap, err := store.Capture(ctx, FamilyIPv6)
	require.NoError(t, err)

	specs := []RuleSpec{
		{Port: 902, Protocol: ProtocolTCP, Family: AddressBoth},
		{Port: 902, Protocol: ProtocolUDP, Family: AddressBoth},
	}
	table := fh.host().Tables[FamilyIPv6]
	for i, s := range specs {
		require.NoError(t, table.Insert(i+1, s.Args()))
	}

	require.NoError(t, store.Restore(ctx, snap, specs))
	assert.Equal(t, fastRetry.MaxAttempts, fh.restores[FamilyIPv6])
	assert.Equal(t, [][]string{sshAllow}, fh.chain(FamilyIPv6))
}

func TestRestoreRecoversAfterTransientFailure(t *testing.T) {
	fh := newFakeHost()
	fh.restoreFailures = 2
	store := newTestStore(t, fh, t.TempDir())
	ctx := t.Context()

	snap, err := store.Capture(ctx, FamilyIPv4)
	require.NoError(t, err)
	fh.seed(FamilyIPv4, sshAllow...)

	require.NoError(t, store.Restore(ctx, snap, nil))
	assert.Equal(t, 3, fh.restores[FamilyIPv4])
	assert.Empty(t, fh.chain(FamilyIPv4))
}

func TestRestoreFailureCarriesManualCommands(t *testing.T) {
	fh := newFakeHost()
	fh.restoreFailures = -1
	fh.deleteErr = assert.AnError
	store := newTestStore(t, fh, t.TempDir())
	ctx := t.Context()

	snap, err := store.Capture(ctx, FamilyIPv4)
	require.NoError(t, err)
	spec := RuleSpec{Port: 8333, Protocol: ProtocolTCP, Family: AddressV4}
	require.NoError(t, fh.host().Tables[FamilyIPv4].Insert(1, spec.Args()))

	err = store.Restore(ctx, snap, []RuleSpec{spec})
	require.Error(t, err)

	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, []Family{FamilyIPv4}, rb.Families)
	require.Len(t, rb.Commands, 2)
	assert.Equal(t, "sudo iptables-restore < "+snap.Path, rb.Commands[0])
	assert.Contains(t, rb.Commands[1], "iptables -t filter -D INPUT -p tcp -m tcp --dport 8333")
}

func TestFindStaleBackupsAndDiscard(t *testing.T) {
	dir := t.TempDir()

	stale, err := FindStaleBackups(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, stale)

	fh := newFakeHost()
	store := newTestStore(t, fh, dir)
	snap4, err := store.Capture(t.Context(), FamilyIPv4)
	require.NoError(t, err)
	snap6, err := store.Capture(t.Context(), FamilyIPv6)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	stale, err = FindStaleBackups(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []StaleBackup{
		{Family: FamilyIPv4, Path: snap4.Path},
		{Family: FamilyIPv6, Path: snap6.Path},
	}, stale)

	require.NoError(t, store.Discard(snap4))
	require.NoError(t, store.Discard(snap4))
	stale, err = FindStaleBackups(dir)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func TestRecoverStaleBackup(t *testing.T) {
	dir := t.TempDir()
	fh := newFakeHost()
	fh.seed(FamilyIPv4, sshAllow...)
	set, err := vmwareRuleSet()
	require.NoError(t, err)

	// A crashed session: snapshot taken, rules inserted, nothing cleaned up.
	_, err = newTestStore(t, fh, dir).Capture(t.Context(), FamilyIPv4)
	require.NoError(t, err)
	table := fh.host().Tables[FamilyIPv4]
	for i, r := range set.For(FamilyIPv4) {
		require.NoError(t, table.Insert(i+1, r.Args()))
	}

	stale, err := FindStaleBackups(dir)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	recovery := NewSnapshotStore(fh.host(), dir, "recover", nil, logging.Discard())
	recovery.SetRetry(fastRetry)
	require.NoError(t, recovery.Recover(t.Context(), stale[0], set))

	assert.Equal(t, [][]string{sshAllow}, fh.chain(FamilyIPv4))
	stale, err = FindStaleBackups(dir)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRecoverFallsBackToRuleSet(t *testing.T) {
	dir := t.TempDir()
	fh := newFakeHost()
	fh.seed(FamilyIPv6, sshAllow...)
	set, err := vmwareRuleSet()
	require.NoError(t, err)

	_, err = newTestStore(t, fh, dir).Capture(t.Context(), FamilyIPv6)
	require.NoError(t, err)
	table := fh.host().Tables[FamilyIPv6]
	for i, r := range set.For(FamilyIPv6) {
		require.NoError(t, table.Insert(i+1, r.Args()))
	}
	fh.restoreFailures = -1

	stale, err := FindStaleBackups(dir)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, newTestStore(t, fh, dir).Recover(t.Context(), stale[0], set))
	assert.Equal(t, [][]string{sshAllow}, fh.chain(FamilyIPv6))
}

func TestRecoverEmptyBackup(t *testing.T) {
	dir := t.TempDir()
	path := BackupPath(dir, "broken", FamilyIPv4)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	err := newTestStore(t, newFakeHost(), dir).Recover(t.Context(), StaleBackup{Family: FamilyIPv4, Path: path}, nil)
	require.Error(t, err)
	assert.FileExists(t, path)
}
