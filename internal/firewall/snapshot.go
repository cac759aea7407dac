package firewall

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/portguard/internal/clock"
	"grimm.is/portguard/internal/logging"
)

// backupSuffix marks raw snapshot files in the backup directory.
const backupSuffix = ".rules"

// Snapshot is the complete *-save dump of one family, taken in a single
// invocation before anything was changed. It is never modified.
type Snapshot struct {
	Family     Family
	CapturedAt time.Time
	Raw        []byte
	// Path is the on-disk copy kept for manual recovery, if any.
	Path string
}

var counterRe = regexp.MustCompile(`\[\d+:\d+\]`)

// Normalized strips what changes between two dumps of an identical table:
// comment lines (tool version, timestamps) and packet/byte counters.
func (s *Snapshot) Normalized() string {
	return normalizeDump(s.Raw)
}

func normalizeDump(raw []byte) string {
	var b strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		b.WriteString(counterRe.ReplaceAllString(line, "[0:0]"))
		b.WriteByte('\n')
	}
	return b.String()
}

// SnapshotStore captures and restores whole-family rule tables.
type SnapshotStore struct {
	host      *Host
	dir       string
	sessionID string
	clock     clock.Clock
	retry     RetryConfig
	logger    *logging.Logger
}

// NewSnapshotStore keeps on-disk copies under dir (skipped when dir is empty).
func NewSnapshotStore(host *Host, dir, sessionID string, clk clock.Clock, logger *logging.Logger) *SnapshotStore {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SnapshotStore{
		host:      host,
		dir:       dir,
		sessionID: sessionID,
		clock:     clk,
		retry:     DefaultRetryConfig(),
		logger:    logger.WithComponent("snapshot"),
	}
}

// SetRetry overrides the per-strategy retry policy.
func (s *SnapshotStore) SetRetry(cfg RetryConfig) {
	s.retry = cfg
}

// BackupPath is where the raw dump of f for a session is written.
func BackupPath(dir, sessionID string, f Family) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", f, sessionID, backupSuffix))
}

// Capture reads the entire current table set of f with one *-save call.
func (s *SnapshotStore) Capture(ctx context.Context, f Family) (*Snapshot, error) {
	raw, err := s.host.Runner.Output(ctx, f.SaveCommand())
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", f, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("capture %s: %s returned an empty dump", f, f.SaveCommand())
	}

	snap := &Snapshot{Family: f, CapturedAt: s.clock.Now(), Raw: raw}
	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o700); err != nil {
			return nil, fmt.Errorf("create backup dir: %w", err)
		}
		path := BackupPath(s.dir, s.sessionID, f)
		if err := writeFileAtomic(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("write %s backup: %w", f, err)
		}
		snap.Path = path
	}

	s.logger.Info("captured snapshot",
		"family", f.String(),
		"size", humanize.Bytes(uint64(len(raw))),
		"path", snap.Path)
	return snap, nil
}

// Restore puts the family back to the snapshot. The whole table is replaced
// with iptables-restore; if that cannot be made to stick, the rules this
// session inserted are deleted one by one instead. Both strategies are
// retried a bounded number of times before a RollbackError is returned.
func (s *SnapshotStore) Restore(ctx context.Context, snap *Snapshot, inserted []RuleSpec) error {
	f := snap.Family
	log := s.logger.WithFields(map[string]any{"family": f.String()})

	restoreErr := Retry(ctx, s.retry, func(attempt int) error {
		if err := s.host.Runner.RunInput(ctx, snap.Raw, f.RestoreCommand()); err != nil {
			log.Warn("table restore failed", "attempt", attempt, "error", err)
			return err
		}
		if err := s.matches(ctx, snap); err != nil {
			log.Warn("restored table does not match snapshot", "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if restoreErr == nil {
		log.Audit("restore", f.String()+"/"+TableFilter, map[string]any{"strategy": "table", "source": snap.Path})
		return nil
	}

	log.Error("atomic restore failed, deleting session rules instead", "error", restoreErr)
	deleteErr := s.deleteInserted(ctx, f, inserted)
	if deleteErr == nil {
		log.Audit("restore", f.String()+"/"+TableFilter, map[string]any{"strategy": "delete", "rules": len(inserted)})
		return nil
	}

	return &RollbackError{
		Families: []Family{f},
		Err:      errors.Join(restoreErr, deleteErr),
		Commands: ManualRecoveryCommands(snap, inserted),
	}
}

// matches re-reads the live table and compares it with the snapshot.
func (s *SnapshotStore) matches(ctx context.Context, snap *Snapshot) error {
	live, err := s.host.Runner.Output(ctx, snap.Family.SaveCommand())
	if err != nil {
		return fmt.Errorf("re-read %s: %w", snap.Family, err)
	}
	want, got := snap.Normalized(), normalizeDump(live)
	if want == got {
		return nil
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(want),
		B:        difflib.SplitLines(got),
		FromFile: "snapshot",
		ToFile:   "live",
		Context:  2,
	})
	return fmt.Errorf("live %s table differs from snapshot:\n%s", snap.Family, diff)
}

// deleteInserted is the fallback: remove exactly the session's rules.
func (s *SnapshotStore) deleteInserted(ctx context.Context, f Family, inserted []RuleSpec) error {
	table, err := s.host.Table(f)
	if err != nil {
		return err
	}

	var errs []error
	for i := len(inserted) - 1; i >= 0; i-- {
		rule := inserted[i]
		err := Retry(ctx, s.retry, func(int) error {
			present, err := table.Exists(rule.Args())
			if err != nil {
				return err
			}
			if !present {
				return nil
			}
			return table.Delete(rule.Args())
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", rule, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, rule := range inserted {
		present, err := table.Exists(rule.Args())
		if err != nil {
			return fmt.Errorf("confirm removal of %s: %w", rule, err)
		}
		if present {
			return fmt.Errorf("rule %s still present after delete", rule)
		}
	}
	return nil
}

// Recover restores the family from a backup an interrupted session left
// behind. The rules of set are the delete fallback. The backup is removed
// once the table is back.
func (s *SnapshotStore) Recover(ctx context.Context, b StaleBackup, set *RuleSet) error {
	raw, err := os.ReadFile(b.Path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("backup %s is empty", b.Path)
	}
	snap := &Snapshot{Family: b.Family, Raw: raw, Path: b.Path}
	if info, err := os.Stat(b.Path); err == nil {
		snap.CapturedAt = info.ModTime()
	}

	var inserted []RuleSpec
	if set != nil {
		inserted = set.For(b.Family)
	}
	if err := s.Restore(ctx, snap, inserted); err != nil {
		return err
	}
	return s.Discard(snap)
}

// Discard removes the on-disk copy once the session no longer needs it.
func (s *SnapshotStore) Discard(snap *Snapshot) error {
	if snap == nil || snap.Path == "" {
		return nil
	}
	if err := os.Remove(snap.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ManualRecoveryCommands are the last-resort commands printed when a
// rollback fails.
func ManualRecoveryCommands(snap *Snapshot, inserted []RuleSpec) []string {
	f := snap.Family
	var cmds []string
	if snap.Path != "" {
		cmds = append(cmds, fmt.Sprintf("sudo %s < %s", f.RestoreCommand(), snap.Path))
	}
	for i := len(inserted) - 1; i >= 0; i-- {
		cmds = append(cmds, deleteCommand(f, inserted[i]))
	}
	return cmds
}

// StaleBackup is a snapshot file left behind by a session that never
// reached a terminal state.
type StaleBackup struct {
	Family Family
	Path   string
}

// FindStaleBackups lists snapshot files in dir. A missing dir is not an error.
func FindStaleBackups(dir string) ([]StaleBackup, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []StaleBackup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		var f Family
		switch {
		case strings.HasPrefix(name, FamilyIPv4.String()+"-"):
			f = FamilyIPv4
		case strings.HasPrefix(name, FamilyIPv6.String()+"-"):
			f = FamilyIPv6
		default:
			continue
		}
		out = append(out, StaleBackup{Family: f, Path: filepath.Join(dir, name)})
	}
	return out, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
