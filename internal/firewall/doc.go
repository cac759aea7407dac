// Package firewall deploys deny rules into the live iptables and ip6tables
// INPUT chains with an automatic way back.
//
// # Overview
//
// A deployment is one [Session]. It verifies the host, snapshots both
// families with a single *-save call each, inserts the rules at the head of
// INPUT, then waits for the operator. Confirmation within the deadline
// commits and persists the rules; anything else restores the snapshot.
//
// # Architecture
//
//	Verifier → SnapshotStore.Capture → Applier → awaitOutcome → Persister | SnapshotStore.Restore
//
// # Key Types
//
//   - [RuleSpec], [RuleSet]: the deny rules to deploy
//   - [Verifier]: preconditions, no side effects
//   - [SnapshotStore]: capture, backup file, two-strategy restore
//   - [Applier]: all-or-nothing insert across both families
//   - [Persister]: netfilter-persistent or rules files
//   - [Session]: the state machine and the confirm/deadline race
//
// # Outcome Flag
//
// The confirmation wait, the deadline timer, the abort channel and the
// optional connectivity probe all try to set one mutex-guarded flag. The
// first writer decides; later writers are no-ops.
//
// # Error Handling
//
// Failures are typed: [ConfigurationError], [ApplyError], [RollbackError]
// and [PersistError]. [KindOf] classifies any wrapped error and
// [Result.ExitCode] maps the outcome onto the process exit status.
//
// # Testing
//
// Everything above the [RuleTable] and [CommandRunner] interfaces is tested
// against an in-memory host. Tests against the real kernel tables are gated
// by testutil.RequireVM.
package firewall
