package firewall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/portguard/internal/clock"
	"grimm.is/portguard/internal/logging"
)

// State is the lifecycle position of a deployment session.
type State int

const (
	StateInit State = iota
	StateVerified
	StateSnapshotted
	StateApplied
	StateAwaitingConfirmation
	StateCommitted
	StateRolledBack
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateVerified:
		return "verified"
	case StateSnapshotted:
		return "snapshotted"
	case StateApplied:
		return "applied"
	case StateAwaitingConfirmation:
		return "awaiting-confirmation"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFailed
}

// Outcome is the decision of the confirmation window.
type Outcome int

const (
	OutcomeUnset Outcome = iota
	OutcomeCommit
	OutcomeRollback
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommit:
		return "commit"
	case OutcomeRollback:
		return "rollback"
	}
	return "unset"
}

// outcomeFlag is assigned at most once. Whoever sets it first wins; every
// later attempt is a no-op.
type outcomeFlag struct {
	mu      sync.Mutex
	value   Outcome
	reason  string
	decided chan struct{}
}

func newOutcomeFlag() *outcomeFlag {
	return &outcomeFlag{decided: make(chan struct{})}
}

func (o *outcomeFlag) trySet(v Outcome, reason string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.value != OutcomeUnset {
		return false
	}
	o.value = v
	o.reason = reason
	close(o.decided)
	return true
}

func (o *outcomeFlag) get() (Outcome, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value, o.reason
}

// Final status phrases.
const (
	SummaryNothingChanged = "nothing changed"
	SummaryPersisted      = "rules applied and persisted"
	SummaryPersistPending = "rules applied (persistence pending)"
	SummaryReverted       = "rules reverted"
	SummaryUnknown        = "rules in unknown state"
)

// Exit codes.
const (
	ExitOK             = 0
	ExitVerifyFailed   = 1
	ExitReverted       = 2
	ExitRollbackFailed = 3
)

// Result is everything a finished session reports.
type Result struct {
	SessionID     string
	State         State
	Outcome       Outcome
	Reason        string
	Report        *Report
	Inserted      int
	AwaitDuration time.Duration
	Summary       string
	// Err is the error that decided the terminal state, if any.
	Err error
	// PersistErr is set when committed rules could not be saved.
	PersistErr error
	// RecoveryCommands are printed when the live state is unknown.
	RecoveryCommands []string
}

// ExitCode maps the result onto the process exit status.
func (r *Result) ExitCode() int {
	if kind, ok := KindOf(r.Err); ok {
		switch kind {
		case KindConfiguration:
			return ExitVerifyFailed
		case KindApply:
			return ExitReverted
		case KindRollback:
			return ExitRollbackFailed
		}
	}
	switch r.State {
	case StateCommitted:
		return ExitOK
	case StateRolledBack:
		return ExitReverted
	}
	switch r.Summary {
	case SummaryUnknown:
		return ExitRollbackFailed
	case SummaryReverted:
		return ExitReverted
	}
	return ExitVerifyFailed
}

// Signals carries the operator's inputs during the confirmation window.
// Either channel may be nil.
type Signals struct {
	Confirm <-chan struct{}
	Abort   <-chan struct{}
}

// Reporter receives progress for display. Calls are made synchronously
// from the session goroutine and must not block.
type Reporter interface {
	VerificationReport(*Report)
	PlannedRules(*RuleSet)
	StateChanged(State)
	Countdown(remaining time.Duration)
	Final(*Result)
}

// NopReporter discards progress.
type NopReporter struct{}

func (NopReporter) VerificationReport(*Report) {}
func (NopReporter) PlannedRules(*RuleSet)      {}
func (NopReporter) StateChanged(State)         {}
func (NopReporter) Countdown(time.Duration)    {}
func (NopReporter) Final(*Result)              {}

// SessionConfig holds the tunables of one deployment.
type SessionConfig struct {
	Deadline          time.Duration
	CountdownInterval time.Duration
	ProbeTargets      []string
	BackupDir         string
	Verify            VerifyConfig
	Persist           PersistConfig
}

// Default timings.
const (
	DefaultDeadline          = 5 * time.Minute
	DefaultCountdownInterval = 30 * time.Second
	finalCountdown           = 10 * time.Second
)

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the session logger.
func WithLogger(l *logging.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithReporter sets the progress sink.
func WithReporter(r Reporter) SessionOption {
	return func(s *Session) { s.reporter = r }
}

// WithProber sets the post-apply connectivity prober.
func WithProber(p Prober) SessionOption {
	return func(s *Session) { s.prober = p }
}

// WithSessionID fixes the session ID instead of generating one.
func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.ID = id }
}

// WithRetry sets the retry policy for restores and reverts.
func WithRetry(cfg RetryConfig) SessionOption {
	return func(s *Session) { s.retry = &cfg }
}

// Session is one deployment of one RuleSet on one host.
type Session struct {
	ID string

	host     *Host
	set      *RuleSet
	cfg      SessionConfig
	clock    clock.Clock
	logger   *logging.Logger
	reporter Reporter
	prober   Prober
	retry    *RetryConfig

	verifier  *Verifier
	snapshots *SnapshotStore
	applier   *Applier
	persister *Persister

	mu      sync.Mutex
	state   State
	snaps   []*Snapshot
	applied *Applied
	outcome *outcomeFlag
}

// NewSession prepares a session. Nothing touches the host until Run.
func NewSession(host *Host, set *RuleSet, cfg SessionConfig, opts ...SessionOption) *Session {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.CountdownInterval <= 0 {
		cfg.CountdownInterval = DefaultCountdownInterval
	}
	if cfg.Verify.BackupDir == "" {
		cfg.Verify.BackupDir = cfg.BackupDir
	}

	s := &Session{
		host:     host,
		set:      set,
		cfg:      cfg,
		clock:    &clock.RealClock{},
		logger:   logging.Default(),
		reporter: NopReporter{},
		outcome:  newOutcomeFlag(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.logger = s.logger.WithComponent("session").WithFields(map[string]any{"session": s.ID})

	s.persister = NewPersister(host, cfg.Persist, s.logger)
	verifyCfg := cfg.Verify
	verifyCfg.ExtraCommands = append(verifyCfg.ExtraCommands, s.persister.RequiredCommands()...)
	s.verifier = NewVerifier(host, set, verifyCfg, s.logger)
	s.snapshots = NewSnapshotStore(host, cfg.BackupDir, s.ID, s.clock, s.logger)
	s.applier = NewApplier(host, s.logger)
	if s.retry != nil {
		s.snapshots.SetRetry(*s.retry)
		s.applier.SetRetry(*s.retry)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.logger.Info("state transition", "from", prev.String(), "to", next.String())
	s.reporter.StateChanged(next)
}

// Run drives the session to a terminal state. It never panics; every
// outcome, including internal errors, is described by the Result.
func (s *Session) Run(ctx context.Context, sig Signals) (res *Result) {
	res = &Result{SessionID: s.ID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session aborted by internal error", "panic", r)
			s.abandon(ctx, res, fmt.Errorf("internal error: %v", r))
		}
		res.State = s.State()
		s.reporter.Final(res)
	}()

	report, err := s.verifier.Verify(ctx)
	res.Report = report
	if report != nil {
		s.reporter.VerificationReport(report)
	}
	if err != nil {
		s.finishUnchanged(res, err)
		return res
	}
	s.setState(StateVerified)

	for _, f := range AllFamilies {
		snap, err := s.snapshots.Capture(ctx, f)
		if err != nil {
			s.discardBackups()
			s.finishUnchanged(res, &ConfigurationError{Check: "snapshot", Err: err})
			return res
		}
		s.snaps = append(s.snaps, snap)
	}
	s.setState(StateSnapshotted)
	s.reporter.PlannedRules(s.set)

	// Apply and its internal revert always run to completion.
	applied, err := s.applier.Apply(context.WithoutCancel(ctx), s.set)
	if err != nil {
		var rb *RollbackError
		if errors.As(err, &rb) {
			s.recoverPartialApply(ctx, res, applied, rb)
			return res
		}
		s.discardBackups()
		s.finishUnchanged(res, err)
		return res
	}
	s.mu.Lock()
	s.applied = applied
	s.mu.Unlock()
	res.Inserted = applied.Len()
	s.setState(StateApplied)

	start := s.clock.Now()
	outcome, reason := s.awaitOutcome(ctx, sig)
	res.AwaitDuration = s.clock.Since(start)
	res.Outcome = outcome
	res.Reason = reason
	s.logger.Info("outcome decided", "outcome", outcome.String(), "reason", reason)

	persistCtx := context.WithoutCancel(ctx)
	if outcome == OutcomeCommit {
		s.commit(persistCtx, res)
	} else {
		s.rollback(persistCtx, res)
	}
	return res
}

// recoverPartialApply runs when apply could not remove its own partial
// inserts: the tables are restored from the snapshots instead.
func (s *Session) recoverPartialApply(ctx context.Context, res *Result, applied *Applied, cause *RollbackError) {
	s.mu.Lock()
	s.applied = applied
	s.mu.Unlock()

	s.logger.Warn("partial apply could not be reverted, restoring snapshots", "error", cause)
	if err := s.restoreAll(context.WithoutCancel(ctx)); err != nil {
		res.Err = err
		res.Summary = SummaryUnknown
		res.RecoveryCommands = err.Commands
		s.setState(StateFailed)
		return
	}
	s.discardBackups()
	res.Err = fmt.Errorf("apply failed, tables restored from snapshot: %v", cause)
	res.Summary = SummaryReverted
	s.setState(StateFailed)
}

// finishUnchanged ends a session that left the live tables as they were.
func (s *Session) finishUnchanged(res *Result, err error) {
	res.Err = err
	res.Summary = SummaryNothingChanged
	s.setState(StateFailed)
}

// awaitOutcome opens the confirmation window and blocks until the outcome
// flag is set by the operator, the deadline, an abort or a failed probe.
func (s *Session) awaitOutcome(ctx context.Context, sig Signals) (Outcome, string) {
	drain(sig.Confirm)
	drain(sig.Abort)

	deadline := s.clock.Now().Add(s.cfg.Deadline)
	timer := s.clock.NewTimer(s.cfg.Deadline)
	ticker := s.clock.NewTicker(time.Second)
	waitCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	s.setState(StateAwaitingConfirmation)

	wg.Add(2)
	go func() {
		defer wg.Done()
		select {
		case <-timer.C():
			s.outcome.trySet(OutcomeRollback, "deadline expired")
		case <-waitCtx.Done():
		}
	}()
	go func() {
		defer wg.Done()
		select {
		case <-sig.Confirm:
			s.outcome.trySet(OutcomeCommit, "confirmed by operator")
		case <-sig.Abort:
			s.outcome.trySet(OutcomeRollback, "aborted by operator")
		case <-waitCtx.Done():
		}
	}()
	if len(s.cfg.ProbeTargets) > 0 && s.prober != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !s.prober.Reachable(waitCtx, s.cfg.ProbeTargets) && waitCtx.Err() == nil {
				s.logger.Warn("no probe target reachable", "targets", s.cfg.ProbeTargets)
				s.outcome.trySet(OutcomeRollback, "connectivity probe failed")
			}
		}()
	}

	s.reporter.Countdown(s.cfg.Deadline)
	done := ctx.Done()
loop:
	for {
		select {
		case <-s.outcome.decided:
			break loop
		case <-done:
			s.outcome.trySet(OutcomeRollback, "session cancelled")
			done = nil
		case <-ticker.C():
			remaining := s.clock.Until(deadline).Round(time.Second)
			if remaining > 0 && s.countdownDue(remaining) {
				s.reporter.Countdown(remaining)
			}
		}
	}

	ticker.Stop()
	timer.Stop()
	cancel()
	wg.Wait()
	return s.outcome.get()
}

func (s *Session) countdownDue(remaining time.Duration) bool {
	if remaining <= finalCountdown {
		return true
	}
	return remaining%s.cfg.CountdownInterval == 0
}

func drain(ch <-chan struct{}) {
	if ch == nil {
		return
	}
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (s *Session) commit(ctx context.Context, res *Result) {
	if err := s.persister.Commit(ctx, s.set.Families()); err != nil {
		s.logger.Warn("rules are live but not persisted", "target", s.persister.Target(), "error", err)
		res.PersistErr = err
		res.Summary = SummaryPersistPending
	} else {
		res.Summary = SummaryPersisted
	}
	s.discardBackups()
	s.setState(StateCommitted)
}

func (s *Session) rollback(ctx context.Context, res *Result) {
	if err := s.restoreAll(ctx); err != nil {
		res.Err = err
		res.Summary = SummaryUnknown
		res.RecoveryCommands = err.Commands
		s.setState(StateFailed)
		return
	}
	res.Summary = SummaryReverted
	s.discardBackups()
	s.setState(StateRolledBack)
}

// restoreAll restores every snapshotted family, continuing past failures.
func (s *Session) restoreAll(ctx context.Context) *RollbackError {
	s.mu.Lock()
	applied := s.applied
	s.mu.Unlock()

	var failures []*RollbackError
	for _, snap := range s.snaps {
		err := s.snapshots.Restore(ctx, snap, applied.For(snap.Family))
		if err == nil {
			continue
		}
		s.logger.Error("restore failed", "family", snap.Family.String(), "error", err)
		var rb *RollbackError
		if !errors.As(err, &rb) {
			rb = &RollbackError{
				Families: []Family{snap.Family},
				Err:      err,
				Commands: ManualRecoveryCommands(snap, applied.For(snap.Family)),
			}
		}
		failures = append(failures, rb)
	}
	return mergeRollbackErrors(failures)
}

// abandon handles an internal error at any point of Run.
func (s *Session) abandon(ctx context.Context, res *Result, cause error) {
	state := s.State()
	if state.Terminal() {
		if res.Err == nil {
			res.Err = cause
		}
		return
	}
	if state < StateSnapshotted {
		s.discardBackups()
		s.finishUnchanged(res, cause)
		return
	}
	if err := s.restoreAll(context.WithoutCancel(ctx)); err != nil {
		res.Err = err
		res.Summary = SummaryUnknown
		res.RecoveryCommands = err.Commands
		s.setState(StateFailed)
		return
	}
	s.discardBackups()
	res.Err = cause
	res.Summary = SummaryReverted
	s.setState(StateFailed)
}

func (s *Session) restoreCommands() []string {
	var cmds []string
	for _, snap := range s.snaps {
		if snap.Path != "" {
			cmds = append(cmds, fmt.Sprintf("sudo %s < %s", snap.Family.RestoreCommand(), snap.Path))
		}
	}
	return cmds
}

func (s *Session) discardBackups() {
	for _, snap := range s.snaps {
		if err := s.snapshots.Discard(snap); err != nil {
			s.logger.Warn("could not remove snapshot backup", "path", snap.Path, "error", err)
		}
	}
}
