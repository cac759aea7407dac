package firewall

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a deployment failure by what it left behind.
type ErrorKind int

const (
	// KindConfiguration: a precondition failed, nothing was mutated.
	KindConfiguration ErrorKind = iota + 1
	// KindApply: an insert failed and every insert of the call was reverted.
	KindApply
	// KindRollback: restoring the pre-deploy table failed; live state unknown.
	KindRollback
	// KindPersist: live rules are correct but not saved for the next boot.
	KindPersist
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindApply:
		return "apply"
	case KindRollback:
		return "rollback"
	case KindPersist:
		return "persist"
	}
	return "unknown"
}

// ConfigurationError reports a failed verification check.
type ConfigurationError struct {
	Check string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("verification failed: %s: %v", e.Check, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ApplyError reports an insert that failed after earlier inserts of the
// same call were removed again.
type ApplyError struct {
	Family   Family
	Rule     RuleSpec
	Reverted int
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("insert %s into %s failed (reverted %d earlier inserts): %v",
		e.Rule, e.Family, e.Reverted, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// RollbackError is fatal: the live table matches neither the pre-deploy
// snapshot nor the intended post-deploy state. Commands lists what an
// operator can run by hand.
type RollbackError struct {
	Families []Family
	Err      error
	Commands []string
}

func (e *RollbackError) Error() string {
	names := make([]string, len(e.Families))
	for i, f := range e.Families {
		names[i] = f.String()
	}
	return fmt.Sprintf("rollback failed for %s: %v", strings.Join(names, ","), e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// PersistError means the committed rules are live for this boot only.
type PersistError struct {
	Target string
	Err    error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persisting rules to %s failed: %v", e.Target, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first typed deployment error in err's chain.
// RollbackError wins over anything it wraps.
func KindOf(err error) (ErrorKind, bool) {
	var rb *RollbackError
	if errors.As(err, &rb) {
		return KindRollback, true
	}
	var ae *ApplyError
	if errors.As(err, &ae) {
		return KindApply, true
	}
	var pe *PersistError
	if errors.As(err, &pe) {
		return KindPersist, true
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return KindConfiguration, true
	}
	return 0, false
}

// mergeRollbackErrors folds per-family failures into one RollbackError.
func mergeRollbackErrors(errs []*RollbackError) *RollbackError {
	if len(errs) == 0 {
		return nil
	}
	merged := &RollbackError{}
	causes := make([]error, 0, len(errs))
	for _, e := range errs {
		merged.Families = append(merged.Families, e.Families...)
		merged.Commands = append(merged.Commands, e.Commands...)
		causes = append(causes, e.Err)
	}
	merged.Err = errors.Join(causes...)
	return merged
}
