/*
errors.go - Error taxonomy of the rule engine

PURPOSE:
  Every failure the engine can meet falls in one of five kinds. The kind
  decides how far the failure travels:

    ErrConfig     malformed rule, unknown prefix, unknown verb, depth bound.
                  Surfaced once at load; the rule is dropped.
    ErrEval       a condition met text it cannot interpret. Logged (debug),
                  the condition is false.
    ErrApply      an action could not mutate. Logged (info), changed=false.
    ErrIntegrity  the hash subtree exists but cannot be projected. Aborts
                  the document before anything is written.
    ErrIO         parse or write failure. Aborts the document.

USAGE:
  Match the kind with errors.Is, read the details with errors.As:

    if errors.Is(err, rules.ErrConfig) { ... }

    var rerr *rules.Error
    if errors.As(err, &rerr) { log.Println(rerr.RuleID) }
*/
package rules

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfig marks a rule that cannot be loaded.
	ErrConfig = errors.New("config")

	// ErrEval marks a condition that could not be evaluated.
	ErrEval = errors.New("eval")

	// ErrApply marks an action that could not mutate the tree.
	ErrApply = errors.New("apply")

	// ErrIntegrity marks a failed hash recomputation.
	ErrIntegrity = errors.New("integrity")

	// ErrIO marks a document that could not be read or written.
	ErrIO = errors.New("io")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Error carries the kind of a failure plus where it happened.
type Error struct {
	Kind   error  // one of the sentinels above
	RuleID string // empty when no rule is involved
	Op     string // short description of the failing step
	Err    error
}

// NewError wraps err with a kind and location.
func NewError(kind error, ruleID, op string, err error) *Error {
	return &Error{Kind: kind, RuleID: ruleID, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.RuleID != "" {
		msg += ": rule " + e.RuleID
	}
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func configErr(ruleID, format string, args ...any) *Error {
	return NewError(ErrConfig, ruleID, "validate", fmt.Errorf(format, args...))
}

func applyErr(op, format string, args ...any) *Error {
	return NewError(ErrApply, "", op, fmt.Errorf(format, args...))
}
