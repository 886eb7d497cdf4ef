package vault

import (
	"errors"
	"fmt"
)

// Kind is one entry of the closed execution error taxonomy. The numeric
// values are the wire codes clients see.
type Kind uint32

const (
	KindInsufficientBalance   Kind = 1
	KindPoolNotFound          Kind = 2
	KindInsuranceClaimFailed  Kind = 3
	KindUnauthorized          Kind = 4
	KindInvalidAction         Kind = 5
	KindActionExecutionFailed Kind = 6
	KindNotAtRisk             Kind = 7
)

// Sentinels for each kind. Collaborators wrap these to report a specific
// failure; errors.Is matches them through an *ExecutionError.
var (
	ErrInsufficientBalance   = errors.New("vault: insufficient balance")
	ErrPoolNotFound          = errors.New("vault: pool not found")
	ErrInsuranceClaimFailed  = errors.New("vault: insurance claim failed")
	ErrUnauthorized          = errors.New("vault: unauthorized")
	ErrInvalidAction         = errors.New("vault: invalid action")
	ErrActionExecutionFailed = errors.New("vault: action execution failed")
	ErrNotAtRisk             = errors.New("vault: position is not at risk")
)

// ErrReentrantCall is reported (as ActionExecutionFailed) when a batch is
// submitted for a user whose previous batch has not finished.
var ErrReentrantCall = errors.New("vault: batch already in flight for user")

var kindSentinels = map[Kind]error{
	KindInsufficientBalance:   ErrInsufficientBalance,
	KindPoolNotFound:          ErrPoolNotFound,
	KindInsuranceClaimFailed:  ErrInsuranceClaimFailed,
	KindUnauthorized:          ErrUnauthorized,
	KindInvalidAction:         ErrInvalidAction,
	KindActionExecutionFailed: ErrActionExecutionFailed,
	KindNotAtRisk:             ErrNotAtRisk,
}

var kindNames = map[Kind]string{
	KindInsufficientBalance:   "InsufficientBalance",
	KindPoolNotFound:          "PoolNotFound",
	KindInsuranceClaimFailed:  "InsuranceClaimFailed",
	KindUnauthorized:          "Unauthorized",
	KindInvalidAction:         "InvalidAction",
	KindActionExecutionFailed: "ActionExecutionFailed",
	KindNotAtRisk:             "NotAtRisk",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// Sentinel returns the package-level error for the kind.
func (k Kind) Sentinel() error {
	return kindSentinels[k]
}

// ExecutionError is the only error Execute returns. Index is the position of
// the failing action in the batch, or -1 when a gate rejected the call
// before dispatch.
type ExecutionError struct {
	Kind  Kind
	Index int
	Err   error
}

func (e *ExecutionError) Error() string {
	msg := e.Kind.String()
	if e.Index >= 0 {
		msg = fmt.Sprintf("%s (action %d)", msg, e.Index)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ExecutionError) Unwrap() []error {
	errs := []error{e.Kind.Sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf extracts the taxonomy kind from err. ok is false for errors that
// did not come out of Execute.
func KindOf(err error) (kind Kind, ok bool) {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return 0, false
}

func gateError(kind Kind, cause error) *ExecutionError {
	return &ExecutionError{Kind: kind, Index: -1, Err: cause}
}

// classify maps a collaborator error onto a kind. A collaborator may only
// report the kinds in allowed; anything else becomes fallback.
func classify(err error, fallback Kind, allowed ...Kind) Kind {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		for _, k := range allowed {
			if ee.Kind == k {
				return k
			}
		}
		return fallback
	}
	for _, k := range allowed {
		if errors.Is(err, k.Sentinel()) {
			return k
		}
	}
	return fallback
}
