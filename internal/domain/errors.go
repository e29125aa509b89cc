package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies an error for callers that only care about how to react
// to it (retry, reconfigure, recheck, show nothing).
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindRateLimit     ErrorKind = "rate_limit"
	KindAbort         ErrorKind = "abort"
	KindExecution     ErrorKind = "execution"
	KindConflict      ErrorKind = "conflict"
	KindNotFound      ErrorKind = "not_found"
	KindUnknown       ErrorKind = "unknown"
)

// EngineError is the unified error type for the engine.
// Each error has a numeric code, a kind and a human-readable message.
type EngineError struct {
	Code    int
	Kind    ErrorKind
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is reports whether target is an EngineError with the same code, so that a
// sentinel matches any error derived from it with NewEngineError.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewEngineError creates an EngineError that shares the code and kind of base
// but carries a more specific message.
func NewEngineError(base *EngineError, msg string) *EngineError {
	return &EngineError{Code: base.Code, Kind: base.Kind, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(base *EngineError, msg string, cause error) *EngineError {
	return &EngineError{Code: base.Code, Kind: base.Kind, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// KindOf classifies any error. Context cancellation is an abort, never a failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindAbort
	}
	var engErr *EngineError
	if errors.As(err, &engErr) && engErr.Kind != "" {
		return engErr.Kind
	}
	return KindUnknown
}

// ---- Request validation (-32000 to -32009) ----

var (
	ErrInvalidRequest  = &EngineError{Code: -32000, Kind: KindValidation, Message: "invalid request"}
	ErrEmptyMessage    = &EngineError{Code: -32001, Kind: KindValidation, Message: "message content is empty"}
	ErrInvalidDecision = &EngineError{Code: -32002, Kind: KindValidation, Message: "decision must be approve or reject"}
	ErrInvalidPatch    = &EngineError{Code: -32003, Kind: KindValidation, Message: "proposed patch is malformed"}
	ErrUnknownOp       = &EngineError{Code: -32004, Kind: KindValidation, Message: "unknown operation"}
)

// ---- Lifecycle errors (-32010 to -32039) ----

var (
	ErrInvalidTransition   = &EngineError{Code: -32010, Kind: KindConflict, Message: "invalid lifecycle transition"}
	ErrSuggestionNotFound  = &EngineError{Code: -32012, Kind: KindNotFound, Message: "suggestion not found"}
	ErrAlreadyResolved     = &EngineError{Code: -32013, Kind: KindConflict, Message: "suggestion already resolved"}
	ErrOptimisticLock      = &EngineError{Code: -32015, Kind: KindConflict, Message: "optimistic lock conflict: state was modified concurrently"}
	ErrDuplicateSuggestion = &EngineError{Code: -32019, Kind: KindConflict, Message: "suggestion already exists"}
	ErrInvocationNotFound  = &EngineError{Code: -32020, Kind: KindNotFound, Message: "tool invocation not found"}
	ErrInvocationFinal     = &EngineError{Code: -32021, Kind: KindConflict, Message: "tool invocation is in a terminal state"}
	ErrFetchInProgress     = &EngineError{Code: -32022, Kind: KindConflict, Message: "a page fetch is already in progress"}
)

// ---- Preflight / Apply / Rollback errors (-32040 to -32069) ----

var (
	ErrPreflightConflict   = &EngineError{Code: -32040, Kind: KindConflict, Message: "preflight conflict: target changed since proposal"}
	ErrPreflightInvalid    = &EngineError{Code: -32041, Kind: KindValidation, Message: "preflight invalid: patch does not fit current target"}
	ErrExecutionFailed     = &EngineError{Code: -32042, Kind: KindExecution, Message: "suggestion execution failed"}
	ErrTargetNotFound      = &EngineError{Code: -32043, Kind: KindNotFound, Message: "target not found"}
	ErrRollbackUnavailable = &EngineError{Code: -32044, Kind: KindConflict, Message: "rollback is not available for this suggestion"}
	ErrAlreadyRolledBack   = &EngineError{Code: -32045, Kind: KindConflict, Message: "suggestion already rolled back"}
	ErrRollbackConflict    = &EngineError{Code: -32046, Kind: KindConflict, Message: "rollback conflicts with later edits"}
	ErrNotEditorOperation  = &EngineError{Code: -32047, Kind: KindValidation, Message: "operation is not applied in the editor"}
	ErrDependentRelations  = &EngineError{Code: -32048, Kind: KindConflict, Message: "entity has dependent relationships"}
	ErrOperationInProgress = &EngineError{Code: -32049, Kind: KindConflict, Message: "another operation is in progress for this suggestion"}
)

// ---- Transport errors (-32070 to -32099) ----

var (
	ErrUnauthorized      = &EngineError{Code: -32070, Kind: KindAuthorization, Message: "credential missing or expired"}
	ErrTransportFailed   = &EngineError{Code: -32071, Kind: KindUnknown, Message: "transport failed"}
	ErrTransportProtocol = &EngineError{Code: -32072, Kind: KindUnknown, Message: "transport returned invalid frame"}
	ErrStreamAborted     = &EngineError{Code: -32073, Kind: KindAbort, Message: "stream aborted"}
)

// ---- Guard errors (-32100 to -32129) ----

var (
	ErrRateLimitExceeded = &EngineError{Code: -32103, Kind: KindRateLimit, Message: "rate limit exceeded"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit     = &EngineError{Code: -32130, Kind: KindUnknown, Message: "failed to initialize store"}
	ErrStoreQuery    = &EngineError{Code: -32131, Kind: KindUnknown, Message: "store query failed"}
	ErrConfigInvalid = &EngineError{Code: -32136, Kind: KindValidation, Message: "invalid configuration"}
)
