package xray

import "errors"

// Error taxonomy. Callers branch with errors.Is; store and client wrap these
// with fmt.Errorf("...: %w", ...) to add the offending id or operation.
var (
	// ErrNotFound means the referenced execution or step id does not exist,
	// or belongs to a different entity kind. Recoverable by the caller.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the client session state machine was violated
	// (e.g. recording an evaluation with no active step). Programmer error,
	// never retried.
	ErrInvalidState = errors.New("invalid state")

	// ErrExecutionFinished means a write was attempted against an execution
	// that has already left the running status. Distinct from ErrNotFound so
	// callers can tell "gone" from "frozen".
	ErrExecutionFinished = errors.New("execution finished")

	// ErrTransport means the carrying mechanism failed (network,
	// serialization). Reads may be retried; blind retries of AddEvaluation
	// would double-append.
	ErrTransport = errors.New("transport failure")

	// ErrValidation means the request was malformed at the API edge (missing
	// name, bad limit). The store itself accepts arbitrary well-typed
	// payloads and never interprets rule semantics.
	ErrValidation = errors.New("validation failed")
)
