// Package apperrors defines the structured error taxonomy shared across the
// Agent Manager, Kernel Manager, and Kernel Runtime: a small set of
// sentinel errors plus a Kind-tagged Error that carries enough context for
// callers to branch on failure category without parsing message strings.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers commonly check with errors.Is.
var (
	// ErrNotFound indicates a lookup by id found nothing.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a create collided with an existing id.
	ErrAlreadyExists = errors.New("already exists")

	// ErrQuotaExceeded indicates a namespace or global capacity limit was hit.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidArgument indicates a caller-supplied value failed validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInUse indicates an entity cannot be removed because something still
	// references it.
	ErrInUse = errors.New("in use")

	// ErrClosed indicates an operation was attempted on a kernel or manager
	// that has already been torn down.
	ErrClosed = errors.New("closed")

	// ErrBusy indicates an operation conflicts with one already in flight.
	ErrBusy = errors.New("busy")
)

// Kind categorizes an Error for retry/handling logic, mirroring the
// teacher's ToolErrorType classification for tool failures but applied to
// the control-plane domain instead.
type Kind string

const (
	// KindValidation means a caller-supplied value was rejected.
	KindValidation Kind = "validation"

	// KindNotFound means a lookup by id found nothing.
	KindNotFound Kind = "not_found"

	// KindQuota means a namespace or global limit was hit.
	KindQuota Kind = "quota"

	// KindDuplicate means an id or resource already exists.
	KindDuplicate Kind = "duplicate"

	// KindAgentStartup means an agent's startup script failed inside its
	// kernel. Startup failures roll the agent back; other attach failures
	// do not.
	KindAgentStartup Kind = "agent_startup"

	// KindDomain covers state-machine and protocol violations that don't
	// fit the categories above (wrong kernel status, busy kernel, closed
	// manager, pending input request, and the like).
	KindDomain Kind = "domain"
)

// Error is the structured error type returned by the control plane. It
// carries a Kind for programmatic branching, an optional Component/Op pair
// identifying where the failure occurred, and an optional wrapped Cause.
type Error struct {
	Kind      Kind
	Component string // e.g. "agentmanager", "kernel", "modelregistry"
	Op        string // e.g. "createAgent", "execute"
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s", e.Kind)
	if e.Component != "" {
		prefix += ":" + e.Component
	}
	if e.Op != "" {
		prefix += ":" + e.Op
	}
	prefix += "]"

	if e.Message != "" {
		// The sentinels the Kind constructors attach are already named by
		// the Kind prefix, so only other causes are appended.
		switch e.Cause {
		case nil, ErrNotFound, ErrAlreadyExists, ErrQuotaExceeded, ErrInvalidArgument:
			return fmt.Sprintf("%s %s", prefix, e.Message)
		}
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %v", prefix, e.Cause)
	}
	return prefix
}

// Unwrap returns the underlying cause, so errors.Is/As can see through to
// both the Cause chain and the package sentinels matched in New.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error of the given kind. cause may be nil.
func New(kind Kind, component, op, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Op:        op,
		Message:   message,
		Cause:     cause,
	}
}

// NotFound builds a KindNotFound error wrapping ErrNotFound.
func NotFound(component, op, message string) *Error {
	return New(KindNotFound, component, op, message, ErrNotFound)
}

// Validation builds a KindValidation error wrapping ErrInvalidArgument.
func Validation(component, op, message string) *Error {
	return New(KindValidation, component, op, message, ErrInvalidArgument)
}

// Quota builds a KindQuota error wrapping ErrQuotaExceeded.
func Quota(component, op, message string) *Error {
	return New(KindQuota, component, op, message, ErrQuotaExceeded)
}

// Duplicate builds a KindDuplicate error wrapping ErrAlreadyExists.
func Duplicate(component, op, message string) *Error {
	return New(KindDuplicate, component, op, message, ErrAlreadyExists)
}

// Domain builds a KindDomain error, optionally wrapping cause.
func Domain(component, op, message string, cause error) *Error {
	return New(KindDomain, component, op, message, cause)
}

// AgentStartupError represents a failure of an agent's startup script
// inside its freshly attached kernel. The Agent Manager treats this kind
// specially: the agent creation that triggered it is rolled back, whereas
// other attach failures leave the agent registered and only emit an
// AGENT_ERROR event.
type AgentStartupError struct {
	AgentID string
	Cause   error
}

// Error implements the error interface.
func (e *AgentStartupError) Error() string {
	return fmt.Sprintf("agent %q startup failed: %v", e.AgentID, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *AgentStartupError) Unwrap() error {
	return e.Cause
}

// Kind reports KindAgentStartup, so AgentStartupError also satisfies
// whatever code branches on the generic *Error.Kind contract via As.
func (e *AgentStartupError) Kind() Kind {
	return KindAgentStartup
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsQuotaExceeded reports whether err is or wraps ErrQuotaExceeded.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsAgentStartupError reports whether err is an *AgentStartupError.
func IsAgentStartupError(err error) bool {
	var startupErr *AgentStartupError
	return errors.As(err, &startupErr)
}

// As extracts an *Error from err's chain, mirroring GetToolError.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
