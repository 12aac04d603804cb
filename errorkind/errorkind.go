// Package errorkind implements the gateway's closed error taxonomy: every
// domain failure carries one of the Kind values below plus a retryability
// flag, so callers at the meta-tool boundary can build a uniform error
// envelope without inspecting error strings.
package errorkind

import "fmt"

// Kind classifies a gateway error. The set is closed; adding a new failure
// mode means adding a new Kind here, not stringly-typing a message.
type Kind string

const (
	// Config marks malformed or missing configuration. Never retryable.
	Config Kind = "CONFIG"
	// UpstreamTransport marks a session I/O failure talking to an
	// upstream MCP server. Retryable.
	UpstreamTransport Kind = "UPSTREAM_TRANSPORT"
	// UpstreamProtocol marks a malformed MCP response from an upstream.
	// Never retryable: the upstream is misbehaving, not momentarily down.
	UpstreamProtocol Kind = "UPSTREAM_PROTOCOL"
	// UpstreamToolError marks a tool call that the upstream itself
	// reported as failed. Never retryable by the gateway.
	UpstreamToolError Kind = "UPSTREAM_TOOL_ERROR"
	// Timeout marks a deadline exceeded. Retryability is per-caller:
	// callers decide whether to retry based on the timed-out operation.
	Timeout Kind = "TIMEOUT"
	// Cancelled marks a cancellation signal (caller-initiated). Never
	// retryable.
	Cancelled Kind = "CANCELLED"
	// Validation marks an input or schema mismatch. Never retryable.
	Validation Kind = "VALIDATION"
	// Dependency marks a missing capability, tool, or output key. Not
	// retryable automatically; triggers a pause instead.
	Dependency Kind = "DEPENDENCY"
	// SandboxPermission marks a denied sandbox capability. Never
	// retryable.
	SandboxPermission Kind = "SANDBOX_PERMISSION"
	// SandboxRuntime marks an error raised by sandboxed code itself.
	// Never retryable.
	SandboxRuntime Kind = "SANDBOX_RUNTIME"
	// SandboxMemory marks a sandbox memory limit violation. Never
	// retryable.
	SandboxMemory Kind = "SANDBOX_MEMORY"
	// Cache marks a cache backend error. Retryable.
	Cache Kind = "CACHE"
	// Internal marks a bug or broken invariant. Never retryable.
	Internal Kind = "INTERNAL"
)

// retryable holds the default retryability for each Kind. Timeout has no
// entry here: its retryability is decided per call site via Error.Retryable.
var retryable = map[Kind]bool{
	Config:            false,
	UpstreamTransport: true,
	UpstreamProtocol:  false,
	UpstreamToolError: false,
	Cancelled:         false,
	Validation:        false,
	Dependency:        false,
	SandboxPermission: false,
	SandboxRuntime:    false,
	SandboxMemory:     false,
	Cache:             true,
	Internal:          false,
}

// Error is the gateway's domain error type. It wraps an underlying cause
// (optional) and classifies it with a Kind and an explicit retryability
// flag, since Timeout's default varies by caller.
type Error struct {
	Kind      Kind
	Message   string
	Details   map[string]any
	Retryable bool
	Cause     error
}

// New builds an Error for kind with message, defaulting Retryable from the
// kind's usual classification. Use NewTimeout when the caller must decide
// retryability explicitly.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable[kind]}
}

// NewTimeout builds a TIMEOUT error with an explicit retryability, since
// TIMEOUT's retryability is per-caller rather than fixed by kind.
func NewTimeout(message string, retry bool) *Error {
	return &Error{Kind: Timeout, Message: message, Retryable: retry}
}

// Wrap builds an Error for kind around cause, reusing cause's message when
// message is empty.
func Wrap(kind Kind, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Retryable: retryable[kind], Cause: cause}
}

// WithDetails attaches structured detail fields and returns e for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is an *Error with the same Kind, so callers can
// write errors.Is(err, errorkind.New(errorkind.Validation, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}
