// Package errors defines the typed failure model shared by the runtime.
//
// Every boundary (thinker, sandbox, registry, plan, persistence) surfaces
// one of these kinds instead of raw transport errors, so callers can branch
// on classification and agents receive actionable observation text.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientError marks a failure worth retrying: rate limits, timeouts,
// connection resets, 5xx responses. Feeds the circuit breaker.
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "transient error"
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as retryable with a human-readable message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// PermanentError marks a failure that retrying cannot fix: authentication,
// not-found, context-window-exceeded, content policy, invalid request.
type PermanentError struct {
	Err     error
	Reason  string
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "permanent error"
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err as non-retryable with a reason tag.
func NewPermanentError(err error, reason, message string) *PermanentError {
	return &PermanentError{Err: err, Reason: reason, Message: message}
}

// Permanent error reason tags.
const (
	ReasonAuth          = "auth"
	ReasonNotFound      = "not_found"
	ReasonContextWindow = "context_window"
	ReasonContentPolicy = "content_policy"
	ReasonInvalid       = "invalid_request"
)

// CircuitOpenError is returned when the breaker rejects a call outright.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry in %s", e.Service, e.RetryAfter.Round(time.Second))
}

// ActionNotFoundError reports a registry lookup miss.
type ActionNotFoundError struct {
	Name string
}

func (e *ActionNotFoundError) Error() string {
	return fmt.Sprintf("action not found: %s", e.Name)
}

// CoercionError reports an argument that could not be converted to its
// declared type, or a missing required argument.
type CoercionError struct {
	Action string
	Arg    string
	Reason string
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("invalid argument %q for action %q: %s", e.Arg, e.Action, e.Reason)
}

// PermissionDeniedError reports a role-gate rejection before dispatch.
type PermissionDeniedError struct {
	Role   string
	Action string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("role %q is not permitted to use action %q", e.Role, e.Action)
}

// SandboxTimeoutError reports that a dispatcher queue operation exceeded its
// bound. Phase is "enqueue" or "response".
type SandboxTimeoutError struct {
	Action  string
	Phase   string
	Timeout time.Duration
}

func (e *SandboxTimeoutError) Error() string {
	return fmt.Sprintf("sandbox %s timeout after %s executing %q", e.Phase, e.Timeout, e.Action)
}

// WorkerDiedError reports that the per-agent worker exited mid-request.
type WorkerDiedError struct {
	AgentID string
}

func (e *WorkerDiedError) Error() string {
	return fmt.Sprintf("sandbox worker for agent %s died", e.AgentID)
}

// MaxIterationsError terminates an agent that exhausted its budget.
type MaxIterationsError struct {
	Iterations int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("max iterations reached (%d) without completion", e.Iterations)
}

// WaitTimeoutError terminates an agent stuck in a waiting state.
type WaitTimeoutError struct {
	Waited time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("wait timeout exceeded after %s", e.Waited.Round(time.Second))
}

// PlanTransitionError rejects an illegal run-plan state change.
type PlanTransitionError struct {
	TaskID string
	Reason string
}

func (e *PlanTransitionError) Error() string {
	return fmt.Sprintf("invalid plan transition for %s: %s", e.TaskID, e.Reason)
}

// PersistenceError reports a failed disk write. In-memory state remains
// authoritative; the next write retries.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// StatusError carries an HTTP status from the thinker transport so Classify
// can map it without string matching.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, body)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is non-retryable by classification.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// FormatForLLM renders err as observation text an agent can act on.
func FormatForLLM(err error) string {
	if err == nil {
		return ""
	}

	var (
		transient  *TransientError
		permanent  *PermanentError
		open       *CircuitOpenError
		notFound   *ActionNotFoundError
		coercion   *CoercionError
		denied     *PermissionDeniedError
		sandboxTO  *SandboxTimeoutError
		workerDied *WorkerDiedError
	)

	switch {
	case errors.As(err, &open):
		return fmt.Sprintf("The reasoning service is temporarily unavailable (circuit open). Wait about %s before the next request.", open.RetryAfter.Round(time.Second))
	case errors.As(err, &transient):
		return fmt.Sprintf("Temporary service issue: %s. The request was retried and may succeed later.", transient.Error())
	case errors.As(err, &permanent):
		switch permanent.Reason {
		case ReasonContextWindow:
			return "The conversation exceeded the model context window. Older history will be compacted before the next attempt."
		case ReasonAuth:
			return "Authentication with the reasoning service failed. Check the configured API key."
		case ReasonContentPolicy:
			return "The request was rejected by the provider content policy. Rephrase and avoid disallowed content."
		default:
			return fmt.Sprintf("Request rejected by the service: %s", permanent.Error())
		}
	case errors.As(err, &notFound):
		return fmt.Sprintf("Unknown action %q. Use only the actions listed in your instructions.", notFound.Name)
	case errors.As(err, &coercion):
		return fmt.Sprintf("Argument error: %s. Check the argument names and types and try again.", coercion.Error())
	case errors.As(err, &denied):
		return fmt.Sprintf("Permission denied: %s. Choose an action available to your role.", denied.Error())
	case errors.As(err, &sandboxTO):
		return fmt.Sprintf("The action %q did not return within %s. It may still be running; consider a lighter-weight approach.", sandboxTO.Action, sandboxTO.Timeout)
	case errors.As(err, &workerDied):
		return "The sandbox worker crashed while executing the action. It has been restarted; retry the action."
	default:
		return err.Error()
	}
}

// Classify maps a raw transport error into Transient or Permanent. Values
// that already carry a classification pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsPermanent(err) || IsCircuitOpen(err) {
		return err
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr)
	}

	if isNetworkError(err) {
		return &TransientError{Err: err, Message: fmt.Sprintf("connection error: %v", err)}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return &TransientError{Err: err, Message: "rate limited by the reasoning service"}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return &TransientError{Err: err, Message: fmt.Sprintf("request timed out: %v", err)}
	case strings.Contains(msg, "context length") || strings.Contains(msg, "context window") || strings.Contains(msg, "maximum context"):
		return NewPermanentError(err, ReasonContextWindow, "context window exceeded")
	case strings.Contains(msg, "content policy") || strings.Contains(msg, "content_filter"):
		return NewPermanentError(err, ReasonContentPolicy, "rejected by content policy")
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
		return NewPermanentError(err, ReasonAuth, "authentication failed")
	case strings.Contains(msg, "not found") || strings.Contains(msg, "model_not_found"):
		return NewPermanentError(err, ReasonNotFound, "resource not found")
	case strings.Contains(msg, "service unavailable") || strings.Contains(msg, "overloaded"):
		return &TransientError{Err: err, Message: "service temporarily unavailable"}
	default:
		return &TransientError{Err: err, Message: fmt.Sprintf("unclassified transport error: %v", err)}
	}
}

func classifyStatus(se *StatusError) error {
	switch {
	case se.Code == 429:
		return &TransientError{Err: se, StatusCode: se.Code, Message: "rate limited by the reasoning service"}
	case se.Code >= 500:
		return &TransientError{Err: se, StatusCode: se.Code, Message: fmt.Sprintf("upstream server error (HTTP %d)", se.Code)}
	case se.Code == 401 || se.Code == 403:
		return NewPermanentError(se, ReasonAuth, "authentication failed")
	case se.Code == 404:
		return NewPermanentError(se, ReasonNotFound, "endpoint or model not found")
	case se.Code == 413:
		return NewPermanentError(se, ReasonContextWindow, "request too large for the model")
	case se.Code >= 400:
		return NewPermanentError(se, ReasonInvalid, fmt.Sprintf("invalid request (HTTP %d)", se.Code))
	default:
		return &TransientError{Err: se, StatusCode: se.Code}
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT)
}
