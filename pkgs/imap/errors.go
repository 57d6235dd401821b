package imap

import (
	"errors"
	"fmt"
	"strings"
)

// GreetingFailedError reports a missing or malformed server greeting.
type GreetingFailedError struct{ Reason string }

func (e *GreetingFailedError) Error() string { return "imap: greeting failed: " + e.Reason }

// ConnectionFailedError reports a TCP/TLS failure or a transport that has
// stopped being usable.
type ConnectionFailedError struct {
	Reason string
	Cause  error
}

func (e *ConnectionFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("imap: connection failed: %s: %v", e.Reason, e.Cause)
	}
	return "imap: connection failed: " + e.Reason
}
func (e *ConnectionFailedError) Unwrap() error { return e.Cause }

// TimeoutError reports a command, handshake, DONE or IDLE-start that
// exceeded its configured budget.
type TimeoutError struct{ Op string }

func (e *TimeoutError) Error() string { return "imap: timeout waiting for " + e.Op }

// InvalidArgumentError reports a violated precondition.
type InvalidArgumentError struct{ Reason string }

func (e *InvalidArgumentError) Error() string { return "imap: invalid argument: " + e.Reason }

// EmptyIdentifierSetError specializes InvalidArgumentError for FETCH/STORE/
// COPY/MOVE/SEARCH commands given an empty identifier set.
type EmptyIdentifierSetError struct{ Op string }

func (e *EmptyIdentifierSetError) Error() string {
	return fmt.Sprintf("imap: %s: empty identifier set", e.Op)
}

// CommandFailedError wraps a server NO/BAD tagged response.
type CommandFailedError struct {
	Command string
	State   ResponseState
	Text    string
	Code    string
}

func (e *CommandFailedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("imap: %s failed: %s [%s] %s", e.Command, e.State, e.Code, e.Text)
	}
	return fmt.Sprintf("imap: %s failed: %s %s", e.Command, e.State, e.Text)
}

// CommandNotSupportedError reports a missing capability.
type CommandNotSupportedError struct{ Reason string }

func (e *CommandNotSupportedError) Error() string {
	return "imap: command not supported: " + e.Reason
}

// LoginFailedError reports a failed LOGIN command.
type LoginFailedError struct{ Reason string }

func (e *LoginFailedError) Error() string {
	return "imap: login failed: " + e.Reason + " (verify your username and password)"
}

// AuthFailedError reports a failed AUTHENTICATE exchange.
type AuthFailedError struct{ Reason string }

func (e *AuthFailedError) Error() string {
	return "imap: authentication failed: " + e.Reason
}

// UnsupportedAuthMechanismError reports a SASL mechanism the server (or this
// client) cannot perform.
type UnsupportedAuthMechanismError struct{ Mechanism string }

func (e *UnsupportedAuthMechanismError) Error() string {
	return "imap: unsupported auth mechanism: " + e.Mechanism +
		" (check that your email provider supports it)"
}

// commandSpecificError is a small family of "<Verb>FailedError" types that
// all behave identically: they wrap a reason string produced by a specific
// command. Modeled as one generic type with a Verb tag rather than eight
// near-identical structs, since none of them carry extra fields.
type commandSpecificError struct {
	Verb   string
	Reason string
}

func (e *commandSpecificError) Error() string {
	return fmt.Sprintf("imap: %s failed: %s", e.Verb, e.Reason)
}

func newCommandError(verb, reason string) error {
	return &commandSpecificError{Verb: verb, Reason: reason}
}

// CreateFailed, CopyFailed, StoreFailed, ExpungeFailed, MoveFailed,
// FetchFailed, SelectFailed and LogoutFailed all construct the same
// underlying *commandSpecificError; the verb appears only in the Error()
// text, and no exported type or sentinel tells them apart.
func CreateFailed(reason string) error  { return newCommandError("create", reason) }
func CopyFailed(reason string) error    { return newCommandError("copy", reason) }
func StoreFailed(reason string) error   { return newCommandError("store", reason) }
func ExpungeFailed(reason string) error { return newCommandError("expunge", reason) }
func MoveFailed(reason string) error    { return newCommandError("move", reason) }
func FetchFailed(reason string) error   { return newCommandError("fetch", reason) }
func SelectFailed(reason string) error  { return newCommandError("select", reason) }
func LogoutFailed(reason string) error  { return newCommandError("logout", reason) }

// ParseError reports a malformed wire-protocol response.
type ParseError struct{ Reason string }

func (e *ParseError) Error() string { return "imap: parse error: " + e.Reason }

// UnexpectedTaggedResponseError reports a tagged frame observed while no
// handler owned its tag (an invariant violation; logged, not propagated).
type UnexpectedTaggedResponseError struct{ Tag string }

func (e *UnexpectedTaggedResponseError) Error() string {
	return "imap: unexpected tagged response for tag " + e.Tag
}

// transportPhrases are textual fragments that identify a broken transport
// even when the underlying error isn't one of our typed kinds (e.g. errors
// bubbling up from net/crypto-tls). Matched case-insensitively.
var transportPhrases = []string{
	"channel is not active",
	"connection reset by peer",
	"broken pipe",
	"eof",
	"invalid state",
	"use of closed network connection",
}

// ShouldRecycle implements the §4.5 recycle predicate: recycle the
// connection on connection-failure, timeout, parse errors, or a textual
// match against known transport phrases. Cancellation is never a recycle
// trigger.
func ShouldRecycle(err error) bool {
	if err == nil || errors.Is(err, errCanceled) {
		return false
	}
	var connErr *ConnectionFailedError
	var timeoutErr *TimeoutError
	var parseErr *ParseError
	if errors.As(err, &connErr) || errors.As(err, &timeoutErr) || errors.As(err, &parseErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range transportPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// errCanceled is returned by promises that were abandoned due to caller
// cancellation rather than a protocol or transport failure.
var errCanceled = errors.New("imap: operation canceled")

// ErrCanceled reports that the calling task's context was canceled while
// awaiting a result. Never grounds for a connection recycle.
func ErrCanceled() error { return errCanceled }

// asCommandFailed unwraps err to a *CommandFailedError, if it is one.
func asCommandFailed(err error) (*CommandFailedError, bool) {
	var e *CommandFailedError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
