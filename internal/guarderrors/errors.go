// Package guarderrors defines the error taxonomy shared by every GUARD
// component. Components classify errors into a small set of kinds instead
// of inspecting concrete error types, so retry, logging, and history
// recording stay consistent across the registry, lock manager, checks,
// validators, and the GitOps producer.
package guarderrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies an error for the purposes of retry policy and
// upgrade_history recording. See spec §7.
type Kind string

const (
	// Transient errors are network hiccups, provider 5xx, or rate-limit
	// rejections. Retried by the retry wrapper.
	Transient Kind = "transient"

	// Precondition errors are registry conflicts, lock contention, or a
	// lost lease. Never blindly retried.
	Precondition Kind = "precondition"

	// InvalidInput is malformed configuration or an invalid dotted path.
	// Fatal at config load time; fatal for the cluster during a run.
	InvalidInput Kind = "invalid_input"

	// NotFound is a missing secret, cluster, or file.
	NotFound Kind = "not_found"

	// ProviderFatal is an unauthorized call or a role that cannot be
	// assumed. Fatal for the cluster.
	ProviderFatal Kind = "provider_fatal"

	// Timeout is any step that exceeded its budget.
	Timeout Kind = "timeout"

	// Fatal is an unclassified, non-retryable failure.
	Fatal Kind = "fatal"

	// Unknown is used only by Classify when nothing else matches; it is
	// not a kind that components are expected to construct directly.
	Unknown Kind = "unknown"
)

// Error wraps a cause with a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err if it (or something it wraps)
// is a *Error, and Unknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsRetryable reports whether an error's kind is one the retry wrapper
// (internal/retry) is allowed to retry: Transient only. Precondition,
// InvalidInput, NotFound, ProviderFatal, Timeout, and Fatal never retry
// blindly — the caller (usually the state machine) decides what to do
// next, per spec §7.
func IsRetryable(err error) bool {
	return Classify(err) == Transient
}

// Classify inspects a plain Go error (one not already wrapped in
// *Error) and assigns it a Kind using the same heuristics the teacher
// codebase applies in its resilience package: context errors, network
// errors, and message substrings. Components that already know the
// kind of an error should wrap it with New instead of relying on this.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Transient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.ENETUNREACH) ||
			errors.Is(opErr.Err, syscall.EHOSTUNREACH) {
			return Transient
		}
		return Transient
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return Transient
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timed out"):
		return Timeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"), strings.Contains(msg, "i/o timeout"):
		return Transient
	case strings.Contains(msg, "conflict"), strings.Contains(msg, "precondition"), strings.Contains(msg, "already held"), strings.Contains(msg, "lost lock"):
		return Precondition
	case strings.Contains(msg, "not found"):
		return NotFound
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "assume role"):
		return ProviderFatal
	default:
		return Unknown
	}
}
