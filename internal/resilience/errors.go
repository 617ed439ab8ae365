package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/reoxt/basesync/internal/domain"
)

// SyncError wraps an underlying error with the kind classification spec §7
// assigns to pipeline failures. Every client and pipeline stage that can
// fail produces one of these rather than a bare error.
type SyncError struct {
	Kind      domain.ErrorKind
	RecordKey string
	Err       error
}

func (e *SyncError) Error() string {
	if e.RecordKey != "" {
		return fmt.Sprintf("%s: record %s: %v", e.Kind, e.RecordKey, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError constructs a SyncError of the given kind.
func NewSyncError(kind domain.ErrorKind, err error) *SyncError {
	return &SyncError{Kind: kind, Err: err}
}

// WithRecordKey attaches a record key to a SyncError (copy, not mutation).
func (e *SyncError) WithRecordKey(key string) *SyncError {
	cp := *e
	cp.RecordKey = key
	return &cp
}

// IsRetryable implements RetryableErrorChecker per spec §7's kind-based
// retry policy: OAUTH and VALIDATION are terminal, everything else is
// retried by its own policy (RATE_LIMIT gets three times the retries —
// callers select RateLimitRetryPolicy when classifying a 429/rate-limit
// response).
type KindClassifier struct{}

func (KindClassifier) IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		switch se.Kind {
		case domain.ErrorKindOAuth, domain.ErrorKindValidation:
			return false
		default:
			return true
		}
	}
	// Unclassified errors: fall back to transport-level heuristics so
	// retries still work for errors that never got wrapped in a SyncError.
	return classifyTransport(err) != "terminal"
}

// classifyTransport reproduces the teacher's message/type sniffing used to
// label metrics, repurposed here to decide retryability for errors that
// didn't originate as a SyncError (e.g. a raw net/http failure).
func classifyTransport(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.Canceled) {
		return "terminal"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "network"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) || errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.ENETUNREACH) || errors.Is(opErr.Err, syscall.EHOSTUNREACH) {
			return "network"
		}
		return "network"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return "rate_limit"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"):
		return "network"
	default:
		return "unknown"
	}
}

// oauthTerminalSignals are the response fragments spec §4.2 step 5 names
// as triggers for needsReauth.
var oauthTerminalSignals = []string{"invalid_grant", "revoked", "expired", "unauthorized", "invalid_client"}

// IsOAuthTerminal reports whether a provider's error response matches one
// of the terminal OAuth signals that must mark a connection needsReauth.
func IsOAuthTerminal(responseBody string) bool {
	lower := strings.ToLower(responseBody)
	for _, sig := range oauthTerminalSignals {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
