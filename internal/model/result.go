package model

import (
	"fmt"
	"net/http"
	"time"
)

// Synthetic status codes recorded for outcomes without an HTTP response.
const (
	// StatusNetworkError is recorded when the connection itself failed.
	StatusNetworkError = 0

	// StatusTimeout is recorded when no response arrived in time.
	// 599 is the conventional "network connect timeout" code used by proxies.
	StatusTimeout = 599
)

// OutcomeKind classifies a link check.
type OutcomeKind int

const (
	// OutcomeOK means the link answered 2xx, or 3xx within the redirect limit.
	OutcomeOK OutcomeKind = iota

	// OutcomeBroken means the link answered 4xx or 5xx, or redirected too often.
	OutcomeBroken

	// OutcomeNetworkError means DNS, connection or TLS failed.
	OutcomeNetworkError

	// OutcomeTimeout means no response arrived within the timeout.
	OutcomeTimeout
)

// String returns the identifier of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeBroken:
		return "broken"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OutcomeKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ok":
		*k = OutcomeOK
	case "broken":
		*k = OutcomeBroken
	case "network_error":
		*k = OutcomeNetworkError
	case "timeout":
		*k = OutcomeTimeout
	default:
		return fmt.Errorf("unknown outcome kind %q", text)
	}
	return nil
}

// Outcome is the classified result of checking one link.
type Outcome struct {
	// Kind is the outcome classification.
	Kind OutcomeKind `json:"kind"`

	// Status is the HTTP status, or StatusNetworkError / StatusTimeout.
	Status int `json:"status"`

	// Reason is a short human-readable explanation.
	Reason string `json:"reason,omitempty"`
}

// OK returns a successful outcome for the given status.
func OK(status int) Outcome {
	return Outcome{Kind: OutcomeOK, Status: status}
}

// Broken returns a broken outcome. An empty reason defaults to the
// standard status text.
func Broken(status int, reason string) Outcome {
	if reason == "" {
		reason = http.StatusText(status)
	}
	return Outcome{Kind: OutcomeBroken, Status: status, Reason: reason}
}

// NetworkError returns a network failure outcome.
func NetworkError(message string) Outcome {
	return Outcome{Kind: OutcomeNetworkError, Status: StatusNetworkError, Reason: message}
}

// Timeout returns a timeout outcome.
func Timeout() Outcome {
	return Outcome{Kind: OutcomeTimeout, Status: StatusTimeout, Reason: "request timed out"}
}

// IsOK reports whether the link is healthy.
func (o Outcome) IsOK() bool {
	return o.Kind == OutcomeOK
}

// String formats the outcome for logs and text reports.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeOK:
		return fmt.Sprintf("OK (%d)", o.Status)
	case OutcomeTimeout:
		return "Timeout"
	case OutcomeNetworkError:
		return "Network error: " + o.Reason
	default:
		return fmt.Sprintf("%d %s", o.Status, o.Reason)
	}
}

// LinkResult is produced exactly once per candidate link.
type LinkResult struct {
	// Link is the candidate that was checked.
	Link CandidateLink `json:"link"`

	// Outcome is the final classification after retries.
	Outcome Outcome `json:"outcome"`

	// Attempts is the number of request chains issued. A HEAD request
	// followed by a GET fallback counts as one attempt. 0 means the check
	// was cancelled before its first request.
	Attempts int `json:"attempts"`

	// Elapsed is the total time spent on the link, backoff included.
	Elapsed time.Duration `json:"elapsed"`

	// CheckedAt is when the final attempt finished.
	CheckedAt time.Time `json:"checked_at"`
}

// IsBroken reports whether the result belongs in the broken list.
func (r LinkResult) IsBroken() bool {
	return !r.Outcome.IsOK()
}

// Started reports whether at least one request was issued for the link.
func (r LinkResult) Started() bool {
	return r.Attempts > 0
}
