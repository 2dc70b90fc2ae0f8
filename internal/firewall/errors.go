package firewall

import (
	"context"
	"errors"
	"net/http"
	"os"
)

// FailureKind classifies a driver call's failure the way
// proxy.FailureType classifies a backend failure, but driven off
// http.Response.StatusCode/transport errors instead of LLM-backend
// heuristics.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTransport
	FailureCredentials // 401/403: "credentials lack permission"
	FailureNotFound    // 404: rule/alias resolved by name no longer exists
	FailureServer      // 5xx
	FailurePartial     // some items in a batch failed, others committed
)

func (f FailureKind) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureTransport:
		return "transport"
	case FailureCredentials:
		return "credentials"
	case FailureNotFound:
		return "not_found"
	case FailureServer:
		return "server_error"
	case FailurePartial:
		return "partial"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned by GetRule/GetAlias-style lookups for an id
// that no longer resolves by name on the remote appliance.
var ErrNotFound = errors.New("firewall: not found")

// ClassifyResponse maps a completed HTTP round trip (possibly with a
// transport-level err instead of a resp) to a FailureKind.
func ClassifyResponse(resp *http.Response, err error) FailureKind {
	if err != nil {
		if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return FailureTransport
		}
		return FailureTransport
	}
	if resp == nil {
		return FailureTransport
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return FailureCredentials
	case resp.StatusCode == http.StatusNotFound:
		return FailureNotFound
	case resp.StatusCode >= 500:
		return FailureServer
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return FailureNone
	default:
		return FailureServer
	}
}

// Error wraps a driver-call failure with its classification so callers
// (the reconciler's backoff logic) can branch on Kind without
// re-parsing a status code.
type Error struct {
	Kind    FailureKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }
