// Package errs defines the error taxonomy shared by every component.
//
// Component-internal failures are mapped to a Kind at the component boundary;
// the request plane only ever sees these kinds. Messages returned to clients
// are sanitized (no paths, no SQL) and carry a correlation id; the full cause
// is logged server-side.
package errs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an error for boundary mapping and wire encoding.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidRequest
	KindInvalidParameters
	KindNotFound
	KindSizeLimit
	KindAuth
	KindRateLimit
	KindTimeout
	KindCircuitOpen
	KindStorage
	KindEmbedding
	KindConflict
)

// String returns the taxonomy name for the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindInvalidParameters:
		return "InvalidParameters"
	case KindNotFound:
		return "NotFound"
	case KindSizeLimit:
		return "SizeLimit"
	case KindAuth:
		return "AuthError"
	case KindRateLimit:
		return "RateLimit"
	case KindTimeout:
		return "Timeout"
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindStorage:
		return "StorageError"
	case KindEmbedding:
		return "EmbeddingError"
	case KindConflict:
		return "Conflict"
	default:
		return "Internal"
	}
}

// Retryable reports whether an operation failing with this kind may be
// retried. Only transient dependency failures qualify; the stability layer
// additionally restricts retries to idempotent reads.
func (k Kind) Retryable() bool {
	return k == KindStorage || k == KindTimeout
}

// E is a classified error. Msg is safe to return to clients; the wrapped
// cause is not and stays in server logs.
type E struct {
	Kind          Kind
	Msg           string
	CorrelationID string
	cause         error
}

func (e *E) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *E) Unwrap() error { return e.cause }

// ClientMessage is the sanitized message for the wire.
func (e *E) ClientMessage() string { return e.Msg }

// New creates a classified error with a sanitized message.
func New(kind Kind, msg string) *E {
	return &E{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted sanitized message.
// The format arguments must themselves be safe for clients.
func Newf(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and sanitized message to an underlying cause.
// Internal errors get a correlation id so log lines and client responses
// can be matched up.
func Wrap(kind Kind, msg string, cause error) *E {
	e := &E{Kind: kind, Msg: msg, cause: cause}
	if kind == KindInternal {
		e.CorrelationID = uuid.NewString()[:8]
	}
	return e
}

// KindOf extracts the kind from any error. Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// AsE returns the classified error, synthesizing an Internal one (with a
// fresh correlation id) for unclassified causes.
func AsE(err error) *E {
	var e *E
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, "internal error", err)
}
