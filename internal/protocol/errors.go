package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every rejection the engine can produce. Each fallible
// operation returns its outcome explicitly; no kind is ever inferred from a
// panic or a transport-level failure.
type ErrorKind uint8

const (
	// KindMalformedInput marks undecodable reports or peer messages.
	// Always the sender's fault, never retried here.
	KindMalformedInput ErrorKind = iota + 1
	// KindDecryptionFailure marks a report share that failed to open.
	// Terminal for that report.
	KindDecryptionFailure
	// KindUnknownTaskOrConfig marks references to tasks or crypto configs
	// this aggregator does not know. Terminal.
	KindUnknownTaskOrConfig
	// KindReplayOrOverlap marks duplicate report identifiers and reports
	// whose batch interval was already collected. Terminal, surfaced
	// distinctly so operators can tell attacks from client retransmission.
	KindReplayOrOverlap
	// KindPeerUnavailable marks a peer timeout or transport failure.
	// Job-level and retryable through a fresh aggregation job.
	KindPeerUnavailable
	// KindBatchNotReady marks a collection poll against a batch below the
	// minimum size. A valid pending state, not a failure.
	KindBatchNotReady
	// KindBatchExhausted marks contribution or collection against a batch
	// that was already collected. Terminal.
	KindBatchExhausted
)

// String returns the stable name used in logs and API error bodies.
func (k ErrorKind) String() string {
	switch k {
	case KindMalformedInput:
		return "malformed_input"
	case KindDecryptionFailure:
		return "decryption_failure"
	case KindUnknownTaskOrConfig:
		return "unknown_task_or_config"
	case KindReplayOrOverlap:
		return "replay_or_overlap"
	case KindPeerUnavailable:
		return "peer_unavailable"
	case KindBatchNotReady:
		return "batch_not_ready"
	case KindBatchExhausted:
		return "batch_exhausted"
	default:
		return "unknown"
	}
}

// Error is a classified engine error.
type Error struct {
	Kind ErrorKind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Errf builds a classified error.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// WrapErr classifies an underlying error.
func WrapErr(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf extracts the classification from an error chain.
// Returns 0 for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return 0
}
