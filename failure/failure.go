// Package failure classifies errors surfaced by the MongoDB driver into a
// closed set of failure signals and decides retry eligibility for them.
//
// The mapping is an explicit table over driver error types, codes and labels.
// The single exception is the "interrupted at shutdown" server message, which
// some server versions report without a dedicated code: it is a transient
// race during primary step-down that is otherwise indistinguishable from a
// permanent command failure, so the substring check is kept as a documented,
// narrow special case rather than a general heuristic.
package failure

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

// Signal is the classification of an error surfaced by the driver.
type Signal int

const (
	// Fatal errors are surfaced immediately and never retried.
	Fatal Signal = iota
	// ConnectionLost is a network drop; the pool re-establishes on next use.
	ConnectionLost
	// TopologyChanged covers primary step-down and not-primary responses.
	TopologyChanged
	// CursorLost means the server discarded the cursor state.
	CursorLost
	// OperationTimedOut covers execution and write-concern timeouts.
	OperationTimedOut
	// ServerUnreachable is a server selection timeout.
	ServerUnreachable
	// OperationFailed is a generic server-side failure, retryable only under
	// the narrow conditions checked by Retryable.
	OperationFailed
)

func (s Signal) String() string {
	switch s {
	case ConnectionLost:
		return "CONNECTION_LOST"
	case TopologyChanged:
		return "TOPOLOGY_CHANGED"
	case CursorLost:
		return "CURSOR_LOST"
	case OperationTimedOut:
		return "OPERATION_TIMED_OUT"
	case ServerUnreachable:
		return "SERVER_UNREACHABLE"
	case OperationFailed:
		return "OPERATION_FAILED"
	default:
		return "FATAL"
	}
}

// Transient reports whether the signal is unconditionally retryable.
func (s Signal) Transient() bool {
	switch s {
	case ConnectionLost, TopologyChanged, CursorLost, OperationTimedOut, ServerUnreachable:
		return true
	}
	return false
}

// Server error codes recognized by the classification table.
const (
	codeCursorNotFound                  = 43
	codeMaxTimeMSExpired                = 50
	codeWriteConcernTimeout             = 64
	codeShutdownInProgress              = 91
	codePrimarySteppedDown              = 189
	codeExceededTimeLimit               = 262
	codeNotWritablePrimary              = 10107
	codeInterruptedAtShutdown           = 11600
	codeInterruptedDueToReplStateChange = 11602
	codeNotPrimaryNoSecondaryOk         = 13435
	codeNotPrimaryOrSecondary           = 13436
)

var topologyCodes = []int{
	codeShutdownInProgress,
	codePrimarySteppedDown,
	codeNotWritablePrimary,
	codeInterruptedAtShutdown,
	codeInterruptedDueToReplStateChange,
	codeNotPrimaryNoSecondaryOk,
	codeNotPrimaryOrSecondary,
}

var timeoutCodes = []int{
	codeMaxTimeMSExpired,
	codeWriteConcernTimeout,
	codeExceededTimeLimit,
}

// shutdownMessage is the one substring discriminator the protocol leaves us.
const shutdownMessage = "interrupted at shutdown"

// retryableWriteLabel marks server errors the deployment itself declared safe
// to retry.
const retryableWriteLabel = "RetryableWriteError"

// Classify maps err to a Signal. Context cancellation is Fatal: an external
// interruption must propagate, never be retried.
func Classify(err error) Signal {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		// The caller closed the client deliberately.
		return Fatal
	}

	var sse topology.ServerSelectionError
	if errors.As(err, &sse) || errors.Is(err, topology.ErrServerSelectionTimeout) {
		return ServerUnreachable
	}

	var ce topology.ConnectionError
	if errors.As(err, &ce) || mongo.IsNetworkError(err) {
		return ConnectionLost
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		for _, code := range topologyCodes {
			if se.HasErrorCode(code) {
				return TopologyChanged
			}
		}
		if se.HasErrorCode(codeCursorNotFound) {
			return CursorLost
		}
		for _, code := range timeoutCodes {
			if se.HasErrorCode(code) {
				return OperationTimedOut
			}
		}
		return OperationFailed
	}

	if mongo.IsTimeout(err) {
		return OperationTimedOut
	}
	return Fatal
}

// Retryable reports whether err may be retried. Transient signals always
// retry. OperationFailed retries only when the server message contains the
// shutdown race substring or the error carries the retryable-write label;
// every other OperationFailed is treated as Fatal.
func Retryable(err error) bool {
	switch s := Classify(err); {
	case s.Transient():
		return true
	case s == OperationFailed:
		return retryableOperationFailure(err)
	}
	return false
}

func retryableOperationFailure(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.HasErrorMessage(shutdownMessage) || se.HasErrorLabel(retryableWriteLabel)
}
