package failure

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

func serverErr(code int32, name, msg string, labels ...string) error {
	return mongo.CommandError{Code: code, Name: name, Message: msg, Labels: labels}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Signal
	}{
		{"context canceled", context.Canceled, Fatal},
		{"context deadline", context.DeadlineExceeded, Fatal},
		{"wrapped cancellation", fmt.Errorf("op: %w", context.Canceled), Fatal},
		{"client closed", mongo.ErrClientDisconnected, Fatal},
		{"server selection timeout", topology.ServerSelectionError{Wrapped: topology.ErrServerSelectionTimeout}, ServerUnreachable},
		{"bare selection timeout", fmt.Errorf("ping: %w", topology.ErrServerSelectionTimeout), ServerUnreachable},
		{"connection error", topology.ConnectionError{Wrapped: io.EOF}, ConnectionLost},
		{"network label", serverErr(6, "HostUnreachable", "connection reset", "NetworkError"), ConnectionLost},
		{"not writable primary", serverErr(10107, "NotWritablePrimary", "not primary"), TopologyChanged},
		{"primary stepped down", serverErr(189, "PrimarySteppedDown", "stepping down"), TopologyChanged},
		{"shutdown in progress", serverErr(91, "ShutdownInProgress", "server is shutting down"), TopologyChanged},
		{"interrupted at shutdown code", serverErr(11600, "InterruptedAtShutdown", "interrupted at shutdown"), TopologyChanged},
		{"repl state change", serverErr(11602, "InterruptedDueToReplStateChange", "state change"), TopologyChanged},
		{"not primary no secondary ok", serverErr(13435, "NotPrimaryNoSecondaryOk", "not primary"), TopologyChanged},
		{"not primary or secondary", serverErr(13436, "NotPrimaryOrSecondary", "node is recovering"), TopologyChanged},
		{"cursor not found", serverErr(43, "CursorNotFound", "cursor id not found"), CursorLost},
		{"max time expired", serverErr(50, "MaxTimeMSExpired", "operation exceeded time limit"), OperationTimedOut},
		{"write concern timeout", serverErr(64, "WriteConcernFailed", "waiting for replication timed out"), OperationTimedOut},
		{"exceeded time limit", serverErr(262, "ExceededTimeLimit", "operation exceeded time limit"), OperationTimedOut},
		{"generic command failure", serverErr(2, "BadValue", "unknown operator $frobnicate"), OperationFailed},
		{"no documents", mongo.ErrNoDocuments, Fatal},
		{"plain error", io.ErrUnexpectedEOF, Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err), "signal for %v", tt.err)
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"topology change", serverErr(10107, "NotWritablePrimary", "not primary"), true},
		{"cursor lost", serverErr(43, "CursorNotFound", "cursor id not found"), true},
		{"selection timeout", topology.ServerSelectionError{Wrapped: topology.ErrServerSelectionTimeout}, true},
		{"connection lost", topology.ConnectionError{Wrapped: io.EOF}, true},
		{"generic failure", serverErr(2, "BadValue", "unknown operator $frobnicate"), false},
		{"shutdown race by message", serverErr(2, "OperationFailed", "operation was interrupted at shutdown"), true},
		{"retryable write label", serverErr(112, "WriteConflict", "write conflict", "RetryableWriteError"), true},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"plain error", io.ErrUnexpectedEOF, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestSignalString(t *testing.T) {
	assert.Equal(t, "TOPOLOGY_CHANGED", TopologyChanged.String())
	assert.Equal(t, "FATAL", Fatal.String())
	assert.False(t, OperationFailed.Transient())
	assert.True(t, ServerUnreachable.Transient())
}
