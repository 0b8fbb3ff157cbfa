// Package executor runs shell commands on behalf of the agent, either on the
// local host or over SSH, and normalizes every outcome into a terminal
// ResultEnvelope. Progress flows through a bounded channel owned by the
// caller; executors never block on it.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/eternis/fleetctl/internal/protocol"
)

// ErrExecutorUnavailable means the explicitly requested executor cannot run
// commands right now (e.g. SSH disabled or unconfigured). Auto-fallback never
// applies to an explicit choice.
var ErrExecutorUnavailable = errors.New("executor unavailable")

// ErrUnknownExecutor means the requested execution target is not one of
// local, ssh, or auto.
var ErrUnknownExecutor = errors.New("unknown executor type")

// Executor is the shared contract: run the command, stream progress, and
// always come back with a terminal result. Spawn and connection failures are
// reported as an error-status result (exit code -1), never as a Go error, so
// "could not run" and "ran and failed" both reach the requester.
type Executor interface {
	// Type returns the execution type stamped into results ("local", "ssh").
	Type() string

	// Available reports whether the executor can currently accept commands.
	Available() bool

	// Execute runs the command. progress may be nil; sends to it are
	// non-blocking.
	Execute(ctx context.Context, commandID, command string, progress chan<- protocol.ProgressEnvelope) *protocol.ResultEnvelope
}

// sendProgress is the shared non-blocking progress emit.
func sendProgress(progress chan<- protocol.ProgressEnvelope, env protocol.ProgressEnvelope) {
	if progress == nil {
		return
	}
	env.Timestamp = time.Now().UTC()
	select {
	case progress <- env:
	default:
	}
}

// failureResult builds the error-status terminal result for a command that
// could not run at all.
func failureResult(commandID, command, execType, target, reason string) *protocol.ResultEnvelope {
	return &protocol.ResultEnvelope{
		CommandID:     commandID,
		Command:       command,
		ExitCode:      -1,
		Stderr:        reason,
		ExecutionType: execType,
		Target:        target,
		Status:        protocol.StatusError,
		Timestamp:     time.Now().UTC(),
	}
}

func statusForExit(code int) string {
	if code == 0 {
		return protocol.StatusSuccess
	}
	return protocol.StatusError
}
