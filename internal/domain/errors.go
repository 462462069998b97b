package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkUnreachable is returned when the transport link is not
	// currently connected, either at send time or mid-operation.
	ErrLinkUnreachable = errors.New("transport link unreachable")

	// ErrActivationTimedOut is returned after the counterpart failed to
	// report active within the bounded activation attempts.
	ErrActivationTimedOut = errors.New("counterpart activation timed out")

	// ErrReadinessRejected is returned when the host answers a
	// readiness check with not-ready.
	ErrReadinessRejected = errors.New("host not ready")

	// ErrSyncRejected is returned when the host declines a sync request.
	ErrSyncRejected = errors.New("host rejected sync request")

	// ErrTransferFailed is returned when the bulk transfer primitive
	// reports a terminal failure.
	ErrTransferFailed = errors.New("file transfer failed")

	// ErrRetriesExhausted is the terminal, user-visible failure after
	// the retry budget for one recording is spent.
	ErrRetriesExhausted = errors.New("sync retries exhausted")

	// ErrSyncInProgress is returned when a sync is requested while
	// another operation is already in flight.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrRecordingFileMissing is returned when the recording file is
	// absent at checksum time. Non-retryable; the attempt counter is
	// left untouched.
	ErrRecordingFileMissing = errors.New("recording file missing")

	// ErrRecordingNotFound is returned for lookups of unknown IDs.
	ErrRecordingNotFound = errors.New("recording not found")
)

// StageError wraps a failure with the protocol stage it occurred in.
type StageError struct {
	Stage SyncStage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
