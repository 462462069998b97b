package ports

import (
	"context"
	"time"

	"pocketsync/internal/digest"
	"pocketsync/internal/domain"
	"pocketsync/internal/wire"
)

// RecordingStore owns durable recording metadata and the local audio
// files. Files exist exactly while the recording is not synced, and
// only the store ever deletes them.
type RecordingStore interface {
	// Persist moves a finished capture file into the store and records
	// it with status unsynced.
	Persist(ctx context.Context, sourcePath string, duration time.Duration, capturedAt time.Time, location *domain.LocationSample) (domain.Recording, error)

	Get(ctx context.Context, id string) (domain.Recording, error)
	List(ctx context.Context) ([]domain.Recording, error)

	// PendingSync returns recordings eligible for the sync queue,
	// oldest first.
	PendingSync(ctx context.Context) ([]domain.Recording, error)

	// UpdateSyncStatus is idempotent; an unknown id is logged and
	// ignored.
	UpdateSyncStatus(ctx context.Context, id string, status domain.SyncStatus) error

	// UpdateSyncAttempts records a status together with the attempt
	// counter.
	UpdateSyncAttempts(ctx context.Context, id string, status domain.SyncStatus, attempts int) error

	// Checksum computes the content digest of the recording file.
	// Returns domain.ErrRecordingFileMissing when the file is absent.
	Checksum(rec domain.Recording) (digest.Digest, error)

	// DeleteRecordingFile removes the audio file from disk. Callers
	// invoke this only after the status has been set to synced.
	DeleteRecordingFile(rec domain.Recording) error
}

// TransportLink is the asynchronous, reachability-gated message link
// to the counterpart device.
type TransportLink interface {
	// Send transmits one discrete message, fire-and-forget. It fails
	// immediately with domain.ErrLinkUnreachable when the link is down
	// instead of blocking on reachability.
	Send(msg wire.Message) error

	// Transfer streams the file at path as one logical bulk operation
	// and reports exactly one terminal outcome. Cancelling ctx aborts
	// the transfer. progress may be nil.
	Transfer(ctx context.Context, path string, begin wire.TransferBegin, progress func(sent, total int64)) error

	// Messages delivers inbound messages from the counterpart. The
	// channel is closed when the link is lost.
	Messages() <-chan wire.Message

	Reachable() bool
	Close() error
}

// EventSink receives sync lifecycle events for presentation. It
// replaces name-keyed notification fan-out with a typed observer
// scoped to the coordinator instance.
type EventSink interface {
	SyncStateChanged(recordingID string, stage domain.SyncStage, reason domain.SyncStateReason)
	SyncProgress(recordingID string, sent int64, total int64)
	SyncCompleted(rec domain.Recording)
	// SyncFailed is emitted only for user-visible terminal failures
	// (retries exhausted, activation timed out).
	SyncFailed(recordingID string, attempts int, err error)
	ActivationStateChanged(state domain.ActivationState, attempt int)
}
