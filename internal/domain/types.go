package domain

import "time"

// SyncStatus models the durable sync lifecycle of a recording.
type SyncStatus string

const (
	SyncStatusUnsynced SyncStatus = "unsynced"
	SyncStatusPending  SyncStatus = "pendingSync"
	SyncStatusSyncing  SyncStatus = "syncing"
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusFailed   SyncStatus = "syncFailed"
)

// Retriable reports whether a recording in this status is eligible to
// be picked up by the sync queue.
func (s SyncStatus) Retriable() bool {
	switch s {
	case SyncStatusUnsynced, SyncStatusPending, SyncStatusFailed:
		return true
	}
	return false
}

// SyncStage identifies the protocol stage of the in-flight operation.
type SyncStage string

const (
	SyncStageIdle                 SyncStage = "idle"
	SyncStageCheckingReadiness    SyncStage = "checking_readiness"
	SyncStageSyncRequested        SyncStage = "sync_requested"
	SyncStageTransferring         SyncStage = "transferring"
	SyncStageAwaitingConfirmation SyncStage = "awaiting_confirmation"
	SyncStageSynced               SyncStage = "synced"
)

// SyncStateReason provides a structured reason for stage transitions.
type SyncStateReason string

const (
	SyncReasonStarted             SyncStateReason = "sync_started"
	SyncReasonHostReady           SyncStateReason = "host_ready"
	SyncReasonRequestAccepted     SyncStateReason = "request_accepted"
	SyncReasonTransferComplete    SyncStateReason = "transfer_complete"
	SyncReasonHostConfirmed       SyncStateReason = "host_confirmed"
	SyncReasonConfirmationTimeout SyncStateReason = "confirmation_timeout"
	SyncReasonRetryScheduled      SyncStateReason = "retry_scheduled"
	SyncReasonRetriesExhausted    SyncStateReason = "retries_exhausted"
	SyncReasonFileMissing         SyncStateReason = "file_missing"
	SyncReasonLinkLost            SyncStateReason = "link_lost"
)

// ActivationState models the counterpart wake-up lifecycle.
type ActivationState string

const (
	ActivationStateIdle       ActivationState = "idle"
	ActivationStateActivating ActivationState = "activating"
	ActivationStateActive     ActivationState = "active"
	ActivationStateFailed     ActivationState = "failed"
)

// LocationSample is a single position fix captured at recording start.
type LocationSample struct {
	Latitude           float64
	Longitude          float64
	HorizontalAccuracy float64
	CapturedAt         time.Time
}

// FreshAt reports whether the sample is recent enough to attach to a
// sync request. Stale samples are omitted rather than sent.
func (l *LocationSample) FreshAt(now time.Time, maxAge time.Duration) bool {
	if l == nil {
		return false
	}
	age := now.Sub(l.CapturedAt)
	return age >= 0 && age <= maxAge
}

// Recording is the durable metadata for one completed capture. The
// audio file on local disk exists exactly while SyncStatus != synced.
type Recording struct {
	ID           string
	Filename     string
	Path         string
	Duration     time.Duration
	FileSize     int64
	CreatedAt    time.Time
	SyncStatus   SyncStatus
	SyncAttempts int
	Location     *LocationSample
}

// SyncSnapshot summarizes the coordinator's current state for status
// queries and the CLI.
type SyncSnapshot struct {
	Active      bool
	RecordingID string
	Stage       SyncStage
	Attempts    int
	StartedAt   time.Time
}
