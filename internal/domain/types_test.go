package domain

import (
	"errors"
	"testing"
	"time"
)

func TestSyncStatusRetriable(t *testing.T) {
	t.Parallel()
	retriable := []SyncStatus{SyncStatusUnsynced, SyncStatusPending, SyncStatusFailed}
	for _, s := range retriable {
		if !s.Retriable() {
			t.Errorf("%s should be retriable", s)
		}
	}
	for _, s := range []SyncStatus{SyncStatusSyncing, SyncStatusSynced, SyncStatus("bogus")} {
		if s.Retriable() {
			t.Errorf("%s should not be retriable", s)
		}
	}
}

func TestLocationFreshAt(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	maxAge := 5 * time.Minute

	var nilSample *LocationSample
	if nilSample.FreshAt(now, maxAge) {
		t.Error("nil sample must never be fresh")
	}

	fresh := &LocationSample{CapturedAt: now.Add(-time.Minute)}
	if !fresh.FreshAt(now, maxAge) {
		t.Error("one-minute-old sample should be fresh")
	}

	boundary := &LocationSample{CapturedAt: now.Add(-maxAge)}
	if !boundary.FreshAt(now, maxAge) {
		t.Error("sample exactly at max age should still be fresh")
	}

	stale := &LocationSample{CapturedAt: now.Add(-maxAge - time.Second)}
	if stale.FreshAt(now, maxAge) {
		t.Error("sample past max age must be stale")
	}

	future := &LocationSample{CapturedAt: now.Add(time.Minute)}
	if future.FreshAt(now, maxAge) {
		t.Error("sample from the future must not be fresh")
	}
}

func TestStageErrorUnwrap(t *testing.T) {
	t.Parallel()
	err := &StageError{Stage: SyncStageSyncRequested, Err: ErrSyncRejected}
	if !errors.Is(err, ErrSyncRejected) {
		t.Error("StageError must unwrap to its cause")
	}
	if got := err.Error(); got != "stage sync_requested: host rejected sync request" {
		t.Errorf("Error() = %q", got)
	}
}
