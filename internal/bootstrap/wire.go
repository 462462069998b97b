// Package bootstrap wires the runtime graph: configuration, the
// recording store, and per-connection sync machinery. No business
// logic lives here.
package bootstrap

import (
	"context"
	"log/slog"

	"pocketsync/internal/config"
	"pocketsync/internal/domain"
	"pocketsync/internal/ports"
	"pocketsync/internal/store"
	"pocketsync/internal/transport"
	"pocketsync/internal/usecase"
)

// Services is the assembled wearable-side runtime.
type Services struct {
	Config config.Config
	Store  *store.Store
	Log    *slog.Logger
}

// Build loads configuration, opens the recording store, and runs the
// startup orphan cleanup.
func Build(log *slog.Logger) (Services, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	st, err := store.Open(cfg.Store.DBPath, cfg.Store.RecordingsDir, log)
	if err != nil {
		return Services{}, err
	}
	if removed, err := st.CleanupOrphans(context.Background()); err != nil {
		log.Warn("orphan cleanup incomplete", "error", err)
	} else if removed > 0 {
		log.Info("removed orphaned recording files", "count", removed)
	}

	return Services{Config: cfg, Store: st, Log: log}, nil
}

// Close releases the store.
func (s Services) Close() error {
	return s.Store.Close()
}

// Agent is one live connection to the host with its sync machinery.
type Agent struct {
	Link        *transport.Link
	Activator   *usecase.ActivationCoordinator
	Coordinator *usecase.SyncCoordinator
}

// Connect dials the host and assembles the coordinators around the
// resulting link. The caller runs Coordinator.Run and closes the
// link when done.
func (s Services) Connect(ctx context.Context, events ports.EventSink) (*Agent, error) {
	link, err := transport.Dial(ctx, s.Config.Link.HostURL, s.Config.Link.ChunkSize, s.Log)
	if err != nil {
		return nil, err
	}

	activator := usecase.NewActivationCoordinator(link, events, usecase.ActivationConfig{
		AttemptTimeout: s.Config.Activation.AttemptTimeout,
		RetryDelay:     s.Config.Activation.RetryDelay,
		MaxAttempts:    s.Config.Activation.MaxAttempts,
	}, s.Log)

	coordinator := usecase.NewSyncCoordinator(s.Store, link, activator, events, usecase.SyncConfig{
		ReadinessTimeout: s.Config.Sync.ReadinessTimeout,
		RequestTimeout:   s.Config.Sync.RequestTimeout,
		ConfirmTimeout:   s.Config.Sync.ConfirmTimeout,
		MaxRetries:       s.Config.Sync.MaxRetries,
		Backoff:          s.Config.Sync.Backoff,
		LocationMaxAge:   s.Config.Sync.LocationMaxAge,
	}, s.Log)

	return &Agent{Link: link, Activator: activator, Coordinator: coordinator}, nil
}

// LogSink is an EventSink that writes lifecycle events to the logger.
// Used by the headless agent, where there is no interactive surface.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) SyncStateChanged(recordingID string, stage domain.SyncStage, reason domain.SyncStateReason) {
	s.Log.Debug("sync stage", "id", recordingID, "stage", stage, "reason", reason)
}

func (s LogSink) SyncProgress(recordingID string, sent, total int64) {
	s.Log.Debug("transfer progress", "id", recordingID, "sent", sent, "total", total)
}

func (s LogSink) SyncCompleted(rec domain.Recording) {
	s.Log.Info("recording synced", "id", rec.ID)
}

func (s LogSink) SyncFailed(recordingID string, attempts int, err error) {
	s.Log.Error("recording sync failed", "id", recordingID, "attempts", attempts, "error", err)
}

func (s LogSink) ActivationStateChanged(state domain.ActivationState, attempt int) {
	s.Log.Debug("activation", "state", state, "attempt", attempt)
}
