package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/urfave/cli/v2"

	"pocketsync/internal/bootstrap"
	"pocketsync/internal/domain"
)

func main() {
	app := &cli.App{
		Name:  "pocketsync",
		Usage: "wearable recording store and host sync agent",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "import",
				Usage: "Register a finished capture file into the local store",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Usage: "Path to the capture file", Required: true},
					&cli.DurationFlag{Name: "duration", Usage: "Recording duration", Required: true},
					&cli.TimestampFlag{Name: "captured-at", Usage: "Capture timestamp (RFC3339)", Layout: time.RFC3339},
					&cli.Float64Flag{Name: "lat", Usage: "Latitude at recording start"},
					&cli.Float64Flag{Name: "lon", Usage: "Longitude at recording start"},
					&cli.Float64Flag{Name: "accuracy", Usage: "Horizontal accuracy in meters", Value: 10},
				},
				Action: importRecording,
			},
			{
				Name:   "list",
				Usage:  "List recordings and their sync status",
				Action: listRecordings,
			},
			{
				Name:   "status",
				Usage:  "Show pending/failed sync summary",
				Action: showStatus,
			},
			{
				Name:  "sync",
				Usage: "Connect to the host and sync recordings",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Sync a single recording instead of draining the queue"},
				},
				Action: syncRecordings,
			},
			{
				Name:   "run",
				Usage:  "Run the long-lived sync agent with automatic reconnect",
				Action: runAgent,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func importRecording(c *cli.Context) error {
	services, err := bootstrap.Build(newLogger(c))
	if err != nil {
		return err
	}
	defer services.Close()

	capturedAt := time.Now()
	if ts := c.Timestamp("captured-at"); ts != nil && !ts.IsZero() {
		capturedAt = *ts
	}

	var location *domain.LocationSample
	if c.IsSet("lat") && c.IsSet("lon") {
		location = &domain.LocationSample{
			Latitude:           c.Float64("lat"),
			Longitude:          c.Float64("lon"),
			HorizontalAccuracy: c.Float64("accuracy"),
			CapturedAt:         capturedAt,
		}
	}

	rec, err := services.Store.Persist(c.Context, c.String("file"), c.Duration("duration"), capturedAt, location)
	if err != nil {
		return fmt.Errorf("failed to import recording: %w", err)
	}

	fmt.Printf("Imported recording %s (%s, %d bytes)\n", rec.ID, rec.Duration, rec.FileSize)
	return nil
}

func listRecordings(c *cli.Context) error {
	services, err := bootstrap.Build(newLogger(c))
	if err != nil {
		return err
	}
	defer services.Close()

	recs, err := services.Store.List(c.Context)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No recordings")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("%s  %-12s  attempts=%d  %8d bytes  %s\n",
			rec.ID, rec.SyncStatus, rec.SyncAttempts, rec.FileSize,
			rec.CreatedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func showStatus(c *cli.Context) error {
	services, err := bootstrap.Build(newLogger(c))
	if err != nil {
		return err
	}
	defer services.Close()

	recs, err := services.Store.List(c.Context)
	if err != nil {
		return err
	}

	var pending, failed, synced int
	var pendingBytes int64
	for _, rec := range recs {
		switch {
		case rec.SyncStatus == domain.SyncStatusSynced:
			synced++
		case rec.SyncStatus == domain.SyncStatusFailed:
			failed++
			pendingBytes += rec.FileSize
		default:
			pending++
			pendingBytes += rec.FileSize
		}
	}
	fmt.Printf("Recordings: %d total, %d synced, %d pending, %d failed\n",
		len(recs), synced, pending, failed)
	fmt.Printf("Awaiting transfer: %d bytes\n", pendingBytes)
	return nil
}

func syncRecordings(c *cli.Context) error {
	services, err := bootstrap.Build(newLogger(c))
	if err != nil {
		return err
	}
	defer services.Close()

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agent, err := services.Connect(ctx, newProgressSink())
	if err != nil {
		return fmt.Errorf("failed to reach host: %w", err)
	}
	defer agent.Link.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go agent.Coordinator.Run(runCtx)

	if id := c.String("id"); id != "" {
		err = agent.Coordinator.Sync(ctx, id)
	} else {
		err = agent.Coordinator.SyncAll(ctx)
	}
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Println("Sync completed successfully")
	return nil
}

func runAgent(c *cli.Context) error {
	logger := newLogger(c)
	services, err := bootstrap.Build(logger)
	if err != nil {
		return err
	}
	defer services.Close()

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	const reconnectDelay = 5 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		agent, err := services.Connect(ctx, bootstrap.LogSink{Log: logger})
		if err != nil {
			logger.Warn("host unreachable; will retry", "delay", reconnectDelay, "error", err)
			select {
			case <-time.After(reconnectDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		connCtx, stop := context.WithCancel(ctx)
		go agent.Coordinator.Run(connCtx)

		if err := agent.Coordinator.SyncAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("drain incomplete", "error", err)
		}

		// Stay connected: the coordinator re-drains whenever the host
		// reports newly active. Leave only on link loss or shutdown.
		select {
		case <-agent.Link.Done():
			logger.Info("link lost; reconnecting", "delay", reconnectDelay)
		case <-ctx.Done():
		}
		stop()
		agent.Link.Close()

		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// progressSink renders transfer progress on the terminal during the
// interactive sync command.
type progressSink struct {
	mu  sync.Mutex
	bar *pb.ProgressBar
}

func newProgressSink() *progressSink {
	return &progressSink{}
}

func (s *progressSink) SyncStateChanged(recordingID string, stage domain.SyncStage, reason domain.SyncStateReason) {
	if stage == domain.SyncStageCheckingReadiness && reason == domain.SyncReasonStarted {
		fmt.Printf("Syncing %s...\n", recordingID)
	}
	if reason == domain.SyncReasonRetryScheduled {
		fmt.Printf("Stage %s failed; retrying\n", stage)
	}
}

func (s *progressSink) SyncProgress(_ string, sent, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar == nil {
		s.bar = pb.Full.Start64(total)
		s.bar.Set(pb.Bytes, true)
	}
	s.bar.SetCurrent(sent)
}

func (s *progressSink) SyncCompleted(rec domain.Recording) {
	s.finishBar()
	fmt.Printf("Synced %s\n", rec.ID)
}

func (s *progressSink) SyncFailed(recordingID string, attempts int, err error) {
	s.finishBar()
	fmt.Fprintf(os.Stderr, "Failed to sync %s after %d attempts: %v\n", recordingID, attempts, err)
}

func (s *progressSink) ActivationStateChanged(state domain.ActivationState, attempt int) {
	if state == domain.ActivationStateActivating {
		fmt.Printf("Waking host (attempt %d)...\n", attempt)
	}
}

func (s *progressSink) finishBar() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar != nil {
		s.bar.Finish()
		s.bar = nil
	}
}
