package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pocketsync/internal/digest"
	"pocketsync/internal/domain"
	"pocketsync/internal/ports"
	"pocketsync/internal/wire"
)

// SyncConfig holds the per-stage timeouts and the cross-stage retry
// policy for the handoff protocol.
type SyncConfig struct {
	ReadinessTimeout time.Duration
	RequestTimeout   time.Duration
	ConfirmTimeout   time.Duration
	MaxRetries       int
	Backoff          []time.Duration
	LocationMaxAge   time.Duration
}

// DefaultSyncConfig returns the stock protocol policy. The
// confirmation timeout is deliberately the longest: the host process
// may be backgrounded while it persists the file.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		ReadinessTimeout: 5 * time.Second,
		RequestTimeout:   10 * time.Second,
		ConfirmTimeout:   15 * time.Second,
		MaxRetries:       3,
		Backoff:          []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
		LocationMaxAge:   5 * time.Minute,
	}
}

// Loop-internal stages that never reach the store.
const (
	stageActivating domain.SyncStage = "activating"
	stageRetryWait  domain.SyncStage = "retry_backoff"
)

type command struct {
	recordingID string // empty means drain the whole pending queue
	reply       chan error
}

// operation is the single in-flight transfer. At most one exists at
// any time; that exclusivity serializes use of the link and the
// stage timer.
type operation struct {
	rec       domain.Recording
	checksum  digest.Digest
	startedAt time.Time
	stage     domain.SyncStage
	attempts  int
	request   wire.SyncRequest

	cancel         context.CancelFunc // cancels activation and transfer work
	cancelTransfer context.CancelFunc
	notify         chan error // terminal result for the submitting caller; nil for auto drains
	drain          *drainState
}

// drainState tracks one batch-sync pass over the pending queue.
// Recordings that failed fast within this pass are skipped so the
// drain always terminates.
type drainState struct {
	skip map[string]bool
}

type activationOutcome struct {
	gen int
	err error
}

type transferOutcome struct {
	gen int
	err error
}

// SyncCoordinator drives one recording at a time through the handoff
// protocol. All transitions happen on the Run goroutine: inbound
// messages, timer expiry, and worker outcomes are joined in a single
// select, so exactly one of {signal, timeout} wins each stage and the
// loser is discarded.
type SyncCoordinator struct {
	store     ports.RecordingStore
	link      ports.TransportLink
	activator *ActivationCoordinator
	events    ports.EventSink
	cfg       SyncConfig
	log       *slog.Logger

	commands chan command

	// Loop state, touched only by the Run goroutine.
	runCtx         context.Context
	op             *operation
	timer          *time.Timer
	activationDone chan activationOutcome
	transferDone   chan transferOutcome
	activationGen  int
	transferGen    int

	mu   sync.Mutex
	snap domain.SyncSnapshot
}

func NewSyncCoordinator(
	store ports.RecordingStore,
	link ports.TransportLink,
	activator *ActivationCoordinator,
	events ports.EventSink,
	cfg SyncConfig,
	log *slog.Logger,
) *SyncCoordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultSyncConfig().Backoff
	}
	if log == nil {
		log = slog.Default()
	}
	return &SyncCoordinator{
		store:          store,
		link:           link,
		activator:      activator,
		events:         events,
		cfg:            cfg,
		log:            log,
		commands:       make(chan command),
		activationDone: make(chan activationOutcome, 1),
		transferDone:   make(chan transferOutcome, 1),
	}
}

// Sync transfers one recording. It blocks until the operation reaches
// a terminal state; a sync already in flight is rejected immediately
// with ErrSyncInProgress, never queued.
func (c *SyncCoordinator) Sync(ctx context.Context, recordingID string) error {
	return c.submit(ctx, recordingID)
}

// SyncAll drains the pending queue strictly one recording at a time:
// each recording fully completes before the next one starts.
func (c *SyncCoordinator) SyncAll(ctx context.Context) error {
	return c.submit(ctx, "")
}

func (c *SyncCoordinator) submit(ctx context.Context, recordingID string) error {
	cmd := command{recordingID: recordingID, reply: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the in-flight operation.
func (c *SyncCoordinator) Status() domain.SyncSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Run executes the coordinator loop until ctx is cancelled.
func (c *SyncCoordinator) Run(ctx context.Context) {
	c.runCtx = ctx
	c.timer = time.NewTimer(time.Hour)
	c.stopTimer()

	msgs := c.link.Messages()
	for {
		select {
		case <-ctx.Done():
			if c.op != nil {
				c.op.cancel()
				c.finish(c.op, ctx.Err())
				c.op = nil
			}
			return

		case cmd := <-c.commands:
			c.handleCommand(cmd)

		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				c.handleLinkLost()
				continue
			}
			c.handleMessage(msg)

		case out := <-c.activationDone:
			c.handleActivationOutcome(out)

		case out := <-c.transferDone:
			c.handleTransferOutcome(out)

		case <-c.timer.C:
			c.handleTimeout()
		}
	}
}

func (c *SyncCoordinator) handleCommand(cmd command) {
	if c.op != nil {
		cmd.reply <- domain.ErrSyncInProgress
		return
	}

	if cmd.recordingID != "" {
		rec, err := c.store.Get(c.runCtx, cmd.recordingID)
		if err != nil {
			cmd.reply <- err
			return
		}
		if !rec.SyncStatus.Retriable() {
			cmd.reply <- fmt.Errorf("recording %s is %s and not eligible for sync", rec.ID, rec.SyncStatus)
			return
		}
		c.startOperation(rec, cmd.reply, nil)
		return
	}

	pending, err := c.store.PendingSync(c.runCtx)
	if err != nil {
		cmd.reply <- err
		return
	}
	if len(pending) == 0 {
		cmd.reply <- nil
		return
	}
	for _, rec := range pending[1:] {
		if err := c.store.UpdateSyncStatus(c.runCtx, rec.ID, domain.SyncStatusPending); err != nil {
			c.log.Warn("failed to mark recording pending", "id", rec.ID, "error", err)
		}
	}
	c.startOperation(pending[0], cmd.reply, &drainState{skip: map[string]bool{}})
}

func (c *SyncCoordinator) startOperation(rec domain.Recording, notify chan error, drain *drainState) {
	sum, err := c.store.Checksum(rec)
	if err != nil {
		// A recording whose file has vanished is a bookkeeping
		// anomaly, not a transport failure: fail it without touching
		// the attempt counter and keep the queue moving.
		if errors.Is(err, domain.ErrRecordingFileMissing) {
			c.log.Error("recording file missing at checksum time", "id", rec.ID)
			if uerr := c.store.UpdateSyncStatus(c.runCtx, rec.ID, domain.SyncStatusFailed); uerr != nil {
				c.log.Warn("failed to mark recording syncFailed", "id", rec.ID, "error", uerr)
			}
			c.events.SyncStateChanged(rec.ID, domain.SyncStageIdle, domain.SyncReasonFileMissing)
			c.events.SyncFailed(rec.ID, rec.SyncAttempts, err)
			if drain != nil {
				drain.skip[rec.ID] = true
				c.continueDrain(notify, drain)
				return
			}
			if notify != nil {
				notify <- err
			}
			return
		}
		c.log.Warn("checksum failed", "id", rec.ID, "error", err)
		if notify != nil {
			notify <- err
		}
		return
	}

	if err := c.store.UpdateSyncAttempts(c.runCtx, rec.ID, domain.SyncStatusSyncing, 0); err != nil {
		c.log.Warn("failed to mark recording syncing", "id", rec.ID, "error", err)
	}

	opCtx, cancel := context.WithCancel(c.runCtx)
	c.op = &operation{
		rec:       rec,
		checksum:  sum,
		startedAt: time.Now(),
		cancel:    cancel,
		notify:    notify,
		drain:     drain,
	}
	c.log.Info("sync started", "id", rec.ID, "size", rec.FileSize)

	if c.activator.State() == domain.ActivationStateActive {
		c.enterCheckingReadiness(domain.SyncReasonStarted)
		return
	}

	c.setStage(stageActivating)
	c.activationGen++
	gen := c.activationGen
	go func() {
		err := c.activator.Activate(opCtx)
		c.activationDone <- activationOutcome{gen: gen, err: err}
	}()
}

func (c *SyncCoordinator) handleActivationOutcome(out activationOutcome) {
	if c.op == nil || c.op.stage != stageActivating || out.gen != c.activationGen {
		return
	}
	if out.err == nil {
		c.enterCheckingReadiness(domain.SyncReasonStarted)
		return
	}

	op := c.op
	c.op = nil
	if uerr := c.store.UpdateSyncStatus(c.runCtx, op.rec.ID, domain.SyncStatusPending); uerr != nil {
		c.log.Warn("failed to re-queue recording", "id", op.rec.ID, "error", uerr)
	}
	if errors.Is(out.err, domain.ErrActivationTimedOut) {
		c.events.SyncFailed(op.rec.ID, op.attempts, out.err)
	} else {
		c.log.Warn("activation aborted", "id", op.rec.ID, "error", out.err)
	}
	c.finish(op, out.err)
}

func (c *SyncCoordinator) enterCheckingReadiness(reason domain.SyncStateReason) {
	op := c.op
	c.setStage(domain.SyncStageCheckingReadiness)
	c.events.SyncStateChanged(op.rec.ID, domain.SyncStageCheckingReadiness, reason)

	msg, err := wire.New(wire.TypeReadinessCheck, wire.ReadinessCheck{
		RecordingID: op.rec.ID,
		FileSize:    op.rec.FileSize,
		Duration:    op.rec.Duration,
	})
	if err != nil {
		c.fail(err)
		return
	}
	if err := c.link.Send(msg); err != nil {
		c.fail(err)
		return
	}
	c.armTimer(c.cfg.ReadinessTimeout)
}

func (c *SyncCoordinator) enterSyncRequested() {
	op := c.op
	c.setStage(domain.SyncStageSyncRequested)
	c.events.SyncStateChanged(op.rec.ID, domain.SyncStageSyncRequested, domain.SyncReasonHostReady)

	req := wire.SyncRequest{
		RecordingID: op.rec.ID,
		Filename:    op.rec.Filename,
		Duration:    op.rec.Duration,
		FileSize:    op.rec.FileSize,
		CreatedAt:   op.rec.CreatedAt,
		Checksum:    op.checksum.Bytes(),
	}
	// Stale location fixes are omitted, not sent.
	if op.rec.Location.FreshAt(time.Now(), c.cfg.LocationMaxAge) {
		req.Location = &wire.Location{
			Latitude:           op.rec.Location.Latitude,
			Longitude:          op.rec.Location.Longitude,
			HorizontalAccuracy: op.rec.Location.HorizontalAccuracy,
			CapturedAt:         op.rec.Location.CapturedAt,
		}
	}
	op.request = req

	msg, err := wire.New(wire.TypeSyncRequest, req)
	if err != nil {
		c.fail(err)
		return
	}
	if err := c.link.Send(msg); err != nil {
		c.fail(err)
		return
	}
	c.armTimer(c.cfg.RequestTimeout)
}

func (c *SyncCoordinator) enterTransferring() {
	op := c.op
	c.setStage(domain.SyncStageTransferring)
	c.events.SyncStateChanged(op.rec.ID, domain.SyncStageTransferring, domain.SyncReasonRequestAccepted)

	transferCtx, cancel := context.WithCancel(c.runCtx)
	op.cancelTransfer = cancel
	c.transferGen++
	gen := c.transferGen

	path := op.rec.Path
	begin := wire.TransferBegin{Request: op.request}
	recID := op.rec.ID
	go func() {
		err := c.link.Transfer(transferCtx, path, begin, func(sent, total int64) {
			c.events.SyncProgress(recID, sent, total)
		})
		c.transferDone <- transferOutcome{gen: gen, err: err}
	}()
}

func (c *SyncCoordinator) handleTransferOutcome(out transferOutcome) {
	if c.op == nil || c.op.stage != domain.SyncStageTransferring || out.gen != c.transferGen {
		return
	}
	c.op.cancelTransfer = nil
	if out.err != nil {
		c.fail(out.err)
		return
	}
	c.enterAwaitingConfirmation()
}

func (c *SyncCoordinator) enterAwaitingConfirmation() {
	op := c.op
	c.setStage(domain.SyncStageAwaitingConfirmation)
	c.events.SyncStateChanged(op.rec.ID, domain.SyncStageAwaitingConfirmation, domain.SyncReasonTransferComplete)
	c.armTimer(c.cfg.ConfirmTimeout)
}

func (c *SyncCoordinator) handleMessage(msg wire.Message) {
	switch msg.Type {
	case wire.TypeActivationAck:
		c.activator.NoteAck()
		if c.op == nil {
			// The counterpart just reported newly active: previously
			// failed recordings become eligible again.
			c.autoDrain()
		}

	case wire.TypeReadinessResponse:
		var resp wire.ReadinessResponse
		if err := msg.Decode(&resp); err != nil {
			c.log.Warn("bad readiness response", "error", err)
			return
		}
		if !c.expecting(domain.SyncStageCheckingReadiness, resp.RecordingID) {
			return
		}
		c.stopTimer()
		if !resp.Ready {
			c.fail(fmt.Errorf("%w: %s", domain.ErrReadinessRejected, resp.Reason))
			return
		}
		c.enterSyncRequested()

	case wire.TypeSyncResponse:
		var resp wire.SyncResponse
		if err := msg.Decode(&resp); err != nil {
			c.log.Warn("bad sync response", "error", err)
			return
		}
		if !c.expecting(domain.SyncStageSyncRequested, resp.RecordingID) {
			return
		}
		c.stopTimer()
		if !resp.Accepted {
			c.fail(fmt.Errorf("%w: %s", domain.ErrSyncRejected, resp.Reason))
			return
		}
		c.enterTransferring()

	case wire.TypeSyncComplete:
		var done wire.SyncComplete
		if err := msg.Decode(&done); err != nil {
			c.log.Warn("bad sync-complete", "error", err)
			return
		}
		if !c.expecting(domain.SyncStageAwaitingConfirmation, done.RecordingID) {
			// Late confirmation after an optimistic completion.
			c.log.Info("unexpected sync-complete", "id", done.RecordingID)
			return
		}
		c.stopTimer()
		c.completeSynced(domain.SyncReasonHostConfirmed)

	case wire.TypeSyncFailed:
		var failed wire.SyncFailed
		if err := msg.Decode(&failed); err != nil {
			c.log.Warn("bad sync-failed", "error", err)
			return
		}
		if c.op == nil || c.op.rec.ID != failed.RecordingID {
			return
		}
		c.stopTimer()
		if c.op.cancelTransfer != nil {
			c.op.cancelTransfer()
			c.op.cancelTransfer = nil
		}
		c.fail(fmt.Errorf("host reported failure: %s", failed.Reason))

	default:
		c.log.Debug("ignoring message", "type", msg.Type)
	}
}

func (c *SyncCoordinator) handleTimeout() {
	if c.op == nil {
		return
	}
	switch c.op.stage {
	case domain.SyncStageCheckingReadiness:
		c.fail(fmt.Errorf("%w: readiness check timed out after %s", domain.ErrReadinessRejected, c.cfg.ReadinessTimeout))
	case domain.SyncStageSyncRequested:
		c.fail(fmt.Errorf("%w: no response after %s", domain.ErrSyncRejected, c.cfg.RequestTimeout))
	case domain.SyncStageAwaitingConfirmation:
		// Optimistic completion: the file itself is fully delivered
		// and the remaining step is host-side bookkeeping. Blocking
		// local storage reclamation indefinitely costs more than the
		// small risk of a false-positive synced marking.
		c.log.Warn("confirmation timed out; completing optimistically", "id", c.op.rec.ID)
		c.completeSynced(domain.SyncReasonConfirmationTimeout)
	case stageRetryWait:
		c.enterCheckingReadiness(domain.SyncReasonRetryScheduled)
	}
}

func (c *SyncCoordinator) handleLinkLost() {
	c.activator.NoteLinkLost()
	if c.op == nil {
		return
	}
	c.stopTimer()
	if c.op.cancelTransfer != nil {
		c.op.cancelTransfer()
		c.op.cancelTransfer = nil
	}
	// Fail now instead of waiting for the stage timer.
	c.fail(fmt.Errorf("%w: link lost during %s", domain.ErrLinkUnreachable, c.op.stage))
}

// fail routes any stage failure through the shared retry policy.
func (c *SyncCoordinator) fail(cause error) {
	op := c.op
	c.stopTimer()
	op.attempts++

	stageErr := &domain.StageError{Stage: op.stage, Err: cause}
	if op.attempts < c.cfg.MaxRetries {
		delay := c.backoffFor(op.attempts)
		if err := c.store.UpdateSyncAttempts(c.runCtx, op.rec.ID, domain.SyncStatusSyncing, op.attempts); err != nil {
			c.log.Warn("failed to record sync attempt", "id", op.rec.ID, "error", err)
		}
		c.log.Warn("sync stage failed; retry scheduled",
			"id", op.rec.ID, "attempt", op.attempts, "delay", delay, "error", stageErr)
		c.events.SyncStateChanged(op.rec.ID, op.stage, domain.SyncReasonRetryScheduled)
		c.setStage(stageRetryWait)
		c.armTimer(delay)
		return
	}

	if err := c.store.UpdateSyncAttempts(c.runCtx, op.rec.ID, domain.SyncStatusFailed, op.attempts); err != nil {
		c.log.Warn("failed to mark recording syncFailed", "id", op.rec.ID, "error", err)
	}
	terminal := fmt.Errorf("%w after %d attempts: %v", domain.ErrRetriesExhausted, op.attempts, stageErr)
	c.log.Error("sync failed", "id", op.rec.ID, "attempts", op.attempts, "error", stageErr)
	c.events.SyncStateChanged(op.rec.ID, op.stage, domain.SyncReasonRetriesExhausted)
	c.events.SyncFailed(op.rec.ID, op.attempts, terminal)

	c.op = nil
	op.cancel()
	c.finish(op, terminal)
}

// backoffFor selects the delay for the given 1-based attempt index;
// the last value is reused once the schedule is exhausted.
func (c *SyncCoordinator) backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(c.cfg.Backoff) {
		idx = len(c.cfg.Backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return c.cfg.Backoff[idx]
}

func (c *SyncCoordinator) completeSynced(reason domain.SyncStateReason) {
	op := c.op
	if err := c.store.UpdateSyncStatus(c.runCtx, op.rec.ID, domain.SyncStatusSynced); err != nil {
		c.log.Warn("failed to mark recording synced", "id", op.rec.ID, "error", err)
	}
	// Deletion happens strictly after the synced marking so a crash in
	// between is repaired by the startup orphan cleanup.
	if err := c.store.DeleteRecordingFile(op.rec); err != nil {
		c.log.Warn("failed to delete local file", "id", op.rec.ID, "error", err)
	}
	rec := op.rec
	rec.SyncStatus = domain.SyncStatusSynced
	rec.SyncAttempts = op.attempts

	c.setStage(domain.SyncStageSynced)
	c.events.SyncStateChanged(rec.ID, domain.SyncStageSynced, reason)
	c.events.SyncCompleted(rec)
	c.log.Info("sync complete", "id", rec.ID, "reason", reason)

	c.op = nil
	op.cancel()
	if op.drain != nil {
		c.continueDrain(op.notify, op.drain)
		return
	}
	c.finish(op, nil)
}

// continueDrain pops the next pending recording after a completed
// one, keeping batch sync strictly sequential.
func (c *SyncCoordinator) continueDrain(notify chan error, drain *drainState) {
	pending, err := c.store.PendingSync(c.runCtx)
	if err != nil {
		c.log.Warn("failed to query pending recordings", "error", err)
		if notify != nil {
			notify <- err
		}
		return
	}
	for _, rec := range pending {
		if drain.skip[rec.ID] {
			continue
		}
		c.startOperation(rec, notify, drain)
		return
	}
	if notify != nil {
		notify <- nil
	}
	c.clearSnapshot()
}

func (c *SyncCoordinator) autoDrain() {
	pending, err := c.store.PendingSync(c.runCtx)
	if err != nil {
		c.log.Warn("failed to query pending recordings", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	c.log.Info("counterpart active; draining pending recordings", "count", len(pending))
	c.startOperation(pending[0], nil, &drainState{skip: map[string]bool{}})
}

func (c *SyncCoordinator) finish(op *operation, err error) {
	c.clearSnapshot()
	if op.notify != nil {
		op.notify <- err
	}
}

func (c *SyncCoordinator) expecting(stage domain.SyncStage, recordingID string) bool {
	if c.op == nil || c.op.stage != stage || c.op.rec.ID != recordingID {
		c.log.Debug("ignoring message outside expected stage", "id", recordingID, "stage", stage)
		return false
	}
	return true
}

func (c *SyncCoordinator) setStage(stage domain.SyncStage) {
	c.op.stage = stage
	c.mu.Lock()
	c.snap = domain.SyncSnapshot{
		Active:      true,
		RecordingID: c.op.rec.ID,
		Stage:       stage,
		Attempts:    c.op.attempts,
		StartedAt:   c.op.startedAt,
	}
	c.mu.Unlock()
}

func (c *SyncCoordinator) clearSnapshot() {
	c.mu.Lock()
	c.snap = domain.SyncSnapshot{Stage: domain.SyncStageIdle}
	c.mu.Unlock()
}

// armTimer owns the single stage timer: entering a stage replaces any
// previous deadline.
func (c *SyncCoordinator) armTimer(d time.Duration) {
	c.stopTimer()
	c.timer.Reset(d)
}

func (c *SyncCoordinator) stopTimer() {
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
}
