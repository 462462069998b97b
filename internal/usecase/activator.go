package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pocketsync/internal/domain"
	"pocketsync/internal/ports"
	"pocketsync/internal/wire"
)

// ActivationConfig bounds the counterpart wake-up handshake.
type ActivationConfig struct {
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	MaxAttempts    int
}

// DefaultActivationConfig returns the stock activation policy.
func DefaultActivationConfig() ActivationConfig {
	return ActivationConfig{
		AttemptTimeout: 5 * time.Second,
		RetryDelay:     time.Second,
		MaxAttempts:    3,
	}
}

// ActivationCoordinator ensures the counterpart application is awake
// and reachable before a transfer is attempted. Acks are observed out
// of band via NoteAck, so each attempt is a single cancellable wait
// rather than a poll loop.
type ActivationCoordinator struct {
	link   ports.TransportLink
	events ports.EventSink
	cfg    ActivationConfig
	log    *slog.Logger

	mu    sync.Mutex
	state domain.ActivationState
	ackCh chan struct{}
}

func NewActivationCoordinator(link ports.TransportLink, events ports.EventSink, cfg ActivationConfig, log *slog.Logger) *ActivationCoordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &ActivationCoordinator{
		link:   link,
		events: events,
		cfg:    cfg,
		log:    log,
		state:  domain.ActivationStateIdle,
	}
}

// State returns the current activation state.
func (a *ActivationCoordinator) State() domain.ActivationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// NoteAck records an activation-ack from the counterpart and unblocks
// any waiter. Called by whoever owns the inbound message loop.
func (a *ActivationCoordinator) NoteAck() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = domain.ActivationStateActive
	if a.ackCh != nil {
		close(a.ackCh)
		a.ackCh = nil
	}
}

// NoteLinkLost resets activation; the counterpart must be re-woken on
// the next connection.
func (a *ActivationCoordinator) NoteLinkLost() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = domain.ActivationStateIdle
}

// Activate returns once the counterpart is active. Already-active is
// a no-op. Otherwise it sends an activation request and waits up to
// the per-attempt timeout, retrying up to the attempt budget;
// exhaustion returns ErrActivationTimedOut with the attempt count.
func (a *ActivationCoordinator) Activate(ctx context.Context) error {
	a.mu.Lock()
	if a.state == domain.ActivationStateActive {
		a.mu.Unlock()
		return nil
	}
	if a.ackCh == nil {
		a.ackCh = make(chan struct{})
	}
	ack := a.ackCh
	a.state = domain.ActivationStateActivating
	a.mu.Unlock()

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		a.events.ActivationStateChanged(domain.ActivationStateActivating, attempt)

		msg, err := wire.New(wire.TypeActivationRequest, nil)
		if err != nil {
			return err
		}
		if err := a.link.Send(msg); err != nil {
			a.setState(domain.ActivationStateIdle)
			return err
		}

		timer := time.NewTimer(a.cfg.AttemptTimeout)
		select {
		case <-ack:
			timer.Stop()
			a.events.ActivationStateChanged(domain.ActivationStateActive, attempt)
			return nil
		case <-ctx.Done():
			timer.Stop()
			a.setState(domain.ActivationStateIdle)
			return ctx.Err()
		case <-timer.C:
			a.log.Warn("activation attempt timed out", "attempt", attempt, "max", a.cfg.MaxAttempts)
		}

		if attempt < a.cfg.MaxAttempts && a.cfg.RetryDelay > 0 {
			delay := time.NewTimer(a.cfg.RetryDelay)
			select {
			case <-ack:
				delay.Stop()
				a.events.ActivationStateChanged(domain.ActivationStateActive, attempt)
				return nil
			case <-ctx.Done():
				delay.Stop()
				a.setState(domain.ActivationStateIdle)
				return ctx.Err()
			case <-delay.C:
			}
		}
	}

	a.setState(domain.ActivationStateFailed)
	a.events.ActivationStateChanged(domain.ActivationStateFailed, a.cfg.MaxAttempts)
	return fmt.Errorf("%w after %d attempts", domain.ErrActivationTimedOut, a.cfg.MaxAttempts)
}

func (a *ActivationCoordinator) setState(state domain.ActivationState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
}
