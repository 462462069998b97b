package usecase

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"pocketsync/internal/digest"
	"pocketsync/internal/domain"
	"pocketsync/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeStore is an in-memory RecordingStore tracking file existence
// separately from metadata.
type fakeStore struct {
	mu     sync.Mutex
	recs   map[string]*domain.Recording
	files  map[string]bool
	order  []string
	status []statusChange
}

type statusChange struct {
	id       string
	status   domain.SyncStatus
	attempts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recs:  map[string]*domain.Recording{},
		files: map[string]bool{},
	}
}

func (f *fakeStore) add(rec domain.Recording, fileExists bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := rec
	f.recs[rec.ID] = &r
	f.files[rec.ID] = fileExists
	f.order = append(f.order, rec.ID)
}

func (f *fakeStore) get(id string) domain.Recording {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.recs[id]
}

func (f *fakeStore) fileExists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[id]
}

func (f *fakeStore) statusHistory(id string) []statusChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []statusChange
	for _, s := range f.status {
		if s.id == id {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeStore) Persist(_ context.Context, _ string, _ time.Duration, _ time.Time, _ *domain.LocationSample) (domain.Recording, error) {
	panic("not used in coordinator tests")
}

func (f *fakeStore) Get(_ context.Context, id string) (domain.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return domain.Recording{}, domain.ErrRecordingNotFound
	}
	return *rec, nil
}

func (f *fakeStore) List(_ context.Context) ([]domain.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Recording
	for _, id := range f.order {
		out = append(out, *f.recs[id])
	}
	return out, nil
}

func (f *fakeStore) PendingSync(_ context.Context) ([]domain.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Recording
	for _, id := range f.order {
		if f.recs[id].SyncStatus.Retriable() {
			out = append(out, *f.recs[id])
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateSyncStatus(_ context.Context, id string, status domain.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.recs[id]; ok {
		rec.SyncStatus = status
		f.status = append(f.status, statusChange{id: id, status: status, attempts: rec.SyncAttempts})
	}
	return nil
}

func (f *fakeStore) UpdateSyncAttempts(_ context.Context, id string, status domain.SyncStatus, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.recs[id]; ok {
		rec.SyncStatus = status
		rec.SyncAttempts = attempts
		f.status = append(f.status, statusChange{id: id, status: status, attempts: attempts})
	}
	return nil
}

func (f *fakeStore) Checksum(rec domain.Recording) (digest.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.files[rec.ID] {
		return digest.Digest{}, domain.ErrRecordingFileMissing
	}
	return digest.Sum(strings.NewReader(rec.ID))
}

func (f *fakeStore) DeleteRecordingFile(rec domain.Recording) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[rec.ID] = false
	return nil
}

// fakeLink is a scriptable TransportLink. respond, when set, is
// invoked for every discrete send and may push replies into the
// inbox.
type fakeLink struct {
	mu       sync.Mutex
	sent     []wire.Message
	inbox    chan wire.Message
	lost     bool
	respond  func(l *fakeLink, msg wire.Message)
	sendErr  error
	transfer func(ctx context.Context, begin wire.TransferBegin, progress func(sent, total int64)) error
}

func newFakeLink() *fakeLink {
	return &fakeLink{inbox: make(chan wire.Message, 64)}
}

func (l *fakeLink) Send(msg wire.Message) error {
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		return domain.ErrLinkUnreachable
	}
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return err
	}
	l.sent = append(l.sent, msg)
	respond := l.respond
	l.mu.Unlock()
	if respond != nil {
		respond(l, msg)
	}
	return nil
}

func (l *fakeLink) Transfer(ctx context.Context, _ string, begin wire.TransferBegin, progress func(sent, total int64)) error {
	l.mu.Lock()
	transfer := l.transfer
	l.mu.Unlock()
	if transfer != nil {
		return transfer(ctx, begin, progress)
	}
	if progress != nil {
		progress(begin.Request.FileSize, begin.Request.FileSize)
	}
	return nil
}

func (l *fakeLink) Messages() <-chan wire.Message { return l.inbox }

func (l *fakeLink) Reachable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.lost
}

func (l *fakeLink) Close() error { return nil }

func (l *fakeLink) push(t wire.Type, payload any) {
	msg, err := wire.New(t, payload)
	if err != nil {
		panic(err)
	}
	l.inbox <- msg
}

// loseLink simulates transport reporting link loss.
func (l *fakeLink) loseLink() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.lost {
		l.lost = true
		close(l.inbox)
	}
}

func (l *fakeLink) sentTypes() []wire.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wire.Type, len(l.sent))
	for i, m := range l.sent {
		out[i] = m.Type
	}
	return out
}

func (l *fakeLink) countSent(t wire.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.sent {
		if m.Type == t {
			n++
		}
	}
	return n
}

// fakeSink records every event in arrival order.
type fakeSink struct {
	mu          sync.Mutex
	states      []stateEvent
	progress    []progressEvent
	completed   []domain.Recording
	failed      []failureEvent
	activations []activationEvent
}

type stateEvent struct {
	id     string
	stage  domain.SyncStage
	reason domain.SyncStateReason
}

type progressEvent struct {
	id          string
	sent, total int64
}

type failureEvent struct {
	id       string
	attempts int
	err      error
}

type activationEvent struct {
	state   domain.ActivationState
	attempt int
}

func (f *fakeSink) SyncStateChanged(id string, stage domain.SyncStage, reason domain.SyncStateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{id: id, stage: stage, reason: reason})
}

func (f *fakeSink) SyncProgress(id string, sent, total int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progressEvent{id: id, sent: sent, total: total})
}

func (f *fakeSink) SyncCompleted(rec domain.Recording) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, rec)
}

func (f *fakeSink) SyncFailed(id string, attempts int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failureEvent{id: id, attempts: attempts, err: err})
}

func (f *fakeSink) ActivationStateChanged(state domain.ActivationState, attempt int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations = append(f.activations, activationEvent{state: state, attempt: attempt})
}

func (f *fakeSink) snapshotStates() []stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stateEvent, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeSink) snapshotFailures() []failureEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]failureEvent, len(f.failed))
	copy(out, f.failed)
	return out
}

func (f *fakeSink) snapshotCompleted() []domain.Recording {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Recording, len(f.completed))
	copy(out, f.completed)
	return out
}

func (f *fakeSink) snapshotProgress() []progressEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]progressEvent, len(f.progress))
	copy(out, f.progress)
	return out
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
