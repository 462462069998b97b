// Package host implements the counterpart side of the handoff
// protocol: it answers readiness checks, accepts sync requests,
// receives the transferred file, verifies it, and confirms durable
// persistence. The wearable core only depends on the signals defined
// in the wire package; this responder exists for development hosts
// and end-to-end tests.
package host

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"

	"pocketsync/internal/digest"
	"pocketsync/internal/transport"
	"pocketsync/internal/wire"
)

// Responder serves wearable connections and spools received
// recordings into a local directory.
type Responder struct {
	spoolDir string
	budget   int64
	log      *slog.Logger
	upgrader websocket.Upgrader

	// ConfirmDelay postpones the sync-complete signal after a file is
	// persisted. Zero in production; tests use it to exercise the
	// wearable's optimistic confirmation timeout.
	ConfirmDelay time.Duration
}

// New creates a responder spooling into spoolDir with the given disk
// budget in bytes.
func New(spoolDir string, budget int64, log *slog.Logger) (*Responder, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Responder{spoolDir: spoolDir, budget: budget, log: log}, nil
}

// ServeHTTP upgrades the request to a websocket link and serves the
// protocol until the wearable disconnects.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	link := transport.NewLink(conn, 0, r.log)
	defer link.Close()
	r.serveLink(link)
}

// incoming tracks one in-flight file transfer. The protocol allows at
// most one per link.
type incoming struct {
	request wire.SyncRequest
	file    *os.File
	path    string
	written int64
}

func (r *Responder) serveLink(link *transport.Link) {
	var transfer *incoming
	defer func() {
		if transfer != nil {
			transfer.file.Close()
			os.Remove(transfer.path)
		}
	}()

	for msg := range link.Messages() {
		switch msg.Type {
		case wire.TypeActivationRequest:
			r.reply(link, wire.TypeActivationAck, nil)

		case wire.TypeReadinessCheck:
			var check wire.ReadinessCheck
			if err := msg.Decode(&check); err != nil {
				r.log.Warn("bad readiness check", "error", err)
				continue
			}
			ready, reason := r.readiness(check)
			r.reply(link, wire.TypeReadinessResponse, wire.ReadinessResponse{
				RecordingID: check.RecordingID,
				Ready:       ready,
				Reason:      reason,
			})

		case wire.TypeSyncRequest:
			var req wire.SyncRequest
			if err := msg.Decode(&req); err != nil {
				r.log.Warn("bad sync request", "error", err)
				continue
			}
			accepted, reason := r.acceptable(req, transfer)
			r.reply(link, wire.TypeSyncResponse, wire.SyncResponse{
				RecordingID: req.RecordingID,
				Accepted:    accepted,
				Reason:      reason,
			})

		case wire.TypeTransferBegin:
			var begin wire.TransferBegin
			if err := msg.Decode(&begin); err != nil {
				r.log.Warn("bad transfer begin", "error", err)
				continue
			}
			if transfer != nil {
				r.failSync(link, begin.Request.RecordingID, "another transfer is in flight")
				continue
			}
			path := filepath.Join(r.spoolDir, begin.Request.RecordingID+".part")
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				r.failSync(link, begin.Request.RecordingID, "cannot open spool file")
				continue
			}
			transfer = &incoming{request: begin.Request, file: f, path: path}

		case wire.TypeTransferChunk:
			var chunk wire.TransferChunk
			if err := msg.Decode(&chunk); err != nil {
				r.log.Warn("bad transfer chunk", "error", err)
				continue
			}
			if transfer == nil || transfer.request.RecordingID != chunk.RecordingID {
				r.log.Warn("chunk outside transfer", "id", chunk.RecordingID)
				continue
			}
			n, err := transfer.file.Write(chunk.Data)
			if err != nil {
				r.failSync(link, chunk.RecordingID, "spool write failed")
				transfer.file.Close()
				os.Remove(transfer.path)
				transfer = nil
				continue
			}
			transfer.written += int64(n)

		case wire.TypeTransferEnd:
			var end wire.TransferEnd
			if err := msg.Decode(&end); err != nil {
				r.log.Warn("bad transfer end", "error", err)
				continue
			}
			if transfer == nil || transfer.request.RecordingID != end.RecordingID {
				r.log.Warn("transfer end outside transfer", "id", end.RecordingID)
				continue
			}
			r.finalize(link, transfer)
			transfer = nil

		default:
			r.log.Debug("ignoring message", "type", msg.Type)
		}
	}
}

func (r *Responder) readiness(check wire.ReadinessCheck) (bool, string) {
	if check.RecordingID == "" {
		return false, "missing recording id"
	}
	used, err := r.spoolUsage()
	if err != nil {
		return false, "spool unavailable"
	}
	if r.budget > 0 && used+check.FileSize > r.budget {
		return false, "storage full"
	}
	return true, ""
}

func (r *Responder) acceptable(req wire.SyncRequest, transfer *incoming) (bool, string) {
	switch {
	case req.RecordingID == "":
		return false, "missing recording id"
	case req.FileSize <= 0:
		return false, "invalid file size"
	case len(req.Checksum) != digest.Size:
		return false, "invalid checksum"
	case transfer != nil:
		return false, "another transfer is in flight"
	}
	return true, ""
}

// finalize verifies the received file and durably persists it, then
// confirms. Verification failures are reported as sync-failed so the
// wearable retains and retries the recording.
func (r *Responder) finalize(link *transport.Link, t *incoming) {
	id := t.request.RecordingID
	if err := t.file.Sync(); err != nil {
		t.file.Close()
		os.Remove(t.path)
		r.failSync(link, id, "spool fsync failed")
		return
	}
	if err := t.file.Close(); err != nil {
		os.Remove(t.path)
		r.failSync(link, id, "spool close failed")
		return
	}

	if t.written != t.request.FileSize {
		os.Remove(t.path)
		r.failSync(link, id, fmt.Sprintf("size mismatch: got %d want %d", t.written, t.request.FileSize))
		return
	}
	sum, err := digest.SumFile(t.path)
	if err != nil {
		os.Remove(t.path)
		r.failSync(link, id, "checksum computation failed")
		return
	}
	if !bytes.Equal(sum.Bytes(), t.request.Checksum) {
		os.Remove(t.path)
		r.failSync(link, id, "checksum mismatch")
		return
	}

	finalPath := filepath.Join(r.spoolDir, t.request.Filename)
	if err := os.Rename(t.path, finalPath); err != nil {
		os.Remove(t.path)
		r.failSync(link, id, "spool rename failed")
		return
	}
	if err := r.writeSidecar(finalPath, t.request); err != nil {
		r.log.Warn("sidecar write failed", "id", id, "error", err)
	}

	r.log.Info("recording persisted", "id", id, "size", t.written)
	if r.ConfirmDelay > 0 {
		time.Sleep(r.ConfirmDelay)
	}
	r.reply(link, wire.TypeSyncComplete, wire.SyncComplete{RecordingID: id})
}

// writeSidecar stores the negotiated metadata next to the audio file.
func (r *Responder) writeSidecar(audioPath string, req wire.SyncRequest) error {
	meta := map[string]any{
		"recordingId": req.RecordingID,
		"filename":    req.Filename,
		"durationMs":  req.Duration.Milliseconds(),
		"fileSize":    req.FileSize,
		"createdAt":   req.CreatedAt.Format(time.RFC3339Nano),
		"checksum":    fmt.Sprintf("%x", req.Checksum),
		"receivedAt":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if req.Location != nil {
		meta["location"] = map[string]any{
			"latitude":   req.Location.Latitude,
			"longitude":  req.Location.Longitude,
			"accuracy":   req.Location.HorizontalAccuracy,
			"capturedAt": req.Location.CapturedAt.Format(time.RFC3339Nano),
		}
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(audioPath+".json", data, 0o644)
}

func (r *Responder) spoolUsage() (int64, error) {
	var used int64
	err := filepath.WalkDir(r.spoolDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		used += info.Size()
		return nil
	})
	return used, err
}

func (r *Responder) failSync(link *transport.Link, recordingID, reason string) {
	r.log.Warn("sync failed host-side", "id", recordingID, "reason", reason)
	r.reply(link, wire.TypeSyncFailed, wire.SyncFailed{RecordingID: recordingID, Reason: reason})
}

func (r *Responder) reply(link *transport.Link, t wire.Type, payload any) {
	msg, err := wire.New(t, payload)
	if err != nil {
		r.log.Warn("encode reply failed", "type", t, "error", err)
		return
	}
	if err := link.Send(msg); err != nil {
		r.log.Warn("send reply failed", "type", t, "error", err)
	}
}
