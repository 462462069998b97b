// Package transport implements the wearable/host link over a
// websocket connection carrying CBOR envelopes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"pocketsync/internal/domain"
	"pocketsync/internal/wire"
)

// DefaultChunkSize bounds each transfer-chunk frame. The link is
// message-size-limited, so file content is split client-side.
const DefaultChunkSize = 32 * 1024

// Link is one live websocket connection to the counterpart.
type Link struct {
	conn      *websocket.Conn
	chunkSize int
	log       *slog.Logger

	messages chan wire.Message
	done     chan struct{}

	writeMu sync.Mutex

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Dial connects to the counterpart at wsURL and starts the read loop.
func Dial(ctx context.Context, wsURL string, chunkSize int, log *slog.Logger) (*Link, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrLinkUnreachable, wsURL, err)
	}
	return NewLink(conn, chunkSize, log), nil
}

// NewLink wraps an established websocket connection. Used directly by
// the host responder after upgrading, and by tests.
func NewLink(conn *websocket.Conn, chunkSize int, log *slog.Logger) *Link {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if log == nil {
		log = slog.Default()
	}
	l := &Link{
		conn:      conn,
		chunkSize: chunkSize,
		log:       log,
		messages:  make(chan wire.Message, 64),
		done:      make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// Messages delivers inbound envelopes. Closed when the link is lost.
func (l *Link) Messages() <-chan wire.Message { return l.messages }

// Done is closed when the link is lost.
func (l *Link) Done() <-chan struct{} { return l.done }

// Reachable reports whether the link is currently up.
func (l *Link) Reachable() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Send transmits one envelope. Fails immediately when the link is
// down; never blocks waiting for reachability.
func (l *Link) Send(msg wire.Message) error {
	if !l.Reachable() {
		return fmt.Errorf("%w: send %s", domain.ErrLinkUnreachable, msg.Type)
	}
	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	return l.write(data)
}

// Transfer streams the file at path as one logical bulk operation:
// a transfer-begin envelope, content chunks, then transfer-end. The
// outcome is exactly one returned error (nil on success); cancelling
// ctx aborts between chunks.
func (l *Link) Transfer(ctx context.Context, path string, begin wire.TransferBegin, progress func(sent, total int64)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", domain.ErrTransferFailed, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", domain.ErrTransferFailed, path, err)
	}
	total := info.Size()
	id := begin.Request.RecordingID

	if err := l.sendOrTransferFailed(wire.TypeTransferBegin, begin); err != nil {
		return err
	}

	buf := make([]byte, l.chunkSize)
	var sent int64
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrTransferFailed, ctx.Err())
		case <-l.done:
			return fmt.Errorf("%w: link lost mid-transfer", domain.ErrTransferFailed)
		default:
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := wire.TransferChunk{RecordingID: id, Data: buf[:n]}
			if err := l.sendOrTransferFailed(wire.TypeTransferChunk, chunk); err != nil {
				return err
			}
			sent += int64(n)
			if progress != nil {
				progress(sent, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: read %s: %v", domain.ErrTransferFailed, path, readErr)
		}
	}

	return l.sendOrTransferFailed(wire.TypeTransferEnd, wire.TransferEnd{RecordingID: id})
}

// Close tears the link down. The read loop then closes Messages.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		_ = l.conn.Close()
	})
	<-l.done
	return nil
}

// Err returns the terminal link error, if any.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *Link) sendOrTransferFailed(t wire.Type, payload any) error {
	msg, err := wire.New(t, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
	}
	data, err := wire.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
	}
	if err := l.write(data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
	}
	return nil
}

func (l *Link) write(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		l.setErr(fmt.Errorf("write frame: %w", err))
		_ = l.conn.Close()
		return fmt.Errorf("%w: %v", domain.ErrLinkUnreachable, err)
	}
	return nil
}

func (l *Link) readLoop() {
	defer func() {
		close(l.done)
		close(l.messages)
	}()

	for {
		_, payload, err := l.conn.ReadMessage()
		if err != nil {
			l.setErr(err)
			return
		}
		msg, err := wire.Unmarshal(payload)
		if err != nil {
			l.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		l.messages <- msg
	}
}

func (l *Link) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.err == nil && !errors.Is(err, io.EOF) {
		l.err = err
	}
}
