// Package wire defines the typed messages exchanged between the
// wearable and the host, and their CBOR encoding. Every frame on the
// link is one envelope; bulk file content travels as transfer-chunk
// envelopes so the read path never has to guess at frame shape.
package wire

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Type identifies a protocol message.
type Type string

const (
	TypeActivationRequest Type = "activation-request"
	TypeActivationAck     Type = "activation-ack"
	TypeReadinessCheck    Type = "readiness-check"
	TypeReadinessResponse Type = "readiness-response"
	TypeSyncRequest       Type = "sync-request"
	TypeSyncResponse      Type = "sync-response"
	TypeTransferBegin     Type = "transfer-begin"
	TypeTransferChunk     Type = "transfer-chunk"
	TypeTransferEnd       Type = "transfer-end"
	TypeSyncComplete      Type = "sync-complete"
	TypeSyncFailed        Type = "sync-failed"
)

// Message is the envelope carried in each link frame.
type Message struct {
	Type    Type            `cbor:"t"`
	Payload cbor.RawMessage `cbor:"p,omitempty"`
}

// ReadinessCheck probes whether the host can accept a sync right now.
type ReadinessCheck struct {
	RecordingID string        `cbor:"id"`
	FileSize    int64         `cbor:"size"`
	Duration    time.Duration `cbor:"duration"`
}

// ReadinessResponse answers a readiness check.
type ReadinessResponse struct {
	RecordingID string `cbor:"id"`
	Ready       bool   `cbor:"ready"`
	Reason      string `cbor:"reason,omitempty"`
}

// Location is an optional position fix attached to a sync request.
type Location struct {
	Latitude           float64   `cbor:"lat"`
	Longitude          float64   `cbor:"lon"`
	HorizontalAccuracy float64   `cbor:"accuracy"`
	CapturedAt         time.Time `cbor:"capturedAt"`
}

// SyncRequest negotiates the transfer of one specific recording.
type SyncRequest struct {
	RecordingID string        `cbor:"id"`
	Filename    string        `cbor:"filename"`
	Duration    time.Duration `cbor:"duration"`
	FileSize    int64         `cbor:"size"`
	CreatedAt   time.Time     `cbor:"createdAt"`
	Checksum    []byte        `cbor:"checksum"`
	Location    *Location     `cbor:"location,omitempty"`
}

// SyncResponse accepts or rejects a sync request.
type SyncResponse struct {
	RecordingID string `cbor:"id"`
	Accepted    bool   `cbor:"accepted"`
	Reason      string `cbor:"reason,omitempty"`
}

// TransferBegin opens a bulk transfer; it repeats the negotiated
// request metadata so the receiver can verify independently of any
// earlier state.
type TransferBegin struct {
	Request SyncRequest `cbor:"request"`
}

// TransferChunk carries one slice of file content.
type TransferChunk struct {
	RecordingID string `cbor:"id"`
	Data        []byte `cbor:"data"`
}

// TransferEnd closes a bulk transfer.
type TransferEnd struct {
	RecordingID string `cbor:"id"`
}

// SyncComplete signals that the host has durably persisted the
// recording.
type SyncComplete struct {
	RecordingID string `cbor:"id"`
}

// SyncFailed signals a host-side failure for the given recording.
type SyncFailed struct {
	RecordingID string `cbor:"id"`
	Reason      string `cbor:"reason,omitempty"`
}

// encMode uses Core Deterministic Encoding so the same logical
// message always produces identical bytes on the wire.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown fields are ignored for
// forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// New builds an envelope around the given payload. A nil payload
// produces an envelope with no payload (activation messages).
func New(t Type, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload != nil {
		raw, err := encMode.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("wire: encode %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the envelope payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("wire: %s message has no payload", m.Type)
	}
	if err := decMode.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Marshal encodes an envelope to frame bytes.
func Marshal(m Message) ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes frame bytes into an envelope.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("wire: envelope missing type")
	}
	return m, nil
}
