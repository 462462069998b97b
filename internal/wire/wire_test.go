package wire

import (
	"bytes"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	msg, err := New(TypeReadinessCheck, ReadinessCheck{
		RecordingID: "rec-1",
		FileSize:    4096,
		Duration:    90 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(frame)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Type != TypeReadinessCheck {
		t.Errorf("type = %s, want %s", got.Type, TypeReadinessCheck)
	}

	var check ReadinessCheck
	if err := got.Decode(&check); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if check.RecordingID != "rec-1" || check.FileSize != 4096 || check.Duration != 90*time.Second {
		t.Errorf("decoded payload = %+v", check)
	}
}

func TestPayloadlessEnvelope(t *testing.T) {
	t.Parallel()
	msg, err := New(TypeActivationRequest, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if msg.Payload != nil {
		t.Error("activation request should carry no payload")
	}

	frame, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(frame)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Type != TypeActivationRequest {
		t.Errorf("type = %s, want %s", got.Type, TypeActivationRequest)
	}
	if err := got.Decode(&struct{}{}); err == nil {
		t.Error("decoding an empty payload should fail")
	}
}

func TestUnmarshalRejectsMissingType(t *testing.T) {
	t.Parallel()
	frame, err := Marshal(Message{Type: ""})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Unmarshal(frame); err == nil {
		t.Error("envelope without a type must be rejected")
	}
	if _, err := Unmarshal([]byte("not cbor at all")); err == nil {
		t.Error("garbage bytes must be rejected")
	}
}

func TestSyncRequestLocationOmittedWhenNil(t *testing.T) {
	t.Parallel()
	base := SyncRequest{
		RecordingID: "rec-2",
		Filename:    "rec-2.opus",
		Duration:    time.Minute,
		FileSize:    1 << 20,
		CreatedAt:   time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Checksum:    bytes.Repeat([]byte{0xab}, 32),
	}

	msg, err := New(TypeSyncRequest, base)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var got SyncRequest
	if err := msg.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Location != nil {
		t.Error("nil location must stay nil through the codec")
	}
	if !bytes.Equal(got.Checksum, base.Checksum) {
		t.Error("checksum not round-tripped")
	}

	base.Location = &Location{Latitude: 48.85, Longitude: 2.35, HorizontalAccuracy: 12, CapturedAt: base.CreatedAt}
	msg, err = New(TypeSyncRequest, base)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var withLoc SyncRequest
	if err := msg.Decode(&withLoc); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if withLoc.Location == nil || withLoc.Location.Latitude != 48.85 {
		t.Errorf("location = %+v, want the attached fix", withLoc.Location)
	}
}

func TestDeterministicEncoding(t *testing.T) {
	t.Parallel()
	payload := SyncResponse{RecordingID: "rec-3", Accepted: true}
	a, err := New(TypeSyncResponse, payload)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(TypeSyncResponse, payload)
	if err != nil {
		t.Fatal(err)
	}
	frameA, err := Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	frameB, err := Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(frameA, frameB) {
		t.Error("identical messages must encode to identical frames")
	}
}
