package tunnel

import "testing"

func TestChunkFrameRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	frame := EncodeChunk("req-123", payload)

	gotID, gotPayload, err := DecodeChunk(frame)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != "req-123" {
		t.Errorf("requestID = %q, want req-123", gotID)
	}
	if string(gotPayload) != string(payload) {
		t.Errorf("payload = %v, want %v", gotPayload, payload)
	}
}

func TestChunkFrameEmptyPayload(t *testing.T) {
	frame := EncodeChunk("r1", nil)
	id, payload, err := DecodeChunk(frame)
	if err != nil {
		t.Fatal(err)
	}
	if id != "r1" || len(payload) != 0 {
		t.Errorf("got id=%q payload=%v", id, payload)
	}
}

func TestDecodeChunkRejectsTruncatedFrame(t *testing.T) {
	if _, _, err := DecodeChunk([]byte{0, 0}); err == nil {
		t.Error("expected error for frame shorter than length prefix")
	}
}

func TestDecodeChunkRejectsOverrunLength(t *testing.T) {
	frame := []byte{0xff, 0xff, 0xff, 0xff, 'a', 'b'}
	if _, _, err := DecodeChunk(frame); err == nil {
		t.Error("expected error for requestId length overrunning frame")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	e := Envelope{
		Type:      MsgStreamRequest,
		RequestID: "r1",
		TrackID:   "abc123",
		Range:     "bytes=0-100",
	}
	raw, err := EncodeEnvelope(e)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != e.Type || got.RequestID != e.RequestID || got.TrackID != e.TrackID || got.Range != e.Range {
		t.Errorf("got %+v, want %+v", got, e)
	}
}
