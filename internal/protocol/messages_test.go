package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseType(t *testing.T) {
	messageType, err := ParseType([]byte(`{"type":"position_update","latitude":61.5}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if messageType != TypePositionUpdate {
		t.Fatalf("expected position_update, got %s", messageType)
	}
}

func TestParseTypeMalformed(t *testing.T) {
	if _, err := ParseType([]byte("not json")); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("invalid json: %v", err)
	}
	if _, err := ParseType([]byte(`{"callsign":"x"}`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("missing type: %v", err)
	}
}

func TestAuthRequestDecoding(t *testing.T) {
	raw := []byte(`{
		"type": "auth",
		"callsign": "Actual",
		"session_id": "sess-1",
		"is_host": false,
		"device_info": {"model": "pixel"},
		"reconnect_token": "tok"
	}`)
	var req AuthRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Callsign != "Actual" || req.SessionID != "sess-1" || req.IsHost {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.DeviceInfo["model"] != "pixel" || req.ReconnectToken != "tok" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestErrorFrameShape(t *testing.T) {
	raw, err := json.Marshal(NewError("rate limit exceeded"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "error" || decoded["error"] != "rate limit exceeded" {
		t.Fatalf("unexpected frame: %s", raw)
	}
}
