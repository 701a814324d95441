package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTimestampNaiveIsUTC(t *testing.T) {
	var ts Timestamp
	if err := json.Unmarshal([]byte(`"2025-11-12T22:49:27"`), &ts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := time.Date(2025, 11, 12, 22, 49, 27, 0, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("got %v want %v", ts.Time, want)
	}
	if ts.Location() != time.UTC {
		t.Fatalf("expected UTC location")
	}
}

func TestTimestampWithZoneNormalized(t *testing.T) {
	var ts Timestamp
	if err := json.Unmarshal([]byte(`"2025-11-12T22:49:27+02:00"`), &ts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := time.Date(2025, 11, 12, 20, 49, 27, 0, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("got %v want %v", ts.Time, want)
	}
}

func TestTimestampMarshalNaive(t *testing.T) {
	ts := NewTimestamp(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	out, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"2025-01-01T00:00:00"` {
		t.Fatalf("got %s", out)
	}
}

func TestTimestampRejectsGarbage(t *testing.T) {
	var ts Timestamp
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Fatalf("expected error")
	}
}

func TestReadingUnknownFieldsIgnored(t *testing.T) {
	payload := `{"machineId":"M001","timestamp":"2025-01-01T00:00:00",
		"temperature":75.0,"vibration":0.4,"status":"RUNNING","firmware":"v2"}`
	var r Reading
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.MachineID != "M001" || r.Temperature != 75.0 || r.Status != StatusRunning {
		t.Fatalf("unexpected reading: %+v", r)
	}
	if r.Pressure != nil {
		t.Fatalf("pressure should be absent")
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusRunning, StatusIdle, StatusWarning, StatusCritical} {
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
	}
	for _, s := range []Status{"running", "error", "maintenance", ""} {
		if s.Valid() {
			t.Fatalf("%s should be invalid", s)
		}
	}
}
