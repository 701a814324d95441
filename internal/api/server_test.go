package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"diagnet/internal/analysis"
	"diagnet/internal/auth"
	"diagnet/internal/config"
	"diagnet/internal/ingest"
	"diagnet/internal/model"
	"diagnet/internal/storage"
)

// memStore is an in-memory stand-in for the readings store.
type memStore struct {
	mu       sync.Mutex
	readings []model.Reading
	fail     error
}

func (m *memStore) Init(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) AppendBatch(_ context.Context, rs []model.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	for _, r := range rs {
		r.IngestedAt = time.Now().UTC()
		m.readings = append(m.readings, r)
	}
	return nil
}

func (m *memStore) snapshot(keep func(model.Reading) bool) []model.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Reading
	for _, r := range m.readings {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[j].Timestamp.Before(out[i].Timestamp.Time)
	})
	return out
}

func readingTime(r model.Reading) time.Time { return r.Timestamp.Time }

func (m *memStore) ScanMachine(_ context.Context, id string, since time.Time, limit int) ([]model.Reading, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	return capped(m.snapshot(func(r model.Reading) bool {
		return r.MachineID == id && !readingTime(r).Before(since)
	}), limit), nil
}

func (m *memStore) ScanRange(_ context.Context, start, end time.Time, limit int) ([]model.Reading, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	return capped(m.snapshot(func(r model.Reading) bool {
		return !readingTime(r).Before(start) && readingTime(r).Before(end)
	}), limit), nil
}

func (m *memStore) ScanStatus(_ context.Context, status model.Status, limit int) ([]model.Reading, error) {
	return capped(m.snapshot(func(r model.Reading) bool { return r.Status == status }), limit), nil
}

func (m *memStore) ScanAboveThreshold(_ context.Context, metric storage.Metric, min float64, since time.Time, limit int) ([]model.Reading, error) {
	return capped(m.snapshot(func(r model.Reading) bool {
		v := r.Temperature
		if metric == storage.MetricVibration {
			v = r.Vibration
		}
		return v > min && !readingTime(r).Before(since)
	}), limit), nil
}

func (m *memStore) Aggregate(_ context.Context, id string, _ storage.Metric, _ storage.AggregateFn, start, end time.Time) (float64, int64, error) {
	rows := m.snapshot(func(r model.Reading) bool {
		return r.MachineID == id && !readingTime(r).Before(start) && readingTime(r).Before(end)
	})
	if len(rows) == 0 {
		return 0, 0, nil
	}
	var sum float64
	for _, r := range rows {
		sum += r.Temperature
	}
	return sum / float64(len(rows)), int64(len(rows)), nil
}

func (m *memStore) DropBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func capped(rs []model.Reading, limit int) []model.Reading {
	if limit > 0 && len(rs) > limit {
		return rs[:limit]
	}
	return rs
}

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, store *memStore) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.Secret = testSecret
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cfg.Auth.Users = map[string]string{"operator": string(hash)}

	tokens := auth.NewTokens(cfg.Auth)
	srv := NewServer(
		store,
		analysis.New(store, cfg.Analysis, nil),
		nil,
		auth.NewStaticUsers(cfg.Auth.Users),
		tokens,
		ingest.NewValidator(cfg.Ingest),
		cfg,
		nil,
	)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func login(t *testing.T, base string) string {
	t.Helper()
	body := []byte(`{"username":"operator","password":"s3cret"}`)
	resp, err := http.Post(base+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var out struct {
		Token       string `json:"token"`
		Type        string `json:"type"`
		Username    string `json:"username"`
		ExpiresInMS int64  `json:"expires_in_ms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	if out.Type != "Bearer" || out.Username != "operator" || out.ExpiresInMS <= 0 {
		t.Fatalf("unexpected login body: %+v", out)
	}
	return out.Token
}

func doGet(t *testing.T, base, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, base+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func seedReading(machineID string, minutesAgo int, temp float64) model.Reading {
	return model.Reading{
		MachineID:   machineID,
		Timestamp:   model.NewTimestamp(time.Now().UTC().Add(-time.Duration(minutesAgo) * time.Minute)),
		Temperature: temp,
		Vibration:   0.3,
		Status:      model.StatusRunning,
	}
}

func TestAuthGate(t *testing.T) {
	ts := newTestServer(t, &memStore{})

	resp := doGet(t, ts.URL, "/data/recent", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request: %d", resp.StatusCode)
	}

	resp = doGet(t, ts.URL, "/health", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health blocked: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/data/recent", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight: %d", resp.StatusCode)
	}

	token := login(t, ts.URL)
	resp = doGet(t, ts.URL, "/data/recent", token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated request: %d", resp.StatusCode)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t, &memStore{})
	body := []byte(`{"username":"operator","password":"wrong"}`)
	resp, err := http.Post(ts.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad credentials: %d", resp.StatusCode)
	}
}

func TestIngestAndQueryRoundTrip(t *testing.T) {
	store := &memStore{}
	ts := newTestServer(t, store)
	token := login(t, ts.URL)

	payload := []byte(`{"machineId":"M001","timestamp":"2025-01-01T12:00:00","temperature":75.0,"vibration":0.4,"status":"RUNNING"}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/data", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var echoed model.Reading
	if err := json.NewDecoder(resp.Body).Decode(&echoed); err != nil {
		t.Fatalf("decoding echo: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status %d", resp.StatusCode)
	}
	if echoed.MachineID != "M001" || echoed.Temperature != 75.0 {
		t.Fatalf("echo mismatch: %+v", echoed)
	}

	resp = doGet(t, ts.URL, "/data/machine/M001", token)
	var listed []model.Reading
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	resp.Body.Close()
	if len(listed) != 1 || listed[0].Temperature != 75.0 {
		t.Fatalf("listing mismatch: %+v", listed)
	}
}

func TestIngestRejectsInvalidReading(t *testing.T) {
	ts := newTestServer(t, &memStore{})
	token := login(t, ts.URL)

	for name, payload := range map[string]string{
		"future timestamp": `{"machineId":"M001","timestamp":"2099-01-01T00:00:00","temperature":75,"vibration":0.4,"status":"RUNNING"}`,
		"bad json":         `{nope`,
		"range violation":  `{"machineId":"M001","timestamp":"2025-01-01T12:00:00","temperature":999,"vibration":0.4,"status":"RUNNING"}`,
		"no temperature":   `{"machineId":"M001","timestamp":"2025-01-01T12:00:00","vibration":0.4,"status":"RUNNING"}`,
		"no vibration":     `{"machineId":"M001","timestamp":"2025-01-01T12:00:00","temperature":75,"status":"RUNNING"}`,
	} {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/data", bytes.NewReader([]byte(payload)))
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d", name, resp.StatusCode)
		}
	}
}

func TestRangeValidation(t *testing.T) {
	ts := newTestServer(t, &memStore{})
	token := login(t, ts.URL)

	resp := doGet(t, ts.URL, "/data/range?start=2025-01-02T00:00:00&end=2025-01-01T00:00:00", token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("inverted range: %d", resp.StatusCode)
	}

	resp = doGet(t, ts.URL, "/data/range?start=2025-01-01T00:00:00&end=2025-01-02T00:00:00", token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid range: %d", resp.StatusCode)
	}

	resp = doGet(t, ts.URL, "/data/range?start=garbage&end=2025-01-02T00:00:00", token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("garbage start: %d", resp.StatusCode)
	}
}

func TestStatusEndpointRejectsUnknown(t *testing.T) {
	ts := newTestServer(t, &memStore{})
	token := login(t, ts.URL)
	resp := doGet(t, ts.URL, "/data/status/EXPLODED", token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown status: %d", resp.StatusCode)
	}
}

func TestMachineStats(t *testing.T) {
	store := &memStore{}
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, temp := range []float64{70, 80, 90} {
		store.readings = append(store.readings, model.Reading{
			MachineID:   "M001",
			Timestamp:   model.NewTimestamp(base.Add(time.Duration(i) * time.Minute)),
			Temperature: temp,
			Vibration:   0.3,
			Status:      model.StatusRunning,
		})
	}
	ts := newTestServer(t, store)
	token := login(t, ts.URL)

	resp := doGet(t, ts.URL, "/data/machine/M001/stats?start=2025-01-01T00:00:00&end=2025-01-02T00:00:00", token)
	var stats struct {
		MachineID          string  `json:"machineId"`
		AverageTemperature float64 `json:"averageTemperature"`
		TotalReadings      int64   `json:"totalReadings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	resp.Body.Close()
	if stats.MachineID != "M001" || stats.TotalReadings != 3 || stats.AverageTemperature != 80 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAnalysisEndpoint(t *testing.T) {
	store := &memStore{}
	for i := 0; i < 12; i++ {
		temp := 75.0
		if i >= 10 {
			temp = 105 + float64(i-10)
		}
		store.readings = append(store.readings, seedReading("M001", i, temp))
	}
	ts := newTestServer(t, store)
	token := login(t, ts.URL)

	resp := doGet(t, ts.URL, "/analysis/machine/M001?hours=24", token)
	var res model.AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decoding analysis: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("analysis status %d", resp.StatusCode)
	}
	if res.MachineID != "M001" || res.Statistics.DataPointsAnalyzed != 12 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.HealthScore == nil || *res.HealthScore > 60 {
		t.Fatalf("health score: %v", res.HealthScore)
	}

	// too few points for the other machine
	resp = doGet(t, ts.URL, "/analysis/machine/M999?hours=24", token)
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decoding analysis: %v", err)
	}
	resp.Body.Close()
	if res.Status != model.HealthInsufficientData || res.HealthScore != nil {
		t.Fatalf("expected insufficient data, got %+v", res)
	}
}

func TestAlertsEndpoint(t *testing.T) {
	store := &memStore{}
	store.readings = append(store.readings,
		seedReading("M001", 1, 75),
		seedReading("M001", 2, 95),
		seedReading("M002", 3, 101),
	)
	ts := newTestServer(t, store)
	token := login(t, ts.URL)

	resp := doGet(t, ts.URL, "/data/alerts/temperature?threshold=90&hours=24", token)
	var alerts []model.Reading
	if err := json.NewDecoder(resp.Body).Decode(&alerts); err != nil {
		t.Fatalf("decoding alerts: %v", err)
	}
	resp.Body.Close()
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %+v", alerts)
	}
}

func TestValidateEndpoint(t *testing.T) {
	ts := newTestServer(t, &memStore{})
	token := login(t, ts.URL)

	check := func(tok string, wantValid bool) {
		t.Helper()
		resp := doGet(t, ts.URL, "/auth/validate", tok)
		var out struct {
			Valid    bool   `json:"valid"`
			Username string `json:"username"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decoding validate: %v", err)
		}
		resp.Body.Close()
		if out.Valid != wantValid {
			t.Fatalf("valid=%v want %v", out.Valid, wantValid)
		}
		if wantValid && out.Username != "operator" {
			t.Fatalf("username=%q", out.Username)
		}
	}
	check(token, true)
	check("garbage.token.here", false)
}

func TestStoreOutageSurfacesAs503(t *testing.T) {
	store := &memStore{fail: fmt.Errorf("%w: down", storage.ErrStoreUnavailable)}
	ts := newTestServer(t, store)

	// login does not touch the store
	token := login(t, ts.URL)
	resp := doGet(t, ts.URL, "/data/recent", token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("outage status: %d", resp.StatusCode)
	}
}
