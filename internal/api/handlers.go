package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"diagnet/internal/auth"
	"diagnet/internal/ingest"
	"diagnet/internal/metrics"
	"diagnet/internal/model"
	"diagnet/internal/storage"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
	defaultWindowHours = 24
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

// handleIngest accepts one reading over HTTP and persists it
// synchronously, bypassing the buffer so the caller sees the store
// outcome.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	reading, err := s.validator.Decode(body)
	if err != nil {
		if errors.Is(err, ingest.ErrMalformedPayload) {
			metrics.MalformedPayloads.Inc()
			writeError(w, http.StatusBadRequest, "malformed_payload", "body is not a valid reading")
			return
		}
		metrics.InvalidReadings.Inc()
		writeError(w, http.StatusBadRequest, "invalid_reading", err.Error())
		return
	}
	if err := s.validator.Validate(&reading); err != nil {
		if errors.Is(err, ingest.ErrQualityCheckFailed) {
			metrics.QualityCheckFailures.Inc()
		} else {
			metrics.InvalidReadings.Inc()
		}
		writeError(w, http.StatusBadRequest, "invalid_reading", err.Error())
		return
	}
	if err := s.store.AppendBatch(r.Context(), []model.Reading{reading}); err != nil {
		if errors.Is(err, storage.ErrStoreRejected) {
			metrics.StoreRejected.Inc()
			writeError(w, http.StatusBadRequest, "rejected", "store rejected the reading")
			return
		}
		metrics.StoreUnavailable.Inc()
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again later")
		return
	}
	metrics.ReadingsPersisted.Inc()
	if s.logger != nil {
		s.logger.Debug("reading ingested over http",
			"machine_id", reading.MachineID, "subject", auth.Subject(r.Context()))
	}
	writeJSON(w, http.StatusCreated, reading)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", defaultRecentLimit)
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	readings, err := s.store.ScanRange(r.Context(), time.Time{}, farFuture(), limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleByMachine(w http.ResponseWriter, r *http.Request) {
	readings, err := s.store.ScanMachine(r.Context(), chi.URLParam(r, "id"), time.Time{}, 0)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleMachineRecent(w http.ResponseWriter, r *http.Request) {
	hours := intParam(r, "hours", defaultWindowHours)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	readings, err := s.store.ScanMachine(r.Context(), chi.URLParam(r, "id"), since, 0)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	start, ok1 := timeParam(r, "start")
	end, ok2 := timeParam(r, "end")
	if !ok1 || !ok2 {
		writeError(w, http.StatusBadRequest, "bad_request", "start and end must be ISO-8601 timestamps")
		return
	}
	if !start.Before(end) {
		writeError(w, http.StatusBadRequest, "bad_request", "start must be before end")
		return
	}
	readings, err := s.store.ScanRange(r.Context(), start, end, 0)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleByStatus(w http.ResponseWriter, r *http.Request) {
	status := model.Status(chi.URLParam(r, "status"))
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status")
		return
	}
	readings, err := s.store.ScanStatus(r.Context(), status, 0)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleAlerts(metric storage.Metric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threshold := s.alerts.TempWarn
		if metric == storage.MetricVibration {
			threshold = s.alerts.VibWarn
		}
		if raw := r.URL.Query().Get("threshold"); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", "threshold must be a number")
				return
			}
			threshold = v
		}
		hours := intParam(r, "hours", defaultWindowHours)
		since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
		readings, err := s.store.ScanAboveThreshold(r.Context(), metric, threshold, since, 0)
		if err != nil {
			s.storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, readings)
	}
}

func (s *Server) handleMachineStats(w http.ResponseWriter, r *http.Request) {
	start, ok1 := timeParam(r, "start")
	end, ok2 := timeParam(r, "end")
	if !ok1 || !ok2 {
		writeError(w, http.StatusBadRequest, "bad_request", "start and end must be ISO-8601 timestamps")
		return
	}
	if !start.Before(end) {
		writeError(w, http.StatusBadRequest, "bad_request", "start must be before end")
		return
	}
	machineID := chi.URLParam(r, "id")
	avg, count, err := s.store.Aggregate(r.Context(), machineID,
		storage.MetricTemperature, storage.AggAvg, start, end)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"machineId":          machineID,
		"averageTemperature": avg,
		"totalReadings":      count,
		"startTime":          model.NewTimestamp(start),
		"endTime":            model.NewTimestamp(end),
	})
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "id")
	hours := intParam(r, "hours", defaultWindowHours)

	if cached := s.results.Get(r.Context(), machineID, hours); cached != nil {
		metrics.AnalysisRequests.WithLabelValues("cached").Inc()
		writeJSON(w, http.StatusOK, cached)
		return
	}
	res, err := s.analyzer.Analyze(r.Context(), machineID, hours)
	if err != nil {
		metrics.AnalysisRequests.WithLabelValues("error").Inc()
		if s.logger != nil {
			s.logger.Error("analysis failed", "machine_id", machineID, "err", err)
		}
		writeError(w, http.StatusServiceUnavailable, "analysis_unavailable", "could not read the reading window")
		return
	}
	metrics.AnalysisRequests.WithLabelValues(string(res.Status)).Inc()
	s.results.Set(r.Context(), machineID, hours, res)
	writeJSON(w, http.StatusOK, res)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	var req loginRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "username and password required")
		return
	}
	if err := s.users.Authenticate(req.Username, req.Password); err != nil {
		metrics.AuthFailures.WithLabelValues("credentials").Inc()
		if s.logger != nil {
			s.logger.Warn("login rejected", "username", req.Username)
		}
		writeError(w, http.StatusUnauthorized, "unauthorized", "bad credentials")
		return
	}
	token, expiry, err := s.tokens.Issue(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":         token,
		"type":          "Bearer",
		"username":      req.Username,
		"expires_in_ms": time.Until(expiry).Milliseconds(),
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(raw) <= len(prefix) {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	subject, err := s.tokens.Verify(raw[len(prefix):])
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "username": subject})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if s.logger != nil {
		s.logger.Error("store query failed", "err", err)
	}
	writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again later")
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// timeParam accepts the wire's naive ISO-8601 form and RFC3339.
func timeParam(r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, false
	}
	var ts model.Timestamp
	if err := ts.UnmarshalJSON([]byte(strconv.Quote(raw))); err != nil {
		return time.Time{}, false
	}
	return ts.Time, true
}

func farFuture() time.Time {
	return time.Now().UTC().Add(24 * time.Hour)
}
