package model

import (
	"encoding/json"
	"time"
)

// Status is the machine state as reported by the device. The ingestion
// pipeline never rewrites it.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusIdle     Status = "IDLE"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusIdle, StatusWarning, StatusCritical:
		return true
	}
	return false
}

// Timestamp is a wall-clock instant carried on the wire as ISO-8601 without
// a timezone suffix; naive values are UTC. RFC3339 values with an explicit
// zone are accepted and normalized to UTC.
type Timestamp struct {
	time.Time
}

const wireTimeLayout = "2006-01-02T15:04:05"

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(wireTimeLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if parsed, err := time.Parse(wireTimeLayout, s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	if parsed, err := time.Parse(wireTimeLayout+".999999999", s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}

// Reading is a single sensor sample. Logical identity is
// (MachineID, Timestamp); the store may assign a row number but it carries
// no semantics. Immutable once persisted.
type Reading struct {
	MachineID        string          `json:"machineId"`
	Timestamp        Timestamp       `json:"timestamp"`
	Temperature      float64         `json:"temperature"`
	Vibration        float64         `json:"vibration"`
	Pressure         *float64        `json:"pressure,omitempty"`
	Humidity         *float64        `json:"humidity,omitempty"`
	PowerConsumption *float64        `json:"powerConsumption,omitempty"`
	RotationSpeed    *float64        `json:"rotationSpeed,omitempty"`
	Status           Status          `json:"status"`
	Location         string          `json:"location,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	IngestedAt       time.Time       `json:"ingestedAt,omitempty"`
}

// Severity of a detected anomaly.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// HealthStatus is the overall assessment bucket derived from the health
// score.
type HealthStatus string

const (
	HealthHealthy          HealthStatus = "HEALTHY"
	HealthWarning          HealthStatus = "WARNING"
	HealthCritical         HealthStatus = "CRITICAL"
	HealthInsufficientData HealthStatus = "INSUFFICIENT_DATA"
)

type Anomaly struct {
	Type       string    `json:"type"`
	Severity   Severity  `json:"severity"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Message    string    `json:"message"`
	DetectedAt Timestamp `json:"detectedAt"`
}

type Statistics struct {
	AvgTemperature     float64 `json:"avgTemperature"`
	MaxTemperature     float64 `json:"maxTemperature"`
	AvgVibration       float64 `json:"avgVibration"`
	MaxVibration       float64 `json:"maxVibration"`
	DataPointsAnalyzed int     `json:"dataPointsAnalyzed"`
}

// AnalysisResult is built per request and never persisted. HealthScore is
// nil when the window held fewer than the configured minimum of points.
type AnalysisResult struct {
	MachineID   string       `json:"machineId"`
	AnalyzedAt  time.Time    `json:"analyzedAt"`
	HealthScore *float64     `json:"healthScore"`
	Status      HealthStatus `json:"status"`
	Anomalies   []Anomaly    `json:"anomalies"`
	Statistics  Statistics   `json:"statistics"`
}
