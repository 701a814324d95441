package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"diagnet/internal/config"
	"diagnet/internal/model"
)

// Rejection kinds. Each maps to its own counter; none are retried.
var (
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrInvalidReading     = errors.New("invalid reading")
	ErrQualityCheckFailed = errors.New("quality check failed")
	ErrIdentityMismatch   = errors.New("identity mismatch")
)

var machineIDPattern = regexp.MustCompile(`^[A-Z][A-Z0-9-]*$`)

// Validator decides whether a decoded reading may enter the pipeline. A
// reading either passes whole or is rejected whole; nothing is persisted
// partially.
type Validator struct {
	quality   config.QualityConfig
	clockSkew time.Duration
	now       func() time.Time
}

func NewValidator(cfg config.IngestConfig) *Validator {
	return &Validator{
		quality:   cfg.Quality,
		clockSkew: cfg.ClockSkew,
		now:       time.Now,
	}
}

// wirePayload shadows the required numeric attributes with pointers so an
// absent field is distinguishable from a zero value; zero is in range for
// both temperature and vibration.
type wirePayload struct {
	model.Reading
	Temperature *float64 `json:"temperature"`
	Vibration   *float64 `json:"vibration"`
}

// Decode parses the wire JSON. Unknown fields are ignored per the wire
// contract; required attributes must be present, not merely zero-valued.
func (v *Validator) Decode(payload []byte) (model.Reading, error) {
	var w wirePayload
	if err := json.Unmarshal(payload, &w); err != nil {
		return model.Reading{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if w.Temperature == nil {
		return model.Reading{}, fieldErr("temperature", "is required")
	}
	if w.Vibration == nil {
		return model.Reading{}, fieldErr("vibration", "is required")
	}
	r := w.Reading
	r.Temperature = *w.Temperature
	r.Vibration = *w.Vibration
	return r, nil
}

// Validate applies the schema and range invariants, then the cross-field
// quality rules. The returned error carries the offending field so HTTP
// callers can surface a field-scoped message.
func (v *Validator) Validate(r *model.Reading) error {
	if r.MachineID == "" {
		return fieldErr("machineId", "is required")
	}
	if len(r.MachineID) > 50 {
		return fieldErr("machineId", "must be at most 50 characters")
	}
	if !machineIDPattern.MatchString(r.MachineID) {
		return fieldErr("machineId", "must start with a letter and contain only uppercase letters, digits and dashes")
	}
	if r.Timestamp.IsZero() {
		return fieldErr("timestamp", "is required")
	}
	if r.Timestamp.After(v.now().UTC().Add(v.clockSkew)) {
		return fieldErr("timestamp", "cannot be in the future")
	}
	if r.Temperature < -50 || r.Temperature > 200 {
		return fieldErr("temperature", "must be between -50 and 200")
	}
	if r.Vibration < 0 || r.Vibration > 1 {
		return fieldErr("vibration", "must be between 0 and 1")
	}
	if r.Pressure != nil && (*r.Pressure < 0 || *r.Pressure > 10) {
		return fieldErr("pressure", "must be between 0 and 10 bar")
	}
	if r.Humidity != nil && (*r.Humidity < 0 || *r.Humidity > 100) {
		return fieldErr("humidity", "must be between 0 and 100")
	}
	if r.PowerConsumption != nil && (*r.PowerConsumption < 0 || *r.PowerConsumption > 10000) {
		return fieldErr("powerConsumption", "must be between 0 and 10000")
	}
	if r.RotationSpeed != nil && (*r.RotationSpeed < 0 || *r.RotationSpeed > 5000) {
		return fieldErr("rotationSpeed", "must be between 0 and 5000")
	}
	if !r.Status.Valid() {
		return fieldErr("status", "must be one of RUNNING, IDLE, WARNING, CRITICAL")
	}
	if len(r.Location) > 100 {
		return fieldErr("location", "must be at most 100 characters")
	}
	if len(r.Metadata) > 0 && !json.Valid(r.Metadata) {
		return fieldErr("metadata", "must be valid JSON")
	}
	return v.checkQuality(r)
}

// checkQuality enforces the cross-field heuristics: a status that
// contradicts the sensors is dropped. The thresholds come from the
// override table so operators can tune or disable them; genuine anomaly
// readings (hot AND critical) always pass.
func (v *Validator) checkQuality(r *model.Reading) error {
	if !v.quality.Enabled {
		return nil
	}
	if r.Status == model.StatusCritical &&
		r.Temperature < v.quality.CriticalMinTemp &&
		r.Vibration < v.quality.CriticalMinVib {
		return fmt.Errorf("%w: status CRITICAL with normal sensor readings", ErrQualityCheckFailed)
	}
	if r.Status == model.StatusIdle && r.Temperature > v.quality.IdleMaxTemp {
		return fmt.Errorf("%w: status IDLE with temperature %.1f", ErrQualityCheckFailed, r.Temperature)
	}
	return nil
}

// CheckIdentity rejects a payload whose machineId disagrees with the
// identifier extracted from the transport topic.
func CheckIdentity(topicID string, r *model.Reading) error {
	if topicID != "" && topicID != r.MachineID {
		return fmt.Errorf("%w: topic %q vs payload %q", ErrIdentityMismatch, topicID, r.MachineID)
	}
	return nil
}

// FieldError is a validation failure scoped to one payload field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + " " + e.Reason
}

func (e *FieldError) Unwrap() error {
	return ErrInvalidReading
}

func fieldErr(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}
