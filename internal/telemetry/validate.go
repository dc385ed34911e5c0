package telemetry

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
)

// ErrValidation is wrapped by every *ValidationError.
var ErrValidation = errors.New("validation failed")

// FieldError describes one rejected payload field.
type FieldError struct {
	Field   string          `json:"field"`
	Message string          `json:"message"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+": "+d.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

const (
	msgTemperature  = "Temperature must be between -50 and 60"
	msgHumidity     = "Humidity must be between 0 and 100"
	msgLatitude     = "Invalid latitude"
	msgLongitude    = "Invalid longitude"
	msgSensorID     = "Sensor ID is required"
	msgTimestamp    = "Invalid timestamp format"
	msgLocationName = "Location name must be a string"
	msgBody         = "Malformed JSON body"
)

// Validate checks field presence and domain ranges. NaN values, which
// DecodePayload uses for missing or non-numeric input, are rejected.
func (p Payload) Validate() error {
	var details []FieldError
	add := func(field, msg string) {
		details = append(details, FieldError{Field: field, Message: msg})
	}

	if !inRange(p.Temperature, -50, 60) {
		add("temperature", msgTemperature)
	}
	if !inRange(p.Humidity, 0, 100) {
		add("humidity", msgHumidity)
	}
	if p.Location.Lat == nil || !inRange(*p.Location.Lat, -90, 90) {
		add("location.lat", msgLatitude)
	}
	if p.Location.Lon == nil || !inRange(*p.Location.Lon, -180, 180) {
		add("location.lon", msgLongitude)
	}
	if p.SensorID == "" {
		add("sensorId", msgSensorID)
	}
	if _, ok := ParseTimestamp(p.Timestamp); !ok {
		add("timestamp", msgTimestamp)
	}

	if len(details) > 0 {
		return &ValidationError{Details: details}
	}
	return nil
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

type wirePayload struct {
	SensorID     json.RawMessage `json:"sensorId"`
	LocationName json.RawMessage `json:"locationName"`
	Temperature  json.RawMessage `json:"temperature"`
	Humidity     json.RawMessage `json:"humidity"`
	Location     json.RawMessage `json:"location"`
	Timestamp    json.RawMessage `json:"timestamp"`
}

// DecodePayload decodes and validates an ingest request body. On failure
// it returns a *ValidationError whose details carry the offending raw
// values.
func DecodePayload(data []byte) (Payload, error) {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return Payload{}, &ValidationError{Details: []FieldError{{Field: "body", Message: msgBody}}}
	}

	var p Payload
	raw := map[string]json.RawMessage{
		"sensorId":    w.SensorID,
		"temperature": w.Temperature,
		"humidity":    w.Humidity,
		"timestamp":   w.Timestamp,
	}

	p.SensorID, _ = decodeString(w.SensorID)
	p.Timestamp, _ = decodeString(w.Timestamp)
	p.Timestamp = strings.TrimSpace(p.Timestamp)
	p.Temperature = numberOrNaN(w.Temperature)
	p.Humidity = numberOrNaN(w.Humidity)

	var coords struct {
		Lat json.RawMessage `json:"lat"`
		Lon json.RawMessage `json:"lon"`
	}
	if len(w.Location) > 0 && json.Unmarshal(w.Location, &coords) == nil {
		p.Location = Location{Lat: numberPtr(coords.Lat), Lon: numberPtr(coords.Lon)}
		raw["location.lat"] = coords.Lat
		raw["location.lon"] = coords.Lon
	}

	var details []FieldError
	if err := p.Validate(); err != nil {
		var verr *ValidationError
		errors.As(err, &verr)
		details = verr.Details
	}

	if len(w.LocationName) > 0 && string(w.LocationName) != "null" {
		name, ok := decodeString(w.LocationName)
		if !ok {
			details = append(details, FieldError{Field: "locationName", Message: msgLocationName})
			raw["locationName"] = w.LocationName
		}
		p.LocationName = name
	}

	if len(details) > 0 {
		for i := range details {
			details[i].Value = raw[details[i].Field]
		}
		return Payload{}, &ValidationError{Details: details}
	}
	return p, nil
}

func decodeString(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

func numberOrNaN(raw json.RawMessage) float64 {
	if v, ok := decodeNumber(raw); ok {
		return v
	}
	return math.NaN()
}
