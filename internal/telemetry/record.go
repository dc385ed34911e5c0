package telemetry

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Location is a WGS84 coordinate pair. Either component may be nil when the
// source data did not carry a usable value.
type Location struct {
	Lat *float64 `json:"lat,omitempty"`
	Lon *float64 `json:"lon,omitempty"`
}

// NewLocation returns a Location with both coordinates set.
func NewLocation(lat, lon float64) Location {
	return Location{Lat: &lat, Lon: &lon}
}

// Point returns the coordinates and whether both are present.
func (l Location) Point() (lat, lon float64, ok bool) {
	if l.Lat == nil || l.Lon == nil {
		return 0, 0, false
	}
	return *l.Lat, *l.Lon, true
}

// UnmarshalJSON accepts numbers or numeric strings for each coordinate.
// Anything else leaves that coordinate nil rather than failing the decode.
func (l *Location) UnmarshalJSON(data []byte) error {
	var raw struct {
		Lat json.RawMessage `json:"lat"`
		Lon json.RawMessage `json:"lon"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.Lat = numberPtr(raw.Lat)
	l.Lon = numberPtr(raw.Lon)
	return nil
}

// Payload is a reading as supplied by a producer.
type Payload struct {
	SensorID     string   `json:"sensorId"`
	LocationName string   `json:"locationName,omitempty"`
	Temperature  float64  `json:"temperature"`
	Humidity     float64  `json:"humidity"`
	Location     Location `json:"location"`
	Timestamp    string   `json:"timestamp"`
}

// Record is a stored reading. The zero Seq is never assigned; the first
// appended record has Seq 1.
type Record struct {
	Payload
	Hash       string    `json:"hash"`
	ReceivedAt time.Time `json:"receivedAt"`
	Seq        uint64    `json:"seq"`
}

// UnmarshalJSON reads a stored record leniently. Numeric fields may be
// numbers or numeric strings, and a field of the wrong type is left at its
// zero value, so a single odd record never fails a whole snapshot.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var aux struct {
		plain
		SensorID     json.RawMessage `json:"sensorId"`
		LocationName json.RawMessage `json:"locationName"`
		Temperature  json.RawMessage `json:"temperature"`
		Humidity     json.RawMessage `json:"humidity"`
		Timestamp    json.RawMessage `json:"timestamp"`
		Hash         json.RawMessage `json:"hash"`
		ReceivedAt   json.RawMessage `json:"receivedAt"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*r = Record(aux.plain)
	r.SensorID, _ = decodeString(aux.SensorID)
	r.LocationName, _ = decodeString(aux.LocationName)
	r.Temperature, _ = decodeNumber(aux.Temperature)
	r.Humidity, _ = decodeNumber(aux.Humidity)
	r.Timestamp, _ = decodeString(aux.Timestamp)
	r.Hash, _ = decodeString(aux.Hash)
	if s, ok := decodeString(aux.ReceivedAt); ok {
		if t, ok := ParseTimestamp(s); ok {
			r.ReceivedAt = t
		}
	}
	return nil
}

// EventTime parses the producer timestamp.
func (r Record) EventTime() (time.Time, bool) {
	return ParseTimestamp(r.Timestamp)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses the ISO-8601 forms producers are known to send.
// Timestamps without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseNumber parses a finite float. It is the single number parser used for
// both payload fields and query filter values.
func ParseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// decodeNumber reads a JSON number or numeric string.
func decodeNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseNumber(s)
	}
	return 0, false
}

func numberPtr(raw json.RawMessage) *float64 {
	v, ok := decodeNumber(raw)
	if !ok {
		return nil
	}
	return &v
}
