// Package telemetry defines the sensor reading model shared by every layer
// of the service: the producer-supplied Payload, the immutable stored Record,
// and the validation rules applied at ingest.
//
// # Payloads
//
// A Payload is what a sensor sends to POST /ingest:
//
//	{
//	  "sensorId": "TWIN-001000",
//	  "locationName": "Jakarta Pusat",
//	  "temperature": 27.4,
//	  "humidity": 71.2,
//	  "location": {"lat": "-6.200112", "lon": "106.816340"},
//	  "timestamp": "2025-01-01T08:00:00.000Z"
//	}
//
// Numeric fields accept JSON numbers or numeric strings and are normalised
// to float64. The timestamp is kept verbatim; it only has to parse as
// ISO-8601 (see ParseTimestamp).
//
// # Validation
//
// DecodePayload and Payload.Validate report every failing field at once as a
// *ValidationError, which wraps ErrValidation:
//
//	p, err := telemetry.DecodePayload(body)
//	var verr *telemetry.ValidationError
//	if errors.As(err, &verr) {
//	    // verr.Details holds one FieldError per rejected field
//	}
//
// Ranges: temperature [-50, 60], humidity [0, 100], latitude [-90, 90],
// longitude [-180, 180]. sensorId must be a non-empty string.
//
// # Records
//
// A Record is a Payload plus the server-assigned fields: the content hash,
// the receivedAt ingest time and the append sequence number. Records are
// never mutated after the store hands them out. Location coordinates are
// pointers so that records loaded from older snapshot files with missing or
// unparsable coordinates survive a restart; such records never match a
// radius filter.
package telemetry
