// Package client provides the HTTP/JSON helpers and the typed API client used
// to talk to a twinlogy server: by the sensor simulator, by webhook sinks and
// by the end-to-end tests.
//
// # Overview
//
// Two layers:
//
//	┌──────────────────────────────────────────┐
//	│ Client: Ingest · Query · Health          │
//	└──────────────────────────────────────────┘
//	                    │
//	┌──────────────────────────────────────────┐
//	│ PostJSON · GetJSON (context, JSON, errs) │
//	└──────────────────────────────────────────┘
//
// PostJSON and GetJSON are generic request helpers. They marshal the request
// body, honour the context for cancellation and deadlines, treat any status
// of 300 or above as a *StatusError and decode the response into out when out
// is non-nil.
//
// # Errors
//
// A *StatusError carries the status code and the raw response body. Client
// methods decode a 400 body from /ingest into a *telemetry.ValidationError so
// callers can use errors.Is(err, telemetry.ErrValidation).
//
// # Usage
//
//	c := client.New("http://localhost:3000", nil)
//	stored, err := c.Ingest(ctx, payload)
//	page, err := c.Query(ctx, url.Values{"limit": {"10"}})
//
// # Thread Safety
//
// All functions and Client methods are safe for concurrent use.
package client
