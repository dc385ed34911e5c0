// Package query implements the read side of the service: the filter
// pipeline, paginated queries and CSV export, all evaluated against
// point-in-time snapshots of the record log.
//
// Records are ordered newest first by receivedAt; records with equal
// receivedAt keep append order. Filters are conjunctive and evaluated in a
// fixed order, cheapest first: event-time window, temperature range,
// humidity range, then the great-circle radius.
//
// Filter values come straight from URL query parameters. A value that does
// not parse is treated as absent rather than as an error, so
// ?minTemp=abc returns the same page as no minTemp at all.
package query
