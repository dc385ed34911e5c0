// Package httpapi is the HTTP surface of the service: ingest, query, CSV
// export, the server-sent live feed, health and metrics.
//
// # Routes
//
//	POST /ingest       validate and store one reading
//	GET  /data         filtered, paginated query (JSON)
//	GET  /export.csv   filtered export, no pagination (CSV download)
//	GET  /events       live feed (text/event-stream)
//	GET  /health       liveness, uptime, record count, sink health
//	GET  /metrics      prometheus exposition
//
// # Middleware
//
// Every route gets an X-Request-ID, basic security headers and CORS for the
// configured origins. /ingest and /data carry per-client-IP token-bucket
// rate limits and answer 429 with Retry-After when exhausted. Request bodies
// are capped (10 KiB by default, 413 beyond it). /data and /export.csv are
// gzip-compressed when the client accepts it; /events is never compressed
// so frames flush immediately.
//
// # Errors
//
// Only validation failures carry detail:
//
//	400 {"error":"Validation failed","details":[{"field":...,"message":...,"value":...}]}
//
// Persistence, sink and live-feed failures are logged and never reach the
// client.
package httpapi
