// Package sink delivers stored records to downstream integrations (the
// ledger, web3 and analysis services) through supervised per-sink queues.
//
// # Overview
//
// Ingest never calls a sink directly. It hands each acknowledged record to
// a Dispatcher, which enqueues it on one bounded queue per sink. A worker
// goroutine per sink drains its queue and calls Sink.Send; every call
// produces a Result.
//
//	             ┌────────────┐
//	Notify ─────▶│ Dispatcher │
//	             └─────┬──────┘
//	    ┌──────────────┼──────────────┐
//	    ▼              ▼              ▼
//	[ledger q]     [web3 q]       [ai q]
//	    │              │              │
//	 worker         worker         worker
//	    │              │              │
//	    ▼              ▼              ▼
//	 Result ───────▶ Health ◀─────── Result
//
// # Delivery semantics
//
//   - At most once: there are no retries
//   - Notify never blocks; a full queue drops the record for that sink and
//     records an ErrQueueFull failure
//   - Sinks are independent; a slow or failing sink does not delay the others
//   - Records reach a given sink in Notify order
//   - An optional per-call timeout bounds Send
//
// # Health
//
// Health tracks consecutive failures per sink. A sink starts "unknown",
// becomes "healthy" after a success and "unhealthy" once its consecutive
// failures reach the threshold (3 by default). A single success resets it.
//
// # Sinks
//
// Ledger, Web3 and Analysis are log-only stand-ins that acknowledge every
// record. Webhook POSTs the record as JSON to a configured URL and is used in
// place of a stand-in when that integration has an endpoint.
package sink
