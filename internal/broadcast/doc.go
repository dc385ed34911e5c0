// Package broadcast fans newly stored records out to live-feed subscribers.
//
// # Overview
//
// A Hub holds a registry of Subscriptions. Each subscription owns a bounded
// queue of pre-framed server-sent events; Publish encodes a record once and
// offers the frame to every queue without blocking. Stream drains one
// subscription into an HTTP response.
//
//	Ingest ──Publish──▶ Hub ──┬──▶ Subscription ──Stream──▶ client
//	                          ├──▶ Subscription ──Stream──▶ client
//	                          └──▶ Subscription ──Stream──▶ client
//
// There is no backfill. A subscriber sees only records published after it
// subscribed; catching up is a query.
//
// # Pruning
//
// The hub removes a subscription when its client disconnects. What happens
// on a delivery failure (a full queue or a failed write) depends on Policy:
//
//   - PruneOnFailure (default): the subscription is closed with
//     ErrSubscriberLagging or the write error and removed.
//   - PruneOnDisconnect: the failure is logged, the frame is dropped for
//     that subscriber and it stays registered until it disconnects.
//
// # Concurrency
//
// Publish copies the subscriber list under a read lock and delivers outside
// it, so subscribing, unsubscribing and publishing may run concurrently.
// A subscription added during a publish may or may not receive that frame;
// every subscription present when the copy is taken is offered it.
package broadcast
