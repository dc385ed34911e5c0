package broadcast

import (
	"context"
	"errors"
	"io"
	"time"
)

// Preamble is written once when a stream opens.
const Preamble = ": connected\n\n"

var heartbeatFrame = []byte(": heartbeat\n\n")

// Stream writes sub's frames to w until ctx ends or the subscription is
// closed. flush is called after every write and may be nil. A heartbeat of
// zero disables keep-alive comments.
//
// The subscription is always removed from its hub when Stream returns.
// Returns nil when ctx ends or after a plain Unsubscribe.
func Stream(ctx context.Context, sub *Subscription, w io.Writer, flush func(), heartbeat time.Duration) error {
	h := sub.hub
	defer h.Unsubscribe(sub.ID)

	if flush == nil {
		flush = func() {}
	}
	if _, err := io.WriteString(w, Preamble); err != nil {
		return err
	}
	flush()

	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.done:
			return sub.err
		case frame := <-sub.frames:
			if _, err := w.Write(frame); err != nil {
				h.deliveryFailed(sub, err)
				if h.policy == PruneOnFailure {
					return err
				}
				continue
			}
			flush()
		case <-tick:
			if _, err := w.Write(heartbeatFrame); err != nil {
				h.deliveryFailed(sub, err)
				if h.policy == PruneOnFailure {
					return err
				}
				continue
			}
			flush()
		}
	}
}

// IsLagging reports whether err ended a stream because the subscriber fell
// behind.
func IsLagging(err error) bool {
	return errors.Is(err, ErrSubscriberLagging)
}
