package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/twinlogy/internal/telemetry"
)

// DefaultBuffer is the per-subscriber queue capacity.
const DefaultBuffer = 64

// ErrSubscriberLagging closes a subscription whose queue was full.
var ErrSubscriberLagging = errors.New("broadcast: subscriber lagging")

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("broadcast: hub closed")

// Policy selects what a delivery failure does to a subscription.
type Policy int

const (
	PruneOnFailure Policy = iota
	PruneOnDisconnect
)

func (p Policy) String() string {
	switch p {
	case PruneOnFailure:
		return "prune-on-failure"
	case PruneOnDisconnect:
		return "prune-on-disconnect"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "prune-on-failure", "failure":
		return PruneOnFailure, nil
	case "prune-on-disconnect", "disconnect":
		return PruneOnDisconnect, nil
	default:
		return 0, fmt.Errorf("broadcast: unknown policy %q", s)
	}
}

// Observer receives fan-out outcomes.
type Observer interface {
	ObservePublish(delivered, dropped int)
	ObserveSubscribers(n int)
}

// Options configures a Hub.
type Options struct {
	Buffer   int
	Policy   Policy
	Logger   *slog.Logger
	Observer Observer
}

// Hub is the live-feed subscriber registry.
type Hub struct {
	buffer   int
	policy   Policy
	logger   *slog.Logger
	observer Observer

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		buffer:   opts.Buffer,
		policy:   opts.Policy,
		logger:   opts.Logger,
		observer: opts.Observer,
		subs:     make(map[string]*Subscription),
	}
}

// Policy returns the hub's pruning policy.
func (h *Hub) Policy() Policy { return h.policy }

// Subscription is one live-feed consumer.
type Subscription struct {
	ID string

	hub    *Hub
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	err    error
}

// Frames delivers encoded event frames.
func (s *Subscription) Frames() <-chan []byte { return s.frames }

// Done is closed when the subscription is removed from the hub.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended. It is nil while the subscription
// is open and after a plain Unsubscribe.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Subscription) close(err error) bool {
	closed := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		closed = true
	})
	return closed
}

// Subscribe registers a new subscription.
func (h *Hub) Subscribe() (*Subscription, error) {
	sub := &Subscription{
		ID:     uuid.NewString(),
		hub:    h,
		frames: make(chan []byte, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.subs[sub.ID] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug("subscriber connected", "subscription", sub.ID, "subscribers", n)
	h.observeSubscribers(n)
	return sub, nil
}

// Unsubscribe removes the subscription with the given id. It is safe to
// call more than once.
func (h *Hub) Unsubscribe(id string) {
	h.remove(id, nil)
}

func (h *Hub) remove(id string, cause error) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.close(cause)
	if cause != nil {
		h.logger.Warn("subscriber pruned", "subscription", id, "error", cause, "subscribers", n)
	} else {
		h.logger.Debug("subscriber disconnected", "subscription", id, "subscribers", n)
	}
	h.observeSubscribers(n)
}

// Len returns the number of registered subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Frame encodes rec as a server-sent event.
func Frame(rec telemetry.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// Publish offers rec to every registered subscription and returns how many
// accepted it. It never blocks on a subscriber.
func (h *Hub) Publish(rec telemetry.Record) int {
	frame, err := Frame(rec)
	if err != nil {
		h.logger.Error("encode broadcast frame", "hash", rec.Hash, "error", err)
		return 0
	}

	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	delivered, dropped := 0, 0
	for _, sub := range subs {
		select {
		case <-sub.done:
			continue
		default:
		}
		select {
		case sub.frames <- frame:
			delivered++
		default:
			dropped++
			h.deliveryFailed(sub, ErrSubscriberLagging, "hash", rec.Hash)
		}
	}

	if h.observer != nil {
		h.observer.ObservePublish(delivered, dropped)
	}
	return delivered
}

// deliveryFailed applies the pruning policy to a failed delivery.
func (h *Hub) deliveryFailed(sub *Subscription, err error, attrs ...any) {
	if h.policy == PruneOnFailure {
		h.remove(sub.ID, err)
		return
	}
	h.logger.Warn("broadcast delivery failed",
		append([]any{"subscription", sub.ID, "error", err}, attrs...)...)
}

// Close removes every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close(ErrHubClosed)
	}
	h.observeSubscribers(0)
}

func (h *Hub) observeSubscribers(n int) {
	if h.observer != nil {
		h.observer.ObserveSubscribers(n)
	}
}
