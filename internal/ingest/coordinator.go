// Package ingest orchestrates the write path: validate, hash and store a
// reading, acknowledge it, then hand it to the downstream sinks and the live
// feed without holding up the caller.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/dreamware/twinlogy/internal/telemetry"
)

// State is a step of a reading's lifecycle.
type State int

const (
	Received State = iota
	Validated
	Hashed
	Stored
	Acknowledged
	Notified
	Broadcast
	Rejected
)

var stateNames = [...]string{
	Received:     "received",
	Validated:    "validated",
	Hashed:       "hashed",
	Stored:       "stored",
	Acknowledged: "acknowledged",
	Notified:     "notified",
	Broadcast:    "broadcast",
	Rejected:     "rejected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrClosed is returned by Ingest after Close.
var ErrClosed = errors.New("ingest: coordinator closed")

// Appender hashes, stamps and stores a payload.
type Appender interface {
	Append(ctx context.Context, p telemetry.Payload) (telemetry.Record, error)
}

// Notifier hands a stored record to downstream sinks without blocking.
type Notifier interface {
	Notify(rec telemetry.Record) error
}

// Publisher pushes a stored record to live subscribers.
type Publisher interface {
	Publish(rec telemetry.Record) int
}

// Observer receives ingest outcomes: "accepted", "rejected" or "failed".
type Observer interface {
	ObserveIngest(outcome string)
}

// Options wires a Coordinator. Store is required; Sinks and Hub may be nil.
type Options struct {
	Store    Appender
	Sinks    Notifier
	Hub      Publisher
	Logger   *slog.Logger
	Observer Observer
	// Trace, if set, is called on every state transition. Notified and
	// Broadcast are reported from background goroutines.
	Trace func(State, telemetry.Record)
}

// Coordinator runs the ingest state machine.
type Coordinator struct {
	store    Appender
	sinks    Notifier
	hub      Publisher
	logger   *slog.Logger
	observer Observer
	trace    func(State, telemetry.Record)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:    opts.Store,
		sinks:    opts.Sinks,
		hub:      opts.Hub,
		logger:   opts.Logger,
		observer: opts.Observer,
		trace:    opts.Trace,
	}
}

// IngestJSON decodes a request body and ingests it. A malformed or invalid
// body yields a *telemetry.ValidationError.
func (c *Coordinator) IngestJSON(ctx context.Context, body []byte) (telemetry.Record, error) {
	p, err := telemetry.DecodePayload(body)
	if err != nil {
		c.emit(Received, telemetry.Record{})
		return c.reject(err)
	}
	return c.Ingest(ctx, p)
}

// Ingest validates and stores p and returns the stored record once the
// synchronous persistence attempt has finished. Sink notification and
// broadcast happen afterwards in the background.
func (c *Coordinator) Ingest(ctx context.Context, p telemetry.Payload) (telemetry.Record, error) {
	p.Timestamp = strings.TrimSpace(p.Timestamp)
	c.emit(Received, telemetry.Record{Payload: p})

	if err := p.Validate(); err != nil {
		return c.reject(err)
	}
	c.emit(Validated, telemetry.Record{Payload: p})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.count("failed")
		return telemetry.Record{}, ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	rec, err := c.store.Append(ctx, p)
	if err != nil {
		c.count("failed")
		c.logger.Error("append failed", "sensor", p.SensorID, "error", err)
		return telemetry.Record{}, err
	}
	c.emit(Hashed, rec)
	c.emit(Stored, rec)
	c.emit(Acknowledged, rec)
	c.count("accepted")

	c.fanOut(rec)
	return rec, nil
}

func (c *Coordinator) reject(err error) (telemetry.Record, error) {
	c.emit(Rejected, telemetry.Record{})
	c.count("rejected")
	return telemetry.Record{}, err
}

// fanOut notifies sinks and publishes to the hub independently.
func (c *Coordinator) fanOut(rec telemetry.Record) {
	if c.sinks != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.sinks.Notify(rec); err != nil {
				c.logger.Warn("sink notification dropped", "hash", rec.Hash, "error", err)
			}
			c.emit(Notified, rec)
		}()
	}
	if c.hub != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			n := c.hub.Publish(rec)
			c.logger.Debug("record broadcast", "hash", rec.Hash, "subscribers", n)
			c.emit(Broadcast, rec)
		}()
	}
}

// Close rejects new readings and waits for in-flight fan-out to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) emit(s State, rec telemetry.Record) {
	if c.trace != nil {
		c.trace(s, rec)
	}
}

func (c *Coordinator) count(outcome string) {
	if c.observer != nil {
		c.observer.ObserveIngest(outcome)
	}
}
