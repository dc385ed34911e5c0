package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamware/twinlogy/internal/telemetry"
)

// DefaultQueueSize is the per-sink queue capacity.
const DefaultQueueSize = 256

// DefaultTimeout is the per-delivery bound the server configures by default.
// Each sink has one worker, so without a bound a hung Send holds up every
// later notification for that sink.
const DefaultTimeout = 10 * time.Second

// Observer receives every delivery outcome, typically for metrics.
type Observer interface {
	ObserveDelivery(sink string, err error, d time.Duration)
}

// Options configures a Dispatcher.
type Options struct {
	// QueueSize is the capacity of each sink's queue.
	QueueSize int
	// Timeout bounds each Send call. Zero disables it.
	Timeout time.Duration
	// MaxFailures is the unhealthy threshold passed to Health.
	MaxFailures int
	Logger      *slog.Logger
	Observer    Observer
	// OnResult, if set, is called by the worker after every delivery.
	OnResult func(Result)
}

type queue struct {
	sink    Sink
	records chan telemetry.Record
}

// Dispatcher fans records out to sinks through bounded queues.
type Dispatcher struct {
	queues   []*queue
	health   *Health
	logger   *slog.Logger
	observer Observer
	onResult func(Result)
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts one worker per sink. Sink names must be unique.
func NewDispatcher(opts Options, sinks ...Sink) (*Dispatcher, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	seen := make(map[string]bool, len(sinks))
	for _, s := range sinks {
		if seen[s.Name()] {
			return nil, fmt.Errorf("sink: duplicate sink name %q", s.Name())
		}
		seen[s.Name()] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		health:   NewHealth(opts.MaxFailures, opts.Logger),
		logger:   opts.Logger,
		observer: opts.Observer,
		onResult: opts.OnResult,
		timeout:  opts.Timeout,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, s := range sinks {
		q := &queue{sink: s, records: make(chan telemetry.Record, opts.QueueSize)}
		d.queues = append(d.queues, q)
		d.health.Register(s.Name())

		d.wg.Add(1)
		go d.run(q)
	}
	return d, nil
}

// Health returns the dispatcher's health tracker.
func (d *Dispatcher) Health() *Health { return d.health }

// Sinks returns the sink names in registration order.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, 0, len(d.queues))
	for _, q := range d.queues {
		names = append(names, q.sink.Name())
	}
	return names
}

// Notify enqueues rec for every sink without blocking. The returned error
// wraps ErrQueueFull once per sink whose queue was full; the record is still
// delivered to the others.
func (d *Dispatcher) Notify(rec telemetry.Record) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New("sink: dispatcher closed")
	}

	var errs []error
	for _, q := range d.queues {
		select {
		case q.records <- rec:
		default:
			err := fmt.Errorf("%s: %w", q.sink.Name(), ErrQueueFull)
			errs = append(errs, err)
			d.report(Result{Sink: q.sink.Name(), Hash: rec.Hash, Err: ErrQueueFull})
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) run(q *queue) {
	defer d.wg.Done()
	for rec := range q.records {
		d.deliver(q.sink, rec)
	}
}

func (d *Dispatcher) deliver(s Sink, rec telemetry.Record) {
	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := send(ctx, s, rec)
	d.report(Result{Sink: s.Name(), Hash: rec.Hash, Err: err, Duration: time.Since(start)})
}

// send calls s.Send, turning a panic into an error so one misbehaving sink
// cannot take down its worker.
func send(ctx context.Context, s Sink, rec telemetry.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Send(ctx, rec)
}

func (d *Dispatcher) report(r Result) {
	d.health.Record(r)
	if d.observer != nil {
		d.observer.ObserveDelivery(r.Sink, r.Err, r.Duration)
	}
	if d.onResult != nil {
		d.onResult(r)
	}
}

// Close stops accepting records and waits for queued deliveries to finish.
// If ctx ends first, in-flight sends are cancelled, the remaining workers are
// abandoned and ctx.Err is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q.records)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
