package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/twinlogy/internal/digest"
	"github.com/dreamware/twinlogy/internal/telemetry"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("storage: log closed")

// Persister makes the log durable.
// Implementations are only ever called by one goroutine at a time.
type Persister interface {
	// Load returns previously persisted records in append order.
	Load(ctx context.Context) ([]telemetry.Record, error)

	// Persist is called after each append with the full log (which ends
	// with appended) so that snapshot-style persisters can rewrite it and
	// log-style persisters can write only the new record.
	Persist(ctx context.Context, all []telemetry.Record, appended telemetry.Record) error

	// Close releases any underlying resources.
	Close() error
}

// Observer receives persistence outcomes, typically for metrics.
type Observer interface {
	ObservePersist(err error)
}

// LogStats contains statistics about the log
type LogStats struct {
	Records         int    `json:"records"`
	Appends         uint64 `json:"appends"`
	PersistFailures uint64 `json:"persist_failures"`
	LastPersistErr  string `json:"last_persist_error,omitempty"`
}

// Options configures Open.
type Options struct {
	Persister Persister
	Hasher    digest.Hasher
	Logger    *slog.Logger
	Observer  Observer

	// Now overrides the clock used for ReceivedAt.
	Now func() time.Time
}

// Log is the append-only record log.
type Log struct {
	writeMu sync.Mutex   // Serializes Append, including persistence
	mu      sync.RWMutex // Protects records
	records []telemetry.Record

	persister Persister
	hasher    digest.Hasher
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time

	// Guarded by writeMu.
	lastReceived    time.Time
	nextSeq         uint64
	appends         uint64
	persistFailures uint64
	lastPersistErr  error
	closed          bool
}

// Open creates a log and loads existing records from the persister. A load
// failure is logged and the log starts empty.
func Open(ctx context.Context, opts Options) (*Log, error) {
	if opts.Persister == nil {
		opts.Persister = Nop{}
	}
	if opts.Hasher == nil {
		opts.Hasher = digest.SHA256()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Log{
		persister: opts.Persister,
		hasher:    opts.Hasher,
		logger:    opts.Logger,
		observer:  opts.Observer,
		now:       opts.Now,
		nextSeq:   1,
	}

	loaded, err := opts.Persister.Load(ctx)
	if err != nil {
		l.logger.Error("failed to load persisted records, starting empty", "error", err)
		loaded = nil
	}
	l.restore(loaded)
	if len(l.records) > 0 {
		l.logger.Info("loaded persisted records", "records", len(l.records))
	}
	return l, nil
}

// restore installs loaded records, renumbering any that predate sequence
// numbers.
func (l *Log) restore(loaded []telemetry.Record) {
	for i := range loaded {
		if loaded[i].Seq < l.nextSeq {
			loaded[i].Seq = l.nextSeq
		}
		l.nextSeq = loaded[i].Seq + 1
		if loaded[i].ReceivedAt.After(l.lastReceived) {
			l.lastReceived = loaded[i].ReceivedAt
		}
	}
	l.records = loaded
}

// Append hashes the payload, stamps it and appends it to the log. The
// returned error is non-nil only when nothing was appended; persistence
// failures are logged and reported through Stats.
func (l *Log) Append(ctx context.Context, p telemetry.Payload) (telemetry.Record, error) {
	hash, err := l.hasher.Sum(p)
	if err != nil {
		return telemetry.Record{}, fmt.Errorf("storage: hash payload: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.closed {
		return telemetry.Record{}, ErrClosed
	}

	received := l.now().UTC()
	if received.Before(l.lastReceived) {
		received = l.lastReceived
	}
	l.lastReceived = received

	rec := telemetry.Record{
		Payload:    p,
		Hash:       hash,
		ReceivedAt: received,
		Seq:        l.nextSeq,
	}
	l.nextSeq++
	l.appends++

	l.mu.Lock()
	l.records = append(l.records, rec)
	// Capacity-limited so later appends never write into this view.
	view := l.records[:len(l.records):len(l.records)]
	l.mu.Unlock()

	perr := l.persister.Persist(ctx, view, rec)
	if perr != nil {
		l.persistFailures++
		l.lastPersistErr = perr
		l.logger.Error("failed to persist record", "hash", rec.Hash, "seq", rec.Seq, "error", perr)
	}
	if l.observer != nil {
		l.observer.ObservePersist(perr)
	}

	return rec, nil
}

// Snapshot returns a copy of the log in append order. Appends that start
// after Snapshot returns are never visible in the copy.
func (l *Log) Snapshot() []telemetry.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.records)
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Stats returns log statistics.
func (l *Log) Stats() LogStats {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	stats := LogStats{
		Records:         l.Len(),
		Appends:         l.appends,
		PersistFailures: l.persistFailures,
	}
	if l.lastPersistErr != nil {
		stats.LastPersistErr = l.lastPersistErr.Error()
	}
	return stats
}

// Close stops further appends and closes the persister.
func (l *Log) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.persister.Close()
}

// Nop is a Persister that keeps nothing.
type Nop struct{}

func (Nop) Load(context.Context) ([]telemetry.Record, error) { return nil, nil }

func (Nop) Persist(context.Context, []telemetry.Record, telemetry.Record) error { return nil }

func (Nop) Close() error { return nil }
