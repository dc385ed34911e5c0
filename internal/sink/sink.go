package sink

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dreamware/twinlogy/internal/client"
	"github.com/dreamware/twinlogy/internal/telemetry"
)

// Well-known sink names.
const (
	NameLedger   = "ledger"
	NameWeb3     = "web3"
	NameAnalysis = "ai"
)

// ErrQueueFull is recorded when a sink's queue has no room for a record.
var ErrQueueFull = errors.New("sink: queue full")

// Sink is a downstream integration.
type Sink interface {
	Name() string
	Send(ctx context.Context, rec telemetry.Record) error
}

// Result is the outcome of one delivery attempt.
type Result struct {
	Sink     string
	Hash     string
	Err      error
	Duration time.Duration
}

// Func adapts a function to a Sink.
type Func struct {
	SinkName string
	Fn       func(ctx context.Context, rec telemetry.Record) error
}

func (f Func) Name() string { return f.SinkName }

func (f Func) Send(ctx context.Context, rec telemetry.Record) error { return f.Fn(ctx, rec) }

// stub logs each record and acknowledges it.
type stub struct {
	name    string
	message string
	logger  *slog.Logger
	attrs   []any
}

func (s *stub) Name() string { return s.name }

func (s *stub) Send(ctx context.Context, rec telemetry.Record) error {
	s.logger.InfoContext(ctx, s.message, append([]any{"sink", s.name, "hash", rec.Hash}, s.attrs...)...)
	return nil
}

func newStub(name, message string, logger *slog.Logger, attrs ...any) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &stub{name: name, message: message, logger: logger, attrs: attrs}
}

// Ledger returns the DAG ledger stand-in.
func Ledger(logger *slog.Logger) Sink {
	return newStub(NameLedger, "ledger stub: queued", logger)
}

// Web3 returns the chain anchoring stand-in.
func Web3(logger *slog.Logger) Sink {
	return newStub(NameWeb3, "web3 stub: queued", logger)
}

// Analysis returns the analysis service stand-in. It reports a neutral
// anomaly score for every record.
func Analysis(logger *slog.Logger) Sink {
	return newStub(NameAnalysis, "ai stub: queued", logger, "summary", "ok", "anomalyScore", 0)
}

// Webhook POSTs each record as JSON to a URL.
type Webhook struct {
	name string
	url  string
	hc   *http.Client
}

// NewWebhook returns a sink named name that posts to url. hc may be nil.
func NewWebhook(name, url string, hc *http.Client) *Webhook {
	return &Webhook{name: name, url: url, hc: hc}
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Send(ctx context.Context, rec telemetry.Record) error {
	return client.PostJSON(ctx, w.hc, w.url, rec, nil)
}
