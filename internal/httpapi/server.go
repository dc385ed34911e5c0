package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/twinlogy/internal/broadcast"
	"github.com/dreamware/twinlogy/internal/client"
	"github.com/dreamware/twinlogy/internal/metrics"
	"github.com/dreamware/twinlogy/internal/query"
	"github.com/dreamware/twinlogy/internal/sink"
	"github.com/dreamware/twinlogy/internal/storage"
	"github.com/dreamware/twinlogy/internal/telemetry"
)

// Response messages.
const (
	msgValidationFailed = "Validation failed"
	msgTooLarge         = "Payload too large"
	msgStoreFailed      = "Failed to store record"
	msgExportFailed     = "Failed to generate CSV"
	msgUnavailable      = "Service unavailable"
	msgIngestLimited    = "Too many requests from this IP, please try again later."
	msgDataLimited      = "Too many API requests, please slow down."
)

// DefaultBodyLimit caps request bodies when Options.BodyLimit is unset.
const DefaultBodyLimit = 10 << 10

// Ingester accepts raw ingest bodies.
type Ingester interface {
	IngestJSON(ctx context.Context, body []byte) (telemetry.Record, error)
}

// Querier serves reads.
type Querier interface {
	Query(f query.Filter, limit, offset int) query.Page
	Export(ctx context.Context, w io.Writer, f query.Filter) (int, error)
}

// RecordLog reports the size and persistence outcomes of the record log.
type RecordLog interface {
	Len() int
	Stats() storage.LogStats
}

// SinkReporter reports per-sink delivery health.
type SinkReporter interface {
	All() []sink.SinkHealth
}

// Options wires a Server. Ingester, Query, Hub and Records are required.
type Options struct {
	Ingester Ingester
	Query    Querier
	Hub      *broadcast.Hub
	Records  RecordLog
	Sinks    SinkReporter
	Metrics  *metrics.Metrics
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger

	BodyLimit   int64
	Heartbeat   time.Duration
	IngestLimit RateLimit
	DataLimit   RateLimit
	CORSOrigins []string
	Now         func() time.Time
}

// Server is the HTTP surface of the service.
type Server struct {
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
	started time.Time
	handler http.Handler
}

// New builds the route table.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = DefaultBodyLimit
	}
	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		now:     opts.Now,
		started: opts.Now(),
	}

	ingestLimiter := NewRateLimiter(opts.IngestLimit, msgIngestLimited)
	dataLimiter := NewRateLimiter(opts.DataLimit, msgDataLimited)

	mux := http.NewServeMux()
	mux.Handle("POST /ingest", s.instrument("/ingest",
		ingestLimiter.Middleware(limitBody(opts.BodyLimit, http.HandlerFunc(s.handleIngest)))))
	mux.Handle("GET /data", s.instrument("/data",
		dataLimiter.Middleware(gzhttp.GzipHandler(http.HandlerFunc(s.handleData)))))
	mux.Handle("GET /export.csv", s.instrument("/export.csv",
		gzhttp.GzipHandler(http.HandlerFunc(s.handleExport))))
	mux.Handle("GET /events", s.instrument("/events", http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /health", s.instrument("/health", http.HandlerFunc(s.handleHealth)))
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.handler = requestID(securityHeaders(cors(opts.CORSOrigins, mux)))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	if s.opts.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.opts.Metrics.ObserveRequest(route, status)
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The append and its persistence finish even if the client goes away.
	rec, err := s.opts.Ingester.IngestJSON(context.WithoutCancel(r.Context()), body)
	if err != nil {
		var verr *telemetry.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, client.ErrorResponse{Error: msgValidationFailed, Details: verr.Details})
			return
		}
		s.logger.Error("ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, msgStoreFailed)
		return
	}
	writeJSON(w, http.StatusOK, client.IngestResponse{Status: "ok", Stored: rec})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := query.ParsePage(q)
	writeJSON(w, http.StatusOK, s.opts.Query.Query(query.ParseFilter(q), limit, offset))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f := query.ParseFilter(r.URL.Query())

	h := w.Header()
	h.Set("Content-Type", "text/csv; charset=utf-8")
	h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="twin-data-%d.csv"`, s.now().UnixMilli()))

	rows, err := s.opts.Query.Export(r.Context(), w, f)
	if err != nil {
		// Headers and possibly rows are already on the wire.
		s.logger.Warn("export aborted", "rows", rows, "error", err)
		return
	}
	s.logger.Debug("export finished", "rows", rows)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := s.opts.Hub.Subscribe()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable)
		return
	}

	rc := http.NewResponseController(w)
	// Live feeds outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flush := func() { _ = rc.Flush() }
	err = broadcast.Stream(r.Context(), sub, w, flush, s.opts.Heartbeat)
	switch {
	case broadcast.IsLagging(err):
		s.logger.Warn("live feed dropped a slow subscriber", "subscription", sub.ID)
	case err != nil:
		s.logger.Info("live feed closed", "subscription", sub.ID, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	stats := s.opts.Records.Stats()
	resp := client.Health{
		Status:    "ok",
		Uptime:    now.Sub(s.started).Seconds(),
		Timestamp: now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Records:   stats.Records,
		Store: &client.StoreStatus{
			Appends:          stats.Appends,
			PersistFailures:  stats.PersistFailures,
			LastPersistError: stats.LastPersistErr,
		},
	}
	if s.opts.Sinks != nil {
		for _, sh := range s.opts.Sinks.All() {
			resp.Sinks = append(resp.Sinks, sinkStatus(sh))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func sinkStatus(sh sink.SinkHealth) client.SinkStatus {
	out := client.SinkStatus{
		Sink:             sh.Sink,
		Status:           sh.Status,
		ConsecutiveFails: sh.ConsecutiveFails,
		Delivered:        sh.Delivered,
		Failed:           sh.Failed,
		LastError:        sh.LastError,
	}
	if !sh.LastAttempt.IsZero() {
		t := sh.LastAttempt.UTC()
		out.LastAttempt = &t
	}
	if !sh.LastSuccess.IsZero() {
		t := sh.LastSuccess.UTC()
		out.LastSuccess = &t
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, client.ErrorResponse{Error: msg})
}
