package query

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/twinlogy/internal/telemetry"
)

// Pagination bounds.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// CSVHeader is the fixed export column set.
var CSVHeader = []string{"timestamp", "temperature", "humidity", "lat", "lon", "hash", "receivedAt"}

// Snapshotter provides point-in-time copies of the record log.
type Snapshotter interface {
	Snapshot() []telemetry.Record
}

// Observer receives read-path timings.
type Observer interface {
	ObserveRead(op string, d time.Duration)
}

// Page is one page of query results. Total counts every match, not just
// the returned ones.
type Page struct {
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
	Results []telemetry.Record `json:"results"`
}

// Service answers queries and exports.
type Service struct {
	source   Snapshotter
	observer Observer
}

// NewService creates a query service over source. observer may be nil.
func NewService(source Snapshotter, observer Observer) *Service {
	return &Service{source: source, observer: observer}
}

// ParsePage reads limit and offset parameters and clamps them. Only the
// leading integer of each value counts, so "10.5" and "10abc" both mean 10.
// A missing, zero or unparsable limit means DefaultLimit.
func ParsePage(v url.Values) (limit, offset int) {
	limit, ok := leadingInt(v.Get("limit"))
	if !ok || limit == 0 {
		limit = DefaultLimit
	}
	offset, _ = leadingInt(v.Get("offset"))
	return ClampPage(limit, offset)
}

// leadingInt parses an optionally signed run of decimal digits at the start
// of s, after leading whitespace. Values beyond the int range saturate.
func leadingInt(s string) (int, bool) {
	s = strings.TrimLeft(s, " \t\n\r")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.ParseInt(s[:end], 10, 0)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	return int(n), true
}

// ClampPage bounds limit to [1, MaxLimit] and offset to >= 0.
func ClampPage(limit, offset int) (int, int) {
	limit = max(1, min(MaxLimit, limit))
	offset = max(0, offset)
	return limit, offset
}

// matching takes a snapshot, orders it newest first and filters it.
func (s *Service) matching(f Filter) []telemetry.Record {
	records := s.source.Snapshot()
	slices.SortStableFunc(records, func(a, b telemetry.Record) int {
		return b.ReceivedAt.Compare(a.ReceivedAt)
	})
	return f.Apply(records)
}

// Query returns the page [offset, offset+limit) of matching records.
// limit and offset are clamped first.
func (s *Service) Query(f Filter, limit, offset int) Page {
	start := time.Now()
	defer s.observe("query", start)

	limit, offset = ClampPage(limit, offset)
	matched := s.matching(f)

	page := Page{
		Total:   len(matched),
		Limit:   limit,
		Offset:  offset,
		Results: []telemetry.Record{},
	}
	if offset < len(matched) {
		end := min(len(matched), offset+limit)
		page.Results = matched[offset:end]
	}
	return page
}

// Export writes every matching record to w as CSV and returns the number
// of data rows written. Rows are streamed; the context is checked between
// rows so an abandoned download stops early.
func (s *Service) Export(ctx context.Context, w io.Writer, f Filter) (int, error) {
	start := time.Now()
	defer s.observe("export", start)

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return 0, err
	}

	rows := 0
	for _, r := range s.matching(f) {
		if err := ctx.Err(); err != nil {
			cw.Flush()
			return rows, err
		}
		if err := cw.Write(csvRow(r)); err != nil {
			return rows, err
		}
		rows++
	}
	cw.Flush()
	return rows, cw.Error()
}

func csvRow(r telemetry.Record) []string {
	var lat, lon string
	if r.Location.Lat != nil {
		lat = formatFloat(*r.Location.Lat)
	}
	if r.Location.Lon != nil {
		lon = formatFloat(*r.Location.Lon)
	}
	var received string
	if !r.ReceivedAt.IsZero() {
		received = r.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		r.Timestamp,
		formatFloat(r.Temperature),
		formatFloat(r.Humidity),
		lat,
		lon,
		r.Hash,
		received,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (s *Service) observe(op string, start time.Time) {
	if s.observer != nil {
		s.observer.ObserveRead(op, time.Since(start))
	}
}
