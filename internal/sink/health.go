package sink

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// Health statuses.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// DefaultMaxFailures is the number of consecutive failures after which a
// sink is reported unhealthy.
const DefaultMaxFailures = 3

// SinkHealth is the delivery health of one sink.
type SinkHealth struct {
	LastAttempt      time.Time `json:"lastAttempt"`
	LastSuccess      time.Time `json:"lastSuccess"`
	LastError        string    `json:"lastError,omitempty"`
	Sink             string    `json:"sink"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	Delivered        uint64    `json:"delivered"`
	Failed           uint64    `json:"failed"`
}

// Health tracks per-sink delivery outcomes.
// Thread-safe: all methods are safe for concurrent access.
type Health struct {
	sinks       map[string]*SinkHealth
	onUnhealthy func(sink string)
	logger      *slog.Logger
	now         func() time.Time
	mu          sync.RWMutex
	maxFailures int
}

// NewHealth creates a tracker that marks a sink unhealthy after maxFailures
// consecutive failures. maxFailures <= 0 means DefaultMaxFailures.
func NewHealth(maxFailures int, logger *slog.Logger) *Health {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Health{
		sinks:       make(map[string]*SinkHealth),
		logger:      logger,
		now:         time.Now,
		maxFailures: maxFailures,
	}
}

// SetOnUnhealthy sets a callback invoked, on its own goroutine, when a sink
// transitions to unhealthy.
func (h *Health) SetOnUnhealthy(callback func(sink string)) {
	h.mu.Lock()
	h.onUnhealthy = callback
	h.mu.Unlock()
}

// Register starts tracking sink in the unknown state.
func (h *Health) Register(sink string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sinks[sink]; !ok {
		h.sinks[sink] = &SinkHealth{Sink: sink, Status: StatusUnknown}
	}
}

// Record applies one delivery result.
func (h *Health) Record(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh, ok := h.sinks[r.Sink]
	if !ok {
		sh = &SinkHealth{Sink: r.Sink, Status: StatusUnknown}
		h.sinks[r.Sink] = sh
	}
	now := h.now()
	sh.LastAttempt = now

	if r.Err != nil {
		sh.ConsecutiveFails++
		sh.Failed++
		sh.LastError = r.Err.Error()
		h.logger.Warn("sink delivery failed",
			"sink", r.Sink, "hash", r.Hash, "error", r.Err,
			"attempt", sh.ConsecutiveFails, "threshold", h.maxFailures)

		if sh.ConsecutiveFails >= h.maxFailures && sh.Status != StatusUnhealthy {
			sh.Status = StatusUnhealthy
			h.logger.Error("sink marked unhealthy", "sink", r.Sink, "failures", sh.ConsecutiveFails)
			if h.onUnhealthy != nil {
				go h.onUnhealthy(r.Sink)
			}
		}
		return
	}

	if sh.Status == StatusUnhealthy {
		h.logger.Info("sink recovered", "sink", r.Sink)
	}
	sh.Status = StatusHealthy
	sh.ConsecutiveFails = 0
	sh.Delivered++
	sh.LastSuccess = now
	sh.LastError = ""
}

// All returns a copy of every tracked sink's health, ordered by name.
func (h *Health) All() []SinkHealth {
	h.mu.RLock()
	out := make([]SinkHealth, 0, len(h.sinks))
	for _, sh := range h.sinks {
		out = append(out, *sh)
	}
	h.mu.RUnlock()

	slices.SortFunc(out, func(a, b SinkHealth) int {
		switch {
		case a.Sink < b.Sink:
			return -1
		case a.Sink > b.Sink:
			return 1
		}
		return 0
	})
	return out
}
