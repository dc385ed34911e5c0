package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/twinlogy/internal/client"
	"github.com/dreamware/twinlogy/internal/config"
	"github.com/dreamware/twinlogy/internal/sink"
	"github.com/dreamware/twinlogy/internal/telemetry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Backend = backend
	switch backend {
	case config.BackendJSON:
		cfg.Store.Path = filepath.Join(t.TempDir(), "data.json")
	case config.BackendSQLite:
		cfg.Store.Path = filepath.Join(t.TempDir(), "twin.db")
	}
	cfg.Broadcast.Heartbeat = 0
	cfg.ShutdownTimeout = 2 * time.Second
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildBackends(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendJSON, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)
			a, err := build(context.Background(), cfg, quietLogger(), prometheus.NewRegistry())
			require.NoError(t, err)

			rec, err := a.coord.Ingest(context.Background(), telemetry.Payload{
				SensorID:    "TWIN-001000",
				Temperature: 25,
				Humidity:    60,
				Location:    telemetry.NewLocation(-6.2, 106.8),
				Timestamp:   "2025-01-01T00:00:00Z",
			})
			require.NoError(t, err)
			a.close(context.Background())

			if backend == config.BackendMemory {
				return
			}
			reopened, err := build(context.Background(), cfg, quietLogger(), prometheus.NewRegistry())
			require.NoError(t, err)
			defer reopened.close(context.Background())
			snap := reopened.log.Snapshot()
			require.Len(t, snap, 1)
			assert.Equal(t, rec.Hash, snap[0].Hash)
		})
	}
}

func TestBuildSinks(t *testing.T) {
	sinks := buildSinks(config.SinkConfig{Web3URL: "http://web3.local/hook"}, quietLogger())
	require.Len(t, sinks, 3)
	assert.Equal(t, sink.NameLedger, sinks[0].Name())
	assert.Equal(t, sink.NameWeb3, sinks[1].Name())
	assert.IsType(t, &sink.Webhook{}, sinks[1])
	assert.Equal(t, sink.NameAnalysis, sinks[2].Name())
}

// counterValue returns the counter name{label=value} from reg, or 0.
func counterValue(reg *prometheus.Registry, name, label, value string) float64 {
	families, err := reg.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestBuildCountsUnhealthySinks(t *testing.T) {
	ledger := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer ledger.Close()

	cfg := testConfig(t, config.BackendMemory)
	cfg.Sinks.LedgerURL = ledger.URL
	cfg.Sinks.MaxFailures = 1
	reg := prometheus.NewRegistry()
	a, err := build(context.Background(), cfg, quietLogger(), reg)
	require.NoError(t, err)
	defer a.close(context.Background())
	assert.Equal(t, []string{sink.NameLedger, sink.NameWeb3, sink.NameAnalysis}, a.dispatcher.Sinks())

	_, err = a.coord.Ingest(context.Background(), telemetry.Payload{
		SensorID:    "TWIN-001000",
		Temperature: 25,
		Humidity:    60,
		Location:    telemetry.NewLocation(-6.2, 106.8),
		Timestamp:   "2025-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return counterValue(reg, "twinlogy_sink_unhealthy_total", "sink", sink.NameLedger) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBuildRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory)
	cfg.Store.Hash = "md5"
	_, err := build(context.Background(), cfg, quietLogger(), prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, quietLogger(), ln) }()

	c := client.New("http://"+ln.Addr().String(), nil)
	require.Eventually(t, func() bool {
		_, err := c.Health(context.Background())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := c.Ingest(context.Background(), telemetry.Payload{
		SensorID:    "TWIN-001000",
		Temperature: 30,
		Humidity:    55,
		Location:    telemetry.NewLocation(-7.25, 112.75),
		Timestamp:   "2025-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	page, err := c.Query(context.Background(), url.Values{"limit": {"1"}})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, stored.Hash, page.Results[0].Hash)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.Records)
	assert.Len(t, h.Sinks, 3)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"config", "addr", "store", "store-path", "hash", "broadcast-policy", "ledger-url", "ingest-rate"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}
