package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/twinlogy/internal/telemetry"
)

func record(id string) telemetry.Record {
	return telemetry.Record{
		Payload: telemetry.Payload{
			SensorID:    id,
			Temperature: 25,
			Humidity:    60,
			Location:    telemetry.NewLocation(-6.2, 106.8),
			Timestamp:   "2025-01-01T08:00:00Z",
		},
		Hash:       "abc",
		ReceivedAt: time.Date(2025, 1, 1, 8, 0, 1, 0, time.UTC),
		Seq:        1,
	}
}

func decodeFrame(t *testing.T, frame []byte) telemetry.Record {
	t.Helper()
	s := string(frame)
	require.True(t, strings.HasPrefix(s, "data: "), "frame %q", s)
	require.True(t, strings.HasSuffix(s, "\n\n"), "frame %q", s)
	var rec telemetry.Record
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(s, "data: "), "\n\n")), &rec))
	return rec
}

func TestPublishFanOut(t *testing.T) {
	hub := NewHub(Options{})
	a, err := hub.Subscribe()
	require.NoError(t, err)
	b, err := hub.Subscribe()
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, hub.Len())

	assert.Equal(t, 2, hub.Publish(record("s1")))

	for _, sub := range []*Subscription{a, b} {
		select {
		case frame := <-sub.Frames():
			assert.Equal(t, "s1", decodeFrame(t, frame).SensorID)
		default:
			t.Fatal("expected a frame")
		}
	}
}

func TestNoBackfill(t *testing.T) {
	hub := NewHub(Options{})
	hub.Publish(record("before"))

	sub, err := hub.Subscribe()
	require.NoError(t, err)
	hub.Publish(record("after"))

	frame := <-sub.Frames()
	assert.Equal(t, "after", decodeFrame(t, frame).SensorID)
	assert.Empty(t, sub.Frames())
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub(Options{})
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	hub.Unsubscribe(sub.ID)
	hub.Unsubscribe(sub.ID)

	assert.Equal(t, 0, hub.Len())
	assert.Equal(t, 0, hub.Publish(record("s1")))
	<-sub.Done()
	assert.NoError(t, sub.Err())
}

func TestLaggingSubscriber(t *testing.T) {
	t.Run("prune on failure", func(t *testing.T) {
		hub := NewHub(Options{Buffer: 1, Policy: PruneOnFailure})
		slow, err := hub.Subscribe()
		require.NoError(t, err)

		assert.Equal(t, 1, hub.Publish(record("s1")))
		assert.Equal(t, 0, hub.Publish(record("s2")))

		assert.Equal(t, 0, hub.Len())
		<-slow.Done()
		assert.ErrorIs(t, slow.Err(), ErrSubscriberLagging)
		assert.True(t, IsLagging(slow.Err()))
	})

	t.Run("prune on disconnect", func(t *testing.T) {
		hub := NewHub(Options{Buffer: 1, Policy: PruneOnDisconnect})
		slow, err := hub.Subscribe()
		require.NoError(t, err)

		hub.Publish(record("s1"))
		hub.Publish(record("s2"))

		assert.Equal(t, 1, hub.Len())
		assert.NoError(t, slow.Err())
		assert.Equal(t, "s1", decodeFrame(t, <-slow.Frames()).SensorID)

		hub.Publish(record("s3"))
		assert.Equal(t, "s3", decodeFrame(t, <-slow.Frames()).SensorID)
	})

	t.Run("one slow subscriber does not affect others", func(t *testing.T) {
		hub := NewHub(Options{Buffer: 1})
		slow, err := hub.Subscribe()
		require.NoError(t, err)
		hub.Publish(record("s1"))

		fast, err := hub.Subscribe()
		require.NoError(t, err)
		assert.Equal(t, 1, hub.Publish(record("s2")))
		assert.Equal(t, "s2", decodeFrame(t, <-fast.Frames()).SensorID)
		<-slow.Done()
	})
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PruneOnFailure, false},
		{"prune-on-failure", PruneOnFailure, false},
		{"disconnect", PruneOnDisconnect, false},
		{"prune-on-disconnect", PruneOnDisconnect, false},
		{"never", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Policy {
	t.Helper()
	p, err := ParsePolicy(s)
	require.NoError(t, err)
	return p
}

func TestHubClose(t *testing.T) {
	hub := NewHub(Options{})
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	hub.Close()
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrHubClosed)

	_, err = hub.Subscribe()
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	hub := NewHub(Options{Buffer: 1000})
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := hub.Subscribe()
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			hub.Unsubscribe(sub.ID)
		}()
	}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Publish(record("s"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Len())
}

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStream(t *testing.T) {
	hub := NewHub(Options{})
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- Stream(ctx, sub, out, nil, 0) }()

	assert.Eventually(t, func() bool {
		return strings.HasPrefix(out.String(), Preamble)
	}, time.Second, 5*time.Millisecond)

	hub.Publish(record("s1"))
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"sensorId":"s1"`)
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, hub.Len())

	frames := strings.TrimPrefix(out.String(), Preamble)
	assert.Equal(t, "s1", decodeFrame(t, []byte(frames)).SensorID)
}

func TestStreamHeartbeat(t *testing.T) {
	hub := NewHub(Options{})
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	go Stream(ctx, sub, out, nil, 10*time.Millisecond) //nolint:errcheck

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), ": heartbeat\n\n")
	}, time.Second, 5*time.Millisecond)
}

type failingWriter struct {
	mu     sync.Mutex
	writes int
}

var errBrokenPipe = errors.New("broken pipe")

// Write accepts the preamble and fails everything after it.
func (f *failingWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writes > 1 {
		return 0, errBrokenPipe
	}
	return len(p), nil
}

func (f *failingWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func TestStreamWriteFailure(t *testing.T) {
	t.Run("prune on failure", func(t *testing.T) {
		hub := NewHub(Options{Policy: PruneOnFailure})
		sub, err := hub.Subscribe()
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- Stream(context.Background(), sub, &failingWriter{}, nil, 0) }()

		hub.Publish(record("s1"))
		select {
		case err := <-done:
			assert.ErrorIs(t, err, errBrokenPipe)
		case <-time.After(time.Second):
			t.Fatal("stream did not stop")
		}
		assert.Equal(t, 0, hub.Len())
	})

	t.Run("prune on disconnect", func(t *testing.T) {
		hub := NewHub(Options{Policy: PruneOnDisconnect})
		sub, err := hub.Subscribe()
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		w := &failingWriter{}
		done := make(chan error, 1)
		go func() { done <- Stream(ctx, sub, w, nil, 0) }()

		hub.Publish(record("s1"))
		hub.Publish(record("s2"))
		assert.Eventually(t, func() bool { return w.count() == 3 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, hub.Len())

		cancel()
		require.NoError(t, <-done)
		assert.Equal(t, 0, hub.Len())
	})
}
