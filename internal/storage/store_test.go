package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/twinlogy/internal/digest"
	"github.com/dreamware/twinlogy/internal/telemetry"
)

func payload(sensor string, temp float64) telemetry.Payload {
	return telemetry.Payload{
		SensorID:    sensor,
		Temperature: temp,
		Humidity:    55,
		Location:    telemetry.NewLocation(-6.2, 106.816),
		Timestamp:   "2025-01-01T08:00:00Z",
	}
}

func openLog(t *testing.T, opts Options) *Log {
	t.Helper()
	l, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// failingPersister fails every Persist call.
type failingPersister struct {
	calls int
}

func (f *failingPersister) Load(context.Context) ([]telemetry.Record, error) { return nil, nil }

func (f *failingPersister) Persist(context.Context, []telemetry.Record, telemetry.Record) error {
	f.calls++
	return errors.New("disk full")
}

func (f *failingPersister) Close() error { return nil }

type countingObserver struct {
	mu       sync.Mutex
	ok, fail int
}

func (c *countingObserver) ObservePersist(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.fail++
	} else {
		c.ok++
	}
}

// TestLog tests the in-memory log behaviour
func TestLog(t *testing.T) {
	t.Run("new log is empty", func(t *testing.T) {
		l := openLog(t, Options{})
		assert.Equal(t, 0, l.Len())
		assert.Empty(t, l.Snapshot())
	})

	t.Run("append stamps the record", func(t *testing.T) {
		now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
		l := openLog(t, Options{Now: func() time.Time { return now }})

		p := payload("s1", 21)
		rec, err := l.Append(context.Background(), p)
		require.NoError(t, err)

		want, err := digest.SHA256().Sum(p)
		require.NoError(t, err)
		assert.Equal(t, want, rec.Hash)
		assert.Equal(t, uint64(1), rec.Seq)
		assert.Equal(t, now, rec.ReceivedAt)
		assert.Equal(t, p, rec.Payload)
		assert.Equal(t, []telemetry.Record{rec}, l.Snapshot())
	})

	t.Run("identical payloads are both kept", func(t *testing.T) {
		l := openLog(t, Options{})
		a, err := l.Append(context.Background(), payload("s1", 21))
		require.NoError(t, err)
		b, err := l.Append(context.Background(), payload("s1", 21))
		require.NoError(t, err)

		assert.Equal(t, a.Hash, b.Hash)
		assert.NotEqual(t, a.Seq, b.Seq)
		assert.Equal(t, 2, l.Len())
	})

	t.Run("received time never decreases", func(t *testing.T) {
		times := []time.Time{
			time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
			time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), // clock stepped back
			time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC),
		}
		i := 0
		l := openLog(t, Options{Now: func() time.Time { ts := times[i]; i++; return ts }})

		var got []time.Time
		for range times {
			rec, err := l.Append(context.Background(), payload("s", 20))
			require.NoError(t, err)
			got = append(got, rec.ReceivedAt)
		}
		assert.Equal(t, times[0], got[0])
		assert.Equal(t, times[0], got[1])
		assert.Equal(t, times[2], got[2])
	})

	t.Run("snapshot is isolated from later appends", func(t *testing.T) {
		l := openLog(t, Options{})
		_, err := l.Append(context.Background(), payload("s1", 20))
		require.NoError(t, err)

		snap := l.Snapshot()
		_, err = l.Append(context.Background(), payload("s2", 21))
		require.NoError(t, err)

		assert.Len(t, snap, 1)
		snap[0].SensorID = "mutated"
		assert.Equal(t, "s1", l.Snapshot()[0].SensorID)
	})

	t.Run("persistence failure keeps the record", func(t *testing.T) {
		p := &failingPersister{}
		obs := &countingObserver{}
		l := openLog(t, Options{Persister: p, Observer: obs})

		rec, err := l.Append(context.Background(), payload("s1", 20))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), rec.Seq)
		assert.Equal(t, 1, l.Len())

		stats := l.Stats()
		assert.Equal(t, uint64(1), stats.PersistFailures)
		assert.Equal(t, "disk full", stats.LastPersistErr)
		assert.Equal(t, 1, obs.fail)
	})

	t.Run("append after close fails", func(t *testing.T) {
		l, err := Open(context.Background(), Options{})
		require.NoError(t, err)
		require.NoError(t, l.Close())

		_, err = l.Append(context.Background(), payload("s1", 20))
		assert.ErrorIs(t, err, ErrClosed)
	})
}

// TestConcurrentAppends verifies no append is lost or duplicated
func TestConcurrentAppends(t *testing.T) {
	l := openLog(t, Options{})

	const workers, perWorker = 10, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := l.Append(context.Background(), payload(fmt.Sprintf("w%d-%d", w, i), 20))
				assert.NoError(t, err)
				_ = l.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	snap := l.Snapshot()
	require.Len(t, snap, workers*perWorker)

	seen := make(map[string]bool)
	for i, rec := range snap {
		assert.Equal(t, uint64(i+1), rec.Seq)
		if i > 0 {
			assert.False(t, rec.ReceivedAt.Before(snap[i-1].ReceivedAt))
		}
		assert.False(t, seen[rec.SensorID], "duplicate %s", rec.SensorID)
		seen[rec.SensorID] = true
	}
	assert.Equal(t, uint64(workers*perWorker), l.Stats().Appends)
}

func TestJSONFile(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip across reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "data.json")
		l := openLog(t, Options{Persister: NewJSONFile(path)})
		first, err := l.Append(ctx, payload("s1", 20))
		require.NoError(t, err)
		second, err := l.Append(ctx, payload("s2", 21))
		require.NoError(t, err)
		require.NoError(t, l.Close())

		reopened := openLog(t, Options{Persister: NewJSONFile(path)})
		snap := reopened.Snapshot()
		require.Len(t, snap, 2)
		assert.Equal(t, first.Hash, snap[0].Hash)
		assert.Equal(t, second.Seq, snap[1].Seq)
		assert.True(t, second.ReceivedAt.Equal(snap[1].ReceivedAt))

		third, err := reopened.Append(ctx, payload("s3", 22))
		require.NoError(t, err)
		assert.Equal(t, uint64(3), third.Seq)
	})

	t.Run("file is a json array rewritten each append", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data.json")
		l := openLog(t, Options{Persister: NewJSONFile(path)})
		for i := 0; i < 3; i++ {
			_, err := l.Append(ctx, payload("s", float64(i)))
			require.NoError(t, err)
		}

		records, err := NewJSONFile(path).Load(ctx)
		require.NoError(t, err)
		assert.Len(t, records, 3)

		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temporary files must not be left behind")
	})

	t.Run("legacy records without seq are numbered", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data.json")
		legacy := `[
  {"sensorId":"TWIN-001000","temperature":25,"humidity":60,"location":{"lat":"-6.200000","lon":"106.816000"},"timestamp":"2025-01-01T00:00:00.000Z","hash":"h1","receivedAt":"2025-01-01T00:00:01.000Z"},
  {"sensorId":"TWIN-001001","temperature":26,"humidity":61,"location":{},"timestamp":"2025-01-01T00:00:02.000Z","hash":"h2","receivedAt":"2025-01-01T00:00:03.000Z"}
]`
		require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

		l := openLog(t, Options{Persister: NewJSONFile(path)})
		snap := l.Snapshot()
		require.Len(t, snap, 2)
		assert.Equal(t, uint64(1), snap[0].Seq)
		assert.Equal(t, uint64(2), snap[1].Seq)
		require.NotNil(t, snap[0].Location.Lat)
		assert.Equal(t, -6.2, *snap[0].Location.Lat)
		assert.Nil(t, snap[1].Location.Lat)

		rec, err := l.Append(ctx, payload("s", 20))
		require.NoError(t, err)
		assert.Equal(t, uint64(3), rec.Seq)
		assert.False(t, rec.ReceivedAt.Before(snap[1].ReceivedAt))
	})

	t.Run("legacy string numerics survive an append", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data.json")
		legacy := `[
  {"sensorId":"TWIN-001000","locationName":"Bogor","temperature":"25.5","humidity":"60.25","location":{"lat":"-6.595000","lon":"106.799000"},"timestamp":"2025-01-01T00:00:00.000Z","hash":"h1","receivedAt":"2025-01-01T00:00:01.000Z"}
]`
		require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

		l := openLog(t, Options{Persister: NewJSONFile(path)})
		snap := l.Snapshot()
		require.Len(t, snap, 1)
		assert.Equal(t, 25.5, snap[0].Temperature)
		assert.Equal(t, 60.25, snap[0].Humidity)
		assert.Equal(t, "Bogor", snap[0].LocationName)
		assert.Equal(t, "h1", snap[0].Hash)
		assert.True(t, snap[0].ReceivedAt.Equal(time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC)))

		_, err := l.Append(ctx, payload("s", 20))
		require.NoError(t, err)

		records, err := NewJSONFile(path).Load(ctx)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "h1", records[0].Hash)
		assert.Equal(t, 25.5, records[0].Temperature)
	})

	t.Run("corrupt file starts empty", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

		l := openLog(t, Options{Persister: NewJSONFile(path)})
		assert.Equal(t, 0, l.Len())
	})

	t.Run("missing file is empty", func(t *testing.T) {
		records, err := NewJSONFile(filepath.Join(t.TempDir(), "absent.json")).Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")

	db, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	l := openLog(t, Options{Persister: db})

	var appended []telemetry.Record
	for i := 0; i < 5; i++ {
		rec, err := l.Append(ctx, payload(fmt.Sprintf("s%d", i), float64(20+i)))
		require.NoError(t, err)
		appended = append(appended, rec)
	}
	assert.Equal(t, uint64(0), l.Stats().PersistFailures)
	require.NoError(t, l.Close())

	db, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	reopened := openLog(t, Options{Persister: db})

	snap := reopened.Snapshot()
	require.Len(t, snap, len(appended))
	for i := range appended {
		assert.Equal(t, appended[i].Seq, snap[i].Seq)
		assert.Equal(t, appended[i].Hash, snap[i].Hash)
		assert.Equal(t, appended[i].Payload, snap[i].Payload)
		assert.True(t, appended[i].ReceivedAt.Equal(snap[i].ReceivedAt))
	}
}
