// Package storage implements the append-only record log behind ingest and
// query: an in-memory ordered index of telemetry.Record values with durable
// persistence delegated to a pluggable Persister.
//
// # Overview
//
// Every accepted reading passes through Log.Append exactly once. Append
// computes the content hash, assigns the receive time and sequence number,
// appends the record to the in-memory log and then asks the persister to
// make it durable. Readers never see the log itself; they receive
// snapshots.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│     Ingest coordinator / queries    │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│               Log                   │
//	│   Append · Snapshot · Len · Stats   │
//	└─────────────────────────────────────┘
//	                 │
//	    ┌────────────┼────────────┐
//	    ▼            ▼            ▼
//	┌────────┐  ┌────────┐  ┌────────┐
//	│JSONFile│  │ SQLite │  │  Nop   │
//	└────────┘  └────────┘  └────────┘
//
// # Persisters
//
// JSONFile: the whole log as a JSON array
//   - Rewritten in full on every append (temp file, fsync, rename)
//   - Compatible with data.json files written by earlier deployments
//   - Cost grows linearly with the log
//
// SQLite: append-only table in WAL journal mode
//   - One INSERT per append; the row is the write-ahead record
//   - Loads in sequence order on startup
//
// Nop: memory only, used by tests and throwaway instances.
//
// # Concurrency
//
// Writers are serialized by a dedicated writer mutex, so two concurrent
// appends never interleave and never lose a record. The in-memory slice is
// guarded by a separate RWMutex that is held only for the slice update and
// for snapshot copies; persistence I/O runs under the writer mutex alone, so
// readers never wait for the disk.
//
// Ordering guarantees:
//   - Seq increases by one per append, starting at 1
//   - ReceivedAt never decreases in append order (the clock is clamped)
//   - A snapshot contains every append that returned before it was taken
//
// # Failure model
//
// A persistence failure is logged and counted but does not undo the
// in-memory append: the record is returned to the caller and stays
// visible to queries. Durability is therefore best effort. Stats exposes
// the failure count and the last error so operators can alert on it.
//
// # Usage
//
//	persister := storage.NewJSONFile("data.json")
//	log, err := storage.Open(ctx, storage.Options{
//	    Persister: persister,
//	    Hasher:    digest.SHA256(),
//	    Logger:    logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer log.Close()
//
//	rec, err := log.Append(ctx, payload)
//	records := log.Snapshot()
package storage
