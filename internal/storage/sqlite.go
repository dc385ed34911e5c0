package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dreamware/twinlogy/internal/telemetry"
)

// SQLite persists each record as one row of an append-only table. Only the
// appended record is written per call, so the cost of an append does not
// grow with the log.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps PRAGMAs and write ordering simple.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=FULL`,
		`CREATE TABLE IF NOT EXISTS records (
			seq INTEGER PRIMARY KEY,
			sensor_id TEXT NOT NULL,
			location_name TEXT NOT NULL DEFAULT '',
			temperature REAL NOT NULL,
			humidity REAL NOT NULL,
			lat REAL,
			lon REAL,
			timestamp TEXT NOT NULL,
			hash TEXT NOT NULL,
			received_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS records_hash ON records(hash)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// Load returns all rows in sequence order.
func (s *SQLite) Load(ctx context.Context) ([]telemetry.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, sensor_id, location_name, temperature, humidity, lat, lon, timestamp, hash, received_at
		FROM records
		ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []telemetry.Record
	for rows.Next() {
		var (
			rec      telemetry.Record
			lat, lon sql.NullFloat64
			received string
		)
		if err := rows.Scan(&rec.Seq, &rec.SensorID, &rec.LocationName, &rec.Temperature, &rec.Humidity,
			&lat, &lon, &rec.Timestamp, &rec.Hash, &received); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if lat.Valid {
			rec.Location.Lat = &lat.Float64
		}
		if lon.Valid {
			rec.Location.Lon = &lon.Float64
		}
		rec.ReceivedAt, _ = time.Parse(time.RFC3339Nano, received)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Persist inserts the appended record.
func (s *SQLite) Persist(ctx context.Context, _ []telemetry.Record, rec telemetry.Record) error {
	var lat, lon sql.NullFloat64
	if rec.Location.Lat != nil {
		lat = sql.NullFloat64{Float64: *rec.Location.Lat, Valid: true}
	}
	if rec.Location.Lon != nil {
		lon = sql.NullFloat64{Float64: *rec.Location.Lon, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (seq, sensor_id, location_name, temperature, humidity, lat, lon, timestamp, hash, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Seq, rec.SensorID, rec.LocationName, rec.Temperature, rec.Humidity,
		lat, lon, rec.Timestamp, rec.Hash, rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert record %d: %w", rec.Seq, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
