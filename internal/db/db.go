// Package db is the SQLite violation store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/redlight/internal/classify"
	"github.com/banshee-data/redlight/internal/traffic"
)

type DB struct {
	*sql.DB
	path string
}

// Applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

func dsn(path string) string {
	q := make([]string, len(pragmas))
	for i, p := range pragmas {
		q[i] = "_pragma=" + p
	}
	return path + "?" + strings.Join(q, "&")
}

// OpenDB opens the database at path without touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// NewDB opens the database at path and migrates it to the latest schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// AddViolation stores v under a new random id.
func (db *DB) AddViolation(ctx context.Context, v traffic.Violation) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO violations (id, color, date, time, image_filename, captured_unix_nanos)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), string(v.Color), v.Date(), v.Clock(), v.Image, v.CapturedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}
	return nil
}

// RecentViolations returns up to n violations, newest first.
func (db *DB) RecentViolations(ctx context.Context, n int) ([]traffic.Violation, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT color, image_filename, captured_unix_nanos
		 FROM violations
		 ORDER BY date DESC, time DESC, captured_unix_nanos DESC
		 LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var out []traffic.Violation
	for rows.Next() {
		var (
			color string
			v     traffic.Violation
			nanos int64
		)
		if err := rows.Scan(&color, &v.Image, &nanos); err != nil {
			return nil, err
		}
		v.Color = classify.Label(color)
		v.CapturedAt = time.Unix(0, nanos)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ColorCount is the number of stored violations for one colour.
type ColorCount struct {
	Color classify.Label
	Count int
}

// CountByColor returns per-colour totals, largest first.
func (db *DB) CountByColor(ctx context.Context) ([]ColorCount, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT color, COUNT(*) AS n FROM violations GROUP BY color ORDER BY n DESC, color`)
	if err != nil {
		return nil, fmt.Errorf("failed to count violations: %w", err)
	}
	defer rows.Close()

	var out []ColorCount
	for rows.Next() {
		var (
			c     string
			count int
		)
		if err := rows.Scan(&c, &count); err != nil {
			return nil, err
		}
		out = append(out, ColorCount{Color: classify.Label(c), Count: count})
	}
	return out, rows.Err()
}
