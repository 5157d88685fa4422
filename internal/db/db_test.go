package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/redlight/internal/classify"
	"github.com/banshee-data/redlight/internal/traffic"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "redlight.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func localHostRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

var day = time.Date(2026, 2, 3, 0, 0, 0, 0, time.Local)

func violationAt(d time.Duration, c classify.Label) traffic.Violation {
	return traffic.Violation{
		CapturedAt: day.Add(d),
		Color:      c,
		Image:      "violations/" + string(c) + ".jpg",
	}
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var tempStore int
	require.NoError(t, db.QueryRow("PRAGMA temp_store").Scan(&tempStore))
	assert.Equal(t, 2, tempStore)
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion(MigrationsFS)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Re-running is a no-op.
	require.NoError(t, db.MigrateUp(MigrationsFS))

	require.NoError(t, db.MigrateDown(MigrationsFS))
	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'violations'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOpenDB_ExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing.db")
	first, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, first.AddViolation(context.Background(), violationAt(time.Hour, classify.Red)))
	require.NoError(t, first.Close())

	db, err := NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.RecentViolations(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, path, db.Path())
}

func TestAddAndRecentViolations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		require.NoError(t, db.AddViolation(ctx, violationAt(time.Duration(i)*time.Minute, classify.Blue)))
	}
	late := violationAt(23*time.Hour, classify.Yellow)
	require.NoError(t, db.AddViolation(ctx, late))

	got, err := db.RecentViolations(ctx, traffic.ViolationLogCap)
	require.NoError(t, err)
	require.Len(t, got, traffic.ViolationLogCap)

	assert.True(t, late.CapturedAt.Equal(got[0].CapturedAt))
	assert.Equal(t, classify.Yellow, got[0].Color)
	assert.Equal(t, late.Image, got[0].Image)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].CapturedAt.After(got[i-1].CapturedAt), "row %d out of order", i)
	}
	assert.True(t, day.Add(3*time.Minute).Equal(got[9].CapturedAt))
}

func TestAddViolation_StoresDocumentFields(t *testing.T) {
	db := newTestDB(t)
	v := violationAt(13*time.Hour+4*time.Minute+5*time.Second, classify.White)
	require.NoError(t, db.AddViolation(context.Background(), v))

	var id, color, date, clock, image string
	err := db.QueryRow(`SELECT id, color, date, time, image_filename FROM violations`).
		Scan(&id, &color, &date, &clock, &image)
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.Equal(t, "White", color)
	assert.Equal(t, "2026-02-03", date)
	assert.Equal(t, "13:04:05", clock)
	assert.Equal(t, v.Image, image)
}

func TestCountByColor(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for i, c := range []classify.Label{classify.Red, classify.Red, classify.Green, classify.Red, classify.Green, classify.Unknown} {
		require.NoError(t, db.AddViolation(ctx, violationAt(time.Duration(i)*time.Second, c)))
	}

	counts, err := db.CountByColor(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ColorCount{
		{Color: classify.Red, Count: 3},
		{Color: classify.Green, Count: 2},
		{Color: classify.Unknown, Count: 1},
	}, counts)
}

func TestClosedDB(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	assert.Error(t, db.AddViolation(context.Background(), violationAt(0, classify.Red)))
	_, err = db.RecentViolations(context.Background(), 1)
	assert.Error(t, err)
}

func TestAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.AddViolation(context.Background(), violationAt(0, classify.Green)))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	t.Run("violations chart", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/violations-chart"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rec.Body.String(), "Violations by colour")
	})

	t.Run("backup", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/backup"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "attachment; filename=redlight-backup-"))

		gz, err := gzip.NewReader(rec.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "SQLite format 3"))
	})

	t.Run("tailsql mounted", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/tailsql/"))
		assert.NotEqual(t, http.StatusNotFound, rec.Code)
	})
}
