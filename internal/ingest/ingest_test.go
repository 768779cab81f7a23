package ingest

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = "src_cars_information"

var (
	selectPattern = regexp.QuoteMeta(
		`SELECT car_info->>'AdvertPrice' FROM "src_cars_information" WHERE car_info->>'PageURL' = $1`)
	insertPattern = regexp.QuoteMeta(
		`INSERT INTO "src_cars_information" (car_info, extraction_date) VALUES ($1, $2)`)
	updatePattern = regexp.QuoteMeta(
		`UPDATE "src_cars_information" SET car_info = $2, extraction_date = $3 WHERE car_info->>'PageURL' = $1`)
)

func newTestIngestor(t *testing.T) (*Ingestor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ing := NewWithDB(db, testTable, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ing.now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }
	return ing, mock
}

func record(url, price string) string {
	return `{"AdvertPrice":"` + price + `","AdvertTitle":"Toyota Corolla 2015","PageURL":"` + url + `","ExtractionDate":"2026-08-29"}`
}

func TestIngestInsertsNewRecord(t *testing.T) {
	ing, mock := newTestIngestor(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectPattern).
		WithArgs("https://jiji.ng/cars/a1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(insertPattern).
		WithArgs(sqlmock.AnyArg(), time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	stats, err := ing.Ingest(context.Background(),
		strings.NewReader(record("https://jiji.ng/cars/a1", "₦ 4,500,000")+"\n"))
	require.NoError(t, err)
	assert.Equal(t, Stats{Inserted: 1}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestUnchangedPriceLeavesRowAlone(t *testing.T) {
	ing, mock := newTestIngestor(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectPattern).
		WithArgs("https://jiji.ng/cars/a1").
		WillReturnRows(sqlmock.NewRows([]string{"price"}).AddRow("₦ 4,500,000"))
	mock.ExpectCommit()

	stats, err := ing.Ingest(context.Background(),
		strings.NewReader(record("https://jiji.ng/cars/a1", "₦ 4,500,000")+"\n"))
	require.NoError(t, err)
	assert.Equal(t, Stats{Unchanged: 1}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestUpdatesOnPriceChange(t *testing.T) {
	ing, mock := newTestIngestor(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectPattern).
		WithArgs("https://jiji.ng/cars/a1").
		WillReturnRows(sqlmock.NewRows([]string{"price"}).AddRow("₦ 4,200,000"))
	mock.ExpectExec(updatePattern).
		WithArgs("https://jiji.ng/cars/a1", sqlmock.AnyArg(), time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err := ing.Ingest(context.Background(),
		strings.NewReader(record("https://jiji.ng/cars/a1", "₦ 4,500,000")+"\n"))
	require.NoError(t, err)
	assert.Equal(t, Stats{Updated: 1}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestSkipsRecordsWithoutPageURL(t *testing.T) {
	ing, mock := newTestIngestor(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	input := `{"AdvertPrice":"₦ 1,000,000","AdvertTitle":"No link"}` + "\n" +
		"not json at all\n" +
		"\n"
	stats, err := ing.Ingest(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 2}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestRollsBackOnStatementError(t *testing.T) {
	ing, mock := newTestIngestor(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectPattern).
		WithArgs("https://jiji.ng/cars/a1").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := ing.Ingest(context.Background(),
		strings.NewReader(record("https://jiji.ng/cars/a1", "₦ 4,500,000")+"\n"))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestFileArchivesOnSuccess(t *testing.T) {
	ing, mock := newTestIngestor(t)

	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	path := filepath.Join(dir, "2026-08-29.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(record("https://jiji.ng/cars/a1", "₦ 4,500,000")+"\n"), 0o644))

	// A stale archived copy from an earlier run must be overwritten.
	require.NoError(t, os.MkdirAll(archiveDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(archiveDir, "2026-08-29.json"),
		[]byte("stale\n"), 0o644))

	mock.ExpectBegin()
	mock.ExpectQuery(selectPattern).
		WithArgs("https://jiji.ng/cars/a1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(insertPattern).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	stats, err := ing.IngestFile(context.Background(), path, archiveDir)
	require.NoError(t, err)
	assert.Equal(t, Stats{Inserted: 1}, stats)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "source file should be gone after archiving")
	archived, err := os.ReadFile(filepath.Join(archiveDir, "2026-08-29.json"))
	require.NoError(t, err)
	assert.Contains(t, string(archived), "https://jiji.ng/cars/a1")
}

func TestIngestFileLeavesSourceOnFailure(t *testing.T) {
	ing, mock := newTestIngestor(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "2026-08-29.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(record("https://jiji.ng/cars/a1", "₦ 4,500,000")+"\n"), 0o644))

	mock.ExpectBegin()
	mock.ExpectQuery(selectPattern).
		WithArgs("https://jiji.ng/cars/a1").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := ing.IngestFile(context.Background(), path, filepath.Join(dir, "archive"))
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "source file must stay in place after a failed run")
}
