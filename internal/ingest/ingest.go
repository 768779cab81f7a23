// Package ingest reads buffered crawl records and upserts them into the
// relational sink, keyed by each record's page URL. Ingesting the same file
// twice is a no-op unless prices changed, so re-runs after a failure are safe.
package ingest

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lib/pq"

	"github.com/carliecode/cars-info-website-scraper/internal/config"
	"github.com/carliecode/cars-info-website-scraper/pkg/types"
)

const maxRecordLineBytes = 1 << 20

// Stats summarises one ingestion run.
type Stats struct {
	Inserted  int
	Updated   int
	Unchanged int
	Skipped   int
}

// Ingestor upserts vehicle records into a single table holding the record
// payload as an opaque JSON document plus an extraction date.
type Ingestor struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
	now    func() time.Time
}

// New opens the configured database and prepares the schema when
// auto-migration is enabled.
func New(cfg config.SQLConfig, logger *slog.Logger) (*Ingestor, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	ing := NewWithDB(db, cfg.Table, logger)
	if cfg.AutoMigrate {
		if err := ing.ensureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return ing, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sql.DB, table string, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{db: db, table: table, logger: logger, now: time.Now}
}

// Close releases the database connection.
func (i *Ingestor) Close() error {
	return i.db.Close()
}

// IngestFile ingests one record file and archives it on success. On any
// failure the file is left in place so a later run can retry.
func (i *Ingestor) IngestFile(ctx context.Context, path, archiveDir string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open record file: %w", err)
	}
	stats, err := i.Ingest(ctx, f)
	f.Close()
	if err != nil {
		return stats, err
	}

	if err := moveToArchive(path, archiveDir); err != nil {
		return stats, err
	}
	i.logger.Info("record file ingested",
		"file", path,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"unchanged", stats.Unchanged,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

// Ingest streams JSONL records from r and upserts each within a single
// transaction. A record is only required to carry a PageURL; everything else
// is stored as-is.
func (i *Ingestor) Ingest(ctx context.Context, r io.Reader) (Stats, error) {
	var stats Stats

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin ingest transaction: %w", err)
	}
	defer tx.Rollback()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		rec := types.NewVehicleRecord()
		if err := json.Unmarshal(raw, rec); err != nil {
			i.logger.Warn("skipping malformed record", "line", line, "error", err)
			stats.Skipped++
			continue
		}
		if rec.PageURL() == "" {
			i.logger.Warn("skipping record without page url", "line", line)
			stats.Skipped++
			continue
		}

		if err := i.upsert(ctx, tx, rec, &stats); err != nil {
			return stats, err
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read record stream: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit ingest transaction: %w", err)
	}
	return stats, nil
}

// upsert inserts a new row for an unseen page URL, updates the payload only
// when the advertised price changed, and otherwise leaves the row untouched.
func (i *Ingestor) upsert(ctx context.Context, tx *sql.Tx, rec *types.VehicleRecord, stats *Stats) error {
	pageURL := rec.PageURL()
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", pageURL, err)
	}
	extractionDate := i.extractionDate(rec)
	table := pq.QuoteIdentifier(i.table)

	var storedPrice sql.NullString
	query := fmt.Sprintf(
		`SELECT car_info->>'AdvertPrice' FROM %s WHERE car_info->>'PageURL' = $1`, table)
	err = tx.QueryRowContext(ctx, query, pageURL).Scan(&storedPrice)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		insert := fmt.Sprintf(
			`INSERT INTO %s (car_info, extraction_date) VALUES ($1, $2)`, table)
		if _, err := tx.ExecContext(ctx, insert, payload, extractionDate); err != nil {
			return fmt.Errorf("insert %s: %w", pageURL, err)
		}
		stats.Inserted++
	case err != nil:
		return fmt.Errorf("lookup %s: %w", pageURL, err)
	default:
		price, _ := rec.Get(types.KeyAdvertPrice)
		if storedPrice.String == price {
			stats.Unchanged++
			return nil
		}
		update := fmt.Sprintf(
			`UPDATE %s SET car_info = $2, extraction_date = $3 WHERE car_info->>'PageURL' = $1`, table)
		if _, err := tx.ExecContext(ctx, update, pageURL, payload, extractionDate); err != nil {
			return fmt.Errorf("update %s: %w", pageURL, err)
		}
		stats.Updated++
	}
	return nil
}

// extractionDate prefers the date stamped on the record, falling back to
// today for records produced before the field existed.
func (i *Ingestor) extractionDate(rec *types.VehicleRecord) time.Time {
	if raw, ok := rec.Get(types.KeyExtractionDate); ok {
		if parsed, err := time.Parse(types.DateLayout, raw); err == nil {
			return parsed
		}
	}
	return i.now().Truncate(24 * time.Hour)
}

func (i *Ingestor) ensureSchema(ctx context.Context) error {
	table := pq.QuoteIdentifier(i.table)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		    id SERIAL PRIMARY KEY,
		    car_info JSONB NOT NULL,
		    extraction_date DATE
		)`, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s ((car_info->>'PageURL'))`,
			pq.QuoteIdentifier("idx_"+i.table+"_page_url"), table),
	}
	for _, stmt := range stmts {
		if _, err := i.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func moveToArchive(path, archiveDir string) error {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	dest := filepath.Join(archiveDir, filepath.Base(path))
	// Overwrite a same-named entry from an earlier run.
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace archived file: %w", err)
	}
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("archive record file: %w", err)
	}
	return nil
}
