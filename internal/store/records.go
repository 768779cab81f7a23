// Package store provides the intermediate record store: an append-only JSONL
// file per crawl day, flushed once per index page so a crash loses at most one
// page of re-fetchable work.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/carliecode/cars-info-website-scraper/pkg/types"
)

// Batch is the ordered set of records accumulated for one index page, unique
// by page URL. Owned by the page-processing loop until flushed.
type Batch struct {
	records []*types.VehicleRecord
	seen    map[string]struct{}
}

// Append adds rec to the batch when it is non-empty. A record whose page URL
// is already buffered is dropped, so an advert listed twice on one index page
// yields a single line in the day file.
func (b *Batch) Append(rec *types.VehicleRecord) {
	if rec == nil || rec.Len() == 0 {
		return
	}
	if url := rec.PageURL(); url != "" {
		if b.seen == nil {
			b.seen = make(map[string]struct{})
		}
		if _, dup := b.seen[url]; dup {
			return
		}
		b.seen[url] = struct{}{}
	}
	b.records = append(b.records, rec)
}

// Len reports the number of buffered records.
func (b *Batch) Len() int {
	return len(b.records)
}

// Records exposes the buffered records in append order.
func (b *Batch) Records() []*types.VehicleRecord {
	return b.records
}

// Clear empties the batch for the next page.
func (b *Batch) Clear() {
	b.records = b.records[:0]
	clear(b.seen)
}

// DayFilePath names the record file for one crawl day. With more than one
// worker each gets its own file so concurrent appends cannot interleave.
func DayFilePath(dataDir string, day time.Time, worker, workers int) string {
	name := day.Format(types.DateLayout)
	if workers > 1 {
		name = fmt.Sprintf("%s-w%d", name, worker)
	}
	return filepath.Join(dataDir, name+".json")
}

// Writer appends records to a JSONL file, one self-describing entry per line.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// Open creates the file (and its directory) if missing and opens it for
// appending.
func Open(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open record file: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &Writer{
		path: path,
		file: f,
		buf:  buf,
		enc:  json.NewEncoder(buf),
	}, nil
}

// Path returns the file this writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// Flush appends every record in the batch and forces the bytes to disk. The
// caller clears the batch afterwards.
func (w *Writer) Flush(batch *Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range batch.Records() {
		if err := w.enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush record file: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync record file: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush record file: %w", err)
	}
	return w.file.Close()
}
