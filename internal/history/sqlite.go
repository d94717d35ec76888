package history

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// chromeEpochOffsetMs is the distance between 1601-01-01 and 1970-01-01 in milliseconds.
const chromeEpochOffsetMs int64 = 11_644_473_600_000

type ChromeSource struct {
	path string
}

func NewChromeSource(path string) *ChromeSource {
	return &ChromeSource{path: path}
}

func (s *ChromeSource) Name() string { return "chrome" }

func (s *ChromeSource) Search(ctx context.Context, q Query) ([]Record, error) {
	start := (q.Start.UnixMilli() + chromeEpochOffsetMs) * 1000
	end := (q.End.UnixMilli() + chromeEpochOffsetMs) * 1000

	return querySnapshot(ctx, s.path, `
		SELECT url, COALESCE(title, ''), last_visit_time FROM urls
		WHERE hidden = 0 AND last_visit_time >= ? AND last_visit_time <= ?
		ORDER BY last_visit_time DESC
		LIMIT ?
	`, func(raw int64) int64 {
		return raw/1000 - chromeEpochOffsetMs
	}, start, end, maxResults(q))
}

type FirefoxSource struct {
	path string
}

func NewFirefoxSource(path string) *FirefoxSource {
	return &FirefoxSource{path: path}
}

func (s *FirefoxSource) Name() string { return "firefox" }

func (s *FirefoxSource) Search(ctx context.Context, q Query) ([]Record, error) {
	start := q.Start.UnixMicro()
	end := q.End.UnixMicro()

	return querySnapshot(ctx, s.path, `
		SELECT url, COALESCE(title, ''), last_visit_date FROM moz_places
		WHERE hidden = 0 AND last_visit_date IS NOT NULL AND last_visit_date >= ? AND last_visit_date <= ?
		ORDER BY last_visit_date DESC
		LIMIT ?
	`, func(raw int64) int64 {
		return raw / 1000
	}, start, end, maxResults(q))
}

// querySnapshot runs query against a private copy of the database at path. The browser
// keeps its history file locked while running, so it is never opened in place.
func querySnapshot(ctx context.Context, path, query string, toUnixMs func(int64) int64, args ...any) ([]Record, error) {
	dir, err := os.MkdirTemp("", "memtab-history-*")
	if err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, filepath.Base(path))
	if err := copyFile(path, snapshot); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}
	// Recent visits may still live in the write-ahead log.
	if _, err := os.Stat(path + "-wal"); err == nil {
		if err := copyFile(path+"-wal", snapshot+"-wal"); err != nil {
			return nil, fmt.Errorf("snapshot wal: %w", err)
		}
	}

	db, err := sql.Open("sqlite", snapshot)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r   Record
			raw int64
		)
		if err := rows.Scan(&r.URL, &r.Title, &raw); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.LastVisitTime = toUnixMs(raw)
		records = append(records, r)
	}
	return records, rows.Err()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
