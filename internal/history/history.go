// Package history reads browsing history from local browser profiles or exports.
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/memtab/internal/config"
)

// Record is one visited page. LastVisitTime is epoch milliseconds.
type Record struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	LastVisitTime int64  `json:"lastVisitTime"`
}

func (r Record) VisitedAt() time.Time {
	return time.UnixMilli(r.LastVisitTime)
}

// Query selects records last visited within [Start, End].
type Query struct {
	Start      time.Time
	End        time.Time
	MaxResults int
}

// Source returns records matching q, newest first.
type Source interface {
	Name() string
	Search(ctx context.Context, q Query) ([]Record, error)
}

// FilterWeb keeps http and https records, preserving order.
func FilterWeb(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if strings.HasPrefix(r.URL, "http://") || strings.HasPrefix(r.URL, "https://") {
			out = append(out, r)
		}
	}
	return out
}

// New builds the configured source. An empty path falls back to the browser's default profile.
func New(cfg config.HistoryConfig) (Source, error) {
	path := cfg.Path
	if path == "" && cfg.Source != "json" {
		p, err := DefaultPath(cfg.Source)
		if err != nil {
			return nil, err
		}
		path = p
	}

	switch cfg.Source {
	case "chrome":
		return NewChromeSource(path), nil
	case "firefox":
		return NewFirefoxSource(path), nil
	case "json":
		if path == "" {
			return nil, fmt.Errorf("history: json source requires a path")
		}
		return NewJSONSource(path), nil
	default:
		return nil, fmt.Errorf("history: unknown source %q", cfg.Source)
	}
}

// DefaultPath locates the default profile database for a browser on this OS.
func DefaultPath(source string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}

	switch source {
	case "chrome":
		switch runtime.GOOS {
		case "darwin":
			return filepath.Join(home, "Library", "Application Support", "Google", "Chrome", "Default", "History"), nil
		case "windows":
			return filepath.Join(os.Getenv("LOCALAPPDATA"), "Google", "Chrome", "User Data", "Default", "History"), nil
		default:
			return filepath.Join(home, ".config", "google-chrome", "Default", "History"), nil
		}
	case "firefox":
		var pattern string
		switch runtime.GOOS {
		case "darwin":
			pattern = filepath.Join(home, "Library", "Application Support", "Firefox", "Profiles", "*", "places.sqlite")
		case "windows":
			pattern = filepath.Join(os.Getenv("APPDATA"), "Mozilla", "Firefox", "Profiles", "*", "places.sqlite")
		default:
			pattern = filepath.Join(home, ".mozilla", "firefox", "*", "places.sqlite")
		}
		return newestMatch(pattern)
	default:
		return "", fmt.Errorf("history: no default path for source %q", source)
	}
}

// newestMatch picks the most recently modified file matching pattern, which is the
// profile the user is actively browsing with.
func newestMatch(pattern string) (string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("history: no profile matches %s", pattern)
	}
	sort.Slice(matches, func(i, j int) bool {
		return modTime(matches[i]).After(modTime(matches[j]))
	})
	return matches[0], nil
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func maxResults(q Query) int {
	if q.MaxResults <= 0 {
		return config.DefaultMaxHistory
	}
	return q.MaxResults
}
