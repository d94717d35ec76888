package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// JSONSource reads an exported array of records.
type JSONSource struct {
	path string
}

func NewJSONSource(path string) *JSONSource {
	return &JSONSource{path: path}
}

func (s *JSONSource) Name() string { return "json" }

func (s *JSONSource) Search(ctx context.Context, q Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read history export: %w", err)
	}
	var all []Record
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode history export: %w", err)
	}

	start, end := q.Start.UnixMilli(), q.End.UnixMilli()
	var out []Record
	for _, r := range all {
		if r.LastVisitTime >= start && r.LastVisitTime <= end {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastVisitTime > out[j].LastVisitTime
	})
	if limit := maxResults(q); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
