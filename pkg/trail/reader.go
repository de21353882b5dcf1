// Package trail loads raw CloudTrail events from the local filesystem and
// normalizes them into access events.
package trail

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Reader walks a file or directory of CloudTrail exports. Directories are
// scanned recursively for .json and .json.gz files in sorted order so a load
// is reproducible.
type Reader struct {
	Source string
	Start  time.Time
	End    time.Time
}

func NewReader(source string, start, end time.Time) (*Reader, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("trail source required")
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return nil, fmt.Errorf("start must be earlier than end")
	}
	return &Reader{Source: source, Start: start, End: end}, nil
}

// Load returns every raw event within the configured time window.
func (r *Reader) Load() ([]map[string]interface{}, error) {
	info, err := os.Stat(r.Source)
	if err != nil {
		return nil, fmt.Errorf("trail source: %w", err)
	}
	files := []string{r.Source}
	if info.IsDir() {
		files = files[:0]
		err := filepath.WalkDir(r.Source, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json.gz") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", r.Source, err)
		}
		sort.Strings(files)
	}

	var out []map[string]interface{}
	for _, path := range files {
		records, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if r.inWindow(record) {
				out = append(out, record)
			}
		}
	}
	return out, nil
}

func loadFile(path string) ([]map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gunzip %s: %w", path, err)
		}
		defer gz.Close()
		reader = gz
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	records, err := parseRecords(payload)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return records, nil
}

// parseRecords accepts the three shapes CloudTrail exports come in: an object
// with a Records array, a bare array, or newline-delimited objects.
func parseRecords(payload []byte) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil, nil
	}
	switch trimmed[0] {
	case '{':
		var envelope map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
			return nil, err
		}
		if raw, ok := envelope["Records"].([]interface{}); ok {
			return collectObjects(raw), nil
		}
		return []map[string]interface{}{envelope}, nil
	case '[':
		var raw []interface{}
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return nil, err
		}
		return collectObjects(raw), nil
	default:
		var out []map[string]interface{}
		for _, line := range strings.Split(trimmed, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var record map[string]interface{}
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				return nil, err
			}
			out = append(out, record)
		}
		return out, nil
	}
}

func collectObjects(raw []interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(raw))
	for _, entry := range raw {
		if record, ok := entry.(map[string]interface{}); ok {
			out = append(out, record)
		}
	}
	return out
}

func (r *Reader) inWindow(record map[string]interface{}) bool {
	eventTime, ok := parseTime(record["eventTime"])
	if !ok {
		return true
	}
	if !r.Start.IsZero() && eventTime.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && eventTime.After(r.End) {
		return false
	}
	return true
}

func parseTime(value interface{}) (time.Time, bool) {
	text, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, text); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
