// Package output writes fetched records as JSON lines, one array per region,
// and merges the lines into a single JSON array when the crawl finishes.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/JakeFAU/repo-census/internal/crawler"
)

// FileName derives the default output name for a run over f.
func FileName(f crawler.RangeFilter) string {
	return fmt.Sprintf("repos_%s_%s_stars_%d_%d.json",
		f.DateMin().Format(crawler.DateLayout),
		f.DateMax().Format(crawler.DateLayout),
		f.StarMin(), f.StarMax(),
	)
}

// Appender appends one line per region and syncs after every line.
type Appender struct {
	f      *os.File
	offset int64
}

// OpenAppender opens path for appending at offset, truncating anything
// written past it. A missing file is created.
func OpenAppender(path string, offset int64) (*Appender, error) {
	if offset < 0 {
		return nil, fmt.Errorf("output: negative offset %d", offset)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("output: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("output: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("output: stat: %w", err)
	}
	if info.Size() < offset {
		_ = f.Close()
		return nil, fmt.Errorf("output: %s is %d bytes, shorter than checkpointed offset %d", path, info.Size(), offset)
	}
	if err := f.Truncate(offset); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("output: truncate: %w", err)
	}
	if _, err := f.Seek(offset, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("output: seek: %w", err)
	}
	return &Appender{f: f, offset: offset}, nil
}

// Append writes records as one JSON array line and returns the new offset.
func (a *Appender) Append(records []crawler.Record) (int64, error) {
	if records == nil {
		records = []crawler.Record{}
	}
	line, err := json.Marshal(records)
	if err != nil {
		return a.offset, fmt.Errorf("output: encode: %w", err)
	}
	line = append(line, '\n')
	n, err := a.f.Write(line)
	if err != nil {
		return a.offset, fmt.Errorf("output: write: %w", err)
	}
	if err := a.f.Sync(); err != nil {
		return a.offset, fmt.Errorf("output: sync: %w", err)
	}
	a.offset += int64(n)
	return a.offset, nil
}

// Offset returns the current end of the file.
func (a *Appender) Offset() int64 { return a.offset }

// Close closes the file.
func (a *Appender) Close() error {
	return a.f.Close()
}
