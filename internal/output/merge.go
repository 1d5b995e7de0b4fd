package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const maxLine = 256 << 20

// ErrMixedFormat reports a file that is neither JSON lines nor a merged array.
var ErrMixedFormat = errors.New("output: unrecognized file format")

// MergeStats describes a merge.
type MergeStats struct {
	Lines   int
	Records int
	// AlreadyMerged is set when the file was a single array before the call.
	AlreadyMerged bool
}

// Merge rewrites the JSON-lines file at path as one JSON array holding every
// record in line order. A file that is already merged is left untouched.
func Merge(path string) (MergeStats, error) {
	var stats MergeStats
	in, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("output: open: %w", err)
	}
	defer func() { _ = in.Close() }()

	merged, err := isMerged(in)
	if err != nil {
		return stats, err
	}
	if merged {
		stats.AlreadyMerged = true
		return stats, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".merge-*")
	if err != nil {
		return stats, fmt.Errorf("output: create temp: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (MergeStats, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return stats, err
	}

	w := bufio.NewWriter(tmp)
	if err := w.WriteByte('['); err != nil {
		return fail(fmt.Errorf("output: write: %w", err))
	}
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		stats.Lines++
		var items []json.RawMessage
		if err := json.Unmarshal(line, &items); err != nil {
			return fail(fmt.Errorf("output: line %d: %w", stats.Lines, err))
		}
		for _, item := range items {
			if stats.Records > 0 {
				if err := w.WriteByte(','); err != nil {
					return fail(fmt.Errorf("output: write: %w", err))
				}
			}
			if _, err := w.Write(item); err != nil {
				return fail(fmt.Errorf("output: write: %w", err))
			}
			stats.Records++
		}
	}
	if err := sc.Err(); err != nil {
		return fail(fmt.Errorf("output: scan: %w", err))
	}
	if err := w.WriteByte(']'); err != nil {
		return fail(fmt.Errorf("output: write: %w", err))
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("output: flush: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("output: sync: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return stats, fmt.Errorf("output: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return stats, fmt.Errorf("output: rename: %w", err)
	}
	return stats, nil
}

// isMerged reports whether the file holds exactly one JSON array. A single
// line of JSON lines has the same content as its merged form, so it counts as
// merged. The reader is rewound before returning.
func isMerged(f *os.File) (bool, error) {
	defer func() { _, _ = f.Seek(0, io.SeekStart) }()
	dec := json.NewDecoder(bufio.NewReader(f))
	var first json.RawMessage
	if err := dec.Decode(&first); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrMixedFormat, err)
	}
	if bytes.TrimSpace(first)[0] != '[' {
		return false, fmt.Errorf("%w: top-level value is not an array", ErrMixedFormat)
	}
	var next json.RawMessage
	if err := dec.Decode(&next); errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, nil
}
