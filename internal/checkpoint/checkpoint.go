// Package checkpoint persists the partitioned region list together with the
// crawl's progress so that an interrupted run can resume.
//
// The file is the magic "RCCK", one version byte, then an lz4 frame holding
// a gob-encoded record.
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/JakeFAU/repo-census/internal/crawler"
)

// Version is the current on-disk format version.
const Version byte = 1

var magic = [4]byte{'R', 'C', 'C', 'K'}

var (
	// ErrBadMagic reports a file that is not a checkpoint.
	ErrBadMagic = errors.New("checkpoint: bad magic")
	// ErrUnsupportedVersion reports a checkpoint written by another format.
	ErrUnsupportedVersion = errors.New("checkpoint: unsupported version")
)

// Bounds is the initial search space a run partitioned.
type Bounds struct {
	StarMin int64
	StarMax int64
	DateMin time.Time
	DateMax time.Time
}

// Filter returns the bounds as a filter.
func (b Bounds) Filter() (crawler.RangeFilter, error) {
	return crawler.NewRangeFilter(b.StarMin, b.StarMax, b.DateMin, b.DateMax)
}

// BoundsOf captures the bounds of f.
func BoundsOf(f crawler.RangeFilter) Bounds {
	return Bounds{StarMin: f.StarMin(), StarMax: f.StarMax(), DateMin: f.DateMin(), DateMax: f.DateMax()}
}

// Checkpoint is the durable state of a run. Regions, Bounds and Missed are
// fixed after partitioning; the remaining fields track progress.
type Checkpoint struct {
	RunID   string
	Regions []crawler.Region
	Bounds  Bounds
	Missed  int64
	// Output is the output file the run appends to. A resumed run keeps
	// writing here even when the configured path has since changed.
	Output string
	// Completed is the number of regions, from the front of Regions, whose
	// output line has been durably appended.
	Completed int
	// OutputOffset is the size of the output file after the last completed
	// region.
	OutputOffset int64
	// Processed counts records written so far.
	Processed int64
	// Skipped counts regions abandoned after page failures.
	Skipped   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pending returns the regions not yet completed.
func (c *Checkpoint) Pending() []crawler.Region {
	if c.Completed >= len(c.Regions) {
		return nil
	}
	return c.Regions[c.Completed:]
}

// Done reports whether every region was completed.
func (c *Checkpoint) Done() bool {
	return c.Completed >= len(c.Regions)
}

// Expected sums the counts of all regions.
func (c *Checkpoint) Expected() int64 {
	return crawler.TotalCount(c.Regions)
}

type wireRegion struct {
	Stars     string
	Dates     string
	Count     int64
	Oversized bool
}

type wireCheckpoint struct {
	RunID        string
	Regions      []wireRegion
	Bounds       Bounds
	Missed       int64
	Output       string
	Completed    int
	OutputOffset int64
	Processed    int64
	Skipped      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Exists reports whether a checkpoint file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Save writes cp to path atomically.
func Save(path string, cp *Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint: nil checkpoint")
	}
	w := wireCheckpoint{
		RunID:        cp.RunID,
		Regions:      make([]wireRegion, 0, len(cp.Regions)),
		Bounds:       cp.Bounds,
		Missed:       cp.Missed,
		Output:       cp.Output,
		Completed:    cp.Completed,
		OutputOffset: cp.OutputOffset,
		Processed:    cp.Processed,
		Skipped:      cp.Skipped,
		CreatedAt:    cp.CreatedAt,
		UpdatedAt:    cp.UpdatedAt,
	}
	for _, r := range cp.Regions {
		w.Regions = append(w.Regions, wireRegion{
			Stars:     r.Filter.StarsQualifier(),
			Dates:     r.Filter.DatesQualifier(),
			Count:     r.Count,
			Oversized: r.Oversized,
		})
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(Version)
	zw := lz4.NewWriter(&buf)
	if err := gob.NewEncoder(zw).Encode(&w); err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("checkpoint: compress: %w", err)
	}
	return writeAtomic(path, buf.Bytes())
}

// Load reads the checkpoint at path.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Decode(bufio.NewReader(f))
}

// Decode parses a checkpoint stream.
func Decode(r io.Reader) (*Checkpoint, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("checkpoint: read header: %w", err)
	}
	if !bytes.Equal(header[:4], magic[:]) {
		return nil, ErrBadMagic
	}
	if header[4] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[4])
	}
	var w wireCheckpoint
	if err := gob.NewDecoder(lz4.NewReader(r)).Decode(&w); err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	cp := &Checkpoint{
		RunID:        w.RunID,
		Regions:      make([]crawler.Region, 0, len(w.Regions)),
		Bounds:       w.Bounds,
		Missed:       w.Missed,
		Output:       w.Output,
		Completed:    w.Completed,
		OutputOffset: w.OutputOffset,
		Processed:    w.Processed,
		Skipped:      w.Skipped,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
	for i, wr := range w.Regions {
		f, err := crawler.ParseRangeFilter(wr.Stars, wr.Dates)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: region %d: %w", i, err)
		}
		cp.Regions = append(cp.Regions, crawler.Region{Filter: f, Count: wr.Count, Oversized: wr.Oversized})
	}
	if cp.Completed < 0 || cp.Completed > len(cp.Regions) {
		return nil, fmt.Errorf("checkpoint: completed index %d out of range [0,%d]", cp.Completed, len(cp.Regions))
	}
	return cp, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}
