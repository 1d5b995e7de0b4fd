package checkpoint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-census/internal/crawler"
)

func sample(t *testing.T) *Checkpoint {
	t.Helper()
	a, err := crawler.ParseRangeFilter("5..500", "2009-01-01..2012-06-30")
	require.NoError(t, err)
	b, err := crawler.ParseRangeFilter("501..1000000", "2009-01-01..2012-06-30")
	require.NoError(t, err)
	c, err := crawler.ParseRangeFilter("7..7", "2015-03-03..2015-03-03")
	require.NoError(t, err)
	created := time.Date(2024, 2, 1, 9, 30, 0, 0, time.UTC)
	return &Checkpoint{
		RunID: "0190c7a4-6a54-7c2e-9d2b-2f1d3c4b5a69",
		Regions: []crawler.Region{
			{Filter: a, Count: 987},
			{Filter: b, Count: 12},
			{Filter: c, Count: 1400, Oversized: true},
		},
		Bounds: Bounds{
			StarMin: 5, StarMax: 1000000,
			DateMin: time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC),
			DateMax: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		},
		Missed:       400,
		Output:       "/data/repos_2009-01-01_2024-01-31_stars_5_1000000.json",
		Completed:    1,
		OutputOffset: 4096,
		Processed:    987,
		CreatedAt:    created,
		UpdatedAt:    created.Add(time.Minute),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "regions.ckpt")
	require.False(t, Exists(path))

	want := sample(t)
	require.NoError(t, Save(path, want))
	require.True(t, Exists(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "regions.ckpt")
	cp := sample(t)
	require.NoError(t, Save(path, cp))

	cp.Completed = 3
	cp.Processed = 999
	require.NoError(t, Save(path, cp))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, got.Completed)
	require.True(t, got.Done())
	require.Empty(t, got.Pending())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStartsWithHeader(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "regions.ckpt")
	require.NoError(t, Save(path, sample(t)))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(raw, []byte("RCCK\x01")))
}

func TestDecodeRejectsForeignFiles(t *testing.T) {
	t.Parallel()

	_, err := Decode(bytes.NewReader([]byte(`[{"stars":"5..10"}]`)))
	require.ErrorIs(t, err, ErrBadMagic)

	_, err = Decode(bytes.NewReader([]byte("RCCK\x09rest")))
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = Decode(bytes.NewReader([]byte("RC")))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.ckpt"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPendingAndExpected(t *testing.T) {
	t.Parallel()

	cp := sample(t)
	require.Len(t, cp.Pending(), 2)
	require.Equal(t, int64(987+12+1400), cp.Expected())
	require.False(t, cp.Done())

	f, err := cp.Bounds.Filter()
	require.NoError(t, err)
	require.Equal(t, cp.Bounds, BoundsOf(f))
}
