package fetch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-census/internal/crawler"
)

// directTransport runs each call exactly once.
type directTransport struct{}

func (directTransport) Execute(ctx context.Context, _ string, call func(context.Context) error) error {
	return call(ctx)
}

type pageCall struct {
	cursor string
	size   int
}

// stubSearch serves total synthetic repositories; cursors are offsets.
type stubSearch struct {
	mu    sync.Mutex
	total int
	count int64
	// fail decides whether a page request fails.
	fail  func(cursor string, size int) error
	calls []pageCall
}

func (s *stubSearch) Count(context.Context, crawler.RangeFilter) (int64, error) {
	return s.count, nil
}

func (s *stubSearch) SearchPage(_ context.Context, _ crawler.RangeFilter, cursor string, size int) (crawler.Page, error) {
	s.mu.Lock()
	s.calls = append(s.calls, pageCall{cursor: cursor, size: size})
	s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(cursor, size); err != nil {
			return crawler.Page{}, err
		}
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return crawler.Page{}, err
		}
		offset = n
	}
	page := crawler.Page{TotalCount: int64(s.total)}
	for i := offset; i < s.total && i < offset+size; i++ {
		name := "repo-" + strconv.Itoa(i)
		page.Edges = append(page.Edges, crawler.Edge{
			Cursor: strconv.Itoa(i + 1),
			Record: crawler.Record{Name: &name},
		})
	}
	return page, nil
}

func testRegion(t *testing.T, count int64) crawler.Region {
	t.Helper()
	f, err := crawler.ParseRangeFilter("5..10", "2020-01-01..2020-01-02")
	require.NoError(t, err)
	return crawler.Region{Filter: f, Count: count}
}

func TestOracleCount(t *testing.T) {
	t.Parallel()

	o := NewOracle(&stubSearch{count: 777}, directTransport{})
	n, err := o.Count(context.Background(), testRegion(t, 0).Filter)
	require.NoError(t, err)
	require.Equal(t, int64(777), n)
}

func TestOracleSurfacesTransportError(t *testing.T) {
	t.Parallel()

	want := &crawler.TransportError{Op: "count", Attempts: 6, Err: errors.New("down")}
	o := NewOracle(&stubSearch{}, failingTransport{err: want})
	_, err := o.Count(context.Background(), testRegion(t, 0).Filter)
	var te *crawler.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, 6, te.Attempts)
}

type failingTransport struct{ err error }

func (f failingTransport) Execute(context.Context, string, func(context.Context) error) error {
	return f.err
}

func TestFetchRegionCollectsAllPages(t *testing.T) {
	t.Parallel()

	stub := &stubSearch{total: 50}
	p := NewPager(stub, directTransport{}, nil, Options{})
	res, err := p.FetchRegion(context.Background(), testRegion(t, 50))
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Len(t, res.Records, 50)
	require.Equal(t, 3, res.Pages)
	require.Equal(t, "repo-0", *res.Records[0].Name)
	require.Equal(t, "repo-49", *res.Records[49].Name)
	require.Equal(t, []pageCall{{"", 24}, {"24", 24}, {"48", 24}}, stub.calls)
}

func TestFetchRegionExactMultipleEndsOnEmptyPage(t *testing.T) {
	t.Parallel()

	stub := &stubSearch{total: 48}
	p := NewPager(stub, directTransport{}, nil, Options{})
	res, err := p.FetchRegion(context.Background(), testRegion(t, 48))
	require.NoError(t, err)
	require.Len(t, res.Records, 48)
	require.Len(t, stub.calls, 3)
	require.Equal(t, "48", stub.calls[2].cursor)
}

func TestFetchRegionEmpty(t *testing.T) {
	t.Parallel()

	p := NewPager(&stubSearch{}, directTransport{}, nil, Options{})
	res, err := p.FetchRegion(context.Background(), testRegion(t, 0))
	require.NoError(t, err)
	require.Empty(t, res.Records)
	require.Equal(t, 1, res.Pages)
}

func TestFetchRegionStopsAtPageLimit(t *testing.T) {
	t.Parallel()

	stub := &stubSearch{total: 5000}
	p := NewPager(stub, directTransport{}, nil, Options{})
	res, err := p.FetchRegion(context.Background(), testRegion(t, 5000))
	require.NoError(t, err)
	// 42 full pages of 24 is the first multiple to reach 1000.
	require.Len(t, res.Records, 1008)
	require.Equal(t, 42, res.Pages)
	require.False(t, res.Skipped)
}

func TestFetchRegionQuartersPageSizeOnFailure(t *testing.T) {
	t.Parallel()

	stub := &stubSearch{
		total: 30,
		fail: func(cursor string, size int) error {
			if cursor == "24" && size == 24 {
				return errors.New("502 bad gateway")
			}
			return nil
		},
	}
	p := NewPager(stub, directTransport{}, nil, Options{})
	res, err := p.FetchRegion(context.Background(), testRegion(t, 30))
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Len(t, res.Records, 30)
	require.Equal(t, []pageCall{
		{"", 24},
		{"24", 24},
		{"24", 6},
		{"30", 24},
	}, stub.calls)
}

func TestFetchRegionSkipsAfterRetriesExhausted(t *testing.T) {
	t.Parallel()

	cause := errors.New("timeout")
	stub := &stubSearch{
		total: 100,
		fail: func(cursor string, _ int) error {
			if cursor == "48" {
				return cause
			}
			return nil
		},
	}
	p := NewPager(stub, directTransport{}, nil, Options{})
	res, err := p.FetchRegion(context.Background(), testRegion(t, 100))
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.ErrorIs(t, res.SkipErr, crawler.ErrPageFetchExhausted)
	require.ErrorIs(t, res.SkipErr, cause)
	require.Len(t, res.Records, 48)
	require.Equal(t, []pageCall{{"", 24}, {"24", 24}, {"48", 24}, {"48", 6}}, stub.calls)
}

func TestFetchRegionWithoutPageRetries(t *testing.T) {
	t.Parallel()

	stub := &stubSearch{
		total: 30,
		fail: func(cursor string, _ int) error {
			if cursor == "24" {
				return errors.New("502 bad gateway")
			}
			return nil
		},
	}
	p := NewPager(stub, directTransport{}, nil, Options{PageRetries: NoPageRetries})
	res, err := p.FetchRegion(context.Background(), testRegion(t, 30))
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Len(t, res.Records, 24)
	require.Equal(t, []pageCall{{"", 24}, {"24", 24}}, stub.calls)
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	got := Options{}.withDefaults()
	require.Equal(t, Options{PageSize: DefaultPageSize, PageRetries: DefaultPageRetries, PageLimit: DefaultPageLimit}, got)
	require.Zero(t, Options{PageRetries: NoPageRetries}.withDefaults().PageRetries)
	require.Equal(t, 3, Options{PageRetries: 3}.withDefaults().PageRetries)
}

func TestFetchRegionPageSizeNeverBelowOne(t *testing.T) {
	t.Parallel()

	stub := &stubSearch{
		total: 10,
		fail:  func(string, int) error { return errors.New("nope") },
	}
	p := NewPager(stub, directTransport{}, nil, Options{PageSize: 2, PageRetries: 3})
	res, err := p.FetchRegion(context.Background(), testRegion(t, 10))
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, []pageCall{{"", 2}, {"", 1}, {"", 1}, {"", 1}}, stub.calls)
}

func TestFetchRegionReturnsContextError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	stub := &stubSearch{
		total: 100,
		fail: func(cursor string, _ int) error {
			if cursor == "24" {
				cancel()
				return context.Canceled
			}
			return nil
		},
	}
	p := NewPager(stub, directTransport{}, nil, Options{})
	res, err := p.FetchRegion(ctx, testRegion(t, 100))
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, res.Records, 24)
	require.Len(t, stub.calls, 2)
}
