package fetch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-census/internal/crawler"
)

const opSearch = "search"

// Defaults match the limits of the GitHub search API.
const (
	DefaultPageSize    = 24
	DefaultPageRetries = 1
	DefaultPageLimit   = 1000
	pageSizeDivisor    = 4
)

// NoPageRetries disables page retries: the first failed page skips the
// region.
const NoPageRetries = -1

// Options tunes the Pager.
type Options struct {
	// PageSize is the number of results requested per page.
	PageSize int
	// PageRetries is how many times a failed page is retried at a quarter
	// of the previous size before the region is abandoned. Zero means
	// DefaultPageRetries; a negative value means none.
	PageRetries int
	// PageLimit stops pagination once this many records were collected.
	PageLimit int
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	switch {
	case o.PageRetries == 0:
		o.PageRetries = DefaultPageRetries
	case o.PageRetries < 0:
		o.PageRetries = 0
	}
	if o.PageLimit <= 0 {
		o.PageLimit = DefaultPageLimit
	}
	return o
}

// Result is what a region fetch collected.
type Result struct {
	Records []crawler.Record
	Pages   int
	// Skipped is set when a page could not be fetched; Records then holds
	// what was collected before the failure.
	Skipped bool
	SkipErr error
}

// Pager walks every page of a region with cursor pagination.
type Pager struct {
	client    crawler.SearchClient
	transport crawler.Transport
	logger    *zap.Logger
	opts      Options
}

// NewPager builds a Pager. logger may be nil.
func NewPager(client crawler.SearchClient, transport crawler.Transport, logger *zap.Logger, opts Options) *Pager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pager{client: client, transport: transport, logger: logger, opts: opts.withDefaults()}
}

// FetchRegion collects the records of region. Page failures degrade into a
// partial, skipped result; only context cancellation is returned as an error.
func (p *Pager) FetchRegion(ctx context.Context, region crawler.Region) (Result, error) {
	var res Result
	cursor := ""
	for len(res.Records) < p.opts.PageLimit {
		page, size, err := p.fetchPage(ctx, region.Filter, cursor)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			p.logger.Warn("skipping rest of region",
				zap.Stringer("filter", region.Filter),
				zap.String("cursor", cursor),
				zap.Int("size", size),
				zap.Int("collected", len(res.Records)),
				zap.Error(err),
			)
			res.Skipped = true
			res.SkipErr = fmt.Errorf("%w: %s: %w", crawler.ErrPageFetchExhausted, region.Filter, err)
			return res, nil
		}
		res.Pages++
		res.Records = append(res.Records, page.Records()...)
		if len(page.Edges) < size {
			break
		}
		cursor = page.LastCursor()
	}
	return res, nil
}

// fetchPage requests the page after cursor, shrinking the page size on each
// failure until the retries run out. It returns the size of the last request.
func (p *Pager) fetchPage(ctx context.Context, filter crawler.RangeFilter, cursor string) (crawler.Page, int, error) {
	size := p.opts.PageSize
	for retriesLeft := p.opts.PageRetries; ; retriesLeft-- {
		var page crawler.Page
		err := p.transport.Execute(ctx, opSearch, func(ctx context.Context) error {
			var err error
			page, err = p.client.SearchPage(ctx, filter, cursor, size)
			return err
		})
		if err == nil {
			return page, size, nil
		}
		if retriesLeft <= 0 || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return crawler.Page{}, size, err
		}
		next := max(1, size/pageSizeDivisor)
		p.logger.Info("page failed, retrying with smaller page",
			zap.Stringer("filter", filter),
			zap.Int("size", size),
			zap.Int("next_size", next),
			zap.Error(err),
		)
		size = next
	}
}
