// Package fetch issues count and page queries for regions of the search
// space through a retrying transport.
package fetch

import (
	"context"

	"github.com/JakeFAU/repo-census/internal/crawler"
)

const opCount = "count"

// Oracle answers count queries with one live request per call.
type Oracle struct {
	client    crawler.SearchClient
	transport crawler.Transport
}

var _ crawler.CountOracle = (*Oracle)(nil)

// NewOracle builds an Oracle.
func NewOracle(client crawler.SearchClient, transport crawler.Transport) *Oracle {
	return &Oracle{client: client, transport: transport}
}

// Count returns the number of repositories matching filter.
func (o *Oracle) Count(ctx context.Context, filter crawler.RangeFilter) (int64, error) {
	var n int64
	err := o.transport.Execute(ctx, opCount, func(ctx context.Context) error {
		c, err := o.client.Count(ctx, filter)
		if err != nil {
			return err
		}
		n = c
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
