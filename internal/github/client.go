// Package github implements the repository search client on top of the
// GitHub GraphQL API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/JakeFAU/repo-census/internal/crawler"
)

// DefaultEndpoint is the public GitHub GraphQL URL.
const DefaultEndpoint = "https://api.github.com/graphql"

// Config captures the parameters required to talk to the API.
type Config struct {
	Endpoint  string
	Token     string
	Timeout   time.Duration
	UserAgent string
	// Base is the underlying transport; defaults to http.DefaultTransport.
	Base http.RoundTripper
	// Now is used to compute rate-limit resets; defaults to time.Now.
	Now func() time.Time
}

// Client implements crawler.SearchClient.
type Client struct {
	gql *githubv4.Client
}

var _ crawler.SearchClient = (*Client)(nil)

// New builds an authenticated client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("github token is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if cfg.Base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: cfg.Base})
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: strings.TrimSpace(cfg.Token)})
	httpClient := oauth2.NewClient(ctx, src)
	httpClient.Transport = &rateLimitTransport{
		wrapped:   httpClient.Transport,
		userAgent: cfg.UserAgent,
		now:       cfg.Now,
	}
	httpClient.Timeout = cfg.Timeout
	return &Client{gql: githubv4.NewEnterpriseClient(endpoint, httpClient)}, nil
}

// Count returns the number of repositories matching the filter.
func (c *Client) Count(ctx context.Context, filter crawler.RangeFilter) (int64, error) {
	var q countQuery
	vars := map[string]any{
		"query": githubv4.String(filter.CountQuery()),
	}
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return 0, fmt.Errorf("count %s: %w", filter, err)
	}
	return int64(q.Search.RepositoryCount), nil
}

// SearchPage fetches one page of repositories ordered by stars.
func (c *Client) SearchPage(
	ctx context.Context,
	filter crawler.RangeFilter,
	cursor string,
	size int,
) (crawler.Page, error) {
	if size <= 0 {
		return crawler.Page{}, fmt.Errorf("page size must be > 0, got %d", size)
	}
	var after *githubv4.String
	if cursor != "" {
		after = githubv4.NewString(githubv4.String(cursor))
	}
	var q searchQuery
	vars := map[string]any{
		"query": githubv4.String(filter.SearchQuery()),
		"first": githubv4.Int(size),
		"after": after,
	}
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return crawler.Page{}, fmt.Errorf("search %s after %q: %w", filter, cursor, err)
	}
	page := crawler.Page{
		TotalCount: int64(q.Search.RepositoryCount),
		Edges:      make([]crawler.Edge, 0, len(q.Search.Edges)),
	}
	for _, e := range q.Search.Edges {
		page.Edges = append(page.Edges, crawler.Edge{
			Cursor: string(e.Cursor),
			Record: toRecord(e.Node.Repository),
		})
	}
	return page, nil
}
