package crawler

import "time"

// Record is the flat per-repository document written to the output file.
// Nil pointers encode an absent value and serialize as JSON null.
type Record struct {
	Owner                    *string    `json:"owner"`
	Name                     *string    `json:"name"`
	Stars                    *int64     `json:"stars"`
	Forks                    *int64     `json:"forks"`
	Watchers                 *int64     `json:"watchers"`
	IsFork                   *bool      `json:"isFork"`
	IsArchived               *bool      `json:"isArchived"`
	Languages                []Language `json:"languages"`
	DiskUsageKB              *int64     `json:"diskUsageKb"`
	PullRequests             *int64     `json:"pullRequests"`
	Description              *string    `json:"description"`
	PrimaryLanguage          *string    `json:"primaryLanguage"`
	CreatedAt                *time.Time `json:"createdAt"`
	PushedAt                 *time.Time `json:"pushedAt"`
	DefaultBranchCommitCount *int64     `json:"defaultBranchCommitCount"`
	License                  *string    `json:"license"`
	AssignableUserCount      *int64     `json:"assignableUserCount"`
	CodeOfConduct            *string    `json:"codeOfConduct"`
	ForkingAllowed           *bool      `json:"forkingAllowed"`
	NameWithOwner            *string    `json:"nameWithOwner"`
	Parent                   *string    `json:"parent"`
}

// Language is one entry of a repository's language breakdown.
type Language struct {
	Name *string `json:"name"`
	Size *int64  `json:"size"`
}

// Edge pairs a record with the pagination cursor that addresses it.
type Edge struct {
	Cursor string
	Record Record
}

// Page is one response of a paged search.
type Page struct {
	TotalCount int64
	Edges      []Edge
}

// LastCursor returns the cursor of the final edge, or "" for an empty page.
func (p Page) LastCursor() string {
	if len(p.Edges) == 0 {
		return ""
	}
	return p.Edges[len(p.Edges)-1].Cursor
}

// Records strips the cursors from the page.
func (p Page) Records() []Record {
	out := make([]Record, 0, len(p.Edges))
	for _, e := range p.Edges {
		out = append(out, e.Record)
	}
	return out
}
