package github

import (
	"time"

	"github.com/shurcooL/githubv4"

	"github.com/JakeFAU/repo-census/internal/crawler"
)

// toRecord maps a decoded repository node onto the output record. It is
// total: every missing nested value becomes a nil pointer.
func toRecord(n repositoryNode) crawler.Record {
	rec := crawler.Record{
		Owner:               str(n.Owner.Login),
		Name:                str(n.Name),
		Stars:               num(n.StargazerCount),
		Forks:               num(n.ForkCount),
		Watchers:            num(n.Watchers.TotalCount),
		IsFork:              flag(n.IsFork),
		IsArchived:          flag(n.IsArchived),
		Languages:           languages(n),
		DiskUsageKB:         optNum(n.DiskUsage),
		PullRequests:        num(n.PullRequests.TotalCount),
		Description:         optStr(n.Description),
		CreatedAt:           optTime(&n.CreatedAt),
		PushedAt:            optTime(n.PushedAt),
		AssignableUserCount: num(n.AssignableUsers.TotalCount),
		ForkingAllowed:      flag(n.ForkingAllowed),
		NameWithOwner:       str(n.NameWithOwner),
	}
	if n.PrimaryLanguage != nil {
		rec.PrimaryLanguage = str(n.PrimaryLanguage.Name)
	}
	if n.LicenseInfo != nil {
		rec.License = str(n.LicenseInfo.Name)
	}
	if n.CodeOfConduct != nil {
		rec.CodeOfConduct = str(n.CodeOfConduct.Name)
	}
	if n.Parent != nil {
		rec.Parent = str(n.Parent.NameWithOwner)
	}
	if n.DefaultBranchRef != nil && n.DefaultBranchRef.Target.Commit.History != nil {
		rec.DefaultBranchCommitCount = num(n.DefaultBranchRef.Target.Commit.History.TotalCount)
	}
	return rec
}

// languages zips the name and size lists; extra entries on either side are
// dropped.
func languages(n repositoryNode) []crawler.Language {
	size := min(len(n.Languages.Nodes), len(n.Languages.Edges))
	out := make([]crawler.Language, 0, size)
	for i := 0; i < size; i++ {
		out = append(out, crawler.Language{
			Name: str(n.Languages.Nodes[i].Name),
			Size: num(n.Languages.Edges[i].Size),
		})
	}
	return out
}

func str(s githubv4.String) *string {
	v := string(s)
	return &v
}

func optStr(s *githubv4.String) *string {
	if s == nil {
		return nil
	}
	return str(*s)
}

func num(i githubv4.Int) *int64 {
	v := int64(i)
	return &v
}

func optNum(i *githubv4.Int) *int64 {
	if i == nil {
		return nil
	}
	return num(*i)
}

func flag(b githubv4.Boolean) *bool {
	v := bool(b)
	return &v
}

func optTime(t *githubv4.DateTime) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
