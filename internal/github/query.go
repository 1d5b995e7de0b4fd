package github

import "github.com/shurcooL/githubv4"

type countQuery struct {
	Search struct {
		RepositoryCount githubv4.Int
	} `graphql:"search(query: $query, type: REPOSITORY, first: 1)"`
}

type searchQuery struct {
	Search struct {
		RepositoryCount githubv4.Int
		Edges           []searchEdge
	} `graphql:"search(query: $query, type: REPOSITORY, first: $first, after: $after)"`
}

type searchEdge struct {
	Cursor githubv4.String
	Node   struct {
		Repository repositoryNode `graphql:"... on Repository"`
	}
}

// repositoryNode selects the repository fields written to the output file.
// Nullable GraphQL fields are pointers so that absence survives decoding.
type repositoryNode struct {
	Name           githubv4.String
	NameWithOwner  githubv4.String
	IsFork         githubv4.Boolean
	IsArchived     githubv4.Boolean
	ForkCount      githubv4.Int
	ForkingAllowed githubv4.Boolean
	StargazerCount githubv4.Int
	DiskUsage      *githubv4.Int
	Description    *githubv4.String
	CreatedAt      githubv4.DateTime
	PushedAt       *githubv4.DateTime
	Owner          struct {
		Login githubv4.String
	}
	Watchers struct {
		TotalCount githubv4.Int
	}
	PullRequests struct {
		TotalCount githubv4.Int
	}
	AssignableUsers struct {
		TotalCount githubv4.Int
	}
	LicenseInfo *struct {
		Name githubv4.String
	}
	CodeOfConduct *struct {
		Name githubv4.String
	}
	Parent *struct {
		NameWithOwner githubv4.String
	}
	PrimaryLanguage *struct {
		Name githubv4.String
	}
	Languages struct {
		Nodes []struct {
			Name githubv4.String
		}
		Edges []struct {
			Size githubv4.Int
		}
	} `graphql:"languages(first: 10, orderBy: {field: SIZE, direction: DESC})"`
	DefaultBranchRef *struct {
		Target struct {
			Commit struct {
				History *struct {
					TotalCount githubv4.Int
				}
			} `graphql:"... on Commit"`
		}
	}
}
