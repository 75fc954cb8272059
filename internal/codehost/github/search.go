package github

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"

	gh "github.com/google/go-github/v68/github"
	"github.com/zulandar/batchyard/internal/codehost"
)

const searchPageSize = 100

// Search resolves repositories for batch spec `on` entries.
type Search struct {
	gh *gh.Client
}

// NewSearch returns a repository search backed by client.
func NewSearch(c *Client) *Search {
	return &Search{gh: c.gh}
}

// Search returns one page of repositories matching query. cursor is the
// opaque value returned as NextCursor by the previous page ("" for the first).
func (s *Search) Search(ctx context.Context, query, cursor string) (*codehost.RepositoryPage, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("github: search: invalid cursor %q", cursor)
		}
		page = n
	}
	res, resp, err := s.gh.Search.Repositories(ctx, query, &gh.SearchOptions{
		ListOptions: gh.ListOptions{Page: page, PerPage: searchPageSize},
	})
	if err != nil {
		return nil, classify("search", err)
	}

	out := &codehost.RepositoryPage{}
	for _, r := range res.Repositories {
		if r.GetArchived() {
			continue
		}
		out.Repositories = append(out.Repositories, codehost.Repository{
			Name:          r.GetFullName(),
			CodeHostKind:  Kind,
			DefaultBranch: r.GetDefaultBranch(),
			Branch:        r.GetDefaultBranch(),
		})
	}
	if resp != nil && resp.NextPage != 0 {
		out.NextCursor = strconv.Itoa(resp.NextPage)
	}
	return out, nil
}

// Repository resolves name at branch, or at its default branch when branch
// is empty, including the head commit.
func (s *Search) Repository(ctx context.Context, name, branch string) (*codehost.Repository, error) {
	owner, repo, err := splitRepo(name)
	if err != nil {
		return nil, err
	}
	r, _, err := s.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, classify("repository", err)
	}
	if branch == "" {
		branch = r.GetDefaultBranch()
	}
	b, _, err := s.gh.Repositories.GetBranch(ctx, owner, repo, branch, 1)
	if err != nil {
		return nil, classify("branch", err)
	}
	return &codehost.Repository{
		Name:          r.GetFullName(),
		CodeHostKind:  Kind,
		DefaultBranch: r.GetDefaultBranch(),
		Branch:        branch,
		Commit:        b.GetCommit().GetSHA(),
	}, nil
}

// HasFile reports whether filePath exists in repo at commit.
func (s *Search) HasFile(ctx context.Context, repo, commit, filePath string) (bool, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return false, err
	}
	_, _, _, err = s.gh.Repositories.GetContents(ctx, owner, name, filePath, &gh.RepositoryContentGetOptions{Ref: commit})
	if err == nil {
		return true, nil
	}
	cerr := classify("contents", err)
	if errors.Is(cerr, codehost.ErrNotFound) {
		return false, nil
	}
	return false, cerr
}

// FindFiles returns the directories of repo that contain a file named
// filename. The code search index only covers default branches, so commit
// is advisory.
func (s *Search) FindFiles(ctx context.Context, repo, commit, filename string) ([]string, error) {
	query := fmt.Sprintf("repo:%s filename:%s", repo, filename)
	dirs := make(map[string]bool)
	opts := &gh.SearchOptions{ListOptions: gh.ListOptions{PerPage: searchPageSize}}
	for {
		res, resp, err := s.gh.Search.Code(ctx, query, opts)
		if err != nil {
			return nil, classify("code search", err)
		}
		for _, cr := range res.CodeResults {
			if cr.GetName() != filename {
				continue
			}
			dir := path.Dir(cr.GetPath())
			if dir == "." {
				dir = ""
			}
			dirs[dir] = true
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	out := make([]string, 0, len(dirs))
	for d := range dirs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}
