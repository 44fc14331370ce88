package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"
)

var (
	errGitHubUnauthorized = errors.New("github rejected the token")
	errRepoNotFound       = errors.New("repository not found")
)

type githubUser struct {
	ID    int64
	Login string
}

type repoPermissions struct {
	Pull  bool
	Push  bool
	Admin bool
}

// githubAPI is the slice of the GitHub REST API the server needs: token
// identity, repository permission checks, and the accessible-repo listing that
// backs the unscoped list endpoint.
type githubAPI interface {
	User(ctx context.Context, token string) (*githubUser, error)
	RepoPermissions(ctx context.Context, token, owner, repo string) (*repoPermissions, error)
	ListAccessibleRepos(ctx context.Context, token string) ([]string, error)
}

// githubClient implements githubAPI with a per-token go-github client behind
// the usual transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
type githubClient struct {
	baseURL *url.URL // overridden in tests to point at an httptest server

	mu      sync.Mutex
	clients map[string]*gh.Client
}

func newGithubClient(baseURL string) (*githubClient, error) {
	c := &githubClient{clients: map[string]*gh.Client{}}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing github base URL: %w", err)
		}
		c.baseURL = u
	}
	return c, nil
}

func (c *githubClient) clientFor(token string) *gh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[token]; ok {
		return client
	}
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimitClient).WithAuthToken(token)
	if c.baseURL != nil {
		client.BaseURL = c.baseURL
	}
	// Bound the per-token cache; tokens churn as users log in and out.
	if len(c.clients) >= 256 {
		c.clients = map[string]*gh.Client{}
	}
	c.clients[token] = client
	return client
}

func (c *githubClient) User(ctx context.Context, token string) (*githubUser, error) {
	user, _, err := c.clientFor(token).Users.Get(ctx, "")
	if err != nil {
		return nil, mapGitHubError(err)
	}
	if user.GetID() == 0 || user.GetLogin() == "" {
		return nil, errGitHubUnauthorized
	}
	return &githubUser{ID: user.GetID(), Login: user.GetLogin()}, nil
}

func (c *githubClient) RepoPermissions(ctx context.Context, token, owner, repo string) (*repoPermissions, error) {
	repository, _, err := c.clientFor(token).Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, mapGitHubError(err)
	}
	perms := repository.GetPermissions()
	return &repoPermissions{
		Pull:  perms.GetPull(),
		Push:  perms.GetPush(),
		Admin: perms.GetAdmin(),
	}, nil
}

func (c *githubClient) ListAccessibleRepos(ctx context.Context, token string) ([]string, error) {
	client := c.clientFor(token)
	opts := &gh.RepositoryListByAuthenticatedUserOptions{
		Affiliation: "owner,collaborator,organization_member",
		Sort:        "updated",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var names []string
	for {
		repos, resp, err := client.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, mapGitHubError(err)
		}
		for _, repository := range repos {
			if name := repository.GetFullName(); name != "" {
				names = append(names, name)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return names, nil
}

// mapGitHubError folds go-github error responses onto the server's sentinels.
// A 404 from the repository endpoint also covers private repos the token
// cannot see; GitHub deliberately does not distinguish the two.
func mapGitHubError(err error) error {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case 401:
			return fmt.Errorf("%w: %s", errGitHubUnauthorized, ghErr.Message)
		case 404:
			return errRepoNotFound
		}
	}
	return err
}

// splitRepo parses "owner/name" into its parts.
func splitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.Split(strings.TrimSpace(fullName), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository %q is not in owner/name form", fullName)
	}
	return parts[0], parts[1], nil
}
