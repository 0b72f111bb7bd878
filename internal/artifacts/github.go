package artifacts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// GitHubSource fetches packages from the assets of a repository
// release. An empty tag means the latest release.
type GitHubSource struct {
	client *github.Client
	owner  string
	repo   string
	tag    string

	once    sync.Once
	release *github.RepositoryRelease
	lookup  error
}

// NewGitHubSource creates a release source. An empty token works for
// public repositories.
func NewGitHubSource(token, owner, repo, tag string) *GitHubSource {
	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		client = github.NewClient(oauth2.NewClient(context.Background(), ts))
	} else {
		client = github.NewClient(nil)
	}
	return &GitHubSource{client: client, owner: owner, repo: repo, tag: tag}
}

// Fetch downloads one release asset by file name.
func (g *GitHubSource) Fetch(ctx context.Context, file string) (io.ReadCloser, error) {
	release, err := g.resolveRelease(ctx)
	if err != nil {
		return nil, err
	}

	for _, asset := range release.Assets {
		if asset.GetName() != file {
			continue
		}
		rc, _, err := g.client.Repositories.DownloadReleaseAsset(ctx, g.owner, g.repo, asset.GetID(), http.DefaultClient)
		if err != nil {
			return nil, fmt.Errorf("download asset %s: %w", file, err)
		}
		return rc, nil
	}
	return nil, fmt.Errorf("release %s of %s/%s has no asset %s", release.GetTagName(), g.owner, g.repo, file)
}

func (g *GitHubSource) resolveRelease(ctx context.Context) (*github.RepositoryRelease, error) {
	g.once.Do(func() {
		if g.tag == "" {
			g.release, _, g.lookup = g.client.Repositories.GetLatestRelease(ctx, g.owner, g.repo)
		} else {
			g.release, _, g.lookup = g.client.Repositories.GetReleaseByTag(ctx, g.owner, g.repo, g.tag)
		}
	})
	if g.lookup != nil {
		return nil, fmt.Errorf("resolve release of %s/%s: %w", g.owner, g.repo, g.lookup)
	}
	return g.release, nil
}
