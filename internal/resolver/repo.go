package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Repo implementations for missing releases,
// tags, branches, commits and files.
var ErrNotFound = errors.New("not found")

// Release is one published release of a repository.
type Release struct {
	Name       string
	TagName    string
	Prerelease bool
	Draft      bool
}

// Branch is a named branch and its head commit.
type Branch struct {
	Name    string
	HeadSHA string
}

// Commit is the part of a commit the resolvers walk.
type Commit struct {
	SHA     string
	Parents []string
}

// CommitStatus is one status check reported on a commit.
type CommitStatus struct {
	Context     string
	State       string
	Description string
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Repo is the read-only view of a remote repository the resolvers need.
type Repo interface {
	CloneURL() string
	DefaultBranch() string
	// Releases returns releases in the remote's own ordering (newest first).
	Releases(ctx context.Context) ([]Release, error)
	ReleaseByTag(ctx context.Context, tag string) (Release, error)
	// TagSHA returns the commit a tag points at, peeling annotated tags.
	TagSHA(ctx context.Context, tag string) (string, error)
	FileContents(ctx context.Context, path, ref string) ([]byte, error)
	// Directory lists the entries of path at ref.
	Directory(ctx context.Context, path, ref string) ([]DirEntry, error)
	Branch(ctx context.Context, name string) (Branch, error)
	Commit(ctx context.Context, sha string) (Commit, error)
	CommitStatuses(ctx context.Context, sha string) ([]CommitStatus, error)
}

// RepoSource opens repositories by owner and name.
type RepoSource interface {
	Repo(ctx context.Context, owner, name string) (Repo, error)
}

// RepoCache memoizes Repo handles for the lifetime of one run.
// It is safe for concurrent use.
type RepoCache struct {
	source RepoSource

	mu    sync.Mutex
	repos map[string]Repo
}

// NewRepoCache wraps source.
func NewRepoCache(source RepoSource) *RepoCache {
	return &RepoCache{source: source, repos: map[string]Repo{}}
}

// Repo returns the cached handle for owner/name, opening it on first use.
func (c *RepoCache) Repo(ctx context.Context, owner, name string) (Repo, error) {
	key := strings.ToLower(owner + "/" + name)

	c.mu.Lock()
	r, ok := c.repos[key]
	c.mu.Unlock()
	if ok {
		return r, nil
	}

	r, err := c.source.Repo(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.repos[key] = r
	c.mu.Unlock()
	return r, nil
}

// ProjectConfig is the subset of a repository's cumulusci.yml the resolvers read.
type ProjectConfig struct {
	Project struct {
		Package struct {
			Name        string `yaml:"name"`
			NameManaged string `yaml:"name_managed"`
			Namespace   string `yaml:"namespace"`
		} `yaml:"package"`
		Git struct {
			PrefixFeature string `yaml:"prefix_feature"`
			PrefixRelease string `yaml:"prefix_release"`
			Context2GP    string `yaml:"2gp_context"`
		} `yaml:"git"`
		Dependencies []map[string]any `yaml:"dependencies"`
	} `yaml:"project"`
}

// PackageName is name_managed, then name, then "Package".
func (p *ProjectConfig) PackageName() string {
	switch {
	case p.Project.Package.NameManaged != "":
		return p.Project.Package.NameManaged
	case p.Project.Package.Name != "":
		return p.Project.Package.Name
	}
	return "Package"
}

// FeaturePrefix defaults to "feature/".
func (p *ProjectConfig) FeaturePrefix() string {
	if p.Project.Git.PrefixFeature != "" {
		return p.Project.Git.PrefixFeature
	}
	return "feature/"
}

// StatusContext is the commit-status context carrying 2GP version ids.
func (p *ProjectConfig) StatusContext() string {
	if p.Project.Git.Context2GP != "" {
		return p.Project.Git.Context2GP
	}
	return DefaultStatusContext
}

// ReadProjectConfig loads cumulusci.yml from repo at ref.
func ReadProjectConfig(ctx context.Context, repo Repo, ref string) (*ProjectConfig, error) {
	raw, err := repo.FileContents(ctx, "cumulusci.yml", ref)
	if err != nil {
		return nil, fmt.Errorf("read cumulusci.yml at %s: %w", ref, err)
	}
	var cfg ProjectConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse cumulusci.yml at %s: %w", ref, err)
	}
	return &cfg, nil
}

// findLatestRelease returns the first non-draft release in the remote
// ordering, skipping prereleases unless includeBeta.
func findLatestRelease(releases []Release, includeBeta bool) (Release, bool) {
	for _, r := range releases {
		if r.Draft {
			continue
		}
		if r.Prerelease && !includeBeta {
			continue
		}
		return r, true
	}
	return Release{}, false
}
