// Package github reads the repository data the dependency resolvers need
// from the GitHub REST API.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"cci/internal/httpclient"
	"cci/internal/resolver"
)

// DefaultBaseURL is the public GitHub API.
const DefaultBaseURL = "https://api.github.com"

// Config configures a Client.
type Config struct {
	BaseURL   string
	Token     string
	RateLimit float64
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Client implements resolver.RepoSource.
type Client struct {
	http *httpclient.Client
}

var _ resolver.RepoSource = (*Client)(nil)

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{http: httpclient.New(httpclient.Config{
		Service:   "github",
		BaseURL:   cfg.BaseURL,
		Token:     cfg.Token,
		RateLimit: cfg.RateLimit,
		Transport: cfg.Transport,
		Logger:    cfg.Logger,
		Headers: map[string]string{
			"Accept":               "application/vnd.github+json",
			"X-GitHub-Api-Version": "2022-11-28",
		},
	})}
}

// mapHTTPError turns 404 into resolver.ErrNotFound so resolvers can tell a
// missing object from a transport failure.
func mapHTTPError(err error) error {
	if err == nil {
		return nil
	}
	if httpclient.IsNotFound(err) {
		return fmt.Errorf("%w: %s", resolver.ErrNotFound, err.Error())
	}
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.http.Get(ctx, path, query)
	if err != nil {
		return mapHTTPError(err)
	}
	return resp.JSON(out)
}

type repoResponse struct {
	Name          string `json:"name"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// Repo fetches repository metadata and returns a handle for further reads.
func (c *Client) Repo(ctx context.Context, owner, name string) (resolver.Repo, error) {
	var payload repoResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s", owner, name), nil, &payload); err != nil {
		return nil, err
	}
	if payload.Owner.Login != "" {
		owner = payload.Owner.Login
	}
	if payload.Name != "" {
		name = payload.Name
	}
	return &repo{
		client:        c,
		key:           owner + "/" + name,
		cloneURL:      payload.CloneURL,
		defaultBranch: payload.DefaultBranch,
	}, nil
}

type repo struct {
	client        *Client
	key           string
	cloneURL      string
	defaultBranch string
}

func (r *repo) path(format string, args ...any) string {
	return "/repos/" + r.key + fmt.Sprintf(format, args...)
}

func (r *repo) CloneURL() string      { return r.cloneURL }
func (r *repo) DefaultBranch() string { return r.defaultBranch }

type releaseResponse struct {
	Name       string `json:"name"`
	TagName    string `json:"tag_name"`
	Prerelease bool   `json:"prerelease"`
	Draft      bool   `json:"draft"`
}

func (rr releaseResponse) release() resolver.Release {
	return resolver.Release{Name: rr.Name, TagName: rr.TagName, Prerelease: rr.Prerelease, Draft: rr.Draft}
}

// Releases returns the first page of releases, newest first.
func (r *repo) Releases(ctx context.Context) ([]resolver.Release, error) {
	var payload []releaseResponse
	if err := r.client.getJSON(ctx, r.path("/releases"), url.Values{"per_page": {"100"}}, &payload); err != nil {
		return nil, err
	}
	out := make([]resolver.Release, 0, len(payload))
	for _, p := range payload {
		out = append(out, p.release())
	}
	return out, nil
}

func (r *repo) ReleaseByTag(ctx context.Context, tag string) (resolver.Release, error) {
	var payload releaseResponse
	if err := r.client.getJSON(ctx, r.path("/releases/tags/%s", tag), nil, &payload); err != nil {
		return resolver.Release{}, err
	}
	return payload.release(), nil
}

type gitObject struct {
	Object struct {
		Type string `json:"type"`
		SHA  string `json:"sha"`
	} `json:"object"`
}

// TagSHA resolves a tag ref to a commit, peeling annotated tags.
func (r *repo) TagSHA(ctx context.Context, tag string) (string, error) {
	var ref gitObject
	if err := r.client.getJSON(ctx, r.path("/git/ref/tags/%s", tag), nil, &ref); err != nil {
		return "", err
	}
	obj := ref.Object
	for obj.Type == "tag" {
		var annotated gitObject
		if err := r.client.getJSON(ctx, r.path("/git/tags/%s", obj.SHA), nil, &annotated); err != nil {
			return "", err
		}
		obj = annotated.Object
	}
	if obj.SHA == "" {
		return "", fmt.Errorf("github: tag %s in %s has no target", tag, r.key)
	}
	return obj.SHA, nil
}

type contentEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (r *repo) contents(ctx context.Context, path, ref string) ([]byte, error) {
	var query url.Values
	if ref != "" {
		query = url.Values{"ref": {ref}}
	}
	resp, err := r.client.http.Get(ctx, r.path("/contents/%s", strings.TrimPrefix(path, "/")), query)
	if err != nil {
		return nil, mapHTTPError(err)
	}
	return resp.Body, nil
}

func (r *repo) FileContents(ctx context.Context, path, ref string) ([]byte, error) {
	body, err := r.contents(ctx, path, ref)
	if err != nil {
		return nil, err
	}
	var entry contentEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("github: %s is not a file: %w", path, err)
	}
	if entry.Type != "" && entry.Type != "file" {
		return nil, fmt.Errorf("github: %s is a %s, not a file", path, entry.Type)
	}
	return decodeContent(entry.Content, entry.Encoding)
}

func (r *repo) Directory(ctx context.Context, path, ref string) ([]resolver.DirEntry, error) {
	body, err := r.contents(ctx, path, ref)
	if err != nil {
		return nil, err
	}
	var entries []contentEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		// A single object means path is a file.
		return nil, fmt.Errorf("%w: %s is not a directory", resolver.ErrNotFound, path)
	}
	out := make([]resolver.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, resolver.DirEntry{Name: e.Name, IsDir: e.Type == "dir"})
	}
	return out, nil
}

func (r *repo) Branch(ctx context.Context, name string) (resolver.Branch, error) {
	var payload struct {
		Name   string `json:"name"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := r.client.getJSON(ctx, r.path("/branches/%s", name), nil, &payload); err != nil {
		return resolver.Branch{}, err
	}
	return resolver.Branch{Name: payload.Name, HeadSHA: payload.Commit.SHA}, nil
}

func (r *repo) Commit(ctx context.Context, sha string) (resolver.Commit, error) {
	var payload struct {
		SHA     string `json:"sha"`
		Parents []struct {
			SHA string `json:"sha"`
		} `json:"parents"`
	}
	if err := r.client.getJSON(ctx, r.path("/commits/%s", sha), nil, &payload); err != nil {
		return resolver.Commit{}, err
	}
	c := resolver.Commit{SHA: payload.SHA}
	for _, p := range payload.Parents {
		c.Parents = append(c.Parents, p.SHA)
	}
	return c, nil
}

func (r *repo) CommitStatuses(ctx context.Context, sha string) ([]resolver.CommitStatus, error) {
	var payload []struct {
		Context     string `json:"context"`
		State       string `json:"state"`
		Description string `json:"description"`
	}
	if err := r.client.getJSON(ctx, r.path("/commits/%s/statuses", sha), url.Values{"per_page": {"100"}}, &payload); err != nil {
		return nil, err
	}
	out := make([]resolver.CommitStatus, 0, len(payload))
	for _, p := range payload {
		out = append(out, resolver.CommitStatus{Context: p.Context, State: p.State, Description: p.Description})
	}
	return out, nil
}

func decodeContent(body, encoding string) ([]byte, error) {
	switch encoding {
	case "base64":
		// GitHub wraps base64 content at 60 columns.
		data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(strings.TrimSpace(body), "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("github: decode content: %w", err)
		}
		return data, nil
	case "", "utf-8":
		return []byte(body), nil
	}
	return nil, errors.New("github: unsupported content encoding " + encoding)
}
