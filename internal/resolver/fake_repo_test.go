package resolver

import (
	"context"
	"strings"
	"sync"
)

// fakeRepo is an in-memory Repo. Missing entries return ErrNotFound.
type fakeRepo struct {
	owner, name   string
	defaultBranch string
	releases      []Release
	tags          map[string]string         // tag -> commit sha
	files         map[string]string         // ref + ":" + path -> content
	dirs          map[string][]DirEntry     // ref + ":" + path -> entries
	branches      map[string]string         // branch -> head sha
	commits       map[string][]string       // sha -> parents
	statuses      map[string][]CommitStatus // sha -> statuses
	releasesErr   error
	calls         []string
	mu            sync.Mutex
}

func newFakeRepo(owner, name string) *fakeRepo {
	return &fakeRepo{
		owner:         owner,
		name:          name,
		defaultBranch: "main",
		tags:          map[string]string{},
		files:         map[string]string{},
		dirs:          map[string][]DirEntry{},
		branches:      map[string]string{},
		commits:       map[string][]string{},
		statuses:      map[string][]CommitStatus{},
	}
}

func (f *fakeRepo) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRepo) CloneURL() string      { return "https://github.com/" + f.owner + "/" + f.name + ".git" }
func (f *fakeRepo) DefaultBranch() string { return f.defaultBranch }

func (f *fakeRepo) Releases(context.Context) ([]Release, error) {
	f.record("releases")
	if f.releasesErr != nil {
		return nil, f.releasesErr
	}
	return f.releases, nil
}

func (f *fakeRepo) ReleaseByTag(_ context.Context, tag string) (Release, error) {
	f.record("release:" + tag)
	for _, r := range f.releases {
		if r.TagName == tag {
			return r, nil
		}
	}
	return Release{}, ErrNotFound
}

func (f *fakeRepo) TagSHA(_ context.Context, tag string) (string, error) {
	f.record("tag:" + tag)
	if sha, ok := f.tags[tag]; ok {
		return sha, nil
	}
	return "", ErrNotFound
}

func (f *fakeRepo) FileContents(_ context.Context, path, ref string) ([]byte, error) {
	f.record("file:" + ref + ":" + path)
	if c, ok := f.files[ref+":"+path]; ok {
		return []byte(c), nil
	}
	return nil, ErrNotFound
}

func (f *fakeRepo) Directory(_ context.Context, path, ref string) ([]DirEntry, error) {
	if d, ok := f.dirs[ref+":"+path]; ok {
		return d, nil
	}
	return nil, ErrNotFound
}

func (f *fakeRepo) Branch(_ context.Context, name string) (Branch, error) {
	f.record("branch:" + name)
	if sha, ok := f.branches[name]; ok {
		return Branch{Name: name, HeadSHA: sha}, nil
	}
	return Branch{}, ErrNotFound
}

func (f *fakeRepo) Commit(_ context.Context, sha string) (Commit, error) {
	if parents, ok := f.commits[sha]; ok {
		return Commit{SHA: sha, Parents: parents}, nil
	}
	return Commit{}, ErrNotFound
}

func (f *fakeRepo) CommitStatuses(_ context.Context, sha string) ([]CommitStatus, error) {
	return f.statuses[sha], nil
}

func (f *fakeRepo) callsWithPrefix(p string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, p) {
			out = append(out, c)
		}
	}
	return out
}

// fakeSource serves fakeRepos by owner/name.
type fakeSource struct {
	repos map[string]*fakeRepo
	opens int
}

func (s *fakeSource) Repo(_ context.Context, owner, name string) (Repo, error) {
	s.opens++
	if r, ok := s.repos[strings.ToLower(owner+"/"+name)]; ok {
		return r, nil
	}
	return nil, ErrNotFound
}

func sourceOf(repos ...*fakeRepo) *fakeSource {
	s := &fakeSource{repos: map[string]*fakeRepo{}}
	for _, r := range repos {
		s.repos[strings.ToLower(r.owner+"/"+r.name)] = r
	}
	return s
}
