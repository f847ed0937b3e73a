package resolver

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cci/internal/dependency"
	"cci/internal/testutil"
)

const versionID = "04t000000000001AAA"

func ghDep(t *testing.T, url string) *dependency.GitHubDynamicDependency {
	t.Helper()
	d := &dependency.GitHubDynamicDependency{GitHub: url}
	require.NoError(t, d.Validate())
	return d
}

func strategies(t *testing.T, names ...StrategyName) []Strategy {
	t.Helper()
	s, err := Strategies(names)
	require.NoError(t, err)
	return s
}

func newContext(t *testing.T, repos ...*fakeRepo) *Context {
	t.Helper()
	return &Context{Repos: NewRepoCache(sourceOf(repos...)), Logger: testutil.NewTestLogger(t)}
}

func TestResolve_NoReleasesFallsThroughToUnmanagedHead(t *testing.T) {
	repo := newFakeRepo("Org", "Repo")
	repo.branches["main"] = "abc123"
	rc := newContext(t, repo)

	res, err := Resolve(context.Background(), ghDep(t, "https://github.com/Org/Repo"),
		strategies(t, StrategyReleaseTag, StrategyUnmanagedHead), rc)
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.Ref)
	assert.Nil(t, res.Managed)
}

func TestResolve_IsIdempotent(t *testing.T) {
	repo := newFakeRepo("Org", "Repo")
	repo.branches["main"] = "abc123"
	rc := newContext(t, repo)
	dep := ghDep(t, "https://github.com/Org/Repo")
	chain := strategies(t, StrategyTag, StrategyReleaseTag, StrategyUnmanagedHead)

	first, err := Resolve(context.Background(), dep, chain, rc)
	require.NoError(t, err)
	callsAfterFirst := len(repo.callsWithPrefix(""))

	second, err := Resolve(context.Background(), dep, chain, rc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2*callsAfterFirst, len(repo.callsWithPrefix("")))
	assert.False(t, dep.IsResolved(), "Resolve must not mutate the dependency")
}

func TestResolve_AlreadyResolvedMakesNoRemoteCalls(t *testing.T) {
	src := sourceOf()
	rc := &Context{Repos: NewRepoCache(src)}
	dep := ghDep(t, "https://github.com/Org/Repo")
	dep.Ref = "deadbeef"

	res, err := Resolve(context.Background(), dep, strategies(t, StrategyUnmanagedHead), rc)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", res.Ref)
	assert.Zero(t, src.opens)
}

func TestResolve_StaticDependencyNeedsNothing(t *testing.T) {
	res, err := Resolve(context.Background(), &dependency.ManagedPackageDependency{Namespace: "ns", Version: "1.0"}, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Found())
}

func TestResolve_LatestRelease(t *testing.T) {
	repo := newFakeRepo("Org", "Repo")
	repo.releases = []Release{
		{Name: "3.0", TagName: "release/3.0", Draft: true},
		{Name: "2.0 (Beta 1)", TagName: "beta/2.0-Beta_1", Prerelease: true},
		{Name: "1.0", TagName: "release/1.0"},
	}
	repo.tags["release/1.0"] = "sha-1"
	repo.tags["beta/2.0-Beta_1"] = "sha-2b"
	config := "project:\n  package:\n    name: Widgets\n    namespace: wdg\n"
	repo.files["sha-1:cumulusci.yml"] = config
	repo.files["sha-2b:cumulusci.yml"] = config

	tests := []struct {
		name        string
		strategy    StrategyName
		wantRef     string
		wantVersion string
	}{
		{"production skips drafts and betas", StrategyReleaseTag, "sha-1", "1.0"},
		{"beta includes prereleases", StrategyBetaReleaseTag, "sha-2b", "2.0 (Beta 1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newContext(t, repo)
			res, err := Resolve(context.Background(), ghDep(t, "https://github.com/Org/Repo"), strategies(t, tt.strategy), rc)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRef, res.Ref)
			require.NotNil(t, res.Managed)
			assert.Equal(t, dependency.ManagedPackageDependency{Namespace: "wdg", Version: tt.wantVersion, PackageName: "Widgets"}, *res.Managed)
		})
	}
}

func TestResolve_UnmanagedFlagDropsPackage(t *testing.T) {
	repo := newFakeRepo("Org", "Repo")
	repo.releases = []Release{{Name: "1.0", TagName: "release/1.0"}}
	repo.tags["release/1.0"] = "sha-1"
	repo.files["sha-1:cumulusci.yml"] = "project:\n  package:\n    namespace: wdg\n"
	rc := newContext(t, repo)
	dep := ghDep(t, "https://github.com/Org/Repo")
	dep.Unmanaged = true

	res, err := Resolve(context.Background(), dep, strategies(t, StrategyReleaseTag), rc)
	require.NoError(t, err)
	assert.Equal(t, "sha-1", res.Ref)
	assert.Nil(t, res.Managed)
}

func TestResolve_BetaDefersToExplicitLatest(t *testing.T) {
	dep := ghDep(t, "https://github.com/Org/Repo")
	dep.Release = dependency.ReleaseLatest

	beta, err := New(StrategyBetaReleaseTag)
	require.NoError(t, err)
	assert.False(t, beta.CanResolve(dep, nil))

	prod, err := New(StrategyReleaseTag)
	require.NoError(t, err)
	assert.True(t, prod.CanResolve(dep, nil))
}

func TestResolve_Tag(t *testing.T) {
	repo := newFakeRepo("Org", "Repo")
	repo.branches["main"] = "head"
	repo.releases = []Release{{Name: "1.2", TagName: "release/1.2"}, {Name: "0.9", TagName: "release/0.9"}}
	repo.tags["release/1.2"] = "sha-12"
	repo.tags["release/0.9"] = "sha-09"
	repo.files["sha-12:cumulusci.yml"] = "project:\n  package:\n    namespace: wdg\n"
	repo.files["sha-09:cumulusci.yml"] = "project:\n  package:\n    name: Widgets\n"

	t.Run("managed release", func(t *testing.T) {
		dep := ghDep(t, "https://github.com/Org/Repo")
		dep.Tag = "release/1.2"
		res, err := Resolve(context.Background(), dep, strategies(t, StrategyTag, StrategyUnmanagedHead), newContext(t, repo))
		require.NoError(t, err)
		assert.Equal(t, "sha-12", res.Ref)
		require.NotNil(t, res.Managed)
		assert.Equal(t, "1.2", res.Managed.Version)
		assert.Equal(t, "wdg", res.Managed.Namespace)
	})

	t.Run("missing tag falls through", func(t *testing.T) {
		dep := ghDep(t, "https://github.com/Org/Repo")
		dep.Tag = "release/9.9"
		res, err := Resolve(context.Background(), dep, strategies(t, StrategyTag, StrategyUnmanagedHead), newContext(t, repo))
		require.NoError(t, err)
		assert.Equal(t, "head", res.Ref)
	})

	t.Run("tag without namespace is not a managed release", func(t *testing.T) {
		dep := ghDep(t, "https://github.com/Org/Repo")
		dep.Tag = "release/0.9"
		_, err := tagStrategy{}.Resolve(context.Background(), dep, newContext(t, repo))
		var rerr *dependency.ResolutionError
		require.ErrorAs(t, err, &rerr)
		assert.Contains(t, rerr.Msg, "does not identify a managed release")
	})

	t.Run("unmanaged tag install", func(t *testing.T) {
		dep := ghDep(t, "https://github.com/Org/Repo")
		dep.Tag = "release/0.9"
		dep.Unmanaged = true
		res, err := Resolve(context.Background(), dep, strategies(t, StrategyTag), newContext(t, repo))
		require.NoError(t, err)
		assert.Equal(t, "sha-09", res.Ref)
		assert.Nil(t, res.Managed)
	})
}

func TestResolve_ExhaustedChain(t *testing.T) {
	rc := newContext(t)
	_, err := Resolve(context.Background(), ghDep(t, "https://github.com/Org/Missing"),
		strategies(t, StrategyReleaseTag, StrategyUnmanagedHead), rc)
	require.ErrorIs(t, err, ErrUnresolved)
	assert.Contains(t, err.Error(), "Org/Missing")
}

func TestResolve_OtherErrorsAbort(t *testing.T) {
	boom := errors.New("boom")
	repo := newFakeRepo("Org", "Repo")
	repo.branches["main"] = "head"
	repo.releasesErr = boom
	rc := newContext(t, repo)

	_, err := Resolve(context.Background(), ghDep(t, "https://github.com/Org/Repo"),
		strategies(t, StrategyReleaseTag, StrategyUnmanagedHead), rc)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrUnresolved)
	assert.Empty(t, repo.callsWithPrefix("branch:"), "the chain must stop at the failing strategy")
}

func TestResolve_ResolutionErrorIsLogged(t *testing.T) {
	rec, logger := testutil.NewRecorder()
	repo := newFakeRepo("Org", "Repo")
	repo.branches["main"] = "head"
	rc := &Context{Repos: NewRepoCache(sourceOf(repo)), Logger: logger}
	dep := ghDep(t, "https://github.com/Org/Repo")
	dep.Tag = "nope"

	_, err := Resolve(context.Background(), dep, strategies(t, StrategyTag, StrategyUnmanagedHead), rc)
	require.NoError(t, err)
	assert.Contains(t, rec.Messages(slog.LevelInfo), "resolution strategy could not resolve dependency")
}

func TestPreset(t *testing.T) {
	s, err := Preset("commit_status")
	require.NoError(t, err)
	var names []StrategyName
	for _, st := range s {
		names = append(names, st.Name())
	}
	assert.Equal(t, Presets["commit_status"], names)

	_, err = Preset("nope")
	assert.Error(t, err)

	_, err = New("nope")
	assert.Error(t, err)
}

func TestReleaseIdentifier(t *testing.T) {
	tests := []struct {
		branch, prefix string
		want           string
		ok             bool
	}{
		{"feature/230", "feature/", "230", true},
		{"feature/230__widget", "feature/", "230", true},
		{"feature/widget", "feature/", "", false},
		{"main", "feature/", "", false},
		{"feature/", "feature/", "", false},
		{"feature/230", "", "", false},
	}
	for _, tt := range tests {
		got, ok := releaseIdentifier(tt.branch, tt.prefix)
		assert.Equal(t, tt.ok, ok, tt.branch)
		assert.Equal(t, tt.want, got, tt.branch)
	}
}

// twoGPRepo has release branches 230 and 231. The version id on 230 sits on
// the first parent of the head commit.
func twoGPRepo() *fakeRepo {
	repo := newFakeRepo("Org", "Dep")
	repo.branches["main"] = "main-head"
	repo.files["main-head:cumulusci.yml"] = "project:\n  git:\n    prefix_feature: feature/\n"

	repo.branches["feature/230"] = "c3"
	repo.commits["c3"] = []string{"c2"}
	repo.commits["c2"] = []string{"c1"}
	repo.commits["c1"] = nil
	repo.statuses["c3"] = []CommitStatus{
		{Context: DefaultStatusContext, State: "failure", Description: "version_id: 04t000000000009AAA"},
		{Context: "other", State: "success", Description: "version_id: 04t000000000008AAA"},
	}
	repo.statuses["c2"] = []CommitStatus{
		{Context: DefaultStatusContext, State: "success", Description: "Build Feature Test Package: version_id: " + versionID},
	}
	repo.files["c2:cumulusci.yml"] = "project:\n  package:\n    name: Dep Package\n"

	repo.branches["feature/231"] = "d1"
	repo.commits["d1"] = nil
	return repo
}

func TestResolve_2GPReleaseBranch(t *testing.T) {
	repo := twoGPRepo()
	rc := newContext(t, repo)
	rc.CurrentBranch = "feature/230__widget"
	rc.FeaturePrefix = "feature/"

	res, err := Resolve(context.Background(), ghDep(t, "https://github.com/Org/Dep"),
		strategies(t, StrategyExactBranch2GP, StrategyReleaseBranch2GP, StrategyUnmanagedHead), rc)
	require.NoError(t, err)
	assert.Equal(t, "c2", res.Ref)
	require.NotNil(t, res.Managed)
	assert.Equal(t, versionID, res.Managed.VersionID)
	assert.Equal(t, "Dep Package", res.Managed.PackageName)
	assert.Contains(t, repo.callsWithPrefix("branch:"), "branch:feature/230__widget")
}

func TestResolve_2GPPreviousReleaseBranch(t *testing.T) {
	repo := twoGPRepo()
	rc := newContext(t, repo)
	rc.CurrentBranch = "feature/232"
	rc.FeaturePrefix = "feature/"

	res, err := Resolve(context.Background(), ghDep(t, "https://github.com/Org/Dep"),
		strategies(t, StrategyReleaseBranch2GP, StrategyPreviousReleaseBranch2GP), rc)
	require.NoError(t, err)
	assert.Equal(t, "c2", res.Ref)
	// 231 exists but carries no version id; 230 is the newest that does.
	assert.Equal(t, []string{"branch:main", "branch:feature/232", "branch:main", "branch:feature/231", "branch:feature/230"},
		repo.callsWithPrefix("branch:"))
}

func TestResolve_2GPWalkIsBounded(t *testing.T) {
	repo := newFakeRepo("Org", "Dep")
	repo.branches["main"] = "main-head"
	repo.files["main-head:cumulusci.yml"] = "project:\n  git:\n    prefix_feature: feature/\n"
	repo.branches["feature/5"] = "k0"
	chain := []string{"k0", "k1", "k2", "k3", "k4", "k5"}
	for i := 0; i < len(chain)-1; i++ {
		repo.commits[chain[i]] = []string{chain[i+1]}
	}
	repo.statuses["k5"] = []CommitStatus{{Context: DefaultStatusContext, State: "success", Description: "version_id: " + versionID}}

	rc := newContext(t, repo)
	rc.CurrentBranch = "feature/5"
	rc.FeaturePrefix = "feature/"
	_, err := Resolve(context.Background(), ghDep(t, "https://github.com/Org/Dep"), strategies(t, StrategyReleaseBranch2GP), rc)
	require.ErrorIs(t, err, ErrUnresolved)
}

func TestTwoGP_CanResolveOnlyOnReleaseBranches(t *testing.T) {
	s, err := New(StrategyReleaseBranch2GP)
	require.NoError(t, err)
	dep := ghDep(t, "https://github.com/Org/Dep")

	assert.False(t, s.CanResolve(dep, &Context{CurrentBranch: "main", FeaturePrefix: "feature/"}))
	assert.False(t, s.CanResolve(dep, &Context{CurrentBranch: "feature/230"}))
	assert.True(t, s.CanResolve(dep, &Context{CurrentBranch: "feature/230", FeaturePrefix: "feature/"}))
	assert.False(t, s.CanResolve(&dependency.ManagedPackageDependency{VersionID: versionID}, &Context{CurrentBranch: "feature/230", FeaturePrefix: "feature/"}))
}

func TestFlatten_Managed(t *testing.T) {
	repo := newFakeRepo("Org", "Repo")
	repo.files["r1:cumulusci.yml"] = `project:
  package:
    namespace: wdg
  dependencies:
    - namespace: base
      version: "2.0"
`
	repo.dirs["r1:unpackaged/pre"] = []DirEntry{{Name: "first", IsDir: true}, {Name: "README.md"}}
	repo.dirs["r1:unpackaged/post"] = []DirEntry{{Name: "config", IsDir: true}, {Name: "skipme", IsDir: true}}

	dep := ghDep(t, "https://github.com/Org/Repo")
	dep.Skip = []string{"unpackaged/post/skipme"}
	managed := &dependency.ManagedPackageDependency{Namespace: "wdg", Version: "1.0"}
	resolved := dep.WithResolution(dependency.Resolution{Ref: "r1", Managed: managed})

	got, err := Flatten(context.Background(), resolved, newContext(t, repo))
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, &dependency.ManagedPackageDependency{Namespace: "base", Version: "2.0"}, got[0])

	pre := got[1].(*dependency.UnmanagedDependency)
	assert.Equal(t, "unpackaged/pre/first", pre.Subfolder)
	assert.True(t, *pre.Unmanaged)
	assert.Empty(t, pre.NamespaceInject)
	assert.Empty(t, pre.NamespaceStrip)

	assert.Same(t, managed, got[2])

	post := got[3].(*dependency.UnmanagedDependency)
	assert.Equal(t, "unpackaged/post/config", post.Subfolder)
	assert.False(t, *post.Unmanaged)
	assert.Equal(t, "wdg", post.NamespaceInject)
	assert.Equal(t, "r1", post.Ref)
}

func TestFlatten_Unmanaged(t *testing.T) {
	repo := newFakeRepo("Org", "Repo")
	repo.files["r1:cumulusci.yml"] = "project:\n  package:\n    namespace: wdg\n"
	repo.dirs["r1:src"] = []DirEntry{{Name: "package.xml"}}
	repo.dirs["r1:unpackaged/post"] = []DirEntry{{Name: "config", IsDir: true}}

	dep := ghDep(t, "https://github.com/Org/Repo")
	dep.Unmanaged = true
	got, err := Flatten(context.Background(), dep.WithResolution(dependency.Resolution{Ref: "r1"}), newContext(t, repo))
	require.NoError(t, err)
	require.Len(t, got, 2)

	src := got[0].(*dependency.UnmanagedDependency)
	assert.Equal(t, "src", src.Subfolder)
	assert.Equal(t, "Deploy Repo@r1", src.Description())

	post := got[1].(*dependency.UnmanagedDependency)
	assert.Equal(t, "wdg", post.NamespaceStrip)
	assert.True(t, *post.Unmanaged)
}

func TestFlatten_ManagedWithoutVersion(t *testing.T) {
	repo := newFakeRepo("Org", "Repo")
	repo.files["r1:cumulusci.yml"] = "project:\n  package:\n    namespace: wdg\n"
	dep := ghDep(t, "https://github.com/Org/Repo").WithResolution(dependency.Resolution{Ref: "r1"})

	_, err := Flatten(context.Background(), dep, newContext(t, repo))
	var rerr *dependency.ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Msg, "Could not find latest release")
}

func TestFlatten_RequiresResolution(t *testing.T) {
	_, err := Flatten(context.Background(), ghDep(t, "https://github.com/Org/Repo"), newContext(t))
	assert.True(t, dependency.IsResolutionError(err))
}

func TestResolveAll(t *testing.T) {
	top := newFakeRepo("Org", "Top")
	top.branches["main"] = "top1"
	top.files["top1:cumulusci.yml"] = `project:
  dependencies:
    - github: https://github.com/Org/Base
    - namespace: shared
      version: "1.0"
`
	top.dirs["top1:src"] = []DirEntry{{Name: "classes", IsDir: true}}

	base := newFakeRepo("Org", "Base")
	base.branches["main"] = "base1"
	base.files["base1:cumulusci.yml"] = `project:
  dependencies:
    - namespace: shared
      version: "1.0"
`
	base.dirs["base1:src"] = []DirEntry{{Name: "classes", IsDir: true}}

	deps := []dependency.Dependency{ghDep(t, "https://github.com/Org/Top")}
	chain := strategies(t, StrategyReleaseTag, StrategyUnmanagedHead)

	t.Run("nested and deduplicated", func(t *testing.T) {
		got, err := ResolveAll(context.Background(), deps, chain, newContext(t, top, base), StaticOptions{})
		require.NoError(t, err)
		var descs []string
		for _, d := range got {
			assert.True(t, d.IsFlattened())
			descs = append(descs, d.Description())
		}
		assert.Equal(t, []string{"Install shared version 1.0", "Deploy Base@base1", "Deploy Top@top1"}, descs)
	})

	t.Run("ignore rules", func(t *testing.T) {
		opts := StaticOptions{Ignore: []IgnoreRule{{Namespace: "shared"}, {GitHub: "https://github.com/org/base"}}}
		got, err := ResolveAll(context.Background(), deps, chain, newContext(t, top, base), opts)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Deploy Top@top1", got[0].Description())
	})
}
