package resolver

import (
	"context"
	"errors"
	"fmt"

	"cci/internal/dependency"
)

func githubDep(dep dependency.Dependency) (*dependency.GitHubDynamicDependency, bool) {
	gh, ok := dep.(*dependency.GitHubDynamicDependency)
	return gh, ok
}

func openRepo(ctx context.Context, gh *dependency.GitHubDynamicDependency, rc *Context) (Repo, error) {
	if rc == nil || rc.Repos == nil {
		return nil, errors.New("resolver: context has no repository source")
	}
	repo, err := rc.Repos.Repo(ctx, gh.RepoOwner, gh.RepoName)
	if errors.Is(err, ErrNotFound) {
		return nil, &dependency.ResolutionError{Msg: fmt.Sprintf("GitHub repository %s not found or not authorized", gh.GitHub), Err: err}
	}
	return repo, err
}

// managedFor builds the package version found at ref, or nil when the
// dependency is installed unmanaged or the project declares no namespace.
func managedFor(gh *dependency.GitHubDynamicDependency, cfg *ProjectConfig, version string) *dependency.ManagedPackageDependency {
	ns := cfg.Project.Package.Namespace
	if gh.Unmanaged || ns == "" {
		return nil
	}
	return &dependency.ManagedPackageDependency{
		Namespace:   ns,
		Version:     version,
		PackageName: cfg.PackageName(),
	}
}

// tagStrategy resolves an explicit `tag`.
type tagStrategy struct{}

func (tagStrategy) Name() StrategyName { return StrategyTag }

func (tagStrategy) CanResolve(dep dependency.Dependency, _ *Context) bool {
	gh, ok := githubDep(dep)
	return ok && gh.Tag != ""
}

func (tagStrategy) Resolve(ctx context.Context, dep dependency.Dependency, rc *Context) (dependency.Resolution, error) {
	gh, _ := githubDep(dep)
	repo, err := openRepo(ctx, gh, rc)
	if err != nil {
		return dependency.Resolution{}, err
	}

	release, err := repo.ReleaseByTag(ctx, gh.Tag)
	if errors.Is(err, ErrNotFound) {
		return dependency.Resolution{}, &dependency.ResolutionError{Msg: "No release found for tag " + gh.Tag, Err: err}
	}
	if err != nil {
		return dependency.Resolution{}, err
	}

	ref, err := repo.TagSHA(ctx, release.TagName)
	if errors.Is(err, ErrNotFound) {
		return dependency.Resolution{}, &dependency.ResolutionError{Msg: "No release found for tag " + gh.Tag, Err: err}
	}
	if err != nil {
		return dependency.Resolution{}, err
	}

	cfg, err := ReadProjectConfig(ctx, repo, ref)
	if err != nil {
		return dependency.Resolution{}, err
	}
	if !gh.Unmanaged && cfg.Project.Package.Namespace == "" {
		return dependency.Resolution{}, &dependency.ResolutionError{
			Msg: fmt.Sprintf("The tag %s in %s does not identify a managed release", gh.Tag, gh.GitHub),
		}
	}
	return dependency.Resolution{Ref: ref, Managed: managedFor(gh, cfg, release.Name)}, nil
}

// releaseTagStrategy resolves to the latest release, optionally including betas.
type releaseTagStrategy struct {
	includeBeta bool
}

func (s releaseTagStrategy) Name() StrategyName {
	if s.includeBeta {
		return StrategyBetaReleaseTag
	}
	return StrategyReleaseTag
}

// CanResolve accepts any GitHub dependency, except that the beta strategy
// defers when the declaration explicitly asks for `release: latest`.
func (s releaseTagStrategy) CanResolve(dep dependency.Dependency, _ *Context) bool {
	gh, ok := githubDep(dep)
	if !ok {
		return false
	}
	return !(s.includeBeta && gh.Release == dependency.ReleaseLatest)
}

func (s releaseTagStrategy) Resolve(ctx context.Context, dep dependency.Dependency, rc *Context) (dependency.Resolution, error) {
	gh, _ := githubDep(dep)
	repo, err := openRepo(ctx, gh, rc)
	if err != nil {
		return dependency.Resolution{}, err
	}

	releases, err := repo.Releases(ctx)
	if errors.Is(err, ErrNotFound) {
		return dependency.Resolution{}, nil
	}
	if err != nil {
		return dependency.Resolution{}, err
	}
	release, ok := findLatestRelease(releases, s.includeBeta)
	if !ok {
		return dependency.Resolution{}, nil
	}

	ref, err := repo.TagSHA(ctx, release.TagName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return dependency.Resolution{}, &dependency.ResolutionError{Msg: "Release tag not found: " + release.TagName, Err: err}
		}
		return dependency.Resolution{}, err
	}
	cfg, err := ReadProjectConfig(ctx, repo, ref)
	if err != nil {
		return dependency.Resolution{}, err
	}
	return dependency.Resolution{Ref: ref, Managed: managedFor(gh, cfg, release.Name)}, nil
}

// unmanagedHeadStrategy resolves to the head of the default branch.
// It applies to every GitHub dependency and is normally last in a chain.
type unmanagedHeadStrategy struct{}

func (unmanagedHeadStrategy) Name() StrategyName { return StrategyUnmanagedHead }

func (unmanagedHeadStrategy) CanResolve(dep dependency.Dependency, _ *Context) bool {
	_, ok := githubDep(dep)
	return ok
}

func (unmanagedHeadStrategy) Resolve(ctx context.Context, dep dependency.Dependency, rc *Context) (dependency.Resolution, error) {
	gh, _ := githubDep(dep)
	repo, err := openRepo(ctx, gh, rc)
	if err != nil {
		return dependency.Resolution{}, err
	}
	branch, err := repo.Branch(ctx, repo.DefaultBranch())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return dependency.Resolution{}, &dependency.ResolutionError{Msg: "default branch not found for " + gh.GitHub, Err: err}
		}
		return dependency.Resolution{}, err
	}
	return dependency.Resolution{Ref: branch.HeadSHA}, nil
}
