package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"cci/internal/dependency"
)

// Flatten expands a resolved GitHub dependency into what has to be installed,
// in install order:
//
//  1. the dependencies declared in the repository's own cumulusci.yml (these
//     may themselves be dynamic),
//  2. each subfolder of unpackaged/pre, deployed unmanaged,
//  3. the package itself: its managed version when the project has a
//     namespace and the dependency is not marked unmanaged, otherwise src,
//  4. each subfolder of unpackaged/post, with the namespace injected when the
//     package is managed and stripped otherwise.
//
// Subfolders listed in dep.Skip are left out.
func Flatten(ctx context.Context, dep *dependency.GitHubDynamicDependency, rc *Context) ([]dependency.Dependency, error) {
	if !dep.IsResolved() {
		return nil, &dependency.ResolutionError{Msg: fmt.Sprintf("Dependency %s is not resolved and cannot be flattened", dep.GitHub)}
	}
	rc.logger().Info("collecting dependencies from GitHub repo", "stage", "flatten", "github", dep.GitHub, "ref", dep.Ref)

	repo, err := openRepo(ctx, dep, rc)
	if err != nil {
		return nil, err
	}
	cfg, err := ReadProjectConfig(ctx, repo, dep.Ref)
	if err != nil {
		return nil, err
	}
	namespace := cfg.Project.Package.Namespace

	var out []dependency.Dependency
	if len(cfg.Project.Dependencies) > 0 {
		upstream, err := dependency.ParseList(cfg.Project.Dependencies)
		if err != nil {
			return nil, &dependency.ResolutionError{Msg: fmt.Sprintf("Unable to flatten %s because a transitive dependency could not be parsed", dep.GitHub), Err: err}
		}
		out = append(out, upstream...)
	}

	managed := namespace != "" && !dep.Unmanaged

	pre, err := unpackaged(ctx, repo, dep, "unpackaged/pre", false, "")
	if err != nil {
		return nil, err
	}
	out = append(out, pre...)

	if !managed {
		entries, err := repo.Directory(ctx, "src", dep.Ref)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if len(entries) > 0 {
			unmanaged := dep.Unmanaged
			out = append(out, &dependency.UnmanagedDependency{
				GitHub:          dep.GitHub,
				RepoOwner:       dep.RepoOwner,
				RepoName:        dep.RepoName,
				Ref:             dep.Ref,
				Subfolder:       "src",
				Unmanaged:       &unmanaged,
				NamespaceInject: dep.NamespaceInject,
				NamespaceStrip:  dep.NamespaceStrip,
			})
		}
	} else {
		if dep.Managed == nil {
			return nil, &dependency.ResolutionError{Msg: fmt.Sprintf("Could not find latest release for %s", dep.GitHub)}
		}
		out = append(out, dep.Managed)
	}

	post, err := unpackaged(ctx, repo, dep, "unpackaged/post", managed, namespace)
	if err != nil {
		return nil, err
	}
	return append(out, post...), nil
}

func unpackaged(ctx context.Context, repo Repo, dep *dependency.GitHubDynamicDependency, root string, managed bool, namespace string) ([]dependency.Dependency, error) {
	entries, err := repo.Directory(ctx, root, dep.Ref)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []dependency.Dependency
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		sub := root + "/" + e.Name
		if slices.Contains(dep.Skip, sub) {
			continue
		}
		unmanaged := !managed
		d := &dependency.UnmanagedDependency{
			GitHub:    dep.GitHub,
			RepoOwner: dep.RepoOwner,
			RepoName:  dep.RepoName,
			Ref:       dep.Ref,
			Subfolder: sub,
			Unmanaged: &unmanaged,
		}
		if namespace != "" {
			if managed {
				d.NamespaceInject = namespace
			} else {
				d.NamespaceStrip = namespace
			}
		}
		out = append(out, d)
	}
	return out, nil
}
