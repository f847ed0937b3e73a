package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cci/internal/dependency"
	"cci/internal/logging"
)

// ErrUnresolved is returned when every strategy in a chain was exhausted.
var ErrUnresolved = errors.New("unable to resolve dependency")

// Resolve runs strategies in order against dep and returns the first
// resolution that carries a ref.
//
// Edge cases:
//   - An already-resolved dependency returns its own ref without remote calls.
//   - Static dependencies need no resolution and return the zero Resolution.
//   - Strategies whose CanResolve is false are skipped.
//   - A strategy returning a *dependency.ResolutionError is logged at Info and
//     the chain continues. Any other error aborts the chain.
//
// Strategies carry no state, so calling Resolve twice with the same inputs
// tries the same strategies in the same order.
//
// Errors:
//   - ErrUnresolved (wrapped with the dependency description) when nothing matched.
func Resolve(ctx context.Context, dep dependency.Dependency, strategies []Strategy, rc *Context) (dependency.Resolution, error) {
	log := rc.logger()

	switch d := dep.(type) {
	case *dependency.GitHubDynamicDependency:
		if d.IsResolved() {
			return dependency.Resolution{Ref: d.Ref, Managed: d.Managed}, nil
		}
	default:
		return dependency.Resolution{}, nil
	}

	for _, s := range strategies {
		if !s.CanResolve(dep, rc) {
			continue
		}
		start := time.Now()
		res, err := s.Resolve(ctx, dep, rc)
		if err != nil {
			if dependency.IsResolutionError(err) {
				log.Info("resolution strategy could not resolve dependency",
					"stage", "resolve", "strategy", string(s.Name()), "dependency", dep.Description(), "err", err.Error())
				continue
			}
			return dependency.Resolution{}, fmt.Errorf("resolve %s with %s: %w", dep.Description(), s.Name(), err)
		}
		if res.Found() {
			log.Info("resolved dependency",
				"stage", "resolve", "strategy", string(s.Name()), "dependency", dep.Description(), "ref", res.Ref,
				"duration", logging.Dur(time.Since(start)))
			return res, nil
		}
	}
	return dependency.Resolution{}, fmt.Errorf("%w: %s", ErrUnresolved, dep.Description())
}

// StaticOptions tunes ResolveAll.
type StaticOptions struct {
	// Ignore drops any flattened dependency matching one of these GitHub urls
	// or namespaces, wherever it appears in the tree.
	Ignore []IgnoreRule
}

// IgnoreRule identifies a dependency to skip.
type IgnoreRule struct {
	GitHub    string
	Namespace string
}

func (o StaticOptions) ignored(dep dependency.Dependency) bool {
	for _, rule := range o.Ignore {
		switch d := dep.(type) {
		case *dependency.GitHubDynamicDependency:
			if rule.GitHub != "" && sameRepo(rule.GitHub, d.GitHub) {
				return true
			}
		case *dependency.UnmanagedDependency:
			if rule.GitHub != "" && d.GitHub != "" && sameRepo(rule.GitHub, d.GitHub) {
				return true
			}
		case *dependency.ManagedPackageDependency:
			if rule.Namespace != "" && rule.Namespace == d.Namespace {
				return true
			}
		}
	}
	return false
}

func sameRepo(a, b string) bool {
	ao, an, errA := dependency.SplitRepoURL(a)
	bo, bn, errB := dependency.SplitRepoURL(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return strings.EqualFold(ao, bo) && strings.EqualFold(an, bn)
}

// ResolveAll turns a project's dependency list into an ordered list of
// static (managed or unmanaged) dependencies.
//
// Each dynamic dependency is resolved with strategies and then flattened;
// flattening may surface further dynamic dependencies, which are handled the
// same way and placed before the dependency that declared them. Duplicates
// (by Description) keep their first position.
func ResolveAll(ctx context.Context, deps []dependency.Dependency, strategies []Strategy, rc *Context, opts StaticOptions) ([]dependency.Dependency, error) {
	const maxDepth = 32

	var expand func(list []dependency.Dependency, depth int) ([]dependency.Dependency, error)
	expand = func(list []dependency.Dependency, depth int) ([]dependency.Dependency, error) {
		if depth > maxDepth {
			return nil, fmt.Errorf("resolver: dependency tree deeper than %d levels", maxDepth)
		}
		var out []dependency.Dependency
		for _, dep := range list {
			if opts.ignored(dep) {
				continue
			}
			gh, ok := dep.(*dependency.GitHubDynamicDependency)
			if !ok {
				out = append(out, dep)
				continue
			}

			res, err := Resolve(ctx, gh, strategies, rc)
			if err != nil {
				return nil, err
			}
			resolved := gh.WithResolution(res)

			children, err := Flatten(ctx, resolved, rc)
			if err != nil {
				return nil, err
			}
			flat, err := expand(children, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, flat...)
		}
		return out, nil
	}

	all, err := expand(deps, 0)
	if err != nil {
		return nil, err
	}
	return unique(all), nil
}

func unique(deps []dependency.Dependency) []dependency.Dependency {
	seen := make(map[string]struct{}, len(deps))
	out := deps[:0:0]
	for _, d := range deps {
		k := d.Description()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	return out
}
