// Package resolver turns dynamic dependencies into concrete commits and
// package versions by trying an ordered list of resolution strategies.
package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"cci/internal/dependency"
	"cci/internal/logging"
)

// StrategyName identifies a resolution strategy in configuration.
type StrategyName string

const (
	StrategyTag                      StrategyName = "tag"
	StrategyExactBranch2GP           StrategyName = "exact_branch_2gp"
	StrategyReleaseBranch2GP         StrategyName = "release_branch_2gp"
	StrategyPreviousReleaseBranch2GP StrategyName = "previous_release_branch_2gp"
	StrategyBetaReleaseTag           StrategyName = "latest_beta"
	StrategyReleaseTag               StrategyName = "latest_release"
	StrategyUnmanagedHead            StrategyName = "unmanaged"
)

// DefaultStatusContext is the commit status that carries 2GP version ids.
const DefaultStatusContext = "Build Feature Test Package"

// maxParentCommits bounds the first-parent walk looking for a version id.
const maxParentCommits = 5

// Context is what a strategy may consult besides the dependency itself.
type Context struct {
	// Repos opens remote repositories. Required.
	Repos *RepoCache

	// CurrentBranch is the branch of the project doing the resolving.
	CurrentBranch string
	// FeaturePrefix is the project's project.git.prefix_feature.
	FeaturePrefix string

	Logger *slog.Logger
}

func (c *Context) logger() *slog.Logger {
	if c == nil {
		return logging.OrDiscard(nil)
	}
	return logging.OrDiscard(c.Logger)
}

// Strategy is one way of resolving a dependency.
//
// CanResolve must be cheap and free of remote calls. Resolve returns the zero
// Resolution when it finds nothing, and a *dependency.ResolutionError when it
// looked and the lookup itself was unsatisfiable. Both make the chain move on.
type Strategy interface {
	Name() StrategyName
	CanResolve(dep dependency.Dependency, rc *Context) bool
	Resolve(ctx context.Context, dep dependency.Dependency, rc *Context) (dependency.Resolution, error)
}

// Presets are the strategy lists projects select by name.
var Presets = map[string][]StrategyName{
	"production":   {StrategyTag, StrategyReleaseTag, StrategyUnmanagedHead},
	"include_beta": {StrategyTag, StrategyBetaReleaseTag, StrategyUnmanagedHead},
	"commit_status": {
		StrategyTag,
		StrategyExactBranch2GP,
		StrategyReleaseBranch2GP,
		StrategyPreviousReleaseBranch2GP,
		StrategyReleaseTag,
		StrategyUnmanagedHead,
	},
	"unlocked": {StrategyTag, StrategyUnmanagedHead},
}

// New returns the strategy registered under name.
func New(name StrategyName) (Strategy, error) {
	switch name {
	case StrategyTag:
		return tagStrategy{}, nil
	case StrategyReleaseTag:
		return releaseTagStrategy{includeBeta: false}, nil
	case StrategyBetaReleaseTag:
		return releaseTagStrategy{includeBeta: true}, nil
	case StrategyUnmanagedHead:
		return unmanagedHeadStrategy{}, nil
	case StrategyExactBranch2GP:
		return exactBranch2GPStrategy{}, nil
	case StrategyReleaseBranch2GP:
		return releaseBranch2GPStrategy{name: name, start: 0, end: 1}, nil
	case StrategyPreviousReleaseBranch2GP:
		return releaseBranch2GPStrategy{name: name, start: 1, end: 3}, nil
	}
	return nil, fmt.Errorf("resolver: unknown strategy %q", name)
}

// Strategies builds strategies for names, preserving order.
func Strategies(names []StrategyName) ([]Strategy, error) {
	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		s, err := New(n)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Preset builds the strategies of a named preset.
func Preset(name string) ([]Strategy, error) {
	names, ok := Presets[name]
	if !ok {
		return nil, fmt.Errorf("resolver: resolution strategy preset %q was not found", name)
	}
	return Strategies(names)
}
