package resolver

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"cci/internal/dependency"
)

var versionIDRe = regexp.MustCompile(`version_id: (04t[a-zA-Z0-9]{12,15})`)

// releaseIdentifier extracts the numeric release from a release branch or a
// child of one: "feature/230" and "feature/230__widget" both give "230".
func releaseIdentifier(branch, prefix string) (string, bool) {
	if prefix == "" || !strings.HasPrefix(branch, prefix) {
		return "", false
	}
	head, _, _ := strings.Cut(strings.TrimPrefix(branch, prefix), "__")
	if head == "" {
		return "", false
	}
	for _, r := range head {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return head, true
}

func isReleaseBranchOrChild(branch, prefix string) bool {
	_, ok := releaseIdentifier(branch, prefix)
	return ok
}

// twoGPBase holds the applicability and lookup logic shared by the 2GP strategies.
type twoGPBase struct{}

func (twoGPBase) CanResolve(dep dependency.Dependency, rc *Context) bool {
	if _, ok := githubDep(dep); !ok || rc == nil {
		return false
	}
	return rc.CurrentBranch != "" && rc.FeaturePrefix != "" && isReleaseBranchOrChild(rc.CurrentBranch, rc.FeaturePrefix)
}

func (twoGPBase) releaseID(rc *Context) (int, error) {
	if rc.CurrentBranch == "" || rc.FeaturePrefix == "" {
		return 0, &dependency.ResolutionError{Msg: "Cannot get current branch or feature branch prefix"}
	}
	id, ok := releaseIdentifier(rc.CurrentBranch, rc.FeaturePrefix)
	if !ok {
		return 0, &dependency.ResolutionError{Msg: "Cannot get current release identifier"}
	}
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, &dependency.ResolutionError{Msg: "Cannot get current release identifier", Err: err}
	}
	return n, nil
}

// remoteSettings reads the dependency repository's own feature prefix and
// status context from its default branch.
func (twoGPBase) remoteSettings(ctx context.Context, repo Repo) (prefix, statusContext string, err error) {
	head, err := repo.Branch(ctx, repo.DefaultBranch())
	if err != nil {
		return "", "", err
	}
	cfg, err := ReadProjectConfig(ctx, repo, head.HeadSHA)
	if err != nil {
		return "", "", err
	}
	return cfg.FeaturePrefix(), cfg.StatusContext(), nil
}

// locateVersionID walks at most maxParentCommits first-parent commits from
// branch head looking for a successful status on statusContext that carries
// a package version id.
func (twoGPBase) locateVersionID(ctx context.Context, repo Repo, branch Branch, statusContext string) (versionID, sha string, err error) {
	sha = branch.HeadSHA
	for i := 0; i < maxParentCommits && sha != ""; i++ {
		statuses, err := repo.CommitStatuses(ctx, sha)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", "", err
		}
		for _, st := range statuses {
			if st.Context != statusContext || st.State != "success" {
				continue
			}
			if m := versionIDRe.FindStringSubmatch(st.Description); m != nil {
				return m[1], sha, nil
			}
		}

		commit, err := repo.Commit(ctx, sha)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				break
			}
			return "", "", err
		}
		if len(commit.Parents) == 0 {
			break
		}
		sha = commit.Parents[0]
	}
	return "", "", nil
}

func (b twoGPBase) resolveOnBranches(ctx context.Context, gh *dependency.GitHubDynamicDependency, rc *Context, names func(prefix string) []string) (dependency.Resolution, error) {
	repo, err := openRepo(ctx, gh, rc)
	if err != nil {
		return dependency.Resolution{}, err
	}

	prefix, statusContext, err := b.remoteSettings(ctx, repo)
	if err != nil {
		rc.logger().Info("could not find feature branch prefix or 2GP context; unable to resolve 2GP packages",
			"stage", "resolve", "repo", repo.CloneURL(), "err", err)
		return dependency.Resolution{}, nil
	}

	for _, name := range names(prefix) {
		branch, err := repo.Branch(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return dependency.Resolution{}, err
		}

		versionID, sha, err := b.locateVersionID(ctx, repo, branch, statusContext)
		if err != nil {
			return dependency.Resolution{}, err
		}
		if versionID == "" {
			continue
		}

		packageName := ""
		if cfg, err := ReadProjectConfig(ctx, repo, sha); err == nil {
			packageName = cfg.PackageName()
		}
		rc.logger().Info("located 2GP package version",
			"stage", "resolve", "repo", repo.CloneURL(), "branch", name, "version_id", versionID, "commit", sha)
		return dependency.Resolution{
			Ref:     sha,
			Managed: &dependency.ManagedPackageDependency{VersionID: versionID, PackageName: packageName},
		}, nil
	}

	rc.logger().Warn("no 2GP package version located", "stage", "resolve", "repo", repo.CloneURL(), "branch", rc.CurrentBranch)
	return dependency.Resolution{}, nil
}

// exactBranch2GPStrategy looks for a branch in the dependency named exactly
// like the current branch (with the dependency's own feature prefix).
type exactBranch2GPStrategy struct{ twoGPBase }

func (exactBranch2GPStrategy) Name() StrategyName { return StrategyExactBranch2GP }

func (s exactBranch2GPStrategy) Resolve(ctx context.Context, dep dependency.Dependency, rc *Context) (dependency.Resolution, error) {
	gh, _ := githubDep(dep)
	if _, err := s.releaseID(rc); err != nil {
		return dependency.Resolution{}, err
	}
	feature := strings.TrimPrefix(rc.CurrentBranch, rc.FeaturePrefix)
	return s.resolveOnBranches(ctx, gh, rc, func(prefix string) []string {
		return []string{prefix + feature}
	})
}

// releaseBranch2GPStrategy checks release branches id-start .. id-(end-1),
// newest first.
type releaseBranch2GPStrategy struct {
	twoGPBase
	name       StrategyName
	start, end int
}

func (s releaseBranch2GPStrategy) Name() StrategyName { return s.name }

func (s releaseBranch2GPStrategy) Resolve(ctx context.Context, dep dependency.Dependency, rc *Context) (dependency.Resolution, error) {
	gh, _ := githubDep(dep)
	id, err := s.releaseID(rc)
	if err != nil {
		return dependency.Resolution{}, err
	}
	return s.resolveOnBranches(ctx, gh, rc, func(prefix string) []string {
		var names []string
		for i := s.start; i < s.end; i++ {
			if id-i < 1 {
				break
			}
			names = append(names, prefix+strconv.Itoa(id-i))
		}
		return names
	})
}
