// Package dependency models the dependency declarations a project lists in
// cumulusci.yml: dynamic GitHub references that still need resolving, and the
// static managed/unmanaged packages they resolve to.
//
// Dependency is a closed set. Callers switch on the concrete type:
//
//	switch d := dep.(type) {
//	case *dependency.GitHubDynamicDependency:
//	case *dependency.ManagedPackageDependency:
//	case *dependency.UnmanagedDependency:
//	}
package dependency

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Dependency is one parsed declaration.
type Dependency interface {
	// Description is a stable human-readable identity, also used for dedupe.
	Description() string
	IsResolved() bool
	IsFlattened() bool
	isDependency()
}

// ConfigError reports a declaration that cannot be used as written.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "dependency: " + e.Msg }

// ResolutionError is returned by resolution strategies that looked and could
// not produce a ref. The resolver chain treats it as a miss, not a failure.
type ResolutionError struct {
	Msg string
	Err error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IsResolutionError reports whether err is (or wraps) a ResolutionError.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// Release selectors accepted on a GitHub dependency.
const (
	ReleaseLatest     = "latest"
	ReleaseLatestBeta = "latest_beta"
)

// GitHubDynamicDependency points at a GitHub repository whose concrete commit
// and package version are found by the resolver chain.
type GitHubDynamicDependency struct {
	GitHub          string   `yaml:"github,omitempty"`
	RepoOwner       string   `yaml:"repo_owner,omitempty"`
	RepoName        string   `yaml:"repo_name,omitempty"`
	Tag             string   `yaml:"tag,omitempty"`
	Ref             string   `yaml:"ref,omitempty"`
	Release         string   `yaml:"release,omitempty"`
	Unmanaged       bool     `yaml:"unmanaged,omitempty"`
	Subfolder       string   `yaml:"subfolder,omitempty"`
	NamespaceInject string   `yaml:"namespace_inject,omitempty"`
	NamespaceStrip  string   `yaml:"namespace_strip,omitempty"`
	Skip            []string `yaml:"skip,omitempty"`

	// Managed is the package version found during resolution, if any.
	Managed *ManagedPackageDependency `yaml:"-"`
}

func (*GitHubDynamicDependency) isDependency() {}

// IsResolved is true once a concrete ref is known.
func (d *GitHubDynamicDependency) IsResolved() bool { return d.Ref != "" }

// IsFlattened is always false: a dynamic dependency expands into static ones.
func (d *GitHubDynamicDependency) IsFlattened() bool { return false }

func (d *GitHubDynamicDependency) Description() string {
	s := d.GitHub
	if s == "" {
		s = "https://github.com/" + d.RepoOwner + "/" + d.RepoName
	}
	switch {
	case d.Tag != "":
		s += "@tag:" + d.Tag
	case d.Ref != "":
		s += "@" + d.Ref
	}
	return "Dependency: " + s
}

// Validate checks the declaration and fills in whichever of github or
// owner/name was left out.
func (d *GitHubDynamicDependency) Validate() error {
	hasURL := d.GitHub != ""
	hasPair := d.RepoOwner != "" && d.RepoName != ""
	if hasURL == hasPair {
		if !hasURL {
			return &ConfigError{Msg: "must specify `github` or `repo_owner` and `repo_name`"}
		}
		return &ConfigError{Msg: "must specify `github` or `repo_owner` and `repo_name`, not both"}
	}

	set := 0
	for _, v := range []string{d.Tag, d.Ref, d.Release} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return &ConfigError{Msg: "`tag`, `ref` and `release` are mutually exclusive"}
	}
	if d.Release != "" && d.Release != ReleaseLatest && d.Release != ReleaseLatestBeta {
		return &ConfigError{Msg: fmt.Sprintf("unknown release selector %q", d.Release)}
	}

	if hasURL {
		owner, name, err := SplitRepoURL(d.GitHub)
		if err != nil {
			return err
		}
		d.RepoOwner, d.RepoName = owner, name
	} else {
		d.GitHub = "https://github.com/" + d.RepoOwner + "/" + d.RepoName
	}
	return nil
}

// WithResolution returns a copy of d carrying res. d is not modified.
func (d *GitHubDynamicDependency) WithResolution(res Resolution) *GitHubDynamicDependency {
	cp := *d
	cp.Skip = append([]string(nil), d.Skip...)
	cp.Ref = res.Ref
	cp.Managed = res.Managed
	return &cp
}

// ManagedPackageDependency is an installable package version, either by
// namespace+version (1GP) or by package version id (2GP).
type ManagedPackageDependency struct {
	Namespace   string `yaml:"namespace,omitempty"`
	Version     string `yaml:"version,omitempty"`
	VersionID   string `yaml:"version_id,omitempty"`
	PackageName string `yaml:"package_name,omitempty"`
}

func (*ManagedPackageDependency) isDependency() {}

func (*ManagedPackageDependency) IsResolved() bool  { return true }
func (*ManagedPackageDependency) IsFlattened() bool { return true }

// Package is the display name of the package.
func (d *ManagedPackageDependency) Package() string {
	switch {
	case d.PackageName != "":
		return d.PackageName
	case d.Namespace != "":
		return d.Namespace
	}
	return "Unknown Package"
}

// StepName is how an install step for this package is labelled.
func (d *ManagedPackageDependency) StepName() string {
	v := d.Version
	if v == "" {
		v = d.VersionID
	}
	return fmt.Sprintf("Install %s version %s", d.Package(), v)
}

func (d *ManagedPackageDependency) Description() string { return d.StepName() }

func (d *ManagedPackageDependency) Validate() error {
	pair := d.Namespace != "" && d.Version != ""
	if !pair && d.VersionID == "" {
		return &ConfigError{Msg: "must specify `namespace` and `version`, or `version_id`"}
	}
	if d.Namespace != "" && d.VersionID != "" {
		return &ConfigError{Msg: "must not specify both `namespace`/`version` and `version_id`"}
	}
	return nil
}

// UnmanagedDependency is metadata deployed from a zip or from a repository
// subfolder at a fixed ref.
type UnmanagedDependency struct {
	ZipURL          string `yaml:"zip_url,omitempty"`
	GitHub          string `yaml:"github,omitempty"`
	RepoURL         string `yaml:"repo_url,omitempty"`
	RepoOwner       string `yaml:"repo_owner,omitempty"`
	RepoName        string `yaml:"repo_name,omitempty"`
	Ref             string `yaml:"ref,omitempty"`
	Subfolder       string `yaml:"subfolder,omitempty"`
	Unmanaged       *bool  `yaml:"unmanaged,omitempty"`
	NamespaceInject string `yaml:"namespace_inject,omitempty"`
	NamespaceStrip  string `yaml:"namespace_strip,omitempty"`
}

func (*UnmanagedDependency) isDependency() {}

func (*UnmanagedDependency) IsResolved() bool  { return true }
func (*UnmanagedDependency) IsFlattened() bool { return true }

// StepName is how a deploy step for this metadata is labelled.
func (d *UnmanagedDependency) StepName() string {
	subfolder := ""
	if d.Subfolder != "" {
		subfolder = "/" + d.Subfolder
	}
	if d.ZipURL != "" {
		return strings.TrimSpace(fmt.Sprintf("Deploy %s %s", d.ZipURL, subfolder))
	}
	if d.Subfolder != "" && d.Subfolder != "src" {
		return "Deploy " + d.RepoName + subfolder
	}
	return "Deploy " + d.RepoName
}

func (d *UnmanagedDependency) Description() string {
	if d.Ref != "" {
		return d.StepName() + "@" + d.Ref
	}
	return d.StepName()
}

func (d *UnmanagedDependency) Validate() error {
	if d.RepoURL != "" && d.GitHub == "" {
		d.GitHub = d.RepoURL
	}
	hasZip := d.ZipURL != ""
	hasURL := d.GitHub != "" && d.Ref != ""
	hasPair := d.RepoOwner != "" && d.RepoName != "" && d.Ref != ""
	if !hasZip && !hasURL && !hasPair {
		return &ConfigError{Msg: "must specify `zip_url`, or `repo_url` and `ref`, or `repo_owner`, `repo_name` and `ref`"}
	}
	if hasZip && (d.GitHub != "" || d.RepoOwner != "") {
		return &ConfigError{Msg: "must specify `zip_url` or a repository, but not both"}
	}
	if d.GitHub != "" && d.RepoOwner != "" {
		return &ConfigError{Msg: "must specify `repo_owner` or `repo_url`, but not both"}
	}

	switch {
	case d.GitHub != "":
		owner, name, err := SplitRepoURL(d.GitHub)
		if err != nil {
			return err
		}
		d.RepoOwner, d.RepoName = owner, name
	case d.RepoName != "":
		d.GitHub = "https://github.com/" + d.RepoOwner + "/" + d.RepoName
	}
	return nil
}

// Resolution is the outcome of running the resolver chain on one dependency.
// The zero value means "nothing found".
type Resolution struct {
	Ref     string
	Managed *ManagedPackageDependency
}

// Found reports whether a ref was produced.
func (r Resolution) Found() bool { return r.Ref != "" }

// SplitRepoURL extracts owner and name from a GitHub repository URL.
func SplitRepoURL(raw string) (owner, name string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", "", &ConfigError{Msg: fmt.Sprintf("invalid repository url %q", raw)}
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &ConfigError{Msg: fmt.Sprintf("repository url %q has no owner/name", raw)}
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
