package dependency

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parse turns one declaration into a Dependency.
//
// Candidates are tried in order: managed package, GitHub dynamic, unmanaged.
// A candidate is rejected when the declaration has keys it does not know or
// when its Validate fails. A GitHub declaration that pins both `ref` and
// `subfolder` is a fixed deploy and parses as UnmanagedDependency.
//
// Errors:
//   - *ConfigError when no candidate accepts the declaration; the message
//     carries the reason each candidate gave.
func Parse(decl map[string]any) (Dependency, error) {
	raw, err := yaml.Marshal(decl)
	if err != nil {
		return nil, fmt.Errorf("dependency: encode declaration: %w", err)
	}

	var reasons []string

	managed := &ManagedPackageDependency{}
	if err := decodeStrict(raw, managed); err != nil {
		reasons = append(reasons, "managed: "+err.Error())
	} else if err := managed.Validate(); err != nil {
		reasons = append(reasons, "managed: "+err.Error())
	} else {
		return managed, nil
	}

	gh := &GitHubDynamicDependency{}
	if err := decodeStrict(raw, gh); err != nil {
		reasons = append(reasons, "github: "+err.Error())
	} else if gh.Ref != "" && gh.Subfolder != "" {
		reasons = append(reasons, "github: ref and subfolder describe a fixed deploy")
	} else if err := gh.Validate(); err != nil {
		reasons = append(reasons, "github: "+err.Error())
	} else {
		return gh, nil
	}

	um := &UnmanagedDependency{}
	if err := decodeStrict(raw, um); err != nil {
		reasons = append(reasons, "unmanaged: "+err.Error())
	} else if err := um.Validate(); err != nil {
		reasons = append(reasons, "unmanaged: "+err.Error())
	} else {
		return um, nil
	}

	return nil, &ConfigError{Msg: fmt.Sprintf("unable to parse dependency %v (%v)", decl, reasons)}
}

// ParseList parses every declaration, failing on the first bad one.
func ParseList(decls []map[string]any) ([]Dependency, error) {
	out := make([]Dependency, 0, len(decls))
	for i, d := range decls {
		dep, err := Parse(d)
		if err != nil {
			return nil, fmt.Errorf("dependency %d: %w", i, err)
		}
		out = append(out, dep)
	}
	return out, nil
}

// ParseYAML parses a YAML sequence of declarations.
func ParseYAML(data []byte) ([]Dependency, error) {
	var decls []map[string]any
	if err := yaml.Unmarshal(data, &decls); err != nil {
		return nil, &ConfigError{Msg: "invalid dependency list: " + err.Error()}
	}
	return ParseList(decls)
}

func decodeStrict(raw []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(out)
}
