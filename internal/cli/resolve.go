package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"cci/internal/dependency"
	"cci/internal/resolver"
)

func (a *app) newResolveCmd() *cobra.Command {
	var (
		strategy      string
		branch        string
		featurePrefix string
		ignore        []string
	)
	cmd := &cobra.Command{
		Use:   "resolve DEPENDENCIES_FILE",
		Short: "Resolve a dependency list to managed and unmanaged packages",
		Long: `Resolve reads a YAML list of dependency declarations, resolves every GitHub
reference with the chosen strategy preset and prints the flattened install
order, one dependency per line.

Entries of --ignore that look like urls match GitHub repositories; anything
else matches a package namespace.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read dependencies: %w", err)
			}
			deps, err := dependency.ParseYAML(raw)
			if err != nil {
				return err
			}
			chain, err := resolver.Preset(strategy)
			if err != nil {
				return err
			}

			rc := &resolver.Context{
				Repos:         resolver.NewRepoCache(a.newRepos(a.cfg, a.log)),
				CurrentBranch: branch,
				FeaturePrefix: featurePrefix,
				Logger:        a.log,
			}
			out, err := resolver.ResolveAll(cmd.Context(), deps, chain, rc, resolver.StaticOptions{Ignore: ignoreRules(ignore)})
			if err != nil {
				return err
			}
			for _, d := range out {
				fmt.Fprintln(cmd.OutOrStdout(), d.Description())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "production", "resolution strategy preset")
	cmd.Flags().StringVar(&branch, "branch", "", "current project branch, for commit status strategies")
	cmd.Flags().StringVar(&featurePrefix, "feature-prefix", "feature/", "feature branch prefix")
	cmd.Flags().StringSliceVar(&ignore, "ignore", nil, "GitHub url or namespace to leave out (repeatable)")
	return cmd
}

func ignoreRules(values []string) []resolver.IgnoreRule {
	var rules []resolver.IgnoreRule
	for _, v := range values {
		if strings.Contains(v, "://") {
			rules = append(rules, resolver.IgnoreRule{GitHub: v})
		} else {
			rules = append(rules, resolver.IgnoreRule{Namespace: v})
		}
	}
	return rules
}
