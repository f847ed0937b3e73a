package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"cci/internal/bulk"
	"cci/internal/extract"
	"cci/internal/load"
	"cci/internal/mapping"
	"cci/internal/storage"
)

type namespaceFlags struct {
	namespace string
	inject    bool
	strip     bool
}

func (n *namespaceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&n.namespace, "namespace", "", "package namespace of the mapped objects and fields")
	cmd.Flags().BoolVar(&n.inject, "inject-namespace", false, "add the namespace to names the org only knows namespaced")
	cmd.Flags().BoolVar(&n.strip, "strip-namespace", false, "remove the namespace from names the org only knows bare")
}

// session opens the store and the org a data command works on.
func (a *app) session(ctx context.Context) (*storage.Store, bulk.Org, error) {
	org, err := a.newOrg(a.cfg, a.log)
	if err != nil {
		return nil, nil, err
	}
	st, err := a.openStore(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return st, org, nil
}

func (a *app) newExtractCmd() *cobra.Command {
	var ns namespaceFlags
	cmd := &cobra.Command{
		Use:   "extract MAPPING_FILE",
		Short: "Extract org records into the local database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := mapping.ParseFile(args[0], a.log)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, org, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			e := &extract.Engine{
				Store:  st,
				Org:    org,
				Logger: a.log,
				Options: extract.Options{
					DropMissingSchema: a.cfg.Extract.DropMissingSchema,
					Namespace:         ns.namespace,
					InjectNamespace:   ns.inject,
					StripNamespace:    ns.strip,
					SQLPath:           a.cfg.SQLPath,
				},
			}
			res, err := e.Run(ctx, steps)
			if err != nil {
				return err
			}
			for _, s := range res.Steps {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", s.Name, s.Table, s.Records)
			}
			return nil
		},
	}
	cmd.Flags().String("sql-path", "", "also write the extracted tables to this SQL script")
	cmd.Flags().Bool("drop-missing-schema", false, "drop steps and fields the org does not have")
	ns.register(cmd)
	return cmd
}

func (a *app) newLoadCmd() *cobra.Command {
	var (
		ns     namespaceFlags
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "load MAPPING_FILE",
		Short: "Load the local database into the org",
		Long: `Load runs the mapping steps in order against the org and prints the outcome
of every step as a JSON object keyed by step name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := mapping.ParseFile(args[0], a.log)
			if err != nil {
				return err
			}
			mode, err := mapping.ParseBulkMode(a.cfg.Load.BulkMode)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, org, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			lc := a.cfg.Load
			e := &load.Engine{
				Store:  st,
				Org:    org,
				Logger: a.log,
				Now:    a.now,
				Options: load.Options{
					IgnoreRowErrors:   lc.IgnoreRowErrors,
					ResetOIDs:         lc.ResetOIDs,
					StartStep:         lc.StartStep,
					BulkMode:          mode,
					SetRecentlyViewed: lc.SetRecentlyViewed,
					SQLPath:           a.cfg.SQLPath,
					StrictUpsert:      strict,
					DropMissingSchema: a.cfg.Extract.DropMissingSchema,
					Namespace:         ns.namespace,
					InjectNamespace:   ns.inject,
					StripNamespace:    ns.strip,
				},
			}
			res, err := e.Run(ctx, steps)
			if res != nil {
				if perr := printResult(cmd, res); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	cmd.Flags().String("sql-path", "", "SQL script to run against the database before loading")
	cmd.Flags().Bool("ignore-row-errors", false, "log failed rows instead of failing the step")
	cmd.Flags().Bool("reset-oids", true, "recreate the id tables before writing to them")
	cmd.Flags().String("start-step", "", "skip the steps before this one")
	cmd.Flags().Bool("set-recently-viewed", true, "mark loaded records as recently viewed")
	cmd.Flags().String("bulk-mode", "", "default bulk mode for steps that do not set one (Serial|Parallel)")
	cmd.Flags().BoolVar(&strict, "strict-upsert", false, "fail upserts the org cannot run natively")
	ns.register(cmd)
	return cmd
}

func printResult(cmd *cobra.Command, res *load.Result) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res.Steps)
}

func (a *app) newMappingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Work with mapping files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate MAPPING_FILE",
		Short: "Check a mapping file and print the step order, deferred lookup steps included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := mapping.ParseFile(args[0], a.log)
			if err != nil {
				return err
			}
			for _, s := range mapping.Expand(steps) {
				kind := string(s.Action)
				if mapping.IsAfterStep(&s) {
					kind = "after"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", s.Name, s.SObject, kind)
			}
			return nil
		},
	})
	return cmd
}
