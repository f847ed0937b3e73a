// Package cli provides the cci command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cci/internal/bulk"
	"cci/internal/config"
	"cci/internal/github"
	"cci/internal/logging"
	"cci/internal/resolver"
	"cci/internal/salesforce"
	"cci/internal/storage"

	// every backend is built in; the database url picks one.
	_ "cci/internal/storage/mssql"
	_ "cci/internal/storage/postgres"
	_ "cci/internal/storage/sqlite"
)

// Version is set at build time.
var Version = "dev"

// deps are the seams between commands and the outside world.
type deps struct {
	openStore   func(ctx context.Context, databaseURL string) (*storage.Store, error)
	newOrg      func(cfg *config.Config, log *slog.Logger) (bulk.Org, error)
	newRepos    func(cfg *config.Config, log *slog.Logger) resolver.RepoSource
	initMetrics func(ctx context.Context, dd config.DatadogConfig, log *slog.Logger) (func(), error)
	now         func() time.Time
}

func defaultDeps() deps {
	return deps{
		openStore:   storage.Open,
		newOrg:      newSalesforceOrg,
		newRepos:    newGitHubRepos,
		initMetrics: initMetrics,
		now:         time.Now,
	}
}

func newSalesforceOrg(cfg *config.Config, log *slog.Logger) (bulk.Org, error) {
	sf := cfg.Salesforce
	if sf.InstanceURL == "" || sf.AccessToken == "" {
		return nil, fmt.Errorf("salesforce.instance_url and salesforce.access_token are required")
	}
	return salesforce.New(salesforce.Config{
		InstanceURL: sf.InstanceURL,
		AccessToken: sf.AccessToken,
		APIVersion:  sf.APIVersion,
		RateLimit:   sf.RateLimit,
		Logger:      log,
	}), nil
}

func newGitHubRepos(cfg *config.Config, log *slog.Logger) resolver.RepoSource {
	return github.New(github.Config{
		BaseURL:   cfg.GitHub.BaseURL,
		Token:     cfg.GitHub.Token,
		RateLimit: cfg.GitHub.RateLimit,
		Logger:    log,
	})
}

// app is the state shared by the commands of one invocation.
type app struct {
	deps
	cfgFile string
	cfg     *config.Config
	log     *slog.Logger
	cleanup func()
}

// NewRootCmd returns the root command with production dependencies.
func NewRootCmd() *cobra.Command {
	root, _ := newRootCmd(defaultDeps())
	return root
}

func newRootCmd(d deps) (*cobra.Command, *app) {
	a := &app{deps: d, log: logging.OrDiscard(nil)}
	root := &cobra.Command{
		Use:   "cci",
		Short: "Resolve project dependencies and move data between orgs and local databases",
		Long: `cci resolves GitHub dependency declarations into installable packages,
extracts org data into a local database and loads it back, driven by a mapping
file that lists one step per object.`,
		Version:           Version,
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ./cci.yml)")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	pf.String("log-format", "", "log format (text|json)")
	pf.String("database-url", "", "local database url (empty for in-memory)")
	pf.String("instance-url", "", "org instance url")
	pf.String("access-token", "", "org access token")
	pf.String("api-version", "", "org API version")
	pf.String("github-token", "", "GitHub token")
	pf.String("github-url", "", "GitHub API base url")
	pf.Bool("datadog", false, "submit metrics to Datadog")

	root.AddCommand(a.newResolveCmd())
	root.AddCommand(a.newExtractCmd())
	root.AddCommand(a.newLoadCmd())
	root.AddCommand(a.newMappingCmd())
	root.AddCommand(a.newQueueCmd())
	root.AddCommand(a.newOrgCmd())
	return root, a
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}
	cfg, err := config.Load(a.cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.Setup(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if cfg.File != "" {
		a.log.Debug("config loaded", "file", cfg.File)
	}

	if cfg.Metrics.Datadog.Enabled {
		cleanup, err := a.initMetrics(cmd.Context(), cfg.Metrics.Datadog, a.log)
		if err != nil {
			a.log.Warn("metrics: datadog backend unavailable, metrics disabled", "err", err)
		} else {
			a.cleanup = cleanup
		}
	}
	return nil
}

// close releases what setup acquired. It runs whether the command failed or not.
func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}

// Execute runs the root command with os.Args.
func Execute(ctx context.Context) error {
	return execute(ctx, defaultDeps(), os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, d deps, args []string, stdout, stderr io.Writer) error {
	root, a := newRootCmd(d)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return err
}
