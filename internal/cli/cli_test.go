package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cci/internal/bulk"
	"cci/internal/bulk/bulktest"
	"cci/internal/config"
	"cci/internal/github"
	"cci/internal/load"
	"cci/internal/metrics"
	"cci/internal/metrics/datadog"
	"cci/internal/resolver"
	"cci/internal/storage"
)

// run executes the cli and captures its output.
func run(t *testing.T, d deps, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), d, args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func testDeps(org bulk.Org) deps {
	d := defaultDeps()
	d.newOrg = func(*config.Config, *slog.Logger) (bulk.Org, error) {
		if org == nil {
			return nil, errors.New("no org in this test")
		}
		return org, nil
	}
	d.initMetrics = func(context.Context, config.DatadogConfig, *slog.Logger) (func(), error) {
		return nil, errors.New("metrics are off in tests")
	}
	return d
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

const accountsWithParents = `
Accounts:
  sf_object: Account
  table: accounts
  fields:
    Name: name
  lookups:
    ParentId:
      table: accounts
      after: Accounts
Contacts:
  sf_object: Contact
  table: contacts
  fields:
    LastName: last_name
  lookups:
    AccountId:
      table: accounts
`

func TestMappingValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "mapping.yml", accountsWithParents)

	out, _, err := run(t, testDeps(nil), "mapping", "validate", path)
	require.NoError(t, err)
	assert.Equal(t, "Accounts\tAccount\tinsert\n"+
		"Update Account Dependencies After Accounts\tAccount\tafter\n"+
		"Contacts\tContact\tinsert\n", out)
}

func TestMappingValidate_BadFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "mapping.yml", "Accounts:\n  sf_object: Account\n  oid_as_pk: true\n")

	_, stderr, err := run(t, testDeps(nil), "mapping", "validate", path)
	require.Error(t, err)
	assert.Contains(t, stderr, "Error: ")
}

func TestSetup_InvalidConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "mapping.yml", accountsWithParents)

	_, _, err := run(t, testDeps(nil), "--log-level", "loud", "mapping", "validate", path)
	assert.ErrorContains(t, err, "log.level")
}

func newOrg() *bulktest.Org {
	org := bulktest.New()
	org.AddObject("RecordType", "012", bulktest.Field("DeveloperName", "string"), bulktest.Field("SObjectType", "string"))
	org.AddObject("Account", "001", bulktest.Field("Name", "string"), bulktest.Field("ParentId", "reference"))
	org.AddObject("Contact", "003", bulktest.Field("LastName", "string"), bulktest.Field("AccountId", "reference"))
	return org
}

func TestExtractThenLoad(t *testing.T) {
	t.Chdir(t.TempDir())
	mappingFile := writeFile(t, "mapping.yml", accountsWithParents)
	dbURL := "sqlite:///" + filepath.Join(t.TempDir(), "data.db")

	source := newOrg()
	parent := source.Seed("Account", map[string]string{"Name": "Parent"})
	child := source.Seed("Account", map[string]string{"Name": "Child", "ParentId": parent})
	source.Seed("Contact", map[string]string{"LastName": "Lovelace", "AccountId": child})

	out, _, err := run(t, testDeps(source), "--database-url", dbURL, "extract", mappingFile)
	require.NoError(t, err)
	assert.Equal(t, "Accounts\taccounts\t2\nContacts\tcontacts\t1\n", out)

	target := newOrg()
	out, _, err = run(t, testDeps(target), "--database-url", dbURL, "load", "--set-recently-viewed=false", mappingFile)
	require.NoError(t, err)

	var steps map[string]load.StepResult
	require.NoError(t, json.Unmarshal([]byte(out), &steps))
	assert.Equal(t, 2, steps["Accounts"].RecordsProcessed)
	assert.Equal(t, 1, steps["Contacts"].RecordsProcessed)
	assert.Equal(t, bulk.StatusSuccess, steps["Contacts"].Status)

	var loadedParent, loadedChild map[string]string
	for _, r := range target.Records("Account") {
		switch r["Name"] {
		case "Parent":
			loadedParent = r
		case "Child":
			loadedChild = r
		}
	}
	require.NotNil(t, loadedParent)
	require.NotNil(t, loadedChild)
	assert.Equal(t, loadedParent["Id"], loadedChild["ParentId"])
	contacts := target.Records("Contact")
	require.Len(t, contacts, 1)
	assert.Equal(t, loadedChild["Id"], contacts[0]["AccountId"])

	st, err := storage.Open(context.Background(), dbURL)
	require.NoError(t, err)
	defer st.Close()
	ok, err := st.TableExists(context.Background(), "accounts_sf_ids")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoad_PrintsResultOnFailure(t *testing.T) {
	t.Chdir(t.TempDir())
	mappingFile := writeFile(t, "mapping.yml", accountsWithParents)
	dbURL := "sqlite:///" + filepath.Join(t.TempDir(), "data.db")

	st, err := storage.Open(context.Background(), dbURL)
	require.NoError(t, err)
	for _, s := range []string{
		`CREATE TABLE accounts (id INTEGER PRIMARY KEY, name TEXT, "ParentId" TEXT)`,
		`INSERT INTO accounts VALUES (1, 'Parent', NULL)`,
		`CREATE TABLE contacts (id INTEGER PRIMARY KEY, last_name TEXT, "AccountId" TEXT)`,
	} {
		_, err := st.Exec(context.Background(), s)
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	org := newOrg()
	org.FailJob("Account", "InvalidBatch")
	out, _, err := run(t, testDeps(org), "--database-url", dbURL, "load", "--set-recently-viewed=false", mappingFile)
	require.Error(t, err)
	assert.True(t, bulk.IsJobFailure(err))

	var steps map[string]load.StepResult
	require.NoError(t, json.Unmarshal([]byte(out), &steps))
	assert.Equal(t, bulk.StatusJobFailure, steps["Accounts"].Status)
	assert.NotContains(t, steps, "Contacts")
}

func TestLoad_RequiresOrgCredentials(t *testing.T) {
	t.Chdir(t.TempDir())
	mappingFile := writeFile(t, "mapping.yml", accountsWithParents)

	d := testDeps(nil)
	d.newOrg = newSalesforceOrg
	_, _, err := run(t, d, "load", mappingFile)
	assert.ErrorContains(t, err, "salesforce.instance_url")
}

func TestOrgInfo(t *testing.T) {
	t.Chdir(t.TempDir())
	org := newOrg()
	org.AddObject("Person", "a00", bulktest.Field("Name", "string"))

	out, _, err := run(t, testDeps(org), "org", "info")
	require.NoError(t, err)
	assert.Equal(t, "sobjects\t4\nperson_accounts\tfalse\n", out)
}

// fakeGitHub serves Org/Widgets at tag release/1.0.
func fakeGitHub(t *testing.T) string {
	t.Helper()
	project := "project:\n  package:\n    name: Widgets\n    namespace: wdg\n"
	r := chi.NewRouter()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	r.Route("/repos/Org/Widgets", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]any{
				"name": "Widgets", "default_branch": "main",
				"clone_url": "https://github.com/Org/Widgets.git",
				"owner":     map[string]string{"login": "Org"},
			})
		})
		r.Get("/releases", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, []map[string]any{{"name": "1.0", "tag_name": "release/1.0"}})
		})
		r.Get("/releases/tags/*", func(w http.ResponseWriter, r *http.Request) {
			if chi.URLParam(r, "*") != "release/1.0" {
				http.NotFound(w, r)
				return
			}
			writeJSON(w, map[string]any{"name": "1.0", "tag_name": "release/1.0"})
		})
		r.Get("/git/ref/tags/*", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]any{"object": map[string]string{"type": "tag", "sha": "annotated1"}})
		})
		r.Get("/git/tags/{sha}", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]any{"object": map[string]string{"type": "commit", "sha": "commit1"}})
		})
		r.Get("/contents/*", func(w http.ResponseWriter, r *http.Request) {
			switch chi.URLParam(r, "*") {
			case "cumulusci.yml":
				writeJSON(w, map[string]any{"type": "file", "encoding": "base64", "content": base64.StdEncoding.EncodeToString([]byte(project))})
			case "unpackaged/post":
				writeJSON(w, []map[string]any{{"name": "config", "type": "dir"}, {"name": "README.md", "type": "file"}})
			default:
				http.NotFound(w, r)
			}
		})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestResolve(t *testing.T) {
	t.Chdir(t.TempDir())
	deps := writeFile(t, "deps.yml", `
- namespace: npe01
  version: "3.16"
- github: https://github.com/Org/Widgets
  tag: release/1.0
`)
	d := testDeps(nil)
	d.newRepos = func(cfg *config.Config, log *slog.Logger) resolver.RepoSource {
		return github.New(github.Config{BaseURL: cfg.GitHub.BaseURL, RateLimit: 1000, Logger: log})
	}
	base := fakeGitHub(t)

	out, _, err := run(t, d, "--github-url", base, "resolve", deps)
	require.NoError(t, err)
	assert.Equal(t, "Install npe01 version 3.16\n"+
		"Install Widgets version 1.0\n"+
		"Deploy Widgets/unpackaged/post/config@commit1\n", out)

	out, _, err = run(t, d, "--github-url", base, "resolve", "--ignore", "npe01", deps)
	require.NoError(t, err)
	assert.NotContains(t, out, "npe01")

	_, _, err = run(t, d, "--github-url", base, "resolve", "--strategy", "nope", deps)
	assert.Error(t, err)
}

func TestIgnoreRules(t *testing.T) {
	assert.Equal(t, []resolver.IgnoreRule{
		{GitHub: "https://github.com/Org/Widgets"},
		{Namespace: "npe01"},
	}, ignoreRules([]string{"https://github.com/Org/Widgets", "npe01"}))
	assert.Nil(t, ignoreRules(nil))
}

type fakeBackend struct {
	closed int
}

func (*fakeBackend) IncCounter(string, float64, metrics.Labels)       {}
func (*fakeBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *fakeBackend) Close() error                                   { b.closed++; return nil }

func TestSetup_DatadogFlag(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "mapping.yml", accountsWithParents)

	var (
		got     config.DatadogConfig
		cleaned int
	)
	d := testDeps(nil)
	d.initMetrics = func(_ context.Context, dd config.DatadogConfig, _ *slog.Logger) (func(), error) {
		got = dd
		return func() { cleaned++ }, nil
	}

	_, _, err := run(t, d, "--datadog", "mapping", "validate", path)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "cci", got.JobName)
	assert.Equal(t, 1, cleaned, "metrics are flushed once the command is done")

	cleaned = 0
	_, _, err = run(t, d, "mapping", "validate", path)
	require.NoError(t, err)
	assert.Zero(t, cleaned, "metrics stay off by default")
}

func TestInitMetrics_WiresBackendAndCloses(t *testing.T) {
	b := &fakeBackend{}
	var installed []any

	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	t.Cleanup(func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet })

	var gotTags []string
	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		gotTags = opts.Tags
		return b, nil
	}
	setMetricsBackend = func(mb metrics.Backend) { installed = append(installed, mb) }

	cleanup, err := initMetrics(context.Background(), config.DatadogConfig{
		JobName: "nightly", Tags: []string{"env:ci,team:data"}, FlushEvery: time.Second,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Equal(t, []string{"env:ci", "team:data"}, gotTags)
	require.Len(t, installed, 1)

	cleanup()
	assert.Equal(t, 1, b.closed)
	require.Len(t, installed, 2)
	assert.Nil(t, installed[1], "the no-op backend is restored")
}

func TestInitMetrics_BackendError(t *testing.T) {
	oldNew := newDatadogBackend
	t.Cleanup(func() { newDatadogBackend = oldNew })
	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) {
		return nil, errors.New("no api key")
	}

	cleanup, err := initMetrics(context.Background(), config.DatadogConfig{}, slog.New(slog.DiscardHandler))
	assert.ErrorContains(t, err, "no api key")
	assert.Nil(t, cleanup)
}

// TestQueueHelper is the job command of TestQueue.
func TestQueueHelper(t *testing.T) {
	if os.Getenv("CCI_WANT_QUEUE_HELPER") != "1" {
		return
	}
	dir := os.Args[len(os.Args)-1]
	if strings.HasSuffix(dir, "job_1") && os.Getenv("CCI_QUEUE_HELPER_FAIL") == "1" {
		os.Exit(5)
	}
	if err := os.WriteFile(filepath.Join(dir, "done.txt"), []byte("done"), 0o644); err != nil {
		os.Exit(4)
	}
	os.Exit(0)
}

func TestQueue(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CCI_WANT_QUEUE_HELPER", "1")
	dir := t.TempDir()
	args := []string{"queue", "--dir", dir, "--jobs", "3", "--poll", "5ms", "--num-workers", "2", "--queue-size", "1",
		"--", os.Args[0], "-test.run=^TestQueueHelper$", "--"}

	out, _, err := run(t, testDeps(nil), args...)
	require.NoError(t, err)
	for _, n := range []string{"job_0", "job_1", "job_2"} {
		assert.Contains(t, out, "ok\t"+filepath.Join(dir, "jobs_outbox", n)+"\n")
		assert.FileExists(t, filepath.Join(dir, "jobs_outbox", n, "done.txt"))
	}

	t.Setenv("CCI_QUEUE_HELPER_FAIL", "1")
	dir2 := t.TempDir()
	args[2] = dir2
	out, _, err = run(t, testDeps(nil), args...)
	assert.ErrorContains(t, err, "1 of 3 jobs failed")
	assert.Contains(t, out, "failed\t"+filepath.Join(dir2, "failures", "job_1")+"\n")
	assert.FileExists(t, filepath.Join(dir2, "failures", "job_1", "exception.txt"))
}
