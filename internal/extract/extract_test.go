package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cci/internal/bulk"
	"cci/internal/bulk/bulktest"
	"cci/internal/mapping"
	"cci/internal/storage"
	_ "cci/internal/storage/sqlite"
	"cci/internal/testutil"
)

const accountsAndContacts = `
Accounts:
  sf_object: Account
  table: accounts
  fields:
    Name: name
    RecordTypeId: record_type
Contacts:
  sf_object: Contact
  table: contacts
  fields:
    LastName: last_name
  lookups:
    AccountId:
      table: accounts
`

func parse(t *testing.T, doc string) []mapping.Step {
	t.Helper()
	steps, err := mapping.Parse(strings.NewReader(doc), nil)
	require.NoError(t, err)
	return steps
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newOrg() *bulktest.Org {
	org := bulktest.New()
	org.AddObject("RecordType", "012", bulktest.Field("DeveloperName", "string"), bulktest.Field("SObjectType", "string"))
	org.AddObject("Account", "001", bulktest.Field("Name", "string"), bulktest.Field("RecordTypeId", "reference"))
	org.AddObject("Contact", "003", bulktest.Field("LastName", "string"), bulktest.Field("AccountId", "reference"))
	return org
}

func TestSOQL(t *testing.T) {
	s := mapping.Step{SObject: "Account"}
	s.Fields.Set("Name", "name")
	assert.Equal(t, "SELECT Id, Name FROM Account", SOQL(&s))

	s.SOQLFilter = "WHERE Name != 'x'"
	assert.Equal(t, "SELECT Id, Name FROM Account WHERE Name != 'x'", SOQL(&s))

	s.RecordType = "Business"
	assert.Equal(t, "SELECT Id, Name FROM Account WHERE RecordType.DeveloperName = 'Business' AND (Name != 'x')", SOQL(&s))
}

func TestRun_TranslatesLookups(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	org := newOrg()
	rt := org.Seed("RecordType", map[string]string{"DeveloperName": "Business", "SObjectType": "Account"})
	acme := org.Seed("Account", map[string]string{"Name": "Acme", "RecordTypeId": rt})
	org.Seed("Account", map[string]string{"Name": "Beta"})
	org.Seed("Contact", map[string]string{"LastName": "Lovelace", "AccountId": acme})
	org.Seed("Contact", map[string]string{"LastName": "Orphan", "AccountId": "001999999999999"})

	rec, log := testutil.NewRecorder()
	e := &Engine{Store: st, Org: org, Logger: log}
	res, err := e.Run(ctx, parse(t, accountsAndContacts))
	require.NoError(t, err)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, 2, res.Steps[0].Records)
	assert.Equal(t, 2, res.Steps[1].Records)
	assert.Contains(t, rec.Messages(slog.LevelInfo), "Extracting data for sObject Account")

	rows, err := st.QueryStrings(ctx, `SELECT "id", "name", "record_type" FROM "accounts" ORDER BY "id"`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", *rows[0][0])
	assert.Equal(t, "Acme", *rows[0][1])
	assert.Equal(t, rt, *rows[0][2])
	assert.Nil(t, rows[1][2], "empty values are stored as NULL")

	rows, err = st.QueryStrings(ctx, `SELECT "last_name", "AccountId" FROM "contacts" ORDER BY "id"`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", *rows[0][1], "remote id rewritten to the local key")
	assert.Equal(t, "001999999999999", *rows[1][1], "unmatched references are kept")

	rows, err = st.QueryStrings(ctx, `SELECT "record_type_id", "developer_name" FROM "Account_rt_mapping"`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Business", *rows[0][1])

	for _, table := range []string{"accounts_sf_id", "contacts_sf_id"} {
		ok, err := st.TableExists(ctx, table)
		require.NoError(t, err)
		assert.False(t, ok, "%s is dropped", table)
	}
}

func TestRun_IDAsPrimaryKey(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	org := newOrg()
	acme := org.Seed("Account", map[string]string{"Name": "Acme"})
	org.Seed("Contact", map[string]string{"LastName": "Lovelace", "AccountId": acme})

	steps := parse(t, `
Accounts:
  sf_object: Account
  table: accounts
  fields:
    Id: sf_id
    Name: name
Contacts:
  sf_object: Contact
  table: contacts
  fields:
    Id: sf_id
    LastName: last_name
  lookups:
    AccountId:
      table: accounts
`)
	e := &Engine{Store: st, Org: org}
	_, err := e.Run(ctx, steps)
	require.NoError(t, err)

	rows, err := st.QueryStrings(ctx, `SELECT "sf_id", "name" FROM "accounts"`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, acme, *rows[0][0])

	rows, err = st.QueryStrings(ctx, `SELECT "AccountId" FROM "contacts"`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, acme, *rows[0][0], "remote ids are kept as keys")
}

func TestRun_NoRecords(t *testing.T) {
	st := openStore(t)
	rec, log := testutil.NewRecorder()
	e := &Engine{Store: st, Org: newOrg(), Logger: log}
	res, err := e.Run(context.Background(), parse(t, accountsAndContacts))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Steps[0].Records)
	assert.Contains(t, rec.Messages(slog.LevelInfo), "No records found for sObject Account")
}

func TestRun_TableAlreadyExists(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	_, err := st.Exec(ctx, `CREATE TABLE "contacts" ("id" INTEGER)`)
	require.NoError(t, err)

	e := &Engine{Store: st, Org: newOrg()}
	_, err = e.Run(ctx, parse(t, accountsAndContacts))
	var de *bulk.DataError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "Table already exists: contacts", err.Error())
	ok, err := st.TableExists(ctx, "accounts")
	require.NoError(t, err)
	assert.False(t, ok, "no table is created when one exists")
}

// failingOrg breaks the result stream of every query after a number of rows.
type failingOrg struct {
	*bulktest.Org
	after int
}

func (o failingOrg) Query(sobject, soql string, opts bulk.Options) bulk.QueryOperation {
	return &failingQuery{QueryOperation: o.Org.Query(sobject, soql, opts), after: o.after}
}

type failingQuery struct {
	bulk.QueryOperation
	after int
}

func (q *failingQuery) Results(ctx context.Context) (bulk.RowIterator, error) {
	it, err := q.QueryOperation.Results(ctx)
	if err != nil {
		return nil, err
	}
	return &failingRows{RowIterator: it, left: q.after}, nil
}

type failingRows struct {
	bulk.RowIterator
	left int
}

func (r *failingRows) Next(ctx context.Context) ([]string, error) {
	if r.left == 0 {
		return nil, errors.New("connection reset by peer")
	}
	r.left--
	return r.RowIterator.Next(ctx)
}

func TestRun_StreamFailureLeavesNoTables(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	org := newOrg()
	for i := 0; i < 1500; i++ {
		org.Seed("Account", map[string]string{"Name": fmt.Sprintf("Account %d", i)})
	}

	// header plus more rows than one insert chunk
	e := &Engine{Store: st, Org: failingOrg{Org: org, after: 1 + insertChunk + 200}}
	_, err := e.Run(ctx, parse(t, accountsAndContacts))
	require.EqualError(t, err, "connection reset by peer")
	for _, table := range []string{"accounts", "accounts_sf_id", "Account_rt_mapping", "contacts", "contacts_sf_id"} {
		ok, err := st.TableExists(ctx, table)
		require.NoError(t, err)
		assert.False(t, ok, "%s is dropped", table)
	}

	e = &Engine{Store: st, Org: org}
	res, err := e.Run(ctx, parse(t, accountsAndContacts))
	require.NoError(t, err, "a failed run can be retried")
	assert.Equal(t, 1500, res.Steps[0].Records)
	rows, err := st.QueryStrings(ctx, `SELECT COUNT(*) FROM "accounts"`)
	require.NoError(t, err)
	assert.Equal(t, "1500", *rows[0][0])
}

func TestRun_QueryFailure(t *testing.T) {
	st := openStore(t)
	e := &Engine{Store: st, Org: newOrg()}
	steps := parse(t, `
Accounts:
  sf_object: Account
  table: accounts
  soql_filter: "Name LIKE 'A%'"
  fields:
    Name: name
`)
	_, err := e.Run(context.Background(), steps)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "Unable to execute query: "), err.Error())
}

func TestRun_MissingSchema(t *testing.T) {
	steps := parse(t, `
Widgets:
  sf_object: Widget__c
  table: widgets
  fields:
    Name: name
Accounts:
  sf_object: Account
  table: accounts
  fields:
    Name: name
`)
	e := &Engine{Store: openStore(t), Org: newOrg()}
	_, err := e.Run(context.Background(), steps)
	var ce *mapping.ConfigError
	require.ErrorAs(t, err, &ce)

	e = &Engine{Store: openStore(t), Org: newOrg(), Options: Options{DropMissingSchema: true}}
	res, err := e.Run(context.Background(), steps)
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "Accounts", res.Steps[0].Name)
}

func TestRun_SQLPath(t *testing.T) {
	ctx := context.Background()
	org := newOrg()
	org.Seed("Account", map[string]string{"Name": "O'Brien"})
	path := filepath.Join(t.TempDir(), "out.sql")

	e := &Engine{Store: openStore(t), Org: org, Options: Options{SQLPath: path}}
	_, err := e.Run(ctx, parse(t, accountsAndContacts))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	script := string(data)
	assert.Contains(t, script, `CREATE TABLE "accounts"`)
	assert.Contains(t, script, `'O''Brien'`)
	assert.NotContains(t, script, "_sf_id")

	replay := openStore(t)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, replay.ExecScript(ctx, f))
	rows, err := replay.QueryStrings(ctx, `SELECT "name" FROM "accounts"`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "O'Brien", *rows[0][0])
}
