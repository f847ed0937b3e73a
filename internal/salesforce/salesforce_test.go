package salesforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cci/internal/bulk"
	"cci/internal/httpclient"
)

const dataBase = "/services/data/v62.0"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+body)
}

// fakeOrg records the calls it receives.
type fakeOrg struct {
	mu        sync.Mutex
	describes int
	bodies    []map[string]any
	paths     []string
}

func (f *fakeOrg) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	if r.Body == nil {
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		f.bodies = append(f.bodies, body)
	}
}

func newTestClient(t *testing.T, r http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(Config{
		InstanceURL:  srv.URL,
		AccessToken:  "00Dtoken",
		RateLimit:    1000,
		MaxRetries:   1,
		PollInterval: time.Millisecond,
	})
}

func describeRoutes(f *fakeOrg, r chi.Router) {
	r.Get(dataBase+"/sobjects/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sobjects": []map[string]any{
			{"name": "Account", "createable": true, "updateable": true, "queryable": true},
		}})
	})
	r.Get(dataBase+"/sobjects/{name}/describe", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.describes++
		f.mu.Unlock()
		name := chi.URLParam(r, "name")
		fields := []map[string]any{
			{"name": "Id", "type": "id"},
			{"name": "Name", "type": "string", "createable": true},
			{"name": "Phone", "type": "phone", "createable": true, "nillable": true},
			{"name": "IsActive__c", "type": "boolean", "createable": true},
		}
		if name == "Account" {
			fields = append(fields, map[string]any{"name": "IsPersonAccount", "type": "boolean"})
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": name, "fields": fields})
	})
}

func TestDescribeCache(t *testing.T) {
	f := &fakeOrg{}
	r := chi.NewRouter()
	describeRoutes(f, r)
	c := newTestClient(t, r)
	ctx := context.Background()

	global, err := c.Describes().DescribeGlobal(ctx)
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.True(t, global[0].Createable)

	for i := 0; i < 3; i++ {
		d, err := c.Describes().Describe(ctx, "account")
		require.NoError(t, err)
		assert.Equal(t, "account", d.Name)
	}
	assert.Equal(t, 1, f.describes)

	c.Describes().Refresh()
	_, err = c.Describes().Describe(ctx, "Account")
	require.NoError(t, err)
	assert.Equal(t, 2, f.describes)

	ok, err := IsPersonAccountsEnabled(ctx, c.Describes())
	require.NoError(t, err)
	assert.True(t, ok)

	many, err := bulk.DescribeMany(ctx, c, []string{"Contact", "Account", "Lead"})
	require.NoError(t, err)
	assert.Equal(t, "Contact", many[0].Name)
	assert.Equal(t, "Lead", many[2].Name)
}

func TestQueryAll_FollowsNextRecordsURL(t *testing.T) {
	r := chi.NewRouter()
	r.Get(dataBase+"/query/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SELECT Id FROM Account", r.URL.Query().Get("q"))
		writeJSON(w, http.StatusOK, map[string]any{
			"totalSize": 2, "done": false, "nextRecordsUrl": dataBase + "/query/01g-2000",
			"records": []map[string]any{{"Id": "001A"}},
		})
	})
	r.Get(dataBase+"/query/{locator}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "01g-2000", chi.URLParam(r, "locator"))
		writeJSON(w, http.StatusOK, map[string]any{"totalSize": 2, "done": true, "records": []map[string]any{{"Id": "001B"}}})
	})
	c := newTestClient(t, r)

	recs, err := c.QueryAll(context.Background(), "SELECT Id FROM Account")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "001B", recs[1]["Id"])
}

func TestSmartQuery_UsesRESTBelowThreshold(t *testing.T) {
	r := chi.NewRouter()
	r.Get(dataBase+"/query/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if strings.HasPrefix(q, "SELECT COUNT()") {
			assert.Equal(t, "SELECT COUNT() FROM Account WHERE RecordType.DeveloperName = 'Business'", q)
			writeJSON(w, http.StatusOK, map[string]any{"totalSize": 2, "done": true, "records": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"totalSize": 2, "done": true, "records": []map[string]any{
			{"attributes": map[string]any{"type": "Account"}, "Id": "001A", "Name": "Acme", "IsActive__c": true, "RecordType": map[string]any{"DeveloperName": "Business"}},
			{"attributes": map[string]any{"type": "Account"}, "Id": "001B", "Name": nil, "IsActive__c": false, "RecordType": nil},
		}})
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	op := c.Query("Account", "SELECT Id, Name, IsActive__c, RecordType.DeveloperName FROM Account WHERE RecordType.DeveloperName = 'Business'", bulk.Options{API: bulk.APISmart})
	require.NoError(t, op.Query(ctx))
	assert.Equal(t, bulk.StatusSuccess, op.JobResult().Status)

	it, err := op.Results(ctx)
	require.NoError(t, err)
	rows, err := bulk.DrainRows(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Id", "Name", "IsActive__c", "RecordType.DeveloperName"},
		{"001A", "Acme", "true", "Business"},
		{"001B", "", "false", ""},
	}, rows)
}

func TestRESTQuery_FailureIsJobFailure(t *testing.T) {
	r := chi.NewRouter()
	r.Get(dataBase+"/query/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, []map[string]string{{"errorCode": "INVALID_FIELD", "message": "No such column 'Nope'"}})
	})
	c := newTestClient(t, r)

	op := c.Query("Account", "SELECT Nope FROM Account", bulk.Options{API: bulk.APIREST})
	require.NoError(t, op.Query(context.Background()))
	res := op.JobResult()
	assert.Equal(t, bulk.StatusJobFailure, res.Status)
	require.Len(t, res.JobErrors, 1)
	assert.Contains(t, res.JobErrors[0], "INVALID_FIELD: No such column 'Nope'")
}

func runDML(t *testing.T, op bulk.DMLOperation, rows [][]string) []bulk.Result {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, op.Start(ctx))
	require.NoError(t, op.LoadRecords(ctx, bulk.NewSliceRows(rows)))
	require.NoError(t, op.End(ctx))
	it, err := op.Results(ctx)
	require.NoError(t, err)
	var out []bulk.Result
	for {
		r, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, r)
	}
}

func TestRESTInsert_CollectionsRequest(t *testing.T) {
	f := &fakeOrg{}
	r := chi.NewRouter()
	describeRoutes(f, r)
	r.Post(dataBase+"/composite/sobjects", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusOK, []map[string]any{
			{"id": "001A", "success": true, "errors": []any{}},
			{"success": false, "errors": []map[string]any{{"statusCode": "REQUIRED_FIELD_MISSING", "message": "Required fields are missing: [Name]", "fields": []string{"Name"}}}},
		})
	})
	c := newTestClient(t, r)

	op := c.DML("Account", bulk.OpInsert, []string{"Name", "Phone", "IsActive__c"}, bulk.Options{API: bulk.APIREST})
	results := runDML(t, op, [][]string{{"Acme", "", "true"}, {"", "555", "false"}})

	require.Len(t, results, 2)
	assert.Equal(t, bulk.Result{ID: "001A", Success: true}, results[0])
	assert.Equal(t, "REQUIRED_FIELD_MISSING: Required fields are missing: [Name] (Name)", results[1].Error)

	job := op.JobResult()
	assert.Equal(t, bulk.StatusRowFailure, job.Status)
	assert.Equal(t, 2, job.RecordsProcessed)
	assert.Equal(t, 1, job.TotalRowErrors)

	require.Len(t, f.bodies, 1)
	assert.Equal(t, false, f.bodies[0]["allOrNone"])
	recs := f.bodies[0]["records"].([]any)
	first := recs[0].(map[string]any)
	assert.Equal(t, map[string]any{"type": "Account"}, first["attributes"])
	assert.Equal(t, true, first["IsActive__c"])
	assert.Nil(t, first["Phone"])
	assert.Contains(t, first, "Phone")
}

func TestRESTInsert_RetriesRecordsIndividually(t *testing.T) {
	f := &fakeOrg{}
	r := chi.NewRouter()
	describeRoutes(f, r)
	r.Post(dataBase+"/composite/sobjects", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	r.Post(dataBase+"/sobjects/Account", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		body := f.bodies[len(f.bodies)-1]
		f.mu.Unlock()
		if body["Name"] == nil {
			writeJSON(w, http.StatusBadRequest, []map[string]any{{"errorCode": "REQUIRED_FIELD_MISSING", "message": "Name missing"}})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": "001" + body["Name"].(string), "success": true, "errors": []any{}})
	})
	c := newTestClient(t, r)

	op := c.DML("Account", bulk.OpInsert, []string{"Name"}, bulk.Options{API: bulk.APIREST})
	results := runDML(t, op, [][]string{{"X"}, {""}, {"Y"}})

	require.Len(t, results, 3)
	assert.Equal(t, bulk.Result{ID: "001X", Success: true}, results[0])
	assert.False(t, results[1].Success)
	assert.Equal(t, "HTTP 400: REQUIRED_FIELD_MISSING: Name missing", results[1].Error)
	assert.Equal(t, "001Y", results[2].ID)
	for _, b := range f.bodies {
		assert.NotContains(t, b, "attributes")
	}
}

func TestRESTUpdate_UnrecoverableFailureFailsEveryRecord(t *testing.T) {
	f := &fakeOrg{}
	r := chi.NewRouter()
	describeRoutes(f, r)
	r.Patch(dataBase+"/composite/sobjects", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, []map[string]string{{"errorCode": "INVALID_TYPE", "message": "bad"}})
	})
	c := newTestClient(t, r)

	results := runDML(t, c.DML("Account", bulk.OpUpdate, []string{"Id", "Name"}, bulk.Options{API: bulk.APIREST}),
		[][]string{{"001A", "a"}, {"001B", "b"}})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.False(t, res.Success)
		assert.Equal(t, "HTTP 400: INVALID_TYPE: bad", res.Error)
	}
}

func TestRESTDelete_SendsIDs(t *testing.T) {
	r := chi.NewRouter()
	r.Delete(dataBase+"/composite/sobjects", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "001A,001B", r.URL.Query().Get("ids"))
		assert.Equal(t, "false", r.URL.Query().Get("allOrNone"))
		writeJSON(w, http.StatusOK, []map[string]any{{"id": "001A", "success": true}, {"id": "001B", "success": true}})
	})
	c := newTestClient(t, r)

	results := runDML(t, c.DML("Account", bulk.OpDelete, []string{"Id"}, bulk.Options{API: bulk.APIREST}), [][]string{{"001A"}, {"001B"}})
	require.Len(t, results, 2)
	assert.True(t, results[1].Success)
}

func TestRESTHardDeleteIsRejected(t *testing.T) {
	c := New(Config{InstanceURL: "http://127.0.0.1:0"})
	op := &restDML{c: c, sobject: "Account", op: bulk.OpHardDelete, fields: []string{"Id"}}
	assert.ErrorContains(t, op.Start(context.Background()), "not supported by the REST API")

	_, isBulk := c.DML("Account", bulk.OpHardDelete, []string{"Id"}, bulk.Options{API: bulk.APIREST}).(*bulkDML)
	assert.True(t, isBulk, "hard delete always uses the Bulk API")
}

const batchList = `<batchInfoList xmlns="http://www.force.com/2009/06/asyncapi/dataload">%s</batchInfoList>`

func bulkRoutes(t *testing.T, f *fakeOrg, r chi.Router, polls *int) {
	base := "/services/async/62.0/job"
	r.Post(base, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "00Dtoken", r.Header.Get("X-SFDC-Session"))
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.paths = append(f.paths, "job "+string(body))
		f.mu.Unlock()
		writeXML(w, `<jobInfo xmlns="http://www.force.com/2009/06/asyncapi/dataload"><id>750J</id><state>Open</state></jobInfo>`)
	})
	r.Post(base+"/750J/batch", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.paths = append(f.paths, "batch "+string(body))
		f.mu.Unlock()
		writeXML(w, `<batchInfo xmlns="http://www.force.com/2009/06/asyncapi/dataload"><id>751B</id><state>Queued</state></batchInfo>`)
	})
	r.Post(base+"/750J", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<state>Closed</state>")
		writeXML(w, `<jobInfo><id>750J</id><state>Closed</state></jobInfo>`)
	})
	r.Get(base+"/750J/batch", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		*polls++
		n := *polls
		f.mu.Unlock()
		if n == 1 {
			writeXML(w, fmt.Sprintf(batchList, `<batchInfo><id>751B</id><state>InProgress</state></batchInfo>`))
			return
		}
		writeXML(w, fmt.Sprintf(batchList, `<batchInfo><id>751B</id><state>Completed</state><numberRecordsProcessed>2</numberRecordsProcessed><numberRecordsFailed>1</numberRecordsFailed></batchInfo>`))
	})
}

func TestBulkDML_Lifecycle(t *testing.T) {
	f := &fakeOrg{}
	polls := 0
	r := chi.NewRouter()
	bulkRoutes(t, f, r, &polls)
	r.Get("/services/async/62.0/job/750J/batch/751B/result", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "\"Id\",\"Success\",\"Created\",\"Error\"\n\"001A\",\"true\",\"true\",\"\"\n\"\",\"false\",\"false\",\"DUPLICATE_VALUE:dup\"\n")
	})
	c := newTestClient(t, r)

	op := c.DML("Account", bulk.OpUpsert, []string{"Name", "Ext__c"}, bulk.Options{API: bulk.APIBulk, BulkMode: "Serial", ExternalIDField: "Ext__c"})
	results := runDML(t, op, [][]string{{"Acme", "1"}, {"Beta", "2"}})

	require.Len(t, results, 2)
	assert.Equal(t, "001A", results[0].ID)
	assert.Equal(t, "DUPLICATE_VALUE:dup", results[1].Error)
	assert.Equal(t, bulk.StatusRowFailure, op.JobResult().Status)
	assert.Equal(t, 2, polls)

	require.GreaterOrEqual(t, len(f.paths), 2)
	job := f.paths[0]
	assert.Contains(t, job, "<operation>upsert</operation>")
	assert.Contains(t, job, "<externalIdFieldName>Ext__c</externalIdFieldName>")
	assert.Contains(t, job, "<concurrencyMode>Serial</concurrencyMode>")
	assert.Contains(t, job, "<contentType>CSV</contentType>")
	assert.Equal(t, "batch Name,Ext__c\nAcme,1\nBeta,2\n", f.paths[1])
}

func TestBulkQuery_MergesResultFiles(t *testing.T) {
	f := &fakeOrg{}
	polls := 0
	r := chi.NewRouter()
	bulkRoutes(t, f, r, &polls)
	base := "/services/async/62.0/job/750J/batch/751B/result"
	r.Get(base, func(w http.ResponseWriter, _ *http.Request) {
		writeXML(w, `<result-list xmlns="http://www.force.com/2009/06/asyncapi/dataload"><result>752a</result><result>752b</result></result-list>`)
	})
	r.Get(base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "752a" {
			_, _ = io.WriteString(w, "\"Id\",\"Name\"\n\"001A\",\"Acme\"\n")
			return
		}
		_, _ = io.WriteString(w, "\"Id\",\"Name\"\n\"001B\",\"Beta\"\n")
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	op := c.Query("Account", "SELECT Id, Name FROM Account", bulk.Options{API: bulk.APIBulk})
	require.NoError(t, op.Query(ctx))
	it, err := op.Results(ctx)
	require.NoError(t, err)
	rows, err := bulk.DrainRows(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Id", "Name"}, {"001A", "Acme"}, {"001B", "Beta"}}, rows)
	assert.Contains(t, f.paths[0], "<operation>query</operation>")
	assert.Equal(t, "batch SELECT Id, Name FROM Account", f.paths[1])
}

func TestSmartDML_SwitchesToBulkAboveThreshold(t *testing.T) {
	c := New(Config{InstanceURL: "http://127.0.0.1:0", SmartThreshold: 2})
	op := c.DML("Account", bulk.OpInsert, []string{"Name"}, bulk.Options{}).(*smartDML)

	// Start must not talk to the org; the decision waits for the records.
	require.NoError(t, op.Start(context.Background()))
	assert.Nil(t, op.inner)
	assert.Equal(t, bulk.StatusSuccess, op.JobResult().Status)
}

func TestSummarize(t *testing.T) {
	html := &httpclient.HTTPError{
		StatusCode: 503,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       []byte("<html><head><title>Maintenance</title></head><body><h1>Down</h1>\n<p>Back   soon</p></body></html>"),
	}
	assert.Equal(t, "HTTP 503: Maintenance: Down Back soon", Summarize(fmt.Errorf("wrapped: %w", html)))

	js := &httpclient.HTTPError{StatusCode: 400, Header: http.Header{}, Body: []byte(`[{"errorCode":"INVALID_SESSION_ID","message":"Session expired"}]`)}
	assert.Equal(t, "HTTP 400: INVALID_SESSION_ID: Session expired", Summarize(js))

	assert.Equal(t, "boom", Summarize(errors.New("boom")))
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(&httpclient.HTTPError{StatusCode: 503}))
	assert.True(t, Recoverable(&httpclient.HTTPError{StatusCode: 429}))
	assert.False(t, Recoverable(&httpclient.HTTPError{StatusCode: 400}))
	assert.True(t, Recoverable(fmt.Errorf("http request: %w", &net.OpError{Op: "dial", Err: errors.New("refused")})))
	assert.False(t, Recoverable(errors.New("boom")))
	assert.False(t, Recoverable(nil))
}
