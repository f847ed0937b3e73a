package salesforce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"cci/internal/bulk"
	"cci/internal/httpclient"
)

// compositeLimit is the sObject Collections maximum per request.
const compositeLimit = 200

// QueryAll runs soql through the REST query resource and follows
// nextRecordsUrl until every record has been read.
func (c *Client) QueryAll(ctx context.Context, soql string) ([]map[string]any, error) {
	var out []map[string]any
	resp, err := c.http.Get(ctx, c.dataPath("query/"), url.Values{"q": {soql}})
	for {
		if err != nil {
			return nil, fmt.Errorf("salesforce: query: %s", Summarize(err))
		}
		var page struct {
			TotalSize      int              `json:"totalSize"`
			Done           bool             `json:"done"`
			NextRecordsURL string           `json:"nextRecordsUrl"`
			Records        []map[string]any `json:"records"`
		}
		if err := resp.JSON(&page); err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if page.Done || page.NextRecordsURL == "" {
			return out, nil
		}
		resp, err = c.http.Get(ctx, page.NextRecordsURL, nil)
	}
}

// count runs a COUNT() variant of soql.
func (c *Client) count(ctx context.Context, soql string) (int, error) {
	idx := fromIndex(soql)
	if idx < 0 {
		return 0, fmt.Errorf("salesforce: cannot count %q: no FROM clause", soql)
	}
	resp, err := c.http.Get(ctx, c.dataPath("query/"), url.Values{"q": {"SELECT COUNT() " + soql[idx:]}})
	if err != nil {
		return 0, fmt.Errorf("salesforce: count: %s", Summarize(err))
	}
	var body struct {
		TotalSize int `json:"totalSize"`
	}
	if err := resp.JSON(&body); err != nil {
		return 0, err
	}
	return body.TotalSize, nil
}

var fromRE = regexp.MustCompile(`(?i)\sFROM\s`)

func fromIndex(soql string) int {
	loc := fromRE.FindStringIndex(soql)
	if loc == nil {
		return -1
	}
	return loc[0] + 1
}

// selectFields returns the field list of a simple SELECT ... FROM query.
func selectFields(soql string) []string {
	idx := fromIndex(soql)
	if idx < 0 {
		return nil
	}
	head := strings.TrimSpace(soql[:idx])
	if len(head) >= 6 && strings.EqualFold(head[:6], "SELECT") {
		head = head[6:]
	}
	var fields []string
	for _, f := range strings.Split(head, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// restQuery is a QueryOperation over the REST query resource.
type restQuery struct {
	c       *Client
	sobject string
	soql    string

	rows [][]string
	job  bulk.JobResult
}

func (q *restQuery) Query(ctx context.Context) error {
	records, err := q.c.QueryAll(ctx, q.soql)
	if err != nil {
		q.job = bulk.JobResult{Status: bulk.StatusJobFailure, JobErrors: []string{err.Error()}}
		return nil
	}
	fields := selectFields(q.soql)
	q.rows = make([][]string, 0, len(records)+1)
	if len(records) > 0 {
		q.rows = append(q.rows, fields)
	}
	for _, rec := range records {
		row := make([]string, len(fields))
		for i, f := range fields {
			row[i] = stringValue(lookupPath(rec, f))
		}
		q.rows = append(q.rows, row)
	}
	q.job = bulk.JobResult{Status: bulk.StatusSuccess, RecordsProcessed: len(records)}
	return nil
}

func (q *restQuery) Results(context.Context) (bulk.RowIterator, error) {
	return bulk.NewSliceRows(q.rows), nil
}

func (q *restQuery) JobResult() bulk.JobResult { return q.job }

// lookupPath resolves "RecordType.DeveloperName" style paths, matching
// keys case-insensitively.
func lookupPath(rec map[string]any, path string) any {
	var cur any = rec
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, found := m[part]
		if !found {
			for k, mv := range m {
				if strings.EqualFold(k, part) {
					v, found = mv, true
					break
				}
			}
		}
		if !found {
			return nil
		}
		cur = v
	}
	return cur
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// restDML is a DMLOperation over sObject Collections, falling back to
// per-record requests when a collection request fails transiently.
type restDML struct {
	c       *Client
	sobject string
	op      bulk.OperationType
	fields  []string
	opts    bulk.Options

	booleans map[string]bool
	results  []bulk.Result
	job      bulk.JobResult
}

func (d *restDML) Start(ctx context.Context) error {
	switch d.op {
	case bulk.OpInsert, bulk.OpUpdate, bulk.OpDelete:
	case bulk.OpUpsert:
		if d.opts.ExternalIDField == "" {
			return errors.New("salesforce: upsert requires an external id field")
		}
	default:
		return fmt.Errorf("salesforce: operation %s is not supported by the REST API", d.op)
	}
	d.booleans = map[string]bool{}
	if d.op == bulk.OpDelete {
		return nil
	}
	desc, err := d.c.describes.Describe(ctx, d.sobject)
	if err != nil {
		return err
	}
	for _, f := range d.fields {
		if fd, ok := desc.Field(f); ok && fd.Type == "boolean" {
			d.booleans[f] = true
		}
	}
	return nil
}

func (d *restDML) LoadRecords(ctx context.Context, rows bulk.RowIterator) error {
	size := d.opts.BatchSize
	if size <= 0 || size > compositeLimit {
		size = compositeLimit
	}
	chunk := make([][]string, 0, size)
	for {
		row, err := rows.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		chunk = append(chunk, row)
		if len(chunk) == size {
			if err := d.send(ctx, chunk); err != nil {
				return err
			}
			chunk = chunk[:0]
		}
	}
	if len(chunk) > 0 {
		return d.send(ctx, chunk)
	}
	return nil
}

func (d *restDML) End(context.Context) error {
	failed := 0
	for _, r := range d.results {
		if !r.Success {
			failed++
		}
	}
	d.job = bulk.JobResult{Status: bulk.StatusSuccess, RecordsProcessed: len(d.results), TotalRowErrors: failed}
	if failed > 0 {
		d.job.Status = bulk.StatusRowFailure
	}
	return nil
}

func (d *restDML) Results(context.Context) (bulk.ResultIterator, error) {
	return bulk.NewSliceResults(d.results), nil
}

func (d *restDML) JobResult() bulk.JobResult { return d.job }

type collectionResult struct {
	ID      string         `json:"id"`
	Success bool           `json:"success"`
	Errors  []apiErrorBody `json:"errors"`
}

func (r collectionResult) result() bulk.Result {
	if r.Success {
		return bulk.Result{ID: r.ID, Success: true}
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s (%s)", e.code(), e.Message, strings.Join(e.Fields, ", ")))
	}
	return bulk.Result{ID: r.ID, Error: strings.Join(msgs, "\n")}
}

// record builds the JSON body of one row.
func (d *restDML) record(row []string, withType bool) map[string]any {
	rec := make(map[string]any, len(d.fields)+1)
	if withType {
		rec["attributes"] = map[string]string{"type": d.sobject}
	}
	for i, f := range d.fields {
		if i >= len(row) {
			break
		}
		v := row[i]
		switch {
		case v == "":
			rec[f] = nil
		case d.booleans[f]:
			b, err := strconv.ParseBool(v)
			if err != nil {
				rec[f] = v
			} else {
				rec[f] = b
			}
		default:
			rec[f] = v
		}
	}
	return rec
}

func (d *restDML) idOf(row []string) string { return d.valueOf(row, "Id") }

func (d *restDML) valueOf(row []string, field string) string {
	for i, f := range d.fields {
		if strings.EqualFold(f, field) && i < len(row) {
			return row[i]
		}
	}
	return ""
}

func (d *restDML) send(ctx context.Context, chunk [][]string) error {
	var (
		resp *httpclient.Response
		err  error
	)
	switch d.op {
	case bulk.OpDelete:
		ids := make([]string, len(chunk))
		for i, row := range chunk {
			ids[i] = d.idOf(row)
		}
		resp, err = d.c.do(ctx, http.MethodDelete, d.c.dataPath("composite/sobjects"),
			url.Values{"ids": {strings.Join(ids, ",")}, "allOrNone": {"false"}}, nil)
	default:
		records := make([]map[string]any, len(chunk))
		for i, row := range chunk {
			records[i] = d.record(row, true)
		}
		body := map[string]any{"allOrNone": false, "records": records}
		method, path := http.MethodPost, d.c.dataPath("composite/sobjects")
		switch d.op {
		case bulk.OpUpdate:
			method = http.MethodPatch
		case bulk.OpUpsert:
			method = http.MethodPatch
			path = d.c.dataPath("composite/sobjects/" + url.PathEscape(d.sobject) + "/" + url.PathEscape(d.opts.ExternalIDField))
		}
		resp, err = d.c.do(ctx, method, path, nil, body)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if Recoverable(err) {
			d.c.log.Warn("collection request failed, retrying records individually",
				"stage", "rest_dml", "sobject", d.sobject, "records", len(chunk), "err", Summarize(err))
			for _, row := range chunk {
				r, err := d.sendOne(ctx, row)
				if err != nil {
					return err
				}
				d.results = append(d.results, r)
			}
			return nil
		}
		msg := Summarize(err)
		for range chunk {
			d.results = append(d.results, bulk.Result{Error: msg})
		}
		return nil
	}

	var results []collectionResult
	if err := resp.JSON(&results); err != nil {
		return err
	}
	if len(results) != len(chunk) {
		return fmt.Errorf("salesforce: %s %s returned %d results for %d records", d.op, d.sobject, len(results), len(chunk))
	}
	for _, r := range results {
		d.results = append(d.results, r.result())
	}
	return nil
}

// sendOne writes one record through the sObject resource. Failures become
// failed results; only cancellation is returned as an error.
func (d *restDML) sendOne(ctx context.Context, row []string) (bulk.Result, error) {
	base := "sobjects/" + url.PathEscape(d.sobject)
	var (
		resp *httpclient.Response
		err  error
		id   = d.idOf(row)
	)
	switch d.op {
	case bulk.OpInsert:
		resp, err = d.c.do(ctx, http.MethodPost, d.c.dataPath(base), nil, d.record(row, false))
	case bulk.OpUpdate:
		rec := d.record(row, false)
		deleteFold(rec, "Id")
		resp, err = d.c.do(ctx, http.MethodPatch, d.c.dataPath(base+"/"+url.PathEscape(id)), nil, rec)
	case bulk.OpUpsert:
		rec := d.record(row, false)
		key := d.valueOf(row, d.opts.ExternalIDField)
		deleteFold(rec, d.opts.ExternalIDField)
		deleteFold(rec, "Id")
		resp, err = d.c.do(ctx, http.MethodPatch,
			d.c.dataPath(base+"/"+url.PathEscape(d.opts.ExternalIDField)+"/"+url.PathEscape(key)), nil, rec)
	case bulk.OpDelete:
		resp, err = d.c.do(ctx, http.MethodDelete, d.c.dataPath(base+"/"+url.PathEscape(id)), nil, nil)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return bulk.Result{}, err
		}
		return bulk.Result{ID: id, Error: Summarize(err)}, nil
	}
	if len(resp.Body) == 0 {
		return bulk.Result{ID: id, Success: true}, nil
	}
	var r collectionResult
	if err := resp.JSON(&r); err != nil {
		return bulk.Result{ID: id, Error: err.Error()}, nil
	}
	if r.ID == "" {
		r.ID = id
	}
	return r.result(), nil
}

func deleteFold(m map[string]any, key string) {
	for k := range m {
		if strings.EqualFold(k, key) {
			delete(m, k)
		}
	}
}
