// Package bulktest provides an in-memory org for engine tests. It
// implements bulk.Org over a handful of objects and understands the small
// SOQL subset the engines emit.
package bulktest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"cci/internal/bulk"
)

// Call is one DML operation received by the org.
type Call struct {
	SObject string
	Op      bulk.OperationType
	Fields  []string
	Rows    [][]string
	Opts    bulk.Options
}

// Org is safe for concurrent use.
type Org struct {
	mu       sync.Mutex
	objects  map[string]*object
	order    []string
	seq      int
	calls    []Call
	queries  []string
	failJobs map[string][]string

	// RowError, when set, is consulted for every written record; a
	// non-empty return fails that record with the message.
	RowError func(sobject string, rec map[string]string) string
	// OnInsert, when set, sees every created record before it is stored
	// and may add fields the org would fill in, like PersonContactId.
	OnInsert func(sobject string, rec map[string]string)
}

type object struct {
	describe bulk.SObjectDescribe
	summary  bulk.SObjectSummary
	prefix   string
	records  []map[string]string
}

var _ bulk.Org = (*Org)(nil)

// New builds an empty org.
func New() *Org {
	return &Org{objects: map[string]*object{}, failJobs: map[string][]string{}}
}

// Field is a shorthand describe entry.
func Field(name, typ string) bulk.FieldDescribe {
	return bulk.FieldDescribe{Name: name, Type: typ, Createable: true, Updateable: true, Nillable: true}
}

// AddObject declares sobject with its fields. Id is added when missing.
func (o *Org) AddObject(sobject, idPrefix string, fields ...bulk.FieldDescribe) {
	o.mu.Lock()
	defer o.mu.Unlock()
	desc := bulk.SObjectDescribe{Name: sobject}
	if _, ok := (&bulk.SObjectDescribe{Fields: fields}).Field("Id"); !ok {
		desc.Fields = append(desc.Fields, bulk.FieldDescribe{Name: "Id", Type: "id"})
	}
	desc.Fields = append(desc.Fields, fields...)
	o.objects[strings.ToLower(sobject)] = &object{
		describe: desc,
		summary:  bulk.SObjectSummary{Name: sobject, Createable: true, Updateable: true, Queryable: true, Deletable: true},
		prefix:   idPrefix,
	}
	o.order = append(o.order, sobject)
}

// Seed stores a record as if it already existed and returns its id.
func (o *Org) Seed(sobject string, rec map[string]string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj := o.mustObject(sobject)
	cp := map[string]string{}
	for k, v := range rec {
		cp[k] = v
	}
	if cp["Id"] == "" {
		cp["Id"] = o.nextID(obj)
	}
	obj.records = append(obj.records, cp)
	return cp["Id"]
}

// FailJob makes every DML job on sobject fail with errs.
func (o *Org) FailJob(sobject string, errs ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failJobs[strings.ToLower(sobject)] = errs
}

// Records returns a copy of the records of sobject.
func (o *Org) Records(sobject string) []map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj := o.mustObject(sobject)
	out := make([]map[string]string, len(obj.records))
	for i, r := range obj.records {
		cp := map[string]string{}
		for k, v := range r {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

// Calls returns the DML operations received so far.
func (o *Org) Calls() []Call {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Call(nil), o.calls...)
}

// Queries returns the SOQL received so far.
func (o *Org) Queries() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.queries...)
}

func (o *Org) mustObject(sobject string) *object {
	obj, ok := o.objects[strings.ToLower(sobject)]
	if !ok {
		panic("bulktest: unknown sobject " + sobject)
	}
	return obj
}

func (o *Org) nextID(obj *object) string {
	o.seq++
	return fmt.Sprintf("%s%012d", obj.prefix, o.seq)
}

func (o *Org) DescribeGlobal(context.Context) ([]bulk.SObjectSummary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]bulk.SObjectSummary, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.objects[strings.ToLower(name)].summary)
	}
	return out, nil
}

func (o *Org) Describe(_ context.Context, sobject string) (*bulk.SObjectDescribe, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objects[strings.ToLower(sobject)]
	if !ok {
		return nil, fmt.Errorf("bulktest: NOT_FOUND: %s", sobject)
	}
	d := obj.describe
	d.Fields = append([]bulk.FieldDescribe(nil), d.Fields...)
	return &d, nil
}

func (o *Org) QueryAll(_ context.Context, soql string) ([]map[string]any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queries = append(o.queries, soql)
	fields, rows, err := o.run(soql)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		rec := map[string]any{}
		for j, f := range fields {
			rec[f] = row[j]
		}
		out[i] = rec
	}
	return out, nil
}

func (o *Org) Query(sobject, soql string, opts bulk.Options) bulk.QueryOperation {
	return &query{org: o, soql: soql}
}

func (o *Org) DML(sobject string, op bulk.OperationType, fields []string, opts bulk.Options) bulk.DMLOperation {
	return &dml{org: o, call: Call{SObject: sobject, Op: op, Fields: fields, Opts: opts}}
}

var (
	selectRE = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+(\w+)(.*)$`)
	whereRE  = regexp.MustCompile(`(?is)^\s*WHERE\s+(.+?)(\s+ORDER\s+BY.*|\s+LIMIT.*|\s+FOR\s+VIEW.*)?$`)
	eqRE     = regexp.MustCompile(`(?is)^\s*([\w.]+)\s*=\s*'((?:[^']|'')*)'\s*$`)
	inRE     = regexp.MustCompile(`(?is)^\s*([\w.]+)\s+IN\s*\((.*)\)\s*$`)
)

// run evaluates SELECT f1, f2 FROM X [WHERE a = 'b' AND c IN ('d')].
func (o *Org) run(soql string) ([]string, [][]string, error) {
	m := selectRE.FindStringSubmatch(soql)
	if m == nil {
		return nil, nil, fmt.Errorf("bulktest: MALFORMED_QUERY: %s", soql)
	}
	obj, ok := o.objects[strings.ToLower(m[2])]
	if !ok {
		return nil, nil, fmt.Errorf("bulktest: INVALID_TYPE: %s", m[2])
	}
	var fields []string
	for _, f := range strings.Split(m[1], ",") {
		fields = append(fields, strings.TrimSpace(f))
	}

	var conds []func(map[string]string) bool
	if w := whereRE.FindStringSubmatch(m[3]); w != nil {
		for _, part := range regexp.MustCompile(`(?i)\s+AND\s+`).Split(w[1], -1) {
			if em := eqRE.FindStringSubmatch(part); em != nil {
				field, want := em[1], strings.ReplaceAll(em[2], "''", "'")
				conds = append(conds, func(r map[string]string) bool { return o.value(r, field) == want })
				continue
			}
			if im := inRE.FindStringSubmatch(part); im != nil {
				field := im[1]
				set := map[string]bool{}
				for _, v := range strings.Split(im[2], ",") {
					set[strings.Trim(strings.TrimSpace(v), "'")] = true
				}
				conds = append(conds, func(r map[string]string) bool { return set[o.value(r, field)] })
				continue
			}
			return nil, nil, fmt.Errorf("bulktest: unsupported condition %q", part)
		}
	}

	var rows [][]string
	for _, rec := range obj.records {
		keep := true
		for _, c := range conds {
			if !c(rec) {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		row := make([]string, len(fields))
		for i, f := range fields {
			row[i] = o.value(rec, f)
		}
		rows = append(rows, row)
	}
	return fields, rows, nil
}

// value reads field from rec, following one relationship hop for
// "Parent.Field" paths.
func (o *Org) value(rec map[string]string, field string) string {
	if parent, child, ok := strings.Cut(field, "."); ok {
		ref := lookupFold(rec, parent+"Id")
		if strings.HasSuffix(parent, "__r") {
			ref = lookupFold(rec, strings.TrimSuffix(parent, "__r")+"__c")
		}
		if ref == "" {
			return ""
		}
		for _, obj := range o.objects {
			for _, r := range obj.records {
				if r["Id"] == ref {
					return lookupFold(r, child)
				}
			}
		}
		return ""
	}
	return lookupFold(rec, field)
}

func lookupFold(rec map[string]string, field string) string {
	if v, ok := rec[field]; ok {
		return v
	}
	for k, v := range rec {
		if strings.EqualFold(k, field) {
			return v
		}
	}
	return ""
}

type query struct {
	org  *Org
	soql string
	rows [][]string
	job  bulk.JobResult
}

func (q *query) Query(context.Context) error {
	q.org.mu.Lock()
	defer q.org.mu.Unlock()
	q.org.queries = append(q.org.queries, q.soql)
	fields, rows, err := q.org.run(q.soql)
	if err != nil {
		q.job = bulk.JobResult{Status: bulk.StatusJobFailure, JobErrors: []string{err.Error()}}
		return nil
	}
	if len(rows) > 0 {
		q.rows = append([][]string{fields}, rows...)
	}
	q.job = bulk.JobResult{Status: bulk.StatusSuccess, RecordsProcessed: len(rows)}
	return nil
}

func (q *query) Results(context.Context) (bulk.RowIterator, error) {
	return bulk.NewSliceRows(q.rows), nil
}

func (q *query) JobResult() bulk.JobResult { return q.job }

type dml struct {
	org     *Org
	call    Call
	results []bulk.Result
	job     bulk.JobResult
}

func (d *dml) Start(context.Context) error { return nil }

func (d *dml) LoadRecords(ctx context.Context, rows bulk.RowIterator) error {
	all, err := bulk.DrainRows(ctx, rows)
	if err != nil {
		return err
	}
	d.call.Rows = append(d.call.Rows, all...)
	return nil
}

func (d *dml) End(context.Context) error {
	o := d.org
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, d.call)

	if errs, ok := o.failJobs[strings.ToLower(d.call.SObject)]; ok {
		d.job = bulk.JobResult{Status: bulk.StatusJobFailure, JobErrors: errs}
		return nil
	}
	obj := o.mustObject(d.call.SObject)
	failed := 0
	for _, row := range d.call.Rows {
		rec := map[string]string{}
		for i, f := range d.call.Fields {
			if i < len(row) {
				rec[f] = row[i]
			}
		}
		r := d.apply(obj, rec)
		if !r.Success {
			failed++
		}
		d.results = append(d.results, r)
	}
	d.job = bulk.JobResult{Status: bulk.StatusSuccess, RecordsProcessed: len(d.call.Rows), TotalRowErrors: failed}
	if failed > 0 {
		d.job.Status = bulk.StatusRowFailure
	}
	return nil
}

func (d *dml) apply(obj *object, rec map[string]string) bulk.Result {
	o := d.org
	if o.RowError != nil {
		if msg := o.RowError(d.call.SObject, rec); msg != "" {
			return bulk.Result{Error: msg}
		}
	}
	find := func(field, value string) int {
		if value == "" {
			return -1
		}
		for i, r := range obj.records {
			if lookupFold(r, field) == value {
				return i
			}
		}
		return -1
	}
	merge := func(dst map[string]string) {
		for k, v := range rec {
			if !strings.EqualFold(k, "Id") {
				dst[k] = v
			}
		}
	}

	switch d.call.Op {
	case bulk.OpInsert:
		id := o.nextID(obj)
		stored := map[string]string{"Id": id}
		merge(stored)
		if o.OnInsert != nil {
			o.OnInsert(d.call.SObject, stored)
		}
		obj.records = append(obj.records, stored)
		return bulk.Result{ID: id, Success: true}
	case bulk.OpUpdate:
		id := lookupFold(rec, "Id")
		i := find("Id", id)
		if i < 0 {
			return bulk.Result{Error: "INVALID_CROSS_REFERENCE_KEY: invalid cross reference id " + id}
		}
		merge(obj.records[i])
		return bulk.Result{ID: id, Success: true}
	case bulk.OpUpsert:
		key := d.call.Opts.ExternalIDField
		if i := find(key, lookupFold(rec, key)); i >= 0 {
			merge(obj.records[i])
			return bulk.Result{ID: obj.records[i]["Id"], Success: true}
		}
		id := o.nextID(obj)
		stored := map[string]string{"Id": id}
		merge(stored)
		if o.OnInsert != nil {
			o.OnInsert(d.call.SObject, stored)
		}
		obj.records = append(obj.records, stored)
		return bulk.Result{ID: id, Success: true}
	case bulk.OpDelete, bulk.OpHardDelete:
		id := lookupFold(rec, "Id")
		i := find("Id", id)
		if i < 0 {
			return bulk.Result{Error: "ENTITY_IS_DELETED: entity is deleted"}
		}
		obj.records = append(obj.records[:i], obj.records[i+1:]...)
		return bulk.Result{ID: id, Success: true}
	default:
		return bulk.Result{Error: "unsupported operation " + string(d.call.Op)}
	}
}

func (d *dml) Results(context.Context) (bulk.ResultIterator, error) {
	return bulk.NewSliceResults(d.results), nil
}

func (d *dml) JobResult() bulk.JobResult { return d.job }
