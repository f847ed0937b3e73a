package load

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cci/internal/bulk"
	"cci/internal/logging"
	"cci/internal/mapping"
	"cci/internal/metrics"
	"cci/internal/storage"
	"cci/internal/upsert"
)

// idChunk is the number of id pairs buffered per local insert.
const idChunk = 1000

func (r *run) setState(s *mapping.Step, st StepState) {
	r.result.States[s.Name] = st
	r.log.Debug("step state", "stage", "load", "step", s.Name, "state", string(st))
}

// executeStep runs one step through its states. The StepResult is filled in
// as far as the step got.
func (r *run) executeStep(ctx context.Context, s *mapping.Step) (StepResult, error) {
	started := time.Now()
	res := StepResult{SObject: s.SObject, RecordType: s.RecordType, Status: bulk.StatusInProgress}
	fail := func(err error) (StepResult, error) {
		r.setState(s, StateFailed)
		if res.Status == bulk.StatusInProgress {
			res.Status = bulk.StatusJobFailure
			res.JobErrors = append(res.JobErrors, err.Error())
		}
		metrics.RecordStep(s.Name, "failed", started)
		return res, err
	}

	r.setState(s, StateQuerying)
	q, err := r.localQuery(ctx, s)
	if err != nil {
		return fail(err)
	}

	op, opts := remoteOperation(s)
	dml := r.e.Org.DML(s.SObject, op, q.fields, opts)

	side, err := newSideFile()
	if err != nil {
		return fail(err)
	}
	defer side.Close()

	rows, err := r.e.Store.Query(ctx, q.sql, q.args...)
	if err != nil {
		return fail(fmt.Errorf("load: step %s: query local rows: %w", s.Name, err))
	}
	it := &localRows{rows: rows, q: q, side: side, shift: r.dateShift(s, q.fields)}
	defer it.close()

	r.setState(s, StateStreaming)
	if err := dml.Start(ctx); err != nil {
		return fail(err)
	}
	if err := dml.LoadRecords(ctx, it); err != nil {
		return fail(err)
	}
	if err := it.close(); err != nil {
		return fail(err)
	}
	r.log.Info(fmt.Sprintf("Prepared %d rows for %s to %s", it.n, s.Action, s.SObject), "stage", "load", "step", s.Name)

	r.setState(s, StateAwaiting)
	if err := dml.End(ctx); err != nil {
		return fail(err)
	}
	job := dml.JobResult()
	res.Status = job.Status
	res.JobErrors = job.JobErrors
	res.RecordsProcessed = job.RecordsProcessed
	res.TotalRowErrors = job.TotalRowErrors
	if job.Status == bulk.StatusJobFailure {
		return fail(&bulk.JobFailedError{Step: s.Name, Errors: job.JobErrors})
	}

	r.setState(s, StateReconciling)
	if err := r.reconcile(ctx, s, dml, side); err != nil {
		return fail(err)
	}

	r.setState(s, StateDone)
	metrics.RecordStep(s.Name, "success", started)
	metrics.RecordRecords("loaded", job.RecordsProcessed-job.TotalRowErrors)
	metrics.RecordRowErrors(s.Name, job.TotalRowErrors)
	r.log.Info("step loaded", "stage", "load", "step", s.Name, "sobject", s.SObject,
		"status", string(job.Status), "records", job.RecordsProcessed, "row_errors", job.TotalRowErrors,
		"duration", logging.Dur(time.Since(started)))
	return res, nil
}

// remoteOperation maps the step's action to the remote operation.
// etl_upsert goes out as an upsert on Id.
func remoteOperation(s *mapping.Step) (bulk.OperationType, bulk.Options) {
	opts := bulk.Options{API: s.API, BulkMode: string(s.BulkMode), BatchSize: s.BatchSize}
	if opts.BulkMode == "" {
		opts.BulkMode = string(mapping.BulkModeParallel)
	}
	switch s.Action {
	case mapping.ActionETLUpsert:
		opts.ExternalIDField = "Id"
		return bulk.OpUpsert, opts
	case mapping.ActionUpsert:
		opts.ExternalIDField = s.UpdateKey[0]
	}
	return s.Action.Operation(), opts
}

// localQuery gathers what the step's query depends on: record types, the
// upsert key table, person account filtering.
func (r *run) localQuery(ctx context.Context, s *mapping.Step) (*localQuery, error) {
	in := queryInput{dialect: r.e.Store.Dialect()}

	if s.HasRecordTypeField() {
		if err := r.loadTargetRecordTypes(ctx, s); err != nil {
			return nil, err
		}
	}
	if s.RecordType != "" {
		id, err := r.recordTypeID(ctx, s)
		if err != nil {
			return nil, err
		}
		in.staticRecordType = id
		in.recordTypeColumn = r.tables.MustGet(s.Table).HasColumn("record_type")
	}
	if s.Action == mapping.ActionETLUpsert {
		if err := r.upserts.Prepare(ctx, s); err != nil {
			return nil, err
		}
		join, err := upsert.SelectForUpsert(s, in.dialect)
		if err != nil {
			return nil, err
		}
		in.upsert = &join
	}
	if r.personAccounts && strings.EqualFold(s.SObject, "Contact") && !mapping.IsAfterStep(s) {
		in.personColumn = r.personColumn[strings.ToLower(s.Table)]
	}
	return buildQuery(s, in), nil
}

func (r *run) dateShift(s *mapping.Step, fields []string) *dateShift {
	if s.AnchorDate.IsZero() {
		return nil
	}
	d := r.schema.Describe(s.SObject)
	return newDateShift(s.AnchorDate, r.now(), fields, d.FieldsOfType("date"), d.FieldsOfType("datetime"))
}

// initIDTable readies the id table of s. It is recreated the first time a
// run writes to it when ResetOIDs is set, and created when missing.
func (r *run) initIDTable(ctx context.Context, s *mapping.Step) (string, error) {
	name := s.IDTableName()
	key := strings.ToLower(name)
	if r.idTables[key] {
		return name, nil
	}
	spec := r.tables.MustGet(name)
	var err error
	if r.e.Options.ResetOIDs {
		err = r.e.Store.ResetTable(ctx, spec)
	} else {
		err = r.e.Store.EnsureTable(ctx, spec)
	}
	if err != nil {
		return name, err
	}
	r.idTables[key] = true
	return name, nil
}

// reconcile pairs results with the side file. Successful creates and
// upserts are recorded in the id table; failures go to the row error
// checker. Id pairs are written in one transaction that only commits once
// every record sent has its result, so a count mismatch leaves the id table
// as it was.
func (r *run) reconcile(ctx context.Context, s *mapping.Step, dml bulk.DMLOperation, side *sideFile) error {
	storeIDs := s.Action == mapping.ActionInsert || s.Action.IsUpsert()
	var table string
	if storeIDs {
		var err error
		if table, err = r.initIDTable(ctx, s); err != nil {
			return err
		}
	}

	results, err := dml.Results(ctx)
	if err != nil {
		return err
	}
	ids, err := side.reader()
	if err != nil {
		return err
	}
	checker := bulk.NewRowErrorChecker(r.log, r.e.Options.IgnoreRowErrors, r.e.Options.RowWarningLimit)

	var tx *storage.Tx
	if storeIDs {
		if tx, err = r.e.Store.Begin(ctx); err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
	}

	var (
		pairs [][]any
		n     int
	)
	flush := func() error {
		if len(pairs) == 0 {
			return nil
		}
		_, err := tx.InsertRows(ctx, table, []string{"id", "sf_id"}, pairs)
		pairs = pairs[:0]
		return err
	}
	for {
		res, err := results.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		n++
		if n > side.n || !ids.Scan() {
			continue
		}
		localID := ids.Text()
		if !res.Success {
			checker.Check(res, localID)
			continue
		}
		if storeIDs {
			pairs = append(pairs, []any{localID, res.ID})
			if len(pairs) >= idChunk {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := ids.Err(); err != nil {
		return err
	}
	if n != side.n {
		return &bulk.DataError{Msg: fmt.Sprintf("Step %s: received %d results for %d records sent", s.Name, n, side.n)}
	}
	if storeIDs {
		if err := flush(); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("load: step %s: commit ids: %w", s.Name, err)
		}
	}
	return checker.Err()
}

// localRows streams the step's query as remote records and writes each
// row's local id to the side file as it goes.
type localRows struct {
	rows   *sql.Rows
	q      *localQuery
	side   *sideFile
	shift  *dateShift
	n      int
	closed bool
}

func (l *localRows) Next(ctx context.Context) ([]string, error) {
	if l.closed {
		return nil, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !l.rows.Next() {
			if err := l.close(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		vals, err := storage.ScanStrings(l.rows, l.q.width())
		if err != nil {
			return nil, err
		}
		id, rec, ok := l.q.assemble(vals)
		if !ok {
			continue
		}
		l.shift.apply(rec)
		if err := l.side.add(id); err != nil {
			return nil, err
		}
		l.n++
		out := make([]string, len(rec))
		for i, v := range rec {
			if v != nil {
				out[i] = *v
			}
		}
		return out, nil
	}
}

// close releases the connection. It is safe to call more than once.
func (l *localRows) close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.rows.Err()
	if cerr := l.rows.Close(); err == nil {
		err = cerr
	}
	return err
}

// sideFile records local ids, one per line, in the order rows were sent.
type sideFile struct {
	f *os.File
	w *bufio.Writer
	n int
}

func newSideFile() (*sideFile, error) {
	f, err := os.CreateTemp("", "cci-local-ids-*")
	if err != nil {
		return nil, fmt.Errorf("load: side file: %w", err)
	}
	return &sideFile{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *sideFile) add(id string) error {
	s.n++
	_, err := s.w.WriteString(id + "\n")
	return err
}

// reader rewinds the file for reading.
func (s *sideFile) reader() (*bufio.Scanner, error) {
	if err := s.w.Flush(); err != nil {
		return nil, err
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return bufio.NewScanner(s.f), nil
}

func (s *sideFile) Close() error {
	err := s.f.Close()
	_ = os.Remove(s.f.Name())
	return err
}
