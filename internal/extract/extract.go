// Package extract pulls remote records into the local store, one table per
// mapping step.
//
// Tables are created up front and must not exist yet. Without a mapped Id
// each data table gets an autoincrement primary key and the remote ids go to
// a scratch `<table>_sf_id` table filled in lockstep; once every step is in,
// lookup columns holding remote ids are rewritten to the local keys of their
// target tables and the scratch tables are dropped.
//
// Each step's rows commit in one transaction. A run that fails drops every
// table it created, so it can be retried as is.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"cci/internal/bulk"
	"cci/internal/logging"
	"cci/internal/mapping"
	"cci/internal/metrics"
	"cci/internal/storage"
)

// insertChunk is the number of rows buffered per local insert.
const insertChunk = 1000

// Options tune a run.
type Options struct {
	// DropMissingSchema drops steps and fields the org lacks instead of
	// failing.
	DropMissingSchema bool
	Namespace         string
	InjectNamespace   bool
	StripNamespace    bool
	// SQLPath, when set, receives a SQL script of the extracted tables.
	SQLPath string
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name    string
	SObject string
	Table   string
	Records int
}

// Result lists the steps in the order they ran.
type Result struct {
	Steps []StepResult
}

// Engine runs extracts. Store and Org are required.
type Engine struct {
	Store   *storage.Store
	Org     bulk.Org
	Logger  *slog.Logger
	Options Options
}

// Run extracts every step in order.
//
// Errors:
//   - mapping.ConfigError when the org schema does not fit the mapping.
//   - "Table already exists: X" when a target table is present.
//   - bulk.DataError when a remote query does not succeed.
func (e *Engine) Run(ctx context.Context, steps []mapping.Step) (*Result, error) {
	if e.Store == nil || e.Org == nil {
		return nil, errors.New("extract: Store and Org are required")
	}
	log := logging.OrDiscard(e.Logger)

	start := time.Now()
	opts := mapping.SchemaOptions{
		Namespace:   e.Options.Namespace,
		Inject:      e.Options.InjectNamespace,
		Strip:       e.Options.StripNamespace,
		DropMissing: e.Options.DropMissingSchema,
		Operation:   bulk.OpQuery,
		Logger:      log,
	}
	schema, err := mapping.LoadSchema(ctx, e.Org, steps, opts)
	if err != nil {
		return nil, fmt.Errorf("extract: describe: %w", err)
	}
	steps, err = mapping.ValidateSchema(steps, schema, opts)
	if err != nil {
		return nil, err
	}
	log.Info("schema validated", "stage", "extract_schema", "steps", len(steps), "duration", logging.Dur(time.Since(start)))

	tables, created, err := e.createTables(ctx, steps)
	if err != nil {
		return nil, err
	}

	res, err := e.extractAll(ctx, steps, log, start)
	if err != nil {
		e.dropTables(ctx, created, log)
		return res, err
	}

	if e.Options.SQLPath != "" {
		if err := e.dump(ctx, tables); err != nil {
			return res, err
		}
	}
	log.Info("extract complete", "stage", "extract", "steps", len(res.Steps), "duration", logging.Dur(time.Since(start)))
	return res, nil
}

// extractAll runs every step, then the lookup translation pass, then drops
// the scratch id tables.
func (e *Engine) extractAll(ctx context.Context, steps []mapping.Step, log *slog.Logger, start time.Time) (*Result, error) {
	res := &Result{}
	rtDone := map[string]bool{}
	for i := range steps {
		s := &steps[i]
		n, err := e.extractStep(ctx, s, log)
		if err != nil {
			metrics.RecordStep(s.Name, "failed", start)
			return res, err
		}
		if n > 0 && s.HasRecordTypeField() && !rtDone[strings.ToLower(s.SObject)] {
			if err := e.extractRecordTypes(ctx, s); err != nil {
				return res, err
			}
			rtDone[strings.ToLower(s.SObject)] = true
		}
		res.Steps = append(res.Steps, StepResult{Name: s.Name, SObject: s.SObject, Table: s.Table, Records: n})
	}

	if err := e.translateLookups(ctx, steps, log); err != nil {
		return res, err
	}
	for _, s := range steps {
		if !s.OIDAsPK() {
			if err := e.Store.DropTable(ctx, s.ExtractIDTableName()); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// dropTables removes tables this run created. It runs on failure, so it
// ignores cancellation of ctx.
func (e *Engine) dropTables(ctx context.Context, names []string, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	for i := len(names) - 1; i >= 0; i-- {
		if err := e.Store.DropTable(ctx, names[i]); err != nil {
			log.Warn("drop table after failed extract", "stage", "extract", "table", names[i], "error", err)
		}
	}
}

// SOQL is the query of one step.
func SOQL(s *mapping.Step) string {
	soql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(s.ExtractFieldList(), ", "), s.SObject)
	var where []string
	if s.RecordType != "" {
		where = append(where, fmt.Sprintf("RecordType.DeveloperName = '%s'", escapeSOQL(s.RecordType)))
	}
	if f := strings.TrimSpace(s.SOQLFilter); f != "" {
		if strings.HasPrefix(strings.ToUpper(f), "WHERE ") {
			f = strings.TrimSpace(f[len("WHERE "):])
		}
		if len(where) > 0 {
			f = "(" + f + ")"
		}
		where = append(where, f)
	}
	if len(where) > 0 {
		soql += " WHERE " + strings.Join(where, " AND ")
	}
	return soql
}

func escapeSOQL(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// createTables creates the data, scratch id and record type tables. It
// returns the data and record type specs for dumping and the names of every
// table created. None is created when one of them exists already.
func (e *Engine) createTables(ctx context.Context, steps []mapping.Step) ([]storage.TableSpec, []string, error) {
	reg := storage.BuildRegistry(steps)
	var dump, scratch []storage.TableSpec
	seen := map[string]bool{}
	add := func(list *[]storage.TableSpec, t storage.TableSpec) {
		if key := strings.ToLower(t.Name); !seen[key] {
			seen[key] = true
			*list = append(*list, t)
		}
	}
	for i := range steps {
		s := &steps[i]
		add(&dump, reg.MustGet(s.Table))
		if s.HasRecordTypeField() {
			add(&dump, reg.MustGet(s.RTMappingTable()))
		}
		if !s.OIDAsPK() {
			add(&scratch, storage.ExtractIDTableSpec(s.ExtractIDTableName()))
		}
	}

	all := slices.Concat(dump, scratch)
	for _, t := range all {
		exists, err := e.Store.TableExists(ctx, t.Name)
		if err != nil {
			return nil, nil, err
		}
		if exists {
			return nil, nil, &bulk.DataError{Msg: "Table already exists: " + t.Name}
		}
	}

	var created []string
	for _, t := range all {
		if err := e.Store.CreateTable(ctx, t); err != nil {
			e.dropTables(ctx, created, logging.OrDiscard(e.Logger))
			return nil, nil, err
		}
		created = append(created, t.Name)
	}
	return dump, created, nil
}

func (e *Engine) extractStep(ctx context.Context, s *mapping.Step, log *slog.Logger) (int, error) {
	started := time.Now()
	soql := SOQL(s)
	log.Info("Extracting data for sObject "+s.SObject, "stage", "extract", "step", s.Name, "soql", soql)

	q := e.Org.Query(s.SObject, soql, bulk.Options{API: s.API})
	if err := q.Query(ctx); err != nil {
		return 0, fmt.Errorf("extract: step %s: %w", s.Name, err)
	}
	job := q.JobResult()
	if job.Status != bulk.StatusSuccess {
		return 0, &bulk.DataError{Msg: "Unable to execute query: " + strings.Join(job.JobErrors, ",")}
	}
	if job.RecordsProcessed == 0 {
		log.Info("No records found for sObject "+s.SObject, "stage", "extract", "step", s.Name)
		metrics.RecordStep(s.Name, "success", started)
		return 0, nil
	}

	it, err := q.Results(ctx)
	if err != nil {
		return 0, err
	}
	fields := s.ExtractFieldList()
	cols, idCol := importColumns(s, fields)

	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		values [][]any
		ids    [][]any
		total  int
		header = true
	)
	flush := func() error {
		if len(values) == 0 {
			return nil
		}
		if _, err := tx.InsertRows(ctx, s.Table, cols, values); err != nil {
			return err
		}
		if !idCol {
			if _, err := tx.InsertRows(ctx, s.ExtractIDTableName(), []string{"sf_id"}, ids); err != nil {
				return err
			}
		}
		values, ids = values[:0], ids[:0]
		return nil
	}

	for {
		rec, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, err
		}
		if header {
			header = false
			if len(rec) != len(fields) {
				return 0, &bulk.DataError{Msg: fmt.Sprintf("Unexpected columns for sObject %s: got %s", s.SObject, strings.Join(rec, ","))}
			}
			continue
		}
		row := make([]any, 0, len(cols))
		start := 1
		if idCol {
			start = 0
		} else {
			ids = append(ids, []any{nullable(rec[0])})
		}
		for _, v := range rec[start:] {
			row = append(row, nullable(v))
		}
		if s.RecordType != "" {
			row = append(row, s.RecordType)
		}
		values = append(values, row)
		total++
		if len(values) >= insertChunk {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	if err := tx.Commit(); err != nil {
		return total, fmt.Errorf("extract: step %s: commit: %w", s.Name, err)
	}

	log.Info("step extracted", "stage", "extract", "step", s.Name, "records", total, "duration", logging.Dur(time.Since(started)))
	metrics.RecordStep(s.Name, "success", started)
	metrics.RecordRecords("extracted", total)
	return total, nil
}

// importColumns maps fields to local columns. idCol reports whether the
// remote Id is stored in the data table itself.
func importColumns(s *mapping.Step, fields []string) ([]string, bool) {
	m := s.CompleteFieldMap(true)
	idCol := s.OIDAsPK()
	var cols []string
	for i, f := range fields {
		if i == 0 && !idCol {
			continue
		}
		_, col, _ := m.GetFold(f)
		cols = append(cols, col)
	}
	if s.RecordType != "" {
		cols = append(cols, "record_type")
	}
	return cols, idCol
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (e *Engine) extractRecordTypes(ctx context.Context, s *mapping.Step) error {
	soql := fmt.Sprintf("SELECT Id, DeveloperName FROM RecordType WHERE SObjectType='%s'", escapeSOQL(s.SObject))
	recs, err := e.Org.QueryAll(ctx, soql)
	if err != nil {
		return fmt.Errorf("extract: record types of %s: %w", s.SObject, err)
	}
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []any{storage.Stringify(r["Id"]), storage.Stringify(r["DeveloperName"])})
	}
	_, err = e.Store.InsertRows(ctx, s.RTMappingTable(), []string{"record_type_id", "developer_name"}, rows)
	return err
}

// translateLookups rewrites lookup columns from remote ids to the local keys
// of the target tables. Values without a match are left alone.
func (e *Engine) translateLookups(ctx context.Context, steps []mapping.Step, log *slog.Logger) error {
	byTable := map[string]*mapping.Step{}
	for i := range steps {
		key := strings.ToLower(steps[i].Table)
		if _, ok := byTable[key]; !ok {
			byTable[key] = &steps[i]
		}
	}

	q := e.Store.Quote
	done := map[string]bool{}
	for i := range steps {
		s := &steps[i]
		if s.OIDAsPK() {
			continue
		}
		for _, l := range s.Lookups.Values() {
			target, ok := byTable[strings.ToLower(l.Table)]
			if !ok || target.OIDAsPK() {
				continue
			}
			col := l.KeyFieldOrDefault()
			key := strings.ToLower(s.Table + "." + col + "." + target.Table)
			if done[key] {
				continue
			}
			done[key] = true

			t, c, ids := q(s.Table), q(col), q(target.ExtractIDTableName())
			stmt := fmt.Sprintf(
				"UPDATE %s SET %s = (SELECT CAST(%s.%s AS VARCHAR(255)) FROM %s WHERE %s.%s = %s.%s) WHERE %s IN (SELECT %s FROM %s)",
				t, c, ids, q("id"), ids, ids, q("sf_id"), t, c, c, q("sf_id"), ids)
			res, err := e.Store.Exec(ctx, stmt)
			if err != nil {
				return fmt.Errorf("extract: translate %s.%s: %w", s.Table, col, err)
			}
			n, _ := res.RowsAffected()
			log.Debug("lookup translated", "stage", "extract_lookups", "table", s.Table, "column", col, "target", target.Table, "rows", n)
		}
	}
	return nil
}

func (e *Engine) dump(ctx context.Context, tables []storage.TableSpec) error {
	f, err := os.Create(e.Options.SQLPath)
	if err != nil {
		return fmt.Errorf("extract: sql_path: %w", err)
	}
	if err := e.Store.Dump(ctx, f, tables); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
