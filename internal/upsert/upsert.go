// Package upsert implements upserts the remote API cannot do by itself:
// matching local rows to existing records on arbitrary key fields.
//
// The remote ids of every record are extracted into a key table named after
// the object and key set. The load query then outer-joins that table, so
// matched rows carry an Id (update) and unmatched rows a NULL Id (insert),
// and the rows are sent as an upsert on Id.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"cci/internal/bulk"
	"cci/internal/logging"
	"cci/internal/mapping"
	"cci/internal/storage"
)

// DuplicateKeyError means two remote records share one upsert key.
type DuplicateKeyError struct {
	Table string
	Err   error
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("Duplicate values for upsert key:\n %v", e.Err)
}

func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// KeyTableName is the key table of sobject and keys.
func KeyTableName(sobject string, keys []string) string {
	return "upsert_" + sobject + "_" + strings.Join(keys, "_")
}

// KeyColumns are the key table columns: Id, then keys.
func KeyColumns(keys []string) []string {
	for _, k := range keys {
		if strings.EqualFold(k, "Id") {
			return keys
		}
	}
	return append([]string{"Id"}, keys...)
}

// NeedsETLUpsert reports whether an upsert on step.UpdateKey has to be done
// locally. Compound keys always do; a single key does unless it is Id or an
// externalId/idLookup field.
func NeedsETLUpsert(step *mapping.Step, desc *bulk.SObjectDescribe) bool {
	keys := step.UpdateKey
	if len(keys) > 1 {
		return true
	}
	if len(keys) == 0 {
		return false
	}
	if strings.EqualFold(keys[0], "Id") {
		return false
	}
	f, ok := desc.Field(keys[0])
	return !ok || !(f.ExternalID || f.IDLookup)
}

// ConfigureStep picks the action of an upsert step against desc. A plain
// upsert on a key the org cannot upsert on becomes etl_upsert, unless strict
// is set, in which case it is a configuration error. Other steps are
// returned unchanged.
func ConfigureStep(step mapping.Step, desc *bulk.SObjectDescribe, strict bool) (mapping.Step, error) {
	if step.Action != mapping.ActionUpsert || !NeedsETLUpsert(&step, desc) {
		return step, nil
	}
	if strict {
		return step, &mapping.ConfigError{
			Step: step.Name,
			Msg:  fmt.Sprintf("'update_key' %s cannot be used for a native upsert; use etl_upsert", strings.Join(step.UpdateKey, ", ")),
		}
	}
	step.Action = mapping.ActionETLUpsert
	return step, nil
}

// KeyTableSpec is the key table of step: text columns with the non-Id keys
// unique together.
func KeyTableSpec(step *mapping.Step) storage.TableSpec {
	cols := KeyColumns(step.UpdateKey)
	spec := storage.TableSpec{Name: KeyTableName(step.SObject, step.UpdateKey)}
	var unique []string
	for _, c := range cols {
		spec.Columns = append(spec.Columns, storage.ColumnSpec{Name: c, Type: storage.TypeString})
		if !strings.EqualFold(c, "Id") {
			unique = append(unique, c)
		}
	}
	if len(unique) > 0 {
		spec.Constraints = []storage.ConstraintSpec{{Kind: "unique", Columns: unique}}
	}
	return spec
}

// CreateKeyTable (re)creates the empty key table of step.
func CreateKeyTable(ctx context.Context, st *storage.Store, step *mapping.Step) (storage.TableSpec, error) {
	spec := KeyTableSpec(step)
	if err := st.ResetTable(ctx, spec); err != nil {
		return spec, fmt.Errorf("upsert: create %s: %w", spec.Name, err)
	}
	return spec, nil
}

// Populate fills the key table of step with the ids and keys of every
// remote record.
func Populate(ctx context.Context, st *storage.Store, f bulk.Factory, step *mapping.Step, log *slog.Logger) (int64, error) {
	log = logging.OrDiscard(log)
	cols := KeyColumns(step.UpdateKey)
	table := KeyTableName(step.SObject, step.UpdateKey)
	soql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), step.SObject)
	log.Info(fmt.Sprintf("Extracting records for upsert: `%s`", soql), "stage", "upsert", "step", step.Name)

	q := f.Query(step.SObject, soql, bulk.Options{API: step.API})
	if err := q.Query(ctx); err != nil {
		return 0, err
	}
	if res := q.JobResult(); res.Status == bulk.StatusJobFailure || res.Status == bulk.StatusAborted {
		return 0, &bulk.JobFailedError{Step: step.Name, Errors: res.JobErrors}
	}
	it, err := q.Results(ctx)
	if err != nil {
		return 0, err
	}

	var rows [][]any
	header := true
	for {
		rec, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if header {
			header = false
			continue
		}
		row := make([]any, len(cols))
		for i := range cols {
			if i < len(rec) && rec[i] != "" {
				row[i] = rec[i]
			}
		}
		rows = append(rows, row)
	}

	n, err := st.InsertRows(ctx, table, cols, rows)
	if err != nil {
		if st.Dialect().IsUniqueViolation(err) {
			return 0, &DuplicateKeyError{Table: table, Err: err}
		}
		return 0, fmt.Errorf("upsert: fill %s: %w", table, err)
	}
	return n, nil
}

// Helper prepares key tables, each key set once per run.
type Helper struct {
	store   *storage.Store
	factory bulk.Factory
	log     *slog.Logger

	done map[string]bool
}

// NewHelper builds a Helper for one run.
func NewHelper(st *storage.Store, f bulk.Factory, log *slog.Logger) *Helper {
	return &Helper{store: st, factory: f, log: logging.OrDiscard(log), done: map[string]bool{}}
}

// Prepare creates and fills the key table of an etl_upsert step.
func (h *Helper) Prepare(ctx context.Context, step *mapping.Step) error {
	if step.Action != mapping.ActionETLUpsert {
		return nil
	}
	name := strings.ToLower(KeyTableName(step.SObject, step.UpdateKey))
	if h.done[name] {
		return nil
	}
	if _, err := CreateKeyTable(ctx, h.store, step); err != nil {
		return err
	}
	n, err := Populate(ctx, h.store, h.factory, step, h.log)
	if err != nil {
		return err
	}
	h.log.Debug("upsert keys extracted", "stage", "upsert", "step", step.Name, "records", n)
	h.done[name] = true
	return nil
}

// Join is what the load query adds for an etl_upsert step.
type Join struct {
	// Column selects the matched remote Id, NULL when unmatched.
	Column string
	// Clause is the LEFT OUTER JOIN onto the key table.
	Clause string
}

// SelectForUpsert builds the join of step's table onto its key table. Keys
// compare case-insensitively.
func SelectForUpsert(step *mapping.Step, d storage.Dialect) (Join, error) {
	if len(step.UpdateKey) == 0 {
		return Join{}, &mapping.ConfigError{Step: step.Name, Msg: "'update_key' must always be supplied for upsert."}
	}
	kt := d.Quote(KeyTableName(step.SObject, step.UpdateKey))
	main := d.Quote(step.Table)
	on := make([]string, 0, len(step.UpdateKey))
	for _, key := range step.UpdateKey {
		_, col, ok := step.Fields.GetFold(key)
		if !ok {
			return Join{}, &mapping.ConfigError{Step: step.Name, Msg: fmt.Sprintf("'update_key' %s not found in fields", key)}
		}
		on = append(on, fmt.Sprintf("LOWER(%s.%s) = LOWER(%s.%s)", kt, d.Quote(key), main, d.Quote(col)))
	}
	return Join{
		Column: kt + "." + d.Quote("Id"),
		Clause: fmt.Sprintf("LEFT OUTER JOIN %s ON %s", kt, strings.Join(on, " AND ")),
	}, nil
}
