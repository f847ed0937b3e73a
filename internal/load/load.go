// Package load pushes local rows to an org, step by step, and records the
// remote ids of what it created so later steps can resolve lookups.
//
// A run validates the steps against the org schema, expands deferred
// lookups into update steps, then executes the steps in mapping order. Each
// step streams one ordered local query into a remote operation while the
// local primary key of every row sent goes to a side file. Results come back
// in input order and are paired with the side file line by line.
package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cci/internal/bulk"
	"cci/internal/logging"
	"cci/internal/mapping"
	"cci/internal/storage"
	"cci/internal/upsert"
)

// Options tune a run. Use DefaultOptions for the usual settings.
type Options struct {
	// IgnoreRowErrors logs failed rows instead of failing the step.
	IgnoreRowErrors bool
	// RowWarningLimit caps row error warnings; 0 means bulk.DefaultRowWarningLimit.
	RowWarningLimit int
	// ResetOIDs recreates each id table the first time a run writes to it.
	ResetOIDs bool
	// StartStep skips every step before the named one.
	StartStep string
	// BulkMode applies to steps that do not set bulk_mode.
	BulkMode mapping.BulkMode
	// SetRecentlyViewed marks loaded records as recently viewed.
	SetRecentlyViewed bool
	// SQLPath is a SQL script run against the store before loading.
	SQLPath string
	// StrictUpsert rejects an upsert the org cannot do natively instead of
	// switching it to etl_upsert.
	StrictUpsert bool

	DropMissingSchema bool
	Namespace         string
	InjectNamespace   bool
	StripNamespace    bool
}

// DefaultOptions resets id tables and marks records as recently viewed.
func DefaultOptions() Options {
	return Options{ResetOIDs: true, SetRecentlyViewed: true}
}

// StepState is where a step is in its lifecycle.
type StepState string

const (
	StatePending     StepState = "pending"
	StateQuerying    StepState = "querying_local"
	StateStreaming   StepState = "streaming_to_remote"
	StateAwaiting    StepState = "awaiting_remote_result"
	StateReconciling StepState = "reconciling_ids"
	StateDone        StepState = "done"
	StateFailed      StepState = "failed"
)

// StepResult is the public outcome of one step.
type StepResult struct {
	SObject          string      `json:"sobject"`
	RecordType       string      `json:"record_type"`
	Status           bulk.Status `json:"status"`
	JobErrors        []string    `json:"job_errors"`
	RecordsProcessed int         `json:"records_processed"`
	TotalRowErrors   int         `json:"total_row_errors"`
}

// Result holds the executed steps by name. Order lists them in the order
// they ran; States covers every planned step, skipped ones included.
type Result struct {
	Steps  map[string]StepResult
	Order  []string
	States map[string]StepState
}

func (r *Result) add(name string, res StepResult) {
	if _, ok := r.Steps[name]; !ok {
		r.Order = append(r.Order, name)
	}
	r.Steps[name] = res
}

// Engine runs loads. Store and Org are required.
type Engine struct {
	Store   *storage.Store
	Org     bulk.Org
	Logger  *slog.Logger
	Options Options
	// Now anchors relative dates. nil means time.Now.
	Now func() time.Time
}

// run is the state of one Run call.
type run struct {
	e       *Engine
	log     *slog.Logger
	schema  *mapping.Schema
	plan    []mapping.Step
	tables  *storage.Registry
	upserts *upsert.Helper
	result  *Result

	personAccounts bool
	// personColumn is the IsPersonAccount column of Account and Contact
	// tables, keyed by lowercased table name.
	personColumn map[string]string
	idTables     map[string]bool
	rtLoaded     map[string]bool
}

// Run loads steps in order.
//
// When to use:
//   - steps are the parsed mapping, before expansion.
//
// Errors:
//   - mapping.ConfigError for mappings the org cannot take.
//   - bulk.JobFailedError when a remote job fails; the run stops there.
//   - bulk.DataError for the first row error unless IgnoreRowErrors is set,
//     and for local/remote result count mismatches.
//
// The returned Result is non-nil once planning succeeded, even on error.
func (e *Engine) Run(ctx context.Context, steps []mapping.Step) (*Result, error) {
	if e.Store == nil || e.Org == nil {
		return nil, errors.New("load: Store and Org are required")
	}
	log := logging.OrDiscard(e.Logger)
	start := time.Now()

	if e.Options.SQLPath != "" {
		if err := e.loadScript(ctx); err != nil {
			return nil, err
		}
	}
	if err := mapping.Validate(steps); err != nil {
		return nil, err
	}

	r := &run{
		e:            e,
		log:          log,
		upserts:      upsert.NewHelper(e.Store, e.Org, log),
		result:       &Result{Steps: map[string]StepResult{}, States: map[string]StepState{}},
		personColumn: map[string]string{},
		idTables:     map[string]bool{},
		rtLoaded:     map[string]bool{},
	}
	if err := r.prepare(ctx, steps); err != nil {
		return nil, err
	}
	log.Info("load planned", "stage", "load_plan", "steps", len(r.plan), "duration", logging.Dur(time.Since(start)))

	started := e.Options.StartStep == ""
	var loaded []string
	for i := range r.plan {
		s := &r.plan[i]
		if !started && s.Name != e.Options.StartStep {
			log.Info("Skipping step: "+s.Name, "stage", "load")
			continue
		}
		started = true

		if mapping.IsAfterStep(s) {
			log.Info("Running post-load step: "+s.Name, "stage", "load")
		} else {
			log.Info("Running step: "+s.Name, "stage", "load")
		}
		res, err := r.executeStep(ctx, s)
		r.result.add(s.Name, res)
		if err != nil {
			return r.result, err
		}

		if !mapping.IsAfterStep(s) && s.Action != mapping.ActionDelete && s.Action != mapping.ActionHardDelete {
			loaded = append(loaded, s.SObject)
		}
		if r.personAccounts && strings.EqualFold(s.SObject, "Account") && s.Action == mapping.ActionInsert {
			if err := r.backfillPersonContacts(ctx, s); err != nil {
				return r.result, err
			}
		}
	}

	if e.Options.SetRecentlyViewed {
		r.setRecentlyViewed(ctx, loaded)
	}
	log.Info("load complete", "stage", "load", "steps", len(r.result.Order), "duration", logging.Dur(time.Since(start)))
	return r.result, nil
}

func (e *Engine) loadScript(ctx context.Context) error {
	f, err := os.Open(e.Options.SQLPath)
	if err != nil {
		return fmt.Errorf("load: sql_path: %w", err)
	}
	defer f.Close()
	if err := e.Store.ExecScript(ctx, f); err != nil {
		return fmt.Errorf("load: sql_path %s: %w", e.Options.SQLPath, err)
	}
	return nil
}

// prepare validates steps against the org and the local data and builds the
// expanded plan.
func (r *run) prepare(ctx context.Context, steps []mapping.Step) error {
	e := r.e
	opts := mapping.SchemaOptions{
		Namespace:   e.Options.Namespace,
		Inject:      e.Options.InjectNamespace,
		Strip:       e.Options.StripNamespace,
		DropMissing: e.Options.DropMissingSchema,
		Operation:   bulk.OpInsert,
		Logger:      r.log,
	}
	schema, err := mapping.LoadSchema(ctx, e.Org, steps, opts)
	if err != nil {
		return fmt.Errorf("load: describe: %w", err)
	}
	steps, err = mapping.ValidateSchema(steps, schema, opts)
	if err != nil {
		return err
	}
	r.schema = schema
	_, r.personAccounts = schema.Describe("Account").Field("IsPersonAccount")

	for i := range steps {
		s := &steps[i]
		if s.BulkMode == "" {
			s.BulkMode = e.Options.BulkMode
		}
		if s.Action == mapping.ActionUpsert {
			configured, err := upsert.ConfigureStep(*s, schema.Describe(s.SObject), e.Options.StrictUpsert)
			if err != nil {
				return err
			}
			if configured.Action != s.Action {
				r.log.Info("update_key is not an external id; using etl_upsert", "stage", "load_plan", "step", s.Name)
			}
			*s = configured
		}
		if err := r.checkPersonAccounts(ctx, s); err != nil {
			return err
		}
	}

	r.plan = mapping.Expand(steps)
	r.tables = storage.BuildRegistry(r.plan)
	found := e.Options.StartStep == ""
	for _, s := range r.plan {
		r.result.States[s.Name] = StatePending
		if s.Name == e.Options.StartStep {
			found = true
		}
	}
	if !found {
		return &mapping.ConfigError{Msg: fmt.Sprintf("start_step %q is not a step of the mapping", e.Options.StartStep)}
	}
	return nil
}

func (r *run) now() time.Time {
	if r.e.Now != nil {
		return r.e.Now()
	}
	return time.Now()
}
