// Package mapping models the steps of a bulk data mapping file: which remote
// object each local table feeds, how columns map to fields, and how lookups
// between tables are resolved.
package mapping

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"cci/internal/bulk"
)

// Action is what a load step does with its rows.
type Action string

const (
	ActionInsert     Action = "insert"
	ActionUpdate     Action = "update"
	ActionUpsert     Action = "upsert"
	ActionETLUpsert  Action = "etl_upsert"
	ActionDelete     Action = "delete"
	ActionHardDelete Action = "hard_delete"
)

// ParseAction accepts any case and the remote spelling "hardDelete".
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "insert":
		return ActionInsert, nil
	case "update":
		return ActionUpdate, nil
	case "upsert":
		return ActionUpsert, nil
	case "etl_upsert":
		return ActionETLUpsert, nil
	case "delete":
		return ActionDelete, nil
	case "hard_delete", "harddelete":
		return ActionHardDelete, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Operation is the remote operation that carries out the action.
func (a Action) Operation() bulk.OperationType {
	switch a {
	case ActionUpdate:
		return bulk.OpUpdate
	case ActionUpsert:
		return bulk.OpUpsert
	case ActionETLUpsert:
		return bulk.OpETLUpsert
	case ActionDelete:
		return bulk.OpDelete
	case ActionHardDelete:
		return bulk.OpHardDelete
	default:
		return bulk.OpInsert
	}
}

// IsUpsert is true for both native and emulated upserts.
func (a Action) IsUpsert() bool { return a == ActionUpsert || a == ActionETLUpsert }

// BulkMode is the Bulk API concurrency mode.
type BulkMode string

const (
	BulkModeSerial   BulkMode = "Serial"
	BulkModeParallel BulkMode = "Parallel"
)

// ParseBulkMode title-cases s. Empty means unset.
func ParseBulkMode(s string) (BulkMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "serial":
		return BulkModeSerial, nil
	case "parallel":
		return BulkModeParallel, nil
	}
	return "", fmt.Errorf("bulk_mode must be Serial or Parallel, got %q", s)
}

// ParseAPI normalises the api key. Empty means smart.
func ParseAPI(s string) (bulk.API, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "smart":
		return bulk.APISmart, nil
	case "bulk":
		return bulk.APIBulk, nil
	case "rest":
		return bulk.APIREST, nil
	}
	return "", fmt.Errorf("unknown api %q", s)
}

// Batch size bounds of a step.
const (
	DefaultBatchSize = 200
	MaxBatchSize     = 10000
)

// Lookup resolves a reference field through another local table.
type Lookup struct {
	// Name is the remote reference field, the key under `lookups`.
	Name       string
	Table      string
	KeyField   string
	ValueField string
	JoinField  string
	// After defers the lookup to an update run after the named step.
	After string
}

// KeyFieldOrDefault is the local column holding the reference.
func (l Lookup) KeyFieldOrDefault() string {
	if l.KeyField != "" {
		return l.KeyField
	}
	return l.Name
}

// Step is one entry of a mapping file.
type Step struct {
	Name    string
	SObject string
	Table   string
	// Fields maps remote field to local column.
	Fields  OrderedMap[string]
	Lookups OrderedMap[Lookup]
	// Static values are sent with every row.
	Static OrderedMap[string]
	// Filters are raw SQL conditions applied to the local query.
	Filters []string
	// SOQLFilter narrows the remote query of an extract.
	SOQLFilter string
	Action     Action
	API        bulk.API
	BatchSize  int
	BulkMode   BulkMode
	// AnchorDate shifts date fields by today minus the anchor when set.
	AnchorDate time.Time
	RecordType string
	UpdateKey  []string
}

// Clone deep-copies s.
func (s Step) Clone() Step {
	out := s
	out.Fields = s.Fields.Clone()
	out.Lookups = s.Lookups.Clone()
	out.Static = s.Static.Clone()
	out.Filters = slices.Clone(s.Filters)
	out.UpdateKey = slices.Clone(s.UpdateKey)
	return out
}

// OIDAsPK is true when the remote Id is mapped and used as local primary key.
func (s *Step) OIDAsPK() bool { return s.Fields.HasFold("Id") }

// PrimaryKey is the local primary key column.
func (s *Step) PrimaryKey() string {
	if _, col, ok := s.Fields.GetFold("Id"); ok {
		return col
	}
	return "id"
}

// IDTableName is the local table recording remote ids of loaded rows.
func (s *Step) IDTableName() string { return s.Table + "_sf_ids" }

// ExtractIDTableName is the scratch table used while extracting.
func (s *Step) ExtractIDTableName() string { return s.Table + "_sf_id" }

// RTMappingTable holds the record types of the source org.
func (s *Step) RTMappingTable() string { return RTMappingTable(s.SObject) }

// RTTargetTable holds the record types of the target org.
func (s *Step) RTTargetTable() string { return s.SObject + "_rt_target_mapping" }

// RTMappingTable for an object.
func RTMappingTable(sobject string) string { return sobject + "_rt_mapping" }

// HasRecordTypeField reports whether RecordTypeId is mapped.
func (s *Step) HasRecordTypeField() bool { return s.Fields.HasFold("RecordTypeId") }

// RecordTypeColumn is the local column of RecordTypeId, if mapped.
func (s *Step) RecordTypeColumn() (string, bool) {
	_, col, ok := s.Fields.GetFold("RecordTypeId")
	return col, ok
}

// ActiveLookups are the lookups resolved during the step itself.
func (s *Step) ActiveLookups() []Lookup {
	var out []Lookup
	for _, l := range s.Lookups.Values() {
		if l.After == "" {
			out = append(out, l)
		}
	}
	return out
}

// LoadFieldList is the remote field order of a load: fields, immediate
// lookups, statics, then RecordTypeId last when record types are involved.
// Id is not sent on insert.
func (s *Step) LoadFieldList() []string {
	var out []string
	for _, f := range s.Fields.Keys() {
		if strings.EqualFold(f, "RecordTypeId") {
			continue
		}
		if strings.EqualFold(f, "Id") && s.Action == ActionInsert {
			continue
		}
		out = append(out, f)
	}
	for _, l := range s.ActiveLookups() {
		out = append(out, l.Name)
	}
	for _, f := range s.Static.Keys() {
		if strings.EqualFold(f, "RecordTypeId") {
			continue
		}
		out = append(out, f)
	}
	if s.RecordType != "" || s.HasRecordTypeField() {
		out = append(out, "RecordTypeId")
	}
	return out
}

// CompleteFieldMap maps every remote field the step reads to its local
// column, lookups included. includeID prepends Id→sf_id when Id is unmapped.
func (s *Step) CompleteFieldMap(includeID bool) OrderedMap[string] {
	out := OrderedMap[string]{}
	if includeID && !s.OIDAsPK() {
		out.Set("Id", "sf_id")
	}
	for _, k := range s.Fields.Keys() {
		v, _ := s.Fields.Get(k)
		out.Set(k, v)
	}
	for _, l := range s.Lookups.Values() {
		out.Set(l.Name, l.KeyFieldOrDefault())
	}
	return out
}

// ExtractFieldList is the remote field order of an extract; Id is first.
func (s *Step) ExtractFieldList() []string {
	out := []string{"Id"}
	m := s.CompleteFieldMap(true)
	for _, k := range m.Keys() {
		if strings.EqualFold(k, "Id") {
			continue
		}
		out = append(out, k)
	}
	return out
}

// ConfigError is a mapping that cannot be used as written.
type ConfigError struct {
	Step string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Step == "" {
		return "mapping: " + e.Msg
	}
	return fmt.Sprintf("mapping: step %q: %s", e.Step, e.Msg)
}
