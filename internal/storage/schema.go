// The TableSpec types live here so the engines and every backend can share
// them without import cycles.
package storage

import (
	"fmt"
	"strings"

	"cci/internal/mapping"
)

// Logical column types. Each Dialect maps them to a concrete type.
const (
	TypeText   = "text"
	TypeString = "string" // bounded text, Unicode(255)
	TypeSerial = "serial"
)

type TableSpec struct {
	Name        string           `json:"name"`
	PrimaryKey  *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // serial or text
}

type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable *bool  `json:"nullable,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

// ColumnNames lists the primary key then every column.
func (t TableSpec) ColumnNames() []string {
	var out []string
	if t.PrimaryKey != nil {
		out = append(out, t.PrimaryKey.Name)
	}
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// HasColumn reports whether t declares name, case-insensitively.
func (t TableSpec) HasColumn(name string) bool {
	for _, c := range t.ColumnNames() {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// IDTableSpec is `<table>_sf_ids`: local primary key to remote id.
func IDTableSpec(name string) TableSpec {
	return TableSpec{
		Name:       name,
		PrimaryKey: &PrimaryKeySpec{Name: "id", Type: TypeText},
		Columns:    []ColumnSpec{{Name: "sf_id", Type: TypeText}},
	}
}

// ExtractIDTableSpec is the scratch `<table>_sf_id` table of an extract.
func ExtractIDTableSpec(name string) TableSpec {
	return TableSpec{
		Name:       name,
		PrimaryKey: &PrimaryKeySpec{Name: "id", Type: TypeSerial},
		Columns:    []ColumnSpec{{Name: "sf_id", Type: TypeText}},
	}
}

// RecordTypeSpec is `<sobject>_rt_mapping` or `<sobject>_rt_target_mapping`.
func RecordTypeSpec(name string) TableSpec {
	return TableSpec{
		Name:       name,
		PrimaryKey: &PrimaryKeySpec{Name: "record_type_id", Type: TypeText},
		Columns:    []ColumnSpec{{Name: "developer_name", Type: TypeText}},
	}
}

// StepTableSpec is the data table of a step as an extract creates it. The
// primary key is the mapped Id column when present, else an autoincrement id.
// Every other column is text.
func StepTableSpec(s *mapping.Step) TableSpec {
	t := TableSpec{Name: s.Table}
	pk := s.PrimaryKey()
	if s.OIDAsPK() {
		t.PrimaryKey = &PrimaryKeySpec{Name: pk, Type: TypeText}
	} else {
		t.PrimaryKey = &PrimaryKeySpec{Name: "id", Type: TypeSerial}
	}

	seen := map[string]bool{strings.ToLower(pk): true}
	fields := s.CompleteFieldMap(false)
	for _, col := range fields.Values() {
		if seen[strings.ToLower(col)] {
			continue
		}
		seen[strings.ToLower(col)] = true
		t.Columns = append(t.Columns, ColumnSpec{Name: col, Type: TypeText})
	}
	if s.RecordType != "" && !seen["record_type"] {
		t.Columns = append(t.Columns, ColumnSpec{Name: "record_type", Type: TypeText})
	}
	return t
}

// Registry is the explicit schema of a run: table name to spec, in the
// order tables were added.
type Registry struct {
	order  []string
	tables map[string]TableSpec
}

func NewRegistry() *Registry { return &Registry{tables: map[string]TableSpec{}} }

// Add registers t. A second spec for the same name replaces the first.
func (r *Registry) Add(t TableSpec) {
	key := strings.ToLower(t.Name)
	if _, ok := r.tables[key]; !ok {
		r.order = append(r.order, key)
	}
	r.tables[key] = t
}

func (r *Registry) Get(name string) (TableSpec, bool) {
	t, ok := r.tables[strings.ToLower(name)]
	return t, ok
}

// MustGet panics when name is unknown; callers register tables up front.
func (r *Registry) MustGet(name string) TableSpec {
	t, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("storage: table %q is not registered", name))
	}
	return t
}

// Tables lists every spec in registration order.
func (r *Registry) Tables() []TableSpec {
	out := make([]TableSpec, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.tables[k])
	}
	return out
}

// BuildRegistry describes every table the steps read or write: the data
// tables, their id tables, and the record type tables of steps mapping
// RecordTypeId. The first step naming a data table decides its spec. Engines
// build it once per run and look tables up in it rather than inspecting the
// database.
func BuildRegistry(steps []mapping.Step) *Registry {
	r := NewRegistry()
	for i := range steps {
		s := &steps[i]
		if _, ok := r.Get(s.Table); !ok {
			r.Add(StepTableSpec(s))
		}
		r.Add(IDTableSpec(s.IDTableName()))
		if s.HasRecordTypeField() {
			r.Add(RecordTypeSpec(s.RTMappingTable()))
			r.Add(RecordTypeSpec(s.RTTargetTable()))
		}
	}
	return r
}
