package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cci/internal/bulk"
	"cci/internal/logging"
)

// Schema is the remote metadata a mapping is checked against.
type Schema struct {
	Global    []bulk.SObjectSummary
	describes map[string]*bulk.SObjectDescribe
}

// NewSchema indexes describes by lower-cased object name.
func NewSchema(global []bulk.SObjectSummary, describes []*bulk.SObjectDescribe) *Schema {
	s := &Schema{Global: global, describes: map[string]*bulk.SObjectDescribe{}}
	for _, d := range describes {
		if d != nil {
			s.describes[strings.ToLower(d.Name)] = d
		}
	}
	return s
}

// Describe returns the describe of sobject, or nil.
func (s *Schema) Describe(sobject string) *bulk.SObjectDescribe {
	return s.describes[strings.ToLower(sobject)]
}

// SchemaOptions controls ValidateSchema.
type SchemaOptions struct {
	Namespace string
	// Inject prefixes custom names with Namespace when the prefixed name exists.
	Inject bool
	// Strip removes a leading Namespace when the bare name exists.
	Strip bool
	// DropMissing drops unusable steps and fields instead of failing.
	DropMissing bool
	// Operation is OpQuery for extracts and OpInsert for loads.
	Operation bulk.OperationType
	Logger    *slog.Logger
}

func nameCandidates(name string, opts SchemaOptions) []string {
	var out []string
	ns := opts.Namespace
	if ns != "" && opts.Inject && strings.Count(name, "__") == 1 {
		out = append(out, ns+"__"+name)
	}
	if ns != "" && opts.Strip {
		parts := strings.Split(name, "__")
		if len(parts) == 3 && strings.EqualFold(parts[0], ns) {
			out = append(out, parts[1]+"__"+parts[2])
		}
	}
	return append(out, name)
}

// CandidateObjects lists every object name ValidateSchema may look up, so
// the caller can fetch their describes up front.
func CandidateObjects(steps []Step, global []bulk.SObjectSummary, opts SchemaOptions) []string {
	seen := map[string]bool{}
	var out []string
	for i := range steps {
		for _, c := range nameCandidates(steps[i].SObject, opts) {
			o, ok := bulk.FindGlobal(global, c)
			if !ok || seen[strings.ToLower(o.Name)] {
				continue
			}
			seen[strings.ToLower(o.Name)] = true
			out = append(out, o.Name)
		}
	}
	return out
}

// LoadSchema fetches the global describe and the describe of every object
// the steps may resolve to.
func LoadSchema(ctx context.Context, d bulk.Describer, steps []Step, opts SchemaOptions) (*Schema, error) {
	global, err := d.DescribeGlobal(ctx)
	if err != nil {
		return nil, err
	}
	describes, err := bulk.DescribeMany(ctx, d, CandidateObjects(steps, global, opts))
	if err != nil {
		return nil, err
	}
	return NewSchema(global, describes), nil
}

type permissions struct{ createable, updateable, queryable bool }

func (s *Step) permitted(p permissions, op bulk.OperationType) bool {
	switch {
	case op == bulk.OpQuery:
		return p.queryable
	case s.Action == ActionUpdate:
		return p.updateable
	default:
		return p.createable
	}
}

// ValidateSchema checks every step against the org schema and returns the
// steps rewritten to the org's spelling of object and field names, with
// namespaces injected or stripped as requested.
//
// Edge cases:
//   - Names match case-insensitively and are replaced by the canonical name.
//   - With DropMissing, unusable steps and fields are dropped with a warning;
//     a lookup into a dropped table is dropped too unless its field is
//     required, which is an error.
//
// Errors:
//   - *ConfigError listing every problem when DropMissing is off.
func ValidateSchema(steps []Step, schema *Schema, opts SchemaOptions) ([]Step, error) {
	log := logging.OrDiscard(opts.Logger)

	var (
		out     []Step
		errs    []string
		dropped = map[string]string{}
	)
	report := func(msg string) {
		if opts.DropMissing {
			log.Warn(msg, "stage", "mapping")
			return
		}
		log.Error(msg, "stage", "mapping")
		errs = append(errs, msg)
	}

	for i := range steps {
		s := steps[i].Clone()

		obj, describe, ok := resolveObject(&s, schema, opts)
		if !ok {
			report(fmt.Sprintf("%s does not exist or is not accessible for %s in step %s", s.SObject, opts.Operation, s.Name))
			dropped[s.Table] = s.SObject
			continue
		}
		s.SObject = obj

		renames := map[string]string{}
		for _, f := range s.Fields.Keys() {
			if strings.EqualFold(f, "Id") {
				if f != "Id" {
					s.Fields.Rename(f, "Id")
				}
				continue
			}
			canon, ok := resolveField(&s, f, describe, opts)
			if !ok {
				report(fmt.Sprintf("Field %s.%s does not exist or is not accessible for %s", s.SObject, f, opts.Operation))
				s.Fields.Delete(f)
				continue
			}
			s.Fields.Rename(f, canon)
			renames[strings.ToLower(f)] = canon
		}
		for _, f := range s.Lookups.Keys() {
			canon, ok := resolveField(&s, f, describe, opts)
			if !ok {
				report(fmt.Sprintf("Field %s.%s does not exist or is not accessible for %s", s.SObject, f, opts.Operation))
				s.Lookups.Delete(f)
				continue
			}
			l, _ := s.Lookups.Get(f)
			l.Name = canon
			s.Lookups.Set(f, l)
			s.Lookups.Rename(f, canon)
		}
		for j, k := range s.UpdateKey {
			if canon, ok := renames[strings.ToLower(k)]; ok {
				s.UpdateKey[j] = canon
			}
		}
		out = append(out, s)
	}

	if len(errs) > 0 {
		return nil, &ConfigError{Msg: "One or more schema or permissions errors blocked the operation: " + strings.Join(errs, "; ")}
	}

	for i := range out {
		s := &out[i]
		for _, l := range s.Lookups.Values() {
			target, gone := dropped[l.Table]
			if !gone {
				continue
			}
			if f, ok := schema.Describe(s.SObject).Field(l.Name); ok && !f.Nillable {
				return nil, &ConfigError{Msg: fmt.Sprintf(
					"%s.%s is a required field, but the target object %s was removed from the operation due to missing permissions.",
					s.SObject, l.Name, target)}
			}
			log.Warn("dropping lookup into removed table", "stage", "mapping", "step", s.Name, "field", l.Name, "table", l.Table)
			s.Lookups.Delete(l.Name)
		}
	}
	return out, nil
}

func resolveObject(s *Step, schema *Schema, opts SchemaOptions) (string, *bulk.SObjectDescribe, bool) {
	for _, c := range nameCandidates(s.SObject, opts) {
		o, ok := bulk.FindGlobal(schema.Global, c)
		if !ok {
			continue
		}
		p := permissions{createable: o.Createable, updateable: o.Updateable, queryable: o.Queryable}
		if !s.permitted(p, opts.Operation) {
			return "", nil, false
		}
		return o.Name, schema.Describe(o.Name), true
	}
	return "", nil, false
}

func resolveField(s *Step, name string, d *bulk.SObjectDescribe, opts SchemaOptions) (string, bool) {
	for _, c := range nameCandidates(name, opts) {
		f, ok := d.Field(c)
		if !ok {
			continue
		}
		if opts.Operation == bulk.OpQuery {
			return f.Name, true
		}
		p := permissions{createable: f.Createable, updateable: f.Updateable}
		if !s.permitted(p, opts.Operation) {
			return "", false
		}
		return f.Name, true
	}
	return "", false
}

// AddPersonAccountFields maps IsPersonAccount on Account and Contact steps.
func AddPersonAccountFields(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i := range steps {
		s := steps[i].Clone()
		if (strings.EqualFold(s.SObject, "Account") || strings.EqualFold(s.SObject, "Contact")) && !s.Fields.HasFold("IsPersonAccount") {
			s.Fields.Set("IsPersonAccount", "IsPersonAccount")
		}
		out[i] = s
	}
	return out
}
