package mapping

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cci/internal/bulk"
	"cci/internal/logging"
)

var stepKeys = map[string]bool{
	"sf_object": true, "table": true, "fields": true, "lookups": true,
	"static": true, "filters": true, "soql_filter": true, "action": true,
	"api": true, "batch_size": true, "bulk_mode": true, "anchor_date": true,
	"record_type": true, "update_key": true, "oid_as_pk": true,
}

var lookupKeys = map[string]bool{
	"table": true, "key_field": true, "value_field": true, "join_field": true, "after": true,
}

// ParseFile reads and validates a mapping file.
func ParseFile(path string, log *slog.Logger) ([]Step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, log)
}

// Parse reads a mapping document and validates it. Step order follows the
// file.
//
// Edge cases:
//   - `fields` may be a list; each entry maps to a column of the same name.
//   - `table` defaults to `sf_object`.
//   - `oid_as_pk` is rejected; map Id instead.
//   - `record_type` is accepted with a deprecation warning.
//
// Errors:
//   - *ConfigError for unknown keys, bad values or a failed Validate.
func Parse(r io.Reader, log *slog.Logger) ([]Step, error) {
	log = logging.OrDiscard(log)

	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ConfigError{Msg: "mapping file is empty"}
		}
		return nil, &ConfigError{Msg: fmt.Sprintf("invalid yaml: %v", err)}
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, &ConfigError{Msg: "mapping file must be a map of step names to steps"}
	}

	var steps []Step
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		step, err := parseStep(name, root.Content[i+1], log)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	if err := Validate(steps); err != nil {
		return nil, err
	}
	canonicalLookupTables(steps)
	return steps, nil
}

// canonicalLookupTables spells every lookup table the way the first step
// loading it does. Validate matches them case-insensitively.
func canonicalLookupTables(steps []Step) {
	tables := map[string]string{}
	for i := range steps {
		key := strings.ToLower(steps[i].Table)
		if _, ok := tables[key]; !ok {
			tables[key] = steps[i].Table
		}
	}
	for i := range steps {
		lookups := &steps[i].Lookups
		for _, name := range lookups.Keys() {
			l, _ := lookups.Get(name)
			if t, ok := tables[strings.ToLower(l.Table)]; ok {
				l.Table = t
				lookups.Set(name, l)
			}
		}
	}
}

func parseStep(name string, n *yaml.Node, log *slog.Logger) (Step, error) {
	bad := func(format string, args ...any) error {
		return &ConfigError{Step: name, Msg: fmt.Sprintf(format, args...)}
	}
	if n.Kind != yaml.MappingNode {
		return Step{}, bad("step must be a map")
	}

	s := Step{Name: name, BatchSize: DefaultBatchSize, API: bulk.APISmart, Action: ActionInsert}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]
		if !stepKeys[key] {
			return Step{}, bad("unknown key %q", key)
		}
		var err error
		switch key {
		case "sf_object":
			s.SObject = val.Value
		case "table":
			s.Table = val.Value
		case "fields":
			s.Fields, err = parseFields(val)
		case "lookups":
			s.Lookups, err = parseLookups(val)
		case "static":
			s.Static, err = parseStringMap(val)
		case "filters":
			s.Filters, err = parseStringList(val)
		case "soql_filter":
			s.SOQLFilter = val.Value
		case "action":
			s.Action, err = ParseAction(val.Value)
		case "api":
			s.API, err = ParseAPI(val.Value)
		case "bulk_mode":
			s.BulkMode, err = ParseBulkMode(val.Value)
		case "batch_size":
			s.BatchSize, err = strconv.Atoi(val.Value)
			if err == nil && (s.BatchSize < 1 || s.BatchSize > MaxBatchSize) {
				err = fmt.Errorf("batch_size must be between 1 and %d", MaxBatchSize)
			}
		case "anchor_date":
			s.AnchorDate, err = time.Parse(time.DateOnly, val.Value)
			if err != nil {
				err = fmt.Errorf("anchor_date must be YYYY-MM-DD: %q", val.Value)
			}
		case "record_type":
			s.RecordType = val.Value
			log.Warn("record_type is deprecated; map RecordTypeId instead", "stage", "mapping", "step", name)
		case "update_key":
			s.UpdateKey, err = parseStringList(val)
		case "oid_as_pk":
			err = errors.New("oid_as_pk is no longer supported. Include the Id field if desired.")
		}
		if err != nil {
			var ce *ConfigError
			if errors.As(err, &ce) {
				return Step{}, err
			}
			return Step{}, bad("%s: %v", key, err)
		}
	}

	if s.SObject == "" {
		return Step{}, bad("sf_object is required")
	}
	if s.Table == "" {
		s.Table = s.SObject
	}
	return s, nil
}

func parseFields(n *yaml.Node) (OrderedMap[string], error) {
	switch n.Kind {
	case yaml.SequenceNode:
		out := OrderedMap[string]{}
		for _, item := range n.Content {
			out.Set(item.Value, item.Value)
		}
		return out, nil
	case yaml.MappingNode:
		return parseStringMap(n)
	}
	return OrderedMap[string]{}, errors.New("must be a list or a map")
}

func parseStringMap(n *yaml.Node) (OrderedMap[string], error) {
	out := OrderedMap[string]{}
	if n.Kind != yaml.MappingNode {
		return out, errors.New("must be a map")
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		out.Set(n.Content[i].Value, n.Content[i+1].Value)
	}
	return out, nil
}

func parseStringList(n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Value == "" {
			return nil, nil
		}
		return []string{n.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, errors.New("must be a list of strings")
			}
			out = append(out, item.Value)
		}
		return out, nil
	}
	return nil, errors.New("must be a string or a list of strings")
}

func parseLookups(n *yaml.Node) (OrderedMap[Lookup], error) {
	out := OrderedMap[Lookup]{}
	if n.Kind != yaml.MappingNode {
		return out, errors.New("must be a map")
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		field, body := n.Content[i].Value, n.Content[i+1]
		if body.Kind != yaml.MappingNode {
			return out, fmt.Errorf("lookup %s must be a map", field)
		}
		l := Lookup{Name: field}
		for j := 0; j+1 < len(body.Content); j += 2 {
			key, val := body.Content[j].Value, body.Content[j+1].Value
			if !lookupKeys[key] {
				return out, fmt.Errorf("lookup %s: unknown key %q", field, key)
			}
			switch key {
			case "table":
				l.Table = val
			case "key_field":
				l.KeyField = val
			case "value_field":
				l.ValueField = val
			case "join_field":
				l.JoinField = val
			case "after":
				l.After = val
			}
		}
		if l.Table == "" {
			return out, fmt.Errorf("lookup %s: table is required", field)
		}
		out.Set(field, l)
	}
	return out, nil
}

// Validate checks the rules that span steps.
//
// Errors:
//   - Id mapped in some steps but not others.
//   - upsert without update_key, update_key without upsert, or an
//     update_key field that is not mapped.
//   - a lookup naming a table no step loads, or an `after` naming no step.
func Validate(steps []Step) error {
	tables := map[string]bool{}
	names := map[string]bool{}
	withID := 0
	for i := range steps {
		tables[strings.ToLower(steps[i].Table)] = true
		names[steps[i].Name] = true
		if steps[i].OIDAsPK() {
			withID++
		}
	}
	if withID != 0 && withID != len(steps) {
		return &ConfigError{Msg: "Id must be mapped in all steps or in no steps."}
	}

	for i := range steps {
		s := &steps[i]
		switch {
		case s.Action.IsUpsert() && len(s.UpdateKey) == 0:
			return &ConfigError{Step: s.Name, Msg: "'update_key' must always be supplied for upsert."}
		case !s.Action.IsUpsert() && len(s.UpdateKey) > 0:
			return &ConfigError{Step: s.Name, Msg: "'update_key' can only be specified when using upsert."}
		}
		for _, k := range s.UpdateKey {
			if !s.Fields.HasFold(k) {
				return &ConfigError{Step: s.Name, Msg: fmt.Sprintf("'update_key' %s not found in fields", k)}
			}
		}
		for _, l := range s.Lookups.Values() {
			if !tables[strings.ToLower(l.Table)] {
				return &ConfigError{Step: s.Name, Msg: fmt.Sprintf("lookup %s points at table %s, which no step loads", l.Name, l.Table)}
			}
			if l.After != "" && !names[l.After] {
				return &ConfigError{Step: s.Name, Msg: fmt.Sprintf("lookup %s is deferred after unknown step %q", l.Name, l.After)}
			}
		}
		if strings.TrimSpace(s.Table) == "" {
			return &ConfigError{Step: s.Name, Msg: "table is empty"}
		}
	}
	return nil
}
