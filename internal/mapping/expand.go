package mapping

import "fmt"

// AfterStepName names the update step synthesized for lookups deferred after
// step after.
func AfterStepName(sobject, after string) string {
	return fmt.Sprintf("Update %s Dependencies After %s", sobject, after)
}

// Expand returns the run order of steps with deferred lookups split out.
//
// Every lookup marked `after: X` adds, right after step X, an update step on
// the lookup's own object. The update step has no fields; its lookups are Id
// (the owning table's primary key through its id table) followed by the
// deferred lookups with After cleared. Deferred lookups of one object and one
// anchor step share an update step.
//
// The input slice and its steps are not modified.
func Expand(steps []Step) []Step {
	type pending struct {
		names []string
		byKey map[string]*Step
	}
	after := map[string]*pending{}

	for i := range steps {
		s := &steps[i]
		for _, l := range s.Lookups.Values() {
			if l.After == "" {
				continue
			}
			p := after[l.After]
			if p == nil {
				p = &pending{byKey: map[string]*Step{}}
				after[l.After] = p
			}
			name := AfterStepName(s.SObject, l.After)
			u := p.byKey[name]
			if u == nil {
				u = &Step{
					Name:      name,
					SObject:   s.SObject,
					Table:     s.Table,
					Action:    ActionUpdate,
					API:       s.API,
					BatchSize: s.BatchSize,
					BulkMode:  s.BulkMode,
				}
				u.Lookups.Set("Id", Lookup{Name: "Id", Table: s.Table, KeyField: s.PrimaryKey()})
				p.byKey[name] = u
				p.names = append(p.names, name)
			}
			l.After = ""
			u.Lookups.Set(l.Name, l)
		}
	}

	out := make([]Step, 0, len(steps))
	for i := range steps {
		out = append(out, steps[i].Clone())
		if p := after[steps[i].Name]; p != nil {
			for _, name := range p.names {
				out = append(out, *p.byKey[name])
			}
		}
	}
	return out
}

// IsAfterStep reports whether s was synthesized by Expand.
func IsAfterStep(s *Step) bool {
	return s.Action == ActionUpdate && s.Fields.Len() == 0 && s.Lookups.Has("Id")
}
