package load

import (
	"fmt"
	"strings"
	"time"

	"cci/internal/mapping"
	"cci/internal/storage"
	"cci/internal/upsert"
)

// localQuery is the SELECT feeding one step and the recipe turning its rows
// into remote records.
//
// Selected columns are the local primary key, then one column per mapped
// field and active lookup, then the target record type id when RecordTypeId
// is mapped, then the matched Id of an etl_upsert. The remote record is the
// field and lookup values, the statics, the record type id, and the Id.
type localQuery struct {
	sql  string
	args []any
	// fields is the remote field list, in record order.
	fields []string

	body     int
	statics  []string
	rtColumn bool
	rtStatic string
	upsertID bool
	// skipNoID drops rows without a remote id (deletes).
	skipNoID bool
	// skipEmpty drops update rows with nothing but an Id.
	skipEmpty bool
}

// width is the number of selected columns.
func (q *localQuery) width() int {
	n := 1 + q.body
	if q.rtColumn {
		n++
	}
	if q.upsertID {
		n++
	}
	return n
}

// queryInput is what buildQuery needs beyond the step.
type queryInput struct {
	dialect storage.Dialect
	// personColumn, when set, restricts the rows to non person accounts.
	personColumn string
	// recordTypeColumn is set when the table has a record_type column.
	recordTypeColumn bool
	// staticRecordType is the target id of the step's record_type.
	staticRecordType string
	upsert           *upsert.Join
}

func buildQuery(s *mapping.Step, in queryInput) *localQuery {
	d := in.dialect
	main := d.Quote(s.Table)
	col := func(c string) string { return main + "." + d.Quote(c) }
	asText := func(expr string) string { return "CAST(" + expr + " AS VARCHAR(255))" }

	q := &localQuery{skipEmpty: s.Action == mapping.ActionUpdate}
	selects := []string{col(s.PrimaryKey())}
	var joins, where, order []string

	if s.Action == mapping.ActionDelete || s.Action == mapping.ActionHardDelete {
		q.fields = []string{"Id"}
		q.body = 1
		q.skipNoID = true
		if s.OIDAsPK() {
			selects = append(selects, col(s.PrimaryKey()))
		} else {
			own := d.Quote("own_ids")
			joins = append(joins, fmt.Sprintf("LEFT OUTER JOIN %s %s ON %s.%s = %s",
				d.Quote(s.IDTableName()), own, own, d.Quote("id"), asText(col(s.PrimaryKey()))))
			selects = append(selects, own+"."+d.Quote("sf_id"))
		}
	} else {
		q.fields = s.LoadFieldList()
		for i, l := range s.ActiveLookups() {
			alias := d.Quote(fmt.Sprintf("lookup_%d", i))
			joins = append(joins, fmt.Sprintf("LEFT OUTER JOIN %s %s ON %s.%s = %s",
				d.Quote(l.Table+"_sf_ids"), alias, alias, d.Quote("id"), asText(col(l.KeyFieldOrDefault()))))
			order = append(order, col(l.KeyFieldOrDefault()))
		}
		lookupAlias := map[string]string{}
		for i, l := range s.ActiveLookups() {
			lookupAlias[strings.ToLower(l.Name)] = d.Quote(fmt.Sprintf("lookup_%d", i))
		}
		for _, f := range q.fields {
			if strings.EqualFold(f, "RecordTypeId") {
				continue
			}
			if _, c, ok := s.Fields.GetFold(f); ok {
				selects = append(selects, col(c))
				q.body++
				continue
			}
			if alias, ok := lookupAlias[strings.ToLower(f)]; ok {
				selects = append(selects, alias+"."+d.Quote("sf_id"))
				q.body++
				continue
			}
			if _, v, ok := s.Static.GetFold(f); ok {
				q.statics = append(q.statics, v)
			}
		}

		switch {
		case s.RecordType != "":
			q.rtStatic = in.staticRecordType
		case s.HasRecordTypeField():
			rtCol, _ := s.RecordTypeColumn()
			source, target := d.Quote("rt_source"), d.Quote("rt_target")
			joins = append(joins,
				fmt.Sprintf("LEFT OUTER JOIN %s %s ON %s.%s = %s",
					d.Quote(s.RTMappingTable()), source, source, d.Quote("record_type_id"), col(rtCol)),
				fmt.Sprintf("LEFT OUTER JOIN %s %s ON %s.%s = %s.%s",
					d.Quote(s.RTTargetTable()), target, target, d.Quote("developer_name"), source, d.Quote("developer_name")))
			selects = append(selects, target+"."+d.Quote("record_type_id"))
			q.rtColumn = true
		}

		if in.upsert != nil {
			joins = append(joins, in.upsert.Clause)
			selects = append(selects, in.upsert.Column)
			q.fields = append(q.fields, "Id")
			q.upsertID = true
		}
	}

	if s.RecordType != "" && in.recordTypeColumn {
		where = append(where, col("record_type")+" = ?")
		q.args = append(q.args, s.RecordType)
	}
	for _, f := range s.Filters {
		where = append(where, "("+f+")")
	}
	if in.personColumn != "" {
		where = append(where, fmt.Sprintf("LOWER(%s) = 'false'", col(in.personColumn)))
	}
	order = append(order, col(s.PrimaryKey()))

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(selects, ", "), main)
	for _, j := range joins {
		b.WriteString(" " + j)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY " + strings.Join(order, ", "))
	q.sql = b.String()
	return q
}

// assemble turns one selected row into the local id and the remote record.
// ok is false for rows the step skips.
func (q *localQuery) assemble(vals []*string) (id string, rec []*string, ok bool) {
	id = storage.NormalizeKey(vals[0])
	rec = make([]*string, 0, len(q.fields))
	rec = append(rec, vals[1:1+q.body]...)
	for i := range q.statics {
		rec = append(rec, &q.statics[i])
	}
	next := 1 + q.body
	switch {
	case q.rtColumn:
		rec = append(rec, vals[next])
		next++
	case q.rtStatic != "":
		rec = append(rec, &q.rtStatic)
	}
	if q.upsertID {
		rec = append(rec, vals[next])
	}

	if q.skipNoID && rec[0] == nil {
		return id, nil, false
	}
	if q.skipEmpty && len(rec) > 1 {
		empty := true
		for _, v := range rec[1:] {
			if v != nil {
				empty = false
				break
			}
		}
		if empty {
			return id, nil, false
		}
	}
	return id, rec, true
}

// dateShift moves date and datetime fields by a whole number of days.
type dateShift struct {
	days      int
	dates     []int
	datetimes []int
}

// Salesforce writes datetimes with a numeric zone and no colon.
var datetimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// newDateShift shifts by today minus anchor. Positions index the remote
// record, so fields must be a step's remote field list.
func newDateShift(anchor, today time.Time, fields []string, dateFields, datetimeFields []string) *dateShift {
	if anchor.IsZero() {
		return nil
	}
	y, m, d := today.Date()
	days := int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Sub(anchor.UTC()).Hours() / 24)
	if days == 0 {
		return nil
	}
	sh := &dateShift{days: days}
	for i, f := range fields {
		for _, df := range dateFields {
			if strings.EqualFold(f, df) {
				sh.dates = append(sh.dates, i)
			}
		}
		for _, df := range datetimeFields {
			if strings.EqualFold(f, df) {
				sh.datetimes = append(sh.datetimes, i)
			}
		}
	}
	if len(sh.dates) == 0 && len(sh.datetimes) == 0 {
		return nil
	}
	return sh
}

// apply rewrites rec in place. Values that do not parse are left alone.
func (sh *dateShift) apply(rec []*string) {
	if sh == nil {
		return
	}
	for _, i := range sh.dates {
		if i >= len(rec) || rec[i] == nil {
			continue
		}
		if t, err := time.Parse(time.DateOnly, *rec[i]); err == nil {
			v := t.AddDate(0, 0, sh.days).Format(time.DateOnly)
			rec[i] = &v
		}
	}
	for _, i := range sh.datetimes {
		if i >= len(rec) || rec[i] == nil {
			continue
		}
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, *rec[i]); err == nil {
				v := t.AddDate(0, 0, sh.days).Format(layout)
				rec[i] = &v
				break
			}
		}
	}
}
