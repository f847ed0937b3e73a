package load

import (
	"context"
	"fmt"
	"strings"

	"cci/internal/bulk"
	"cci/internal/mapping"
	"cci/internal/storage"
)

// personBatch is how many account ids one PersonContactId query asks for.
const personBatch = 200

func hasColumn(cols []string, name string) string {
	for _, c := range cols {
		if strings.EqualFold(c, name) {
			return c
		}
	}
	return ""
}

// text renders a queried value; missing values are empty.
func text(v any) string {
	if v == nil {
		return ""
	}
	return storage.Stringify(v)
}

func soqlQuote(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
}

// checkPersonAccounts records the IsPersonAccount column of Account and
// Contact tables. Person account rows are an error when the org does not
// have person accounts.
//
// The column is written by extracts of person account orgs whether or not
// the mapping names it, so it is the one column looked up in the database
// rather than in the run's registry.
func (r *run) checkPersonAccounts(ctx context.Context, s *mapping.Step) error {
	if !strings.EqualFold(s.SObject, "Account") && !strings.EqualFold(s.SObject, "Contact") {
		return nil
	}
	cols, err := r.e.Store.Columns(ctx, s.Table)
	if err != nil {
		return err
	}
	col := hasColumn(cols, "IsPersonAccount")
	if col == "" {
		return nil
	}
	r.personColumn[strings.ToLower(s.Table)] = col
	if r.personAccounts {
		return nil
	}

	q := r.e.Store.Quote
	rows, err := r.e.Store.QueryStrings(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE LOWER(%s) = 'true'", q(s.Table), q(col)))
	if err != nil {
		return err
	}
	if len(rows) > 0 && rows[0][0] != nil && *rows[0][0] != "0" {
		return &bulk.DataError{Msg: fmt.Sprintf(
			"Table %s contains Person Account records, but Person Accounts are not enabled in the org", s.Table)}
	}
	return nil
}

// backfillPersonContacts records the remote ids of the contacts the org
// created for person accounts inserted by account. Their local rows are
// excluded from Contact loads.
func (r *run) backfillPersonContacts(ctx context.Context, account *mapping.Step) error {
	for i := range r.plan {
		c := &r.plan[i]
		if !strings.EqualFold(c.SObject, "Contact") || mapping.IsAfterStep(c) {
			continue
		}
		col := r.personColumn[strings.ToLower(c.Table)]
		if col == "" {
			continue
		}
		var key string
		for _, l := range c.Lookups.Values() {
			if strings.EqualFold(l.Table, account.Table) {
				key = l.KeyFieldOrDefault()
				break
			}
		}
		if key == "" {
			continue
		}
		if err := r.backfillContacts(ctx, account, c, col, key); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) backfillContacts(ctx context.Context, account, contact *mapping.Step, personCol, accountCol string) error {
	q := r.e.Store.Quote
	main := q(contact.Table)
	ids := q(account.IDTableName())
	local, err := r.e.Store.QueryStrings(ctx, fmt.Sprintf(
		"SELECT CAST(%s.%s AS VARCHAR(255)), %s.%s FROM %s JOIN %s ON %s.%s = CAST(%s.%s AS VARCHAR(255)) WHERE LOWER(%s.%s) = 'true'",
		main, q(contact.PrimaryKey()), ids, q("sf_id"), main, ids, ids, q("id"), main, q(accountCol), main, q(personCol)))
	if err != nil {
		return fmt.Errorf("load: person contacts of %s: %w", contact.Table, err)
	}
	if len(local) == 0 {
		return nil
	}

	personContact := map[string]string{}
	for start := 0; start < len(local); start += personBatch {
		chunk := local[start:min(start+personBatch, len(local))]
		quoted := make([]string, 0, len(chunk))
		for _, row := range chunk {
			if row[1] != nil {
				quoted = append(quoted, soqlQuote(*row[1]))
			}
		}
		if len(quoted) == 0 {
			continue
		}
		recs, err := r.e.Org.QueryAll(ctx, "SELECT Id, PersonContactId FROM Account WHERE Id IN ("+strings.Join(quoted, ",")+")")
		if err != nil {
			return fmt.Errorf("load: person contact ids: %w", err)
		}
		for _, rec := range recs {
			personContact[text(rec["Id"])] = text(rec["PersonContactId"])
		}
	}

	var pairs [][]any
	for _, row := range local {
		if row[0] == nil || row[1] == nil {
			continue
		}
		if pc := personContact[*row[1]]; pc != "" {
			pairs = append(pairs, []any{*row[0], pc})
		}
	}
	table, err := r.initIDTable(ctx, contact)
	if err != nil {
		return err
	}
	if _, err := r.e.Store.InsertRows(ctx, table, []string{"id", "sf_id"}, pairs); err != nil {
		return err
	}
	r.log.Info(fmt.Sprintf("Recorded %d person account contacts", len(pairs)), "stage", "load", "step", contact.Name)
	return nil
}

// loadTargetRecordTypes fills `<sobject>_rt_target_mapping` from the org,
// once per object per run.
func (r *run) loadTargetRecordTypes(ctx context.Context, s *mapping.Step) error {
	sobject := s.SObject
	key := strings.ToLower(sobject)
	if r.rtLoaded[key] {
		return nil
	}
	spec := r.tables.MustGet(s.RTTargetTable())
	if err := r.e.Store.ResetTable(ctx, spec); err != nil {
		return err
	}
	recs, err := r.e.Org.QueryAll(ctx, "SELECT Id, DeveloperName FROM RecordType WHERE SObjectType="+soqlQuote(sobject))
	if err != nil {
		return fmt.Errorf("load: record types of %s: %w", sobject, err)
	}
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, []any{text(rec["Id"]), text(rec["DeveloperName"])})
	}
	if _, err := r.e.Store.InsertRows(ctx, spec.Name, []string{"record_type_id", "developer_name"}, rows); err != nil {
		return err
	}
	r.rtLoaded[key] = true
	return nil
}

// recordTypeID looks up the target id of the step's record_type.
func (r *run) recordTypeID(ctx context.Context, s *mapping.Step) (string, error) {
	soql := fmt.Sprintf("SELECT Id FROM RecordType WHERE SObjectType=%s AND DeveloperName = %s LIMIT 1",
		soqlQuote(s.SObject), soqlQuote(s.RecordType))
	recs, err := r.e.Org.QueryAll(ctx, soql)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", &bulk.DataError{Msg: fmt.Sprintf("Cannot find RecordType with query `%s`", soql)}
	}
	return storage.Stringify(recs[0]["Id"]), nil
}

// setRecentlyViewed marks the newest records of each loaded object as
// viewed. Failures are logged and otherwise ignored.
func (r *run) setRecentlyViewed(ctx context.Context, sobjects []string) {
	seen := map[string]bool{}
	for _, sobject := range sobjects {
		key := strings.ToLower(sobject)
		if seen[key] {
			continue
		}
		seen[key] = true
		soql := fmt.Sprintf("SELECT Id FROM %s ORDER BY CreatedDate DESC LIMIT 1000 FOR VIEW", sobject)
		if _, err := r.e.Org.QueryAll(ctx, soql); err != nil {
			r.log.Warn(fmt.Sprintf("Cannot set recently viewed status for %s: %v", sobject, err), "stage", "load_recently_viewed")
		}
	}
}
