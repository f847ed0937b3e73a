package salesforce

import (
	"context"

	"cci/internal/bulk"
)

// Query returns a query operation on the API selected by opts.API. The smart
// API counts the matching records first and uses Bulk above the threshold.
func (c *Client) Query(sobject, soql string, opts bulk.Options) bulk.QueryOperation {
	switch opts.API {
	case bulk.APIBulk:
		return &bulkQuery{c: c, sobject: sobject, soql: soql}
	case bulk.APIREST:
		return &restQuery{c: c, sobject: sobject, soql: soql}
	default:
		return &smartQuery{c: c, sobject: sobject, soql: soql}
	}
}

// DML returns a DML operation on the API selected by opts.API. The smart API
// buffers the records and uses Bulk above the threshold; hard deletes always
// go through Bulk.
func (c *Client) DML(sobject string, op bulk.OperationType, fields []string, opts bulk.Options) bulk.DMLOperation {
	api := opts.API
	if op == bulk.OpHardDelete {
		api = bulk.APIBulk
	}
	switch api {
	case bulk.APIBulk:
		return &bulkDML{c: c, sobject: sobject, op: op, fields: fields, opts: opts}
	case bulk.APIREST:
		return &restDML{c: c, sobject: sobject, op: op, fields: fields, opts: opts}
	default:
		return &smartDML{c: c, sobject: sobject, op: op, fields: fields, opts: opts}
	}
}

type smartQuery struct {
	c       *Client
	sobject string
	soql    string

	inner bulk.QueryOperation
}

func (q *smartQuery) Query(ctx context.Context) error {
	n, err := q.c.count(ctx, q.soql)
	if err != nil {
		return err
	}
	if n > q.c.cfg.SmartThreshold {
		q.inner = &bulkQuery{c: q.c, sobject: q.sobject, soql: q.soql}
	} else {
		q.inner = &restQuery{c: q.c, sobject: q.sobject, soql: q.soql}
	}
	q.c.log.Debug("selected query api", "stage", "smart", "sobject", q.sobject, "records", n, "bulk", n > q.c.cfg.SmartThreshold)
	return q.inner.Query(ctx)
}

func (q *smartQuery) Results(ctx context.Context) (bulk.RowIterator, error) {
	return q.inner.Results(ctx)
}

func (q *smartQuery) JobResult() bulk.JobResult { return q.inner.JobResult() }

type smartDML struct {
	c       *Client
	sobject string
	op      bulk.OperationType
	fields  []string
	opts    bulk.Options

	inner bulk.DMLOperation
}

func (d *smartDML) Start(context.Context) error { return nil }

func (d *smartDML) LoadRecords(ctx context.Context, rows bulk.RowIterator) error {
	buf, err := bulk.DrainRows(ctx, rows)
	if err != nil {
		return err
	}
	opts := d.opts
	if len(buf) > d.c.cfg.SmartThreshold {
		opts.API = bulk.APIBulk
	} else {
		opts.API = bulk.APIREST
	}
	d.inner = d.c.DML(d.sobject, d.op, d.fields, opts)
	if err := d.inner.Start(ctx); err != nil {
		return err
	}
	return d.inner.LoadRecords(ctx, bulk.NewSliceRows(buf))
}

func (d *smartDML) End(ctx context.Context) error {
	if d.inner == nil {
		return nil
	}
	return d.inner.End(ctx)
}

func (d *smartDML) Results(ctx context.Context) (bulk.ResultIterator, error) {
	if d.inner == nil {
		return bulk.NewSliceResults(nil), nil
	}
	return d.inner.Results(ctx)
}

func (d *smartDML) JobResult() bulk.JobResult {
	if d.inner == nil {
		return bulk.JobResult{Status: bulk.StatusSuccess}
	}
	return d.inner.JobResult()
}
