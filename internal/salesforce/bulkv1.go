package salesforce

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"cci/internal/bulk"
	"cci/internal/httpclient"
)

const asyncNamespace = "http://www.force.com/2009/06/asyncapi/dataload"

type jobRequest struct {
	XMLName         xml.Name `xml:"jobInfo"`
	Xmlns           string   `xml:"xmlns,attr"`
	Operation       string   `xml:"operation"`
	Object          string   `xml:"object"`
	ExternalIDField string   `xml:"externalIdFieldName,omitempty"`
	ConcurrencyMode string   `xml:"concurrencyMode,omitempty"`
	ContentType     string   `xml:"contentType"`
}

type jobInfo struct {
	ID    string `xml:"id"`
	State string `xml:"state"`
}

type batchRef struct {
	ID    string `xml:"id"`
	State string `xml:"state"`
}

type resultList struct {
	Results []string `xml:"result"`
}

func (c *Client) asyncDo(ctx context.Context, method, path, contentType string, body []byte) (*httpclient.Response, error) {
	headers := map[string]string{"X-SFDC-Session": c.cfg.AccessToken}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	resp, err := c.http.Do(ctx, &httpclient.Request{Method: method, Path: c.asyncPath(path), Headers: headers, Body: body})
	if err != nil {
		return nil, fmt.Errorf("salesforce: bulk %s %s: %s", method, path, Summarize(err))
	}
	return resp, nil
}

func (c *Client) createJob(ctx context.Context, op bulk.OperationType, sobject, externalID, mode string) (string, error) {
	req := jobRequest{
		Xmlns:           asyncNamespace,
		Operation:       string(op),
		Object:          sobject,
		ExternalIDField: externalID,
		ConcurrencyMode: mode,
		ContentType:     "CSV",
	}
	body, err := xml.Marshal(req)
	if err != nil {
		return "", err
	}
	body = append([]byte(xml.Header), body...)
	resp, err := c.asyncDo(ctx, http.MethodPost, "job", "application/xml; charset=UTF-8", body)
	if err != nil {
		return "", err
	}
	var info jobInfo
	if err := xml.Unmarshal(resp.Body, &info); err != nil {
		return "", fmt.Errorf("salesforce: decode job: %w", err)
	}
	c.log.Info("Created Bulk API job", "stage", "bulk", "job_id", info.ID, "operation", op, "sobject", sobject)
	return info.ID, nil
}

func (c *Client) addBatch(ctx context.Context, jobID string, body []byte) (string, error) {
	resp, err := c.asyncDo(ctx, http.MethodPost, "job/"+jobID+"/batch", "text/csv; charset=UTF-8", body)
	if err != nil {
		return "", err
	}
	var ref batchRef
	if err := xml.Unmarshal(resp.Body, &ref); err != nil {
		return "", fmt.Errorf("salesforce: decode batch: %w", err)
	}
	return ref.ID, nil
}

func (c *Client) closeJob(ctx context.Context, jobID string) error {
	body, err := xml.Marshal(struct {
		XMLName xml.Name `xml:"jobInfo"`
		Xmlns   string   `xml:"xmlns,attr"`
		State   string   `xml:"state"`
	}{Xmlns: asyncNamespace, State: "Closed"})
	if err != nil {
		return err
	}
	_, err = c.asyncDo(ctx, http.MethodPost, "job/"+jobID, "application/xml; charset=UTF-8", append([]byte(xml.Header), body...))
	return err
}

// waitJob polls the batches of jobID until none is queued or in progress.
func (c *Client) waitJob(ctx context.Context, jobID string) (bulk.JobResult, error) {
	for {
		resp, err := c.asyncDo(ctx, http.MethodGet, "job/"+jobID+"/batch", "", nil)
		if err != nil {
			return bulk.JobResult{}, err
		}
		res, _, err := bulk.ParseJobState(resp.Body)
		if err != nil {
			return bulk.JobResult{}, err
		}
		if res.Status != bulk.StatusInProgress {
			c.log.Info("Bulk API job finished", "stage", "bulk", "job_id", jobID, "status", res.Status,
				"records", res.RecordsProcessed, "row_errors", res.TotalRowErrors)
			return res, nil
		}
		c.log.Debug("Waiting for job", "stage", "bulk", "job_id", jobID)
		select {
		case <-ctx.Done():
			return bulk.JobResult{}, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// bulkQuery is a QueryOperation over a Bulk API query job.
type bulkQuery struct {
	c       *Client
	sobject string
	soql    string

	jobID   string
	batchID string
	job     bulk.JobResult
}

func (q *bulkQuery) Query(ctx context.Context) error {
	jobID, err := q.c.createJob(ctx, bulk.OpQuery, q.sobject, "", "")
	if err != nil {
		return err
	}
	q.jobID = jobID
	if q.batchID, err = q.c.addBatch(ctx, jobID, []byte(q.soql)); err != nil {
		return err
	}
	if q.job, err = q.c.waitJob(ctx, jobID); err != nil {
		return err
	}
	return q.c.closeJob(ctx, jobID)
}

func (q *bulkQuery) Results(ctx context.Context) (bulk.RowIterator, error) {
	base := "job/" + q.jobID + "/batch/" + q.batchID + "/result"
	resp, err := q.c.asyncDo(ctx, http.MethodGet, base, "", nil)
	if err != nil {
		return nil, err
	}
	var list resultList
	if err := xml.Unmarshal(resp.Body, &list); err != nil {
		return nil, fmt.Errorf("salesforce: decode result list: %w", err)
	}
	var rows [][]string
	for _, id := range list.Results {
		resp, err := q.c.asyncDo(ctx, http.MethodGet, base+"/"+id, "", nil)
		if err != nil {
			return nil, err
		}
		part, err := bulk.ParseQueryCSV(resp.Body)
		if err != nil {
			return nil, err
		}
		if len(part) == 0 {
			continue
		}
		if len(rows) > 0 {
			part = part[1:]
		}
		rows = append(rows, part...)
	}
	return bulk.NewSliceRows(rows), nil
}

func (q *bulkQuery) JobResult() bulk.JobResult { return q.job }

// bulkDML is a DMLOperation over a Bulk API CSV job.
type bulkDML struct {
	c       *Client
	sobject string
	op      bulk.OperationType
	fields  []string
	opts    bulk.Options

	jobID    string
	batchIDs []string
	job      bulk.JobResult
}

func (d *bulkDML) Start(ctx context.Context) error {
	mode := d.opts.BulkMode
	if mode == "" {
		mode = "Parallel"
	}
	ext := ""
	if d.op == bulk.OpUpsert {
		ext = d.opts.ExternalIDField
	}
	id, err := d.c.createJob(ctx, d.op, d.sobject, ext, mode)
	d.jobID = id
	return err
}

func (d *bulkDML) LoadRecords(ctx context.Context, rows bulk.RowIterator) error {
	return bulk.BatchCSV(ctx, d.fields, rows, 0, 0, func(batch []byte, n int) error {
		d.c.log.Info(fmt.Sprintf("Uploading batch %d", len(d.batchIDs)+1), "stage", "bulk", "job_id", d.jobID, "records", n)
		id, err := d.c.addBatch(ctx, d.jobID, batch)
		if err != nil {
			return err
		}
		d.batchIDs = append(d.batchIDs, id)
		return nil
	})
}

func (d *bulkDML) End(ctx context.Context) error {
	if err := d.c.closeJob(ctx, d.jobID); err != nil {
		return err
	}
	var err error
	d.job, err = d.c.waitJob(ctx, d.jobID)
	return err
}

// Results reads batch results in upload order.
func (d *bulkDML) Results(ctx context.Context) (bulk.ResultIterator, error) {
	var all []bulk.Result
	for _, id := range d.batchIDs {
		resp, err := d.c.asyncDo(ctx, http.MethodGet, "job/"+d.jobID+"/batch/"+id+"/result", "", nil)
		if err != nil {
			return nil, err
		}
		res, err := bulk.ParseResultCSV(bytes.NewReader(resp.Body))
		if err != nil {
			return nil, err
		}
		d.c.log.Debug("Downloaded results for batch", "stage", "bulk", "batch_id", id, "results", len(res))
		all = append(all, res...)
	}
	return bulk.NewSliceResults(all), nil
}

func (d *bulkDML) JobResult() bulk.JobResult { return d.job }
