// Package bulk defines the remote data operations the load and extract
// engines drive, and the helpers shared by every implementation of them.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// OperationType is the remote data operation requested.
type OperationType string

const (
	OpInsert     OperationType = "insert"
	OpUpdate     OperationType = "update"
	OpUpsert     OperationType = "upsert"
	OpETLUpsert  OperationType = "etl_upsert"
	OpDelete     OperationType = "delete"
	OpHardDelete OperationType = "hardDelete"
	OpQuery      OperationType = "query"
)

// API selects the remote API family.
type API string

const (
	APISmart API = "smart"
	APIBulk  API = "bulk"
	APIREST  API = "rest"
)

// Status is the outcome of a data operation.
type Status string

const (
	StatusSuccess    Status = "Success"
	StatusRowFailure Status = "Row failure"
	StatusJobFailure Status = "Job failure"
	StatusInProgress Status = "In progress"
	StatusAborted    Status = "Aborted"
)

// Result is the outcome for one record, in input order.
type Result struct {
	ID      string
	Success bool
	Error   string
}

// JobResult summarises a whole operation.
type JobResult struct {
	Status           Status
	JobErrors        []string
	RecordsProcessed int
	TotalRowErrors   int
}

// Options are passed through to the remote operation.
type Options struct {
	API      API
	BulkMode string
	// BatchSize caps records per remote request.
	BatchSize int
	// ExternalIDField is the key of a native upsert.
	ExternalIDField string
}

// RowIterator yields records one at a time. Next returns io.EOF after the
// last record.
type RowIterator interface {
	Next(ctx context.Context) ([]string, error)
}

// ResultIterator yields per-record results in input order. Next returns
// io.EOF after the last result.
type ResultIterator interface {
	Next(ctx context.Context) (Result, error)
}

// QueryOperation is a remote query job.
type QueryOperation interface {
	// Query runs the job to completion, blocking while it is polled.
	Query(ctx context.Context) error
	// Results streams the rows. The first row is the header.
	Results(ctx context.Context) (RowIterator, error)
	JobResult() JobResult
}

// DMLOperation is a remote insert/update/upsert/delete job.
type DMLOperation interface {
	Start(ctx context.Context) error
	LoadRecords(ctx context.Context, rows RowIterator) error
	// End closes the job and waits for it to finish.
	End(ctx context.Context) error
	Results(ctx context.Context) (ResultIterator, error)
	JobResult() JobResult
}

// Factory creates remote operations.
type Factory interface {
	Query(sobject, soql string, opts Options) QueryOperation
	DML(sobject string, op OperationType, fields []string, opts Options) DMLOperation
}

// DataError is a record-level or data-level failure.
type DataError struct {
	Msg string
}

func (e *DataError) Error() string { return e.Msg }

// JobFailedError is a job-level failure. It is always fatal.
type JobFailedError struct {
	Step   string
	Errors []string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("Step %s did not complete successfully: %s", e.Step, strings.Join(e.Errors, ","))
}

// IsJobFailure reports whether err is a *JobFailedError.
func IsJobFailure(err error) bool {
	var jf *JobFailedError
	return errors.As(err, &jf)
}

// SliceRows iterates over an in-memory slice.
type SliceRows struct {
	rows [][]string
	i    int
}

// NewSliceRows wraps rows.
func NewSliceRows(rows [][]string) *SliceRows { return &SliceRows{rows: rows} }

func (s *SliceRows) Next(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.i >= len(s.rows) {
		return nil, io.EOF
	}
	r := s.rows[s.i]
	s.i++
	return r, nil
}

// SliceResults iterates over an in-memory slice of results.
type SliceResults struct {
	results []Result
	i       int
}

// NewSliceResults wraps results.
func NewSliceResults(results []Result) *SliceResults { return &SliceResults{results: results} }

func (s *SliceResults) Next(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if s.i >= len(s.results) {
		return Result{}, io.EOF
	}
	r := s.results[s.i]
	s.i++
	return r, nil
}

// DrainRows reads every record from it.
func DrainRows(ctx context.Context, it RowIterator) ([][]string, error) {
	var out [][]string
	for {
		row, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
}
