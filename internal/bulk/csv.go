package bulk

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Upload limits of one Bulk API batch.
const (
	MaxBatchRecords = 10000
	MaxBatchBytes   = 10_000_000
)

// NoRecordsMessage is the body of a query result with zero rows.
const NoRecordsMessage = "Records not found for this query"

// BatchCSV reads rows and emits CSV batches, each starting with header and
// holding at most maxRecords rows and roughly maxBytes bytes. A single row
// larger than maxBytes is emitted on its own.
//
// emit receives the encoded batch and the number of data rows in it.
func BatchCSV(ctx context.Context, header []string, rows RowIterator, maxRecords, maxBytes int, emit func(batch []byte, n int) error) error {
	if maxRecords <= 0 || maxRecords > MaxBatchRecords {
		maxRecords = MaxBatchRecords
	}
	if maxBytes <= 0 || maxBytes > MaxBatchBytes {
		maxBytes = MaxBatchBytes
	}

	headerBytes, err := encodeCSVRow(header)
	if err != nil {
		return err
	}

	var (
		buf bytes.Buffer
		n   int
	)
	reset := func() {
		buf.Reset()
		buf.Write(headerBytes)
		n = 0
	}
	flush := func() error {
		if n == 0 {
			return nil
		}
		batch := append([]byte(nil), buf.Bytes()...)
		count := n
		reset()
		return emit(batch, count)
	}
	reset()

	for {
		row, err := rows.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		line, err := encodeCSVRow(row)
		if err != nil {
			return err
		}
		if n > 0 && (n >= maxRecords || buf.Len()+len(line) > maxBytes) {
			if err := flush(); err != nil {
				return err
			}
		}
		buf.Write(line)
		n++
	}
	return flush()
}

func encodeCSVRow(row []string) ([]byte, error) {
	var b bytes.Buffer
	w := csv.NewWriter(&b)
	w.UseCRLF = false
	if err := w.Write(row); err != nil {
		return nil, fmt.Errorf("bulk: encode csv: %w", err)
	}
	w.Flush()
	return b.Bytes(), w.Error()
}

// ParseResultCSV decodes a DML batch result file: Id, Success, Created, Error.
func ParseResultCSV(r io.Reader) ([]Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("bulk: read result header: %w", err)
	}

	var out []Result
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("bulk: read result: %w", err)
		}
		res := Result{}
		if len(rec) > 0 {
			res.ID = rec[0]
		}
		if len(rec) > 1 {
			res.Success = strings.EqualFold(rec[1], "true")
		}
		if len(rec) > 3 {
			res.Error = rec[3]
		}
		out = append(out, res)
	}
}

// ParseQueryCSV decodes a query result file into rows, header first. The
// zero-rows body yields no rows at all.
func ParseQueryCSV(data []byte) ([][]string, error) {
	if strings.TrimSpace(string(data)) == NoRecordsMessage {
		return nil, nil
	}
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("bulk: read query result: %w", err)
	}
	return rows, nil
}
