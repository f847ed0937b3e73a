package bulk

import (
	"fmt"
	"log/slog"

	"cci/internal/logging"
)

// DefaultRowWarningLimit caps per-row warnings before they are suppressed.
const DefaultRowWarningLimit = 10

// RowErrorChecker accounts for failed records of one operation.
//
// When ignoring row errors, each failure is logged at Warn until limit
// warnings have been written, then a single "Further warnings suppressed"
// notice is written and counting continues silently.
//
// When not ignoring, the first failure is kept and reported by Err once the
// caller has drained every result, so successful records of the same batch
// are still reconciled.
type RowErrorChecker struct {
	log    *slog.Logger
	ignore bool
	limit  int

	count int
	first error
}

// NewRowErrorChecker builds a checker. limit <= 0 means DefaultRowWarningLimit.
func NewRowErrorChecker(log *slog.Logger, ignore bool, limit int) *RowErrorChecker {
	if limit <= 0 {
		limit = DefaultRowWarningLimit
	}
	return &RowErrorChecker{log: logging.OrDiscard(log), ignore: ignore, limit: limit}
}

// Check records r, the result for the local row localID.
func (c *RowErrorChecker) Check(r Result, localID string) {
	if r.Success {
		return
	}
	msg := fmt.Sprintf("Error on record with id %s: %s", localID, r.Error)
	if !c.ignore {
		if c.first == nil {
			c.first = &DataError{Msg: msg}
		}
		c.count++
		return
	}
	switch {
	case c.count < c.limit:
		c.log.Warn(msg, "stage", "row_errors")
	case c.count == c.limit:
		c.log.Warn("Further warnings suppressed", "stage", "row_errors")
	}
	c.count++
}

// Count is the number of failed records seen.
func (c *RowErrorChecker) Count() int { return c.count }

// Err returns the first row error when row errors are not ignored.
func (c *RowErrorChecker) Err() error { return c.first }
