// Package metrics is the process-wide metrics facade used by the load, extract
// and HTTP client code. Backends (see metrics/datadog) plug in via SetBackend;
// until one is installed every call is a no-op.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are the tag key/values attached to one observation.
type Labels map[string]string

// Backend receives counters and histogram samples.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by buffering backends.
type Flusher interface {
	Flush() error
}

// Metric names understood by the backends.
const (
	StepTotal           = "cci_step_total"
	StepDurationSeconds = "cci_step_duration_seconds"
	RecordsTotal        = "cci_records_total"
	RowErrorsTotal      = "cci_row_errors_total"
	HTTPRequestsTotal   = "cci_http_requests_total"
	HTTPDurationSeconds = "cci_http_request_duration_seconds"
	QueueJobsTotal      = "cci_queue_jobs_total"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend when it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordStep counts one finished step and its duration.
func RecordStep(step, status string, started time.Time) {
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, time.Since(started).Seconds(), l)
}

// RecordRecords counts n records of a kind (extracted, loaded, ...).
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordRowErrors counts rejected rows for a step.
func RecordRowErrors(step string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RowErrorsTotal, float64(n), Labels{"step": step})
}

// RecordHTTP counts one HTTP round trip. status 0 means transport error.
func RecordHTTP(service string, status int, d time.Duration) {
	s := "error"
	if status > 0 {
		s = strconv.Itoa(status)
	}
	l := Labels{"service": service, "status": s}
	IncCounter(HTTPRequestsTotal, 1, l)
	ObserveHistogram(HTTPDurationSeconds, d.Seconds(), l)
}

// RecordJob counts one finished worker queue job.
func RecordJob(queue, status string) {
	IncCounter(QueueJobsTotal, 1, Labels{"queue": queue, "status": status})
}
