package workerqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cci/internal/logging"
	"cci/internal/metrics"
)

// ExceptionFile is written into a failed job's directory.
const ExceptionFile = "exception.txt"

// LogFile is the per-job log written into the working directory.
const LogFile = "task.log"

// Worker runs one job. Its fields are fixed once the queue starts it.
type Worker struct {
	ID      string
	Dir     string
	Options map[string]any
	Started time.Time

	queue    string
	outbox   string
	failures string
	log      *slog.Logger

	done chan struct{}
	err  error
}

// Alive reports whether the job is still running or being moved.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the worker is done and returns the job's error.
func (w *Worker) Wait() error {
	<-w.done
	return w.err
}

func (w *Worker) run(ctx context.Context, sp Spawner) {
	defer close(w.done)
	name := filepath.Base(w.Dir)

	w.err = w.execute(ctx, sp)
	if w.err != nil {
		w.log.Info("Failure detected: "+w.err.Error(), "stage", "queue", "job", name, "worker", w.ID)
		w.fail()
		metrics.RecordJob(w.queue, "failed")
		return
	}
	if err := os.MkdirAll(w.outbox, 0o755); err != nil {
		w.err = err
	} else if _, err := move(w.Dir, w.outbox); err != nil {
		w.err = err
	}
	if w.err != nil {
		w.saveException()
		metrics.RecordJob(w.queue, "failed")
		return
	}
	w.log.Info("job done", "stage", "queue", "job", name, "worker", w.ID,
		"duration", logging.Dur(time.Since(w.Started)))
	metrics.RecordJob(w.queue, "success")
}

// execute runs the job with its log file open. The file is closed before the
// directory moves.
func (w *Worker) execute(ctx context.Context, sp Spawner) error {
	f, err := os.Create(filepath.Join(w.Dir, LogFile))
	if err != nil {
		return fmt.Errorf("workerqueue: job log: %w", err)
	}
	defer f.Close()
	jl := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))

	job := Job{Name: filepath.Base(w.Dir), Dir: w.Dir, Options: w.Options, Log: f, Logger: jl}
	p, err := sp.Start(ctx, job)
	if err != nil {
		return err
	}
	if err := p.Wait(); err != nil {
		return err
	}
	jl.Info("SubTask Success!")
	return nil
}

func (w *Worker) fail() {
	w.saveException()
	if err := os.MkdirAll(w.failures, 0o755); err != nil {
		w.err = errors.Join(w.err, err)
		return
	}
	if _, err := move(w.Dir, w.failures); err != nil {
		w.err = errors.Join(w.err, err)
	}
}

func (w *Worker) saveException() {
	if err := os.WriteFile(filepath.Join(w.Dir, ExceptionFile), []byte(w.err.Error()+"\n"), 0o644); err != nil {
		w.log.Warn("cannot save exception", "stage", "queue", "job", filepath.Base(w.Dir), "err", err)
	}
}
