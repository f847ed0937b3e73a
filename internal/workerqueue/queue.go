// Package workerqueue runs jobs through chains of bounded worker pools.
//
// Queues are backed by directories in the hot folder style: a job is a
// directory, and it moves from the inbox to in-progress to the outbox (or the
// failures directory) by rename. Chained queues share a directory, so one
// queue's outbox is the next queue's inbox and the pipeline state is visible
// on disk.
//
// A Queue is driven from a single goroutine: Push, Tick and Drain are not
// safe for concurrent use. Workers run concurrently and only touch their own
// job directory.
package workerqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"cci/internal/logging"
)

// ErrQueueFull is returned by Push when the queue or a queue downstream of
// it has no room.
var ErrQueueFull = errors.New("workerqueue: queue is full")

// Config describes one queue.
type Config struct {
	// Name prefixes the queue's directories.
	Name string
	// ParentDir holds the inbox, in-progress and outbox directories.
	ParentDir string
	// FailuresDir receives failed jobs. Default ParentDir/failures.
	FailuresDir string
	// OutboxDir receives finished jobs. Default ParentDir/<Name>_outbox.
	OutboxDir string
	// QueueSize is how many jobs may wait beyond the free workers.
	QueueSize int
	// NumWorkers is how many jobs run at once.
	NumWorkers int
	Spawner    Spawner
	// TaskOptions, when set, builds the options of a job from its working
	// directory.
	TaskOptions func(workingDir string) map[string]any
	// RenameDirectory, when set, maps a job's in-progress directory to the
	// name it should run under.
	RenameDirectory func(workingDir string) string
	Logger          *slog.Logger
}

// Queue is an inbox plus a pool of workers running the same kind of job.
type Queue struct {
	cfg           Config
	log           *slog.Logger
	inboxDir      string
	inprogressDir string
	outboxDir     string
	next          *Queue
	workers       []*Worker
}

// New validates cfg and creates the queue's directories. The inbox and
// in-progress directories must not exist yet.
func New(cfg Config) (*Queue, error) {
	switch {
	case cfg.Name == "":
		return nil, errors.New("workerqueue: Name is required")
	case cfg.ParentDir == "":
		return nil, errors.New("workerqueue: ParentDir is required")
	case cfg.Spawner == nil:
		return nil, errors.New("workerqueue: Spawner is required")
	case cfg.NumWorkers < 1:
		return nil, fmt.Errorf("workerqueue: NumWorkers must be positive, got %d", cfg.NumWorkers)
	case cfg.QueueSize < 0:
		return nil, fmt.Errorf("workerqueue: QueueSize must not be negative, got %d", cfg.QueueSize)
	}
	if cfg.FailuresDir == "" {
		cfg.FailuresDir = filepath.Join(cfg.ParentDir, "failures")
	}
	if cfg.OutboxDir == "" {
		cfg.OutboxDir = filepath.Join(cfg.ParentDir, cfg.Name+"_outbox")
	}

	q := &Queue{
		cfg:           cfg,
		log:           logging.OrDiscard(cfg.Logger).With("queue", cfg.Name),
		inboxDir:      filepath.Join(cfg.ParentDir, cfg.Name+"_inbox"),
		inprogressDir: filepath.Join(cfg.ParentDir, cfg.Name+"_inprogress"),
		outboxDir:     cfg.OutboxDir,
	}
	for _, d := range []string{q.inboxDir, q.inprogressDir} {
		if err := os.Mkdir(d, 0o755); err != nil {
			return nil, fmt.Errorf("workerqueue: %w", err)
		}
	}
	if err := os.MkdirAll(q.outboxDir, 0o755); err != nil {
		return nil, fmt.Errorf("workerqueue: %w", err)
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// InboxDir returns the directory jobs wait in.
func (q *Queue) InboxDir() string { return q.inboxDir }

// OutboxDir returns where finished jobs go. After FeedsDataTo it is the next
// queue's inbox.
func (q *Queue) OutboxDir() string { return q.outboxDir }

// FailuresDir returns where failed jobs go.
func (q *Queue) FailuresDir() string { return q.cfg.FailuresDir }

// FeedsDataTo makes next's inbox the outbox of q. Jobs already running keep
// the outbox they started with.
func (q *Queue) FeedsDataTo(next *Queue) {
	q.next = next
	if err := os.Remove(q.outboxDir); err != nil {
		q.log.Info("Cannot remove outbox dir when connecting queues", "stage", "queue", "err", err)
	}
	q.outboxDir = next.inboxDir
}

// Full reports whether q or any queue downstream has no free space.
func (q *Queue) Full() bool {
	return q.FreeSpace() == 0 || (q.next != nil && q.next.Full())
}

// FreeSpace is free workers plus QueueSize minus queued jobs, floored at
// zero. An unreadable inbox counts as no space.
func (q *Queue) FreeSpace() int {
	queued, err := q.Queued()
	if err != nil {
		return 0
	}
	return max(q.freeWorkers()+q.cfg.QueueSize-len(queued), 0)
}

// Push moves jobDir into the inbox and ticks. ctx bounds the jobs the tick
// starts.
//
// Errors:
//   - ErrQueueFull when Full reports true; jobDir is left in place.
func (q *Queue) Push(ctx context.Context, jobDir string) error {
	if q.Full() {
		return fmt.Errorf("%w: %s", ErrQueueFull, q.cfg.Name)
	}
	if _, err := move(jobDir, q.inboxDir); err != nil {
		return fmt.Errorf("workerqueue: queue job: %w", err)
	}
	return q.Tick(ctx)
}

// PushName pushes a new, empty job directory called name. An empty name
// gets a random one. It returns the name used.
func (q *Queue) PushName(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = uuid.NewString()
	}
	if q.Full() {
		return name, fmt.Errorf("%w: %s", ErrQueueFull, q.cfg.Name)
	}
	staging, err := os.MkdirTemp(q.cfg.ParentDir, ".staging-")
	if err != nil {
		return name, fmt.Errorf("workerqueue: %w", err)
	}
	defer os.RemoveAll(staging)
	dir := filepath.Join(staging, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return name, fmt.Errorf("workerqueue: %w", err)
	}
	return name, q.Push(ctx, dir)
}

// Tick reaps finished workers, starts queued jobs on free workers, then
// ticks the downstream queue.
func (q *Queue) Tick(ctx context.Context) error {
	live := q.workers[:0]
	for _, w := range q.workers {
		if w.Alive() {
			live = append(live, w)
		}
	}
	q.workers = live

	if free := q.freeWorkers(); free > 0 {
		entries, err := q.dirEntries(q.inboxDir)
		if err != nil {
			return err
		}
		for _, name := range entries[:min(free, len(entries))] {
			q.log.Info("Starting job "+name, "stage", "queue")
			if err := q.start(ctx, filepath.Join(q.inboxDir, name)); err != nil {
				return err
			}
		}
	}
	if q.next != nil {
		return q.next.Tick(ctx)
	}
	return nil
}

// Drain ticks every interval until q and every queue downstream are idle.
func (q *Queue) Drain(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := q.Tick(ctx); err != nil {
			return err
		}
		if q.chainIdle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Workers returns the workers that have not finished.
func (q *Queue) Workers() []*Worker {
	var out []*Worker
	for _, w := range q.workers {
		if w.Alive() {
			out = append(out, w)
		}
	}
	return out
}

// Queued lists the job names waiting in the inbox.
func (q *Queue) Queued() ([]string, error) { return q.dirEntries(q.inboxDir) }

// InProgress lists the job names being worked on.
func (q *Queue) InProgress() ([]string, error) { return q.dirEntries(q.inprogressDir) }

// Outbox lists the finished job names.
func (q *Queue) Outbox() ([]string, error) { return q.dirEntries(q.outboxDir) }

// Failed lists the failed job names. Failures are shared between queues
// that share a FailuresDir.
func (q *Queue) Failed() ([]string, error) {
	names, err := q.dirEntries(q.cfg.FailuresDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return names, err
}

// Idle reports whether q has no queued, running or in-progress jobs.
func (q *Queue) Idle() bool {
	if len(q.Workers()) > 0 {
		return false
	}
	queued, err := q.Queued()
	if err != nil || len(queued) > 0 {
		return false
	}
	running, err := q.InProgress()
	return err == nil && len(running) == 0
}

func (q *Queue) chainIdle() bool {
	for c := q; c != nil; c = c.next {
		if !c.Idle() {
			return false
		}
	}
	return true
}

func (q *Queue) freeWorkers() int {
	return q.cfg.NumWorkers - len(q.Workers())
}

func (q *Queue) start(ctx context.Context, jobDir string) error {
	working, err := move(jobDir, q.inprogressDir)
	if err != nil {
		return fmt.Errorf("workerqueue: start job: %w", err)
	}
	if q.cfg.RenameDirectory != nil {
		if renamed := q.cfg.RenameDirectory(working); renamed != working {
			if err := os.Rename(working, renamed); err != nil {
				return fmt.Errorf("workerqueue: rename job: %w", err)
			}
			working = renamed
		}
	}
	var opts map[string]any
	if q.cfg.TaskOptions != nil {
		opts = q.cfg.TaskOptions(working)
	}

	w := &Worker{
		ID:       uuid.NewString(),
		Dir:      working,
		Options:  opts,
		Started:  time.Now(),
		queue:    q.cfg.Name,
		outbox:   q.outboxDir,
		failures: q.cfg.FailuresDir,
		log:      q.log,
		done:     make(chan struct{}),
	}
	q.workers = append(q.workers, w)
	go w.run(ctx, q.cfg.Spawner)
	return nil
}

// dirEntries lists the entry names of dir in name order.
func (q *Queue) dirEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// move renames src into dir, keeping its base name, and returns the new path.
func move(src, dir string) (string, error) {
	dst := filepath.Join(dir, filepath.Base(src))
	if _, err := os.Lstat(dst); err == nil {
		return "", fmt.Errorf("%s already exists", dst)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}
