package workerqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime/debug"
	"slices"
)

// OptionsEnv carries a job's options, JSON encoded, to a child process.
const OptionsEnv = "CCI_TASK_OPTIONS"

// Job is what a spawner runs.
type Job struct {
	Name    string
	Dir     string
	Options map[string]any
	// Log is the job's log file.
	Log    io.Writer
	Logger *slog.Logger
}

// Process is a started job.
type Process interface {
	Wait() error
}

// Spawner starts jobs.
type Spawner interface {
	Start(ctx context.Context, job Job) (Process, error)
}

// TaskFunc does the work of one job inside its directory.
type TaskFunc func(ctx context.Context, job Job) error

// GoroutineSpawner runs Task in a goroutine of the current process. A
// panicking task fails its job.
type GoroutineSpawner struct {
	Task TaskFunc
}

func (s GoroutineSpawner) Start(ctx context.Context, job Job) (Process, error) {
	if s.Task == nil {
		return nil, fmt.Errorf("workerqueue: GoroutineSpawner has no Task")
	}
	p := &goroutine{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		p.err = s.Task(ctx, job)
	}()
	return p, nil
}

type goroutine struct {
	done chan struct{}
	err  error
}

func (g *goroutine) Wait() error {
	<-g.done
	return g.err
}

// ProcessSpawner runs each job as a child process: Path Args... <job dir>,
// started in the job directory with the options in OptionsEnv. Its stdout
// and stderr go to the job log. A non-zero exit fails the job.
type ProcessSpawner struct {
	Path string
	Args []string
	// Env is added to the parent's environment.
	Env []string
}

func (s ProcessSpawner) Start(ctx context.Context, job Job) (Process, error) {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return nil, fmt.Errorf("workerqueue: encode task options: %w", err)
	}
	cmd := exec.CommandContext(ctx, s.Path, append(slices.Clone(s.Args), job.Dir)...)
	cmd.Dir = job.Dir
	cmd.Env = append(append(os.Environ(), s.Env...), OptionsEnv+"="+string(opts))
	cmd.Stdout = job.Log
	cmd.Stderr = job.Log
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("workerqueue: start %s: %w", s.Path, err)
	}
	return cmd, nil
}

// OptionsFromEnv decodes the options a ProcessSpawner passed to this process.
func OptionsFromEnv() (map[string]any, error) {
	raw := os.Getenv(OptionsEnv)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var opts map[string]any
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, fmt.Errorf("workerqueue: decode %s: %w", OptionsEnv, err)
	}
	return opts, nil
}
