package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"cci/internal/logging"
	"cci/internal/workerqueue"
)

func (a *app) newQueueCmd() *cobra.Command {
	var (
		dir      string
		name     string
		jobs     int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "queue -- COMMAND [ARGS...]",
		Short: "Run a command once per job directory through a bounded worker pool",
		Long: `Queue creates --jobs empty job directories under --dir and runs COMMAND for
each of them, at most queue.num_workers at a time, with queue.queue_size more
waiting. Each run gets its job directory as last argument and working
directory, and its options as JSON in CCI_TASK_OPTIONS.

Finished jobs end up in <name>_outbox, failed ones in failures together with
exception.txt.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobs < 1 {
				return fmt.Errorf("--jobs must be positive, got %d", jobs)
			}
			if dir == "" {
				d, err := os.MkdirTemp("", "cci-queue-")
				if err != nil {
					return err
				}
				dir = d
			}
			// children run inside their job directory
			dir, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			q, err := workerqueue.New(workerqueue.Config{
				Name:       name,
				ParentDir:  dir,
				NumWorkers: a.cfg.Queue.NumWorkers,
				QueueSize:  a.cfg.Queue.QueueSize,
				Spawner:    workerqueue.ProcessSpawner{Path: args[0], Args: args[1:]},
				TaskOptions: func(jobDir string) map[string]any {
					return map[string]any{"working_directory": jobDir}
				},
				Logger: a.log,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			start := time.Now()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for i := 0; i < jobs; {
				if q.Full() {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-ticker.C:
					}
					if err := q.Tick(ctx); err != nil {
						return err
					}
					continue
				}
				if _, err := q.PushName(ctx, fmt.Sprintf("job_%d", i)); err != nil {
					return err
				}
				i++
			}
			if err := q.Drain(ctx, interval); err != nil {
				return err
			}

			done, err := q.Outbox()
			if err != nil {
				return err
			}
			failed, err := q.Failed()
			if err != nil {
				return err
			}
			a.log.Info("queue drained", "stage", "queue", "succeeded", len(done), "failed", len(failed),
				"duration", logging.Dur(time.Since(start)))
			out := cmd.OutOrStdout()
			for _, n := range done {
				fmt.Fprintf(out, "ok\t%s\n", filepath.Join(q.OutboxDir(), n))
			}
			for _, n := range failed {
				fmt.Fprintf(out, "failed\t%s\n", filepath.Join(q.FailuresDir(), n))
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d jobs failed", len(failed), jobs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "parent directory of the queue folders (default: a new temp dir)")
	cmd.Flags().StringVar(&name, "name", "jobs", "queue name, prefix of its folders")
	cmd.Flags().IntVar(&jobs, "jobs", 1, "number of job directories to run")
	cmd.Flags().DurationVar(&interval, "poll", 100*time.Millisecond, "how often finished workers are collected")
	cmd.Flags().Int("num-workers", 0, "jobs running at once (default from queue.num_workers)")
	cmd.Flags().Int("queue-size", 0, "jobs waiting for a worker (default from queue.queue_size)")
	return cmd
}
